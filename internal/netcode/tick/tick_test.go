package tick

import "testing"

func TestTicksSince_Wraparound(t *testing.T) {
	old := Tick(0xFFFFFFF0)
	now := Tick(5)
	if got := now.TicksSince(old); got != 21 {
		t.Fatalf("ticks since: got %d want 21", got)
	}
	if !now.IsNewerThan(old) {
		t.Fatalf("expected %v newer than %v", now, old)
	}
	if old.IsNewerThan(now) {
		t.Fatalf("expected %v older than %v", old, now)
	}
	if got := old.TicksSince(now); got != -21 {
		t.Fatalf("reverse ticks since: got %d want -21", got)
	}
}

func TestAddSub_SkipInvalid(t *testing.T) {
	if got := Tick(0xFFFFFFFF).Next(); got != 1 {
		t.Fatalf("next across wrap: got %d want 1", got)
	}
	if got := Tick(1).Prev(); got != 0xFFFFFFFF {
		t.Fatalf("prev across wrap: got %d want 0xFFFFFFFF", got)
	}
	if got := Tick(10).Add(5); got != 15 {
		t.Fatalf("add: got %d want 15", got)
	}
	if got := Tick(10).Sub(5); got != 5 {
		t.Fatalf("sub: got %d want 5", got)
	}
}

func TestStepsSince_SkipsInvalid(t *testing.T) {
	last := Tick(0xFFFFFFFF)
	if got := last.Next().StepsSince(last); got != 1 {
		t.Fatalf("steps across wrap: got %d want 1", got)
	}
	if got := last.StepsSince(last.Next()); got != -1 {
		t.Fatalf("reverse steps across wrap: got %d want -1", got)
	}
	if got := Tick(1).TicksSince(last); got != 2 {
		t.Fatalf("ticks across wrap: got %d want 2", got)
	}
	old := Tick(0xFFFFFFF0)
	if got := old.Add(20).StepsSince(old); got != 20 {
		t.Fatalf("steps after add: got %d want 20", got)
	}
	if got := Tick(15).StepsSince(10); got != 5 {
		t.Fatalf("steps: got %d want 5", got)
	}
}

func TestNewestOldest(t *testing.T) {
	a, b := Tick(0xFFFFFFFE), Tick(3)
	if got := Newest(a, b); got != b {
		t.Fatalf("newest: got %v want %v", got, b)
	}
	if got := Oldest(a, b); got != a {
		t.Fatalf("oldest: got %v want %v", got, a)
	}
	if got := Newest(Invalid, a); got != a {
		t.Fatalf("newest with invalid: got %v want %v", got, a)
	}
	if got := Oldest(b, Invalid); got != b {
		t.Fatalf("oldest with invalid: got %v want %v", got, b)
	}
	if Invalid.String() != "invalid" {
		t.Fatalf("invalid string: %q", Invalid.String())
	}
}
