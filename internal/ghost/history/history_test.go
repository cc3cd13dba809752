package history

import (
	"encoding/binary"
	"errors"
	"testing"

	"ghostsync.ai/internal/netcode/tick"
)

const testSize = 16

func snap(v uint32) []byte {
	b := make([]byte, testSize)
	binary.LittleEndian.PutUint32(b[8:], v)
	return b
}

func value(slot []byte) uint32 { return binary.LittleEndian.Uint32(slot[8:]) }

func fill(h *History, ticks ...tick.Tick) {
	for _, t := range ticks {
		h.Insert(t, snap(uint32(t)*10))
	}
}

func TestEmpty(t *testing.T) {
	h := New(4, testSize, false)
	if h.LatestTick().IsValid() || h.OldestTick().IsValid() {
		t.Fatalf("empty history reported ticks: latest=%v oldest=%v", h.LatestTick(), h.OldestTick())
	}
	if _, ok := h.DataAtTick(10, 1, 2); ok {
		t.Fatalf("expected no data on empty history")
	}
	if _, _, ok := h.Latest(); ok {
		t.Fatalf("expected no latest slot")
	}
}

func TestDataAtTick_InterpolatesAcrossGap(t *testing.T) {
	h := New(4, testSize, false)
	fill(h, 10, 11, 13, 14)

	got, ok := h.DataAtTick(12, 1.0, 2)
	if !ok {
		t.Fatalf("expected data at tick 12")
	}
	if got.BeforeTick != 11 || got.AfterTick != 13 || got.Factor != 0.5 || got.Extrapolated {
		t.Fatalf("tick 12: got before=%v after=%v factor=%v extrap=%v", got.BeforeTick, got.AfterTick, got.Factor, got.Extrapolated)
	}
	if value(got.Before) != 110 || value(got.After) != 130 {
		t.Fatalf("tick 12 payload: got %d/%d", value(got.Before), value(got.After))
	}

	got, ok = h.DataAtTick(14, 1.0, 2)
	if !ok {
		t.Fatalf("expected data at tick 14")
	}
	if !got.Extrapolated || got.BeforeTick != 13 || got.AfterTick != 14 || got.Factor != 1 {
		t.Fatalf("tick 14: got before=%v after=%v factor=%v extrap=%v", got.BeforeTick, got.AfterTick, got.Factor, got.Extrapolated)
	}
}

func TestDataAtTick_ExtrapolationClamped(t *testing.T) {
	h := New(4, testSize, false)
	fill(h, 10, 11)
	got, ok := h.DataAtTick(20, 1.0, 2)
	if !ok || !got.Extrapolated {
		t.Fatalf("expected extrapolation, ok=%v", ok)
	}
	// 11 + 2 ticks at most: (13-10)/(11-10)
	if got.Factor != 3 {
		t.Fatalf("clamped factor: got %v want 3", got.Factor)
	}
}

func TestDataAtTick_Fraction(t *testing.T) {
	h := New(8, testSize, false)
	fill(h, 10, 11, 13, 14)
	got, ok := h.DataAtTick(12, 0.5, 2)
	if !ok {
		t.Fatalf("expected data")
	}
	if got.BeforeTick != 11 || got.AfterTick != 13 || got.Factor != 0.25 {
		t.Fatalf("fractional: before=%v after=%v factor=%v", got.BeforeTick, got.AfterTick, got.Factor)
	}
}

func TestDataAtTick_NothingBefore(t *testing.T) {
	h := New(4, testSize, false)
	fill(h, 10, 11)
	if _, ok := h.DataAtTick(9, 1, 2); ok {
		t.Fatalf("expected failure when target precedes all data")
	}
}

func TestDataAtTick_MonotonicFactor(t *testing.T) {
	h := New(8, testSize, false)
	fill(h, 100, 104)
	prev := float32(-1)
	// effective time 100 + step/3; a partial tick is (target-1)+frac
	for step := 0; step <= 12; step++ {
		target := tick.Tick(100 + step/3)
		frac := float32(1)
		if rem := step % 3; rem != 0 {
			target++
			frac = float32(rem) / 3
		}
		got, ok := h.DataAtTick(target, frac, 0)
		if !ok {
			continue
		}
		if got.Extrapolated {
			break
		}
		if got.Factor < 0 || got.Factor > 1 {
			t.Fatalf("factor out of range at step %d: %v", step, got.Factor)
		}
		if got.Factor < prev {
			t.Fatalf("factor decreased at step %d: %v < %v", step, got.Factor, prev)
		}
		prev = got.Factor
	}
	if prev <= 0 {
		t.Fatalf("expected increasing factors, last=%v", prev)
	}
}

func TestWraparound(t *testing.T) {
	h := New(4, testSize, false)
	fill(h, 0xFFFFFFFE, 0xFFFFFFFF, 1, 2)
	if h.LatestTick() != 2 {
		t.Fatalf("latest: got %v want 2", h.LatestTick())
	}
	if h.OldestTick() != 0xFFFFFFFE {
		t.Fatalf("oldest: got %v want 0xFFFFFFFE", h.OldestTick())
	}
	got, ok := h.DataAtTick(1, 0.5, 0)
	if !ok {
		t.Fatalf("expected data across wrap")
	}
	if got.BeforeTick != 0xFFFFFFFF || got.AfterTick != 1 {
		t.Fatalf("wrap interpolation: before=%v after=%v", got.BeforeTick, got.AfterTick)
	}
	// 0xFFFFFFFF and 1 are adjacent ticks
	if got.Factor != 0.5 {
		t.Fatalf("wrap factor: got %v want 0.5", got.Factor)
	}
	got, ok = h.DataAtTick(2, 1.0, 0)
	if !ok || got.BeforeTick != 1 || got.AfterTick != 2 || !got.Extrapolated || got.Factor != 1 {
		t.Fatalf("tick 2: got before=%v after=%v factor=%v extrap=%v", got.BeforeTick, got.AfterTick, got.Factor, got.Extrapolated)
	}
}

func TestRingOverwrite(t *testing.T) {
	h := New(4, testSize, false)
	fill(h, 1, 2, 3, 4, 5, 6)
	if h.OldestTick() != 3 || h.LatestTick() != 6 {
		t.Fatalf("after overwrite: oldest=%v latest=%v", h.OldestTick(), h.LatestTick())
	}
	if _, _, ok := h.SnapshotAt(2); ok {
		t.Fatalf("tick 2 should have been evicted")
	}
	slot, _, ok := h.SnapshotAt(5)
	if !ok || value(slot) != 50 {
		t.Fatalf("snapshot at 5: ok=%v", ok)
	}
	h.Clear()
	if h.LatestTick().IsValid() {
		t.Fatalf("clear left a valid tick")
	}
}

func TestDynamic_GrowthRelocatesSlots(t *testing.T) {
	h := New(4, testSize, true)
	h.InsertWithDynamic(1, snap(1), []byte{1, 2, 3})
	gen := h.Dynamic().Generation()
	first := h.LatestIndex()

	big := make([]byte, 100)
	for i := range big {
		big[i] = byte(i)
	}
	h.InsertWithDynamic(2, snap(2), big)

	d := h.Dynamic()
	if d.Generation() == gen {
		t.Fatalf("expected generation bump on growth")
	}
	if d.SlotSize() < 100 || d.SlotSize()%16 != 0 {
		t.Fatalf("slot size: got %d", d.SlotSize())
	}
	if got := d.Slot(first); string(got) != string([]byte{1, 2, 3}) {
		t.Fatalf("relocated slot content: got %v", got)
	}
	if _, err := d.SlotAt(first, gen); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("stale read: got %v want ErrStaleGeneration", err)
	}
	if got, err := d.SlotAt(h.LatestIndex(), d.Generation()); err != nil || len(got) != 100 {
		t.Fatalf("fresh read: err=%v len=%d", err, len(got))
	}

	// Reserve clears the dynamic slot it reuses.
	for i := 0; i < 3; i++ {
		h.Reserve(tick.Tick(3 + i))
	}
	if d.Used(first) != 0 {
		t.Fatalf("reused slot kept %d dynamic bytes", d.Used(first))
	}
}

func TestInsert_SizeMismatchPanics(t *testing.T) {
	h := New(4, testSize, false)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on size mismatch")
		}
	}()
	h.Insert(1, make([]byte, testSize+1))
}
