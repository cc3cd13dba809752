// Package tick implements the server tick counter used by the snapshot
// protocol. Ticks wrap around at 2^32, so ordering is always derived from the
// signed difference between two ticks, never from a raw comparison.
package tick

import "strconv"

// Tick is a server simulation step. The zero value is reserved as Invalid.
type Tick uint32

// Invalid marks "no tick" (empty history slot, absent baseline).
const Invalid Tick = 0

func (t Tick) IsValid() bool { return t != Invalid }

// TicksSince returns t - older as a signed distance. The reserved zero is
// counted, so across the wrap it is one more than the number of Next calls
// between the two; use StepsSince for that.
func (t Tick) TicksSince(older Tick) int32 {
	return int32(uint32(t) - uint32(older))
}

// StepsSince is the number of Next calls from older to t (negative when t is
// older). It differs from TicksSince only when the range crosses Invalid.
func (t Tick) StepsSince(older Tick) int32 {
	d := t.TicksSince(older)
	switch {
	case d > 0 && uint32(t) < uint32(older):
		d--
	case d < 0 && uint32(t) > uint32(older):
		d++
	}
	return d
}

// IsNewerThan reports whether t is strictly after other, across wraparound.
func (t Tick) IsNewerThan(other Tick) bool {
	return t.TicksSince(other) > 0
}

// Add advances t by n ticks, skipping the Invalid value.
func (t Tick) Add(n uint32) Tick {
	v := Tick(uint32(t) + n)
	if v == Invalid {
		v++
	}
	return v
}

// Sub moves t back by n ticks, skipping the Invalid value.
func (t Tick) Sub(n uint32) Tick {
	v := Tick(uint32(t) - n)
	if v == Invalid {
		v--
	}
	return v
}

// Next is t.Add(1).
func (t Tick) Next() Tick { return t.Add(1) }

// Prev is t.Sub(1).
func (t Tick) Prev() Tick { return t.Sub(1) }

// Newest returns whichever of a and b is newer. Invalid ticks lose.
func Newest(a, b Tick) Tick {
	if !a.IsValid() {
		return b
	}
	if !b.IsValid() {
		return a
	}
	if b.IsNewerThan(a) {
		return b
	}
	return a
}

// Oldest returns whichever of a and b is older. Invalid ticks lose.
func Oldest(a, b Tick) Tick {
	if !a.IsValid() {
		return b
	}
	if !b.IsValid() {
		return a
	}
	if a.IsNewerThan(b) {
		return b
	}
	return a
}

func (t Tick) String() string {
	if !t.IsValid() {
		return "invalid"
	}
	return strconv.FormatUint(uint64(t), 10)
}
