package wire

import "ghostsync.ai/internal/netcode/tick"

// AckWindow is the number of ticks an AckState can describe.
const AckWindow = 32

// AckState tracks received snapshot ticks: the newest one plus a bit per
// older tick (bit i set means Latest-i was received). The client builds it
// from decoded packets; the server mirrors whatever the client last reported.
type AckState struct {
	latest tick.Tick
	mask   uint32
}

func (a *AckState) Latest() tick.Tick { return a.latest }
func (a *AckState) Mask() uint32      { return a.mask }

// Record marks t as received.
func (a *AckState) Record(t tick.Tick) {
	if !t.IsValid() {
		return
	}
	if !a.latest.IsValid() {
		a.latest, a.mask = t, 1
		return
	}
	d := t.TicksSince(a.latest)
	switch {
	case d > 0:
		if d >= AckWindow {
			a.mask = 0
		} else {
			a.mask <<= uint(d)
		}
		a.mask |= 1
		a.latest = t
	case d > -AckWindow:
		a.mask |= 1 << uint(-d)
	}
}

// IsAcked reports whether t is known to have been received.
func (a *AckState) IsAcked(t tick.Tick) bool {
	if !t.IsValid() || !a.latest.IsValid() {
		return false
	}
	d := a.latest.TicksSince(t)
	if d < 0 || d >= AckWindow {
		return false
	}
	return a.mask&(1<<uint(d)) != 0
}

// Set replaces the state with a reported (latest, mask) pair.
func (a *AckState) Set(latest tick.Tick, mask uint32) {
	if !latest.IsValid() {
		a.Reset()
		return
	}
	a.latest, a.mask = latest, mask|1
}

// Reset forgets every received tick.
func (a *AckState) Reset() {
	a.latest, a.mask = tick.Invalid, 0
}
