// Package history holds per-ghost snapshot history: a fixed-depth ring of
// tick-stamped snapshots used as delta baselines by the decoder and as
// interpolation sources by the presentation side.
package history

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"ghostsync.ai/internal/netcode/tick"
)

// DefaultCapacity is the ring depth used when none is configured.
const DefaultCapacity = 32

// History is a ring of Capacity snapshots of SnapshotSize bytes each. The first
// four bytes of every slot hold its tick; zero means the slot was never written.
//
// A History has a single writer (the decoder for its ghost). Readers on other
// goroutines must be sequenced after the decode phase of the frame.
type History struct {
	capacity int
	mask     int
	size     int
	data     []byte
	latest   int
	dyn      *Dynamic
}

// New allocates a history. capacity must be a power of two. withDynamic adds
// a companion Dynamic ring for buffer fields.
func New(capacity, snapshotSize int, withDynamic bool) *History {
	if capacity <= 0 || bits.OnesCount(uint(capacity)) != 1 {
		panic(fmt.Sprintf("history: capacity %d is not a power of two", capacity))
	}
	if snapshotSize < 4 {
		panic(fmt.Sprintf("history: snapshot size %d too small", snapshotSize))
	}
	h := &History{
		capacity: capacity,
		mask:     capacity - 1,
		size:     snapshotSize,
		data:     make([]byte, capacity*snapshotSize),
		latest:   capacity - 1,
	}
	if withDynamic {
		h.dyn = newDynamic(capacity)
	}
	return h
}

func (h *History) Capacity() int     { return h.capacity }
func (h *History) SnapshotSize() int { return h.size }
func (h *History) Dynamic() *Dynamic { return h.dyn }

// LatestIndex is the slot most recently written.
func (h *History) LatestIndex() int { return h.latest }

// Slot returns the bytes of slot i.
func (h *History) Slot(i int) []byte {
	i &= h.mask
	return h.data[i*h.size : (i+1)*h.size]
}

func (h *History) slotTick(i int) tick.Tick {
	return tick.Tick(binary.LittleEndian.Uint32(h.data[(i&h.mask)*h.size:]))
}

// Ticks returns the valid slot ticks from newest to oldest.
func (h *History) Ticks() []tick.Tick {
	out := make([]tick.Tick, 0, h.capacity)
	for i := 0; i < h.capacity; i++ {
		if t := h.slotTick(h.latest - i); t.IsValid() {
			out = append(out, t)
		}
	}
	return out
}

// Reserve advances the cursor, clears the new slot (and its dynamic slot),
// stamps it with t and returns it for the caller to fill in place.
func (h *History) Reserve(t tick.Tick) []byte {
	h.latest = (h.latest + 1) & h.mask
	s := h.Slot(h.latest)
	clear(s)
	binary.LittleEndian.PutUint32(s, uint32(t))
	if h.dyn != nil {
		h.dyn.clearSlot(h.latest)
	}
	return s
}

// Insert copies raw into a new slot stamped with t. raw must be exactly one
// snapshot long; its own tick bytes are overwritten.
func (h *History) Insert(t tick.Tick, raw []byte) {
	if len(raw) != h.size {
		panic(fmt.Sprintf("history: insert of %d bytes into %d byte slots", len(raw), h.size))
	}
	s := h.Reserve(t)
	copy(s[4:], raw[4:])
}

// InsertWithDynamic is Insert plus the buffer contents for the new slot.
func (h *History) InsertWithDynamic(t tick.Tick, raw, dynamic []byte) {
	h.Insert(t, raw)
	if h.dyn == nil {
		if len(dynamic) != 0 {
			panic("history: dynamic data for a history without buffers")
		}
		return
	}
	h.dyn.Write(h.latest, dynamic)
}

// LatestTick scans back from the cursor for the newest valid tick.
func (h *History) LatestTick() tick.Tick {
	for i := 0; i < h.capacity; i++ {
		if t := h.slotTick(h.latest - i); t.IsValid() {
			return t
		}
	}
	return tick.Invalid
}

// OldestTick scans forward from the slot after the cursor for the oldest
// valid tick.
func (h *History) OldestTick() tick.Tick {
	for i := 1; i <= h.capacity; i++ {
		if t := h.slotTick(h.latest + i); t.IsValid() {
			return t
		}
	}
	return tick.Invalid
}

// Latest returns the newest valid slot.
func (h *History) Latest() (slot []byte, index int, ok bool) {
	for i := 0; i < h.capacity; i++ {
		idx := (h.latest - i) & h.mask
		if h.slotTick(idx).IsValid() {
			return h.Slot(idx), idx, true
		}
	}
	return nil, -1, false
}

// SnapshotAt finds the slot stamped with exactly t.
func (h *History) SnapshotAt(t tick.Tick) (slot []byte, index int, ok bool) {
	if !t.IsValid() {
		return nil, -1, false
	}
	for i := 0; i < h.capacity; i++ {
		idx := (h.latest - i) & h.mask
		st := h.slotTick(idx)
		if st == t {
			return h.Slot(idx), idx, true
		}
		if st.IsValid() && t.IsNewerThan(st) {
			// walking from newest to oldest; nothing older can match
			return nil, -1, false
		}
	}
	return nil, -1, false
}

// Clear invalidates every slot.
func (h *History) Clear() {
	clear(h.data)
	h.latest = h.mask
	if h.dyn != nil {
		h.dyn.reset()
	}
}

// Interpolation is the result of DataAtTick. When Extrapolated is set, After
// is the newest snapshot, Before the one preceding it, and Factor may exceed 1.
type Interpolation struct {
	Before       []byte
	After        []byte
	BeforeIndex  int
	AfterIndex   int
	BeforeTick   tick.Tick
	AfterTick    tick.Tick
	Factor       float32
	Extrapolated bool
}

// DataAtTick selects the snapshots surrounding target+fraction. A fraction
// below 1 means the target is a partial tick: the search runs one tick earlier
// and the fraction is blended into Factor. With no snapshot newer than the
// target, the two newest snapshots are extrapolated, at most maxExtrapolation
// ticks past the newest. It fails only when nothing at or before the target is
// stored.
func (h *History) DataAtTick(target tick.Tick, fraction float32, maxExtrapolation uint32) (Interpolation, bool) {
	var out Interpolation
	if fraction < 1 {
		target = target.Prev()
	} else {
		fraction = 0
	}

	beforeIdx, afterIdx := -1, -1
	for i := 0; i < h.capacity; i++ {
		idx := (h.latest - i) & h.mask
		t := h.slotTick(idx)
		if !t.IsValid() {
			continue
		}
		if !t.IsNewerThan(target) {
			beforeIdx = idx
			break
		}
		afterIdx = idx
	}
	if beforeIdx < 0 {
		return out, false
	}

	if afterIdx < 0 {
		out.Extrapolated = true
		afterIdx = beforeIdx
		beforeIdx = -1
		for i := 1; i < h.capacity; i++ {
			idx := (afterIdx - i) & h.mask
			t := h.slotTick(idx)
			if t.IsValid() && h.slotTick(afterIdx).IsNewerThan(t) {
				beforeIdx = idx
				break
			}
		}
		if beforeIdx < 0 {
			// A single snapshot: hold it.
			beforeIdx = afterIdx
		}
	}

	out.BeforeIndex, out.AfterIndex = beforeIdx, afterIdx
	out.Before, out.After = h.Slot(beforeIdx), h.Slot(afterIdx)
	out.BeforeTick, out.AfterTick = h.slotTick(beforeIdx), h.slotTick(afterIdx)

	span := out.AfterTick.StepsSince(out.BeforeTick)
	if span <= 0 {
		out.Factor = 0
		return out, true
	}
	offset := float32(target.StepsSince(out.BeforeTick)) + fraction
	if out.Extrapolated {
		limit := float32(span) + float32(maxExtrapolation)
		if offset > limit {
			offset = limit
		}
	}
	out.Factor = offset / float32(span)
	return out, true
}
