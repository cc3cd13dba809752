package history

import (
	"errors"
	"fmt"

	"ghostsync.ai/internal/ghost/schema"
)

// ErrStaleGeneration is returned to readers whose slot view predates a
// relocation.
var ErrStaleGeneration = errors.New("history: dynamic data relocated")

// Dynamic is the companion ring holding buffer-field contents, one slot per
// snapshot slot. All slots share one size; growing any slot relocates all of
// them and bumps the generation.
type Dynamic struct {
	capacity   int
	slotSize   int
	used       []int
	data       []byte
	generation uint32
}

func newDynamic(capacity int) *Dynamic {
	return &Dynamic{capacity: capacity, used: make([]int, capacity)}
}

func (d *Dynamic) SlotSize() int      { return d.slotSize }
func (d *Dynamic) Generation() uint32 { return d.generation }

// Used is the number of meaningful bytes in slot i.
func (d *Dynamic) Used(i int) int { return d.used[i%d.capacity] }

// Slot returns the used bytes of slot i. The view is invalidated by Ensure.
func (d *Dynamic) Slot(i int) []byte {
	i %= d.capacity
	base := i * d.slotSize
	return d.data[base : base+d.used[i]]
}

// SlotAt is Slot guarded by a generation captured earlier.
func (d *Dynamic) SlotAt(i int, generation uint32) ([]byte, error) {
	if generation != d.generation {
		return nil, fmt.Errorf("slot %d at generation %d (now %d): %w", i, generation, d.generation, ErrStaleGeneration)
	}
	return d.Slot(i), nil
}

// Ensure grows every slot to hold at least need bytes. Growth is geometric and
// 16-byte aligned; existing contents move with their slot.
func (d *Dynamic) Ensure(need int) {
	if need <= d.slotSize {
		return
	}
	size := d.slotSize * 2
	if size < need {
		size = need
	}
	size = schema.Align(size)
	data := make([]byte, d.capacity*size)
	for i := 0; i < d.capacity; i++ {
		copy(data[i*size:], d.data[i*d.slotSize:i*d.slotSize+d.used[i]])
	}
	d.data = data
	d.slotSize = size
	d.generation++
}

// Write replaces the contents of slot i.
func (d *Dynamic) Write(i int, b []byte) {
	d.Ensure(len(b))
	i %= d.capacity
	base := i * d.slotSize
	copy(d.data[base:base+d.slotSize], b)
	d.used[i] = len(b)
}

func (d *Dynamic) clearSlot(i int) {
	i %= d.capacity
	base := i * d.slotSize
	clear(d.data[base : base+d.slotSize])
	d.used[i] = 0
}

func (d *Dynamic) reset() {
	clear(d.data)
	clear(d.used)
}
