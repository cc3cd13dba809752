package predict

import (
	"bytes"

	"ghostsync.ai/internal/netcode/tick"
)

// DefaultInputCapacity bounds how many ticks of local input a client keeps.
const DefaultInputCapacity = 64

// InputBuffer keeps the encoded local input of the last Capacity ticks,
// addressed by tick modulo capacity. Older entries are overwritten.
type InputBuffer struct {
	ticks []tick.Tick
	data  [][]byte
}

func NewInputBuffer(capacity int) *InputBuffer {
	if capacity <= 0 {
		capacity = DefaultInputCapacity
	}
	return &InputBuffer{ticks: make([]tick.Tick, capacity), data: make([][]byte, capacity)}
}

func (b *InputBuffer) Capacity() int { return len(b.ticks) }

func (b *InputBuffer) slot(t tick.Tick) int { return int(uint32(t) % uint32(len(b.ticks))) }

// Add stores the input for t and reports whether it differs from what was
// already stored for that tick.
func (b *InputBuffer) Add(t tick.Tick, input []byte) bool {
	if !t.IsValid() {
		return false
	}
	i := b.slot(t)
	if b.ticks[i] == t && bytes.Equal(b.data[i], input) {
		return false
	}
	b.ticks[i] = t
	b.data[i] = append(b.data[i][:0], input...)
	return true
}

func (b *InputBuffer) Get(t tick.Tick) ([]byte, bool) {
	i := b.slot(t)
	if !t.IsValid() || b.ticks[i] != t {
		return nil, false
	}
	return b.data[i], true
}

// Same reports whether both ticks hold identical input. A tick with no input
// never matches.
func (b *InputBuffer) Same(x, y tick.Tick) bool {
	a, ok := b.Get(x)
	if !ok {
		return false
	}
	c, ok := b.Get(y)
	return ok && bytes.Equal(a, c)
}

func (b *InputBuffer) NewestTick() tick.Tick {
	newest := tick.Invalid
	for _, t := range b.ticks {
		newest = tick.Newest(newest, t)
	}
	return newest
}
