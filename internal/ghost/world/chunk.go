package world

import (
	"fmt"

	"ghostsync.ai/internal/ghost/schema"
)

// Chunk is a storage block: up to Capacity co-located entities of one ghost
// type and mode, with their live field state stored per field contiguously in
// snapshot representation.
type Chunk struct {
	id       ChunkID
	typ      *schema.GhostType
	mode     schema.Mode
	capacity int
	count    int
	// version bumps on every structural change (add, remove, move, grow).
	version uint32

	entities []EntityID
	fields   [][]byte
	enabled  []byte
	buffers  [][][]byte
	simulate []bool
}

// NewChunk allocates an empty storage block.
func NewChunk(id ChunkID, typ *schema.GhostType, mode schema.Mode, capacity int) *Chunk {
	if capacity <= 0 {
		panic(fmt.Sprintf("world: chunk capacity %d", capacity))
	}
	c := &Chunk{id: id, typ: typ, mode: mode}
	c.alloc(capacity)
	return c
}

func (c *Chunk) alloc(capacity int) {
	l := c.typ.Layout()
	n := c.typ.FieldCount()
	fields := make([][]byte, n)
	buffers := make([][][]byte, n)
	for f := 0; f < n; f++ {
		if l.IsBuffer(f) {
			buffers[f] = make([][]byte, capacity)
			if c.buffers != nil {
				copy(buffers[f], c.buffers[f][:c.count])
			}
			continue
		}
		fields[f] = make([]byte, capacity*l.FieldSize(f))
		if c.fields != nil {
			copy(fields[f], c.fields[f][:c.count*l.FieldSize(f)])
		}
	}
	entities := make([]EntityID, capacity)
	copy(entities, c.entities)
	enabled := make([]byte, capacity*4*l.EnableWords())
	copy(enabled, c.enabled)
	simulate := make([]bool, capacity)
	copy(simulate, c.simulate)

	c.capacity = capacity
	c.entities = entities
	c.fields = fields
	c.buffers = buffers
	c.enabled = enabled
	c.simulate = simulate
	c.version++
}

func (c *Chunk) ID() ChunkID             { return c.id }
func (c *Chunk) Type() *schema.GhostType { return c.typ }
func (c *Chunk) Mode() schema.Mode       { return c.mode }
func (c *Chunk) Capacity() int           { return c.capacity }
func (c *Chunk) Count() int              { return c.count }
func (c *Chunk) Version() uint32         { return c.version }
func (c *Chunk) Full() bool              { return c.count == c.capacity }

// Entity returns the entity stored at index i.
func (c *Chunk) Entity(i int) EntityID { return c.entities[i] }

// Field returns the live bytes of plain field f for entity index i.
func (c *Chunk) Field(f, i int) []byte {
	size := c.typ.Layout().FieldSize(f)
	return c.fields[f][i*size : (i+1)*size]
}

// FieldData returns plain field f of all Count entities, contiguous.
func (c *Chunk) FieldData(f int) []byte {
	return c.fields[f][:c.count*c.typ.Layout().FieldSize(f)]
}

// EnabledData returns the enabled-bit words of all Count entities.
func (c *Chunk) EnabledData() []byte {
	return c.enabled[:c.count*4*c.typ.Layout().EnableWords()]
}

// Buffer returns the live elements of buffer field f for entity index i.
func (c *Chunk) Buffer(f, i int) []byte { return c.buffers[f][i] }

// SetBuffer replaces the elements of buffer field f for entity index i.
func (c *Chunk) SetBuffer(f, i int, b []byte) {
	c.buffers[f][i] = append(c.buffers[f][i][:0], b...)
}

// EnabledWords returns the enabled-bit words of entity index i.
func (c *Chunk) EnabledWords(i int) []byte {
	w := 4 * c.typ.Layout().EnableWords()
	return c.enabled[i*w : (i+1)*w]
}

func (c *Chunk) Enabled(i, bit int) bool {
	w := c.EnabledWords(i)
	return w[bit/8]&(1<<uint(bit%8)) != 0
}

func (c *Chunk) SetEnabled(i, bit int, on bool) {
	w := c.EnabledWords(i)
	if on {
		w[bit/8] |= 1 << uint(bit%8)
	} else {
		w[bit/8] &^= 1 << uint(bit%8)
	}
}

// Simulate reports whether entity index i takes part in the current
// prediction step.
func (c *Chunk) Simulate(i int) bool { return c.simulate[i] }

func (c *Chunk) SetSimulate(i int, on bool) { c.simulate[i] = on }

func (c *Chunk) add(e EntityID) int {
	if c.Full() {
		panic(fmt.Sprintf("world: add to full chunk %d", c.id))
	}
	i := c.count
	c.count++
	c.entities[i] = e
	c.clearIndex(i)
	c.simulate[i] = true
	c.version++
	return i
}

func (c *Chunk) clearIndex(i int) {
	l := c.typ.Layout()
	for f := range c.fields {
		if l.IsBuffer(f) {
			c.buffers[f][i] = nil
			continue
		}
		clear(c.Field(f, i))
	}
	clear(c.EnabledWords(i))
}

// remove swap-removes index i and returns the entity moved into it, if any.
func (c *Chunk) remove(i int) (moved EntityID, ok bool) {
	last := c.count - 1
	if i != last {
		l := c.typ.Layout()
		for f := range c.fields {
			if l.IsBuffer(f) {
				c.buffers[f][i] = c.buffers[f][last]
				continue
			}
			copy(c.Field(f, i), c.Field(f, last))
		}
		copy(c.EnabledWords(i), c.EnabledWords(last))
		c.entities[i] = c.entities[last]
		c.simulate[i] = c.simulate[last]
		moved, ok = c.entities[i], true
	}
	c.clearIndex(last)
	c.entities[last] = 0
	c.count--
	c.version++
	return moved, ok
}

// Grow raises the capacity, keeping every entity at its index.
func (c *Chunk) Grow(capacity int) {
	if capacity <= c.capacity {
		return
	}
	c.alloc(capacity)
}
