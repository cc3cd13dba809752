// Package predict is the client prediction engine: the per-chunk backup
// store used to roll predicted state back, the tick scheduler that decides
// which ticks to re-simulate each frame, and the runner tying both to a
// simulation.
package predict

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"

	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
)

// DefaultBackupDepth is the number of ticks a blob remembers.
const DefaultBackupDepth = 12

// blobLayout places one history slot of a blob:
//
//	[entity ids][enabled words][field 0 column] ... [field n column]
//
// every region 16-byte aligned. Buffer columns hold (length, offset) pairs
// into the slot's dynamic region.
type blobLayout struct {
	capacity   int
	enabledOff int
	enabledLen int
	fieldOff   []int // -1 for fields the chunk's mode never receives
	fieldLen   []int
	slotSize   int
}

func newBlobLayout(typ *schema.GhostType, mode schema.Mode, capacity int) blobLayout {
	l := typ.Layout()
	bl := blobLayout{capacity: capacity}
	off := schema.Align(4 * capacity)
	bl.enabledOff = off
	bl.enabledLen = 4 * l.EnableWords() * capacity
	off = schema.Align(off + bl.enabledLen)
	n := typ.FieldCount()
	bl.fieldOff = make([]int, n)
	bl.fieldLen = make([]int, n)
	for f := 0; f < n; f++ {
		if !typ.Field(f).Send.Includes(mode) {
			bl.fieldOff[f] = -1
			continue
		}
		bl.fieldOff[f] = off
		bl.fieldLen[f] = l.FieldSize(f) * capacity
		off = schema.Align(off + bl.fieldLen[f])
	}
	bl.slotSize = schema.Align(off)
	return bl
}

// blob is the backup arena of one chunk: depth slots of fixed layout plus a
// growable dynamic region per slot. version bumps whenever the dynamic region
// relocates.
type blob struct {
	typ      *schema.GhostType
	mode     schema.Mode
	depth    int
	layout   blobLayout
	data     []byte
	ticks    []tick.Tick
	dyn      []byte
	dynSlot  int
	dynUsed  []int
	version  uint32
	markedAt uint64
}

func (b *blob) slotOf(t tick.Tick) int { return int(uint32(t) % uint32(b.depth)) }

func (b *blob) slot(s int) []byte {
	return b.data[s*b.layout.slotSize : (s+1)*b.layout.slotSize]
}

func (b *blob) ids(s int) []byte {
	return b.slot(s)[:4*b.layout.capacity]
}

func (b *blob) dynamic(s int) []byte {
	return b.dyn[s*b.dynSlot : s*b.dynSlot+b.dynUsed[s]]
}

// ensureDynamic grows every dynamic slot to need bytes, moving written slots.
func (b *blob) ensureDynamic(need int) {
	if need <= b.dynSlot {
		return
	}
	size := schema.Align(max(need, 2*b.dynSlot))
	dyn := make([]byte, b.depth*size)
	for s := 0; s < b.depth; s++ {
		copy(dyn[s*size:], b.dyn[s*b.dynSlot:s*b.dynSlot+b.dynUsed[s]])
	}
	b.dyn = dyn
	b.dynSlot = size
	b.version++
}

func (b *blob) bytes() int { return len(b.data) + len(b.dyn) }

func dynamicNeed(c *world.Chunk, bl blobLayout) int {
	typ := c.Type()
	l := typ.Layout()
	used := 0
	for f := 0; f < typ.FieldCount(); f++ {
		if !l.IsBuffer(f) || bl.fieldOff[f] < 0 {
			continue
		}
		for i := 0; i < c.Count(); i++ {
			used = schema.Align(used) + len(c.Buffer(f, i))
		}
	}
	return used
}

// capture writes the chunk's live state into the slot of t. It touches only
// this blob, so distinct chunks capture in parallel.
func (b *blob) capture(c *world.Chunk, t tick.Tick) {
	s := b.slotOf(t)
	slot := b.slot(s)
	ids := b.ids(s)
	clear(ids)
	for i := 0; i < c.Count(); i++ {
		binary.LittleEndian.PutUint32(ids[4*i:], uint32(c.Entity(i)))
	}
	bl := b.layout
	copy(slot[bl.enabledOff:bl.enabledOff+bl.enabledLen], c.EnabledData())

	typ := c.Type()
	l := typ.Layout()
	dyn := b.dyn[s*b.dynSlot : (s+1)*b.dynSlot]
	used := 0
	for f := 0; f < typ.FieldCount(); f++ {
		off := bl.fieldOff[f]
		if off < 0 {
			continue
		}
		col := slot[off : off+bl.fieldLen[f]]
		if !l.IsBuffer(f) {
			copy(col, c.FieldData(f))
			continue
		}
		es := l.ElementSize(f)
		for i := 0; i < c.Count(); i++ {
			elems := c.Buffer(f, i)
			start := schema.Align(used)
			copy(dyn[start:], elems)
			used = start + len(elems)
			binary.LittleEndian.PutUint32(col[8*i:], uint32(len(elems)/es))
			binary.LittleEndian.PutUint32(col[8*i+4:], uint32(start))
		}
	}
	b.dynUsed[s] = used
	b.ticks[s] = t
}

// find returns the position of e in the slot's entity ids.
func (b *blob) find(s int, e world.EntityID, hint int) int {
	ids := b.ids(s)
	if hint >= 0 && hint < b.layout.capacity && world.EntityID(binary.LittleEndian.Uint32(ids[4*hint:])) == e {
		return hint
	}
	for i := 0; i < b.layout.capacity; i++ {
		if world.EntityID(binary.LittleEndian.Uint32(ids[4*i:])) == e {
			return i
		}
	}
	return -1
}

// BackupStore keeps a blob per predicted chunk. Blobs not marked during a
// frame are freed by Sweep; their arenas are recycled.
type BackupStore struct {
	depth      int
	blobs      map[world.ChunkID]*blob
	free       [][]byte
	generation uint64
	metrics    *metrics.Metrics
}

func NewBackupStore(depth int, m *metrics.Metrics) *BackupStore {
	if depth <= 0 {
		depth = DefaultBackupDepth
	}
	return &BackupStore{depth: depth, blobs: map[world.ChunkID]*blob{}, metrics: m}
}

func (s *BackupStore) Depth() int { return s.depth }
func (s *BackupStore) Len() int   { return len(s.blobs) }

// Bytes is the arena memory held by live blobs.
func (s *BackupStore) Bytes() int {
	n := 0
	for _, b := range s.blobs {
		n += b.bytes()
	}
	return n
}

// BeginFrame starts a mark phase.
func (s *BackupStore) BeginFrame() uint64 {
	s.generation++
	return s.generation
}

// Mark keeps the chunk's blob alive through the next Sweep.
func (s *BackupStore) Mark(c *world.Chunk) {
	if b, ok := s.blobs[c.ID()]; ok {
		b.markedAt = s.generation
	}
}

// Sweep frees every blob not marked since BeginFrame and returns how many.
func (s *BackupStore) Sweep() int {
	freed := 0
	for id, b := range s.blobs {
		if b.markedAt == s.generation {
			continue
		}
		s.release(b)
		delete(s.blobs, id)
		freed++
	}
	s.metrics.Backup(len(s.blobs), s.Bytes())
	return freed
}

func (s *BackupStore) release(b *blob) {
	if b.data != nil {
		s.free = append(s.free, b.data)
	}
	b.data, b.dyn = nil, nil
}

func (s *BackupStore) alloc(size int) []byte {
	for i, buf := range s.free {
		if cap(buf) >= size {
			s.free = append(s.free[:i], s.free[i+1:]...)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// prepare finds or (re)allocates the chunk's blob, sizes its dynamic region
// for the current contents and marks it.
func (s *BackupStore) prepare(c *world.Chunk) *blob {
	b, ok := s.blobs[c.ID()]
	if ok && (b.typ != c.Type() || b.mode != c.Mode() || b.layout.capacity != c.Capacity()) {
		s.release(b)
		ok = false
	}
	if !ok {
		bl := newBlobLayout(c.Type(), c.Mode(), c.Capacity())
		b = &blob{
			typ:     c.Type(),
			mode:    c.Mode(),
			depth:   s.depth,
			layout:  bl,
			data:    s.alloc(s.depth * bl.slotSize),
			ticks:   make([]tick.Tick, s.depth),
			dynUsed: make([]int, s.depth),
		}
		// A recycled arena may hold old rows; the id column alone decides
		// occupancy.
		for slot := 0; slot < s.depth; slot++ {
			clear(b.ids(slot))
		}
		s.blobs[c.ID()] = b
	}
	b.ensureDynamic(dynamicNeed(c, b.layout))
	b.markedAt = s.generation
	return b
}

// CaptureOrUpdate backs up the chunk's live state as tick t, overwriting
// whatever the slot of t held.
func (s *BackupStore) CaptureOrUpdate(c *world.Chunk, t tick.Tick) {
	s.prepare(c).capture(c, t)
	s.metrics.Captured(1)
}

// CaptureAll captures every chunk as tick t on up to workers goroutines.
// Allocation happens up front on the caller's goroutine; the parallel part
// only copies into per-chunk blobs.
func (s *BackupStore) CaptureAll(ctx context.Context, chunks []*world.Chunk, t tick.Tick, workers int) error {
	blobs := make([]*blob, len(chunks))
	for i, c := range chunks {
		blobs[i] = s.prepare(c)
	}
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, c := range chunks {
		b := blobs[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("capture chunk %d at %v: %w", c.ID(), t, err)
			}
			b.capture(c, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.metrics.Captured(len(chunks))
	return nil
}

// BackupView reads one entity's backed-up state. It is valid until the next
// capture of the same chunk.
type BackupView struct {
	b       *blob
	slot    int
	row     int
	version uint32
}

// Backup returns the state of the entity at chunk index i as captured at t.
// ok is false when the chunk has no blob, the slot holds another tick or the
// entity was not present at that capture.
func (s *BackupStore) Backup(c *world.Chunk, i int, t tick.Tick) (BackupView, bool) {
	b, ok := s.blobs[c.ID()]
	if !ok || !t.IsValid() || b.typ != c.Type() || b.layout.capacity != c.Capacity() || i < 0 || i >= c.Count() {
		return BackupView{}, false
	}
	slot := b.slotOf(t)
	if b.ticks[slot] != t {
		return BackupView{}, false
	}
	row := b.find(slot, c.Entity(i), i)
	if row < 0 {
		return BackupView{}, false
	}
	return BackupView{b: b, slot: slot, row: row, version: b.version}, true
}

func (v BackupView) Tick() tick.Tick { return v.b.ticks[v.slot] }

func (v BackupView) Entity() world.EntityID {
	return world.EntityID(binary.LittleEndian.Uint32(v.b.ids(v.slot)[4*v.row:]))
}

// Stale reports whether the dynamic region moved since the view was taken.
func (v BackupView) Stale() bool { return v.version != v.b.version }

func (v BackupView) EnabledWords() []byte {
	bl := v.b.layout
	w := bl.enabledLen / bl.capacity
	off := bl.enabledOff + v.row*w
	return v.b.slot(v.slot)[off : off+w]
}

// Field returns the backed-up bytes of plain field f.
func (v BackupView) Field(f int) []byte {
	bl := v.b.layout
	if bl.fieldOff[f] < 0 {
		panic(fmt.Sprintf("predict: field %d not backed up for %s ghosts", f, v.b.mode))
	}
	size := bl.fieldLen[f] / bl.capacity
	off := bl.fieldOff[f] + v.row*size
	return v.b.slot(v.slot)[off : off+size]
}

// Buffer returns the backed-up elements of buffer field f.
func (v BackupView) Buffer(f int) []byte {
	if v.Stale() {
		panic("predict: backup view used after its blob relocated")
	}
	ref := v.Field(f)
	n, off := binary.LittleEndian.Uint32(ref), binary.LittleEndian.Uint32(ref[4:])
	es := v.b.typ.Layout().ElementSize(f)
	dyn := v.b.dynamic(v.slot)
	end := int(off) + int(n)*es
	if end > len(dyn) {
		panic(fmt.Sprintf("predict: buffer field %d spans [%d,%d) past %d dynamic bytes", f, off, end, len(dyn)))
	}
	return dyn[off:end]
}

// Restore copies the backup of the entity at chunk index i taken at t back
// into the chunk.
func (s *BackupStore) Restore(c *world.Chunk, i int, t tick.Tick) bool {
	v, ok := s.Backup(c, i, t)
	if !ok {
		return false
	}
	typ := c.Type()
	l := typ.Layout()
	for f := 0; f < typ.FieldCount(); f++ {
		if v.b.layout.fieldOff[f] < 0 {
			continue
		}
		if l.IsBuffer(f) {
			c.SetBuffer(f, i, v.Buffer(f))
			continue
		}
		copy(c.Field(f, i), v.Field(f))
	}
	copy(c.EnabledWords(i), v.EnabledWords())
	return true
}
