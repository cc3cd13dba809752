// Package world is the client-side (and server-side) ghost world: ghosts
// stored in per-type chunks with live field state, the GhostID and
// SpawnedGhost maps, and the spawn queue the decoder stages new ghosts into.
//
// A World is owned by one connection and is not safe for concurrent mutation.
// Chunk field state may be read and written concurrently per chunk.
package world

import (
	"errors"
	"fmt"
	"sort"

	"ghostsync.ai/internal/ghost/history"
	"ghostsync.ai/internal/ghost/schema"
)

var (
	ErrGhostExists   = errors.New("world: ghost id already in use")
	ErrMissingPrefab = errors.New("world: ghost type not loaded")
)

type Config struct {
	HistoryCapacity int
	// ChunkCapacity is the capacity of a new chunk; chunks double up to
	// MaxChunkCapacity before a second chunk of the same kind is opened.
	ChunkCapacity    int
	MaxChunkCapacity int
}

func DefaultConfig() Config {
	return Config{
		HistoryCapacity:  history.DefaultCapacity,
		ChunkCapacity:    8,
		MaxChunkCapacity: 128,
	}
}

type Ghost struct {
	Entity  EntityID
	Key     SpawnedGhost
	Type    *schema.GhostType
	Mode    schema.Mode
	History *history.History

	// Root is the group root this ghost belongs to, nil for roots.
	Root     *Ghost
	Children []GhostID

	chunk *Chunk
	index int
}

func (g *Ghost) ID() GhostID     { return g.Key.GhostID }
func (g *Ghost) Chunk() *Chunk   { return g.chunk }
func (g *Ghost) Index() int      { return g.index }
func (g *Ghost) Predicted() bool { return g.Mode == schema.Predicted }

type chunkKey struct {
	typ  int
	mode schema.Mode
}

type World struct {
	reg *schema.Registry
	cfg Config

	ghosts   map[GhostID]*Ghost
	spawned  map[SpawnedGhost]*Ghost
	entities map[EntityID]*Ghost
	chunks   map[chunkKey][]*Chunk
	byChunk  map[ChunkID]*Chunk

	nextEntity EntityID
	nextChunk  ChunkID
}

// New builds an empty world over a finalized registry.
func New(reg *schema.Registry, cfg Config) (*World, error) {
	if reg == nil || !reg.Finalized() {
		return nil, schema.ErrNotFinalized
	}
	def := DefaultConfig()
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.ChunkCapacity <= 0 {
		cfg.ChunkCapacity = def.ChunkCapacity
	}
	if cfg.MaxChunkCapacity < cfg.ChunkCapacity {
		cfg.MaxChunkCapacity = cfg.ChunkCapacity
	}
	return &World{
		reg:      reg,
		cfg:      cfg,
		ghosts:   map[GhostID]*Ghost{},
		spawned:  map[SpawnedGhost]*Ghost{},
		entities: map[EntityID]*Ghost{},
		chunks:   map[chunkKey][]*Chunk{},
		byChunk:  map[ChunkID]*Chunk{},
	}, nil
}

func (w *World) Registry() *schema.Registry { return w.reg }
func (w *World) Config() Config             { return w.cfg }
func (w *World) Len() int                   { return len(w.ghosts) }

func (w *World) Ghost(id GhostID) (*Ghost, bool) {
	g, ok := w.ghosts[id]
	return g, ok
}

func (w *World) Lookup(key SpawnedGhost) (*Ghost, bool) {
	g, ok := w.spawned[key]
	return g, ok
}

func (w *World) Entity(e EntityID) (*Ghost, bool) {
	g, ok := w.entities[e]
	return g, ok
}

// Spawn places a new ghost in a chunk of its type and mode and gives it an
// empty history.
func (w *World) Spawn(typ *schema.GhostType, key SpawnedGhost, mode schema.Mode) (*Ghost, error) {
	if typ == nil {
		return nil, fmt.Errorf("spawn ghost %v: %w", key.GhostID, ErrMissingPrefab)
	}
	if old, ok := w.ghosts[key.GhostID]; ok {
		return nil, fmt.Errorf("spawn ghost %v (held by entity %d): %w", key.GhostID, old.Entity, ErrGhostExists)
	}
	w.nextEntity++
	g := &Ghost{
		Entity:  w.nextEntity,
		Key:     key,
		Type:    typ,
		Mode:    mode,
		History: history.New(w.cfg.HistoryCapacity, typ.Layout().SnapshotSize, typ.HasBuffers()),
	}
	c := w.chunkFor(typ, mode)
	g.chunk = c
	g.index = c.add(g.Entity)
	w.ghosts[key.GhostID] = g
	w.spawned[key] = g
	w.entities[g.Entity] = g
	return g, nil
}

func (w *World) chunkFor(typ *schema.GhostType, mode schema.Mode) *Chunk {
	k := chunkKey{typ: typ.Index(), mode: mode}
	list := w.chunks[k]
	for _, c := range list {
		if !c.Full() {
			return c
		}
	}
	if n := len(list); n > 0 {
		last := list[n-1]
		if last.Capacity() < w.cfg.MaxChunkCapacity {
			last.Grow(min(last.Capacity()*2, w.cfg.MaxChunkCapacity))
			return last
		}
	}
	w.nextChunk++
	c := NewChunk(w.nextChunk, typ, mode, w.cfg.ChunkCapacity)
	w.chunks[k] = append(list, c)
	w.byChunk[c.id] = c
	return c
}

// Despawn removes the ghost and drops its history. The GhostID is free for
// reuse immediately.
func (w *World) Despawn(id GhostID) (*Ghost, bool) {
	g, ok := w.ghosts[id]
	if !ok {
		return nil, false
	}
	delete(w.ghosts, id)
	delete(w.spawned, g.Key)
	delete(w.entities, g.Entity)

	c := g.chunk
	if moved, ok := c.remove(g.index); ok {
		w.entities[moved].index = g.index
	}
	if c.Count() == 0 {
		w.dropChunk(c)
	}
	if g.Root != nil {
		g.Root.Children = removeID(g.Root.Children, id)
	}
	for _, child := range g.Children {
		if cg, ok := w.ghosts[child]; ok && cg.Root == g {
			cg.Root = nil
		}
	}
	g.chunk, g.History = nil, nil
	return g, true
}

func removeID(ids []GhostID, id GhostID) []GhostID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (w *World) dropChunk(c *Chunk) {
	k := chunkKey{typ: c.typ.Index(), mode: c.mode}
	list := w.chunks[k]
	for i, v := range list {
		if v == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(w.chunks, k)
	} else {
		w.chunks[k] = list
	}
	delete(w.byChunk, c.id)
}

// Attach records child as a member of root's ghost group.
func (w *World) Attach(root, child *Ghost) {
	if child.Root == root {
		return
	}
	if child.Root != nil {
		child.Root.Children = removeID(child.Root.Children, child.ID())
	}
	child.Root = root
	root.Children = append(root.Children, child.ID())
}

// Chunks returns every live chunk ordered by id.
func (w *World) Chunks() []*Chunk {
	out := make([]*Chunk, 0, len(w.byChunk))
	for _, c := range w.byChunk {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (w *World) ChunkByID(id ChunkID) (*Chunk, bool) {
	c, ok := w.byChunk[id]
	return c, ok
}

// Ghosts returns every ghost ordered by entity id.
func (w *World) Ghosts() []*Ghost {
	out := make([]*Ghost, 0, len(w.entities))
	for _, g := range w.entities {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// LoadSnapshot copies a snapshot (and its dynamic slot) into the ghost's live
// state. Fields not replicated to the ghost's mode are left untouched.
func (w *World) LoadSnapshot(g *Ghost, raw, dynamic []byte) {
	l := g.Type.Layout()
	s := l.View(raw)
	c, i := g.chunk, g.index
	for f := 0; f < g.Type.FieldCount(); f++ {
		if !g.Type.Field(f).Send.Includes(g.Mode) {
			continue
		}
		if l.IsBuffer(f) {
			c.SetBuffer(f, i, s.BufferData(f, dynamic))
			continue
		}
		copy(c.Field(f, i), s.Field(f))
	}
	copy(c.EnabledWords(i), s.EnabledWords())
}

// StoreSnapshot writes the ghost's live state into raw, appending buffer
// contents to dynamic at 16-byte aligned offsets. It returns the extended
// dynamic slice.
func (w *World) StoreSnapshot(g *Ghost, raw, dynamic []byte) []byte {
	l := g.Type.Layout()
	s := l.View(raw)
	c, i := g.chunk, g.index
	for f := 0; f < g.Type.FieldCount(); f++ {
		if l.IsBuffer(f) {
			elems := c.Buffer(f, i)
			off := schema.Align(len(dynamic))
			for len(dynamic) < off {
				dynamic = append(dynamic, 0)
			}
			dynamic = append(dynamic, elems...)
			s.SetBufferRef(f, uint32(len(elems)/l.ElementSize(f)), uint32(off))
			continue
		}
		copy(s.Field(f), c.Field(f, i))
	}
	copy(s.EnabledWords(), c.EnabledWords(i))
	return dynamic
}
