package wire

import (
	"errors"
	"fmt"
	"sort"

	"ghostsync.ai/internal/ghost/history"
	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/bitstream"
	"ghostsync.ai/internal/netcode/tick"
)

type EncoderOptions struct {
	SizeHeaders bool
	// HistoryCapacity must equal the client's history depth.
	HistoryCapacity int
	// MaxGhostsPerPacket limits the group roots per packet; 0 sends all.
	MaxGhostsPerPacket int
}

// Encoder turns the authoritative world into per-connection snapshot packets.
// Connections only read the world, so several may encode concurrently while
// the simulation is paused.
type Encoder struct {
	world   *world.World
	types   []*schema.GhostType
	opts    EncoderOptions
	metrics *metrics.Metrics

	prespawn map[world.GhostID]prespawnBaseline
}

func NewEncoder(w *world.World, opts EncoderOptions, m *metrics.Metrics) (*Encoder, error) {
	if w == nil {
		return nil, errors.New("wire: encoder needs a world")
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = history.DefaultCapacity
	}
	return &Encoder{
		world:    w,
		types:    w.Registry().Types(),
		opts:     opts,
		metrics:  m,
		prespawn: map[world.GhostID]prespawnBaseline{},
	}, nil
}

func (e *Encoder) Options() EncoderOptions { return e.opts }

// RegisterPrespawnBaseline mirrors Decoder.RegisterPrespawnBaseline. Call it
// before any connection encodes.
func (e *Encoder) RegisterPrespawnBaseline(id world.GhostID, typ *schema.GhostType, raw, dynamic []byte) error {
	if !id.IsStatic() {
		return fmt.Errorf("ghost %v is not in the static range", id)
	}
	if len(raw) != typ.Layout().SnapshotSize {
		return fmt.Errorf("prespawn baseline of %d bytes for %s (want %d)", len(raw), typ.Name, typ.Layout().SnapshotSize)
	}
	e.prespawn[id] = prespawnBaseline{typ: typ, raw: append([]byte(nil), raw...), dynamic: append([]byte(nil), dynamic...)}
	return nil
}

type sentGhost struct {
	key      world.SpawnedGhost
	typ      *schema.GhostType
	hist     *history.History
	lastSent tick.Tick
}

type pendingDespawn struct {
	id    world.GhostID
	first tick.Tick
}

type prefabSend struct {
	tick  tick.Tick
	count int
}

// Connection is the encoder state of one client: what it has acknowledged
// and what was sent to it.
type Connection struct {
	enc          *Encoder
	ack          AckState
	prefabsAcked int
	prefabSends  []prefabSend
	ghosts       map[world.GhostID]*sentGhost
	despawns     []pendingDespawn

	w    *bitstream.Writer
	body *bitstream.Writer
	raw  map[int][]byte
	zero map[int][]byte
	base map[int][]byte
	dyn  []byte
}

func (e *Encoder) NewConnection() *Connection {
	return &Connection{
		enc:    e,
		ghosts: map[world.GhostID]*sentGhost{},
		w:      bitstream.NewWriter(1024),
		body:   bitstream.NewWriter(256),
		raw:    map[int][]byte{},
		zero:   map[int][]byte{},
		base:   map[int][]byte{},
	}
}

// Acknowledge applies the client's reported receive window. A reset forgets
// every earlier acknowledgement; later packets use no baselines until new
// acks arrive.
func (c *Connection) Acknowledge(latest tick.Tick, mask uint32, reset bool) {
	if reset {
		c.ack.Reset()
	}
	c.ack.Set(latest, mask)
}

func (c *Connection) AckState() AckState { return c.ack }

type EncodeStats struct {
	Tick     tick.Tick
	Bits     int
	Relevant int
	Ghosts   int
	Despawns int
	Prefabs  int
}

// entry is one group root scheduled into the packet.
type entry struct {
	g        *world.Ghost
	children []*world.Ghost
	rot      uint32
	static   bool
	ages     [3]uint32
	ticks    [3]tick.Tick
}

// Encode builds the packet for serverTick. serverTick must be newer than every
// tick previously encoded on this connection.
func (c *Connection) Encode(serverTick tick.Tick) ([]byte, EncodeStats) {
	e := c.enc
	stats := EncodeStats{Tick: serverTick}
	c.processAcks()
	c.collectDespawns(serverTick)

	blocked := map[world.GhostID]bool{}
	for _, pd := range c.despawns {
		blocked[pd.id] = true
	}

	var roots []*world.Ghost
	for _, g := range e.world.Ghosts() {
		stats.Relevant++
		if g.Root == nil && !blocked[g.ID()] {
			roots = append(roots, g)
		}
	}
	sort.SliceStable(roots, func(i, j int) bool {
		a, b := c.lastSent(roots[i]), c.lastSent(roots[j])
		if a != b {
			if !a.IsValid() || !b.IsValid() {
				return !a.IsValid()
			}
			return b.IsNewerThan(a)
		}
		return roots[i].Entity < roots[j].Entity
	})
	if n := e.opts.MaxGhostsPerPacket; n > 0 && len(roots) > n {
		roots = roots[:n]
	}

	entries := make([]entry, 0, len(roots))
	for _, g := range roots {
		en := entry{g: g, rot: g.ID().Rotated(), static: g.ID().IsStatic()}
		for _, cid := range g.Children {
			if cg, ok := e.world.Ghost(cid); ok && !blocked[cid] {
				en.children = append(en.children, cg)
			}
		}
		sort.Slice(en.children, func(i, j int) bool { return en.children[i].ID().Rotated() < en.children[j].ID().Rotated() })
		en.ticks = c.selectBaselines(g, en.children)
		for k, t := range en.ticks {
			if t.IsValid() {
				en.ages[k] = uint32(serverTick.TicksSince(t))
			}
		}
		entries = append(entries, en)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ai, bi := a.g.Type.Index(), b.g.Type.Index(); ai != bi {
			return ai < bi
		}
		if a.static != b.static {
			return !a.static
		}
		for k := range a.ages {
			if a.ages[k] != b.ages[k] {
				return a.ages[k] < b.ages[k]
			}
		}
		return a.rot < b.rot
	})

	w := c.w
	w.Reset()
	w.WriteUInt32(uint32(serverTick))
	if c.prefabsAcked < len(e.types) {
		stats.Prefabs = len(e.types) - c.prefabsAcked
		c.prefabSends = append(c.prefabSends, prefabSend{tick: serverTick, count: len(e.types)})
	}
	writePrefabs(w, e.types, c.prefabsAcked)
	w.WritePackedUInt(uint32(stats.Relevant))

	w.WriteUInt32(uint32(len(c.despawns)))
	for _, pd := range c.despawns {
		w.WritePackedUInt(pd.id.Rotated())
	}
	stats.Despawns = len(c.despawns)

	type batch struct{ from, to int }
	var batches []batch
	for i := 0; i < len(entries); {
		j := i + 1
		for j < len(entries) && entries[j].g.Type == entries[i].g.Type && entries[j].static == entries[i].static {
			j++
		}
		batches = append(batches, batch{i, j})
		i = j
	}
	w.WriteUInt32(uint32(len(batches)))
	for _, b := range batches {
		first := entries[b.from]
		w.WritePackedUInt(uint32(first.g.Type.Index()))
		w.WritePackedUInt(uint32(b.to - b.from))
		w.WriteBool(first.static)
		prev := uint32(0)
		for i := b.from; i < b.to; {
			j := i + 1
			for j < b.to && entries[j].ages == entries[i].ages {
				j++
			}
			for _, a := range entries[i].ages {
				w.WritePackedUInt(a)
			}
			w.WritePackedUInt(uint32(j - i))
			for k := i; k < j; k++ {
				en := &entries[k]
				w.WritePackedUIntDelta(en.rot, prev)
				prev = en.rot
				c.writeOne(serverTick, en, en.g)
				stats.Ghosts++
				if !en.g.Type.IsGhostGroup {
					continue
				}
				w.WritePackedUInt(uint32(len(en.children)))
				cprev := en.rot
				for _, cg := range en.children {
					w.WritePackedUInt(uint32(cg.Type.Index()))
					crot := cg.ID().Rotated()
					w.WritePackedUIntDelta(crot, cprev)
					cprev = crot
					c.writeOne(serverTick, en, cg)
					stats.Ghosts++
				}
			}
			i = j
		}
	}

	stats.Bits = w.LengthInBits()
	e.metrics.Encoded(stats.Bits)
	return w.Bytes(), stats
}

func (c *Connection) lastSent(g *world.Ghost) tick.Tick {
	if sg, ok := c.ghosts[g.ID()]; ok && sg.key == g.Key {
		return sg.lastSent
	}
	return tick.Invalid
}

func (c *Connection) processAcks() {
	kept := c.prefabSends[:0]
	for _, ps := range c.prefabSends {
		switch {
		case c.ack.IsAcked(ps.tick):
			c.prefabsAcked = max(c.prefabsAcked, ps.count)
		case c.ack.Latest().IsValid() && c.ack.Latest().TicksSince(ps.tick) >= AckWindow:
		default:
			kept = append(kept, ps)
		}
	}
	c.prefabSends = kept

	latest := c.ack.Latest()
	pending := c.despawns[:0]
	for _, pd := range c.despawns {
		if latest.IsValid() && !pd.first.IsNewerThan(latest) {
			continue
		}
		pending = append(pending, pd)
	}
	c.despawns = pending
}

// collectDespawns queues a despawn for every sent ghost whose lifetime ended.
func (c *Connection) collectDespawns(serverTick tick.Tick) {
	ids := make([]world.GhostID, 0)
	for id, sg := range c.ghosts {
		if g, ok := c.enc.world.Ghost(id); !ok || g.Key != sg.key {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		delete(c.ghosts, id)
		c.despawns = append(c.despawns, pendingDespawn{id: id, first: serverTick})
	}
}

// selectBaselines picks up to three acknowledged ticks, newest first, that the
// root and every child share.
func (c *Connection) selectBaselines(root *world.Ghost, children []*world.Ghost) [3]tick.Tick {
	var out [3]tick.Tick
	sg, ok := c.ghosts[root.ID()]
	if !ok || sg.key != root.Key {
		return out
	}
	n := 0
	for _, t := range sg.hist.Ticks() {
		if n == len(out) {
			break
		}
		if !c.ack.IsAcked(t) {
			continue
		}
		out[n] = t
		n++
	}
	for _, cg := range children {
		cs, ok := c.ghosts[cg.ID()]
		if !ok || cs.key != cg.Key {
			return [3]tick.Tick{}
		}
		for k := 0; k < n; k++ {
			if _, _, found := cs.hist.SnapshotAt(out[k]); !found {
				return [3]tick.Tick{}
			}
		}
	}
	return out
}

func buffer(m map[int][]byte, t *schema.GhostType) []byte {
	b := buf(m, t)
	clear(b)
	return b
}

// writeOne writes one entity after its id: spawn tick, size header and body,
// then records what was sent.
func (c *Connection) writeOne(serverTick tick.Tick, en *entry, g *world.Ghost) {
	e := c.enc
	typ := g.Type
	mode := typ.DefaultMode
	w := c.w

	sg, ok := c.ghosts[g.ID()]
	if !ok || sg.key != g.Key {
		sg = &sentGhost{key: g.Key, typ: typ, hist: history.New(e.opts.HistoryCapacity, typ.Layout().SnapshotSize, typ.HasBuffers())}
		c.ghosts[g.ID()] = sg
	}

	raw := buffer(c.raw, typ)
	c.dyn = e.world.StoreSnapshot(g, raw, c.dyn[:0])
	stripExcluded(typ, mode, raw)

	noBaseline := !en.ticks[0].IsValid()
	var baseRaw, baseDyn []byte
	switch {
	case !noBaseline:
		b0, idx0, _ := sg.hist.SnapshotAt(en.ticks[0])
		baseRaw = b0
		if d := sg.hist.Dynamic(); d != nil {
			baseDyn = d.Slot(idx0)
		}
		if en.ticks[1].IsValid() && en.ticks[2].IsValid() {
			b1, _, _ := sg.hist.SnapshotAt(en.ticks[1])
			b2, _, _ := sg.hist.SnapshotAt(en.ticks[2])
			p := schema.Predictor{Target: serverTick, B0: en.ticks[0], B1: en.ticks[1], B2: en.ticks[2]}
			pred := buffer(c.base, typ)
			predictBaseline(typ, mode, p, b0, b1, b2, pred)
			baseRaw = pred
		}
	case g.ID().IsStatic():
		if pb, ok := e.prespawn[g.ID()]; ok && pb.typ == typ {
			baseRaw, baseDyn = pb.raw, pb.dynamic
		} else {
			baseRaw = buffer(c.zero, typ)
		}
	default:
		baseRaw = buffer(c.zero, typ)
	}

	if noBaseline && !g.ID().IsStatic() {
		w.WritePackedUIntDelta(uint32(g.Key.SpawnTick), uint32(serverTick))
	}
	if e.opts.SizeHeaders {
		c.body.Reset()
		encodeBody(c.body, typ, mode, raw, c.dyn, baseRaw, baseDyn)
		w.WritePackedUInt(uint32(c.body.LengthInBits()))
		w.Append(c.body)
	} else {
		encodeBody(w, typ, mode, raw, c.dyn, baseRaw, baseDyn)
	}

	sg.hist.InsertWithDynamic(serverTick, raw, c.dyn)
	sg.lastSent = serverTick
}

// stripExcluded zeroes fields the mode never receives so the stored copy
// matches what the client reconstructs.
func stripExcluded(typ *schema.GhostType, mode schema.Mode, raw []byte) {
	l := typ.Layout()
	s := l.View(raw)
	for f := 0; f < typ.FieldCount(); f++ {
		if typ.Field(f).Send.Includes(mode) {
			continue
		}
		if l.IsBuffer(f) {
			s.SetBufferRef(f, 0, 0)
			continue
		}
		clear(s.Field(f))
	}
}
