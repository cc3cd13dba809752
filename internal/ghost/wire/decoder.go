package wire

import (
	"errors"
	"fmt"
	"io"
	"log"

	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/bitstream"
	"ghostsync.ai/internal/netcode/tick"
)

const (
	maxDespawnsPerPacket = 1 << 16
	maxBatchesPerPacket  = 1 << 12
)

type DecoderOptions struct {
	// SizeHeaders must match the server: every entity is prefixed with its
	// exact encoded bit length so a desynced entity can be skipped.
	SizeHeaders       bool
	MaxBufferElements int
}

// DecodeResult summarizes one packet. Desync is set (wrapping ErrDesync) when
// at least one entity could not be applied; the caller resets its ack state.
type DecodeResult struct {
	Tick          tick.Tick
	RelevantCount int
	NewPrefabs    int
	Despawned     []world.GhostID
	Updated       []world.GhostID
	Spawned       int
	Bits          int
	// Stale is set for a packet not newer than the last decoded one; it is
	// ignored entirely.
	Stale   bool
	Desyncs int
	Desync  error
}

type prespawnBaseline struct {
	typ     *schema.GhostType
	raw     []byte
	dynamic []byte
}

// Decoder applies snapshot packets of one connection to its world. It is the
// single writer of every ghost history in that world.
type Decoder struct {
	reg     *schema.Registry
	world   *world.World
	queue   *world.SpawnQueue
	prefabs *PrefabList
	opts    DecoderOptions
	logger  *log.Logger
	metrics *metrics.Metrics

	prespawn map[world.GhostID]prespawnBaseline
	lastTick tick.Tick

	zero    map[int][]byte
	scratch map[int][]byte
	base    map[int][]byte
	dynamic []byte
}

func NewDecoder(reg *schema.Registry, w *world.World, q *world.SpawnQueue, opts DecoderOptions, logger *log.Logger, m *metrics.Metrics) (*Decoder, error) {
	if reg == nil || !reg.Finalized() {
		return nil, schema.ErrNotFinalized
	}
	if w == nil || q == nil {
		return nil, errors.New("wire: decoder needs a world and a spawn queue")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.MaxBufferElements <= 0 {
		opts.MaxBufferElements = DefaultMaxBufferElements
	}
	return &Decoder{
		reg:      reg,
		world:    w,
		queue:    q,
		prefabs:  newPrefabList(reg),
		opts:     opts,
		logger:   logger,
		metrics:  m,
		prespawn: map[world.GhostID]prespawnBaseline{},
		zero:     map[int][]byte{},
		scratch:  map[int][]byte{},
		base:     map[int][]byte{},
	}, nil
}

func (d *Decoder) Prefabs() *PrefabList    { return d.prefabs }
func (d *Decoder) LastTick() tick.Tick     { return d.lastTick }
func (d *Decoder) Options() DecoderOptions { return d.opts }

// RegisterPrespawnBaseline supplies the initial state of a statically placed
// ghost; the server deltas against the same bytes until it has an ack.
func (d *Decoder) RegisterPrespawnBaseline(id world.GhostID, typ *schema.GhostType, raw, dynamic []byte) error {
	if !id.IsStatic() {
		return fmt.Errorf("ghost %v is not in the static range", id)
	}
	if len(raw) != typ.Layout().SnapshotSize {
		return fmt.Errorf("prespawn baseline of %d bytes for %s (want %d)", len(raw), typ.Name, typ.Layout().SnapshotSize)
	}
	d.prespawn[id] = prespawnBaseline{typ: typ, raw: append([]byte(nil), raw...), dynamic: append([]byte(nil), dynamic...)}
	return nil
}

// Reset forgets the prefab list and the last tick, for a new connection.
func (d *Decoder) Reset() {
	d.prefabs.reset()
	d.lastTick = tick.Invalid
}

func buf(m map[int][]byte, t *schema.GhostType) []byte {
	b, ok := m[t.Index()]
	if !ok {
		b = make([]byte, t.Layout().SnapshotSize)
		m[t.Index()] = b
	}
	return b
}

// Decode applies one packet. A non-nil error wraps ErrProtocol and means the
// connection must be dropped; desyncs are reported in the result.
func (d *Decoder) Decode(packet []byte) (DecodeResult, error) {
	var res DecodeResult
	r := bitstream.NewReader(packet)
	res.Tick = tick.Tick(r.ReadUInt32())
	res.Bits = r.LengthInBits()
	if r.HasFailed() || !res.Tick.IsValid() {
		return res, d.protocol(fmt.Errorf("packet header: %w", ErrProtocol))
	}
	if d.lastTick.IsValid() && !res.Tick.IsNewerThan(d.lastTick) {
		res.Stale = true
		return res, nil
	}

	n, err := d.prefabs.read(r)
	res.NewPrefabs = n
	if err != nil {
		return res, d.protocol(err)
	}
	res.RelevantCount = int(r.ReadPackedUInt())

	if err := d.readDespawns(r, &res); err != nil {
		return res, d.protocol(err)
	}
	if err := d.readUpdates(r, &res); err != nil {
		return res, d.protocol(err)
	}
	if r.HasFailed() {
		return res, d.protocol(fmt.Errorf("packet tick %v: %v: %w", res.Tick, r.Err(), ErrProtocol))
	}
	d.lastTick = res.Tick
	d.metrics.Decoded(res.Bits, len(res.Updated), res.Spawned, len(res.Despawned))
	return res, nil
}

func (d *Decoder) protocol(err error) error {
	d.metrics.ProtocolError()
	return err
}

func (d *Decoder) desync(res *DecodeResult, cause string, err error) {
	res.Desyncs++
	if res.Desync == nil {
		res.Desync = err
	}
	d.metrics.Desync(cause)
	d.logger.Printf("tick %v: %v", res.Tick, err)
}

func (d *Decoder) readDespawns(r *bitstream.Reader, res *DecodeResult) error {
	n := r.ReadUInt32()
	if r.HasFailed() || n > maxDespawnsPerPacket {
		return fmt.Errorf("despawn block of %d ids: %w", n, ErrProtocol)
	}
	for i := uint32(0); i < n; i++ {
		id := world.FromRotated(r.ReadPackedUInt())
		if r.HasFailed() {
			return fmt.Errorf("despawn block: %v: %w", r.Err(), ErrProtocol)
		}
		d.queue.Drop(id)
		if _, ok := d.world.Despawn(id); ok {
			res.Despawned = append(res.Despawned, id)
		}
	}
	return nil
}

// batchState is shared by the entities of one sub-batch.
type batchState struct {
	typ        *schema.GhostType
	typeIndex  int
	static     bool
	ages       [3]uint32
	baselines  [3]tick.Tick
	prevRotate uint32
}

func (d *Decoder) readUpdates(r *bitstream.Reader, res *DecodeResult) error {
	batches := r.ReadUInt32()
	if r.HasFailed() || batches > maxBatchesPerPacket {
		return fmt.Errorf("%d update batches: %w", batches, ErrProtocol)
	}
	for b := uint32(0); b < batches; b++ {
		var bs batchState
		bs.typeIndex = int(r.ReadPackedUInt())
		count := int(r.ReadPackedUInt())
		bs.static = r.ReadBool()
		if r.HasFailed() {
			return fmt.Errorf("batch header: %v: %w", r.Err(), ErrProtocol)
		}
		typ, ok := d.prefabs.Type(bs.typeIndex)
		if !ok {
			return fmt.Errorf("batch type index %d of %d announced: %w", bs.typeIndex, d.prefabs.Len(), ErrProtocol)
		}
		bs.typ = typ

		for count > 0 {
			for k := range bs.ages {
				bs.ages[k] = r.ReadPackedUInt()
				bs.baselines[k] = tick.Invalid
				if bs.ages[k] != 0 {
					bs.baselines[k] = res.Tick.Sub(bs.ages[k])
				}
			}
			sub := int(r.ReadPackedUInt())
			if r.HasFailed() || sub <= 0 || sub > count {
				return fmt.Errorf("sub-batch of %d entities with %d left: %w", sub, count, ErrProtocol)
			}
			if bs.ages[0] == 0 && (bs.ages[1] != 0 || bs.ages[2] != 0) {
				return fmt.Errorf("secondary baselines without a primary: %w", ErrProtocol)
			}
			for i := 0; i < sub; i++ {
				stop, err := d.readEntity(r, res, &bs)
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			}
			count -= sub
		}
	}
	return nil
}

// readEntity decodes a root entity and, for group types, its children. stop
// is set when a desync left the reader at an unknown position.
func (d *Decoder) readEntity(r *bitstream.Reader, res *DecodeResult, bs *batchState) (stop bool, err error) {
	rot := r.ReadPackedUIntDelta(bs.prevRotate)
	bs.prevRotate = rot
	id := world.FromRotated(rot)
	if id.IsStatic() != bs.static {
		return false, fmt.Errorf("ghost %v in a batch with static=%v: %w", id, bs.static, ErrProtocol)
	}
	ok, err := d.readOne(r, res, bs, bs.typ, bs.typeIndex, id, nil)
	if err != nil || !ok {
		return !ok, err
	}
	if !bs.typ.IsGhostGroup {
		return false, nil
	}

	children := r.ReadPackedUInt()
	if r.HasFailed() || children > 1024 {
		return false, fmt.Errorf("ghost %v child count %d: %w", id, children, ErrProtocol)
	}
	root := id
	prev := rot
	for c := uint32(0); c < children; c++ {
		ti := int(r.ReadPackedUInt())
		ctyp, ok := d.prefabs.Type(ti)
		if !ok {
			return false, fmt.Errorf("child type index %d: %w", ti, ErrProtocol)
		}
		crot := r.ReadPackedUIntDelta(prev)
		prev = crot
		ok, err := d.readOne(r, res, bs, ctyp, ti, world.FromRotated(crot), &root)
		if err != nil || !ok {
			return !ok, err
		}
	}
	return false, nil
}

// readOne decodes a single entity (root or child) and commits it. ok is false
// when decoding cannot continue in this packet.
func (d *Decoder) readOne(r *bitstream.Reader, res *DecodeResult, bs *batchState, typ *schema.GhostType, typeIndex int, id world.GhostID, root *world.GhostID) (ok bool, err error) {
	noBaseline := bs.ages[0] == 0
	spawnTick := tick.Invalid
	if noBaseline && !id.IsStatic() {
		spawnTick = tick.Tick(r.ReadPackedUIntDelta(uint32(res.Tick)))
	}
	end, declared := -1, 0
	if d.opts.SizeHeaders {
		n := int(r.ReadPackedUInt())
		declared = n
		end = r.BitPosition() + n
		if r.HasFailed() || end > r.LengthInBits() {
			return false, fmt.Errorf("ghost %v declares %d bits past packet end: %w", id, n, ErrProtocol)
		}
	}
	// skip consumes the entity when its size is known.
	skip := func(cause string, derr error) (bool, error) {
		d.desync(res, cause, derr)
		if end < 0 {
			return false, nil
		}
		r.SeekBits(end)
		return true, nil
	}

	if typ == nil {
		// Not loaded locally: nothing to decode against. Stage it so the
		// spawner reports the missing prefab.
		if !noBaseline || end < 0 {
			return skip("prefab", fmt.Errorf("ghost %v of unloaded type %d: %w", id, typeIndex, ErrDesync))
		}
		r.SeekBits(end)
		d.queue.Stage(world.SpawnRecord{TypeIndex: typeIndex, GhostID: id, ClientTick: res.Tick, ServerSpawnTick: spawnTick}, nil, nil)
		res.Spawned++
		return true, nil
	}

	mode := typ.DefaultMode
	g, exists := d.world.Ghost(id)
	if exists && g.Type != typ {
		return false, fmt.Errorf("ghost %v is %s, packet says %s: %w", id, g.Type.Name, typ.Name, ErrProtocol)
	}

	var baseRaw, baseDyn []byte
	switch {
	case !noBaseline:
		if !exists {
			return skip("baseline", fmt.Errorf("ghost %v: baseline tick %v for unknown ghost: %w", id, bs.baselines[0], ErrDesync))
		}
		b0, idx0, found := g.History.SnapshotAt(bs.baselines[0])
		if !found {
			return skip("baseline", fmt.Errorf("ghost %v: baseline tick %v not in history: %w", id, bs.baselines[0], ErrDesync))
		}
		baseRaw = b0
		if dyn := g.History.Dynamic(); dyn != nil {
			baseDyn = dyn.Slot(idx0)
		}
		if bs.ages[1] != 0 && bs.ages[2] != 0 {
			b1, _, ok1 := g.History.SnapshotAt(bs.baselines[1])
			b2, _, ok2 := g.History.SnapshotAt(bs.baselines[2])
			if !ok1 || !ok2 {
				return skip("baseline", fmt.Errorf("ghost %v: prediction baselines %v/%v not in history: %w", id, bs.baselines[1], bs.baselines[2], ErrDesync))
			}
			p := schema.Predictor{Target: res.Tick, B0: bs.baselines[0], B1: bs.baselines[1], B2: bs.baselines[2]}
			pred := buf(d.base, typ)
			predictBaseline(typ, mode, p, b0, b1, b2, pred)
			baseRaw = pred
		}
	case id.IsStatic():
		if pb, ok := d.prespawn[id]; ok && pb.typ == typ {
			baseRaw, baseDyn = pb.raw, pb.dynamic
		} else {
			baseRaw = buf(d.zero, typ)
		}
	default:
		baseRaw = buf(d.zero, typ)
		if exists && g.Key.SpawnTick != spawnTick {
			// The id was recycled and its despawn never reached us.
			d.world.Despawn(id)
			res.Despawned = append(res.Despawned, id)
			exists = false
		}
	}

	out := buf(d.scratch, typ)
	clear(out)
	if err := decodeBody(r, typ, mode, baseRaw, baseDyn, out, &d.dynamic, d.opts.MaxBufferElements); err != nil {
		return false, err
	}
	if end >= 0 && r.BitPosition() != end {
		return skip("size", fmt.Errorf("ghost %v: decoded %d bits, header says %d: %w", id, r.BitPosition()-(end-declared), declared, ErrDesync))
	}

	if exists {
		g.History.InsertWithDynamic(res.Tick, out, d.dynamic)
		if root != nil {
			if rg, ok := d.world.Ghost(*root); ok {
				d.world.Attach(rg, g)
			}
		}
		res.Updated = append(res.Updated, id)
		return true, nil
	}
	rec := world.SpawnRecord{
		TypeIndex:       typeIndex,
		Type:            typ,
		GhostID:         id,
		Mode:            mode,
		ClientTick:      res.Tick,
		ServerSpawnTick: spawnTick,
	}
	if root != nil {
		rec.Root, rec.HasRoot = *root, true
	}
	d.queue.Drop(id)
	d.queue.Stage(rec, out, d.dynamic)
	res.Spawned++
	return true, nil
}
