package arena

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/predict"
	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/wire"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
	"ghostsync.ai/internal/protocol"
)

type ReplicaConfig struct {
	World        world.Config
	SizeHeaders  bool
	StaticCrates int
	Scheduler    predict.SchedulerConfig
	BackupDepth  int
	// InputCapacity bounds the local input history; 0 uses the default.
	InputCapacity  int
	CaptureWorkers int
	// MaxExtrapolationTicks clamps Position past the newest snapshot.
	MaxExtrapolationTicks int
}

// Replica is one client's view of the arena: it decodes snapshot packets,
// spawns new ghosts, tracks acks and predicts the owned ship.
type Replica struct {
	Types   Types
	World   *world.World
	Decoder *wire.Decoder
	Inputs  *predict.InputBuffer
	Runner  *predict.Runner
	Owned   world.GhostID

	queue   *world.SpawnQueue
	spawner *world.Spawner
	ack     wire.AckState
	logger  *log.Logger
	metrics *metrics.Metrics

	maxExtrapolation uint32
	snapshotTick     tick.Tick
	newInput     []tick.Tick
}

func NewReplica(types Types, cfg ReplicaConfig, logger *log.Logger, m *metrics.Metrics) (*Replica, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w, err := world.New(types.Registry, cfg.World)
	if err != nil {
		return nil, err
	}
	q := &world.SpawnQueue{}
	dec, err := wire.NewDecoder(types.Registry, w, q, wire.DecoderOptions{SizeHeaders: cfg.SizeHeaders}, logger, m)
	if err != nil {
		return nil, err
	}
	for _, p := range types.CratePrespawns(cfg.StaticCrates) {
		if err := dec.RegisterPrespawnBaseline(p.ID, p.Type, p.Snapshot, nil); err != nil {
			return nil, err
		}
	}
	inputs := predict.NewInputBuffer(cfg.InputCapacity)
	return &Replica{
		Types:   types,
		World:   w,
		Decoder: dec,
		Inputs:  inputs,
		Runner: &predict.Runner{
			World:     w,
			Store:     predict.NewBackupStore(cfg.BackupDepth, m),
			Scheduler: predict.NewScheduler(cfg.Scheduler),
			Workers:   cfg.CaptureWorkers,
			Logger:    logger,
			Metrics:   m,
		},
		queue:   q,
		spawner: &world.Spawner{World: w, Logger: logger},
		logger:  logger,
		metrics: m,

		maxExtrapolation: uint32(max(cfg.MaxExtrapolationTicks, 0)),
	}, nil
}

// HandlePacket decodes one snapshot packet and returns the ACK to send back.
// A returned error means the connection must be dropped: either the packet
// violated the protocol or the server uses a ghost type we do not load.
func (r *Replica) HandlePacket(packet []byte) (wire.DecodeResult, protocol.AckMsg, error) {
	res, err := r.Decoder.Decode(packet)
	if err != nil {
		return res, r.ackMsg(false), err
	}
	if _, err := r.spawner.Flush(r.queue); err != nil {
		if errors.Is(err, world.ErrMissingPrefab) {
			return res, r.ackMsg(false), err
		}
		r.logger.Printf("spawn at tick %v: %v", res.Tick, err)
	}
	if res.Stale {
		return res, r.ackMsg(false), nil
	}
	if res.Desync != nil {
		r.logger.Printf("desync at tick %v: %v", res.Tick, res.Desync)
		r.ack.Reset()
		r.Runner.Scheduler.Reset()
		r.snapshotTick = tick.Invalid
		return res, r.ackMsg(true), nil
	}
	r.ack.Record(res.Tick)
	r.snapshotTick = tick.Newest(r.snapshotTick, res.Tick)
	return res, r.ackMsg(false), nil
}

func (r *Replica) ackMsg(reset bool) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		Tick:            uint32(r.ack.Latest()),
		Mask:            r.ack.Mask(),
		Reset:           reset,
	}
}

// AddInput stores local input for t; it is replayed by the next Predict.
func (r *Replica) AddInput(t tick.Tick, in Input) {
	if r.Inputs.Add(t, in.Bytes()) {
		r.newInput = append(r.newInput, t)
	}
}

// Predict brings predicted ghosts to target plus fraction of the next tick.
// ok is false when nothing needed predicting.
func (r *Replica) Predict(ctx context.Context, target tick.Tick, fraction float32) (predict.Plan, bool, error) {
	in := predict.FrameInput{
		Target:       target,
		Fraction:     fraction,
		SnapshotTick: r.snapshotTick,
		NewInput:     r.newInput,
		SameInput:    r.Inputs.Same,
	}
	sim := &Predictor{Types: r.Types, Owned: r.Owned, Inputs: r.Inputs}
	plan, ok, err := r.Runner.Run(ctx, in, sim)
	if r.snapshotTick.IsValid() && !r.snapshotTick.IsNewerThan(target) {
		r.snapshotTick = tick.Invalid
	}
	r.newInput = r.newInput[:0]
	if err != nil {
		return plan, ok, fmt.Errorf("predict to %v: %w", target, err)
	}
	return plan, ok, nil
}

// LatestTick is the newest snapshot tick received.
func (r *Replica) LatestTick() tick.Tick { return r.ack.Latest() }

// Ship returns the owned ship ghost once it has been spawned.
func (r *Replica) Ship() (*world.Ghost, bool) {
	if r.Owned == 0 {
		return nil, false
	}
	return r.World.Ghost(r.Owned)
}

// Position interpolates a ship or crate between the snapshots around t plus
// fraction, in world units. It reads history only, so predicted ghosts report
// their server state rather than the predicted one.
func (r *Replica) Position(id world.GhostID, t tick.Tick, fraction float32) ([3]float32, bool) {
	var out [3]float32
	g, ok := r.World.Ghost(id)
	if !ok || (g.Type != r.Types.Ship && g.Type != r.Types.Crate) {
		return out, false
	}
	ip, ok := g.History.DataAtTick(t, fraction, r.maxExtrapolation)
	if !ok {
		return out, false
	}
	// ShipPosition and CratePosition are both field 0
	lay := g.Type.Layout()
	before, after := lay.View(ip.Before).Field(CratePosition), lay.View(ip.After).Field(CratePosition)
	for k := range out {
		b := float32(schema.GetInt32(before, k))
		a := float32(schema.GetInt32(after, k))
		out[k] = (b + (a-b)*ip.Factor) / PositionScale
	}
	return out, true
}
