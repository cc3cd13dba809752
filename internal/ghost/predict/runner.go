package predict

import (
	"context"
	"fmt"
	"io"
	"log"

	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
)

// Simulation advances every predicted ghost whose chunk Simulate bit is set
// by one step.
type Simulation interface {
	Step(ctx context.Context, w *world.World, step Step) error
}

type SimulationFunc func(ctx context.Context, w *world.World, step Step) error

func (f SimulationFunc) Step(ctx context.Context, w *world.World, step Step) error {
	return f(ctx, w, step)
}

// Runner executes scheduler plans against a client world.
type Runner struct {
	World     *world.World
	Store     *BackupStore
	Scheduler *Scheduler
	// Workers bounds backup capture parallelism; 0 means one goroutine per chunk.
	Workers int
	Logger  *log.Logger
	Metrics *metrics.Metrics

	seeds map[world.EntityID]tick.Tick
}

// Run plans the frame and executes it. ok is false when the scheduler had
// nothing to do. Participation toggles are always restored and unmarked
// backups swept, even when the simulation fails. A failed frame resets the
// scheduler, so prediction restarts from the next snapshot.
func (r *Runner) Run(ctx context.Context, in FrameInput, sim Simulation) (Plan, bool, error) {
	plan, ok := r.Scheduler.Plan(in)
	if !ok {
		return plan, false, nil
	}
	plan, err := r.execute(ctx, plan, in.SnapshotTick, sim)
	if err != nil {
		r.Scheduler.Reset()
	}
	return plan, true, err
}

func (r *Runner) execute(ctx context.Context, plan Plan, snapshot tick.Tick, sim Simulation) (Plan, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if r.seeds == nil {
		r.seeds = map[world.EntityID]tick.Tick{}
	}
	clear(r.seeds)

	var chunks []*world.Chunk
	for _, c := range r.World.Chunks() {
		if c.Mode() == schema.Predicted {
			chunks = append(chunks, c)
		}
	}
	r.Store.BeginFrame()
	for _, c := range chunks {
		r.Store.Mark(c)
	}
	defer func() {
		for _, c := range chunks {
			for i := 0; i < c.Count(); i++ {
				c.SetSimulate(i, true)
			}
		}
		r.Store.Sweep()
	}()

	if plan.Rollback {
		r.Metrics.Rollback()
	}
	r.seed(plan, chunks, snapshot, logger)

	for _, step := range plan.Steps {
		for _, c := range chunks {
			for i := 0; i < c.Count(); i++ {
				c.SetSimulate(i, r.participates(c.Entity(i), step))
			}
		}
		if err := sim.Step(ctx, r.World, step); err != nil {
			return plan, fmt.Errorf("predict step %v..%v: %w", step.Start, step.Tick, err)
		}
		r.Metrics.Step(step.BatchSize)
		if step.FinalFullTick {
			if err := r.Store.CaptureAll(ctx, chunks, step.Tick, r.Workers); err != nil {
				return plan, err
			}
		}
	}
	return plan, nil
}

// seed brings every predicted ghost to the plan's seed tick, from the new
// snapshot or from the backup store. A ghost with neither is restored to the
// last full tick of the previous plan, or failing that loaded from its newest
// snapshot. Ghosts seeded later than the plan seed sit out the steps they are
// already past.
func (r *Runner) seed(plan Plan, chunks []*world.Chunk, snapshot tick.Tick, logger *log.Logger) {
	if !plan.SeedFromSnapshot && !plan.Restore {
		return
	}
	// a backup at LastFull is only a later seed if no step goes past it
	lastFull := plan.LastFull
	if !lastFull.IsValid() || !lastFull.IsNewerThan(plan.Seed) || len(plan.Steps) == 0 ||
		lastFull.IsNewerThan(plan.Steps[len(plan.Steps)-1].Tick) {
		lastFull = tick.Invalid
	}
	for _, c := range chunks {
		for i := 0; i < c.Count(); i++ {
			g, ok := r.World.Entity(c.Entity(i))
			if !ok {
				continue
			}
			if plan.SeedFromSnapshot && r.load(g, snapshot) {
				continue
			}
			if r.Store.Restore(c, i, plan.Seed) {
				continue
			}
			if lastFull.IsValid() && r.Store.Restore(c, i, lastFull) {
				r.seeds[g.Entity] = lastFull
				continue
			}
			if newest := g.History.LatestTick(); newest.IsValid() && plan.Seed.IsNewerThan(newest) {
				logger.Printf("ghost %v: reseeded from snapshot %v, older than %v", g.ID(), newest, plan.Seed)
			}
			if !r.load(g, tick.Invalid) {
				logger.Printf("ghost %v: no state to seed prediction from", g.ID())
			}
		}
	}
}

// load copies the ghost's snapshot at t (the newest one if t is Invalid)
// into its live state.
func (r *Runner) load(g *world.Ghost, t tick.Tick) bool {
	var (
		raw []byte
		idx int
		ok  bool
	)
	if t.IsValid() {
		raw, idx, ok = g.History.SnapshotAt(t)
	} else {
		raw, idx, ok = g.History.Latest()
	}
	if !ok {
		return false
	}
	var dyn []byte
	if d := g.History.Dynamic(); d != nil {
		dyn = d.Slot(idx)
	}
	r.World.LoadSnapshot(g, raw, dyn)
	r.seeds[g.Entity] = g.Type.Layout().View(raw).Tick()
	return true
}

func (r *Runner) participates(e world.EntityID, step Step) bool {
	seed, ok := r.seeds[e]
	return !ok || !seed.IsNewerThan(step.Start.Prev())
}
