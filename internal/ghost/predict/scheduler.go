package predict

import (
	"slices"

	"ghostsync.ai/internal/netcode/tick"
)

type SchedulerConfig struct {
	// MaxInputTicks is how far behind the target a replay may start.
	MaxInputTicks int
	// FirstTimeBatchLimit caps how many ticks one step may merge when none
	// of them was ever fully predicted before.
	FirstTimeBatchLimit int
	// RepeatedBatchLimit caps merging for ticks that were predicted before.
	RepeatedBatchLimit int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{MaxInputTicks: 64, FirstTimeBatchLimit: 1, RepeatedBatchLimit: 4}
}

// FrameInput is what the client knows at the start of a frame.
type FrameInput struct {
	// Target is the newest full tick to predict.
	Target tick.Tick
	// Fraction in [0,1) of the tick after Target that live time has reached.
	Fraction float32
	// SnapshotTick is the tick of a snapshot received since the last frame,
	// or Invalid.
	SnapshotTick tick.Tick
	// NewInput lists ticks whose input arrived or changed since the last frame.
	NewInput []tick.Tick
	// SameInput reports whether two adjacent ticks carry identical input.
	// Ticks are only merged into one step when it returns true.
	SameInput func(a, b tick.Tick) bool
}

// Step advances predicted state over the ticks [Start, Tick].
type Step struct {
	Start     tick.Tick
	Tick      tick.Tick
	BatchSize int
	// Fraction is non-zero only for the partial tail step.
	Fraction float32

	FirstStep               bool
	FinalTick               bool
	FinalFullTick           bool
	FirstTimeFullyPredicted bool
}

func (s Step) Partial() bool { return s.Fraction > 0 }

// Plan is one frame of prediction work. State is seeded as of Seed, either
// from the received snapshot or by restoring the backup store, then Steps run
// in order.
type Plan struct {
	Seed             tick.Tick
	SeedFromSnapshot bool
	// Restore is set when live state is not already at Seed.
	Restore bool
	// Rollback is set when ticks that were already predicted are replayed.
	Rollback bool
	// LastFull is the newest full tick the previous plan reached, Invalid
	// before the first one.
	LastFull tick.Tick
	Steps    []Step
	// Deferred input ticks lie beyond Target and are replayed by a later frame.
	Deferred []tick.Tick
}

// Scheduler decides each frame which ticks to re-simulate. It is strictly
// sequential and keeps the state of one predicting world.
type Scheduler struct {
	cfg               SchedulerConfig
	lastFull          tick.Tick
	highestFull       tick.Tick
	lastWasFractional bool
	pending           []tick.Tick
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.MaxInputTicks <= 0 {
		cfg.MaxInputTicks = def.MaxInputTicks
	}
	if cfg.FirstTimeBatchLimit <= 0 {
		cfg.FirstTimeBatchLimit = def.FirstTimeBatchLimit
	}
	if cfg.RepeatedBatchLimit <= 0 {
		cfg.RepeatedBatchLimit = def.RepeatedBatchLimit
	}
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) Config() SchedulerConfig { return s.cfg }

// LastFullTick is the newest full tick the previous plan reached.
func (s *Scheduler) LastFullTick() tick.Tick { return s.lastFull }

// HighestFullTick is the newest full tick ever predicted.
func (s *Scheduler) HighestFullTick() tick.Tick { return s.highestFull }

func (s *Scheduler) Pending() []tick.Tick { return s.pending }

// Reset forgets all prediction progress, e.g. after a reconnect.
func (s *Scheduler) Reset() {
	s.lastFull, s.highestFull = tick.Invalid, tick.Invalid
	s.lastWasFractional = false
	s.pending = s.pending[:0]
}

// Plan computes this frame's steps and commits the scheduler state as if the
// plan runs to completion; a caller whose plan fails must Reset. ok is false
// when there is nothing to predict or the input is unusable; that is not an
// error.
func (s *Scheduler) Plan(in FrameInput) (Plan, bool) {
	if !in.Target.IsValid() || !(in.Fraction >= 0 && in.Fraction < 1) {
		return Plan{}, false
	}
	target := in.Target
	snapshot := in.SnapshotTick
	if snapshot.IsValid() && snapshot.IsNewerThan(target) {
		snapshot = tick.Invalid
	}
	if !snapshot.IsValid() && !s.lastFull.IsValid() {
		// nothing to seed state from yet
		return Plan{}, false
	}

	caughtUp := target.Next()
	oldest := caughtUp
	var deferred []tick.Tick
	consider := func(t tick.Tick) {
		switch {
		case !t.IsValid():
		case t.IsNewerThan(target):
			deferred = append(deferred, t)
		default:
			oldest = tick.Oldest(oldest, t)
		}
	}
	if s.lastFull.IsValid() {
		if s.lastFull.IsNewerThan(target) {
			oldest = tick.Oldest(oldest, target)
		} else {
			oldest = tick.Oldest(oldest, s.lastFull.Next())
		}
	}
	if snapshot.IsValid() {
		oldest = tick.Oldest(oldest, snapshot.Next())
	}
	for _, t := range s.pending {
		consider(t)
	}
	for _, t := range in.NewInput {
		consider(t)
	}
	if floor := target.Sub(uint32(s.cfg.MaxInputTicks)); floor.IsNewerThan(oldest) {
		oldest = floor
	}

	p := Plan{Seed: oldest.Prev(), LastFull: s.lastFull, Deferred: sortTicks(deferred)}
	p.SeedFromSnapshot = snapshot.IsValid() && oldest == snapshot.Next()
	p.Rollback = s.lastFull.IsValid() && !oldest.IsNewerThan(s.lastFull)
	p.Restore = !p.SeedFromSnapshot && (p.Rollback || s.lastWasFractional)

	if oldest == caughtUp && in.Fraction == 0 && !p.Restore && !p.SeedFromSnapshot {
		s.pending = append(s.pending[:0], p.Deferred...)
		return Plan{}, false
	}

	for t := oldest; !t.IsNewerThan(target); {
		first := !s.highestFull.IsValid() || t.IsNewerThan(s.highestFull)
		limit := s.cfg.RepeatedBatchLimit
		if first {
			limit = s.cfg.FirstTimeBatchLimit
		}
		end, n := t, 1
		for n < limit && end != target {
			next := end.Next()
			nextFirst := !s.highestFull.IsValid() || next.IsNewerThan(s.highestFull)
			if nextFirst != first || in.SameInput == nil || !in.SameInput(end, next) {
				break
			}
			end = next
			n++
		}
		p.Steps = append(p.Steps, Step{Start: t, Tick: end, BatchSize: n, FirstTimeFullyPredicted: first})
		t = end.Next()
	}
	if len(p.Steps) > 0 {
		p.Steps[len(p.Steps)-1].FinalFullTick = true
	}
	if in.Fraction > 0 {
		p.Steps = append(p.Steps, Step{Start: caughtUp, Tick: caughtUp, BatchSize: 1, Fraction: in.Fraction})
	}
	if len(p.Steps) > 0 {
		p.Steps[0].FirstStep = true
		p.Steps[len(p.Steps)-1].FinalTick = true
	}

	s.lastFull = target
	s.highestFull = tick.Newest(s.highestFull, target)
	s.lastWasFractional = in.Fraction > 0
	s.pending = append(s.pending[:0], p.Deferred...)
	return p, true
}

func sortTicks(ts []tick.Tick) []tick.Tick {
	slices.SortFunc(ts, func(a, b tick.Tick) int { return int(a.TicksSince(b)) })
	return slices.Compact(ts)
}
