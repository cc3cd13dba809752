package arena

import (
	"context"

	"ghostsync.ai/internal/ghost/predict"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
)

// Predictor replays arena motion on a client. The owned ship follows the
// buffered input; other ships coast with no input until the next snapshot
// corrects them.
type Predictor struct {
	Types  Types
	Owned  world.GhostID
	Inputs *predict.InputBuffer
}

func (p *Predictor) input(id world.GhostID, t tick.Tick) Input {
	if id != p.Owned || p.Inputs == nil {
		return Input{}
	}
	b, ok := p.Inputs.Get(t)
	if !ok {
		return Input{}
	}
	return ParseInput(b)
}

func (p *Predictor) Step(ctx context.Context, w *world.World, step predict.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bit := p.Types.ShieldBit()
	for _, c := range w.Chunks() {
		switch c.Type() {
		case p.Types.Ship:
			for i := 0; i < c.Count(); i++ {
				if !c.Simulate(i) {
					continue
				}
				if step.Partial() {
					ExtrapolateShip(c, i, step.Fraction)
					continue
				}
				g, _ := w.Entity(c.Entity(i))
				for k := 0; k < step.BatchSize; k++ {
					t := step.Start.Add(uint32(k))
					StepShip(c, i, bit, t, p.input(g.ID(), t))
				}
			}
		case p.Types.Turret:
			if step.Partial() {
				continue
			}
			for i := 0; i < c.Count(); i++ {
				if !c.Simulate(i) {
					continue
				}
				for k := 0; k < step.BatchSize; k++ {
					StepTurret(c, i, step.Start.Add(uint32(k)))
				}
			}
		}
	}
	return nil
}
