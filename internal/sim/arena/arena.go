package arena

import (
	"errors"
	"fmt"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
)

var ErrFull = errors.New("arena: no free ship slots")

type Config struct {
	World        world.Config
	StaticCrates int
	// MaxShips bounds the dynamic id range; 0 means 64.
	MaxShips int
}

// Arena is the authoritative game state on the server. It is driven by one
// goroutine (the Host loop).
type Arena struct {
	Types Types
	World *world.World

	cfg       Config
	tick      tick.Tick
	inputs    map[world.GhostID]Input
	turrets   map[world.GhostID]world.GhostID
	freeIDs   []freeID
	nextID    world.GhostID
	prespawns []Prespawn
}

func New(types Types, cfg Config) (*Arena, error) {
	if cfg.MaxShips <= 0 {
		cfg.MaxShips = 64
	}
	w, err := world.New(types.Registry, cfg.World)
	if err != nil {
		return nil, err
	}
	a := &Arena{
		Types:     types,
		World:     w,
		cfg:       cfg,
		inputs:    map[world.GhostID]Input{},
		turrets:   map[world.GhostID]world.GhostID{},
		nextID:    1,
		prespawns: types.CratePrespawns(cfg.StaticCrates),
	}
	for _, p := range a.prespawns {
		g, err := w.Spawn(p.Type, world.SpawnedGhost{GhostID: p.ID}, p.Type.DefaultMode)
		if err != nil {
			return nil, fmt.Errorf("place crate %v: %w", p.ID, err)
		}
		w.LoadSnapshot(g, p.Snapshot, nil)
	}
	return a, nil
}

// Tick is the last simulated tick, Invalid before the first Step.
func (a *Arena) Tick() tick.Tick { return a.tick }

func (a *Arena) Prespawns() []Prespawn { return a.prespawns }

type freeID struct {
	id world.GhostID
	at tick.Tick
}

// allocID hands out the most recently freed id first. An id freed during the
// current tick is not reused until the next one, so the new ghost never
// shares a spawn key with the old.
func (a *Arena) allocID() (world.GhostID, bool) {
	for k := len(a.freeIDs) - 1; k >= 0; k-- {
		f := a.freeIDs[k]
		if !a.tick.IsNewerThan(f.at) {
			continue
		}
		a.freeIDs = append(a.freeIDs[:k], a.freeIDs[k+1:]...)
		return f.id, true
	}
	if int(a.nextID) > 2*a.cfg.MaxShips {
		return 0, false
	}
	id := a.nextID
	a.nextID++
	return id, true
}

// Join spawns a ship with its turret child and returns the ship id.
func (a *Arena) Join() (world.GhostID, error) {
	if len(a.turrets) >= a.cfg.MaxShips {
		return 0, ErrFull
	}
	shipID, ok := a.allocID()
	if !ok {
		return 0, ErrFull
	}
	turretID, ok := a.allocID()
	if !ok {
		a.release(shipID)
		return 0, ErrFull
	}
	spawnTick := a.tick
	if !spawnTick.IsValid() {
		spawnTick = tick.Tick(1)
	}
	ship, err := a.World.Spawn(a.Types.Ship, world.SpawnedGhost{GhostID: shipID, SpawnTick: spawnTick}, schema.Predicted)
	if err != nil {
		return 0, err
	}
	turret, err := a.World.Spawn(a.Types.Turret, world.SpawnedGhost{GhostID: turretID, SpawnTick: spawnTick}, schema.Predicted)
	if err != nil {
		a.World.Despawn(shipID)
		return 0, err
	}
	a.World.Attach(ship, turret)

	pos := ship.Chunk().Field(ShipPosition, ship.Index())
	schema.PutInt32(pos, 0, int32(shipID)*500)
	schema.PutUint32(ship.Chunk().Field(ShipShield, ship.Index()), 0, maxShield)
	schema.PutUint32(turret.Chunk().Field(TurretAmmo, turret.Index()), 0, maxAmmo)

	a.turrets[shipID] = turretID
	return shipID, nil
}

// Leave despawns the ship and its turret. Their ids are reusable from the
// next tick on.
func (a *Arena) Leave(ship world.GhostID) {
	turret, ok := a.turrets[ship]
	if !ok {
		return
	}
	delete(a.turrets, ship)
	delete(a.inputs, ship)
	a.World.Despawn(turret)
	a.World.Despawn(ship)
	a.release(turret)
	a.release(ship)
}

func (a *Arena) release(id world.GhostID) {
	a.freeIDs = append(a.freeIDs, freeID{id: id, at: a.tick})
}

// SetInput replaces the controls applied to ship from the next Step on.
func (a *Arena) SetInput(ship world.GhostID, in Input) {
	if _, ok := a.turrets[ship]; ok {
		a.inputs[ship] = in
	}
}

func (a *Arena) Ships() int { return len(a.turrets) }

// Step advances the world one tick and returns the new tick.
func (a *Arena) Step() tick.Tick {
	a.tick = a.tick.Next()
	bit := a.Types.ShieldBit()
	for _, c := range a.World.Chunks() {
		switch c.Type() {
		case a.Types.Ship:
			for i := 0; i < c.Count(); i++ {
				g, _ := a.World.Entity(c.Entity(i))
				StepShip(c, i, bit, a.tick, a.inputs[g.ID()])
			}
		case a.Types.Turret:
			for i := 0; i < c.Count(); i++ {
				StepTurret(c, i, a.tick)
			}
		case a.Types.Crate:
			for i := 0; i < c.Count(); i++ {
				StepCrate(c, i, a.tick)
			}
		}
	}
	return a.tick
}
