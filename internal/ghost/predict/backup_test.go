package predict

import (
	"context"
	"errors"
	"testing"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/schema/schematest"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
)

func newWorld(t *testing.T, chunkCap, maxCap int) (*world.World, schematest.Types) {
	t.Helper()
	types := schematest.New(t)
	w, err := world.New(types.Registry, world.Config{ChunkCapacity: chunkCap, MaxChunkCapacity: maxCap})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	return w, types
}

func spawnShip(t *testing.T, w *world.World, types schematest.Types, id world.GhostID) *world.Ghost {
	t.Helper()
	g, err := w.Spawn(types.Ship, world.SpawnedGhost{GhostID: id, SpawnTick: 1}, schema.Predicted)
	if err != nil {
		t.Fatalf("spawn %v: %v", id, err)
	}
	return g
}

func setX(g *world.Ghost, x int32) {
	schema.PutInt32(g.Chunk().Field(schematest.ShipPosition, g.Index()), 0, x)
}

func getX(g *world.Ghost) int32 {
	return schema.GetInt32(g.Chunk().Field(schematest.ShipPosition, g.Index()), 0)
}

func setTrail(g *world.Ghost, n int) {
	b := make([]byte, 8*n)
	for i := 0; i < 2*n; i++ {
		schema.PutInt32(b, i, int32(i+1))
	}
	g.Chunk().SetBuffer(schematest.ShipTrail, g.Index(), b)
}

func TestCaptureIsIdempotent(t *testing.T) {
	for _, depth := range []int{1, 12} {
		w, types := newWorld(t, 4, 4)
		a := spawnShip(t, w, types, 1)
		b := spawnShip(t, w, types, 2)
		setX(a, 10)
		setX(b, 20)
		setTrail(b, 3)

		s := NewBackupStore(depth, nil)
		c := a.Chunk()
		s.CaptureOrUpdate(c, 5)
		bytes := s.Bytes()
		s.CaptureOrUpdate(c, 5)
		if got := s.Bytes(); got != bytes {
			t.Fatalf("depth %d: bytes after recapture: got %d want %d", depth, got, bytes)
		}
		v, ok := s.Backup(c, b.Index(), 5)
		if !ok {
			t.Fatalf("depth %d: expected backup of ghost 2 at tick 5", depth)
		}
		if got := schema.GetInt32(v.Field(schematest.ShipPosition), 0); got != 20 {
			t.Fatalf("depth %d: x got %d want 20", depth, got)
		}
		if got := len(v.Buffer(schematest.ShipTrail)); got != 24 {
			t.Fatalf("depth %d: trail bytes got %d want 24", depth, got)
		}

		setX(b, 21)
		s.CaptureOrUpdate(c, 5)
		v, _ = s.Backup(c, b.Index(), 5)
		if got := schema.GetInt32(v.Field(schematest.ShipPosition), 0); got != 21 {
			t.Fatalf("depth %d: overwritten x got %d want 21", depth, got)
		}
	}
}

func TestBackupDepth(t *testing.T) {
	for _, tc := range []struct {
		depth  int
		oldest bool
	}{{1, false}, {12, true}} {
		w, types := newWorld(t, 4, 4)
		g := spawnShip(t, w, types, 1)
		s := NewBackupStore(tc.depth, nil)
		for tk := tick.Tick(1); tk <= 3; tk++ {
			setX(g, int32(tk))
			s.CaptureOrUpdate(g.Chunk(), tk)
		}
		if _, ok := s.Backup(g.Chunk(), g.Index(), 1); ok != tc.oldest {
			t.Fatalf("depth %d: backup at 1 got %v want %v", tc.depth, ok, tc.oldest)
		}
		v, ok := s.Backup(g.Chunk(), g.Index(), 3)
		if !ok || v.Tick() != 3 {
			t.Fatalf("depth %d: backup at 3 got ok=%v tick=%v", tc.depth, ok, v.Tick())
		}
		if _, ok := s.Backup(g.Chunk(), g.Index(), tick.Invalid); ok {
			t.Fatalf("depth %d: invalid tick must never match", tc.depth)
		}
	}
}

func TestRestore(t *testing.T) {
	w, types := newWorld(t, 4, 4)
	g := spawnShip(t, w, types, 1)
	setX(g, 7)
	setTrail(g, 2)
	g.Chunk().SetEnabled(g.Index(), 0, true)
	s := NewBackupStore(0, nil)
	s.CaptureOrUpdate(g.Chunk(), 9)

	setX(g, 99)
	setTrail(g, 5)
	g.Chunk().SetEnabled(g.Index(), 0, false)
	if !s.Restore(g.Chunk(), g.Index(), 9) {
		t.Fatalf("restore at 9 failed")
	}
	if got := getX(g); got != 7 {
		t.Fatalf("x got %d want 7", got)
	}
	if got := len(g.Chunk().Buffer(schematest.ShipTrail, g.Index())); got != 16 {
		t.Fatalf("trail bytes got %d want 16", got)
	}
	if !g.Chunk().Enabled(g.Index(), 0) {
		t.Fatalf("enabled bit not restored")
	}
	if s.Restore(g.Chunk(), g.Index(), 10) {
		t.Fatalf("restore at uncaptured tick 10 succeeded")
	}
}

func TestDynamicGrowthKeepsWrittenSlots(t *testing.T) {
	w, types := newWorld(t, 4, 4)
	g := spawnShip(t, w, types, 1)
	s := NewBackupStore(12, nil)

	setTrail(g, 1)
	s.CaptureOrUpdate(g.Chunk(), 1)
	before, ok := s.Backup(g.Chunk(), g.Index(), 1)
	if !ok {
		t.Fatalf("expected backup at 1")
	}
	setTrail(g, 10)
	s.CaptureOrUpdate(g.Chunk(), 2)
	if !before.Stale() {
		t.Fatalf("view taken before growth should be stale")
	}

	v, ok := s.Backup(g.Chunk(), g.Index(), 1)
	if !ok {
		t.Fatalf("tick 1 lost after growth")
	}
	trail := v.Buffer(schematest.ShipTrail)
	if len(trail) != 8 || schema.GetInt32(trail, 0) != 1 || schema.GetInt32(trail, 1) != 2 {
		t.Fatalf("tick 1 trail got %v", trail)
	}
	v, _ = s.Backup(g.Chunk(), g.Index(), 2)
	if got := len(v.Buffer(schematest.ShipTrail)); got != 80 {
		t.Fatalf("tick 2 trail bytes got %d want 80", got)
	}
}

func TestCapacityChangeReallocates(t *testing.T) {
	w, types := newWorld(t, 2, 8)
	a := spawnShip(t, w, types, 1)
	spawnShip(t, w, types, 2)
	s := NewBackupStore(12, nil)
	s.CaptureOrUpdate(a.Chunk(), 1)

	spawnShip(t, w, types, 3)
	if a.Chunk().Capacity() != 4 {
		t.Fatalf("chunk capacity got %d want 4", a.Chunk().Capacity())
	}
	if _, ok := s.Backup(a.Chunk(), a.Index(), 1); ok {
		t.Fatalf("backup survived a capacity change")
	}
	s.CaptureOrUpdate(a.Chunk(), 2)
	if _, ok := s.Backup(a.Chunk(), a.Index(), 1); ok {
		t.Fatalf("reallocated blob still answers for tick 1")
	}
	if _, ok := s.Backup(a.Chunk(), 2, 2); !ok {
		t.Fatalf("expected backup of the third ship at tick 2")
	}
}

func TestBackupFollowsSwapRemove(t *testing.T) {
	w, types := newWorld(t, 4, 4)
	a := spawnShip(t, w, types, 1)
	spawnShip(t, w, types, 2)
	c := spawnShip(t, w, types, 3)
	setX(c, 33)
	s := NewBackupStore(12, nil)
	s.CaptureOrUpdate(a.Chunk(), 4)

	w.Despawn(1)
	if c.Index() != 0 {
		t.Fatalf("ghost 3 index got %d want 0", c.Index())
	}
	v, ok := s.Backup(c.Chunk(), c.Index(), 4)
	if !ok {
		t.Fatalf("expected backup for moved ghost")
	}
	if v.Entity() != c.Entity {
		t.Fatalf("entity got %d want %d", v.Entity(), c.Entity)
	}
	if got := schema.GetInt32(v.Field(schematest.ShipPosition), 0); got != 33 {
		t.Fatalf("x got %d want 33", got)
	}

	w.Spawn(types.Ship, world.SpawnedGhost{GhostID: 4, SpawnTick: 4}, schema.Predicted)
	d, _ := w.Ghost(4)
	if _, ok := s.Backup(d.Chunk(), d.Index(), 4); ok {
		t.Fatalf("ghost spawned after the capture has a backup")
	}
}

func TestMarkAndSweep(t *testing.T) {
	w, types := newWorld(t, 4, 4)
	a := spawnShip(t, w, types, 1)
	s := NewBackupStore(12, nil)

	s.BeginFrame()
	s.CaptureOrUpdate(a.Chunk(), 1)
	if freed := s.Sweep(); freed != 0 || s.Len() != 1 {
		t.Fatalf("first sweep: freed %d len %d", freed, s.Len())
	}

	s.BeginFrame()
	s.Mark(a.Chunk())
	if freed := s.Sweep(); freed != 0 {
		t.Fatalf("marked blob freed")
	}

	s.BeginFrame()
	if freed := s.Sweep(); freed != 1 || s.Len() != 0 || s.Bytes() != 0 {
		t.Fatalf("unmarked sweep: freed %d len %d bytes %d", freed, s.Len(), s.Bytes())
	}

	// the recycled arena must not leak the old occupants
	s.BeginFrame()
	s.CaptureOrUpdate(a.Chunk(), 2)
	if _, ok := s.Backup(a.Chunk(), a.Index(), 1); ok {
		t.Fatalf("recycled blob answered for tick 1")
	}
	if _, ok := s.Backup(a.Chunk(), a.Index(), 2); !ok {
		t.Fatalf("expected backup at 2")
	}
}

func TestCaptureAll(t *testing.T) {
	w, types := newWorld(t, 1, 1)
	var ghosts []*world.Ghost
	for id := world.GhostID(1); id <= 5; id++ {
		g := spawnShip(t, w, types, id)
		setX(g, int32(id)*10)
		ghosts = append(ghosts, g)
	}
	chunks := w.Chunks()
	if len(chunks) != 5 {
		t.Fatalf("chunks got %d want 5", len(chunks))
	}
	s := NewBackupStore(12, nil)
	if err := s.CaptureAll(context.Background(), chunks, 3, 2); err != nil {
		t.Fatalf("capture all: %v", err)
	}
	for _, g := range ghosts {
		v, ok := s.Backup(g.Chunk(), g.Index(), 3)
		if !ok {
			t.Fatalf("ghost %v: no backup", g.ID())
		}
		if got, want := schema.GetInt32(v.Field(schematest.ShipPosition), 0), int32(g.ID())*10; got != want {
			t.Fatalf("ghost %v: x got %d want %d", g.ID(), got, want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.CaptureAll(ctx, chunks, 4, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled capture: got %v want context.Canceled", err)
	}
}
