package world

import (
	"errors"
	"testing"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/schema/schematest"
	"ghostsync.ai/internal/netcode/tick"
)

func newWorld(t *testing.T, cfg Config) (*World, schematest.Types) {
	t.Helper()
	types := schematest.New(t)
	w, err := New(types.Registry, cfg)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	return w, types
}

func TestNew_RequiresFinalizedRegistry(t *testing.T) {
	reg := schema.NewRegistry()
	if _, err := New(reg, Config{}); !errors.Is(err, schema.ErrNotFinalized) {
		t.Fatalf("got %v want ErrNotFinalized", err)
	}
}

func TestGhostID_RotateRoundTrip(t *testing.T) {
	for _, id := range []GhostID{0, 1, 7, StaticGhostIDBase, StaticGhostIDBase | 3} {
		if got := FromRotated(id.Rotated()); got != id {
			t.Fatalf("rotate %v: got %v", id, got)
		}
	}
	if got := (StaticGhostIDBase | 3).Rotated(); got != 7 {
		t.Fatalf("static 3 rotated: got %d want 7", got)
	}
}

func TestSpawnDespawn_SwapRemoveKeepsIndices(t *testing.T) {
	w, types := newWorld(t, Config{ChunkCapacity: 4, MaxChunkCapacity: 4})
	var gs []*Ghost
	for id := GhostID(1); id <= 3; id++ {
		g, err := w.Spawn(types.Crate, SpawnedGhost{GhostID: id, SpawnTick: 10}, schema.Interpolated)
		if err != nil {
			t.Fatalf("spawn %d: %v", id, err)
		}
		schema.PutUint32(g.Chunk().Field(schematest.CrateHealth, g.Index()), 0, uint32(id)*100)
		gs = append(gs, g)
	}
	if _, err := w.Spawn(types.Crate, SpawnedGhost{GhostID: 2, SpawnTick: 11}, schema.Interpolated); !errors.Is(err, ErrGhostExists) {
		t.Fatalf("duplicate spawn: got %v want ErrGhostExists", err)
	}

	if _, ok := w.Despawn(1); !ok {
		t.Fatalf("despawn 1 failed")
	}
	g3 := gs[2]
	if g3.Index() != 0 {
		t.Fatalf("moved ghost index: got %d want 0", g3.Index())
	}
	if got := schema.GetUint32(g3.Chunk().Field(schematest.CrateHealth, g3.Index()), 0); got != 300 {
		t.Fatalf("moved ghost health: got %d want 300", got)
	}
	if _, ok := w.Lookup(SpawnedGhost{GhostID: 1, SpawnTick: 10}); ok {
		t.Fatalf("despawned key still resolves")
	}

	// id 1 is immediately reusable with a new lifetime key
	g, err := w.Spawn(types.Crate, SpawnedGhost{GhostID: 1, SpawnTick: 20}, schema.Interpolated)
	if err != nil {
		t.Fatalf("respawn 1: %v", err)
	}
	if g.Entity == gs[0].Entity {
		t.Fatalf("entity id reused")
	}
	if got := schema.GetUint32(g.Chunk().Field(schematest.CrateHealth, g.Index()), 0); got != 0 {
		t.Fatalf("respawned ghost inherited state %d", got)
	}
}

func TestChunks_GrowThenSplit(t *testing.T) {
	w, types := newWorld(t, Config{ChunkCapacity: 2, MaxChunkCapacity: 4})
	for id := GhostID(1); id <= 5; id++ {
		if _, err := w.Spawn(types.Crate, SpawnedGhost{GhostID: id, SpawnTick: 1}, schema.Interpolated); err != nil {
			t.Fatalf("spawn %d: %v", id, err)
		}
	}
	chunks := w.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("chunks: got %d want 2", len(chunks))
	}
	if chunks[0].Capacity() != 4 || chunks[0].Count() != 4 {
		t.Fatalf("first chunk: cap=%d count=%d", chunks[0].Capacity(), chunks[0].Count())
	}
	if chunks[1].Count() != 1 {
		t.Fatalf("second chunk count: got %d", chunks[1].Count())
	}

	// predicted ghosts of the same type never share a chunk with interpolated ones
	g, _ := w.Spawn(types.Crate, SpawnedGhost{GhostID: 9, SpawnTick: 1}, schema.Predicted)
	if g.Chunk() == chunks[0] || g.Chunk() == chunks[1] {
		t.Fatalf("predicted ghost placed in interpolated chunk")
	}

	w.Despawn(5)
	if _, ok := w.ChunkByID(chunks[1].ID()); ok {
		t.Fatalf("empty chunk not dropped")
	}
}

func TestStoreLoadSnapshot(t *testing.T) {
	w, types := newWorld(t, Config{})
	src, _ := w.Spawn(types.Ship, SpawnedGhost{GhostID: 1, SpawnTick: 1}, schema.Predicted)
	c, i := src.Chunk(), src.Index()
	schema.PutInt32(c.Field(schematest.ShipPosition, i), 0, -5)
	schema.PutInt32(c.Field(schematest.ShipVelocity, i), 2, 9)
	c.SetEnabled(i, types.Ship.EnableBit(1), true)
	trail := make([]byte, 16)
	schema.PutInt32(trail, 3, 42)
	c.SetBuffer(schematest.ShipTrail, i, trail)

	raw := make([]byte, types.Ship.Layout().SnapshotSize)
	dyn := w.StoreSnapshot(src, raw, nil)
	if len(dyn) != 16 {
		t.Fatalf("dynamic: got %d bytes want 16", len(dyn))
	}
	if n, _ := types.Ship.Layout().View(raw).BufferRef(schematest.ShipTrail); n != 2 {
		t.Fatalf("trail length: got %d want 2", n)
	}

	dst, _ := w.Spawn(types.Ship, SpawnedGhost{GhostID: 2, SpawnTick: 1}, schema.Interpolated)
	w.LoadSnapshot(dst, raw, dyn)
	dc, di := dst.Chunk(), dst.Index()
	if got := schema.GetInt32(dc.Field(schematest.ShipPosition, di), 0); got != -5 {
		t.Fatalf("position: got %d want -5", got)
	}
	// velocity is predicted-only
	if got := schema.GetInt32(dc.Field(schematest.ShipVelocity, di), 2); got != 0 {
		t.Fatalf("velocity on interpolated ghost: got %d want 0", got)
	}
	if !dc.Enabled(di, types.Ship.EnableBit(1)) {
		t.Fatalf("shield enabled bit lost")
	}
	if got := schema.GetInt32(dc.Buffer(schematest.ShipTrail, di), 3); got != 42 {
		t.Fatalf("trail: got %d want 42", got)
	}
}

func TestSpawner_FlushAndMissingPrefab(t *testing.T) {
	w, types := newWorld(t, Config{})
	var q SpawnQueue

	raw := make([]byte, types.Ship.Layout().SnapshotSize)
	s := types.Ship.Layout().View(raw)
	schema.PutInt32(s.Field(schematest.ShipPosition), 0, 77)
	q.Stage(SpawnRecord{Type: types.Ship, TypeIndex: 1, GhostID: 4, Mode: schema.Predicted, ClientTick: 30, ServerSpawnTick: 28}, raw, nil)

	turret := make([]byte, types.Turret.Layout().SnapshotSize)
	q.Stage(SpawnRecord{Type: types.Turret, TypeIndex: 2, GhostID: 5, Mode: schema.Predicted, ClientTick: 30, ServerSpawnTick: 28, Root: 4, HasRoot: true}, turret, nil)
	q.Stage(SpawnRecord{TypeIndex: 9, GhostID: 6, ClientTick: 30, ServerSpawnTick: 28}, raw, nil)

	if !q.Pending(5) || q.Pending(7) {
		t.Fatalf("pending lookup wrong")
	}

	sp := &Spawner{World: w}
	spawned, err := sp.Flush(&q)
	if !errors.Is(err, ErrMissingPrefab) {
		t.Fatalf("flush error: got %v want ErrMissingPrefab", err)
	}
	if len(spawned) != 2 || q.Len() != 0 {
		t.Fatalf("spawned=%d queued=%d", len(spawned), q.Len())
	}
	ship, ok := w.Lookup(SpawnedGhost{GhostID: 4, SpawnTick: 28})
	if !ok {
		t.Fatalf("ship not spawned under its lifetime key")
	}
	if ship.History.LatestTick() != tick.Tick(30) {
		t.Fatalf("history tick: got %v want 30", ship.History.LatestTick())
	}
	if got := schema.GetInt32(ship.Chunk().Field(schematest.ShipPosition, ship.Index()), 0); got != 77 {
		t.Fatalf("live position: got %d want 77", got)
	}
	turretGhost, _ := w.Ghost(5)
	if turretGhost.Root != ship || len(ship.Children) != 1 {
		t.Fatalf("group link missing")
	}
	if _, ok := w.Ghost(6); ok {
		t.Fatalf("missing-prefab ghost was spawned")
	}
}
