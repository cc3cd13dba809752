package arena

import (
	"context"
	"math"
	"testing"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/protocol"
)

func newTypes(t *testing.T) Types {
	t.Helper()
	types, err := NewTypes()
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	return types
}

func TestArenaJoinLeaveReusesIDs(t *testing.T) {
	types := newTypes(t)
	a, err := New(types, Config{StaticCrates: 3, MaxShips: 2})
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	if a.World.Len() != 3 {
		t.Fatalf("world len got %d want 3 crates", a.World.Len())
	}
	first, err := a.Join()
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	ship, _ := a.World.Ghost(first)
	if len(ship.Children) != 1 {
		t.Fatalf("ship children got %v", ship.Children)
	}
	turret := ship.Children[0]
	if _, err := a.Join(); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if _, err := a.Join(); err != ErrFull {
		t.Fatalf("third join got %v want ErrFull", err)
	}

	a.Leave(first)
	if _, ok := a.World.Ghost(first); ok {
		t.Fatalf("ship %v still present after leave", first)
	}
	if _, err := a.Join(); err != ErrFull {
		t.Fatalf("ids freed this tick were reused: %v", err)
	}
	a.Step()
	again, err := a.Join()
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if again != first {
		t.Fatalf("rejoin got ship %v want reused id %v", again, first)
	}
	g, _ := a.World.Ghost(again)
	if g.Children[0] != turret {
		t.Fatalf("rejoin turret got %v want %v", g.Children[0], turret)
	}
}

func TestStepShip(t *testing.T) {
	types := newTypes(t)
	a, err := New(types, Config{})
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	id, _ := a.Join()
	a.SetInput(id, Input{ThrustX: 40, Shield: true})
	for i := 0; i < 4; i++ {
		a.Step()
	}
	g, _ := a.World.Ghost(id)
	c, i := g.Chunk(), g.Index()
	// velocity 10, 20, 30, 40
	if got := schema.GetInt32(c.Field(ShipPosition, i), 0); got != int32(id)*500+100 {
		t.Fatalf("x got %d want %d", got, int32(id)*500+100)
	}
	if !c.Enabled(i, types.ShieldBit()) {
		t.Fatalf("shield should be on")
	}
	if got := schema.GetUint32(c.Field(ShipShield, i), 0); got != maxShield-4 {
		t.Fatalf("shield strength got %d want %d", got, maxShield-4)
	}
	// one trail point at tick 4
	if got := len(c.Buffer(ShipTrail, i)); got != 8 {
		t.Fatalf("trail bytes got %d want 8", got)
	}

	for k := 0; k < 4*trailPoints; k++ {
		a.Step()
	}
	if got := len(c.Buffer(ShipTrail, g.Index())); got != 8*trailPoints {
		t.Fatalf("trail bytes got %d want %d", got, 8*trailPoints)
	}
}

func TestCheckPrefabs(t *testing.T) {
	types := newTypes(t)
	refs := PrefabRefs(types.Registry)
	if e := CheckPrefabs(types.Registry, refs); e != nil {
		t.Fatalf("matching prefabs rejected: %+v", e)
	}
	if e := CheckPrefabs(types.Registry, refs[1:]); e == nil || e.Code != protocol.ErrMissingPrefab {
		t.Fatalf("missing prefab got %+v", e)
	}
	bad := append([]protocol.PrefabRef(nil), refs...)
	bad[0].Hash = "0000000000000000"
	if e := CheckPrefabs(types.Registry, bad); e == nil || e.Code != protocol.ErrPrefabMismatch {
		t.Fatalf("hash mismatch got %+v", e)
	}
}

func TestInputBytes(t *testing.T) {
	in := Input{ThrustX: -3, ThrustY: 127, Shield: true}
	if got := ParseInput(in.Bytes()); got != in {
		t.Fatalf("input got %+v want %+v", got, in)
	}
	if got := ParseInput(nil); got != (Input{}) {
		t.Fatalf("short input got %+v", got)
	}
	if got := InputFromMsg(in.Msg(9)); got != in {
		t.Fatalf("input via msg got %+v", got)
	}
}

// loop drives a host and one replica in lockstep, feeding each packet to the
// replica and its ack back to the host on the next tick.
type loop struct {
	t       *testing.T
	host    *Host
	replica *Replica
	out     chan Frame
	session string
	pending []Envelope
}

func newLoop(t *testing.T, crates int, sizeHeaders bool) *loop {
	t.Helper()
	types := newTypes(t)
	a, err := New(types, Config{StaticCrates: crates})
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	h, err := NewHost(a, HostConfig{TickRateHz: 30, Workers: 2}, nil, nil)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	clientTypes := newTypes(t)
	r, err := NewReplica(clientTypes, ReplicaConfig{SizeHeaders: sizeHeaders, StaticCrates: crates}, nil, nil)
	if err != nil {
		t.Fatalf("replica: %v", err)
	}
	l := &loop{t: t, host: h, replica: r, out: make(chan Frame, 8)}
	resp := make(chan JoinResponse, 1)
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "test",
		Capabilities:    protocol.HelloCapabilities{SizeHeaders: sizeHeaders, Prediction: true},
		Prefabs:         PrefabRefs(clientTypes.Registry),
	}
	if err := h.Step(context.Background(), []JoinRequest{{Hello: hello, Out: l.out, Resp: resp}}, nil, nil); err != nil {
		t.Fatalf("join step: %v", err)
	}
	jr := <-resp
	if jr.Error != nil {
		t.Fatalf("join refused: %+v", jr.Error)
	}
	if jr.Welcome.Session.SizeHeaders != sizeHeaders {
		t.Fatalf("size headers got %v want %v", jr.Welcome.Session.SizeHeaders, sizeHeaders)
	}
	l.session = jr.Welcome.SessionID
	r.Owned = world.GhostID(jr.Welcome.OwnedGhost)
	l.receive()
	return l
}

func (l *loop) receive() {
	l.t.Helper()
	f := <-l.out
	if !f.Binary {
		l.t.Fatalf("expected a binary frame")
	}
	_, ack, err := l.replica.HandlePacket(f.Data)
	if err != nil {
		l.t.Fatalf("handle packet: %v", err)
	}
	l.pending = append(l.pending, Envelope{Session: l.session, Ack: &ack})
}

func (l *loop) step(envs ...Envelope) {
	l.t.Helper()
	envs = append(l.pending, envs...)
	l.pending = nil
	if err := l.host.Step(context.Background(), nil, nil, envs); err != nil {
		l.t.Fatalf("step: %v", err)
	}
	l.receive()
}

func position(g *world.Ghost) (int32, int32) {
	p := g.Chunk().Field(ShipPosition, g.Index())
	return schema.GetInt32(p, 0), schema.GetInt32(p, 1)
}

func TestReplicaTracksServer(t *testing.T) {
	for _, headers := range []bool{false, true} {
		l := newLoop(t, 4, headers)
		for i := 0; i < 10; i++ {
			l.step()
		}
		if got, want := l.replica.LatestTick(), l.host.Arena().Tick(); got != want {
			t.Fatalf("headers=%v: latest tick got %v want %v", headers, got, want)
		}
		server := l.host.Arena().World
		if got, want := l.replica.World.Len(), server.Len(); got != want {
			t.Fatalf("headers=%v: client ghosts got %d want %d", headers, got, want)
		}
		for _, sg := range server.Ghosts() {
			cg, ok := l.replica.World.Ghost(sg.ID())
			if !ok {
				t.Fatalf("headers=%v: client is missing ghost %v", headers, sg.ID())
			}
			raw, _, ok := cg.History.SnapshotAt(l.replica.LatestTick())
			if !ok {
				t.Fatalf("headers=%v: ghost %v has no snapshot at %v", headers, sg.ID(), l.replica.LatestTick())
			}
			want := make([]byte, sg.Type.Layout().SnapshotSize)
			server.StoreSnapshot(sg, want, nil)
			lay := sg.Type.Layout()
			for f := 0; f < sg.Type.FieldCount(); f++ {
				if lay.IsBuffer(f) {
					continue
				}
				if string(lay.View(raw).Field(f)) != string(lay.View(want).Field(f)) {
					t.Fatalf("headers=%v: ghost %v field %d differs", headers, sg.ID(), f)
				}
			}
		}
		ship, ok := l.replica.Ship()
		if !ok || len(ship.Children) != 1 {
			t.Fatalf("headers=%v: owned ship missing or without turret", headers)
		}
	}
}

func TestReplicaPredictsOwnInput(t *testing.T) {
	l := newLoop(t, 0, true)
	for i := 0; i < 3; i++ {
		l.step()
	}
	base := l.replica.LatestTick()
	in := Input{ThrustX: 20, ThrustY: -8}
	for k := uint32(1); k <= 2; k++ {
		l.replica.AddInput(base.Add(k), in)
	}
	plan, ok, err := l.replica.Predict(context.Background(), base.Add(2), 0)
	if !ok || err != nil {
		t.Fatalf("predict: ok=%v err=%v", ok, err)
	}
	if !plan.SeedFromSnapshot || plan.Seed != base {
		t.Fatalf("plan got %+v", plan)
	}

	msg := in.Msg(base.Add(1))
	l.step(Envelope{Session: l.session, Input: &msg})
	l.step()
	if l.host.Arena().Tick() != base.Add(2) {
		t.Fatalf("server tick got %v want %v", l.host.Arena().Tick(), base.Add(2))
	}
	sg, _ := l.host.Arena().World.Ghost(l.replica.Owned)
	cg, _ := l.replica.Ship()
	sx, sy := position(sg)
	cx, cy := position(cg)
	if sx != cx || sy != cy {
		t.Fatalf("predicted (%d,%d) server (%d,%d)", cx, cy, sx, sy)
	}

	// a partial tick moves the ship and is undone by the next frame
	if _, ok, err := l.replica.Predict(context.Background(), base.Add(2), 0.5); !ok || err != nil {
		t.Fatalf("partial predict: ok=%v err=%v", ok, err)
	}
	if px, _ := position(cg); px == cx {
		t.Fatalf("partial tick did not move the ship")
	}
	if _, _, err := l.replica.Predict(context.Background(), base.Add(2), 0); err != nil {
		t.Fatalf("predict: %v", err)
	}
	if px, py := position(cg); px != cx || py != cy {
		t.Fatalf("after partial got (%d,%d) want (%d,%d)", px, py, cx, cy)
	}
}

func TestLeaveDespawnsOnClient(t *testing.T) {
	l := newLoop(t, 0, false)
	l.step()
	resp := make(chan JoinResponse, 1)
	other := make(chan Frame, 8)
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "other"}
	if err := l.host.Step(context.Background(), []JoinRequest{{Hello: hello, Out: other, Resp: resp}}, nil, l.pending); err != nil {
		t.Fatalf("join step: %v", err)
	}
	l.pending = nil
	l.receive()
	jr := <-resp
	otherShip := world.GhostID(jr.Welcome.OwnedGhost)
	l.step()
	if _, ok := l.replica.World.Ghost(otherShip); !ok {
		t.Fatalf("client never saw ship %v", otherShip)
	}

	if err := l.host.Step(context.Background(), nil, []string{jr.Welcome.SessionID}, l.pending); err != nil {
		t.Fatalf("leave step: %v", err)
	}
	l.pending = nil
	l.receive()
	if _, ok := l.replica.World.Ghost(otherShip); ok {
		t.Fatalf("ship %v still on the client after leave", otherShip)
	}
	if got := len(l.host.Sessions()); got != 1 {
		t.Fatalf("sessions got %d want 1", got)
	}
}

func TestReplicaInterpolatesCrates(t *testing.T) {
	l := newLoop(t, 2, false)
	for i := 0; i < 6; i++ {
		l.step()
	}
	latest := l.replica.LatestTick()
	crate := world.StaticGhostIDBase + 1

	sg, _ := l.host.Arena().World.Ghost(crate)
	want := schema.GetInt32(sg.Chunk().Field(CratePosition, sg.Index()), 2)
	got, ok := l.replica.Position(crate, latest, 1)
	if !ok {
		t.Fatalf("no position for crate at %v", latest)
	}
	if got[2] != float32(want)/PositionScale {
		t.Fatalf("z at %v: got %v want %v", latest, got[2], float32(want)/PositionScale)
	}

	cg, _ := l.replica.World.Ghost(crate)
	lay := cg.Type.Layout()
	prev, _, ok := cg.History.SnapshotAt(latest.Prev())
	if !ok {
		t.Fatalf("no snapshot at %v", latest.Prev())
	}
	zPrev := schema.GetInt32(lay.View(prev).Field(CratePosition), 2)
	mid, ok := l.replica.Position(crate, latest, 0.5)
	if !ok {
		t.Fatalf("no position half way to %v", latest)
	}
	if wantMid := float32(zPrev+want) / 2 / PositionScale; math.Abs(float64(mid[2]-wantMid)) > 1e-4 {
		t.Fatalf("z half way to %v: got %v want %v", latest, mid[2], wantMid)
	}

	// turrets carry no position
	if _, ok := l.replica.Position(world.GhostID(2), latest, 1); ok {
		t.Fatalf("turret reported a position")
	}
}
