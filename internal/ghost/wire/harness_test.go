package wire

import (
	"bytes"
	"testing"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/schema/schematest"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
)

// pipe connects a server world to a client world through one encoder
// connection and one decoder, acknowledging every decoded packet.
type pipe struct {
	t       *testing.T
	types   schematest.Types
	server  *world.World
	enc     *Encoder
	conn    *Connection
	client  *world.World
	queue   *world.SpawnQueue
	dec     *Decoder
	spawner *world.Spawner
	ack     AckState
}

func newPipe(t *testing.T, sizeHeaders bool) *pipe {
	t.Helper()
	types := schematest.New(t)
	return newPipeWith(t, types, types.Registry, sizeHeaders)
}

func newPipeWith(t *testing.T, types schematest.Types, clientReg *schema.Registry, sizeHeaders bool) *pipe {
	t.Helper()
	server, err := world.New(types.Registry, world.Config{})
	if err != nil {
		t.Fatalf("server world: %v", err)
	}
	client, err := world.New(clientReg, world.Config{})
	if err != nil {
		t.Fatalf("client world: %v", err)
	}
	enc, err := NewEncoder(server, EncoderOptions{SizeHeaders: sizeHeaders}, nil)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	q := &world.SpawnQueue{}
	dec, err := NewDecoder(clientReg, client, q, DecoderOptions{SizeHeaders: sizeHeaders}, nil, nil)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return &pipe{
		t: t, types: types, server: server, enc: enc, conn: enc.NewConnection(),
		client: client, queue: q, dec: dec, spawner: &world.Spawner{World: client},
	}
}

// step sends one packet and returns the decode result and the spawner error.
func (p *pipe) step(at tick.Tick) (DecodeResult, error) {
	p.t.Helper()
	packet, _ := p.conn.Encode(at)
	res, err := p.dec.Decode(append([]byte(nil), packet...))
	if err != nil {
		p.t.Fatalf("decode tick %v: %v", at, err)
	}
	_, spawnErr := p.spawner.Flush(p.queue)
	if res.Desync != nil {
		p.ack.Reset()
		p.conn.Acknowledge(tick.Invalid, 0, true)
		return res, spawnErr
	}
	p.ack.Record(res.Tick)
	p.conn.Acknowledge(p.ack.Latest(), p.ack.Mask(), false)
	return res, spawnErr
}

func (p *pipe) spawn(typ *schema.GhostType, id world.GhostID, spawnTick tick.Tick) *world.Ghost {
	p.t.Helper()
	g, err := p.server.Spawn(typ, world.SpawnedGhost{GhostID: id, SpawnTick: spawnTick}, typ.DefaultMode)
	if err != nil {
		p.t.Fatalf("server spawn %v: %v", id, err)
	}
	return g
}

func setI32(g *world.Ghost, f, comp int, v int32) {
	schema.PutInt32(g.Chunk().Field(f, g.Index()), comp, v)
}

func setU32(g *world.Ghost, f int, v uint32) {
	schema.PutUint32(g.Chunk().Field(f, g.Index()), 0, v)
}

func setTrail(g *world.Ghost, pts ...int32) {
	b := make([]byte, 4*len(pts))
	for i, v := range pts {
		schema.PutInt32(b, i, v)
	}
	g.Chunk().SetBuffer(schematest.ShipTrail, g.Index(), b)
}

// requireSynced checks that the client's newest snapshot of id carries the
// server's current state for every field replicated to its mode.
func (p *pipe) requireSynced(id world.GhostID) {
	p.t.Helper()
	sg, ok := p.server.Ghost(id)
	if !ok {
		p.t.Fatalf("server has no ghost %v", id)
	}
	cg, ok := p.client.Ghost(id)
	if !ok {
		p.t.Fatalf("client has no ghost %v", id)
	}
	typ := sg.Type
	l := typ.Layout()
	want := make([]byte, l.SnapshotSize)
	wantDyn := p.server.StoreSnapshot(sg, want, nil)

	got, idx, ok := cg.History.Latest()
	if !ok {
		p.t.Fatalf("client ghost %v has empty history", id)
	}
	var gotDyn []byte
	if d := cg.History.Dynamic(); d != nil {
		gotDyn = d.Slot(idx)
	}
	ws, gs := l.View(want), l.View(got)
	for f := 0; f < typ.FieldCount(); f++ {
		if !typ.Field(f).Send.Includes(typ.DefaultMode) {
			continue
		}
		if l.IsBuffer(f) {
			if a, b := gs.BufferData(f, gotDyn), ws.BufferData(f, wantDyn); !bytes.Equal(a, b) {
				p.t.Fatalf("ghost %v %s: got %v want %v", id, typ.Field(f).Name, a, b)
			}
			continue
		}
		if !bytes.Equal(gs.Field(f), ws.Field(f)) {
			p.t.Fatalf("ghost %v %s: got %v want %v", id, typ.Field(f).Name, gs.Field(f), ws.Field(f))
		}
	}
	if !bytes.Equal(gs.EnabledWords(), ws.EnabledWords()) {
		p.t.Fatalf("ghost %v enabled bits: got %v want %v", id, gs.EnabledWords(), ws.EnabledWords())
	}
}
