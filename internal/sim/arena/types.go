// Package arena is the demo game replicated by ghostsync: ships with a turret
// child flying around a field of static crates. The server owns an Arena and
// a Host; every client runs a Replica that decodes snapshots and predicts its
// own ship.
package arena

import (
	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
)

// Flattened field indices.
const (
	ShipPosition = 0
	ShipVelocity = 1
	ShipShield   = 2
	ShipTrail    = 3

	TurretYaw  = 0
	TurretAmmo = 1

	CratePosition = 0
	CrateHealth   = 1
)

// shieldComponent is the component index of the enableable shield.
const shieldComponent = 1

// PositionScale quantizes world units to centimetres on the wire.
const PositionScale = 100

type Types struct {
	Registry *schema.Registry
	Ship     *schema.GhostType
	Turret   *schema.GhostType
	Crate    *schema.GhostType
}

// NewTypes builds and finalizes the arena registry. The index order (Ship,
// Turret, Crate) is part of the protocol; server and client call this same
// function.
func NewTypes() (Types, error) {
	position := schema.QuantizedFloatCodec{Components: 3, Scale: PositionScale}
	t := Types{
		Registry: schema.NewRegistry(),
		Ship: &schema.GhostType{
			Name:         "Ship",
			IsGhostGroup: true,
			DefaultMode:  schema.Predicted,
			Components: []schema.ComponentDesc{
				{Name: "Motion", Fields: []schema.FieldDesc{
					{Name: "position", Size: 12, Codec: position},
					{Name: "velocity", Size: 12, Codec: schema.Int32Codec{Components: 3}, Send: schema.SendPredictedOnly},
				}},
				{Name: "Shield", Enableable: true, Fields: []schema.FieldDesc{
					{Name: "strength", Size: 4, Codec: schema.UInt32Codec{}},
				}},
				{Name: "Trail", Fields: []schema.FieldDesc{
					{Name: "points", Size: 8, Buffer: true, Codec: schema.Int32Codec{Components: 2}},
				}},
			},
		},
		Turret: &schema.GhostType{
			Name:        "Turret",
			DefaultMode: schema.Predicted,
			Components: []schema.ComponentDesc{
				{Name: "Aim", Fields: []schema.FieldDesc{
					{Name: "yaw", Size: 4, Codec: schema.Int32Codec{}},
					{Name: "ammo", Size: 4, Codec: schema.UInt32Codec{}},
				}},
			},
		},
		Crate: &schema.GhostType{
			Name:        "Crate",
			DefaultMode: schema.Interpolated,
			Components: []schema.ComponentDesc{
				{Name: "Transform", Fields: []schema.FieldDesc{
					{Name: "position", Size: 12, Codec: position},
				}},
				{Name: "Health", Fields: []schema.FieldDesc{
					{Name: "value", Size: 4, Codec: schema.UInt32Codec{}},
				}},
			},
		},
	}
	for _, gt := range []*schema.GhostType{t.Ship, t.Turret, t.Crate} {
		if err := t.Registry.Register(gt); err != nil {
			return Types{}, err
		}
	}
	if err := t.Registry.Finalize(); err != nil {
		return Types{}, err
	}
	return t, nil
}

// ShieldBit is the enabled bit of the ship shield.
func (t Types) ShieldBit() int { return t.Ship.EnableBit(shieldComponent) }

// Prespawn is the initial snapshot of a statically placed ghost, known to
// both ends before any packet is exchanged.
type Prespawn struct {
	ID       world.GhostID
	Type     *schema.GhostType
	Snapshot []byte
}

const crateHealth = 100

// CratePrespawns lays out n crates on a grid. Server and client derive the
// same bytes from n.
func (t Types) CratePrespawns(n int) []Prespawn {
	out := make([]Prespawn, 0, n)
	l := t.Crate.Layout()
	for i := 0; i < n; i++ {
		raw := make([]byte, l.SnapshotSize)
		s := l.View(raw)
		x, y := int32(i%8)*1000, int32(i/8)*1000
		schema.PutInt32(s.Field(CratePosition), 0, x)
		schema.PutInt32(s.Field(CratePosition), 1, y)
		schema.PutUint32(s.Field(CrateHealth), 0, crateHealth)
		out = append(out, Prespawn{ID: world.StaticGhostIDBase + world.GhostID(i), Type: t.Crate, Snapshot: raw})
	}
	return out
}
