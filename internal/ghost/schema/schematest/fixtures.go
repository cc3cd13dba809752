// Package schematest provides a small fixed set of ghost types shared by the
// history, wire and predict tests.
//
// Field indices (flattened):
//
//	Crate:  0 position(i32x3) 1 health(u32)
//	Ship:   0 position(i32x3) 1 velocity(i32x3) 2 shield(u32, enableable) 3 trail(buffer of i32x2)
//	Turret: 0 aim(i32) 1 ammo(u32)
package schematest

import (
	"testing"

	"ghostsync.ai/internal/ghost/schema"
)

const (
	CratePosition = 0
	CrateHealth   = 1

	ShipPosition = 0
	ShipVelocity = 1
	ShipShield   = 2
	ShipTrail    = 3

	TurretAim  = 0
	TurretAmmo = 1
)

type Types struct {
	Registry *schema.Registry
	Crate    *schema.GhostType
	Ship     *schema.GhostType
	Turret   *schema.GhostType
}

func NewCrate() *schema.GhostType {
	return &schema.GhostType{
		Name: "Crate",
		Components: []schema.ComponentDesc{
			{Name: "Transform", Fields: []schema.FieldDesc{
				{Name: "position", Size: 12, Codec: schema.Int32Codec{Components: 3}},
			}},
			{Name: "Health", Fields: []schema.FieldDesc{
				{Name: "value", Size: 4, Codec: schema.UInt32Codec{}},
			}},
		},
	}
}

func NewShip() *schema.GhostType {
	return &schema.GhostType{
		Name:         "Ship",
		IsGhostGroup: true,
		DefaultMode:  schema.Predicted,
		Components: []schema.ComponentDesc{
			{Name: "Transform", Fields: []schema.FieldDesc{
				{Name: "position", Size: 12, Codec: schema.Int32Codec{Components: 3}},
				{Name: "velocity", Size: 12, Codec: schema.Int32Codec{Components: 3}, Send: schema.SendPredictedOnly},
			}},
			{Name: "Shield", Enableable: true, Fields: []schema.FieldDesc{
				{Name: "strength", Size: 4, Codec: schema.UInt32Codec{}},
			}},
			{Name: "Trail", Fields: []schema.FieldDesc{
				{Name: "points", Size: 8, Buffer: true, Codec: schema.Int32Codec{Components: 2}},
			}},
		},
	}
}

func NewTurret() *schema.GhostType {
	return &schema.GhostType{
		Name:        "Turret",
		DefaultMode: schema.Predicted,
		Components: []schema.ComponentDesc{
			{Name: "Aim", Fields: []schema.FieldDesc{
				{Name: "yaw", Size: 4, Codec: schema.Int32Codec{}},
				{Name: "ammo", Size: 4, Codec: schema.UInt32Codec{}},
			}},
		},
	}
}

// New builds and finalizes a registry holding Crate, Ship and Turret in that
// index order.
func New(t testing.TB) Types {
	t.Helper()
	reg := schema.NewRegistry()
	out := Types{Registry: reg, Crate: NewCrate(), Ship: NewShip(), Turret: NewTurret()}
	for _, gt := range []*schema.GhostType{out.Crate, out.Ship, out.Turret} {
		if err := reg.Register(gt); err != nil {
			t.Fatalf("register %s: %v", gt.Name, err)
		}
	}
	if err := reg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return out
}
