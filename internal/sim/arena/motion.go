package arena

import (
	"math"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
)

// Motion rules shared by the server step and client prediction. Positions
// and velocities are in quantized units (1/PositionScale).
const (
	maxSpeed    = 600
	maxShield   = 100
	trailEvery  = 4
	trailPoints = 8
	turretTurn  = 300
	fullTurn    = 36000
	maxAmmo     = 20
	ammoEvery   = 10
	crateBob    = 32
)

func clamp(v, lo, hi int32) int32 {
	return min(max(v, lo), hi)
}

// StepShip advances ship i of c by one tick at t under in.
func StepShip(c *world.Chunk, i, shieldBit int, t tick.Tick, in Input) {
	pos := c.Field(ShipPosition, i)
	vel := c.Field(ShipVelocity, i)
	for k, thrust := range [2]int8{in.ThrustX, in.ThrustY} {
		v := schema.GetInt32(vel, k)
		if thrust == 0 {
			v -= v / 8
		} else {
			v += int32(thrust) / 4
		}
		v = clamp(v, -maxSpeed, maxSpeed)
		schema.PutInt32(vel, k, v)
		schema.PutInt32(pos, k, schema.GetInt32(pos, k)+v)
	}

	shield := c.Field(ShipShield, i)
	strength := schema.GetUint32(shield, 0)
	on := in.Shield && strength > 0
	switch {
	case on:
		strength--
	case strength < maxShield:
		strength++
	}
	schema.PutUint32(shield, 0, strength)
	c.SetEnabled(i, shieldBit, on)

	if uint32(t)%trailEvery == 0 {
		appendTrail(c, i, schema.GetInt32(pos, 0), schema.GetInt32(pos, 1))
	}
}

func appendTrail(c *world.Chunk, i int, x, y int32) {
	old := c.Buffer(ShipTrail, i)
	n := min(len(old)/8, trailPoints-1)
	b := make([]byte, 8*(n+1))
	copy(b, old[len(old)-8*n:])
	schema.PutInt32(b, 2*n, x)
	schema.PutInt32(b, 2*n+1, y)
	c.SetBuffer(ShipTrail, i, b)
}

// ExtrapolateShip moves ship i by fraction of its velocity. It is the whole
// of a partial tick; nothing else changes.
func ExtrapolateShip(c *world.Chunk, i int, fraction float32) {
	pos := c.Field(ShipPosition, i)
	vel := c.Field(ShipVelocity, i)
	for k := 0; k < 2; k++ {
		d := int32(math.Round(float64(schema.GetInt32(vel, k)) * float64(fraction)))
		schema.PutInt32(pos, k, schema.GetInt32(pos, k)+d)
	}
}

// StepTurret turns turret i and refills its ammo.
func StepTurret(c *world.Chunk, i int, t tick.Tick) {
	aim := c.Field(TurretYaw, i)
	schema.PutInt32(aim, 0, (schema.GetInt32(aim, 0)+turretTurn)%fullTurn)
	if uint32(t)%ammoEvery == 0 {
		ammo := c.Field(TurretAmmo, i)
		if n := schema.GetUint32(ammo, 0); n < maxAmmo {
			schema.PutUint32(ammo, 0, n+1)
		}
	}
}

// StepCrate bobs crate i up and down. Server only; clients interpolate.
func StepCrate(c *world.Chunk, i int, t tick.Tick) {
	phase := int32(uint32(t) % (2 * crateBob))
	z := crateBob - phase
	if z < 0 {
		z = -z
	}
	schema.PutInt32(c.Field(CratePosition, i), 2, z*10)
}
