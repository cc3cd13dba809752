package world

import (
	"fmt"
	"math/bits"

	"ghostsync.ai/internal/netcode/tick"
)

// GhostID is the server-assigned id of a replicated object. Dynamic ids are
// recycled after despawn; ids with the high bit set belong to statically
// placed (prespawned) ghosts.
type GhostID uint32

const StaticGhostIDBase GhostID = 0x8000_0000

func (id GhostID) IsStatic() bool { return id&StaticGhostIDBase != 0 }

// Rotated moves the static bit to bit 0 so both id ranges pack into small
// wire values.
func (id GhostID) Rotated() uint32 { return bits.RotateLeft32(uint32(id), 1) }

// FromRotated undoes Rotated.
func FromRotated(v uint32) GhostID { return GhostID(bits.RotateLeft32(v, -1)) }

func (id GhostID) String() string {
	if id.IsStatic() {
		return fmt.Sprintf("static:%d", uint32(id&^StaticGhostIDBase))
	}
	return fmt.Sprintf("%d", uint32(id))
}

// SpawnedGhost is the lifetime-unique key of a ghost. Static ghosts use an
// invalid spawn tick.
type SpawnedGhost struct {
	GhostID   GhostID
	SpawnTick tick.Tick
}

// EntityID identifies a client-side entity. Never reused within a World.
type EntityID uint32

// ChunkID identifies a storage block. Never reused within a World.
type ChunkID uint64
