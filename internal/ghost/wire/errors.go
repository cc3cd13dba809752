// Package wire implements the delta-compressed snapshot packet: the client
// Decoder that fills ghost histories and stages spawns, the per-connection
// server Encoder that selects acknowledged baselines, the prefab list sync and
// the acknowledgement window shared by both.
package wire

import (
	"errors"

	"ghostsync.ai/internal/ghost/world"
)

var (
	// ErrDesync means client and server disagree on a baseline or an entity
	// size. The connection survives; the client resets its ack state so the
	// server stops using stale baselines.
	ErrDesync = errors.New("wire: snapshot desync")
	// ErrProtocol is a malformed or inconsistent packet. The connection must
	// be closed.
	ErrProtocol = errors.New("wire: protocol violation")
	// ErrMissingPrefab is reported by the spawner for ghost types the client
	// has not loaded.
	ErrMissingPrefab = world.ErrMissingPrefab
)
