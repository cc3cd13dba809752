package world

import (
	"errors"
	"fmt"
	"io"
	"log"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/netcode/tick"
)

// SpawnRecord describes a ghost the decoder saw for the first time. Its
// snapshot and dynamic data live in the owning queue's arena.
type SpawnRecord struct {
	// TypeIndex is the index in the server's prefab list. Type is nil when the
	// client has no matching ghost type loaded.
	TypeIndex int
	Type      *schema.GhostType
	GhostID   GhostID
	Mode      schema.Mode

	// ClientTick is the server tick of the packet that carried the spawn.
	ClientTick      tick.Tick
	ServerSpawnTick tick.Tick

	DataOffset      int
	DataSize        int
	DynamicDataSize int

	// Root is the group root id when HasRoot is set.
	Root    GhostID
	HasRoot bool
}

func (r SpawnRecord) Key() SpawnedGhost {
	return SpawnedGhost{GhostID: r.GhostID, SpawnTick: r.ServerSpawnTick}
}

// SpawnQueue collects spawn records between decode and spawn. Snapshot and
// dynamic bytes are packed into one arena, each region 16-byte aligned.
type SpawnQueue struct {
	records []SpawnRecord
	data    []byte
}

func (q *SpawnQueue) Len() int               { return len(q.records) }
func (q *SpawnQueue) Records() []SpawnRecord { return q.records }

// Stage appends a record, copying snapshot and dynamic into the arena.
func (q *SpawnQueue) Stage(rec SpawnRecord, snapshot, dynamic []byte) {
	rec.DataOffset = q.grow(len(snapshot) + schema.Align(len(dynamic)))
	rec.DataSize = len(snapshot)
	rec.DynamicDataSize = len(dynamic)
	copy(q.data[rec.DataOffset:], snapshot)
	copy(q.data[rec.DataOffset+len(snapshot):], dynamic)
	q.records = append(q.records, rec)
}

func (q *SpawnQueue) grow(n int) int {
	off := schema.Align(len(q.data))
	need := off + n
	if cap(q.data) < need {
		data := make([]byte, len(q.data), max(need, 2*cap(q.data)))
		copy(data, q.data)
		q.data = data
	}
	q.data = q.data[:need]
	clear(q.data[off:need])
	return off
}

// Snapshot returns the staged snapshot bytes of rec.
func (q *SpawnQueue) Snapshot(rec SpawnRecord) []byte {
	return q.data[rec.DataOffset : rec.DataOffset+rec.DataSize]
}

// Dynamic returns the staged buffer contents of rec.
func (q *SpawnQueue) Dynamic(rec SpawnRecord) []byte {
	off := rec.DataOffset + rec.DataSize
	return q.data[off : off+rec.DynamicDataSize]
}

// Pending reports whether a spawn for id is already staged.
func (q *SpawnQueue) Pending(id GhostID) bool {
	for _, r := range q.records {
		if r.GhostID == id {
			return true
		}
	}
	return false
}

// Drop removes staged spawns of id (a despawn arrived before the flush).
func (q *SpawnQueue) Drop(id GhostID) {
	out := q.records[:0]
	for _, r := range q.records {
		if r.GhostID != id {
			out = append(out, r)
		}
	}
	q.records = out
}

func (q *SpawnQueue) Reset() {
	q.records = q.records[:0]
	q.data = q.data[:0]
}

// Spawner turns staged records into ghosts.
type Spawner struct {
	World  *World
	Logger *log.Logger
}

// Flush spawns every staged record in order and empties the queue. Records
// whose type is not loaded are dropped; the returned error wraps
// ErrMissingPrefab for each of them so the caller can disconnect.
func (s *Spawner) Flush(q *SpawnQueue) ([]*Ghost, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	var (
		out  []*Ghost
		errs []error
	)
	for _, rec := range q.records {
		if rec.Type == nil {
			errs = append(errs, fmt.Errorf("ghost %v prefab index %d: %w", rec.GhostID, rec.TypeIndex, ErrMissingPrefab))
			continue
		}
		g, err := s.World.Spawn(rec.Type, rec.Key(), rec.Mode)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.History.InsertWithDynamic(rec.ClientTick, q.Snapshot(rec), q.Dynamic(rec))
		s.World.LoadSnapshot(g, q.Snapshot(rec), q.Dynamic(rec))
		if rec.HasRoot {
			if root, ok := s.World.Ghost(rec.Root); ok {
				s.World.Attach(root, g)
			} else {
				logger.Printf("ghost %v: group root %v not found", rec.GhostID, rec.Root)
			}
		}
		out = append(out, g)
	}
	q.Reset()
	return out, errors.Join(errs...)
}
