package wire

import (
	"fmt"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/netcode/bitstream"
)

// maxPrefabsPerPacket bounds the prefab sync block of a single packet.
const maxPrefabsPerPacket = 4096

// PrefabEntry is one server ghost type as announced on the wire.
type PrefabEntry struct {
	GUID [4]uint32
	Hash uint64
	// Type is the matching local type, nil when not loaded.
	Type *schema.GhostType
}

// PrefabList maps server type indices to local ghost types. Entries arrive
// in server order and are resent until acknowledged, so duplicates are
// expected and skipped.
type PrefabList struct {
	reg     *schema.Registry
	entries []PrefabEntry
	byGUID  map[[4]uint32]int
}

func newPrefabList(reg *schema.Registry) *PrefabList {
	return &PrefabList{reg: reg, byGUID: map[[4]uint32]int{}}
}

func (p *PrefabList) Len() int { return len(p.entries) }

func (p *PrefabList) Entry(i int) PrefabEntry { return p.entries[i] }

// Type resolves a server type index. ok is false for an index never
// announced; a nil type with ok set means the type is not loaded locally.
func (p *PrefabList) Type(index int) (*schema.GhostType, bool) {
	if index < 0 || index >= len(p.entries) {
		return nil, false
	}
	return p.entries[index].Type, true
}

// Missing lists the announced GUIDs that have no local type.
func (p *PrefabList) Missing() [][4]uint32 {
	var out [][4]uint32
	for _, e := range p.entries {
		if e.Type == nil {
			out = append(out, e.GUID)
		}
	}
	return out
}

func (p *PrefabList) reset() {
	p.entries = p.entries[:0]
	clear(p.byGUID)
}

// read consumes a prefab sync block. A GUID known locally under a different
// hash is a protocol violation.
func (p *PrefabList) read(r *bitstream.Reader) (added int, err error) {
	n := r.ReadPackedUInt()
	if n > maxPrefabsPerPacket {
		return 0, fmt.Errorf("prefab block of %d entries: %w", n, ErrProtocol)
	}
	for i := uint32(0); i < n; i++ {
		var e PrefabEntry
		for k := range e.GUID {
			e.GUID[k] = r.ReadUInt32()
		}
		hi, lo := r.ReadUInt32(), r.ReadUInt32()
		e.Hash = uint64(hi)<<32 | uint64(lo)
		if r.HasFailed() {
			return added, fmt.Errorf("prefab block: %v: %w", r.Err(), ErrProtocol)
		}
		if idx, ok := p.byGUID[e.GUID]; ok {
			if p.entries[idx].Hash != e.Hash {
				return added, fmt.Errorf("prefab %08x re-announced with hash %016x (was %016x): %w", e.GUID[0], e.Hash, p.entries[idx].Hash, ErrProtocol)
			}
			continue
		}
		if t, ok := p.reg.ByGUID(e.GUID); ok {
			if t.Hash() != e.Hash {
				return added, fmt.Errorf("ghost type %q hash %016x, server has %016x: %w", t.Name, t.Hash(), e.Hash, ErrProtocol)
			}
			e.Type = t
		}
		p.byGUID[e.GUID] = len(p.entries)
		p.entries = append(p.entries, e)
		added++
	}
	return added, nil
}

// writePrefabs announces types[from:].
func writePrefabs(w *bitstream.Writer, types []*schema.GhostType, from int) {
	if from > len(types) {
		from = len(types)
	}
	w.WritePackedUInt(uint32(len(types) - from))
	for _, t := range types[from:] {
		for _, g := range t.GUID() {
			w.WriteUInt32(g)
		}
		h := t.Hash()
		w.WriteUInt32(uint32(h >> 32))
		w.WriteUInt32(uint32(h))
	}
}
