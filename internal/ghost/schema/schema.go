// Package schema describes replicated ghost types: their components, fields,
// per-field codecs and the snapshot byte layout derived from them. A Registry
// is finalized exactly once; layouts and hashes are fixed from then on.
package schema

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

var ErrNotFinalized = errors.New("schema: registry not finalized")

// SendRule selects which ghost modes a field is replicated to.
type SendRule uint8

const (
	SendAll SendRule = iota
	SendPredictedOnly
	SendInterpolatedOnly
)

func (s SendRule) Includes(m Mode) bool {
	switch s {
	case SendPredictedOnly:
		return m == Predicted
	case SendInterpolatedOnly:
		return m == Interpolated
	default:
		return true
	}
}

// Mode is how a client runs a ghost: interpolated from history or predicted.
type Mode uint8

const (
	Interpolated Mode = iota
	Predicted
)

func (m Mode) String() string {
	if m == Predicted {
		return "predicted"
	}
	return "interpolated"
}

type FieldDesc struct {
	Name string
	// Size is the inline byte size for value fields and the element size for
	// buffer fields.
	Size   int
	Buffer bool
	Send   SendRule
	Codec  FieldCodec
}

type ComponentDesc struct {
	Name       string
	Enableable bool
	Fields     []FieldDesc
}

// GhostType is one replicated object type. Fill the exported fields, register
// it, then Finalize the registry before any encode/decode.
type GhostType struct {
	Name         string
	Components   []ComponentDesc
	IsGhostGroup bool
	DefaultMode  Mode

	index  int
	guid   [4]uint32
	hash   uint64
	layout Layout
	fields []fieldSlot
	final  bool
}

type fieldSlot struct {
	FieldDesc
	component int
	offset    int
	maskBit   int
}

func (t *GhostType) mustFinal() {
	if !t.final {
		panic(fmt.Sprintf("schema: ghost type %q used before finalize", t.Name))
	}
}

func (t *GhostType) Index() int       { t.mustFinal(); return t.index }
func (t *GhostType) GUID() [4]uint32  { t.mustFinal(); return t.guid }
func (t *GhostType) Hash() uint64     { t.mustFinal(); return t.hash }
func (t *GhostType) Layout() *Layout  { t.mustFinal(); return &t.layout }
func (t *GhostType) FieldCount() int  { t.mustFinal(); return len(t.fields) }
func (t *GhostType) Finalized() bool  { return t.final }
func (t *GhostType) HasBuffers() bool { t.mustFinal(); return t.layout.BufferFields > 0 }

// Field returns the descriptor of flattened field i.
func (t *GhostType) Field(i int) FieldDesc { t.mustFinal(); return t.fields[i].FieldDesc }

// FieldComponent returns the component index owning flattened field i.
func (t *GhostType) FieldComponent(i int) int { t.mustFinal(); return t.fields[i].component }

// EnableBit returns the enabled-bit index of component c, or -1.
func (t *GhostType) EnableBit(c int) int {
	t.mustFinal()
	return t.layout.enableBits[c]
}

func (t *GhostType) finalize(index int) error {
	if t.final {
		return fmt.Errorf("ghost type %q finalized twice", t.Name)
	}
	if t.Name == "" {
		return fmt.Errorf("ghost type %d has no name", index)
	}
	t.index = index
	t.fields = t.fields[:0]
	t.layout.enableBits = make([]int, len(t.Components))

	h := fnv.New64a()
	h.Write([]byte(t.Name))
	var tmp [8]byte
	maskBit := 0
	enableBit := 0
	for ci, c := range t.Components {
		t.layout.enableBits[ci] = -1
		if c.Enableable {
			t.layout.enableBits[ci] = enableBit
			enableBit++
		}
		h.Write([]byte(c.Name))
		for _, f := range c.Fields {
			if f.Codec == nil {
				return fmt.Errorf("ghost type %q field %s.%s has no codec", t.Name, c.Name, f.Name)
			}
			if f.Size <= 0 || f.Size%4 != 0 {
				return fmt.Errorf("ghost type %q field %s.%s: size %d must be a positive multiple of 4", t.Name, c.Name, f.Name, f.Size)
			}
			if f.Codec.Size() != f.Size {
				return fmt.Errorf("ghost type %q field %s.%s: codec size %d != field size %d", t.Name, c.Name, f.Name, f.Codec.Size(), f.Size)
			}
			t.fields = append(t.fields, fieldSlot{FieldDesc: f, component: ci, maskBit: maskBit})
			if f.Buffer {
				maskBit += 2
				t.layout.BufferFields++
			} else {
				maskBit++
			}
			h.Write([]byte(f.Name))
			binary.LittleEndian.PutUint64(tmp[:], uint64(f.Size)<<16|uint64(f.Send)<<8|boolU64(f.Buffer))
			h.Write(tmp[:])
			h.Write([]byte(f.Codec.ID()))
		}
	}
	binary.LittleEndian.PutUint64(tmp[:], boolU64(t.IsGhostGroup))
	h.Write(tmp[:])

	t.layout.ChangeMaskBits = maskBit
	t.layout.EnableBits = enableBit
	t.layout.compute(t.fields)
	t.hash = h.Sum64()

	sum := sha256.Sum256([]byte("ghost:" + t.Name))
	for i := range t.guid {
		t.guid[i] = binary.LittleEndian.Uint32(sum[i*4:])
	}
	t.final = true
	return nil
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Registry owns every ghost type known to one side of a connection.
type Registry struct {
	mu     sync.RWMutex
	types  []*GhostType
	byGUID map[[4]uint32]*GhostType
	final  bool
}

func NewRegistry() *Registry {
	return &Registry{byGUID: map[[4]uint32]*GhostType{}}
}

func (r *Registry) Register(t *GhostType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return fmt.Errorf("register %q: registry already finalized", t.Name)
	}
	for _, e := range r.types {
		if e.Name == t.Name {
			return fmt.Errorf("register %q: duplicate ghost type", t.Name)
		}
	}
	r.types = append(r.types, t)
	return nil
}

// Finalize computes every layout. It may only run once.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final {
		return fmt.Errorf("registry finalized twice")
	}
	for i, t := range r.types {
		if err := t.finalize(i); err != nil {
			return err
		}
		if prev, ok := r.byGUID[t.guid]; ok {
			return fmt.Errorf("ghost types %q and %q share a guid", prev.Name, t.Name)
		}
		r.byGUID[t.guid] = t
	}
	r.final = true
	return nil
}

func (r *Registry) Finalized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.final
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Type returns the local type at index i.
func (r *Registry) Type(i int) (*GhostType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.final {
		return nil, ErrNotFinalized
	}
	if i < 0 || i >= len(r.types) {
		return nil, fmt.Errorf("ghost type index %d out of range [0,%d)", i, len(r.types))
	}
	return r.types[i], nil
}

func (r *Registry) ByGUID(guid [4]uint32) (*GhostType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byGUID[guid]
	return t, ok
}

func (r *Registry) ByName(name string) (*GhostType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.types {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Types returns the registered types in index order.
func (r *Registry) Types() []*GhostType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*GhostType(nil), r.types...)
}
