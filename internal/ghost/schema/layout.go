package schema

import (
	"encoding/binary"
	"fmt"

	"ghostsync.ai/internal/netcode/tick"
)

// Alignment of every field region inside a snapshot and of every buffer
// region inside dynamic data.
const Alignment = 16

// BufferRefSize is the inline footprint of a buffer field: (length, offset).
const BufferRefSize = 8

func Align(n int) int { return (n + Alignment - 1) &^ (Alignment - 1) }

// Layout is the fixed snapshot byte layout of a ghost type:
//
//	[tick:4][change mask words][enabled bit words] pad16 [field0] pad16 [field1] ...
type Layout struct {
	SnapshotSize   int
	HeaderSize     int
	ChangeMaskBits int
	EnableBits     int
	BufferFields   int
	// FieldBytes is the sum of inline field sizes without padding.
	FieldBytes int

	maskWords   int
	enableWords int
	offsets     []int
	sizes       []int
	buffers     []bool
	elems       []int
	maskBits    []int
	enableBits  []int
}

func (l *Layout) compute(fields []fieldSlot) {
	l.maskWords = (l.ChangeMaskBits + 31) / 32
	l.enableWords = (l.EnableBits + 31) / 32
	l.HeaderSize = Align(4 + 4*l.maskWords + 4*l.enableWords)
	off := l.HeaderSize
	l.offsets = make([]int, len(fields))
	l.sizes = make([]int, len(fields))
	l.buffers = make([]bool, len(fields))
	l.elems = make([]int, len(fields))
	l.maskBits = make([]int, len(fields))
	for i := range fields {
		size := fields[i].Size
		if fields[i].Buffer {
			size = BufferRefSize
		}
		fields[i].offset = off
		l.offsets[i] = off
		l.sizes[i] = size
		l.buffers[i] = fields[i].Buffer
		l.elems[i] = fields[i].Size
		l.maskBits[i] = fields[i].maskBit
		l.FieldBytes += size
		off = Align(off + size)
	}
	l.SnapshotSize = Align(off)
}

// FieldSize is the inline byte size of field i in the snapshot.
func (l *Layout) FieldSize(i int) int { return l.sizes[i] }

// MaskBit is the first change-mask bit owned by field i.
func (l *Layout) MaskBit(i int) int { return l.maskBits[i] }

func (l *Layout) EnableWords() int { return l.enableWords }

// View wraps a snapshot slot. The slice must be exactly SnapshotSize long.
func (l *Layout) View(b []byte) Snapshot {
	if len(b) != l.SnapshotSize {
		panic(fmt.Sprintf("schema: snapshot view of %d bytes, layout wants %d", len(b), l.SnapshotSize))
	}
	return Snapshot{l: l, b: b}
}

// Snapshot is a typed accessor over one snapshot's bytes.
type Snapshot struct {
	l *Layout
	b []byte
}

func (s Snapshot) Bytes() []byte { return s.b }

func (s Snapshot) Tick() tick.Tick { return tick.Tick(binary.LittleEndian.Uint32(s.b)) }

func (s Snapshot) SetTick(t tick.Tick) { binary.LittleEndian.PutUint32(s.b, uint32(t)) }

func (s Snapshot) maskWord(w int) int   { return 4 + 4*w }
func (s Snapshot) enableWord(w int) int { return 4 + 4*s.l.maskWords + 4*w }

func (s Snapshot) ChangeBit(bit int) bool {
	v := binary.LittleEndian.Uint32(s.b[s.maskWord(bit/32):])
	return v&(1<<uint(bit%32)) != 0
}

func (s Snapshot) SetChangeBit(bit int, on bool) {
	o := s.maskWord(bit / 32)
	v := binary.LittleEndian.Uint32(s.b[o:])
	if on {
		v |= 1 << uint(bit%32)
	} else {
		v &^= 1 << uint(bit%32)
	}
	binary.LittleEndian.PutUint32(s.b[o:], v)
}

// ClearChangeMask zeroes every change-mask bit.
func (s Snapshot) ClearChangeMask() {
	for w := 0; w < s.l.maskWords; w++ {
		binary.LittleEndian.PutUint32(s.b[s.maskWord(w):], 0)
	}
}

func (s Snapshot) Enabled(bit int) bool {
	v := binary.LittleEndian.Uint32(s.b[s.enableWord(bit/32):])
	return v&(1<<uint(bit%32)) != 0
}

func (s Snapshot) SetEnabled(bit int, on bool) {
	o := s.enableWord(bit / 32)
	v := binary.LittleEndian.Uint32(s.b[o:])
	if on {
		v |= 1 << uint(bit%32)
	} else {
		v &^= 1 << uint(bit%32)
	}
	binary.LittleEndian.PutUint32(s.b[o:], v)
}

// EnabledWords returns the raw enabled-bit words.
func (s Snapshot) EnabledWords() []byte {
	o := s.enableWord(0)
	return s.b[o : o+4*s.l.enableWords]
}

// Field returns the inline bytes of field i.
func (s Snapshot) Field(i int) []byte {
	o := s.l.offsets[i]
	return s.b[o : o+s.l.sizes[i]]
}

// BufferRef returns the element count and dynamic-data offset of buffer field i.
func (s Snapshot) BufferRef(i int) (length, offset uint32) {
	if !s.l.buffers[i] {
		panic(fmt.Sprintf("schema: field %d is not a buffer", i))
	}
	f := s.Field(i)
	return binary.LittleEndian.Uint32(f), binary.LittleEndian.Uint32(f[4:])
}

func (s Snapshot) SetBufferRef(i int, length, offset uint32) {
	if !s.l.buffers[i] {
		panic(fmt.Sprintf("schema: field %d is not a buffer", i))
	}
	f := s.Field(i)
	binary.LittleEndian.PutUint32(f, length)
	binary.LittleEndian.PutUint32(f[4:], offset)
}

// ElementSize is the byte size of one element of buffer field i (or the
// value size of a plain field).
func (l *Layout) ElementSize(i int) int { return l.elems[i] }

// IsBuffer reports whether field i is a buffer field.
func (l *Layout) IsBuffer(i int) bool { return l.buffers[i] }

// BufferData resolves buffer field i against the snapshot's dynamic slot.
func (s Snapshot) BufferData(i int, dynamic []byte) []byte {
	n, off := s.BufferRef(i)
	end := int(off) + int(n)*s.l.elems[i]
	if end > len(dynamic) {
		panic(fmt.Sprintf("schema: buffer field %d spans [%d,%d) past dynamic data of %d bytes", i, off, end, len(dynamic)))
	}
	return dynamic[off:end]
}

// Zero clears the whole snapshot.
func (s Snapshot) Zero() { clear(s.b) }
