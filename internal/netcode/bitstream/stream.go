// Package bitstream provides the LSB-first bit writer/reader shared by the
// snapshot encoder and decoder, plus the fixed packed-integer model.
package bitstream

import (
	"errors"
	"fmt"
)

var ErrOverflow = errors.New("bitstream: read past end of data")

// Writer appends bits to a growable byte buffer.
type Writer struct {
	buf     []byte
	scratch uint64
	nbits   uint
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.scratch = 0
	w.nbits = 0
}

// LengthInBits is the number of bits written so far.
func (w *Writer) LengthInBits() int {
	return len(w.buf)*8 + int(w.nbits)
}

// Bytes pads the pending bits to a byte boundary and returns the buffer.
// The writer stays usable; further writes start on the next byte.
func (w *Writer) Bytes() []byte {
	w.flush()
	if w.nbits > 0 {
		w.buf = append(w.buf, byte(w.scratch))
		w.scratch = 0
		w.nbits = 0
	}
	return w.buf
}

func (w *Writer) flush() {
	for w.nbits >= 8 {
		w.buf = append(w.buf, byte(w.scratch))
		w.scratch >>= 8
		w.nbits -= 8
	}
}

// WriteRawBits writes the low n bits of v, n in [0,32].
func (w *Writer) WriteRawBits(v uint32, n int) {
	if n < 0 || n > 32 {
		panic(fmt.Sprintf("bitstream: invalid bit count %d", n))
	}
	if n == 0 {
		return
	}
	mask := uint64(1)<<uint(n) - 1
	w.scratch |= (uint64(v) & mask) << w.nbits
	w.nbits += uint(n)
	w.flush()
}

func (w *Writer) WriteBool(b bool) {
	if b {
		w.WriteRawBits(1, 1)
		return
	}
	w.WriteRawBits(0, 1)
}

func (w *Writer) WriteUInt32(v uint32) { w.WriteRawBits(v, 32) }

func (w *Writer) WritePackedUInt(v uint32) {
	b := bucketFor(v)
	w.WriteRawBits(encCodes[b], int(codeLengths[b]))
	w.WriteRawBits(v-bucketOffsets[b], int(bucketBits[b]))
}

func (w *Writer) WritePackedInt(v int32) { w.WritePackedUInt(zigzag(v)) }

// WritePackedUIntDelta writes v relative to baseline; wraparound is intended.
func (w *Writer) WritePackedUIntDelta(v, baseline uint32) {
	w.WritePackedInt(int32(v - baseline))
}

func (w *Writer) WritePackedIntDelta(v, baseline int32) {
	w.WritePackedInt(int32(uint32(v) - uint32(baseline)))
}

// Append copies every bit written to other onto w.
func (w *Writer) Append(other *Writer) {
	for _, b := range other.buf {
		w.WriteRawBits(uint32(b), 8)
	}
	if other.nbits > 0 {
		w.WriteRawBits(uint32(other.scratch), int(other.nbits))
	}
}

// Reader consumes bits written by Writer. Errors are sticky: once a read
// overflows every later read returns zero and Err reports ErrOverflow.
type Reader struct {
	data    []byte
	pos     int
	scratch uint64
	nbits   uint
	err     error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Err() error     { return r.err }
func (r *Reader) HasFailed() bool { return r.err != nil }

// BitPosition is the number of bits consumed so far.
func (r *Reader) BitPosition() int {
	return r.pos*8 - int(r.nbits)
}

// LengthInBits is the total number of bits available.
func (r *Reader) LengthInBits() int { return len(r.data) * 8 }

// SeekBits repositions the reader to an absolute bit offset.
func (r *Reader) SeekBits(bit int) {
	if bit < 0 || bit > len(r.data)*8 {
		r.err = ErrOverflow
		return
	}
	r.pos = bit / 8
	r.scratch = 0
	r.nbits = 0
	if rem := bit % 8; rem != 0 {
		r.ReadRawBits(rem)
	}
}

func (r *Reader) fill(n uint) bool {
	for r.nbits < n {
		if r.pos >= len(r.data) {
			return false
		}
		r.scratch |= uint64(r.data[r.pos]) << r.nbits
		r.pos++
		r.nbits += 8
	}
	return true
}

func (r *Reader) ReadRawBits(n int) uint32 {
	if n < 0 || n > 32 {
		panic(fmt.Sprintf("bitstream: invalid bit count %d", n))
	}
	if n == 0 || r.err != nil {
		return 0
	}
	if !r.fill(uint(n)) {
		r.err = ErrOverflow
		return 0
	}
	mask := uint64(1)<<uint(n) - 1
	v := uint32(r.scratch & mask)
	r.scratch >>= uint(n)
	r.nbits -= uint(n)
	return v
}

func (r *Reader) ReadBool() bool { return r.ReadRawBits(1) == 1 }

func (r *Reader) ReadUInt32() uint32 { return r.ReadRawBits(32) }

func (r *Reader) ReadPackedUInt() uint32 {
	var code uint32
	for l := 1; l <= maxCodeLength; l++ {
		code = code<<1 | r.ReadRawBits(1)
		if r.err != nil {
			return 0
		}
		if idx := code - firstCode[l]; idx < lengthCount[l] {
			b := symbols[firstSymbol[l]+idx]
			return bucketOffsets[b] + r.ReadRawBits(int(bucketBits[b]))
		}
	}
	// Unreachable with a complete code.
	r.err = fmt.Errorf("bitstream: invalid packed prefix %b", code)
	return 0
}

func (r *Reader) ReadPackedInt() int32 { return unzigzag(r.ReadPackedUInt()) }

func (r *Reader) ReadPackedUIntDelta(baseline uint32) uint32 {
	return baseline + uint32(r.ReadPackedInt())
}

func (r *Reader) ReadPackedIntDelta(baseline int32) int32 {
	return int32(uint32(baseline) + uint32(r.ReadPackedInt()))
}
