package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/netcode/bitstream"
)

// Buffer change codes, stored in a buffer field's two change-mask bits.
const (
	bufferUnchanged  = 0
	bufferSameLength = 1
	bufferResized    = 2
)

// DefaultMaxBufferElements caps the element count of a resent buffer.
const DefaultMaxBufferElements = 1 << 16

func bufferCode(s schema.Snapshot, bit int) int {
	code := 0
	if s.ChangeBit(bit) {
		code |= 1
	}
	if s.ChangeBit(bit + 1) {
		code |= 2
	}
	return code
}

func writeWords(w *bitstream.Writer, src []byte, bits int) {
	for i := 0; bits > 0; i++ {
		n := min(bits, 32)
		w.WriteRawBits(binary.LittleEndian.Uint32(src[4*i:]), n)
		bits -= n
	}
}

func readWords(r *bitstream.Reader, dst []byte, bits int) {
	for i := 0; bits > 0; i++ {
		n := min(bits, 32)
		binary.LittleEndian.PutUint32(dst[4*i:], r.ReadRawBits(n))
		bits -= n
	}
}

// encodeBody computes value's change mask against base, stores it in value
// and writes mask, enabled bits and changed fields.
func encodeBody(w *bitstream.Writer, typ *schema.GhostType, mode schema.Mode, value, valueDyn, base, baseDyn []byte) {
	l := typ.Layout()
	vs, bs := l.View(value), l.View(base)
	vs.ClearChangeMask()
	for f := 0; f < typ.FieldCount(); f++ {
		if !typ.Field(f).Send.Includes(mode) {
			continue
		}
		bit := l.MaskBit(f)
		if !l.IsBuffer(f) {
			vs.SetChangeBit(bit, !bytes.Equal(vs.Field(f), bs.Field(f)))
			continue
		}
		ve, be := vs.BufferData(f, valueDyn), bs.BufferData(f, baseDyn)
		switch {
		case len(ve) != len(be):
			vs.SetChangeBit(bit+1, true)
		case !bytes.Equal(ve, be):
			vs.SetChangeBit(bit, true)
		}
	}
	writeWords(w, value[4:], l.ChangeMaskBits)
	writeWords(w, vs.EnabledWords(), l.EnableBits)

	for f := 0; f < typ.FieldCount(); f++ {
		fd := typ.Field(f)
		if !fd.Send.Includes(mode) {
			continue
		}
		bit := l.MaskBit(f)
		if !l.IsBuffer(f) {
			if vs.ChangeBit(bit) {
				fd.Codec.Encode(w, vs.Field(f), bs.Field(f))
			}
			continue
		}
		es := l.ElementSize(f)
		ve, be := vs.BufferData(f, valueDyn), bs.BufferData(f, baseDyn)
		switch bufferCode(vs, bit) {
		case bufferSameLength:
			for i := 0; i < len(ve); i += es {
				changed := !bytes.Equal(ve[i:i+es], be[i:i+es])
				w.WriteBool(changed)
				if changed {
					fd.Codec.Encode(w, ve[i:i+es], be[i:i+es])
				}
			}
		case bufferResized:
			zero := make([]byte, es)
			w.WritePackedUInt(uint32(len(ve) / es))
			for i := 0; i < len(ve); i += es {
				fd.Codec.Encode(w, ve[i:i+es], zero)
			}
		}
	}
}

// decodeBody is the inverse of encodeBody: out receives the snapshot, dyn the
// buffer contents at 16-byte aligned offsets. out must be zeroed by the caller.
func decodeBody(r *bitstream.Reader, typ *schema.GhostType, mode schema.Mode, base, baseDyn, out []byte, dyn *[]byte, maxElems int) error {
	l := typ.Layout()
	ds, bs := l.View(out), l.View(base)
	readWords(r, out[4:], l.ChangeMaskBits)
	readWords(r, ds.EnabledWords(), l.EnableBits)
	*dyn = (*dyn)[:0]

	for f := 0; f < typ.FieldCount(); f++ {
		fd := typ.Field(f)
		if !fd.Send.Includes(mode) {
			continue
		}
		bit := l.MaskBit(f)
		if !l.IsBuffer(f) {
			if ds.ChangeBit(bit) {
				fd.Codec.Decode(r, bs.Field(f), ds.Field(f))
			} else {
				copy(ds.Field(f), bs.Field(f))
			}
			continue
		}

		es := l.ElementSize(f)
		be := bs.BufferData(f, baseDyn)
		off := schema.Align(len(*dyn))
		d := padTo(*dyn, off)
		switch bufferCode(ds, bit) {
		case bufferUnchanged:
			d = append(d, be...)
		case bufferSameLength:
			d = append(d, be...)
			for i := 0; i < len(be); i += es {
				if r.ReadBool() {
					fd.Codec.Decode(r, be[i:i+es], d[off+i:off+i+es])
				}
			}
		case bufferResized:
			n := r.ReadPackedUInt()
			if int64(n) > int64(maxElems) {
				return fmt.Errorf("%s.%s: %d buffer elements: %w", typ.Name, fd.Name, n, ErrProtocol)
			}
			zero := make([]byte, es)
			for i := 0; i < int(n); i++ {
				start := len(d)
				d = append(d, zero...)
				fd.Codec.Decode(r, zero, d[start:start+es])
				if r.HasFailed() {
					break
				}
			}
		default:
			return fmt.Errorf("%s.%s: invalid buffer change code: %w", typ.Name, fd.Name, ErrProtocol)
		}
		*dyn = d
		ds.SetBufferRef(f, uint32((len(d)-off)/es), uint32(off))
	}
	if r.HasFailed() {
		return fmt.Errorf("%s body: %v: %w", typ.Name, r.Err(), ErrProtocol)
	}
	return nil
}

func padTo(b []byte, n int) []byte {
	for len(b) < n {
		b = append(b, 0)
	}
	return b
}

// predictBaseline writes into out the baseline both peers derive from three
// history snapshots: b0 with every predictable field extrapolated to the
// target tick. Buffer fields keep b0's reference.
func predictBaseline(typ *schema.GhostType, mode schema.Mode, p schema.Predictor, b0, b1, b2, out []byte) {
	copy(out, b0)
	l := typ.Layout()
	v0, v1, v2, vo := l.View(b0), l.View(b1), l.View(b2), l.View(out)
	for f := 0; f < typ.FieldCount(); f++ {
		fd := typ.Field(f)
		if l.IsBuffer(f) || !fd.Send.Includes(mode) {
			continue
		}
		fd.Codec.Predict(p, v0.Field(f), v1.Field(f), v2.Field(f), vo.Field(f))
	}
}
