package schema

import (
	"encoding/binary"
	"math"
	"strconv"

	"ghostsync.ai/internal/netcode/bitstream"
	"ghostsync.ai/internal/netcode/tick"
)

// FieldCodec encodes one field (or one buffer element) in snapshot form.
// Codecs are resolved once per type at finalize time and indexed by field.
type FieldCodec interface {
	// ID identifies the codec in the type hash.
	ID() string
	// Size is the snapshot byte size of one value.
	Size() int
	// Encode writes value relative to baseline.
	Encode(w *bitstream.Writer, value, baseline []byte)
	// Decode reads a value relative to baseline into out.
	Decode(r *bitstream.Reader, baseline, out []byte)
	// Predict extrapolates a baseline from three history baselines into out.
	Predict(p Predictor, b0, b1, b2, out []byte)
}

// Predictor carries the tick geometry of a three-baseline linear prediction.
// Both peers build it from the same ticks, so the result is deterministic.
type Predictor struct {
	Target tick.Tick
	B0     tick.Tick
	B1     tick.Tick
	B2     tick.Tick
}

// Usable reports whether all three baselines are present and distinct.
func (p Predictor) Usable() bool {
	if !p.B0.IsValid() || !p.B1.IsValid() || !p.B2.IsValid() {
		return false
	}
	return p.B0.IsNewerThan(p.B1) && p.B1.IsNewerThan(p.B2) && p.Target.IsNewerThan(p.B0)
}

// PredictInt extrapolates b0 along the b1→b0 slope to Target. When the b2→b1
// slope points the other way the motion is not linear and b0 is returned.
func (p Predictor) PredictInt(b0, b1, b2 int32) int32 {
	if !p.Usable() {
		return b0
	}
	d01 := int64(p.B0.StepsSince(p.B1))
	d12 := int64(p.B1.StepsSince(p.B2))
	ahead := int64(p.Target.StepsSince(p.B0))
	v01 := int64(b0) - int64(b1)
	v12 := int64(b1) - int64(b2)
	if (v01 > 0 && v12 < 0) || (v01 < 0 && v12 > 0) || d12 <= 0 {
		return b0
	}
	out := int64(b0) + v01*ahead/d01
	if out > math.MaxInt32 {
		return math.MaxInt32
	}
	if out < math.MinInt32 {
		return math.MinInt32
	}
	return int32(out)
}

// Int32Codec packs Components int32 values as deltas. It predicts linearly.
type Int32Codec struct{ Components int }

func (c Int32Codec) ID() string { return "i32x" + strconv.Itoa(c.n()) }
func (c Int32Codec) Size() int  { return 4 * c.n() }
func (c Int32Codec) n() int {
	if c.Components <= 0 {
		return 1
	}
	return c.Components
}

func (c Int32Codec) Encode(w *bitstream.Writer, value, baseline []byte) {
	for i := 0; i < c.n(); i++ {
		w.WritePackedIntDelta(getI32(value, i), getI32(baseline, i))
	}
}

func (c Int32Codec) Decode(r *bitstream.Reader, baseline, out []byte) {
	for i := 0; i < c.n(); i++ {
		putI32(out, i, r.ReadPackedIntDelta(getI32(baseline, i)))
	}
}

func (c Int32Codec) Predict(p Predictor, b0, b1, b2, out []byte) {
	for i := 0; i < c.n(); i++ {
		putI32(out, i, p.PredictInt(getI32(b0, i), getI32(b1, i), getI32(b2, i)))
	}
}

// UInt32Codec packs Components uint32 values as deltas with no prediction
// (ids, counters, flags).
type UInt32Codec struct{ Components int }

func (c UInt32Codec) ID() string { return "u32x" + strconv.Itoa(c.n()) }
func (c UInt32Codec) Size() int  { return 4 * c.n() }
func (c UInt32Codec) n() int {
	if c.Components <= 0 {
		return 1
	}
	return c.Components
}

func (c UInt32Codec) Encode(w *bitstream.Writer, value, baseline []byte) {
	for i := 0; i < c.n(); i++ {
		w.WritePackedUIntDelta(getU32(value, i), getU32(baseline, i))
	}
}

func (c UInt32Codec) Decode(r *bitstream.Reader, baseline, out []byte) {
	for i := 0; i < c.n(); i++ {
		putU32(out, i, r.ReadPackedUIntDelta(getU32(baseline, i)))
	}
}

func (c UInt32Codec) Predict(_ Predictor, b0, _, _, out []byte) { copy(out, b0[:c.Size()]) }

// Float32Codec sends raw IEEE bits. Unchanged fields are already skipped by the
// change mask, so there is no delta.
type Float32Codec struct{ Components int }

func (c Float32Codec) ID() string { return "f32x" + strconv.Itoa(c.n()) }
func (c Float32Codec) Size() int  { return 4 * c.n() }
func (c Float32Codec) n() int {
	if c.Components <= 0 {
		return 1
	}
	return c.Components
}

func (c Float32Codec) Encode(w *bitstream.Writer, value, _ []byte) {
	for i := 0; i < c.n(); i++ {
		w.WriteUInt32(getU32(value, i))
	}
}

func (c Float32Codec) Decode(r *bitstream.Reader, _, out []byte) {
	for i := 0; i < c.n(); i++ {
		putU32(out, i, r.ReadUInt32())
	}
}

func (c Float32Codec) Predict(_ Predictor, b0, _, _, out []byte) { copy(out, b0[:c.Size()]) }

// QuantizedFloatCodec stores floats in the snapshot as int32 round(v*Scale)
// and behaves like Int32Codec on the wire.
type QuantizedFloatCodec struct {
	Components int
	Scale      float32
}

func (c QuantizedFloatCodec) ints() Int32Codec { return Int32Codec{Components: c.Components} }
func (c QuantizedFloatCodec) ID() string {
	return "q" + strconv.Itoa(int(c.Scale)) + c.ints().ID()
}
func (c QuantizedFloatCodec) Size() int { return c.ints().Size() }
func (c QuantizedFloatCodec) Encode(w *bitstream.Writer, value, baseline []byte) {
	c.ints().Encode(w, value, baseline)
}
func (c QuantizedFloatCodec) Decode(r *bitstream.Reader, baseline, out []byte) {
	c.ints().Decode(r, baseline, out)
}
func (c QuantizedFloatCodec) Predict(p Predictor, b0, b1, b2, out []byte) {
	c.ints().Predict(p, b0, b1, b2, out)
}

// Quantize converts a float to snapshot form.
func (c QuantizedFloatCodec) Quantize(v float32) int32 {
	return int32(math.Round(float64(v * c.Scale)))
}

// Dequantize converts snapshot form back to a float.
func (c QuantizedFloatCodec) Dequantize(v int32) float32 {
	return float32(v) / c.Scale
}

func getI32(b []byte, i int) int32     { return int32(binary.LittleEndian.Uint32(b[4*i:])) }
func putI32(b []byte, i int, v int32)  { binary.LittleEndian.PutUint32(b[4*i:], uint32(v)) }
func getU32(b []byte, i int) uint32    { return binary.LittleEndian.Uint32(b[4*i:]) }
func putU32(b []byte, i int, v uint32) { binary.LittleEndian.PutUint32(b[4*i:], v) }

// GetInt32 and PutInt32 read/write component i of an int32 field.
func GetInt32(b []byte, i int) int32    { return getI32(b, i) }
func PutInt32(b []byte, i int, v int32) { putI32(b, i, v) }

func GetUint32(b []byte, i int) uint32    { return getU32(b, i) }
func PutUint32(b []byte, i int, v uint32) { putU32(b, i, v) }
