package bitstream

import (
	"errors"
	"math"
	"testing"
)

func TestPackedUInt_RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 2, 3, 4, 7, 8, 15, 16, 31, 32, 95, 96, 351, 352, 1375, 1376, 5471, 5472,
		38239, 38240, 300383, 300384, 2397535, 2397536, 19174751, 19174752, 153392479, 153392480,
		math.MaxUint32 - 1, math.MaxUint32}

	w := NewWriter(64)
	wantBits := 0
	for _, v := range values {
		w.WritePackedUInt(v)
		wantBits += PackedUIntBits(v)
	}
	if got := w.LengthInBits(); got != wantBits {
		t.Fatalf("bit length: got %d want %d", got, wantBits)
	}

	r := NewReader(w.Bytes())
	for i, v := range values {
		if got := r.ReadPackedUInt(); got != v {
			t.Fatalf("value %d: got %d want %d", i, got, v)
		}
	}
	if r.HasFailed() {
		t.Fatalf("reader failed: %v", r.Err())
	}
}

func TestPackedDelta_RoundTrip(t *testing.T) {
	w := NewWriter(16)
	w.WritePackedIntDelta(-5, 10)
	w.WritePackedIntDelta(math.MaxInt32, math.MinInt32)
	w.WritePackedUIntDelta(3, 0xFFFFFFF0)
	w.WriteBool(true)
	w.WriteUInt32(0xDEADBEEF)

	r := NewReader(w.Bytes())
	if got := r.ReadPackedIntDelta(10); got != -5 {
		t.Fatalf("int delta: got %d want -5", got)
	}
	if got := r.ReadPackedIntDelta(math.MinInt32); got != math.MaxInt32 {
		t.Fatalf("int delta wrap: got %d want %d", got, int32(math.MaxInt32))
	}
	if got := r.ReadPackedUIntDelta(0xFFFFFFF0); got != 3 {
		t.Fatalf("uint delta wrap: got %d want 3", got)
	}
	if !r.ReadBool() {
		t.Fatalf("bool: got false want true")
	}
	if got := r.ReadUInt32(); got != 0xDEADBEEF {
		t.Fatalf("raw u32: got %x want deadbeef", got)
	}
}

func TestSmallValuesAreCheap(t *testing.T) {
	if got := PackedUIntBits(0); got != 2 {
		t.Fatalf("bits(0): got %d want 2", got)
	}
	if got := PackedUIntBits(1); got != 2 {
		t.Fatalf("bits(1): got %d want 2", got)
	}
	if got := PackedUIntBits(math.MaxUint32); got != 40 {
		t.Fatalf("bits(max): got %d want 40", got)
	}
}

func TestReader_OverflowIsSticky(t *testing.T) {
	r := NewReader([]byte{0xFF})
	_ = r.ReadRawBits(8)
	if r.HasFailed() {
		t.Fatalf("unexpected failure after exact read")
	}
	if got := r.ReadRawBits(1); got != 0 {
		t.Fatalf("overflow read: got %d want 0", got)
	}
	if !errors.Is(r.Err(), ErrOverflow) {
		t.Fatalf("err: got %v want ErrOverflow", r.Err())
	}
	if got := r.ReadPackedUInt(); got != 0 {
		t.Fatalf("sticky read: got %d want 0", got)
	}
}

func TestAppendAndSeek(t *testing.T) {
	inner := NewWriter(8)
	inner.WriteRawBits(0x5, 3)
	inner.WritePackedUInt(1000)

	outer := NewWriter(8)
	outer.WriteRawBits(1, 1)
	start := outer.LengthInBits()
	outer.Append(inner)
	outer.WriteRawBits(0x3, 2)

	r := NewReader(outer.Bytes())
	if r.ReadRawBits(1) != 1 {
		t.Fatalf("prefix bit mismatch")
	}
	if r.BitPosition() != start {
		t.Fatalf("position: got %d want %d", r.BitPosition(), start)
	}
	r.SeekBits(start + inner.LengthInBits())
	if got := r.ReadRawBits(2); got != 0x3 {
		t.Fatalf("after seek: got %d want 3", got)
	}
	r.SeekBits(start)
	if got := r.ReadRawBits(3); got != 0x5 {
		t.Fatalf("after rewind: got %d want 5", got)
	}
	if got := r.ReadPackedUInt(); got != 1000 {
		t.Fatalf("packed after rewind: got %d want 1000", got)
	}
}
