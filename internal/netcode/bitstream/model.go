package bitstream

// The packed integer model is fixed, not adaptive: both peers derive the same
// canonical prefix code from the tables below at init time. A value is written
// as the prefix code of its bucket followed by (value - bucketOffset) in
// bucketBits[bucket] raw bits.

const bucketCount = 16

var bucketBits = [bucketCount]uint8{0, 0, 1, 2, 3, 4, 6, 8, 10, 12, 15, 18, 21, 24, 27, 32}

// Code lengths satisfy Kraft equality, so the code is complete.
var codeLengths = [bucketCount]uint8{2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 8, 8}

const maxCodeLength = 8

var (
	bucketOffsets [bucketCount]uint32

	// encCodes holds each symbol's code bit-reversed, so writing it LSB-first
	// puts the most significant code bit on the wire first.
	encCodes [bucketCount]uint32

	// canonical decode tables indexed by code length
	firstCode   [maxCodeLength + 1]uint32
	lengthCount [maxCodeLength + 1]uint32
	firstSymbol [maxCodeLength + 1]uint32
	symbols     [bucketCount]uint8
)

func init() {
	var off uint64
	for i := 0; i < bucketCount; i++ {
		bucketOffsets[i] = uint32(off)
		off += 1 << bucketBits[i]
	}

	// Canonical code: symbols ordered by (length, index).
	n := 0
	for l := uint8(1); l <= maxCodeLength; l++ {
		firstSymbol[l] = uint32(n)
		for s := 0; s < bucketCount; s++ {
			if codeLengths[s] == l {
				symbols[n] = uint8(s)
				n++
				lengthCount[l]++
			}
		}
	}
	code := uint32(0)
	for l := uint8(1); l <= maxCodeLength; l++ {
		firstCode[l] = code
		for i := uint32(0); i < lengthCount[l]; i++ {
			s := symbols[firstSymbol[l]+i]
			encCodes[s] = reverseBits(code+i, l)
		}
		code = (code + lengthCount[l]) << 1
	}
}

func reverseBits(v uint32, n uint8) uint32 {
	var r uint32
	for i := uint8(0); i < n; i++ {
		r = r<<1 | (v & 1)
		v >>= 1
	}
	return r
}

func bucketFor(v uint32) int {
	b := bucketCount - 1
	for b > 0 && v < bucketOffsets[b] {
		b--
	}
	return b
}

// PackedUIntBits returns the number of bits WritePackedUInt uses for v.
func PackedUIntBits(v uint32) int {
	b := bucketFor(v)
	return int(codeLengths[b]) + int(bucketBits[b])
}

func zigzag(v int32) uint32   { return uint32((v << 1) ^ (v >> 31)) }
func unzigzag(v uint32) int32 { return int32(v>>1) ^ -int32(v&1) }
