// Package varint implements the QUIC variable-length integer encoding
// (RFC 9000 Section 16) and the N-bit-prefix integer encoding shared by
// HPACK and QPACK (RFC 7541 Section 5.1).
package varint

import (
	"io"

	"github.com/GhostKellz/zhttp/pkg/errors"
)

// Max is the largest value representable as a QUIC varint (2^62 - 1).
const Max = (1 << 62) - 1

// Len returns the number of bytes the QUIC varint encoding of v occupies.
// Values above Max are not representable; Len returns 0 for them.
func Len(v uint64) int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<30:
		return 4
	case v <= Max:
		return 8
	default:
		return 0
	}
}

// Append appends the minimum-length QUIC varint encoding of v to b.
// v must be <= Max; Append panics on larger values to surface programmer
// error.
func Append(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return append(b, 0x40|byte(v>>8), byte(v))
	case v < 1<<30:
		return append(b, 0x80|byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	case v <= Max:
		return append(b,
			0xc0|byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic("varint: value out of range")
	}
}

// Parse decodes a QUIC varint from the front of b. It returns the value and
// the number of bytes consumed. A short buffer yields a ShortInput error so
// incremental parsers can wait for more bytes.
func Parse(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errShort()
	}
	n := 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, 0, errShort()
	}
	v := uint64(b[0] & 0x3f)
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, n, nil
}

// Read decodes a QUIC varint from r, reading exactly as many bytes as the
// length class requires.
func Read(r io.ByteReader) (uint64, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, errShort()
	}
	n := 1 << (b0 >> 6)
	v := uint64(b0 & 0x3f)
	for i := 1; i < n; i++ {
		bi, err := r.ReadByte()
		if err != nil {
			return 0, errShort()
		}
		v = v<<8 | uint64(bi)
	}
	return v, nil
}

// AppendPrefixed appends the N-bit-prefix integer encoding of v used by
// HPACK and QPACK. firstByte carries the representation's pattern bits; the
// low prefixBits bits must be zero. prefixBits must be in [1, 8].
func AppendPrefixed(b []byte, firstByte byte, prefixBits uint8, v uint64) []byte {
	mask := uint64(1)<<prefixBits - 1
	if v < mask {
		return append(b, firstByte|byte(v))
	}
	b = append(b, firstByte|byte(mask))
	v -= mask
	for v >= 0x80 {
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// ParsePrefixed decodes an N-bit-prefix integer from the front of b.
// It returns the value and the number of bytes consumed.
func ParsePrefixed(b []byte, prefixBits uint8) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errShort()
	}
	mask := uint64(1)<<prefixBits - 1
	v := uint64(b[0]) & mask
	if v < mask {
		return v, 1, nil
	}
	var shift uint
	for i := 1; i < len(b); i++ {
		bi := b[i]
		v += uint64(bi&0x7f) << shift
		if bi&0x80 == 0 {
			// A continuation longer than needed for 62 bits is adversarial.
			if v > Max {
				return 0, 0, errors.NewFramingError(errors.TagTooLarge, "varint", "prefixed integer overflows 62 bits")
			}
			return v, i + 1, nil
		}
		shift += 7
		if shift > 62 {
			return 0, 0, errors.NewFramingError(errors.TagTooLarge, "varint", "prefixed integer continuation too long")
		}
	}
	return 0, 0, errShort()
}

func errShort() error {
	return errors.NewFramingError(errors.TagShortInput, "varint", "input ends mid-integer")
}
