package varint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/zhttp/pkg/errors"
)

func TestAppendParseRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 63, 64, 16383, 16384, (1 << 30) - 1, 1 << 30, Max,
		37, 15293, 494878333, 151288809941952652,
	}
	for _, v := range values {
		b := Append(nil, v)
		require.Equal(t, Len(v), len(b), "value %d", v)

		got, n, err := Parse(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(b), n)
	}
}

func TestMinimumLengthForm(t *testing.T) {
	cases := []struct {
		v    uint64
		size int
	}{
		{0, 1}, {63, 1}, {64, 2}, {16383, 2}, {16384, 4},
		{(1 << 30) - 1, 4}, {1 << 30, 8}, {Max, 8},
	}
	for _, tc := range cases {
		if got := len(Append(nil, tc.v)); got != tc.size {
			t.Errorf("Append(%d) = %d bytes, want %d", tc.v, got, tc.size)
		}
	}
}

func TestKnownVectors(t *testing.T) {
	// Examples from RFC 9000 Appendix A.1.
	cases := []struct {
		wire []byte
		v    uint64
	}{
		{[]byte{0x25}, 37},
		{[]byte{0x7b, 0xbd}, 15293},
		{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333},
		{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652},
	}
	for _, tc := range cases {
		got, n, err := Parse(tc.wire)
		require.NoError(t, err)
		assert.Equal(t, tc.v, got)
		assert.Equal(t, len(tc.wire), n)
		assert.Equal(t, tc.wire, Append(nil, tc.v))
	}
}

func TestParseShortInput(t *testing.T) {
	for _, wire := range [][]byte{{}, {0x40}, {0x80, 0x01}, {0xc0, 1, 2, 3}} {
		_, _, err := Parse(wire)
		require.Error(t, err)
		assert.Equal(t, errors.TagShortInput, errors.GetErrorTag(err))
	}
}

func TestReadMatchesParse(t *testing.T) {
	for _, v := range []uint64{0, 1, 300, 1 << 20, Max} {
		wire := Append(nil, v)
		got, err := Read(bytes.NewReader(wire))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestPrefixedRoundTrip(t *testing.T) {
	for prefix := uint8(1); prefix <= 8; prefix++ {
		for _, v := range []uint64{0, 1, 9, 30, 31, 127, 128, 1337, 1 << 20} {
			b := AppendPrefixed(nil, 0, prefix, v)
			got, n, err := ParsePrefixed(b, prefix)
			require.NoError(t, err, "prefix=%d v=%d", prefix, v)
			assert.Equal(t, v, got, "prefix=%d", prefix)
			assert.Equal(t, len(b), n)
		}
	}
}

func TestPrefixedKnownVectors(t *testing.T) {
	// RFC 7541 Appendix C.1: 1337 with a 5-bit prefix.
	b := AppendPrefixed(nil, 0, 5, 1337)
	assert.Equal(t, []byte{0x1f, 0x9a, 0x0a}, b)

	// 10 with a 5-bit prefix fits the prefix itself.
	assert.Equal(t, []byte{0x0a}, AppendPrefixed(nil, 0, 5, 10))
}

func TestPrefixedPatternBitsPreserved(t *testing.T) {
	b := AppendPrefixed(nil, 0x80, 7, 42)
	require.Equal(t, []byte{0x80 | 42}, b)

	got, _, err := ParsePrefixed(b, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
}

func TestPrefixedShortAndOverflow(t *testing.T) {
	_, _, err := ParsePrefixed([]byte{0x1f, 0x80}, 5)
	require.Error(t, err)
	assert.Equal(t, errors.TagShortInput, errors.GetErrorTag(err))

	// 11 continuation bytes push past 62 bits.
	over := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}
	_, _, err = ParsePrefixed(over, 8)
	require.Error(t, err)
	assert.Equal(t, errors.TagTooLarge, errors.GetErrorTag(err))
}
