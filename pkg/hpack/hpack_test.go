package hpack

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/zhttp/pkg/header"
)

func TestHuffmanKnownVectors(t *testing.T) {
	// RFC 7541 Appendix C.4 request vectors.
	cases := []struct {
		s    string
		wire string
	}{
		{"www.example.com", "f1e3c2e5f23a6ba0ab90f4ff"},
		{"no-cache", "a8eb10649cbf"},
		{"custom-key", "25a849e95ba97d7f"},
		{"custom-value", "25a849e95bb8e8b4bf"},
	}
	for _, tc := range cases {
		want, err := hex.DecodeString(tc.wire)
		require.NoError(t, err)
		assert.Equal(t, want, AppendHuffman(nil, tc.s), "encode %q", tc.s)

		got, err := HuffmanDecode(want)
		require.NoError(t, err)
		assert.Equal(t, tc.s, got)
	}
}

func TestHuffmanRoundTripAllBytes(t *testing.T) {
	var all []byte
	for i := 0; i < 256; i++ {
		all = append(all, byte(i))
	}
	enc := AppendHuffman(nil, string(all))
	dec, err := HuffmanDecode(enc)
	require.NoError(t, err)
	assert.Equal(t, string(all), dec)
}

func TestHuffmanBadPadding(t *testing.T) {
	// '0' encodes as 00000 (5 bits); zero-bit padding is not an EOS prefix.
	_, err := HuffmanDecode([]byte{0x00})
	assert.Error(t, err)
}

func TestStaticTableLookups(t *testing.T) {
	d := NewDecoder(DefaultTableSize)
	f, ok := lookupTable(d.dyn, 2)
	require.True(t, ok)
	assert.Equal(t, header.Field{Name: ":method", Value: "GET"}, f)

	f, ok = lookupTable(d.dyn, 61)
	require.True(t, ok)
	assert.Equal(t, "www-authenticate", f.Name)

	_, ok = lookupTable(d.dyn, 62)
	assert.False(t, ok)
}

func TestRFCAppendixC3RequestSequence(t *testing.T) {
	// RFC 7541 Appendix C.3: three requests without Huffman coding on one
	// connection, exercising dynamic-table insertion and indexed reuse.
	dec := NewDecoder(DefaultTableSize)

	first, _ := hex.DecodeString("828684410f7777772e6578616d706c652e636f6d")
	fields, err := dec.Decode(first)
	require.NoError(t, err)
	require.Equal(t, header.List{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "www.example.com"},
	}, fields)
	assert.Equal(t, 57, dec.DynamicTableSize())

	second, _ := hex.DecodeString("828684be58086e6f2d6361636865")
	fields, err = dec.Decode(second)
	require.NoError(t, err)
	require.Equal(t, header.List{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "cache-control", Value: "no-cache"},
	}, fields)
	assert.Equal(t, 110, dec.DynamicTableSize())

	third, _ := hex.DecodeString("828785bf400a637573746f6d2d6b65790c637573746f6d2d76616c7565")
	fields, err = dec.Decode(third)
	require.NoError(t, err)
	require.Equal(t, header.List{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/index.html"},
		{Name: ":authority", Value: "www.example.com"},
		{Name: "custom-key", Value: "custom-value"},
	}, fields)
	assert.Equal(t, 164, dec.DynamicTableSize())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder(DefaultTableSize)
	dec := NewDecoder(DefaultTableSize)

	fields := header.List{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/a"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "h"},
		{Name: "accept-encoding", Value: "gzip"},
	}

	block, err := enc.Encode(nil, fields)
	require.NoError(t, err)

	got, err := dec.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, fields, got)

	// The indexable literal entered both dynamic tables identically:
	// accept-encoding: gzip is 15+4+32 = 51 bytes.
	assert.Equal(t, enc.DynamicTableSize(), dec.DynamicTableSize())
	assert.Equal(t, enc.DynamicTableEntries(), dec.DynamicTableEntries())
	assert.Equal(t, header.List{{Name: "accept-encoding", Value: "gzip"}}, dec.DynamicTableEntries())
	assert.Equal(t, 51, dec.DynamicTableSize())
}

func TestRoundTripReusesDynamicEntries(t *testing.T) {
	enc := NewEncoder(DefaultTableSize)
	dec := NewDecoder(DefaultTableSize)

	fields := header.List{
		{Name: "x-request-id", Value: "abc123"},
		{Name: "x-tenant", Value: "acme"},
	}
	first, err := enc.Encode(nil, fields)
	require.NoError(t, err)
	_, err = dec.Decode(first)
	require.NoError(t, err)

	second, err := enc.Encode(nil, fields)
	require.NoError(t, err)
	// Second block is pure indexed references: one byte per field.
	assert.Equal(t, len(fields), len(second))

	got, err := dec.Decode(second)
	require.NoError(t, err)
	assert.Equal(t, fields, got)
	assert.Equal(t, enc.DynamicTableEntries(), dec.DynamicTableEntries())
}

func TestSensitiveFieldsNeverIndexed(t *testing.T) {
	enc := NewEncoder(DefaultTableSize)
	dec := NewDecoder(DefaultTableSize)

	fields := header.List{{Name: "authorization", Value: "Bearer s3cr3t"}}
	block, err := enc.Encode(nil, fields)
	require.NoError(t, err)

	// Never-indexed pattern 0001 on the first representation.
	assert.Equal(t, byte(0x10), block[0]&0xf0)

	got, err := dec.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, fields, got)
	assert.Zero(t, enc.DynamicTableSize())
	assert.Zero(t, dec.DynamicTableSize())
}

func TestDecodeRejectsBadIndex(t *testing.T) {
	dec := NewDecoder(DefaultTableSize)

	// Index 70 with an empty dynamic table.
	_, err := dec.Decode([]byte{0x80 | 70})
	assert.Error(t, err)

	// Index zero is never valid.
	_, err = dec.Decode([]byte{0x80})
	assert.Error(t, err)
}

func TestDecodeRejectsLateTableSizeUpdate(t *testing.T) {
	dec := NewDecoder(DefaultTableSize)
	// Indexed field (:method GET) followed by a size update.
	_, err := dec.Decode([]byte{0x82, 0x20})
	assert.Error(t, err)
}

func TestDecodeRejectsOversizeTableUpdate(t *testing.T) {
	dec := NewDecoder(DefaultTableSize)
	block := []byte{0x3f, 0xe2, 0x1f} // size update to 4097, beyond the limit
	_, err := dec.Decode(block)
	assert.Error(t, err)
}

func TestTableSizeUpdateEvicts(t *testing.T) {
	enc := NewEncoder(DefaultTableSize)
	dec := NewDecoder(DefaultTableSize)

	fields := header.List{{Name: "x-large-ish", Value: "some-value-here"}}
	block, err := enc.Encode(nil, fields)
	require.NoError(t, err)
	_, err = dec.Decode(block)
	require.NoError(t, err)
	require.NotZero(t, dec.DynamicTableSize())

	enc.SetMaxDynamicTableSize(0)
	block, err = enc.Encode(nil, header.List{{Name: ":method", Value: "GET"}})
	require.NoError(t, err)
	_, err = dec.Decode(block)
	require.NoError(t, err)
	assert.Zero(t, enc.DynamicTableSize())
	assert.Zero(t, dec.DynamicTableSize())
}

func TestMaxFieldSectionSize(t *testing.T) {
	dec := NewDecoder(DefaultTableSize)
	dec.SetMaxFieldSectionSize(40)

	enc := NewEncoder(DefaultTableSize)
	block, err := enc.Encode(nil, header.List{{Name: "x-big", Value: "0123456789012345678901234567890123456789"}})
	require.NoError(t, err)

	_, err = dec.Decode(block)
	assert.Error(t, err)
}
