// Package hpack implements HTTP/2 header compression (RFC 7541): the static
// and dynamic index tables, the canonical Huffman code, and the integer and
// string primitives shared with QPACK.
package hpack

import (
	"strings"

	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/varint"
)

// DefaultTableSize is the initial SETTINGS_HEADER_TABLE_SIZE value.
const DefaultTableSize = 4096

// Encoder writes header blocks for one direction of a connection. It is not
// safe for concurrent use; connections serialize access.
type Encoder struct {
	dyn *dynamicTable

	// A table resize requested via SetMaxDynamicTableSize is emitted as a
	// dynamic-table-size-update at the start of the next header block.
	pendingResize bool
	// The smallest size requested since the last block, emitted first when
	// the size dipped below the final value (RFC 7541 Section 4.2).
	minPending int
}

// NewEncoder returns an encoder whose dynamic table is bounded by
// maxTableSize bytes.
func NewEncoder(maxTableSize uint32) *Encoder {
	return &Encoder{dyn: newDynamicTable(int(maxTableSize))}
}

// SetMaxDynamicTableSize schedules a table resize. The update representation
// is written at the start of the next encoded block.
func (e *Encoder) SetMaxDynamicTableSize(n uint32) {
	sz := int(n)
	if !e.pendingResize {
		e.pendingResize = true
		e.minPending = sz
	} else if sz < e.minPending {
		e.minPending = sz
	}
	e.dyn.limit = sz
}

// DynamicTableSize returns the current byte size of the dynamic table.
func (e *Encoder) DynamicTableSize() int { return e.dyn.size }

// DynamicTableEntries returns a snapshot of the dynamic table, newest first.
func (e *Encoder) DynamicTableEntries() header.List {
	return append(header.List(nil), e.dyn.entries...)
}

// Encode appends the encoded header block for fields to b. Pseudo-headers
// must precede regular fields; callers validate with header.CheckEncodable.
func (e *Encoder) Encode(b []byte, fields header.List) ([]byte, error) {
	if err := header.CheckEncodable(fields); err != nil {
		return nil, err
	}
	if e.pendingResize {
		e.pendingResize = false
		if e.minPending < e.dyn.limit {
			b = varint.AppendPrefixed(b, 0x20, 5, uint64(e.minPending))
			e.dyn.setMaxSize(e.minPending)
		}
		b = varint.AppendPrefixed(b, 0x20, 5, uint64(e.dyn.limit))
		e.dyn.setMaxSize(e.dyn.limit)
	}
	for _, f := range fields {
		b = e.encodeField(b, f)
	}
	return b, nil
}

func (e *Encoder) encodeField(b []byte, f header.Field) []byte {
	exact, nameIdx := findIndex(e.dyn, f)
	if exact > 0 {
		// Indexed header field.
		return varint.AppendPrefixed(b, 0x80, 7, uint64(exact))
	}

	if e.neverIndex(f) {
		// Literal never-indexed: 0001 pattern, 4-bit name index prefix.
		if nameIdx > 0 {
			b = varint.AppendPrefixed(b, 0x10, 4, uint64(nameIdx))
		} else {
			b = append(b, 0x10)
			b = appendString(b, f.Name)
		}
		return appendString(b, f.Value)
	}

	// Literal with incremental indexing: 01 pattern, 6-bit name index prefix.
	if nameIdx > 0 {
		b = varint.AppendPrefixed(b, 0x40, 6, uint64(nameIdx))
	} else {
		b = append(b, 0x40)
		b = appendString(b, f.Name)
	}
	b = appendString(b, f.Value)
	e.dyn.add(f)
	return b
}

// neverIndex reports whether a field is too sensitive to enter either
// endpoint's dynamic table (RFC 7541 Section 7.1.3).
func (e *Encoder) neverIndex(f header.Field) bool {
	switch strings.ToLower(f.Name) {
	case "authorization", "proxy-authorization":
		return true
	case "cookie", "set-cookie":
		// Short cookie values carry high-entropy session material.
		return len(f.Value) < 20
	}
	return false
}

// appendString appends a length-prefixed string literal, Huffman-coded when
// that is shorter.
func appendString(b []byte, s string) []byte {
	if hl := HuffmanEncodeLength(s); hl < len(s) {
		b = varint.AppendPrefixed(b, 0x80, 7, uint64(hl))
		return AppendHuffman(b, s)
	}
	b = varint.AppendPrefixed(b, 0, 7, uint64(len(s)))
	return append(b, s...)
}
