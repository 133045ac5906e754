package hpack

import (
	"fmt"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/varint"
)

// Decoder reads header blocks for one direction of a connection. A decode
// error is connection-fatal for HTTP/2 (COMPRESSION_ERROR): the tables on
// the two sides can no longer be assumed to agree.
type Decoder struct {
	dyn *dynamicTable

	// maxFieldSectionSize bounds the decoded size of one block, the quantity
	// SETTINGS_MAX_HEADER_LIST_SIZE advertises. Zero means unlimited.
	maxFieldSectionSize int
}

// NewDecoder returns a decoder whose dynamic table is bounded by
// maxTableSize bytes.
func NewDecoder(maxTableSize uint32) *Decoder {
	return &Decoder{dyn: newDynamicTable(int(maxTableSize))}
}

// SetMaxFieldSectionSize bounds the uncompressed size of a decoded block.
func (d *Decoder) SetMaxFieldSectionSize(n int) { d.maxFieldSectionSize = n }

// SetMaxDynamicTableSize raises or lowers the negotiated table capacity
// (a SETTINGS_HEADER_TABLE_SIZE change acknowledged by this endpoint).
func (d *Decoder) SetMaxDynamicTableSize(n uint32) {
	d.dyn.limit = int(n)
	if d.dyn.maxSize > int(n) {
		d.dyn.setMaxSize(int(n))
	}
}

// DynamicTableSize returns the current byte size of the dynamic table.
func (d *Decoder) DynamicTableSize() int { return d.dyn.size }

// DynamicTableEntries returns a snapshot of the dynamic table, newest first.
func (d *Decoder) DynamicTableEntries() header.List {
	return append(header.List(nil), d.dyn.entries...)
}

// Decode decodes one complete header block. Table mutations take effect as
// representations are processed; on error the caller must treat the
// connection as unrecoverable.
func (d *Decoder) Decode(block []byte) (header.List, error) {
	var fields header.List
	sawField := false
	size := 0
	for len(block) > 0 {
		b0 := block[0]
		switch {
		case b0&0x80 != 0:
			// Indexed header field.
			idx, n, err := varint.ParsePrefixed(block, 7)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			if idx == 0 {
				return nil, decompressionFailed("index zero")
			}
			f, ok := lookupTable(d.dyn, int(idx))
			if !ok {
				return nil, decompressionFailed(fmt.Sprintf("index %d out of range", idx))
			}
			fields = append(fields, f)
			size += f.Size()
			sawField = true

		case b0&0xc0 == 0x40:
			// Literal with incremental indexing.
			f, rest, err := d.readLiteral(block, 6)
			if err != nil {
				return nil, err
			}
			block = rest
			d.dyn.add(f)
			fields = append(fields, f)
			size += f.Size()
			sawField = true

		case b0&0xe0 == 0x20:
			// Dynamic table size update: only legal before the first field.
			if sawField {
				return nil, decompressionFailed("table size update after header field")
			}
			newSize, n, err := varint.ParsePrefixed(block, 5)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			if !d.dyn.setMaxSize(int(newSize)) {
				return nil, decompressionFailed(fmt.Sprintf("table size %d exceeds negotiated maximum %d", newSize, d.dyn.limit))
			}

		default:
			// Literal without indexing (0000) or never indexed (0001):
			// identical wire layout, no table update either way.
			f, rest, err := d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
			block = rest
			fields = append(fields, f)
			size += f.Size()
			sawField = true
		}

		if d.maxFieldSectionSize > 0 && size > d.maxFieldSectionSize {
			return nil, errors.NewFramingError(errors.TagTooLarge, "hpack", "header list exceeds maximum size")
		}
	}
	return fields, nil
}

// readLiteral reads a literal representation whose name-index prefix is
// prefixBits wide.
func (d *Decoder) readLiteral(block []byte, prefixBits uint8) (header.Field, []byte, error) {
	nameIdx, n, err := varint.ParsePrefixed(block, prefixBits)
	if err != nil {
		return header.Field{}, nil, err
	}
	block = block[n:]

	var f header.Field
	if nameIdx > 0 {
		ref, ok := lookupTable(d.dyn, int(nameIdx))
		if !ok {
			return header.Field{}, nil, decompressionFailed(fmt.Sprintf("name index %d out of range", nameIdx))
		}
		f.Name = ref.Name
	} else {
		f.Name, block, err = readString(block)
		if err != nil {
			return header.Field{}, nil, err
		}
	}
	f.Value, block, err = readString(block)
	if err != nil {
		return header.Field{}, nil, err
	}
	return f, block, nil
}

// readString reads a length-prefixed string literal, Huffman-decoding when
// the H bit is set.
func readString(block []byte) (string, []byte, error) {
	if len(block) == 0 {
		return "", nil, shortBlock()
	}
	huff := block[0]&0x80 != 0
	length, n, err := varint.ParsePrefixed(block, 7)
	if err != nil {
		return "", nil, err
	}
	block = block[n:]
	if uint64(len(block)) < length {
		return "", nil, shortBlock()
	}
	raw := block[:length]
	block = block[length:]
	if huff {
		s, err := HuffmanDecode(raw)
		if err != nil {
			return "", nil, err
		}
		return s, block, nil
	}
	return string(raw), block, nil
}

func decompressionFailed(msg string) error {
	return errors.NewFramingError(errors.TagCompression, "hpack", msg)
}

func shortBlock() error {
	return errors.NewFramingError(errors.TagCompression, "hpack", "header block ends mid-representation")
}
