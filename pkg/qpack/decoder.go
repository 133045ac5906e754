package qpack

import (
	"fmt"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/hpack"
	"github.com/GhostKellz/zhttp/pkg/varint"
)

// Decoder consumes encoder-stream instructions and decodes field sections
// from request streams, emitting acknowledgments for the unidirectional
// decoder stream. Connections serialize access.
type Decoder struct {
	dyn   dynamicTable
	instr []byte // pending decoder-stream instructions

	maxBlocked          int // our announced SETTINGS_QPACK_BLOCKED_STREAMS
	maxFieldSectionSize int // zero means unlimited

	// blocked holds field sections whose required insert count has not yet
	// been reached by encoder-stream insertions.
	blocked map[uint64]*blockedSection

	// reported is the highest known-received count conveyed to the peer via
	// section acknowledgments or insert count increments.
	reported uint64

	encBuf []byte // partial encoder-stream instruction bytes
}

type blockedSection struct {
	block               []byte
	requiredInsertCount uint64
}

// NewDecoder returns a decoder announcing maxTableCapacity bytes of dynamic
// table and tolerating maxBlocked simultaneously blocked streams.
func NewDecoder(maxTableCapacity uint64, maxBlocked int) *Decoder {
	d := &Decoder{
		maxBlocked: maxBlocked,
		blocked:    make(map[uint64]*blockedSection),
	}
	d.dyn.maxCap = int(maxTableCapacity)
	return d
}

// SetMaxFieldSectionSize bounds the uncompressed size of a decoded section.
func (d *Decoder) SetMaxFieldSectionSize(n int) { d.maxFieldSectionSize = n }

// TakeInstructions drains the pending decoder-stream bytes.
func (d *Decoder) TakeInstructions() []byte {
	out := d.instr
	d.instr = nil
	return out
}

// InsertCount returns the total number of dynamic-table insertions seen.
func (d *Decoder) InsertCount() uint64 { return d.dyn.insertCount() }

// BlockedStreams returns the number of streams currently blocked on
// encoder-stream insertions.
func (d *Decoder) BlockedStreams() int { return len(d.blocked) }

// DynamicTableEntries returns a snapshot of the dynamic table, oldest first.
func (d *Decoder) DynamicTableEntries() header.List {
	return append(header.List(nil), d.dyn.entries...)
}

// HandleEncoderInstructions consumes bytes from the peer's encoder stream
// and returns the IDs of streams whose blocked sections are now decodable.
// Partial instructions are buffered across calls.
func (d *Decoder) HandleEncoderInstructions(data []byte) ([]uint64, error) {
	d.encBuf = append(d.encBuf, data...)
	inserted := false
	for len(d.encBuf) > 0 {
		b0 := d.encBuf[0]
		var consumed int
		switch {
		case b0&0x80 != 0:
			// Insert with name reference. T bit selects static vs dynamic.
			static := b0&0x40 != 0
			idx, n, err := varint.ParsePrefixed(d.encBuf, 6)
			if err != nil {
				return d.done(inserted)
			}
			value, m, err := parseValueString(d.encBuf[n:])
			if err != nil {
				if errors.GetErrorTag(err) == errors.TagShortInput {
					return d.done(inserted)
				}
				return nil, err
			}
			consumed = n + m
			var name string
			if static {
				if idx >= uint64(len(staticTable)) {
					return nil, encoderStreamErr(fmt.Sprintf("static name index %d out of range", idx))
				}
				name = staticTable[idx].Name
			} else {
				if idx >= d.dyn.insertCount() {
					return nil, encoderStreamErr(fmt.Sprintf("dynamic name index %d out of range", idx))
				}
				ref, ok := d.dyn.at(d.dyn.insertCount() - 1 - idx)
				if !ok {
					return nil, encoderStreamErr(fmt.Sprintf("dynamic name index %d evicted", idx))
				}
				name = ref.Name
			}
			if err := d.insert(header.Field{Name: name, Value: value}); err != nil {
				return nil, err
			}
			inserted = true

		case b0&0xc0 == 0x40:
			// Insert with literal name.
			name, n, err := parseNameString(d.encBuf, 5, 0x20)
			if err != nil {
				if errors.GetErrorTag(err) == errors.TagShortInput {
					return d.done(inserted)
				}
				return nil, err
			}
			value, m, err := parseValueString(d.encBuf[n:])
			if err != nil {
				if errors.GetErrorTag(err) == errors.TagShortInput {
					return d.done(inserted)
				}
				return nil, err
			}
			consumed = n + m
			if err := d.insert(header.Field{Name: name, Value: value}); err != nil {
				return nil, err
			}
			inserted = true

		case b0&0xe0 == 0x20:
			// Set dynamic table capacity.
			capacity, n, err := varint.ParsePrefixed(d.encBuf, 5)
			if err != nil {
				return d.done(inserted)
			}
			consumed = n
			if !d.dyn.setCapacity(int(capacity), nil) {
				return nil, encoderStreamErr(fmt.Sprintf("table capacity %d exceeds announced maximum %d", capacity, d.dyn.maxCap))
			}

		default:
			// Duplicate.
			rel, n, err := varint.ParsePrefixed(d.encBuf, 5)
			if err != nil {
				return d.done(inserted)
			}
			consumed = n
			if rel >= d.dyn.insertCount() {
				return nil, encoderStreamErr(fmt.Sprintf("duplicate index %d out of range", rel))
			}
			ref, ok := d.dyn.at(d.dyn.insertCount() - 1 - rel)
			if !ok {
				return nil, encoderStreamErr(fmt.Sprintf("duplicate index %d evicted", rel))
			}
			if err := d.insert(ref); err != nil {
				return nil, err
			}
			inserted = true
		}
		d.encBuf = d.encBuf[consumed:]
	}
	return d.done(inserted)
}

// done computes newly decodable streams and, when insertions arrived with
// nothing left blocked on them, conveys progress with an Insert Count
// Increment so the encoder's known-received count does not stall.
func (d *Decoder) done(inserted bool) ([]uint64, error) {
	var ready []uint64
	for sid, bs := range d.blocked {
		if bs.requiredInsertCount <= d.dyn.insertCount() {
			ready = append(ready, sid)
		}
	}
	if inserted && len(ready) == 0 && len(d.blocked) == 0 && d.dyn.insertCount() > d.reported {
		delta := d.dyn.insertCount() - d.reported
		d.instr = varint.AppendPrefixed(d.instr, 0x00, 6, delta)
		d.reported = d.dyn.insertCount()
	}
	return ready, nil
}

func (d *Decoder) insert(f header.Field) error {
	if f.Size() > d.dyn.capacity {
		return encoderStreamErr("inserted entry larger than table capacity")
	}
	d.dyn.insert(f)
	return nil
}

// DecodeFieldSection decodes the field section received on streamID. A nil
// block retries a previously blocked section. When the section's required
// insert count exceeds the current insert count, (nil, true, nil) is
// returned and the stream is accounted against the blocked-streams limit.
func (d *Decoder) DecodeFieldSection(streamID uint64, block []byte) (header.List, bool, error) {
	if block == nil {
		bs, ok := d.blocked[streamID]
		if !ok {
			return nil, false, decompressionErr(fmt.Sprintf("no blocked section for stream %d", streamID))
		}
		block = bs.block
	}

	ric, base, rest, err := d.parsePrefix(block)
	if err != nil {
		return nil, false, err
	}

	if ric > d.dyn.insertCount() {
		if _, already := d.blocked[streamID]; !already && len(d.blocked) >= d.maxBlocked {
			return nil, false, decompressionErr(fmt.Sprintf("blocked streams limit %d exceeded", d.maxBlocked))
		}
		d.blocked[streamID] = &blockedSection{block: block, requiredInsertCount: ric}
		return nil, true, nil
	}
	delete(d.blocked, streamID)

	fields, err := d.parseFieldLines(rest, ric, base)
	if err != nil {
		return nil, false, err
	}

	if ric > 0 {
		// Section acknowledgment on the decoder stream.
		d.instr = varint.AppendPrefixed(d.instr, 0x80, 7, streamID)
		if ric > d.reported {
			d.reported = ric
		}
	}
	return fields, false, nil
}

// CancelStream abandons any blocked section for streamID and emits a Stream
// Cancellation instruction.
func (d *Decoder) CancelStream(streamID uint64) {
	delete(d.blocked, streamID)
	d.instr = varint.AppendPrefixed(d.instr, 0x40, 6, streamID)
}

// parsePrefix reads the encoded field section prefix and reconstructs the
// required insert count (RFC 9204 Section 4.5.1.1) and the base.
func (d *Decoder) parsePrefix(block []byte) (ric, base uint64, rest []byte, err error) {
	encIC, n, err := varint.ParsePrefixed(block, 8)
	if err != nil {
		return 0, 0, nil, err
	}
	block = block[n:]

	if encIC == 0 {
		ric = 0
	} else {
		maxEntries := d.dyn.maxEntries()
		if maxEntries == 0 {
			return 0, 0, nil, decompressionErr("dynamic reference with zero table capacity")
		}
		fullRange := 2 * maxEntries
		if encIC > fullRange {
			return 0, 0, nil, decompressionErr("required insert count out of range")
		}
		maxValue := d.dyn.insertCount() + maxEntries
		maxWrapped := maxValue / fullRange * fullRange
		ric = maxWrapped + encIC - 1
		if ric > maxValue {
			if ric <= fullRange {
				return 0, 0, nil, decompressionErr("required insert count underflow")
			}
			ric -= fullRange
		}
		if ric == 0 {
			return 0, 0, nil, decompressionErr("required insert count is zero")
		}
	}

	if len(block) == 0 {
		return 0, 0, nil, shortSection()
	}
	sign := block[0]&0x80 != 0
	deltaBase, n, err := varint.ParsePrefixed(block, 7)
	if err != nil {
		return 0, 0, nil, err
	}
	block = block[n:]
	if sign {
		if deltaBase+1 > ric {
			return 0, 0, nil, decompressionErr("negative base")
		}
		base = ric - deltaBase - 1
	} else {
		base = ric + deltaBase
	}
	return ric, base, block, nil
}

func (d *Decoder) parseFieldLines(block []byte, ric, base uint64) (header.List, error) {
	var fields header.List
	size := 0
	for len(block) > 0 {
		b0 := block[0]
		var f header.Field
		switch {
		case b0&0x80 != 0:
			// Indexed field line. T bit selects static vs dynamic.
			static := b0&0x40 != 0
			idx, n, err := varint.ParsePrefixed(block, 6)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			if static {
				if idx >= uint64(len(staticTable)) {
					return nil, decompressionErr(fmt.Sprintf("static index %d out of range", idx))
				}
				f = staticTable[idx]
			} else {
				if idx >= base {
					return nil, decompressionErr("relative index beyond base")
				}
				var ok bool
				f, ok = d.dyn.at(base - 1 - idx)
				if !ok {
					return nil, decompressionErr("dynamic index evicted or unknown")
				}
			}

		case b0&0xf0 == 0x10:
			// Indexed field line with post-base index.
			pbi, n, err := varint.ParsePrefixed(block, 4)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			abs := base + pbi
			if abs >= ric {
				return nil, decompressionErr("post-base index beyond required insert count")
			}
			var ok bool
			f, ok = d.dyn.at(abs)
			if !ok {
				return nil, decompressionErr("post-base index evicted or unknown")
			}

		case b0&0xc0 == 0x40:
			// Literal field line with name reference.
			static := b0&0x10 != 0
			idx, n, err := varint.ParsePrefixed(block, 4)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			if static {
				if idx >= uint64(len(staticTable)) {
					return nil, decompressionErr(fmt.Sprintf("static name index %d out of range", idx))
				}
				f.Name = staticTable[idx].Name
			} else {
				if idx >= base {
					return nil, decompressionErr("relative name index beyond base")
				}
				ref, ok := d.dyn.at(base - 1 - idx)
				if !ok {
					return nil, decompressionErr("dynamic name index evicted or unknown")
				}
				f.Name = ref.Name
			}
			f.Value, n, err = parseValueString(block)
			if err != nil {
				return nil, err
			}
			block = block[n:]

		case b0&0xf0 == 0x00:
			// Literal field line with post-base name reference.
			pbi, n, err := varint.ParsePrefixed(block, 3)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			abs := base + pbi
			if abs >= ric {
				return nil, decompressionErr("post-base name index beyond required insert count")
			}
			ref, ok := d.dyn.at(abs)
			if !ok {
				return nil, decompressionErr("post-base name index evicted or unknown")
			}
			f.Name = ref.Name
			f.Value, n, err = parseValueString(block)
			if err != nil {
				return nil, err
			}
			block = block[n:]

		default:
			// Literal field line with literal name (001 pattern).
			name, n, err := parseNameString(block, 3, 0x08)
			if err != nil {
				return nil, err
			}
			block = block[n:]
			f.Name = name
			f.Value, n, err = parseValueString(block)
			if err != nil {
				return nil, err
			}
			block = block[n:]
		}

		fields = append(fields, f)
		size += f.Size()
		if d.maxFieldSectionSize > 0 && size > d.maxFieldSectionSize {
			return nil, errors.NewFramingError(errors.TagTooLarge, "qpack", "field section exceeds maximum size")
		}
	}
	return fields, nil
}

// parseNameString reads a length-prefixed name whose Huffman bit and prefix
// width vary per representation.
func parseNameString(b []byte, prefixBits uint8, huffBit byte) (string, int, error) {
	if len(b) == 0 {
		return "", 0, shortSection()
	}
	huff := b[0]&huffBit != 0
	length, n, err := varint.ParsePrefixed(b, prefixBits)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(b)-n) < length {
		return "", 0, shortSection()
	}
	raw := b[n : n+int(length)]
	if huff {
		s, err := hpack.HuffmanDecode(raw)
		if err != nil {
			return "", 0, err
		}
		return s, n + int(length), nil
	}
	return string(raw), n + int(length), nil
}

// parseValueString reads a value string literal (7-bit prefix, 0x80
// Huffman bit).
func parseValueString(b []byte) (string, int, error) {
	if len(b) == 0 {
		return "", 0, shortSection()
	}
	huff := b[0]&0x80 != 0
	length, n, err := varint.ParsePrefixed(b, 7)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(b)-n) < length {
		return "", 0, shortSection()
	}
	raw := b[n : n+int(length)]
	if huff {
		s, err := hpack.HuffmanDecode(raw)
		if err != nil {
			return "", 0, err
		}
		return s, n + int(length), nil
	}
	return string(raw), n + int(length), nil
}

func encoderStreamErr(msg string) error {
	return errors.NewFramingError(errors.TagCompression, "qpack", "encoder stream: "+msg)
}

func decompressionErr(msg string) error {
	return errors.NewFramingError(errors.TagCompression, "qpack", msg)
}

func shortSection() error {
	return errors.NewFramingError(errors.TagShortInput, "qpack", "section ends mid-representation")
}
