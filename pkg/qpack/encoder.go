// Package qpack implements HTTP/3 header compression (RFC 9204): the
// 99-entry static table, the absolute-indexed dynamic table fed by the
// encoder stream, field-section prefixes with required-insert-count and
// base, and the decoder-stream acknowledgment instructions. The Huffman
// code is HPACK's (RFC 9204 Section 4.1.2).
package qpack

import (
	"fmt"
	"strings"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/hpack"
	"github.com/GhostKellz/zhttp/pkg/varint"
)

// DefaultMaxTableCapacity is the SETTINGS_QPACK_MAX_TABLE_CAPACITY value
// this library announces by default.
const DefaultMaxTableCapacity = 4096

// DefaultMaxBlockedStreams is the SETTINGS_QPACK_BLOCKED_STREAMS value this
// library announces by default.
const DefaultMaxBlockedStreams = 16

// section records one unacknowledged encoded field section.
type section struct {
	requiredInsertCount uint64
	refs                []uint64 // absolute indices referenced
}

// Encoder produces field sections for request streams and instructions for
// the unidirectional encoder stream. Connections serialize access.
type Encoder struct {
	dyn   dynamicTable
	instr []byte // pending encoder-stream instructions

	// knownReceived tracks the decoder's acknowledged insert count; only
	// entries below it may be referenced without blocking the stream.
	knownReceived uint64
	maxBlocked    int // peer's SETTINGS_QPACK_BLOCKED_STREAMS

	unacked map[uint64][]section // stream ID -> sections awaiting ack
	refs    map[uint64]int       // absolute index -> outstanding references

	decoderBuf []byte // partial decoder-stream instruction bytes
}

// NewEncoder returns an encoder with an empty (zero-capacity) dynamic
// table. The table activates once the peer's settings arrive via
// SetMaxTableCapacity.
func NewEncoder() *Encoder {
	return &Encoder{
		unacked: make(map[uint64][]section),
		refs:    make(map[uint64]int),
	}
}

// SetMaxTableCapacity adopts the peer's SETTINGS_QPACK_MAX_TABLE_CAPACITY
// and emits a Set Dynamic Table Capacity instruction claiming all of it.
func (e *Encoder) SetMaxTableCapacity(n uint64) {
	e.dyn.maxCap = int(n)
	e.dyn.capacity = int(n)
	if n > 0 {
		e.instr = varint.AppendPrefixed(e.instr, 0x20, 5, n)
	}
}

// SetMaxBlockedStreams adopts the peer's SETTINGS_QPACK_BLOCKED_STREAMS.
func (e *Encoder) SetMaxBlockedStreams(n int) { e.maxBlocked = n }

// TakeInstructions drains the pending encoder-stream bytes. The caller
// must write them to the encoder stream before the field sections that
// depend on them are sent.
func (e *Encoder) TakeInstructions() []byte {
	out := e.instr
	e.instr = nil
	return out
}

// InsertCount returns the total number of dynamic-table insertions.
func (e *Encoder) InsertCount() uint64 { return e.dyn.insertCount() }

// KnownReceivedCount returns the acknowledged insert count.
func (e *Encoder) KnownReceivedCount() uint64 { return e.knownReceived }

// DynamicTableEntries returns a snapshot of the dynamic table, oldest first.
func (e *Encoder) DynamicTableEntries() header.List {
	return append(header.List(nil), e.dyn.entries...)
}

// blockedStreamCount counts streams holding a section the decoder cannot
// yet decode.
func (e *Encoder) blockedStreamCount() int {
	n := 0
	for _, secs := range e.unacked {
		for _, s := range secs {
			if s.requiredInsertCount > e.knownReceived {
				n++
				break
			}
		}
	}
	return n
}

// mayBlock reports whether a section on streamID may reference entries the
// decoder has not acknowledged.
func (e *Encoder) mayBlock(streamID uint64) bool {
	if e.maxBlocked <= 0 {
		return false
	}
	for _, s := range e.unacked[streamID] {
		if s.requiredInsertCount > e.knownReceived {
			return true // already blocked; no new budget consumed
		}
	}
	return e.blockedStreamCount() < e.maxBlocked
}

// EncodeFieldSection encodes fields into a field section for streamID.
// Any required table insertions are appended to the pending encoder-stream
// instructions; drain them with TakeInstructions.
func (e *Encoder) EncodeFieldSection(streamID uint64, fields header.List) ([]byte, error) {
	if err := header.CheckEncodable(fields); err != nil {
		return nil, err
	}
	allowBlock := e.mayBlock(streamID)

	type rep struct {
		kind  int // 0 indexed-static, 1 indexed-dynamic, 2 literal-static-name, 3 literal-dynamic-name, 4 literal
		idx   uint64
		field header.Field
		never bool
	}
	const (
		repIndexedStatic = iota
		repIndexedDynamic
		repLiteralStaticName
		repLiteralDynamicName
		repLiteral
	)

	var reps []rep
	var sectionRefs []uint64
	// Entries referenced by this very section must survive its own later
	// insertions; refs are not registered globally until the section is
	// complete.
	inSection := make(map[uint64]bool)
	guard := func(abs uint64) bool { return e.refs[abs] == 0 && !inSection[abs] }
	for _, f := range fields {
		sensitive := neverIndex(f)
		if exact, nameOnly := findStatic(f); exact >= 0 && !sensitive {
			reps = append(reps, rep{kind: repIndexedStatic, idx: uint64(exact)})
			continue
		} else if !sensitive {
			if abs, ok := e.usableDynamicRef(f, allowBlock); ok {
				reps = append(reps, rep{kind: repIndexedDynamic, idx: abs})
				sectionRefs = append(sectionRefs, abs)
				inSection[abs] = true
				continue
			}
			if allowBlock && e.dyn.canInsert(f, guard) {
				abs := e.emitInsert(f, nameOnly)
				reps = append(reps, rep{kind: repIndexedDynamic, idx: abs})
				sectionRefs = append(sectionRefs, abs)
				inSection[abs] = true
				continue
			}
			if nameOnly >= 0 {
				reps = append(reps, rep{kind: repLiteralStaticName, idx: uint64(nameOnly), field: f})
				continue
			}
		} else if _, nameOnly := findStatic(f); nameOnly >= 0 {
			reps = append(reps, rep{kind: repLiteralStaticName, idx: uint64(nameOnly), field: f, never: true})
			continue
		}
		reps = append(reps, rep{kind: repLiteral, field: f, never: sensitive})
	}

	// Base is the insert count after all insertions for this section, so
	// every dynamic reference is pre-base.
	base := e.dyn.insertCount()
	var ric uint64
	for _, abs := range sectionRefs {
		if abs+1 > ric {
			ric = abs + 1
		}
	}

	var b []byte
	b = e.appendPrefix(b, ric, base)
	for _, r := range reps {
		switch r.kind {
		case repIndexedStatic:
			b = varint.AppendPrefixed(b, 0x80|0x40, 6, r.idx)
		case repIndexedDynamic:
			b = varint.AppendPrefixed(b, 0x80, 6, base-1-r.idx)
		case repLiteralStaticName:
			pattern := byte(0x40 | 0x10)
			if r.never {
				pattern |= 0x20
			}
			b = varint.AppendPrefixed(b, pattern, 4, r.idx)
			b = appendValueString(b, r.field.Value)
		case repLiteralDynamicName:
			pattern := byte(0x40)
			if r.never {
				pattern |= 0x20
			}
			b = varint.AppendPrefixed(b, pattern, 4, base-1-r.idx)
			b = appendValueString(b, r.field.Value)
		default:
			pattern := byte(0x20)
			if r.never {
				pattern |= 0x10
			}
			b = appendNameString(b, pattern, 3, 0x08, r.field.Name)
			b = appendValueString(b, r.field.Value)
		}
	}

	if ric > 0 {
		for _, abs := range sectionRefs {
			e.refs[abs]++
		}
		e.unacked[streamID] = append(e.unacked[streamID], section{requiredInsertCount: ric, refs: sectionRefs})
	}
	return b, nil
}

// usableDynamicRef returns an existing dynamic entry matching f that this
// section is allowed to reference.
func (e *Encoder) usableDynamicRef(f header.Field, allowBlock bool) (uint64, bool) {
	abs, ok, _, _ := e.dyn.findDynamic(f)
	if !ok {
		return 0, false
	}
	if !allowBlock && abs >= e.knownReceived {
		return 0, false
	}
	return abs, true
}

// emitInsert writes an insert instruction for f to the encoder stream and
// adds the entry to the local table. staticName is a 0-based static index
// whose name matches, or -1.
func (e *Encoder) emitInsert(f header.Field, staticName int) uint64 {
	if staticName >= 0 {
		// Insert with name reference, static table.
		e.instr = varint.AppendPrefixed(e.instr, 0x80|0x40, 6, uint64(staticName))
	} else {
		// Insert with literal name.
		e.instr = appendNameString(e.instr, 0x40, 5, 0x20, f.Name)
	}
	e.instr = appendValueString(e.instr, f.Value)
	return e.dyn.insert(f)
}

// appendPrefix writes the encoded field section prefix (RFC 9204
// Section 4.5.1).
func (e *Encoder) appendPrefix(b []byte, ric, base uint64) []byte {
	if ric == 0 {
		b = append(b, 0)
		return append(b, 0)
	}
	encIC := ric%(2*e.dyn.maxEntries()) + 1
	b = varint.AppendPrefixed(b, 0, 8, encIC)
	// Base >= required insert count by construction: sign bit zero.
	return varint.AppendPrefixed(b, 0, 7, base-ric)
}

// HandleDecoderInstructions consumes bytes from the peer's decoder stream.
// Partial instructions are buffered across calls.
func (e *Encoder) HandleDecoderInstructions(data []byte) error {
	e.decoderBuf = append(e.decoderBuf, data...)
	for len(e.decoderBuf) > 0 {
		b0 := e.decoderBuf[0]
		var consumed int
		switch {
		case b0&0x80 != 0:
			// Section Acknowledgment.
			streamID, n, err := varint.ParsePrefixed(e.decoderBuf, 7)
			if err != nil {
				return nil // wait for more bytes
			}
			consumed = n
			if err := e.ackSection(streamID); err != nil {
				return err
			}
		case b0&0xc0 == 0x40:
			// Stream Cancellation.
			streamID, n, err := varint.ParsePrefixed(e.decoderBuf, 6)
			if err != nil {
				return nil
			}
			consumed = n
			e.cancelStream(streamID)
		default:
			// Insert Count Increment.
			inc, n, err := varint.ParsePrefixed(e.decoderBuf, 6)
			if err != nil {
				return nil
			}
			consumed = n
			if inc == 0 || e.knownReceived+inc > e.dyn.insertCount() {
				return decoderStreamErr(fmt.Sprintf("invalid insert count increment %d", inc))
			}
			e.knownReceived += inc
		}
		e.decoderBuf = e.decoderBuf[consumed:]
	}
	return nil
}

func (e *Encoder) ackSection(streamID uint64) error {
	secs := e.unacked[streamID]
	if len(secs) == 0 {
		return decoderStreamErr(fmt.Sprintf("section acknowledgment for stream %d with no outstanding section", streamID))
	}
	s := secs[0]
	if len(secs) == 1 {
		delete(e.unacked, streamID)
	} else {
		e.unacked[streamID] = secs[1:]
	}
	e.releaseRefs(s.refs)
	if s.requiredInsertCount > e.knownReceived {
		e.knownReceived = s.requiredInsertCount
	}
	return nil
}

func (e *Encoder) cancelStream(streamID uint64) {
	for _, s := range e.unacked[streamID] {
		e.releaseRefs(s.refs)
	}
	delete(e.unacked, streamID)
}

func (e *Encoder) releaseRefs(refs []uint64) {
	for _, abs := range refs {
		if e.refs[abs] > 1 {
			e.refs[abs]--
		} else {
			delete(e.refs, abs)
		}
	}
}

// neverIndex mirrors the HPACK encoder's sensitivity rule.
func neverIndex(f header.Field) bool {
	switch strings.ToLower(f.Name) {
	case "authorization", "proxy-authorization":
		return true
	case "cookie", "set-cookie":
		return len(f.Value) < 20
	}
	return false
}

// appendNameString appends a length-prefixed name whose prefix width and
// Huffman bit vary per representation.
func appendNameString(b []byte, pattern byte, prefixBits uint8, huffBit byte, s string) []byte {
	if hl := hpack.HuffmanEncodeLength(s); hl < len(s) {
		b = varint.AppendPrefixed(b, pattern|huffBit, prefixBits, uint64(hl))
		return hpack.AppendHuffman(b, s)
	}
	b = varint.AppendPrefixed(b, pattern, prefixBits, uint64(len(s)))
	return append(b, s...)
}

// appendValueString appends a value string literal (7-bit prefix, 0x80
// Huffman bit).
func appendValueString(b []byte, s string) []byte {
	if hl := hpack.HuffmanEncodeLength(s); hl < len(s) {
		b = varint.AppendPrefixed(b, 0x80, 7, uint64(hl))
		return hpack.AppendHuffman(b, s)
	}
	b = varint.AppendPrefixed(b, 0, 7, uint64(len(s)))
	return append(b, s...)
}

func decoderStreamErr(msg string) error {
	return errors.NewFramingError(errors.TagCompression, "qpack", msg)
}
