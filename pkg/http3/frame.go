// Package http3 implements the HTTP/3 framing layer and connection engine
// (RFC 9114) over an abstract QUIC transport: control/request stream
// handling, SETTINGS exchange, QPACK encoder/decoder stream routing, and
// GOAWAY semantics. The QUIC implementation itself is delegated to the
// transport collaborator.
package http3

import (
	"fmt"
	"io"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/varint"
)

// FrameType identifies an HTTP/3 frame (RFC 9114 Section 7.2).
type FrameType uint64

const (
	FrameData        FrameType = 0x0
	FrameHeaders     FrameType = 0x1
	FrameCancelPush  FrameType = 0x3
	FrameSettings    FrameType = 0x4
	FramePushPromise FrameType = 0x5
	FrameGoAway      FrameType = 0x7
	FrameMaxPushID   FrameType = 0xd
)

// Unidirectional stream types (RFC 9114 Section 6.2, RFC 9204 Section 4.2).
const (
	StreamTypeControl      uint64 = 0x00
	StreamTypePush         uint64 = 0x01
	StreamTypeQPACKEncoder uint64 = 0x02
	StreamTypeQPACKDecoder uint64 = 0x03
)

// ErrCode is an HTTP/3 application error code (RFC 9114 Section 8.1,
// RFC 9204 Section 6).
type ErrCode uint64

const (
	ErrCodeNoError               ErrCode = 0x100
	ErrCodeGeneralProtocolError  ErrCode = 0x101
	ErrCodeInternalError         ErrCode = 0x102
	ErrCodeStreamCreationError   ErrCode = 0x103
	ErrCodeClosedCriticalStream  ErrCode = 0x104
	ErrCodeFrameUnexpected       ErrCode = 0x105
	ErrCodeFrameError            ErrCode = 0x106
	ErrCodeExcessiveLoad         ErrCode = 0x107
	ErrCodeIDError               ErrCode = 0x108
	ErrCodeSettingsError         ErrCode = 0x109
	ErrCodeMissingSettings       ErrCode = 0x10a
	ErrCodeRequestRejected       ErrCode = 0x10b
	ErrCodeRequestCancelled      ErrCode = 0x10c
	ErrCodeRequestIncomplete     ErrCode = 0x10d
	ErrCodeMessageError          ErrCode = 0x10e
	ErrCodeConnectError          ErrCode = 0x10f
	ErrCodeVersionFallback       ErrCode = 0x110
	ErrCodeQPACKDecompression    ErrCode = 0x200
	ErrCodeQPACKEncoderStream    ErrCode = 0x201
	ErrCodeQPACKDecoderStream    ErrCode = 0x202
)

// Settings identifiers (RFC 9114 Section 7.2.4.1, RFC 9204 Section 5).
const (
	SettingQPACKMaxTableCapacity uint64 = 0x1
	SettingMaxFieldSectionSize   uint64 = 0x6
	SettingQPACKBlockedStreams   uint64 = 0x7
)

// Settings is the HTTP/3 SETTINGS parameter set.
type Settings struct {
	QPACKMaxTableCapacity uint64
	MaxFieldSectionSize   uint64 // 0 means unlimited
	QPACKBlockedStreams   uint64
	Other                 map[uint64]uint64
}

// reservedH2Setting reports whether id is an HTTP/2 settings identifier whose
// receipt on HTTP/3 is a connection error (RFC 9114 Section 7.2.4.1).
func reservedH2Setting(id uint64) bool {
	switch id {
	case 0x2, 0x3, 0x4, 0x5:
		return true
	}
	return false
}

// AppendSettingsFrame serializes a SETTINGS frame. The frame length is
// computed from the exact varint encoding of each parameter/value pair.
func AppendSettingsFrame(b []byte, s Settings) []byte {
	var payload []byte
	if s.QPACKMaxTableCapacity > 0 {
		payload = varint.Append(payload, SettingQPACKMaxTableCapacity)
		payload = varint.Append(payload, s.QPACKMaxTableCapacity)
	}
	if s.MaxFieldSectionSize > 0 {
		payload = varint.Append(payload, SettingMaxFieldSectionSize)
		payload = varint.Append(payload, s.MaxFieldSectionSize)
	}
	if s.QPACKBlockedStreams > 0 {
		payload = varint.Append(payload, SettingQPACKBlockedStreams)
		payload = varint.Append(payload, s.QPACKBlockedStreams)
	}
	for id, val := range s.Other {
		payload = varint.Append(payload, id)
		payload = varint.Append(payload, val)
	}
	b = varint.Append(b, uint64(FrameSettings))
	b = varint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// ParseSettingsPayload decodes a SETTINGS frame payload.
func ParseSettingsPayload(payload []byte) (Settings, error) {
	var s Settings
	seen := map[uint64]bool{}
	for len(payload) > 0 {
		id, n, err := varint.Parse(payload)
		if err != nil {
			return s, ConnError{ErrCodeFrameError, "SETTINGS parameter truncated"}
		}
		payload = payload[n:]
		val, n, err := varint.Parse(payload)
		if err != nil {
			return s, ConnError{ErrCodeFrameError, "SETTINGS value truncated"}
		}
		payload = payload[n:]

		if reservedH2Setting(id) {
			return s, ConnError{ErrCodeSettingsError, fmt.Sprintf("reserved HTTP/2 setting 0x%x", id)}
		}
		if seen[id] {
			return s, ConnError{ErrCodeSettingsError, fmt.Sprintf("duplicate setting 0x%x", id)}
		}
		seen[id] = true

		switch id {
		case SettingQPACKMaxTableCapacity:
			s.QPACKMaxTableCapacity = val
		case SettingMaxFieldSectionSize:
			s.MaxFieldSectionSize = val
		case SettingQPACKBlockedStreams:
			s.QPACKBlockedStreams = val
		default:
			if s.Other == nil {
				s.Other = make(map[uint64]uint64)
			}
			s.Other[id] = val
		}
	}
	return s, nil
}

// ConnError is a connection-level HTTP/3 error: the QUIC connection is
// closed with Code.
type ConnError struct {
	Code ErrCode
	Msg  string
}

func (e ConnError) Error() string {
	return fmt.Sprintf("http3: connection error 0x%x: %s", uint64(e.Code), e.Msg)
}

// AppendFrameHeader serializes an HTTP/3 frame header.
func AppendFrameHeader(b []byte, t FrameType, length uint64) []byte {
	b = varint.Append(b, uint64(t))
	return varint.Append(b, length)
}

// AppendGoAwayFrame serializes a GOAWAY frame carrying the largest
// accepted stream id (or push id).
func AppendGoAwayFrame(b []byte, id uint64) []byte {
	payload := varint.Append(nil, id)
	b = AppendFrameHeader(b, FrameGoAway, uint64(len(payload)))
	return append(b, payload...)
}

// FrameReader reads HTTP/3 frames from a stream.
type FrameReader struct {
	r io.Reader
	// br adapts r for byte-at-a-time varint reads.
	br byteReader
}

// NewFrameReader returns a frame reader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, br: byteReader{r: r}}
}

// byteReader implements io.ByteReader over an io.Reader.
type byteReader struct {
	r   io.Reader
	one [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.one[:]); err != nil {
		return 0, err
	}
	return b.one[0], nil
}

// Next reads the next frame header and returns its type and payload
// length. The caller consumes exactly length bytes of payload (or streams
// DATA payloads incrementally). io.EOF surfaces cleanly at a frame
// boundary.
func (fr *FrameReader) Next() (FrameType, uint64, error) {
	b0, err := fr.br.ReadByte()
	if err != nil {
		// EOF before any header byte is a clean end of stream.
		return 0, 0, io.EOF
	}
	t, err := fr.finishVarint(b0)
	if err != nil {
		return 0, 0, err
	}
	length, err := varint.Read(&fr.br)
	if err != nil {
		return 0, 0, errors.NewFramingError(errors.TagShortInput, "frame", "stream ends mid-frame-header")
	}
	return FrameType(t), length, nil
}

// finishVarint completes a varint whose first byte was already consumed.
func (fr *FrameReader) finishVarint(b0 byte) (uint64, error) {
	n := 1 << (b0 >> 6)
	v := uint64(b0 & 0x3f)
	for i := 1; i < n; i++ {
		bi, err := fr.br.ReadByte()
		if err != nil {
			return 0, errors.NewFramingError(errors.TagShortInput, "frame", "stream ends mid-frame-header")
		}
		v = v<<8 | uint64(bi)
	}
	return v, nil
}

// ReadPayload reads exactly length payload bytes.
func (fr *FrameReader) ReadPayload(length uint64) ([]byte, error) {
	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, errors.NewFramingError(errors.TagShortInput, "frame", "stream ends mid-payload")
	}
	return payload, nil
}

// Discard skips length payload bytes of an unknown (greased) frame.
func (fr *FrameReader) Discard(length uint64) error {
	_, err := io.CopyN(io.Discard, fr.r, int64(length))
	if err != nil {
		return errors.NewFramingError(errors.TagShortInput, "frame", "stream ends mid-payload")
	}
	return nil
}
