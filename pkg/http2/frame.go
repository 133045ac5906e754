// Package http2 implements the HTTP/2 framing layer and connection engine
// (RFC 9113): connection preface, SETTINGS exchange, stream state machine,
// HPACK header compression and two-level flow control, for both the client
// and the server role.
package http2

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/GhostKellz/zhttp/pkg/errors"
)

// ClientPreface is the 24-byte magic a client sends before any frame.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// FrameHeaderLen is the fixed frame header size.
const FrameHeaderLen = 9

// FrameType identifies a frame (RFC 9113 Section 6).
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameRSTStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint8(t))
	}
}

// Frame flags.
const (
	FlagAck        uint8 = 0x1 // SETTINGS, PING
	FlagEndStream  uint8 = 0x1 // DATA, HEADERS
	FlagEndHeaders uint8 = 0x4 // HEADERS, PUSH_PROMISE, CONTINUATION
	FlagPadded     uint8 = 0x8 // DATA, HEADERS, PUSH_PROMISE
	FlagPriority   uint8 = 0x20
)

// SettingID identifies a SETTINGS parameter.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// ErrCode is an HTTP/2 error code (RFC 9113 Section 7).
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

func (e ErrCode) String() string {
	switch e {
	case ErrCodeNo:
		return "NO_ERROR"
	case ErrCodeProtocol:
		return "PROTOCOL_ERROR"
	case ErrCodeInternal:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControl:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeSettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSize:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	case ErrCodeCompression:
		return "COMPRESSION_ERROR"
	case ErrCodeConnect:
		return "CONNECT_ERROR"
	case ErrCodeEnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case ErrCodeInadequateSecurity:
		return "INADEQUATE_SECURITY"
	case ErrCodeHTTP11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("ERR_0x%x", uint32(e))
	}
}

// Flow control and frame size bounds (RFC 9113 Sections 5.2, 4.2, 6.5.2).
const (
	DefaultInitialWindowSize = 65535
	MaxWindowSize            = 1<<31 - 1
	DefaultMaxFrameSize      = 16384
	MaxAllowedFrameSize      = 1<<24 - 1
	DefaultHeaderTableSize   = 4096
)

// FrameHeader is the 9-byte header every frame starts with.
type FrameHeader struct {
	Length   uint32 // 24-bit payload length
	Type     FrameType
	Flags    uint8
	StreamID uint32 // 31-bit stream id, reserved bit cleared
}

// ConnError is a connection-level protocol error: the connection is torn
// down with a GOAWAY carrying Code.
type ConnError struct {
	Code ErrCode
	Msg  string
}

func (e ConnError) Error() string {
	return fmt.Sprintf("http2: connection error %s: %s", e.Code, e.Msg)
}

// StreamError is a stream-level error: the stream is reset with Code, the
// connection survives.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	Msg      string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("http2: stream %d error %s: %s", e.StreamID, e.Code, e.Msg)
}

// Framer reads and writes HTTP/2 frames on a byte stream. It performs
// header-level validation only; frame ordering and stream semantics belong
// to the connection engine.
type Framer struct {
	r io.Reader
	w io.Writer

	// maxReadSize is our SETTINGS_MAX_FRAME_SIZE: larger inbound payloads
	// are a FRAME_SIZE_ERROR connection error.
	maxReadSize uint32

	head [FrameHeaderLen]byte
}

// NewFramer returns a framer over the given reader and writer.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: r, w: w, maxReadSize: DefaultMaxFrameSize}
}

// SetMaxReadFrameSize adjusts the inbound payload bound.
func (f *Framer) SetMaxReadFrameSize(n uint32) {
	if n >= DefaultMaxFrameSize && n <= MaxAllowedFrameSize {
		f.maxReadSize = n
	}
}

// ReadFrame reads one frame header and payload.
func (f *Framer) ReadFrame() (FrameHeader, []byte, error) {
	if _, err := io.ReadFull(f.r, f.head[:]); err != nil {
		return FrameHeader{}, nil, err
	}
	hdr := FrameHeader{
		Length:   uint32(f.head[0])<<16 | uint32(f.head[1])<<8 | uint32(f.head[2]),
		Type:     FrameType(f.head[3]),
		Flags:    f.head[4],
		StreamID: binary.BigEndian.Uint32(f.head[5:9]) & 0x7fffffff,
	}
	if hdr.Length > f.maxReadSize {
		return hdr, nil, ConnError{ErrCodeFrameSize, fmt.Sprintf("frame of %d bytes exceeds SETTINGS_MAX_FRAME_SIZE %d", hdr.Length, f.maxReadSize)}
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return hdr, nil, errors.NewIOError("reading frame payload", err)
	}
	return hdr, payload, nil
}

// WriteFrame writes one frame.
func (f *Framer) WriteFrame(t FrameType, flags uint8, streamID uint32, payload []byte) error {
	if len(payload) > MaxAllowedFrameSize {
		return errors.NewValidationError("frame payload exceeds 2^24-1 bytes")
	}
	var head [FrameHeaderLen]byte
	head[0] = byte(len(payload) >> 16)
	head[1] = byte(len(payload) >> 8)
	head[2] = byte(len(payload))
	head[3] = byte(t)
	head[4] = flags
	binary.BigEndian.PutUint32(head[5:9], streamID&0x7fffffff)
	if _, err := f.w.Write(head[:]); err != nil {
		return errors.NewIOError("writing frame header", err)
	}
	if len(payload) > 0 {
		if _, err := f.w.Write(payload); err != nil {
			return errors.NewIOError("writing frame payload", err)
		}
	}
	return nil
}

// Setting is one SETTINGS parameter.
type Setting struct {
	ID  SettingID
	Val uint32
}

// WriteSettings writes a SETTINGS frame.
func (f *Framer) WriteSettings(settings ...Setting) error {
	payload := make([]byte, 0, len(settings)*6)
	for _, s := range settings {
		payload = binary.BigEndian.AppendUint16(payload, uint16(s.ID))
		payload = binary.BigEndian.AppendUint32(payload, s.Val)
	}
	return f.WriteFrame(FrameSettings, 0, 0, payload)
}

// WriteSettingsAck acknowledges the peer's SETTINGS.
func (f *Framer) WriteSettingsAck() error {
	return f.WriteFrame(FrameSettings, FlagAck, 0, nil)
}

// ParseSettings decodes a SETTINGS payload.
func ParseSettings(hdr FrameHeader, payload []byte) ([]Setting, error) {
	if hdr.StreamID != 0 {
		return nil, ConnError{ErrCodeProtocol, "SETTINGS on non-zero stream"}
	}
	if hdr.Flags&FlagAck != 0 {
		if len(payload) != 0 {
			return nil, ConnError{ErrCodeFrameSize, "SETTINGS ACK with payload"}
		}
		return nil, nil
	}
	if len(payload)%6 != 0 {
		return nil, ConnError{ErrCodeFrameSize, "SETTINGS payload not a multiple of 6"}
	}
	settings := make([]Setting, 0, len(payload)/6)
	for i := 0; i < len(payload); i += 6 {
		s := Setting{
			ID:  SettingID(binary.BigEndian.Uint16(payload[i:])),
			Val: binary.BigEndian.Uint32(payload[i+2:]),
		}
		switch s.ID {
		case SettingEnablePush:
			if s.Val > 1 {
				return nil, ConnError{ErrCodeProtocol, "SETTINGS_ENABLE_PUSH must be 0 or 1"}
			}
		case SettingInitialWindowSize:
			if s.Val > MaxWindowSize {
				return nil, ConnError{ErrCodeFlowControl, "SETTINGS_INITIAL_WINDOW_SIZE exceeds 2^31-1"}
			}
		case SettingMaxFrameSize:
			if s.Val < DefaultMaxFrameSize || s.Val > MaxAllowedFrameSize {
				return nil, ConnError{ErrCodeProtocol, "SETTINGS_MAX_FRAME_SIZE out of range"}
			}
		}
		settings = append(settings, s)
	}
	return settings, nil
}

// WriteData writes a DATA frame.
func (f *Framer) WriteData(streamID uint32, endStream bool, data []byte) error {
	var flags uint8
	if endStream {
		flags |= FlagEndStream
	}
	return f.WriteFrame(FrameData, flags, streamID, data)
}

// WriteHeaders writes a HEADERS frame with an already-encoded fragment.
// Fragments exceeding the peer's frame size are continued with
// CONTINUATION frames by the engine, not here.
func (f *Framer) WriteHeaders(streamID uint32, endStream, endHeaders bool, fragment []byte) error {
	var flags uint8
	if endStream {
		flags |= FlagEndStream
	}
	if endHeaders {
		flags |= FlagEndHeaders
	}
	return f.WriteFrame(FrameHeaders, flags, streamID, fragment)
}

// WriteContinuation writes a CONTINUATION frame.
func (f *Framer) WriteContinuation(streamID uint32, endHeaders bool, fragment []byte) error {
	var flags uint8
	if endHeaders {
		flags |= FlagEndHeaders
	}
	return f.WriteFrame(FrameContinuation, flags, streamID, fragment)
}

// WriteRSTStream writes a RST_STREAM frame.
func (f *Framer) WriteRSTStream(streamID uint32, code ErrCode) error {
	payload := binary.BigEndian.AppendUint32(nil, uint32(code))
	return f.WriteFrame(FrameRSTStream, 0, streamID, payload)
}

// WritePing writes a PING frame.
func (f *Framer) WritePing(ack bool, data [8]byte) error {
	var flags uint8
	if ack {
		flags |= FlagAck
	}
	return f.WriteFrame(FramePing, flags, 0, data[:])
}

// WriteGoAway writes a GOAWAY frame.
func (f *Framer) WriteGoAway(lastStreamID uint32, code ErrCode, debug []byte) error {
	payload := binary.BigEndian.AppendUint32(nil, lastStreamID&0x7fffffff)
	payload = binary.BigEndian.AppendUint32(payload, uint32(code))
	payload = append(payload, debug...)
	return f.WriteFrame(FrameGoAway, 0, 0, payload)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func (f *Framer) WriteWindowUpdate(streamID, increment uint32) error {
	payload := binary.BigEndian.AppendUint32(nil, increment&0x7fffffff)
	return f.WriteFrame(FrameWindowUpdate, 0, streamID, payload)
}

// stripPadding strips padding from a DATA or HEADERS payload.
func stripPadding(hdr FrameHeader, payload []byte) ([]byte, error) {
	if hdr.Flags&FlagPadded == 0 {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, ConnError{ErrCodeFrameSize, "padded frame too short"}
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, ConnError{ErrCodeProtocol, "padding exceeds payload"}
	}
	return payload[:len(payload)-padLen], nil
}

// parseHeadersPayload extracts the header block fragment, skipping padding
// and the optional priority fields.
func parseHeadersPayload(hdr FrameHeader, payload []byte) ([]byte, error) {
	payload, err := stripPadding(hdr, payload)
	if err != nil {
		return nil, err
	}
	if hdr.Flags&FlagPriority != 0 {
		if len(payload) < 5 {
			return nil, ConnError{ErrCodeFrameSize, "HEADERS priority fields truncated"}
		}
		payload = payload[5:]
	}
	return payload, nil
}

// parseWindowUpdate decodes a WINDOW_UPDATE payload.
func parseWindowUpdate(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ConnError{ErrCodeFrameSize, "WINDOW_UPDATE payload must be 4 bytes"}
	}
	return binary.BigEndian.Uint32(payload) & 0x7fffffff, nil
}

// parseGoAway decodes a GOAWAY payload.
func parseGoAway(payload []byte) (lastStreamID uint32, code ErrCode, debug []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, ConnError{ErrCodeFrameSize, "GOAWAY payload too short"}
	}
	lastStreamID = binary.BigEndian.Uint32(payload) & 0x7fffffff
	code = ErrCode(binary.BigEndian.Uint32(payload[4:]))
	return lastStreamID, code, payload[8:], nil
}

// parseRSTStream decodes a RST_STREAM payload.
func parseRSTStream(payload []byte) (ErrCode, error) {
	if len(payload) != 4 {
		return 0, ConnError{ErrCodeFrameSize, "RST_STREAM payload must be 4 bytes"}
	}
	return ErrCode(binary.BigEndian.Uint32(payload)), nil
}
