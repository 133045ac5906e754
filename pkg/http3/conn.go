package http3

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/qpack"
	"github.com/GhostKellz/zhttp/pkg/varint"
)

// Options contains HTTP/3 specific configuration.
type Options struct {
	// QPACKMaxTableCapacity is the dynamic-table capacity we announce
	// (SETTINGS_QPACK_MAX_TABLE_CAPACITY).
	QPACKMaxTableCapacity uint64

	// QPACKBlockedStreams is how many streams we tolerate blocked on
	// encoder-stream insertions (SETTINGS_QPACK_BLOCKED_STREAMS).
	QPACKBlockedStreams uint64

	// MaxFieldSectionSize bounds a decoded field section
	// (SETTINGS_MAX_FIELD_SECTION_SIZE). Zero means unlimited.
	MaxFieldSectionSize uint64

	// BodyMemLimit is the in-memory threshold before message bodies spill
	// to disk.
	BodyMemLimit int64

	// Logger receives frame-level debug logging when non-nil.
	Logger *logrus.Logger
}

// DefaultOptions returns the default HTTP/3 options.
func DefaultOptions() *Options {
	return &Options{
		QPACKMaxTableCapacity: qpack.DefaultMaxTableCapacity,
		QPACKBlockedStreams:   qpack.DefaultMaxBlockedStreams,
		BodyMemLimit:          4 << 20,
	}
}

func (o *Options) withDefaults() *Options {
	d := DefaultOptions()
	if o == nil {
		return d
	}
	out := *o
	if out.QPACKMaxTableCapacity == 0 {
		out.QPACKMaxTableCapacity = d.QPACKMaxTableCapacity
	}
	if out.QPACKBlockedStreams == 0 {
		out.QPACKBlockedStreams = d.QPACKBlockedStreams
	}
	if out.BodyMemLimit == 0 {
		out.BodyMemLimit = d.BodyMemLimit
	}
	return &out
}

func (o *Options) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Debugf("http3: "+format, args...)
	}
}

// Connection is one HTTP/3 connection over a QUIC transport, client or
// server role. QPACK state is guarded by mu and never held across stream
// I/O.
type Connection struct {
	t        Conn
	isClient bool
	opts     *Options

	mu  sync.Mutex
	enc *qpack.Encoder
	dec *qpack.Decoder

	control   SendStream
	encStream SendStream
	decStream SendStream

	peerSettings    Settings
	gotSettings     chan struct{}
	goAwaySent      bool
	goAwayRcvd      bool
	goAwayID        uint64
	largestAccepted uint64
	closed          bool
	connErr         error

	// blockedCh wakes request streams waiting for QPACK insertions.
	blockedCh map[uint64]chan struct{}

	handler Handler
}

// NewConnection wraps a QUIC connection. Call Start before use.
func NewConnection(t Conn, isClient bool, opts *Options) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		t:           t,
		isClient:    isClient,
		opts:        opts,
		enc:         qpack.NewEncoder(),
		dec:         qpack.NewDecoder(opts.QPACKMaxTableCapacity, int(opts.QPACKBlockedStreams)),
		gotSettings: make(chan struct{}),
		blockedCh:   make(map[uint64]chan struct{}),
	}
	if opts.MaxFieldSectionSize > 0 {
		c.dec.SetMaxFieldSectionSize(int(opts.MaxFieldSectionSize))
	}
	return c
}

// Start opens the control and QPACK streams, sends our SETTINGS, and
// launches the unidirectional accept loop. Each endpoint opens exactly one
// stream of each type; duplicates from the peer are a connection error.
func (c *Connection) Start(ctx context.Context) error {
	control, err := c.t.OpenUniStream()
	if err != nil {
		return errors.NewConnectionError("", 0, err)
	}
	settings := Settings{
		QPACKMaxTableCapacity: c.opts.QPACKMaxTableCapacity,
		QPACKBlockedStreams:   c.opts.QPACKBlockedStreams,
		MaxFieldSectionSize:   c.opts.MaxFieldSectionSize,
	}
	buf := varint.Append(nil, StreamTypeControl)
	buf = AppendSettingsFrame(buf, settings)
	if _, err := control.Write(buf); err != nil {
		return errors.NewIOError("writing control stream", err)
	}

	encStream, err := c.t.OpenUniStream()
	if err != nil {
		return errors.NewConnectionError("", 0, err)
	}
	if _, err := encStream.Write(varint.Append(nil, StreamTypeQPACKEncoder)); err != nil {
		return errors.NewIOError("writing qpack encoder stream", err)
	}
	decStream, err := c.t.OpenUniStream()
	if err != nil {
		return errors.NewConnectionError("", 0, err)
	}
	if _, err := decStream.Write(varint.Append(nil, StreamTypeQPACKDecoder)); err != nil {
		return errors.NewIOError("writing qpack decoder stream", err)
	}

	c.mu.Lock()
	c.control = control
	c.encStream = encStream
	c.decStream = decStream
	c.mu.Unlock()

	go c.acceptUniStreams()
	return nil
}

// PeerSettings blocks until the peer's SETTINGS arrive or ctx expires.
func (c *Connection) PeerSettings(ctx context.Context) (Settings, error) {
	select {
	case <-c.gotSettings:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.peerSettings, nil
	case <-ctx.Done():
		return Settings{}, errors.NewTimeoutError("awaiting SETTINGS", 0)
	}
}

// Reusable reports whether new requests may be submitted.
func (c *Connection) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.goAwayRcvd && !c.goAwaySent
}

// Close sends GOAWAY with the largest accepted id and closes the
// connection with H3_NO_ERROR.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.goAwaySent = true
	c.closed = true
	control := c.control
	largest := c.largestAccepted
	c.mu.Unlock()

	if control != nil {
		control.Write(AppendGoAwayFrame(nil, largest))
	}
	return c.t.CloseWithError(uint64(ErrCodeNoError), "")
}

// abort closes the connection with the given error code.
func (c *Connection) abort(ce ConnError) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connErr = ce
	for _, ch := range c.blockedCh {
		close(ch)
	}
	c.blockedCh = map[uint64]chan struct{}{}
	c.mu.Unlock()
	c.opts.logf("connection error 0x%x: %s", uint64(ce.Code), ce.Msg)
	c.t.CloseWithError(uint64(ce.Code), ce.Msg)
}

// acceptUniStreams routes inbound unidirectional streams by their type
// varint: one control, one QPACK encoder, one QPACK decoder; anything else
// is refused.
func (c *Connection) acceptUniStreams() {
	var seenControl, seenEncoder, seenDecoder bool
	for {
		rs, err := c.t.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		br := &byteReader{r: rs}
		streamType, err := varint.Read(br)
		if err != nil {
			rs.CancelRead(uint64(ErrCodeStreamCreationError))
			continue
		}
		switch streamType {
		case StreamTypeControl:
			if seenControl {
				c.abort(ConnError{ErrCodeStreamCreationError, "duplicate control stream"})
				return
			}
			seenControl = true
			go c.readControlStream(rs)
		case StreamTypeQPACKEncoder:
			if seenEncoder {
				c.abort(ConnError{ErrCodeStreamCreationError, "duplicate QPACK encoder stream"})
				return
			}
			seenEncoder = true
			go c.readEncoderStream(rs)
		case StreamTypeQPACKDecoder:
			if seenDecoder {
				c.abort(ConnError{ErrCodeStreamCreationError, "duplicate QPACK decoder stream"})
				return
			}
			seenDecoder = true
			go c.readDecoderStream(rs)
		case StreamTypePush:
			if c.isClient {
				// We never raised MAX_PUSH_ID, so no push stream is legal.
				c.abort(ConnError{ErrCodeIDError, "unexpected push stream"})
			} else {
				c.abort(ConnError{ErrCodeStreamCreationError, "push stream from client"})
			}
			return
		default:
			// Unknown stream types are discarded without closing the
			// connection (RFC 9114 Section 6.2).
			rs.CancelRead(uint64(ErrCodeStreamCreationError))
		}
	}
}

// readControlStream enforces SETTINGS-first and processes GOAWAY.
func (c *Connection) readControlStream(rs ReceiveStream) {
	fr := NewFrameReader(rs)
	first := true
	for {
		t, length, err := fr.Next()
		if err != nil {
			// The control stream must stay open for the connection's life.
			c.abort(ConnError{ErrCodeClosedCriticalStream, "control stream closed"})
			return
		}
		if first && t != FrameSettings {
			c.abort(ConnError{ErrCodeMissingSettings, "first control frame is not SETTINGS"})
			return
		}
		switch t {
		case FrameSettings:
			if !first {
				c.abort(ConnError{ErrCodeFrameUnexpected, "second SETTINGS frame"})
				return
			}
			payload, err := fr.ReadPayload(length)
			if err != nil {
				c.abort(ConnError{ErrCodeFrameError, "SETTINGS truncated"})
				return
			}
			settings, perr := ParseSettingsPayload(payload)
			if perr != nil {
				c.abort(perr.(ConnError))
				return
			}
			c.mu.Lock()
			c.peerSettings = settings
			c.enc.SetMaxTableCapacity(settings.QPACKMaxTableCapacity)
			c.enc.SetMaxBlockedStreams(int(settings.QPACKBlockedStreams))
			instr := c.enc.TakeInstructions()
			enc := c.encStream
			c.mu.Unlock()
			if len(instr) > 0 && enc != nil {
				enc.Write(instr)
			}
			close(c.gotSettings)
		case FrameGoAway:
			payload, err := fr.ReadPayload(length)
			if err != nil {
				c.abort(ConnError{ErrCodeFrameError, "GOAWAY truncated"})
				return
			}
			id, _, perr := varint.Parse(payload)
			if perr != nil {
				c.abort(ConnError{ErrCodeFrameError, "GOAWAY id truncated"})
				return
			}
			c.mu.Lock()
			if c.goAwayRcvd && id > c.goAwayID {
				// GOAWAY ids may only shrink.
				c.mu.Unlock()
				c.abort(ConnError{ErrCodeIDError, "GOAWAY id increased"})
				return
			}
			c.goAwayRcvd = true
			c.goAwayID = id
			c.mu.Unlock()
		case FrameCancelPush, FrameMaxPushID:
			// Push is never enabled by this library; parse and ignore.
			if err := fr.Discard(length); err != nil {
				c.abort(ConnError{ErrCodeFrameError, "frame truncated"})
				return
			}
		case FrameData, FrameHeaders, FramePushPromise:
			c.abort(ConnError{ErrCodeFrameUnexpected, "request frame on control stream"})
			return
		default:
			if err := fr.Discard(length); err != nil {
				c.abort(ConnError{ErrCodeFrameError, "frame truncated"})
				return
			}
		}
		first = false
	}
}

// readEncoderStream feeds the peer's encoder instructions into our QPACK
// decoder and wakes any streams that became decodable.
func (c *Connection) readEncoderStream(rs ReceiveStream) {
	buf := make([]byte, 4096)
	for {
		n, err := rs.Read(buf)
		if n > 0 {
			c.mu.Lock()
			ready, herr := c.dec.HandleEncoderInstructions(buf[:n])
			instr := c.dec.TakeInstructions()
			dec := c.decStream
			var wake []chan struct{}
			for _, sid := range ready {
				if ch, ok := c.blockedCh[sid]; ok {
					wake = append(wake, ch)
					delete(c.blockedCh, sid)
				}
			}
			c.mu.Unlock()
			if herr != nil {
				c.abort(ConnError{ErrCodeQPACKEncoderStream, herr.Error()})
				return
			}
			if len(instr) > 0 && dec != nil {
				dec.Write(instr)
			}
			for _, ch := range wake {
				close(ch)
			}
		}
		if err != nil {
			c.abort(ConnError{ErrCodeClosedCriticalStream, "QPACK encoder stream closed"})
			return
		}
	}
}

// readDecoderStream feeds the peer's acknowledgments into our QPACK
// encoder.
func (c *Connection) readDecoderStream(rs ReceiveStream) {
	buf := make([]byte, 4096)
	for {
		n, err := rs.Read(buf)
		if n > 0 {
			c.mu.Lock()
			herr := c.enc.HandleDecoderInstructions(buf[:n])
			c.mu.Unlock()
			if herr != nil {
				c.abort(ConnError{ErrCodeQPACKDecoderStream, herr.Error()})
				return
			}
		}
		if err != nil {
			c.abort(ConnError{ErrCodeClosedCriticalStream, "QPACK decoder stream closed"})
			return
		}
	}
}

// encodeFieldSection encodes fields for streamID and flushes any encoder
// instructions to the encoder stream first, preserving the order the
// decoder depends on.
func (c *Connection) encodeFieldSection(streamID uint64, fields header.List) ([]byte, error) {
	c.mu.Lock()
	block, err := c.enc.EncodeFieldSection(streamID, fields)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	instr := c.enc.TakeInstructions()
	enc := c.encStream
	c.mu.Unlock()

	if len(instr) > 0 && enc != nil {
		if _, err := enc.Write(instr); err != nil {
			return nil, errors.NewIOError("writing qpack encoder stream", err)
		}
	}
	return block, nil
}

// decodeFieldSection decodes a field section, blocking (bounded by ctx)
// while required insertions are still in flight on the encoder stream.
func (c *Connection) decodeFieldSection(ctx context.Context, streamID uint64, block []byte) (header.List, error) {
	for {
		c.mu.Lock()
		fields, blocked, err := c.dec.DecodeFieldSection(streamID, block)
		instr := c.dec.TakeInstructions()
		dec := c.decStream
		var ch chan struct{}
		if blocked {
			ch = make(chan struct{})
			c.blockedCh[streamID] = ch
		}
		closed := c.closed
		c.mu.Unlock()

		if len(instr) > 0 && dec != nil {
			dec.Write(instr)
		}
		if err != nil {
			return nil, err
		}
		if !blocked {
			return fields, nil
		}
		if closed {
			return nil, errors.NewIOError("connection closed", nil)
		}
		c.opts.logf("stream %d blocked on QPACK insertions", streamID)
		select {
		case <-ch:
			block = nil // retry from the decoder's stored section
		case <-ctx.Done():
			c.mu.Lock()
			delete(c.blockedCh, streamID)
			c.dec.CancelStream(streamID)
			instr := c.dec.TakeInstructions()
			dec := c.decStream
			c.mu.Unlock()
			if len(instr) > 0 && dec != nil {
				dec.Write(instr)
			}
			return nil, errors.NewCancelError("qpack decode", ctx.Err())
		}
	}
}

