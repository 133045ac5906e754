package http2

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/hpack"
)

// peerSettings is the peer's view negotiated via SETTINGS.
type peerSettings struct {
	headerTableSize      uint32
	enablePush           bool
	maxConcurrentStreams uint32 // 0 means unlimited
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxHeaderListSize    uint32
}

func defaultPeerSettings() peerSettings {
	return peerSettings{
		headerTableSize:   DefaultHeaderTableSize,
		enablePush:        true,
		initialWindowSize: DefaultInitialWindowSize,
		maxFrameSize:      DefaultMaxFrameSize,
	}
}

// Conn is one HTTP/2 connection, client or server role. All connection
// state is mutated either by the single reader goroutine or under mu; the
// HPACK encoder is guarded by the write lock so encoding and frame writes
// stay atomic per header block.
type Conn struct {
	nc       net.Conn
	framer   *Framer
	isClient bool
	opts     *Options

	// wmu serializes all frame writes and the HPACK encoder.
	wmu sync.Mutex
	enc *hpack.Encoder

	// dec is touched only by the reader goroutine.
	dec *hpack.Decoder

	mu            sync.Mutex
	cond          *sync.Cond // signaled on window or stream-table changes
	streams       map[uint32]*Stream
	nextStreamID  uint32
	lastAccepted  uint32 // highest peer-initiated stream id accepted
	peer          peerSettings
	sendWindow    int64 // connection-level send window
	recvWindow    int64 // connection-level receive window remaining
	recvQuota     int64 // target connection receive window
	goAwaySent    bool
	goAwayRcvd    bool
	goAwayLastID  uint32
	goAwayCode    ErrCode
	closed        bool
	connErr       error
	recentlyReset map[uint32]time.Time

	peerSettingsOnce chan struct{} // closed when the peer's SETTINGS arrived
	settingsAcked    chan struct{} // closed when our SETTINGS were acked

	// handler serves peer-initiated streams in the server role.
	handler Handler
	doneCh  chan struct{}
}

// NewConn wraps an established transport connection. The caller must run
// Handshake before submitting requests or serving.
func NewConn(nc net.Conn, isClient bool, opts *Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		nc:               nc,
		framer:           NewFramer(nc, nc),
		isClient:         isClient,
		opts:             opts,
		enc:              hpack.NewEncoder(DefaultHeaderTableSize),
		dec:              hpack.NewDecoder(opts.HeaderTableSize),
		streams:          make(map[uint32]*Stream),
		peer:             defaultPeerSettings(),
		sendWindow:       DefaultInitialWindowSize,
		recvWindow:       DefaultInitialWindowSize,
		recvQuota:        DefaultInitialWindowSize,
		recentlyReset:    make(map[uint32]time.Time),
		peerSettingsOnce: make(chan struct{}),
		settingsAcked:    make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	if isClient {
		c.nextStreamID = 1
	} else {
		c.nextStreamID = 2
	}
	c.dec.SetMaxFieldSectionSize(int(opts.MaxHeaderListSize))
	c.framer.SetMaxReadFrameSize(opts.MaxFrameSize)
	return c
}

// Handshake performs the connection preface and SETTINGS exchange, then
// starts the reader loop.
func (c *Conn) Handshake() error {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	c.nc.SetDeadline(deadline)
	defer c.nc.SetDeadline(time.Time{})

	if c.isClient {
		if _, err := c.nc.Write([]byte(ClientPreface)); err != nil {
			return errors.NewIOError("writing connection preface", err)
		}
	} else {
		preface := make([]byte, len(ClientPreface))
		if _, err := io.ReadFull(c.nc, preface); err != nil {
			return errors.NewIOError("reading connection preface", err)
		}
		if string(preface) != ClientPreface {
			return errors.NewFramingError(errors.TagBadSyntax, "handshake", "bad connection preface")
		}
	}

	settings := []Setting{
		{SettingEnablePush, 0},
		{SettingHeaderTableSize, c.opts.HeaderTableSize},
		{SettingInitialWindowSize, c.opts.InitialWindowSize},
		{SettingMaxFrameSize, c.opts.MaxFrameSize},
		{SettingMaxHeaderListSize, c.opts.MaxHeaderListSize},
		{SettingMaxConcurrentStreams, c.opts.MaxConcurrentStreams},
	}
	c.wmu.Lock()
	err := c.framer.WriteSettings(settings...)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	go c.readLoop()

	// Both the peer's SETTINGS and the ACK of ours must arrive before the
	// negotiated values drive outgoing behavior.
	timeout := time.NewTimer(c.opts.HandshakeTimeout)
	defer timeout.Stop()
	for _, ch := range []chan struct{}{c.peerSettingsOnce, c.settingsAcked} {
		select {
		case <-ch:
		case <-timeout.C:
			c.closeWithError(ConnError{ErrCodeSettingsTimeout, "timeout waiting for SETTINGS exchange"})
			return errors.NewTimeoutError("settings handshake", c.opts.HandshakeTimeout)
		}
	}

	// Grow the connection-level receive window beyond the 65535 default.
	if c.opts.ConnWindowSize > DefaultInitialWindowSize {
		inc := c.opts.ConnWindowSize - DefaultInitialWindowSize
		c.mu.Lock()
		c.recvWindow += int64(inc)
		c.recvQuota += int64(inc)
		c.mu.Unlock()
		c.wmu.Lock()
		err := c.framer.WriteWindowUpdate(0, inc)
		c.wmu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Reusable reports whether new streams may be initiated on this connection.
func (c *Conn) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.goAwayRcvd && !c.goAwaySent && c.connErr == nil
}

// ActiveStreams returns the number of streams in open or half-closed state.
func (c *Conn) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeStreamsLocked()
}

func (c *Conn) activeStreamsLocked() int {
	n := 0
	for _, s := range c.streams {
		switch s.State {
		case StateOpen, StateHalfClosedLocal, StateHalfClosedRemote:
			n++
		}
	}
	return n
}

// StreamBudget reports how many further streams the peer currently permits.
func (c *Conn) StreamBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.goAwayRcvd || c.goAwaySent {
		return 0
	}
	if c.peer.maxConcurrentStreams == 0 {
		return int(^uint32(0) >> 1)
	}
	budget := int(c.peer.maxConcurrentStreams) - c.activeStreamsLocked()
	if budget < 0 {
		return 0
	}
	return budget
}

// Ping sends a PING with the given payload for liveness/RTT measurement.
// The ACK is consumed by the reader loop.
func (c *Conn) Ping(data [8]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.framer.WritePing(false, data)
}

// Close sends GOAWAY NO_ERROR and closes the transport once done.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.goAwaySent = true
	last := c.lastAccepted
	c.mu.Unlock()

	c.wmu.Lock()
	c.framer.WriteGoAway(last, ErrCodeNo, nil)
	c.wmu.Unlock()
	return c.closeWithError(nil)
}

// closeWithError tears the connection down, failing every live stream.
func (c *Conn) closeWithError(err error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connErr = err
	if c.doneCh != nil {
		close(c.doneCh)
	}
	for _, s := range c.streams {
		if err != nil {
			s.closeWithError(err)
		} else {
			s.closeWithError(errors.NewIOError("connection closed", nil))
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	return c.nc.Close()
}

// abort sends GOAWAY with the error's code and tears the connection down.
func (c *Conn) abort(ce ConnError) {
	c.mu.Lock()
	alreadySent := c.goAwaySent
	c.goAwaySent = true
	last := c.lastAccepted
	c.mu.Unlock()
	if !alreadySent {
		c.wmu.Lock()
		c.framer.WriteGoAway(last, ce.Code, []byte(ce.Msg))
		c.wmu.Unlock()
	}
	c.closeWithError(ce)
}

// readLoop is the connection's owning task: every piece of inbound state
// mutation happens here or under mu.
func (c *Conn) readLoop() {
	// CONTINUATION contiguity: while a header block is open, only
	// CONTINUATION frames on the same stream are legal.
	var (
		contStreamID uint32
		contFragment []byte
		contEnd      bool // END_STREAM on the opening HEADERS
		contActive   bool
	)

	for {
		hdr, payload, err := c.framer.ReadFrame()
		if err != nil {
			if ce, ok := err.(ConnError); ok {
				c.abort(ce)
			} else {
				c.closeWithError(errors.NewIOError("reading frame", err))
			}
			return
		}
		c.opts.logf("recv %s stream=%d len=%d flags=0x%x", hdr.Type, hdr.StreamID, hdr.Length, hdr.Flags)

		if contActive && (hdr.Type != FrameContinuation || hdr.StreamID != contStreamID) {
			c.abort(ConnError{ErrCodeProtocol, "frame interleaved in header block"})
			return
		}

		var ferr error
		switch hdr.Type {
		case FrameSettings:
			ferr = c.processSettings(hdr, payload)
		case FrameHeaders:
			fragment, perr := parseHeadersPayload(hdr, payload)
			if perr != nil {
				ferr = perr
				break
			}
			if hdr.StreamID == 0 {
				ferr = ConnError{ErrCodeProtocol, "HEADERS on stream 0"}
				break
			}
			if hdr.Flags&FlagEndHeaders != 0 {
				ferr = c.processHeaderBlock(hdr.StreamID, fragment, hdr.Flags&FlagEndStream != 0)
			} else {
				contActive = true
				contStreamID = hdr.StreamID
				contFragment = append([]byte(nil), fragment...)
				contEnd = hdr.Flags&FlagEndStream != 0
			}
		case FrameContinuation:
			if !contActive {
				ferr = ConnError{ErrCodeProtocol, "CONTINUATION without open header block"}
				break
			}
			contFragment = append(contFragment, payload...)
			if hdr.Flags&FlagEndHeaders != 0 {
				contActive = false
				ferr = c.processHeaderBlock(contStreamID, contFragment, contEnd)
				contFragment = nil
			}
		case FrameData:
			ferr = c.processData(hdr, payload)
		case FrameRSTStream:
			ferr = c.processRSTStream(hdr, payload)
		case FrameWindowUpdate:
			ferr = c.processWindowUpdate(hdr, payload)
		case FramePing:
			ferr = c.processPing(hdr, payload)
		case FrameGoAway:
			ferr = c.processGoAway(hdr, payload)
		case FramePushPromise:
			// Push is disabled on every connection this library opens.
			ferr = ConnError{ErrCodeProtocol, "PUSH_PROMISE received with push disabled"}
		case FramePriority:
			// Parsed for validity, otherwise ignored: this engine keeps no
			// dependency tree.
			if len(payload) != 5 {
				ferr = StreamError{hdr.StreamID, ErrCodeFrameSize, "PRIORITY payload must be 5 bytes"}
			}
		default:
			// Unknown frame types are ignored (RFC 9113 Section 4.1).
		}

		switch e := ferr.(type) {
		case nil:
		case ConnError:
			c.abort(e)
			return
		case StreamError:
			c.resetStream(e.StreamID, e.Code, e.Msg)
		default:
			c.abort(ConnError{ErrCodeInternal, e.Error()})
			return
		}
	}
}

// processSettings applies a peer SETTINGS frame or the ACK of ours.
func (c *Conn) processSettings(hdr FrameHeader, payload []byte) error {
	settings, err := ParseSettings(hdr, payload)
	if err != nil {
		return err
	}
	if hdr.Flags&FlagAck != 0 {
		select {
		case <-c.settingsAcked:
		default:
			close(c.settingsAcked)
		}
		return nil
	}

	c.mu.Lock()
	for _, s := range settings {
		switch s.ID {
		case SettingHeaderTableSize:
			c.peer.headerTableSize = s.Val
		case SettingEnablePush:
			c.peer.enablePush = s.Val == 1
		case SettingMaxConcurrentStreams:
			c.peer.maxConcurrentStreams = s.Val
		case SettingInitialWindowSize:
			// Adjust every open stream's send window by the delta
			// (RFC 9113 Section 6.9.2).
			delta := int64(s.Val) - int64(c.peer.initialWindowSize)
			for _, st := range c.streams {
				st.sendWindow += delta
				if st.sendWindow > MaxWindowSize {
					c.mu.Unlock()
					return ConnError{ErrCodeFlowControl, "SETTINGS_INITIAL_WINDOW_SIZE drives stream window out of range"}
				}
			}
			c.peer.initialWindowSize = s.Val
		case SettingMaxFrameSize:
			c.peer.maxFrameSize = s.Val
		case SettingMaxHeaderListSize:
			c.peer.maxHeaderListSize = s.Val
		}
	}
	tableSize := c.peer.headerTableSize
	c.cond.Broadcast()
	c.mu.Unlock()

	c.wmu.Lock()
	c.enc.SetMaxDynamicTableSize(tableSize)
	err = c.framer.WriteSettingsAck()
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-c.peerSettingsOnce:
	default:
		close(c.peerSettingsOnce)
	}
	return nil
}

// processHeaderBlock decodes a completed header block and routes it to the
// stream. HPACK failure is connection-fatal.
func (c *Conn) processHeaderBlock(streamID uint32, fragment []byte, endStream bool) error {
	fields, err := c.dec.Decode(fragment)
	if err != nil {
		return ConnError{ErrCodeCompression, err.Error()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClient {
		return c.clientHeadersLocked(streamID, fields, endStream)
	}
	return c.serverHeadersLocked(streamID, fields, endStream)
}

// clientHeadersLocked handles a response header block.
func (c *Conn) clientHeadersLocked(streamID uint32, fields header.List, endStream bool) error {
	s, ok := c.streams[streamID]
	if !ok {
		if c.wasRecentlyResetLocked(streamID) {
			return nil
		}
		return ConnError{ErrCodeProtocol, fmt.Sprintf("HEADERS on unknown stream %d", streamID)}
	}

	if s.sawHeaders {
		// Trailers: no pseudo-headers, must end the stream.
		if err := header.CheckDecoded(fields, false, true); err != nil {
			return StreamError{streamID, ErrCodeProtocol, err.Error()}
		}
		if !endStream {
			return StreamError{streamID, ErrCodeProtocol, "trailers without END_STREAM"}
		}
		s.trailers = fields
	} else {
		if err := header.CheckDecoded(fields, false, false); err != nil {
			return StreamError{streamID, ErrCodeProtocol, err.Error()}
		}
		status := fields.Get(":status")
		if status == "" {
			return StreamError{streamID, ErrCodeProtocol, "response without :status"}
		}
		if len(status) == 3 && status[0] == '1' {
			// Interim response: wait for the final header block.
			return nil
		}
		s.headers = fields
		s.sawHeaders = true
	}
	if endStream {
		s.sawEndStream = true
		s.halfCloseRemote()
	}
	return nil
}

// processData handles a DATA frame with both levels of flow accounting.
func (c *Conn) processData(hdr FrameHeader, payload []byte) error {
	if hdr.StreamID == 0 {
		return ConnError{ErrCodeProtocol, "DATA on stream 0"}
	}
	data, err := stripPadding(hdr, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	// The whole frame, padding included, counts against flow control.
	c.recvWindow -= int64(hdr.Length)
	if c.recvWindow < 0 {
		c.mu.Unlock()
		return ConnError{ErrCodeFlowControl, "connection flow-control window exceeded"}
	}

	s, ok := c.streams[hdr.StreamID]
	if !ok {
		recentlyReset := c.wasRecentlyResetLocked(hdr.StreamID)
		// Even on discarded streams the connection window must be
		// replenished so the peer does not stall.
		connInc := c.connWindowRefillLocked()
		c.mu.Unlock()
		c.sendConnWindowUpdate(connInc)
		if recentlyReset {
			return nil
		}
		return ConnError{ErrCodeStreamClosed, fmt.Sprintf("DATA on closed stream %d", hdr.StreamID)}
	}
	if s.State != StateOpen && s.State != StateHalfClosedLocal {
		c.mu.Unlock()
		return ConnError{ErrCodeStreamClosed, fmt.Sprintf("DATA on %s stream %d", s.State, hdr.StreamID)}
	}
	s.recvWindow -= int64(hdr.Length)
	if s.recvWindow < 0 {
		c.mu.Unlock()
		return StreamError{hdr.StreamID, ErrCodeFlowControl, "stream flow-control window exceeded"}
	}

	if len(data) > 0 {
		if _, err := s.body.Write(data); err != nil {
			c.mu.Unlock()
			return StreamError{hdr.StreamID, ErrCodeInternal, "buffering body"}
		}
	}
	if hdr.Flags&FlagEndStream != 0 {
		s.sawEndStream = true
		s.halfCloseRemote()
	}

	// The body is consumed into the stream buffer immediately, so windows
	// refill once they dip below half.
	connInc := c.connWindowRefillLocked()
	var streamInc uint32
	if s.State == StateOpen || s.State == StateHalfClosedLocal {
		initial := int64(c.opts.InitialWindowSize)
		if s.recvWindow < initial/2 {
			streamInc = uint32(initial - s.recvWindow)
			s.recvWindow = initial
		}
	}
	streamID := hdr.StreamID
	c.mu.Unlock()

	c.sendConnWindowUpdate(connInc)
	if streamInc > 0 {
		c.wmu.Lock()
		c.framer.WriteWindowUpdate(streamID, streamInc)
		c.wmu.Unlock()
	}
	return nil
}

// connWindowRefillLocked tops the connection receive window back up once it
// drops below half of its quota, returning the increment to send.
func (c *Conn) connWindowRefillLocked() uint32 {
	if c.recvWindow < c.recvQuota/2 {
		inc := c.recvQuota - c.recvWindow
		c.recvWindow = c.recvQuota
		return uint32(inc)
	}
	return 0
}

func (c *Conn) sendConnWindowUpdate(inc uint32) {
	if inc == 0 {
		return
	}
	c.wmu.Lock()
	c.framer.WriteWindowUpdate(0, inc)
	c.wmu.Unlock()
}

// processRSTStream closes the stream and starts its post-reset grace
// window.
func (c *Conn) processRSTStream(hdr FrameHeader, payload []byte) error {
	if hdr.StreamID == 0 {
		return ConnError{ErrCodeProtocol, "RST_STREAM on stream 0"}
	}
	code, err := parseRSTStream(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[hdr.StreamID]
	if !ok {
		if c.wasRecentlyResetLocked(hdr.StreamID) || hdr.StreamID <= c.highestInitiatedLocked(hdr.StreamID) {
			return nil
		}
		return ConnError{ErrCodeProtocol, "RST_STREAM on idle stream"}
	}
	var serr error
	if code == ErrCodeRefusedStream {
		serr = errors.NewProtocolErrorTag(errors.TagRefused, "stream", "stream refused by peer")
	} else {
		serr = errors.NewProtocolErrorTag(errors.TagMalformedMessage, "stream", fmt.Sprintf("stream reset by peer: %s", code))
	}
	s.closeWithError(serr)
	c.recentlyReset[hdr.StreamID] = time.Now()
	c.pruneRecentlyResetLocked()
	c.cond.Broadcast()
	return nil
}

// highestInitiatedLocked returns the highest stream id initiated in the
// direction streamID belongs to.
func (c *Conn) highestInitiatedLocked(streamID uint32) uint32 {
	ourParity := streamID%2 == 1
	if c.isClient == ourParity {
		// Stream initiated by us.
		if c.nextStreamID < 2 {
			return 0
		}
		return c.nextStreamID - 2
	}
	return c.lastAccepted
}

// processWindowUpdate credits a send window. Updates on closed streams are
// ignored.
func (c *Conn) processWindowUpdate(hdr FrameHeader, payload []byte) error {
	inc, err := parseWindowUpdate(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if hdr.StreamID == 0 {
		if inc == 0 {
			return ConnError{ErrCodeProtocol, "WINDOW_UPDATE with zero increment"}
		}
		c.sendWindow += int64(inc)
		if c.sendWindow > MaxWindowSize {
			return ConnError{ErrCodeFlowControl, "connection send window exceeds 2^31-1"}
		}
		c.cond.Broadcast()
		return nil
	}
	s, ok := c.streams[hdr.StreamID]
	if !ok || s.State == StateClosed {
		return nil
	}
	if inc == 0 {
		return StreamError{hdr.StreamID, ErrCodeProtocol, "WINDOW_UPDATE with zero increment"}
	}
	s.sendWindow += int64(inc)
	if s.sendWindow > MaxWindowSize {
		return StreamError{hdr.StreamID, ErrCodeFlowControl, "stream send window exceeds 2^31-1"}
	}
	c.cond.Broadcast()
	return nil
}

func (c *Conn) processPing(hdr FrameHeader, payload []byte) error {
	if hdr.StreamID != 0 {
		return ConnError{ErrCodeProtocol, "PING on non-zero stream"}
	}
	if len(payload) != 8 {
		return ConnError{ErrCodeFrameSize, "PING payload must be 8 bytes"}
	}
	if hdr.Flags&FlagAck != 0 {
		return nil
	}
	var data [8]byte
	copy(data[:], payload)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.framer.WritePing(true, data)
}

// processGoAway marks the connection draining and fails streams above the
// peer's last-stream-id as retriable.
func (c *Conn) processGoAway(hdr FrameHeader, payload []byte) error {
	if hdr.StreamID != 0 {
		return ConnError{ErrCodeProtocol, "GOAWAY on non-zero stream"}
	}
	last, code, _, err := parseGoAway(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.goAwayRcvd = true
	c.goAwayLastID = last
	c.goAwayCode = code
	for id, s := range c.streams {
		if id > last && c.initiatedByUsLocked(id) {
			s.closeWithError(errors.NewProtocolErrorTag(errors.TagRefused, "goaway",
				fmt.Sprintf("stream %d above GOAWAY last-stream-id %d", id, last)))
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if code != ErrCodeNo {
		c.closeWithError(errors.NewProtocolErrorTag(errors.TagOriginDraining, "goaway",
			fmt.Sprintf("connection closed by peer: %s", code)))
	}
	return nil
}

func (c *Conn) initiatedByUsLocked(id uint32) bool {
	odd := id%2 == 1
	return odd == c.isClient
}

// resetStream sends RST_STREAM and closes the local stream state.
func (c *Conn) resetStream(streamID uint32, code ErrCode, msg string) {
	c.mu.Lock()
	if s, ok := c.streams[streamID]; ok {
		s.resetSent = true
		s.closeWithError(errors.NewProtocolErrorTag(errors.TagMalformedMessage, "stream", msg))
	}
	c.recentlyReset[streamID] = time.Now()
	c.pruneRecentlyResetLocked()
	c.mu.Unlock()

	c.wmu.Lock()
	c.framer.WriteRSTStream(streamID, code)
	c.wmu.Unlock()
}

// resetGraceWindow is how long frames for a reset stream stay tolerated.
const resetGraceWindow = 5 * time.Second

func (c *Conn) wasRecentlyResetLocked(streamID uint32) bool {
	t, ok := c.recentlyReset[streamID]
	return ok && time.Since(t) < resetGraceWindow
}

func (c *Conn) pruneRecentlyResetLocked() {
	if len(c.recentlyReset) < 64 {
		return
	}
	for id, t := range c.recentlyReset {
		if time.Since(t) >= resetGraceWindow {
			delete(c.recentlyReset, id)
		}
	}
}

// writeHeaderBlock encodes fields and writes HEADERS plus CONTINUATION
// frames under the write lock, keeping HPACK state and wire order atomic.
func (c *Conn) writeHeaderBlock(streamID uint32, fields header.List, endStream bool) error {
	c.mu.Lock()
	maxFrame := int(c.peer.maxFrameSize)
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	block, err := c.enc.Encode(nil, fields)
	if err != nil {
		return err
	}
	first := true
	for {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		last := len(block) == 0
		if first {
			if err := c.framer.WriteHeaders(streamID, endStream, last, chunk); err != nil {
				return err
			}
			first = false
		} else {
			if err := c.framer.WriteContinuation(streamID, last, chunk); err != nil {
				return err
			}
		}
		if last {
			return nil
		}
	}
}

// writeBodyData sends data on the stream under flow control, splitting at
// the peer's frame size and blocking while either window is exhausted.
func (c *Conn) writeBodyData(s *Stream, data []byte, endStream bool) error {
	for len(data) > 0 || endStream {
		c.mu.Lock()
		for {
			if c.closed {
				err := c.connErr
				c.mu.Unlock()
				if err == nil {
					err = errors.NewIOError("connection closed", nil)
				}
				return err
			}
			if s.State == StateClosed {
				err := s.err
				c.mu.Unlock()
				if err == nil {
					err = errors.NewProtocolErrorTag(errors.TagStreamGone, "write", "stream closed")
				}
				return err
			}
			if len(data) == 0 {
				break // END_STREAM-only frame needs no window
			}
			if c.sendWindow > 0 && s.sendWindow > 0 {
				break
			}
			c.cond.Wait()
		}
		n := len(data)
		if int64(n) > c.sendWindow {
			n = int(c.sendWindow)
		}
		if int64(n) > s.sendWindow {
			n = int(s.sendWindow)
		}
		if max := int(c.peer.maxFrameSize); n > max {
			n = max
		}
		c.sendWindow -= int64(n)
		s.sendWindow -= int64(n)
		c.mu.Unlock()

		chunk := data[:n]
		data = data[n:]
		fin := endStream && len(data) == 0

		c.wmu.Lock()
		err := c.framer.WriteData(s.ID, fin, chunk)
		c.wmu.Unlock()
		if err != nil {
			return err
		}
		if fin {
			return nil
		}
	}
	return nil
}
