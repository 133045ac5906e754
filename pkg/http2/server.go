package http2

import (
	"fmt"
	"strconv"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

// ServerRequest is a request received on a server connection.
type ServerRequest struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   header.List
	Trailers  header.List
	Body      []byte
	StreamID  uint32
}

// ResponseWriter is the sink a server handler writes its response into.
// The engine guarantees exactly one response per request: a handler that
// returns without writing gets a synthesized 500, and a body shorter than
// its declared content-length aborts the stream.
type ResponseWriter interface {
	WriteHeader(status int, headers header.List) error
	Write(p []byte) (int, error)
}

// Handler serves one request. The request body has been received in full.
type Handler func(w ResponseWriter, req *ServerRequest)

// Serve runs the server role on this connection: Handshake must have been
// called with isClient=false. It blocks until the connection dies.
func (c *Conn) Serve(handler Handler) error {
	c.mu.Lock()
	c.handler = handler
	for _, s := range c.streams {
		c.maybeDispatchLocked(s)
	}
	c.mu.Unlock()

	// The reader loop drives everything; wait for connection teardown.
	<-c.doneChan()
	c.mu.Lock()
	err := c.connErr
	c.mu.Unlock()
	return err
}

// doneChan adapts the closed flag to a channel the server loop can wait on.
func (c *Conn) doneChan() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doneCh == nil {
		c.doneCh = make(chan struct{})
		if c.closed {
			close(c.doneCh)
		}
	}
	return c.doneCh
}

// serverHeadersLocked handles a request header block or trailers on a
// server connection. Called with mu held from the reader loop.
func (c *Conn) serverHeadersLocked(streamID uint32, fields header.List, endStream bool) error {
	if streamID%2 == 0 {
		return ConnError{ErrCodeProtocol, "client-initiated stream with even id"}
	}

	if s, ok := c.streams[streamID]; ok {
		// Trailers on an existing request stream.
		if err := header.CheckDecoded(fields, true, true); err != nil {
			return StreamError{streamID, ErrCodeProtocol, err.Error()}
		}
		if !endStream {
			return StreamError{streamID, ErrCodeProtocol, "trailers without END_STREAM"}
		}
		s.trailers = fields
		s.sawEndStream = true
		s.halfCloseRemote()
		c.maybeDispatchLocked(s)
		return nil
	}

	// New stream: ids must strictly increase per direction.
	if streamID <= c.lastAccepted {
		return ConnError{ErrCodeProtocol, fmt.Sprintf("stream id %d not above last accepted %d", streamID, c.lastAccepted)}
	}
	if c.goAwaySent {
		// Draining: refuse without processing.
		go func() {
			c.wmu.Lock()
			c.framer.WriteRSTStream(streamID, ErrCodeRefusedStream)
			c.wmu.Unlock()
		}()
		return nil
	}
	if max := c.opts.MaxConcurrentStreams; max > 0 && uint32(c.activeStreamsLocked()) >= max {
		return StreamError{streamID, ErrCodeRefusedStream, "concurrent stream limit reached"}
	}
	if err := header.CheckDecoded(fields, true, false); err != nil {
		return StreamError{streamID, ErrCodeProtocol, err.Error()}
	}
	method := fields.Get(":method")
	if method == "" || (method != "CONNECT" && (fields.Get(":scheme") == "" || fields.Get(":path") == "")) {
		return StreamError{streamID, ErrCodeProtocol, "missing required pseudo headers"}
	}

	c.lastAccepted = streamID
	s := newStream(streamID, int64(c.peer.initialWindowSize), int64(c.opts.InitialWindowSize), c.opts.BodyMemLimit)
	s.State = StateOpen
	s.headers = fields
	s.sawHeaders = true
	c.streams[streamID] = s
	if endStream {
		s.sawEndStream = true
		s.halfCloseRemote()
	}
	c.maybeDispatchLocked(s)
	return nil
}

// maybeDispatchLocked hands a fully received request to the handler.
func (c *Conn) maybeDispatchLocked(s *Stream) {
	if !s.sawEndStream || s.dispatched || c.handler == nil {
		return
	}
	s.dispatched = true
	handler := c.handler
	go c.runHandler(handler, s)
}

func (c *Conn) runHandler(handler Handler, s *Stream) {
	c.mu.Lock()
	fields := s.headers
	trailers := s.trailers
	c.mu.Unlock()

	body, _ := s.body.ReadAll()

	req := &ServerRequest{
		Method:    fields.Get(":method"),
		Scheme:    fields.Get(":scheme"),
		Authority: fields.Get(":authority"),
		Path:      fields.Get(":path"),
		Headers:   header.SynthesizeHost(fields),
		Trailers:  trailers,
		Body:      body,
		StreamID:  s.ID,
	}

	w := &serverResponseWriter{conn: c, stream: s}
	handler(w, req)
	w.finish()
	c.removeStream(s.ID)
}

type serverResponseWriter struct {
	conn   *Conn
	stream *Stream

	wroteHeader bool
	declaredCL  int64 // -1 when undeclared
	written     int64
	failed      bool
}

func (w *serverResponseWriter) WriteHeader(status int, headers header.List) error {
	if w.wroteHeader {
		return errors.NewValidationError("response header already written")
	}
	w.wroteHeader = true
	w.declaredCL = -1

	fields := header.List{{Name: ":status", Value: strconv.Itoa(status)}}
	for _, f := range header.LowerAll(headers) {
		if f.IsPseudo() || header.IsConnectionSpecific(f.Name) {
			continue
		}
		if f.Name == "content-length" {
			if n, err := strconv.ParseInt(f.Value, 10, 64); err == nil {
				w.declaredCL = n
			}
		}
		fields = append(fields, f)
	}
	return w.conn.writeHeaderBlock(w.stream.ID, fields, false)
}

func (w *serverResponseWriter) Write(p []byte) (int, error) {
	if w.failed {
		return 0, errors.NewIOError("response aborted", nil)
	}
	if !w.wroteHeader {
		if err := w.WriteHeader(200, nil); err != nil {
			return 0, err
		}
	}
	if err := w.conn.writeBodyData(w.stream, p, false); err != nil {
		w.failed = true
		return 0, err
	}
	w.written += int64(len(p))
	return len(p), nil
}

// finish completes the exchange after the handler returns.
func (w *serverResponseWriter) finish() {
	if w.failed {
		return
	}
	if !w.wroteHeader {
		// Handler wrote nothing: synthesize a 500.
		fields := header.List{
			{Name: ":status", Value: "500"},
			{Name: "content-length", Value: "0"},
		}
		w.conn.writeHeaderBlock(w.stream.ID, fields, true)
		w.conn.mu.Lock()
		w.stream.halfCloseLocal()
		w.conn.mu.Unlock()
		return
	}
	if w.declaredCL >= 0 && w.written < w.declaredCL {
		// Short body: abort the stream rather than lie about framing.
		w.conn.resetStream(w.stream.ID, ErrCodeInternal, "response body shorter than declared content-length")
		return
	}
	w.conn.writeBodyData(w.stream, nil, true)
	w.conn.mu.Lock()
	w.stream.halfCloseLocal()
	w.conn.mu.Unlock()
}
