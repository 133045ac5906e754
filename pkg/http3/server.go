package http3

import (
	"context"
	"io"
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
	StreamID  uint64
}

// ResponseWriter is the sink a server handler writes its response into.
// Exactly one response is sent per request; a handler that returns without
// writing gets a synthesized 500, and a body shorter than its declared
// content-length aborts the stream.
type ResponseWriter interface {
	WriteHeader(status int, headers header.List) error
	Write(p []byte) (int, error)
}

// Handler serves one request. The request body has been received in full.
type Handler func(w ResponseWriter, req *ServerRequest)

// Serve accepts request streams and dispatches them to handler until the
// connection dies or ctx is cancelled.
func (c *Connection) Serve(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	for {
		st, err := c.t.AcceptStream(ctx)
		if err != nil {
			c.mu.Lock()
			cerr := c.connErr
			c.mu.Unlock()
			if cerr != nil {
				return cerr
			}
			return nil
		}

		c.mu.Lock()
		if c.goAwaySent {
			c.mu.Unlock()
			// Draining: refuse without processing.
			st.CancelRead(uint64(ErrCodeRequestRejected))
			st.CancelWrite(uint64(ErrCodeRequestRejected))
			continue
		}
		if st.StreamID() > c.largestAccepted {
			c.largestAccepted = st.StreamID()
		}
		c.mu.Unlock()

		go c.handleRequestStream(ctx, st, handler)
	}
}

// handleRequestStream enforces the request frame sequence (HEADERS, zero
// or more DATA, optional trailing HEADERS, FIN) and runs the handler.
func (c *Connection) handleRequestStream(ctx context.Context, st Stream, handler Handler) {
	fr := NewFrameReader(st)
	var (
		fields     header.List
		trailers   header.List
		body       []byte
		sawHeaders bool
	)

readLoop:
	for {
		t, length, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			st.CancelRead(uint64(ErrCodeRequestIncomplete))
			return
		}
		switch t {
		case FrameHeaders:
			payload, err := fr.ReadPayload(length)
			if err != nil {
				st.CancelRead(uint64(ErrCodeRequestIncomplete))
				return
			}
			decoded, err := c.decodeFieldSection(ctx, st.StreamID(), payload)
			if err != nil {
				if errors.GetErrorTag(err) == errors.TagCompression {
					c.abort(ConnError{ErrCodeQPACKDecompression, err.Error()})
				}
				return
			}
			if !sawHeaders {
				fields = decoded
				sawHeaders = true
			} else if trailers == nil {
				if err := header.CheckDecoded(decoded, true, true); err != nil {
					c.resetRequest(st, ErrCodeMessageError)
					return
				}
				trailers = decoded
			} else {
				c.abort(ConnError{ErrCodeFrameUnexpected, "HEADERS after trailers"})
				return
			}
		case FrameData:
			if !sawHeaders {
				// DATA before HEADERS is a connection error.
				c.abort(ConnError{ErrCodeFrameUnexpected, "DATA before HEADERS"})
				return
			}
			if trailers != nil {
				c.abort(ConnError{ErrCodeFrameUnexpected, "DATA after trailers"})
				return
			}
			payload, err := fr.ReadPayload(length)
			if err != nil {
				st.CancelRead(uint64(ErrCodeRequestIncomplete))
				return
			}
			body = append(body, payload...)
		case FrameSettings, FrameGoAway, FrameCancelPush, FrameMaxPushID, FramePushPromise:
			c.abort(ConnError{ErrCodeFrameUnexpected, "control frame on request stream"})
			return
		default:
			if err := fr.Discard(length); err != nil {
				st.CancelRead(uint64(ErrCodeRequestIncomplete))
				return
			}
			continue readLoop
		}
	}

	if !sawHeaders {
		c.resetRequest(st, ErrCodeRequestIncomplete)
		return
	}
	if err := header.CheckDecoded(fields, true, false); err != nil {
		c.resetRequest(st, ErrCodeMessageError)
		return
	}
	method := fields.Get(":method")
	if method == "" || (method != "CONNECT" && (fields.Get(":scheme") == "" || fields.Get(":path") == "")) {
		c.resetRequest(st, ErrCodeMessageError)
		return
	}

	req := &ServerRequest{
		Method:    method,
		Scheme:    fields.Get(":scheme"),
		Authority: fields.Get(":authority"),
		Path:      fields.Get(":path"),
		Headers:   header.SynthesizeHost(fields),
		Trailers:  trailers,
		Body:      body,
		StreamID:  st.StreamID(),
	}

	w := &serverResponseWriter{conn: c, stream: st}
	handler(w, req)
	w.finish()
}

func (c *Connection) resetRequest(st Stream, code ErrCode) {
	st.CancelRead(uint64(code))
	st.CancelWrite(uint64(code))
}

type serverResponseWriter struct {
	conn   *Connection
	stream Stream

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

	block, err := w.conn.encodeFieldSection(w.stream.StreamID(), fields)
	if err != nil {
		return err
	}
	buf := AppendFrameHeader(nil, FrameHeaders, uint64(len(block)))
	buf = append(buf, block...)
	if _, err := w.stream.Write(buf); err != nil {
		w.failed = true
		return errors.NewIOError("writing response headers", err)
	}
	return nil
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
	if len(p) == 0 {
		return 0, nil
	}
	buf := AppendFrameHeader(nil, FrameData, uint64(len(p)))
	buf = append(buf, p...)
	if _, err := w.stream.Write(buf); err != nil {
		w.failed = true
		return 0, errors.NewIOError("writing response body", err)
	}
	w.written += int64(len(p))
	return len(p), nil
}

// finish completes the exchange after the handler returns.
func (w *serverResponseWriter) finish() {
	if w.failed {
		w.stream.CancelWrite(uint64(ErrCodeInternalError))
		return
	}
	if !w.wroteHeader {
		// Handler wrote nothing: synthesize a 500.
		w.WriteHeader(500, header.List{{Name: "content-length", Value: "0"}})
	}
	if w.declaredCL >= 0 && w.written < w.declaredCL {
		// Short body: abort the stream rather than lie about framing.
		w.stream.CancelWrite(uint64(ErrCodeInternalError))
		return
	}
	w.stream.Close()
}
