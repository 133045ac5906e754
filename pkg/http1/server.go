package http1

import (
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

// ResponseWriter is the sink a server handler writes its response into.
// Exactly one response is sent per request: a second WriteHeader fails, a
// handler that never writes gets a synthesized 500, and writing fewer body
// bytes than the declared Content-Length aborts the connection.
type ResponseWriter interface {
	// WriteHeader sends the status line and header block. Without an
	// explicit Content-Length the body uses chunked transfer coding.
	WriteHeader(status int, headers header.List) error
	// Write sends body bytes, implying WriteHeader(200, nil) on first use.
	Write(p []byte) (int, error)
}

// Handler handles one parsed request. The request body has been read in
// full and is available on req.Body.
type Handler func(w ResponseWriter, req *Message)

// ServerConn drives the server side of one HTTP/1.1 connection.
type ServerConn struct {
	conn net.Conn
	cfg  Config

	// ReadTimeout bounds reading one complete request when positive.
	ReadTimeout time.Duration
}

// NewServerConn wraps an accepted (and TLS-upgraded, if any) connection.
func NewServerConn(conn net.Conn, cfg Config) *ServerConn {
	return &ServerConn{conn: conn, cfg: cfg}
}

// Serve reads requests and invokes handler until the client stops sending,
// an error occurs, or a response forces the connection closed.
func (c *ServerConn) Serve(handler Handler) error {
	defer c.conn.Close()
	for {
		req, err := c.readRequest()
		if err != nil {
			if err == ErrCleanClose {
				return nil
			}
			c.rejectMalformed(err)
			return err
		}

		w := &responseWriter{conn: c.conn, reqMethod: req.Method, keepAlive: req.KeepAlive()}
		handler(w, req)
		if err := w.finish(); err != nil {
			return err
		}
		if !w.keepAlive || !req.KeepAlive() {
			return nil
		}
	}
}

func (c *ServerConn) readRequest() (*Message, error) {
	if c.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	parser := NewRequestParser(c.cfg)
	parser.OnHeaders = func(m *Message) error {
		// Emit the interim response the client is waiting on before its
		// body (RFC 9110 Section 10.1.1).
		if strings.EqualFold(m.Headers.Get("Expect"), "100-continue") {
			_, err := c.conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
			return err
		}
		return nil
	}

	buf := make([]byte, 32*1024)
	for !parser.Done() {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if perr := parser.Feed(buf[:n]); perr != nil {
				return nil, perr
			}
			continue
		}
		if err == io.EOF {
			if perr := parser.FeedEOF(); perr != nil {
				return nil, perr
			}
			continue
		}
		if err != nil {
			return nil, errors.NewIOError("reading request", err)
		}
	}
	return parser.Message(), nil
}

// rejectMalformed answers a parse failure with the matching status code
// before the connection is torn down.
func (c *ServerConn) rejectMalformed(err error) {
	status := 400
	switch errors.GetErrorTag(err) {
	case errors.TagTooLarge:
		status = 431
	case errors.TagUnsupportedVersion:
		status = 505
	case errors.TagTruncated, errors.TagNetworkClosed:
		return
	}
	head, _ := AppendResponseHead(nil, status, "", header.List{
		{Name: "connection", Value: "close"},
		{Name: "content-length", Value: "0"},
	})
	c.conn.Write(head)
}

type responseWriter struct {
	conn      net.Conn
	reqMethod string

	wroteHeader bool
	status      int
	declaredCL  int64 // -1 means chunked
	written     int64
	chunked     *ChunkedWriter
	keepAlive   bool
	failed      error
}

func (w *responseWriter) WriteHeader(status int, headers header.List) error {
	if w.wroteHeader {
		return errors.NewValidationError("response header already written")
	}
	w.wroteHeader = true
	w.status = status

	headers = headers.Clone()
	noBody := w.reqMethod == "HEAD" || (status >= 100 && status < 200) || status == 204 || status == 304

	switch {
	case noBody:
		w.declaredCL = 0
		headers.Del("Transfer-Encoding")
	case headers.Has("Content-Length"):
		n, err := strconv.ParseInt(headers.Get("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return errors.NewValidationError("invalid Content-Length")
		}
		w.declaredCL = n
	default:
		w.declaredCL = -1
		headers.Set("Transfer-Encoding", "chunked")
	}
	if !w.keepAlive {
		headers.Set("Connection", "close")
	}

	head, err := AppendResponseHead(nil, status, "", headers)
	if err != nil {
		return err
	}
	if _, err := w.conn.Write(head); err != nil {
		w.failed = err
		return err
	}
	if w.declaredCL == -1 {
		w.chunked = NewChunkedWriter(w.conn)
	}
	return nil
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.failed != nil {
		return 0, w.failed
	}
	if !w.wroteHeader {
		if err := w.WriteHeader(200, nil); err != nil {
			return 0, err
		}
	}
	if w.declaredCL >= 0 && w.written+int64(len(p)) > w.declaredCL {
		return 0, errors.NewValidationError("body exceeds declared Content-Length")
	}
	var n int
	var err error
	if w.chunked != nil {
		n, err = w.chunked.Write(p)
	} else {
		n, err = w.conn.Write(p)
	}
	w.written += int64(n)
	if err != nil {
		w.failed = err
	}
	return n, err
}

// finish completes the response after the handler returns. A handler that
// wrote nothing gets a synthesized 500; a short fixed-length body aborts
// the connection so the peer observes truncation rather than a broken
// message boundary.
func (w *responseWriter) finish() error {
	if w.failed != nil {
		return errors.NewIOError("writing response", w.failed)
	}
	if !w.wroteHeader {
		w.keepAlive = false
		head, _ := AppendResponseHead(nil, 500, "", header.List{
			{Name: "content-length", Value: "0"},
			{Name: "connection", Value: "close"},
		})
		_, err := w.conn.Write(head)
		return err
	}
	if w.chunked != nil {
		return w.chunked.Close()
	}
	if w.declaredCL > 0 && w.written < w.declaredCL {
		w.keepAlive = false
		return errors.NewFramingError(errors.TagTruncated, "write", "handler wrote fewer bytes than declared Content-Length")
	}
	return nil
}
