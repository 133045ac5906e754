package http1

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

// DefaultContinueTimeout is how long a client waits for a 1xx response
// after sending Expect: 100-continue before transmitting the body anyway.
const DefaultContinueTimeout = time.Second

// Request is an outgoing HTTP/1.1 request.
type Request struct {
	Method  string
	Target  string
	Headers header.List

	// Body supplies the request body; nil means none.
	Body io.Reader
	// ContentLength declares the body length. -1 with a non-nil Body
	// selects chunked transfer coding.
	ContentLength int64

	// Expect100Continue sends the header block first and waits for an
	// interim response before the body.
	Expect100Continue bool
}

// ClientConn drives the client side of one HTTP/1.1 connection. A
// connection carries one request at a time; submitting a second request
// before the prior response completes fails with a Busy error.
type ClientConn struct {
	conn net.Conn
	cfg  Config

	// ContinueTimeout overrides DefaultContinueTimeout when positive.
	ContinueTimeout time.Duration

	mu       sync.Mutex
	busy     bool
	closed   bool
	reusable bool
	leftover []byte // pipelined bytes read past the previous response
}

// NewClientConn wraps an established (and TLS-upgraded, if any) connection.
func NewClientConn(conn net.Conn, cfg Config) *ClientConn {
	return &ClientConn{conn: conn, cfg: cfg, reusable: true}
}

// Reusable reports whether the connection may serve another request.
func (c *ClientConn) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reusable && !c.closed && !c.busy
}

// Close closes the underlying connection.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reusable = false
	return c.conn.Close()
}

// RoundTrip writes req and reads the complete response. Cancellation closes
// the connection, which is then discarded from any pool.
func (c *ClientConn) RoundTrip(ctx context.Context, req *Request) (*Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.NewIOError("write to closed connection", nil)
	}
	if c.busy {
		c.mu.Unlock()
		return nil, errors.NewProtocolErrorTag(errors.TagBusy, "roundtrip", "prior response not fully consumed")
	}
	c.busy = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	stop := c.watchCancel(ctx)
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	headers := req.Headers.Clone()
	chunked := false
	switch {
	case req.Body == nil:
		if req.Method == "POST" || req.Method == "PUT" || req.Method == "PATCH" {
			headers.Set("Content-Length", "0")
		}
	case req.ContentLength >= 0:
		headers.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
	default:
		headers.Set("Transfer-Encoding", "chunked")
		chunked = true
	}
	if req.Expect100Continue && req.Body != nil {
		headers.Set("Expect", "100-continue")
	}

	head, err := AppendRequestHead(nil, req.Method, req.Target, headers)
	if err != nil {
		return nil, err
	}
	if err := c.writeAll(head); err != nil {
		c.fail()
		return nil, err
	}

	parser := NewResponseParser(c.cfg, req.Method)
	if len(c.leftover) > 0 {
		if err := parser.Feed(c.leftover); err != nil {
			c.fail()
			return nil, err
		}
		c.leftover = nil
	}

	if req.Expect100Continue && req.Body != nil {
		proceed, early, err := c.awaitContinue(parser)
		if err != nil {
			c.fail()
			return nil, err
		}
		if early != nil {
			// Final response before the body was sent; the server does not
			// want it. The connection cannot be reused mid-request.
			c.fail()
			return early, nil
		}
		_ = proceed
	}

	if req.Body != nil {
		if err := c.writeBody(req, chunked); err != nil {
			c.fail()
			return nil, err
		}
	}

	msg, err := c.readResponse(parser, req.Method)
	if err != nil {
		c.fail()
		return nil, err
	}

	c.mu.Lock()
	c.leftover = append([]byte(nil), parser.Buffered()...)
	c.reusable = msg.KeepAlive() && !msg.UntilClose && len(c.leftover) == 0 &&
		!connectionClose(headers)
	c.mu.Unlock()
	return msg, nil
}

func connectionClose(h header.List) bool {
	return h.Get("Connection") == "close"
}

func (c *ClientConn) fail() {
	c.mu.Lock()
	c.reusable = false
	c.mu.Unlock()
	c.conn.Close()
}

// watchCancel closes the connection when ctx is cancelled; the in-flight
// read then fails and the caller maps the error to a cancellation.
func (c *ClientConn) watchCancel(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.fail()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (c *ClientConn) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		b = b[n:]
	}
	return nil
}

func (c *ClientConn) writeBody(req *Request, chunked bool) error {
	if chunked {
		cw := NewChunkedWriter(c.conn)
		if _, err := io.Copy(cw, req.Body); err != nil {
			return errors.NewIOError("writing chunked body", err)
		}
		return cw.Close()
	}
	n, err := io.Copy(c.conn, req.Body)
	if err != nil {
		return errors.NewIOError("writing body", err)
	}
	if req.ContentLength >= 0 && n != req.ContentLength {
		return errors.NewValidationError("body shorter than declared Content-Length")
	}
	return nil
}

// awaitContinue waits for an interim response after Expect: 100-continue.
// It returns a non-nil Message when the server answered with a final
// response before the body was transmitted.
func (c *ClientConn) awaitContinue(parser *Parser) (proceed bool, final *Message, err error) {
	timeout := c.ContinueTimeout
	if timeout <= 0 {
		timeout = DefaultContinueTimeout
	}
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	for {
		n, rerr := c.conn.Read(buf)
		if n > 0 {
			if err := parser.Feed(buf[:n]); err != nil {
				return false, nil, err
			}
			if parser.Done() {
				msg := parser.Message()
				if msg.StatusCode >= 100 && msg.StatusCode < 200 {
					return true, nil, nil
				}
				return false, msg, nil
			}
		}
		if rerr != nil {
			if netErr, ok := rerr.(net.Error); ok && netErr.Timeout() {
				// No interim response in time: send the body anyway.
				return true, nil, nil
			}
			return false, nil, errors.NewIOError("awaiting 100-continue", rerr)
		}
	}
}

// readResponse reads until a final (non-1xx) response completes. Interim
// responses are consumed; each one restarts the parser.
func (c *ClientConn) readResponse(parser *Parser, reqMethod string) (*Message, error) {
	buf := make([]byte, 32*1024)
	for {
		if parser.Done() {
			msg := parser.Message()
			if msg.StatusCode >= 100 && msg.StatusCode < 200 && msg.StatusCode != 101 {
				next := NewResponseParser(c.cfg, reqMethod)
				if err := next.Feed(parser.Buffered()); err != nil {
					return nil, err
				}
				parser = next
				continue
			}
			return msg, nil
		}
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
			if parser.Done() {
				continue
			}
			return nil, errors.NewFramingError(errors.TagTruncated, "read", "connection closed before response completed")
		}
		if err != nil {
			return nil, errors.NewIOError("reading response", err)
		}
	}
}
