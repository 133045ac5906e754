package http2

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/GhostKellz/zhttp/pkg/buffer"
	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

// Request is an outgoing HTTP/2 request.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   header.List
	Body      []byte
	Trailers  header.List
}

// Response is a completed HTTP/2 response.
type Response struct {
	Status   int
	Headers  header.List
	Trailers header.List
	Body     *buffer.Buffer
	StreamID uint32
}

// RoundTrip submits a request and waits for the complete response.
// Cancellation resets the stream with CANCEL; the connection stays usable.
func (c *Conn) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	fields, err := requestFields(req)
	if err != nil {
		return nil, err
	}

	s, err := c.openStream()
	if err != nil {
		return nil, err
	}

	endStream := len(req.Body) == 0 && len(req.Trailers) == 0
	// The stream leaves idle the moment HEADERS hits the wire; set the
	// state first so a fast response cannot race the transition.
	c.mu.Lock()
	if endStream {
		s.State = StateHalfClosedLocal
	} else {
		s.State = StateOpen
	}
	c.mu.Unlock()
	if err := c.writeHeaderBlock(s.ID, fields, endStream); err != nil {
		c.closeWithError(err)
		return nil, err
	}

	if !endStream {
		finWithData := len(req.Trailers) == 0
		if err := c.writeBodyData(s, req.Body, finWithData); err != nil {
			c.cancelStream(s, ErrCodeCancel)
			return nil, err
		}
		if len(req.Trailers) > 0 {
			trailers := header.LowerAll(req.Trailers)
			if err := c.writeHeaderBlock(s.ID, trailers, true); err != nil {
				c.closeWithError(err)
				return nil, err
			}
		}
		c.mu.Lock()
		s.halfCloseLocal()
		c.mu.Unlock()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		c.cancelStream(s, ErrCodeCancel)
		c.removeStream(s.ID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError("request", 0)
		}
		return nil, errors.NewCancelError("request", ctx.Err())
	}

	c.mu.Lock()
	err = s.err
	headers := s.headers
	trailers := s.trailers
	body := s.body
	c.mu.Unlock()
	c.removeStream(s.ID)

	if err != nil {
		return nil, err
	}
	status, cerr := strconv.Atoi(headers.Get(":status"))
	if cerr != nil {
		return nil, errors.NewProtocolError("response with malformed :status", cerr)
	}
	return &Response{
		Status:   status,
		Headers:  header.SynthesizeHost(headers),
		Trailers: trailers,
		Body:     body,
		StreamID: s.ID,
	}, nil
}

// openStream allocates the next client stream id, enforcing GOAWAY
// draining, the peer concurrency cap, and stream-id exhaustion.
func (c *Conn) openStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.NewIOError("connection closed", c.connErr)
	}
	if c.goAwayRcvd || c.goAwaySent {
		return nil, errors.NewProtocolErrorTag(errors.TagOriginDraining, "open", "connection is draining")
	}
	if max := c.peer.maxConcurrentStreams; max > 0 && uint32(c.activeStreamsLocked()) >= max {
		return nil, errors.NewPoolError(errors.TagPoolExhausted, "peer concurrent stream limit reached")
	}
	if c.nextStreamID > MaxWindowSize {
		return nil, errors.NewProtocolErrorTag(errors.TagRefused, "open", "stream id space exhausted")
	}

	id := c.nextStreamID
	c.nextStreamID += 2
	s := newStream(id, int64(c.peer.initialWindowSize), int64(c.opts.InitialWindowSize), c.opts.BodyMemLimit)
	c.streams[id] = s
	return s, nil
}

// cancelStream resets the stream; the connection remains reusable.
func (c *Conn) cancelStream(s *Stream, code ErrCode) {
	c.mu.Lock()
	alreadyClosed := s.State == StateClosed
	if !alreadyClosed {
		s.resetSent = true
		s.closeWithError(errors.NewCancelError("stream", nil))
	}
	c.recentlyReset[s.ID] = time.Now()
	c.mu.Unlock()
	if !alreadyClosed {
		c.wmu.Lock()
		c.framer.WriteRSTStream(s.ID, code)
		c.wmu.Unlock()
	}
}

func (c *Conn) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.cond.Broadcast()
	c.mu.Unlock()
}

// requestFields builds the pseudo-header block for a request, dropping
// connection-specific fields and the Host header (carried by :authority).
func requestFields(req *Request) (header.List, error) {
	if req.Method == "" || req.Authority == "" {
		return nil, errors.NewValidationError("request needs method and authority")
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := req.Path
	if path == "" {
		path = "/"
	}

	fields := header.List{
		{Name: ":method", Value: req.Method},
	}
	if req.Method != "CONNECT" {
		fields.Add(":path", path)
		fields.Add(":scheme", scheme)
	}
	fields.Add(":authority", req.Authority)

	for _, f := range header.LowerAll(req.Headers) {
		if f.IsPseudo() || f.Name == "host" {
			continue
		}
		if header.IsConnectionSpecific(f.Name) {
			continue
		}
		if f.Name == "te" && !strings.EqualFold(f.Value, "trailers") {
			continue
		}
		fields = append(fields, f)
	}
	if len(req.Body) > 0 && !fields.Has("content-length") {
		fields.Add("content-length", strconv.Itoa(len(req.Body)))
	}
	return fields, nil
}
