package http3

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/GhostKellz/zhttp/pkg/buffer"
	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/varint"
)

// Request is an outgoing HTTP/3 request.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   header.List
	Body      []byte
	Trailers  header.List
}

// Response is a completed HTTP/3 response.
type Response struct {
	Status   int
	Headers  header.List
	Trailers header.List
	Body     *buffer.Buffer
	StreamID uint64
}

// RoundTrip submits a request on a fresh bidirectional stream and waits
// for the complete response. Cancellation sends STOP_SENDING and
// RESET_STREAM with H3_REQUEST_CANCELLED; the connection stays usable.
func (c *Connection) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if !c.Reusable() {
		return nil, errors.NewProtocolErrorTag(errors.TagOriginDraining, "open", "connection is draining")
	}
	fields, err := requestFields(req)
	if err != nil {
		return nil, err
	}

	st, err := c.t.OpenStream(ctx)
	if err != nil {
		return nil, errors.NewConnectionError("", 0, err)
	}

	cancelled := make(chan struct{})
	defer close(cancelled)
	go func() {
		select {
		case <-ctx.Done():
			st.CancelRead(uint64(ErrCodeRequestCancelled))
			st.CancelWrite(uint64(ErrCodeRequestCancelled))
		case <-cancelled:
		}
	}()

	if err := c.writeRequest(st, fields, req); err != nil {
		st.CancelWrite(uint64(ErrCodeRequestCancelled))
		return nil, err
	}

	resp, err := c.readResponse(ctx, st)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelError("request", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// writeRequest emits HEADERS, DATA and optional trailers, then FIN.
func (c *Connection) writeRequest(st Stream, fields header.List, req *Request) error {
	block, err := c.encodeFieldSection(st.StreamID(), fields)
	if err != nil {
		return err
	}
	buf := AppendFrameHeader(nil, FrameHeaders, uint64(len(block)))
	buf = append(buf, block...)
	if len(req.Body) > 0 {
		buf = AppendFrameHeader(buf, FrameData, uint64(len(req.Body)))
		buf = append(buf, req.Body...)
	}
	if _, err := st.Write(buf); err != nil {
		return errors.NewIOError("writing request", err)
	}
	if len(req.Trailers) > 0 {
		tblock, err := c.encodeFieldSection(st.StreamID(), header.LowerAll(req.Trailers))
		if err != nil {
			return err
		}
		tbuf := AppendFrameHeader(nil, FrameHeaders, uint64(len(tblock)))
		tbuf = append(tbuf, tblock...)
		if _, err := st.Write(tbuf); err != nil {
			return errors.NewIOError("writing trailers", err)
		}
	}
	// FIN implicitly closes the request after the last frame.
	if err := st.Close(); err != nil {
		return errors.NewIOError("closing request stream", err)
	}
	return nil
}

// readResponse consumes the response frame sequence: HEADERS, zero or more
// DATA, optional trailing HEADERS, then FIN.
func (c *Connection) readResponse(ctx context.Context, st Stream) (*Response, error) {
	fr := NewFrameReader(st)
	resp := &Response{
		Body:     buffer.New(c.opts.BodyMemLimit),
		StreamID: st.StreamID(),
	}
	sawHeaders := false
	sawTrailers := false
	for {
		t, length, err := fr.Next()
		if err == io.EOF {
			if !sawHeaders {
				return nil, errors.NewFramingError(errors.TagTruncated, "read", "stream ended before response headers")
			}
			return resp, nil
		}
		if err != nil {
			return nil, err
		}
		switch t {
		case FrameHeaders:
			payload, err := fr.ReadPayload(length)
			if err != nil {
				return nil, err
			}
			fields, err := c.decodeFieldSection(ctx, st.StreamID(), payload)
			if err != nil {
				if _, ok := err.(ConnError); ok {
					c.abort(err.(ConnError))
				} else if errors.GetErrorTag(err) == errors.TagCompression {
					c.abort(ConnError{ErrCodeQPACKDecompression, err.Error()})
				}
				return nil, err
			}
			switch {
			case !sawHeaders:
				if err := header.CheckDecoded(fields, false, false); err != nil {
					return nil, err
				}
				status := fields.Get(":status")
				if status == "" {
					return nil, errors.NewProtocolError("response without :status", nil)
				}
				if len(status) == 3 && status[0] == '1' {
					continue // interim response
				}
				code, cerr := strconv.Atoi(status)
				if cerr != nil {
					return nil, errors.NewProtocolError("malformed :status", cerr)
				}
				resp.Status = code
				resp.Headers = header.SynthesizeHost(fields)
				sawHeaders = true
			case !sawTrailers:
				if err := header.CheckDecoded(fields, false, true); err != nil {
					return nil, err
				}
				resp.Trailers = fields
				sawTrailers = true
			default:
				c.abort(ConnError{ErrCodeFrameUnexpected, "HEADERS after trailers"})
				return nil, ConnError{ErrCodeFrameUnexpected, "HEADERS after trailers"}
			}
		case FrameData:
			if !sawHeaders || sawTrailers {
				ce := ConnError{ErrCodeFrameUnexpected, "DATA outside the response body"}
				c.abort(ce)
				return nil, ce
			}
			payload, err := fr.ReadPayload(length)
			if err != nil {
				return nil, err
			}
			resp.Body.Write(payload)
		case FrameSettings, FrameGoAway, FrameCancelPush, FrameMaxPushID:
			ce := ConnError{ErrCodeFrameUnexpected, "control frame on request stream"}
			c.abort(ce)
			return nil, ce
		case FramePushPromise:
			ce := ConnError{ErrCodeFrameUnexpected, "PUSH_PROMISE with push disabled"}
			c.abort(ce)
			return nil, ce
		default:
			// Unknown frame types on request streams are skipped.
			if err := fr.Discard(length); err != nil {
				return nil, err
			}
		}
	}
}

// requestFields builds the pseudo-header block for a request.
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

	fields := header.List{{Name: ":method", Value: req.Method}}
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

// EstimatedEarlyDataSize approximates the bytes a request occupies when
// encoded for 0-RTT early data: frame headers plus a static/literal-only
// field section plus the body.
func EstimatedEarlyDataSize(req *Request) int {
	n := 0
	for _, f := range req.Headers {
		n += len(f.Name) + len(f.Value) + 4
	}
	n += len(req.Method) + len(req.Path) + len(req.Scheme) + len(req.Authority) + 16
	n += len(req.Body) + 2*varint.Len(uint64(len(req.Body)+1)) + 4
	return n
}
