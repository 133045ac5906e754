package http1

import (
	"fmt"
	"io"
	"strconv"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

// AppendRequestHead serializes a request line and header block, including
// the terminating empty line.
func AppendRequestHead(b []byte, method, target string, headers header.List) ([]byte, error) {
	if !validToken(method) {
		return nil, errors.NewValidationError("invalid method token")
	}
	if target == "" {
		return nil, errors.NewValidationError("empty request target")
	}
	b = append(b, method...)
	b = append(b, ' ')
	b = append(b, target...)
	b = append(b, " HTTP/1.1\r\n"...)
	return appendHeaderBlock(b, headers)
}

// AppendResponseHead serializes a status line and header block, including
// the terminating empty line.
func AppendResponseHead(b []byte, status int, reason string, headers header.List) ([]byte, error) {
	if status < 100 || status > 599 {
		return nil, errors.NewValidationError(fmt.Sprintf("status code %d out of range", status))
	}
	if reason == "" {
		reason = StatusText(status)
	}
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, ' ')
	b = append(b, reason...)
	b = append(b, "\r\n"...)
	return appendHeaderBlock(b, headers)
}

func appendHeaderBlock(b []byte, headers header.List) ([]byte, error) {
	for _, f := range headers {
		if !header.ValidName(f.Name) {
			return nil, errors.NewValidationError("invalid header field name " + f.Name)
		}
		if !header.ValidValue(f.Value) {
			return nil, errors.NewValidationError("invalid value for header field " + f.Name)
		}
		b = append(b, header.Canonical(f.Name)...)
		b = append(b, ": "...)
		b = append(b, f.Value...)
		b = append(b, "\r\n"...)
	}
	return append(b, "\r\n"...), nil
}

// ChunkedWriter writes a body with chunked transfer coding. Close emits the
// terminating chunk and optional trailers.
type ChunkedWriter struct {
	w        io.Writer
	trailers header.List
	closed   bool
}

// NewChunkedWriter returns a writer emitting chunked coding onto w.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// SetTrailers registers the trailer fields written by Close.
func (cw *ChunkedWriter) SetTrailers(t header.List) { cw.trailers = t }

// Write emits p as a single chunk. Empty writes produce no output, since a
// zero-length chunk would terminate the body.
func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, errors.NewIOError("write to closed chunked body", nil)
	}
	if len(p) == 0 {
		return 0, nil
	}
	head := strconv.AppendUint(nil, uint64(len(p)), 16)
	head = append(head, "\r\n"...)
	if _, err := cw.w.Write(head); err != nil {
		return 0, err
	}
	if _, err := cw.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := cw.w.Write([]byte("\r\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the last chunk and the trailer section.
func (cw *ChunkedWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	b := []byte("0\r\n")
	var err error
	if len(cw.trailers) > 0 {
		b, err = appendHeaderBlock(b, cw.trailers)
		if err != nil {
			return err
		}
	} else {
		b = append(b, "\r\n"...)
	}
	_, err = cw.w.Write(b)
	return err
}

// StatusText returns the canonical reason phrase for a status code. Reason
// phrases are advisory; unknown codes get an empty phrase.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 103:
		return "Early Hints"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 411:
		return "Length Required"
	case 413:
		return "Content Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 421:
		return "Misdirected Request"
	case 425:
		return "Too Early"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return ""
	}
}
