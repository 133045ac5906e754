package http1

import (
	"fmt"
	"strings"
	"testing"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

func bodyString(t *testing.T, m *Message) string {
	t.Helper()
	if m.Body == nil {
		return ""
	}
	data, err := m.Body.ReadAll()
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(data)
}

func TestParseSimpleRequest(t *testing.T) {
	p := NewRequestParser(Config{})
	err := p.Feed([]byte("GET /x HTTP/1.1\r\nHost: h\r\n\r\n"))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !p.Done() {
		t.Fatalf("expected complete message")
	}
	m := p.Message()
	if m.Method != "GET" || m.Target != "/x" || m.Proto != "HTTP/1.1" {
		t.Fatalf("unexpected request line: %+v", m)
	}
	if got := m.Headers.Get("Host"); got != "h" {
		t.Fatalf("host = %q", got)
	}
}

func TestParseChunkedResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	p := NewResponseParser(Config{}, "GET")
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !p.Done() {
		t.Fatalf("expected complete message")
	}
	m := p.Message()
	if m.StatusCode != 200 || !m.Chunked {
		t.Fatalf("unexpected message: %+v", m)
	}
	if got := bodyString(t, m); got != "hello world" {
		t.Fatalf("body = %q, want %q", got, "hello world")
	}
	if !m.KeepAlive() {
		t.Fatalf("chunked 200 should leave the connection reusable")
	}
}

// Feeding any prefix/suffix split must produce the same message as feeding
// the bytes at once.
func TestIncrementalParseEquivalence(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n" +
		"Transfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6; ext=1\r\n world\r\n0\r\nX-Trailer: v\r\n\r\n")

	whole := NewResponseParser(Config{}, "GET")
	if err := whole.Feed(raw); err != nil {
		t.Fatalf("whole feed: %v", err)
	}
	want := whole.Message()

	for k := 1; k < len(raw); k++ {
		p := NewResponseParser(Config{}, "GET")
		if err := p.Feed(raw[:k]); err != nil {
			t.Fatalf("split %d first half: %v", k, err)
		}
		if err := p.Feed(raw[k:]); err != nil {
			t.Fatalf("split %d second half: %v", k, err)
		}
		if !p.Done() {
			t.Fatalf("split %d: incomplete", k)
		}
		m := p.Message()
		if m.StatusCode != want.StatusCode {
			t.Fatalf("split %d: status %d", k, m.StatusCode)
		}
		if got := bodyString(t, m); got != "hello world" {
			t.Fatalf("split %d: body %q", k, got)
		}
		if m.Trailers.Get("X-Trailer") != "v" {
			t.Fatalf("split %d: missing trailer", k)
		}
	}
}

func TestByteAtATimeRequest(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nabcd"
	p := NewRequestParser(Config{})
	for i := 0; i < len(raw); i++ {
		if err := p.Feed([]byte{raw[i]}); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
	}
	if !p.Done() {
		t.Fatalf("expected complete message")
	}
	if got := bodyString(t, p.Message()); got != "abcd" {
		t.Fatalf("body = %q", got)
	}
}

func TestBodyFramingErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		tag  errors.Tag
	}{
		{
			"te-and-cl",
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Length: 3\r\n\r\n",
			errors.TagBadFraming,
		},
		{
			"conflicting-cl",
			"HTTP/1.1 200 OK\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n",
			errors.TagBadFraming,
		},
		{
			"negative-cl",
			"HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n",
			errors.TagBadFraming,
		},
		{
			"chunk-overflow",
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nffffffffffffffffff\r\n",
			errors.TagBadChunk,
		},
		{
			"bad-chunk-digit",
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
			errors.TagBadChunk,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewResponseParser(Config{}, "GET")
			err := p.Feed([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errors.GetErrorTag(err); got != tc.tag {
				t.Fatalf("tag = %v, want %v (%v)", got, tc.tag, err)
			}
		})
	}
}

func TestSyntaxErrors(t *testing.T) {
	cases := []string{
		"GET /x\r\n\r\n",                        // missing version
		"GE T /x HTTP/1.1\r\n\r\n",              // space in method
		"GET /x HTTP/1.1\r\nBad Header: v\r\n\r\n", // space in field name
		"GET /x HTTP/1.1\r\nHost: h\r\n folded\r\n\r\n", // obs-fold
	}
	for i, raw := range cases {
		p := NewRequestParser(Config{})
		if err := p.Feed([]byte(raw)); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestUnsupportedVersion(t *testing.T) {
	p := NewRequestParser(Config{})
	err := p.Feed([]byte("GET / HTTP/2.0\r\n\r\n"))
	if errors.GetErrorTag(err) != errors.TagUnsupportedVersion {
		t.Fatalf("tag = %v", errors.GetErrorTag(err))
	}
}

func TestLenientLFRequestsOnly(t *testing.T) {
	p := NewRequestParser(Config{LenientLF: true})
	if err := p.Feed([]byte("GET / HTTP/1.1\nHost: h\n\n")); err != nil {
		t.Fatalf("lenient request: %v", err)
	}
	if !p.Done() {
		t.Fatalf("expected complete message")
	}

	r := NewResponseParser(Config{LenientLF: true}, "GET")
	if err := r.Feed([]byte("HTTP/1.1 200 OK\nContent-Length: 0\n\n")); err == nil {
		t.Fatalf("bare LF must be rejected on responses")
	}
}

func TestLimits(t *testing.T) {
	p := NewRequestParser(Config{MaxLineLength: 32})
	err := p.Feed([]byte("GET /" + strings.Repeat("a", 64) + " HTTP/1.1\r\n"))
	if errors.GetErrorTag(err) != errors.TagTooLarge {
		t.Fatalf("long line tag = %v", errors.GetErrorTag(err))
	}

	p = NewRequestParser(Config{MaxHeaderCount: 2})
	err = p.Feed([]byte("GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n"))
	if errors.GetErrorTag(err) != errors.TagTooLarge {
		t.Fatalf("header count tag = %v", errors.GetErrorTag(err))
	}
}

func TestHeadResponseHasNoBody(t *testing.T) {
	p := NewResponseParser(Config{}, "HEAD")
	if err := p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !p.Done() {
		t.Fatalf("HEAD response must complete at end of headers")
	}
}

func TestBodyUntilClose(t *testing.T) {
	p := NewResponseParser(Config{}, "GET")
	if err := p.Feed([]byte("HTTP/1.1 200 OK\r\n\r\npartial body")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if p.Done() {
		t.Fatalf("body should still be open")
	}
	if err := p.FeedEOF(); err != nil {
		t.Fatalf("eof: %v", err)
	}
	if !p.Done() {
		t.Fatalf("close must complete the body")
	}
	if got := bodyString(t, p.Message()); got != "partial body" {
		t.Fatalf("body = %q", got)
	}
	if p.Message().KeepAlive() {
		t.Fatalf("until-close response is not reusable")
	}
}

func TestTruncatedFixedBody(t *testing.T) {
	p := NewResponseParser(Config{}, "GET")
	if err := p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")); err != nil {
		t.Fatalf("feed: %v", err)
	}
	err := p.FeedEOF()
	if errors.GetErrorTag(err) != errors.TagTruncated {
		t.Fatalf("tag = %v", errors.GetErrorTag(err))
	}
}

func TestChunkedRoundTripVariousChunkSizes(t *testing.T) {
	body := strings.Repeat("0123456789abcdef", 100)
	for _, chunkSize := range []int{1, 3, 16, 100, len(body)} {
		var sb strings.Builder
		sb.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
		for off := 0; off < len(body); off += chunkSize {
			end := off + chunkSize
			if end > len(body) {
				end = len(body)
			}
			fmt.Fprintf(&sb, "%x\r\n%s\r\n", end-off, body[off:end])
		}
		sb.WriteString("0\r\n\r\n")

		p := NewResponseParser(Config{}, "GET")
		if err := p.Feed([]byte(sb.String())); err != nil {
			t.Fatalf("chunk size %d: %v", chunkSize, err)
		}
		if got := bodyString(t, p.Message()); got != body {
			t.Fatalf("chunk size %d: body mismatch", chunkSize)
		}
	}
}

func TestSerializeRequestHead(t *testing.T) {
	var h header.List
	h.Add("host", "example.com")
	h.Add("accept", "*/*")
	b, err := AppendRequestHead(nil, "GET", "/x", h)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := "GET /x HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	if string(b) != want {
		t.Fatalf("got %q, want %q", b, want)
	}
}

func TestChunkedWriterRoundTrip(t *testing.T) {
	var sb strings.Builder
	cw := NewChunkedWriter(&sb)
	cw.Write([]byte("hello"))
	cw.Write([]byte(" world"))
	cw.SetTrailers(header.List{{Name: "x-checksum", Value: "abc"}})
	if err := cw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p := NewResponseParser(Config{}, "GET")
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + sb.String()
	if err := p.Feed([]byte(raw)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if got := bodyString(t, p.Message()); got != "hello world" {
		t.Fatalf("body = %q", got)
	}
	if p.Message().Trailers.Get("x-checksum") != "abc" {
		t.Fatalf("trailer missing")
	}
}
