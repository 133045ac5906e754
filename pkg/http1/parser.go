// Package http1 implements the HTTP/1.1 message codec: an incremental
// parser with restartable chunked decoding, the matching serializer, and
// client/server connection engines with keep-alive handling.
package http1

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/GhostKellz/zhttp/pkg/buffer"
	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

// Config bounds what the parser accepts. Zero values select the defaults.
type Config struct {
	// MaxLineLength bounds the start line and each header line. Default 8 KiB.
	MaxLineLength int
	// MaxHeaderCount bounds the number of header fields. Default 100.
	MaxHeaderCount int
	// MaxHeaderBytes bounds the total header block size. Default 64 KiB.
	MaxHeaderBytes int
	// LenientLF accepts bare-LF line endings. Only honored for requests.
	LenientLF bool
	// BodyMemLimit is the in-memory body threshold before disk spilling.
	BodyMemLimit int64
}

const (
	defaultMaxLineLength  = 8 * 1024
	defaultMaxHeaderCount = 100
	defaultMaxHeaderBytes = 64 * 1024
)

func (c Config) withDefaults() Config {
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = defaultMaxLineLength
	}
	if c.MaxHeaderCount <= 0 {
		c.MaxHeaderCount = defaultMaxHeaderCount
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	return c
}

// Message is a parsed HTTP/1.x message.
type Message struct {
	IsRequest bool

	// Request fields
	Method string
	Target string

	// Response fields
	StatusCode int
	Reason     string

	Proto    string // "HTTP/1.1" or "HTTP/1.0"
	Headers  header.List
	Trailers header.List
	Body     *buffer.Buffer

	// Chunked reports whether the body arrived with chunked transfer coding.
	Chunked bool
	// UntilClose reports whether the body is delimited by connection close.
	UntilClose bool
}

// KeepAlive reports whether the connection may be reused after this message
// per its version and Connection header.
func (m *Message) KeepAlive() bool {
	conn := strings.ToLower(m.Headers.Get("Connection"))
	if m.Proto == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return !strings.Contains(conn, "close") && !m.UntilClose
}

type parseState int

const (
	stateStartLine parseState = iota
	stateHeaders
	stateBodyFixed
	stateChunkSize
	stateChunkData
	stateChunkDataCRLF
	stateTrailers
	stateBodyUntilClose
	stateDone
)

// Parser is an incremental HTTP/1.x message parser. Feed it bytes as they
// arrive; parsing picks up exactly where the previous call stopped, so
// splitting the input at any byte boundary yields the same message.
type Parser struct {
	cfg       Config
	isRequest bool

	// reqMethod is the request method a response parser is matched with,
	// needed for HEAD body suppression.
	reqMethod string

	buf   []byte
	state parseState
	msg   *Message

	headerBytes int
	remaining   int64 // bytes left in the current fixed body or chunk
	sawEOF      bool

	// OnHeaders, when set, runs once the header block is complete, before
	// any body bytes are consumed. Servers use it to emit 100 Continue.
	OnHeaders func(*Message) error
	calledOnHeaders bool
}

// NewRequestParser returns a parser for request messages.
func NewRequestParser(cfg Config) *Parser {
	return &Parser{cfg: cfg.withDefaults(), isRequest: true}
}

// NewResponseParser returns a parser for responses to reqMethod.
func NewResponseParser(cfg Config, reqMethod string) *Parser {
	cfg.LenientLF = false // lenient line endings are accepted on requests only
	return &Parser{cfg: cfg.withDefaults(), reqMethod: strings.ToUpper(reqMethod)}
}

// Done reports whether a complete message has been parsed.
func (p *Parser) Done() bool { return p.state == stateDone }

// Message returns the parsed message once Done reports true.
func (p *Parser) Message() *Message { return p.msg }

// Buffered returns the bytes fed but not consumed by the completed message,
// e.g. the start of a pipelined follow-up.
func (p *Parser) Buffered() []byte { return p.buf }

// Feed appends data and advances the parser as far as possible.
func (p *Parser) Feed(data []byte) error {
	p.buf = append(p.buf, data...)
	return p.advance()
}

// FeedEOF signals connection close. Bodies delimited by close complete;
// anything else mid-message is reported as truncated.
func (p *Parser) FeedEOF() error {
	p.sawEOF = true
	return p.advance()
}

func (p *Parser) advance() error {
	for {
		switch p.state {
		case stateStartLine:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return p.eofCheck()
			}
			if len(line) == 0 && p.msg == nil {
				// Tolerate a stray CRLF before the start line (RFC 9112 §2.2).
				continue
			}
			if err := p.parseStartLine(line); err != nil {
				return err
			}
			p.state = stateHeaders

		case stateHeaders:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return p.eofCheck()
			}
			if len(line) == 0 {
				if p.OnHeaders != nil && !p.calledOnHeaders {
					p.calledOnHeaders = true
					if err := p.OnHeaders(p.msg); err != nil {
						return err
					}
				}
				if err := p.beginBody(); err != nil {
					return err
				}
				continue
			}
			if err := p.parseHeaderLine(line, &p.msg.Headers); err != nil {
				return err
			}

		case stateBodyFixed:
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			if n > 0 {
				if _, err := p.msg.Body.Write(p.buf[:n]); err != nil {
					return err
				}
				p.buf = p.buf[n:]
				p.remaining -= n
			}
			if p.remaining == 0 {
				p.state = stateDone
				return nil
			}
			return p.eofCheck()

		case stateChunkSize:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return p.eofCheck()
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return err
			}
			if size == 0 {
				p.state = stateTrailers
				continue
			}
			p.remaining = size
			p.state = stateChunkData

		case stateChunkData:
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			if n > 0 {
				if _, err := p.msg.Body.Write(p.buf[:n]); err != nil {
					return err
				}
				p.buf = p.buf[n:]
				p.remaining -= n
			}
			if p.remaining > 0 {
				return p.eofCheck()
			}
			p.state = stateChunkDataCRLF

		case stateChunkDataCRLF:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return p.eofCheck()
			}
			if len(line) != 0 {
				return badChunk("data not followed by CRLF")
			}
			p.state = stateChunkSize

		case stateTrailers:
			line, ok, err := p.nextLine()
			if err != nil {
				return err
			}
			if !ok {
				return p.eofCheck()
			}
			if len(line) == 0 {
				p.state = stateDone
				return nil
			}
			if err := p.parseHeaderLine(line, &p.msg.Trailers); err != nil {
				return err
			}

		case stateBodyUntilClose:
			if len(p.buf) > 0 {
				if _, err := p.msg.Body.Write(p.buf); err != nil {
					return err
				}
				p.buf = nil
			}
			if p.sawEOF {
				p.state = stateDone
			}
			return nil

		case stateDone:
			return nil
		}
	}
}

// ErrCleanClose reports a connection that closed between messages, with no
// partial message outstanding. Compare with ==.
var ErrCleanClose = errors.NewIOError("read: connection closed between messages", nil)

// eofCheck classifies an EOF observed mid-message.
func (p *Parser) eofCheck() error {
	if !p.sawEOF {
		return nil
	}
	if p.state == stateStartLine && p.msg == nil && len(bytes.TrimRight(p.buf, "\r\n")) == 0 {
		return ErrCleanClose
	}
	return errors.NewFramingError(errors.TagTruncated, "parse", "connection closed mid-message")
}

// nextLine extracts one line from the buffer. ok is false when the line is
// not complete yet.
func (p *Parser) nextLine() ([]byte, bool, error) {
	idx := bytes.IndexByte(p.buf, '\n')
	if idx < 0 {
		if len(p.buf) > p.cfg.MaxLineLength {
			return nil, false, errors.NewFramingError(errors.TagTooLarge, "parse", "line exceeds maximum length")
		}
		return nil, false, nil
	}
	if idx > p.cfg.MaxLineLength {
		return nil, false, errors.NewFramingError(errors.TagTooLarge, "parse", "line exceeds maximum length")
	}
	line := p.buf[:idx]
	p.buf = p.buf[idx+1:]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1], true, nil
	}
	if p.isRequest && p.cfg.LenientLF {
		return line, true, nil
	}
	return nil, false, badSyntax("bare LF line ending")
}

func (p *Parser) parseStartLine(line []byte) error {
	s := string(line)
	if p.isRequest {
		parts := strings.Split(s, " ")
		if len(parts) != 3 {
			return badSyntax("malformed request line")
		}
		method, target, proto := parts[0], parts[1], parts[2]
		if !validToken(method) {
			return badSyntax("invalid method token")
		}
		if target == "" || strings.ContainsAny(target, " \t") {
			return badSyntax("invalid request target")
		}
		if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
			return errors.NewProtocolErrorTag(errors.TagUnsupportedVersion, "parse", "unsupported protocol version "+proto)
		}
		p.msg = &Message{IsRequest: true, Method: method, Target: target, Proto: proto}
		return nil
	}

	// Status line: HTTP-version SP status-code SP [reason].
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 2 {
		return badSyntax("malformed status line")
	}
	proto := parts[0]
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return errors.NewProtocolErrorTag(errors.TagUnsupportedVersion, "parse", "unsupported protocol version "+proto)
	}
	if len(parts[1]) != 3 {
		return badSyntax("status code must be three digits")
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return badSyntax("invalid status code")
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	p.msg = &Message{StatusCode: code, Reason: reason, Proto: proto}
	return nil
}

func (p *Parser) parseHeaderLine(line []byte, dst *header.List) error {
	p.headerBytes += len(line) + 2
	if p.headerBytes > p.cfg.MaxHeaderBytes {
		return errors.NewFramingError(errors.TagTooLarge, "parse", "header block exceeds maximum size")
	}
	if len(*dst) >= p.cfg.MaxHeaderCount {
		return errors.NewFramingError(errors.TagTooLarge, "parse", "too many header fields")
	}
	if line[0] == ' ' || line[0] == '\t' {
		return badSyntax("obsolete line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return badSyntax("header line missing colon")
	}
	name := string(line[:colon])
	if !validToken(name) {
		return badSyntax("invalid header field name")
	}
	value := strings.Trim(string(line[colon+1:]), " \t")
	if !header.ValidValue(value) {
		return badSyntax("invalid header field value")
	}
	dst.Add(name, value)
	return nil
}

// beginBody applies the body-framing decision order of RFC 9112 Section 6.3.
func (p *Parser) beginBody() error {
	m := p.msg
	m.Body = buffer.New(p.cfg.BodyMemLimit)

	te := m.Headers.Values("Transfer-Encoding")
	cls := m.Headers.Values("Content-Length")

	if len(te) > 0 && len(cls) > 0 {
		return badFraming("both Transfer-Encoding and Content-Length present")
	}

	if !m.IsRequest {
		code := m.StatusCode
		if p.reqMethod == "HEAD" || (code >= 100 && code < 200) || code == 204 || code == 304 {
			p.state = stateDone
			return nil
		}
	}

	if len(te) > 0 {
		coding := strings.ToLower(strings.TrimSpace(te[len(te)-1]))
		if !strings.HasSuffix(coding, "chunked") {
			return badFraming("final transfer coding is not chunked")
		}
		m.Chunked = true
		p.state = stateChunkSize
		return nil
	}

	if len(cls) > 0 {
		first := strings.TrimSpace(cls[0])
		for _, v := range cls[1:] {
			if strings.TrimSpace(v) != first {
				return badFraming("multiple Content-Length values disagree")
			}
		}
		n, err := strconv.ParseUint(first, 10, 63)
		if err != nil {
			return badFraming("invalid Content-Length")
		}
		if n == 0 {
			p.state = stateDone
			return nil
		}
		p.remaining = int64(n)
		p.state = stateBodyFixed
		return nil
	}

	if m.IsRequest {
		// A request without a declared body has none.
		p.state = stateDone
		return nil
	}
	m.UntilClose = true
	p.state = stateBodyUntilClose
	return nil
}

// parseChunkSize parses a chunk-size line, ignoring chunk extensions.
func parseChunkSize(line []byte) (int64, error) {
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	s := strings.TrimRight(string(line), " \t")
	if s == "" {
		return 0, badChunk("empty chunk size")
	}
	var size uint64
	for _, c := range []byte(s) {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, badChunk("invalid chunk size digit")
		}
		if size > (^uint64(0)-d)/16 {
			return 0, badChunk("chunk size overflows 64 bits")
		}
		size = size*16 + d
	}
	if size > 1<<62 {
		return 0, badChunk("chunk size unreasonably large")
	}
	return int64(size), nil
}

func validToken(s string) bool {
	return header.ValidName(s)
}

func badSyntax(msg string) error {
	return errors.NewFramingError(errors.TagBadSyntax, "parse", msg)
}

func badFraming(msg string) error {
	return errors.NewFramingError(errors.TagBadFraming, "parse", msg)
}

func badChunk(msg string) error {
	return errors.NewFramingError(errors.TagBadChunk, "parse", msg)
}
