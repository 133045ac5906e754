// Package zhttp is a multi-protocol HTTP engine library: client and server
// roles for HTTP/1.1, HTTP/2 and HTTP/3-over-QUIC with automatic protocol
// selection via ALPN, per-origin connection pooling, and 0-RTT session
// resumption.
package zhttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GhostKellz/zhttp/pkg/buffer"
	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/http1"
	"github.com/GhostKellz/zhttp/pkg/http2"
	"github.com/GhostKellz/zhttp/pkg/http3"
	"github.com/GhostKellz/zhttp/pkg/session"
	"github.com/GhostKellz/zhttp/pkg/timing"
	"github.com/GhostKellz/zhttp/pkg/tlsconfig"
	"github.com/GhostKellz/zhttp/pkg/transport"
)

// Version is the current version of the zhttp library.
const Version = "0.3.0"

// Re-export key types for easier usage.
type (
	// Buffer provides memory-efficient storage with disk spilling.
	Buffer = buffer.Buffer

	// Metrics captures detailed timing information for a request.
	Metrics = timing.Metrics

	// Error represents a structured error with context information.
	Error = errors.Error

	// Header is an ordered header field list.
	Header = header.List

	// PoolStats provides connection pool statistics.
	PoolStats = transport.PoolStats

	// ProxyConfig contains upstream proxy configuration.
	ProxyConfig = transport.ProxyConfig
)

// ParseProxyURL parses a proxy URL string into a ProxyConfig, returning
// nil on malformed input.
func ParseProxyURL(proxyURL string) *ProxyConfig {
	cfg, err := transport.ParseProxyURL(proxyURL)
	if err != nil {
		return nil
	}
	return cfg
}

// Request is an outgoing request.
type Request struct {
	Method  string
	URL     string
	Headers header.List
	Body    []byte
	// Trailers are sent after the body on chunked H1 or as a trailing
	// header block on H2/H3.
	Trailers header.List
}

// Response is a completed response. A status >= 400 is still a successful
// Response; errors carry transport or protocol failures only.
type Response struct {
	StatusCode int
	Reason     string // advisory; empty on H2/H3
	Proto      string // "HTTP/1.1", "HTTP/2" or "HTTP/3"
	Headers    header.List
	Trailers   header.List
	Body       *buffer.Buffer

	NegotiatedProtocol string
	ConnectionReused   bool
	Timings            timing.Metrics
}

// origin identifies a pool bucket for multiplexed engines.
type origin struct {
	scheme string
	host   string
	port   int
}

func (o origin) String() string { return fmt.Sprintf("%s://%s:%d", o.scheme, o.host, o.port) }

func (o origin) authority() string {
	if (o.scheme == "https" && o.port == 443) || (o.scheme == "http" && o.port == 80) {
		return o.host
	}
	return fmt.Sprintf("%s:%d", o.host, o.port)
}

// Client originates requests over whichever engine the origin negotiates.
type Client struct {
	opts      Options
	transport *transport.Transport
	sessions  *session.Cache

	mu        sync.Mutex
	h2conns   map[origin]*http2.Conn
	h3conns   map[origin]*http3.Connection
	h3Broken  map[origin]time.Time // UDP failure memoization
	alpnKnown map[origin]string    // last negotiated TCP ALPN per origin
}

// NewClient returns a Client with the given options.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	poolCfg := transport.DefaultPoolConfig()
	if opts.Pool != nil {
		poolCfg = *opts.Pool
	} else {
		poolCfg.MaxConnsPerHost = opts.MaxPerHostConns
		poolCfg.MaxTotalConns = opts.MaxTotalConns
		poolCfg.MaxIdleTime = opts.IdleTimeout
	}
	sessions := session.NewCache(opts.SessionTicketLifetime)
	sessions.AllowUnsafeMethods = opts.Allow0RTTUnsafe
	return &Client{
		opts:      opts,
		transport: transport.NewWithConfig(poolCfg),
		sessions:  sessions,
		h2conns:   make(map[origin]*http2.Conn),
		h3conns:   make(map[origin]*http3.Connection),
		h3Broken:  make(map[origin]time.Time),
		alpnKnown: make(map[origin]string),
	}
}

// PoolStats returns HTTP/1.1 connection pool statistics.
func (c *Client) PoolStats() PoolStats {
	return c.transport.PoolStats()
}

// Close shuts the client down: pooled and multiplexed connections are
// closed.
func (c *Client) Close() error {
	c.mu.Lock()
	for o, conn := range c.h2conns {
		conn.Close()
		delete(c.h2conns, o)
	}
	for o, conn := range c.h3conns {
		conn.Close()
		delete(c.h3conns, o)
	}
	c.mu.Unlock()
	return c.transport.Close()
}

// idempotent per RFC 9110 Section 9.2.2; these may be transparently
// retried when no response byte has been observed.
func idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE", "TRACE":
		return true
	}
	return false
}

// Do executes the request, selecting the engine by origin and ALPN.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	o, path, err := parseTarget(req.URL)
	if err != nil {
		return nil, err
	}
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	attempts := 1
	if idempotent(req.Method) {
		attempts += c.opts.MaxRetries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := c.doOnce(ctx, req, o, path)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.IsRetriable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// parseTarget splits a request URL into origin and origin-form target.
func parseTarget(raw string) (origin, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return origin{}, "", errors.NewValidationError("invalid request URL: " + err.Error())
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return origin{}, "", errors.NewValidationError("scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return origin{}, "", errors.NewValidationError("URL must include a host")
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return origin{}, "", errors.NewValidationError("invalid port in URL")
		}
	} else if scheme == "https" {
		port = 443
	} else {
		port = 80
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return origin{scheme: scheme, host: host, port: port}, path, nil
}

func (c *Client) doOnce(ctx context.Context, req *Request, o origin, path string) (*Response, error) {
	if o.scheme == "https" && c.opts.h3Enabled() && !c.h3RecentlyBroken(o) {
		resp, fellBack, err := c.tryH3(ctx, req, o, path)
		if !fellBack {
			return resp, err
		}
	}
	if o.scheme == "https" {
		if conn := c.liveH2Conn(o); conn != nil {
			return c.doH2(ctx, conn, req, o, path, true)
		}
	}
	return c.doTCP(ctx, req, o, path)
}

func (c *Client) h3RecentlyBroken(o origin) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.h3Broken[o]
	if !ok {
		return false
	}
	if time.Since(t) >= c.opts.H3FallbackTTL {
		delete(c.h3Broken, o)
		return false
	}
	return true
}

func (c *Client) liveH2Conn(o origin) *http2.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.h2conns[o]
	if !ok {
		return nil
	}
	if !conn.Reusable() || conn.StreamBudget() == 0 {
		if !conn.Reusable() {
			delete(c.h2conns, o)
		}
		return nil
	}
	return conn
}

// tryH3 attempts the request over HTTP/3. fellBack=true means the UDP
// transport could not be established and the caller should fall back to
// TCP; the failure is memoized per origin.
func (c *Client) tryH3(ctx context.Context, req *Request, o origin, path string) (resp *Response, fellBack bool, err error) {
	c.mu.Lock()
	conn := c.h3conns[o]
	if conn != nil && !conn.Reusable() {
		delete(c.h3conns, o)
		conn = nil
	}
	c.mu.Unlock()

	reused := conn != nil
	if conn == nil {
		tlsCfg, terr := c.clientTLS(o.host, []string{"h3"})
		if terr != nil {
			return nil, false, terr
		}
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()

		enable0RTT := c.opts.Enable0RTT &&
			c.sessions.AllowEarlyData(o.host, req.Method, http3.EstimatedEarlyDataSize(&http3.Request{
				Method: req.Method, Scheme: o.scheme, Authority: o.authority(), Path: path,
				Headers: req.Headers, Body: req.Body,
			}))
		qconn, derr := http3.Dial(dialCtx, fmt.Sprintf("%s:%d", o.host, o.port), http3.DialConfig{
			TLSConfig:   tlsCfg,
			IdleTimeout: c.opts.IdleTimeout,
			Enable0RTT:  enable0RTT,
		})
		if derr != nil {
			c.mu.Lock()
			c.h3Broken[o] = time.Now()
			c.mu.Unlock()
			return nil, true, nil
		}
		conn = http3.NewConnection(qconn, true, c.opts.H3)
		if serr := conn.Start(ctx); serr != nil {
			conn.Close()
			c.mu.Lock()
			c.h3Broken[o] = time.Now()
			c.mu.Unlock()
			return nil, true, nil
		}
		c.mu.Lock()
		c.h3conns[o] = conn
		c.mu.Unlock()
	}

	timer := timing.NewTimer()
	h3resp, rerr := conn.RoundTrip(ctx, &http3.Request{
		Method:    req.Method,
		Scheme:    o.scheme,
		Authority: o.authority(),
		Path:      path,
		Headers:   c.decorated(req.Headers),
		Body:      req.Body,
		Trailers:  req.Trailers,
	})
	if rerr != nil {
		if !conn.Reusable() {
			c.mu.Lock()
			delete(c.h3conns, o)
			c.mu.Unlock()
		}
		return nil, false, rerr
	}
	return &Response{
		StatusCode:         h3resp.Status,
		Proto:              "HTTP/3",
		Headers:            h3resp.Headers,
		Trailers:           h3resp.Trailers,
		Body:               h3resp.Body,
		NegotiatedProtocol: "h3",
		ConnectionReused:   reused,
		Timings:            timer.GetMetrics(),
	}, false, nil
}

// doTCP dials over TCP, negotiates ALPN, and dispatches to the H2 or H1
// engine.
func (c *Client) doTCP(ctx context.Context, req *Request, o origin, path string) (*Response, error) {
	known := c.knownALPN(o)
	offers := c.opts.tcpALPN()
	if o.scheme == "http" {
		offers = nil
	} else if known == "http/1.1" {
		offers = []string{"http/1.1"}
	}
	if o.scheme == "https" && len(offers) == 0 {
		return nil, errors.NewValidationError("no enabled engine for https target")
	}

	// Pool only pure HTTP/1.1 dials: multiplexed connections are held by
	// the client itself, one per origin.
	poolable := o.scheme == "http" || (len(offers) == 1 && offers[0] == "http/1.1")

	timer := timing.NewTimer()
	cfg := transport.Config{
		Scheme:          o.scheme,
		Host:            o.host,
		Port:            o.port,
		ALPN:            offers,
		ConnTimeout:     c.opts.ConnectTimeout,
		ReadTimeout:     c.opts.ReadTimeout,
		WriteTimeout:    c.opts.WriteTimeout,
		ReuseConnection: poolable,
		Proxy:           c.opts.Proxy,
	}
	tlsCfg, err := c.clientTLS(o.host, offers)
	if err != nil {
		return nil, err
	}
	cfg.TLSConfig = tlsCfg

	conn, meta, err := c.transport.Connect(ctx, cfg, timer)
	if err != nil {
		return nil, err
	}

	switch meta.NegotiatedProtocol {
	case "h2":
		c.setKnownALPN(o, "h2")
		h2conn := http2.NewConn(conn, true, c.h2Options())
		if err := h2conn.Handshake(); err != nil {
			c.transport.CloseConnection(conn, meta)
			return nil, err
		}
		c.mu.Lock()
		if existing, ok := c.h2conns[o]; ok && existing.Reusable() {
			// Another request raced the dial; use the stored connection.
			c.mu.Unlock()
			h2conn.Close()
			return c.doH2(ctx, existing, req, o, path, true)
		}
		c.h2conns[o] = h2conn
		c.mu.Unlock()
		resp, err := c.doH2(ctx, h2conn, req, o, path, false)
		if err != nil {
			return nil, err
		}
		resp.Timings = timer.GetMetrics()
		return resp, nil

	default: // http/1.1, negotiated or assumed
		if o.scheme == "https" {
			c.setKnownALPN(o, "http/1.1")
		}
		return c.doH1(ctx, conn, meta, req, o, path, timer, poolable)
	}
}

func (c *Client) knownALPN(o origin) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alpnKnown[o]
}

func (c *Client) setKnownALPN(o origin, alpn string) {
	c.mu.Lock()
	c.alpnKnown[o] = alpn
	c.mu.Unlock()
}

func (c *Client) h2Options() *http2.Options {
	opts := c.opts.H2
	if opts == nil {
		opts = http2.DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = c.opts.Logger
	}
	return opts
}

func (c *Client) doH2(ctx context.Context, conn *http2.Conn, req *Request, o origin, path string, reused bool) (*Response, error) {
	resp, err := conn.RoundTrip(ctx, &http2.Request{
		Method:    req.Method,
		Scheme:    o.scheme,
		Authority: o.authority(),
		Path:      path,
		Headers:   c.decorated(req.Headers),
		Body:      req.Body,
		Trailers:  req.Trailers,
	})
	if err != nil {
		if !conn.Reusable() {
			c.mu.Lock()
			if c.h2conns[o] == conn {
				delete(c.h2conns, o)
			}
			c.mu.Unlock()
		}
		return nil, err
	}
	return &Response{
		StatusCode:         resp.Status,
		Proto:              "HTTP/2",
		Headers:            resp.Headers,
		Trailers:           resp.Trailers,
		Body:               resp.Body,
		NegotiatedProtocol: "h2",
		ConnectionReused:   reused,
	}, nil
}

func (c *Client) doH1(ctx context.Context, nc net.Conn, meta *transport.ConnectionMetadata, req *Request, o origin, path string, timer *timing.Timer, poolable bool) (*Response, error) {
	cc := http1.NewClientConn(nc, http1.Config{})

	headers := c.decorated(req.Headers)
	if !headers.Has("host") {
		hostField := header.List{{Name: "host", Value: o.authority()}}
		headers = append(hostField, headers...)
	}

	h1req := &http1.Request{
		Method:        req.Method,
		Target:        path,
		Headers:       headers,
		ContentLength: int64(len(req.Body)),
	}
	if len(req.Body) > 0 {
		h1req.Body = bytes.NewReader(req.Body)
	} else {
		h1req.ContentLength = 0
	}
	if len(req.Trailers) > 0 {
		// Trailers require chunked transfer coding.
		h1req.ContentLength = -1
		if h1req.Body == nil {
			h1req.Body = bytes.NewReader(nil)
		}
	}

	msg, err := cc.RoundTrip(ctx, h1req)
	if err != nil {
		c.transport.CloseConnection(nc, meta)
		if ctx.Err() != nil {
			return nil, errors.NewCancelError("request", ctx.Err())
		}
		return nil, err
	}

	if poolable && cc.Reusable() {
		c.transport.ReleaseConnection(nc, meta)
	} else {
		c.transport.CloseConnection(nc, meta)
	}

	return &Response{
		StatusCode:         msg.StatusCode,
		Reason:             msg.Reason,
		Proto:              msg.Proto,
		Headers:            msg.Headers,
		Trailers:           msg.Trailers,
		Body:               msg.Body,
		NegotiatedProtocol: meta.NegotiatedProtocol,
		ConnectionReused:   meta.ConnectionReused,
		Timings:            timer.GetMetrics(),
	}, nil
}

// decorated returns the request headers with the user agent applied.
func (c *Client) decorated(h header.List) header.List {
	out := header.LowerAll(h)
	if !out.Has("user-agent") && c.opts.UserAgent != "" {
		out.Add("user-agent", c.opts.UserAgent)
	}
	return out
}

// clientTLS builds the client TLS configuration for a host and ALPN list,
// applying the pin set, custom roots and the session ticket cache.
func (c *Client) clientTLS(host string, alpn []string) (*tls.Config, error) {
	cfg := tlsconfig.Config{
		ServerName:         host,
		ALPN:               alpn,
		InsecureSkipVerify: c.opts.InsecureTLS,
		MinVersion:         c.opts.MinTLSVersion,
		RootCAs:            c.opts.RootCAs,
	}
	for _, pin := range c.opts.SPKIPins {
		parsed, err := tlsconfig.ParsePin(pin)
		if err != nil {
			return nil, errors.NewValidationError(err.Error())
		}
		cfg.SPKIPins = append(cfg.SPKIPins, parsed)
	}
	built, err := cfg.Client()
	if err != nil {
		return nil, errors.NewTLSError(host, 0, err)
	}
	built.ClientSessionCache = session.NewTLSCache(c.sessions, 64)
	return built, nil
}
