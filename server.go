package zhttp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
	"github.com/GhostKellz/zhttp/pkg/http1"
	"github.com/GhostKellz/zhttp/pkg/http2"
	"github.com/GhostKellz/zhttp/pkg/http3"
	"github.com/GhostKellz/zhttp/pkg/tlsconfig"
)

// ServerRequest is a request as seen by a server handler, independent of
// the engine that carried it.
type ServerRequest struct {
	Method    string
	Path      string
	Authority string
	Proto     string // "HTTP/1.1", "HTTP/2" or "HTTP/3"
	Headers   header.List
	Trailers  header.List
	Body      []byte
}

// ResponseWriter is the engine-independent response sink. The engines
// guarantee exactly one response per request: handlers that return without
// writing produce a synthesized 500, and short fixed-length bodies abort
// the stream or connection.
type ResponseWriter interface {
	WriteHeader(status int, headers header.List) error
	Write(p []byte) (int, error)
}

// Handler handles one request.
type Handler func(w ResponseWriter, req *ServerRequest)

// ServerOptions configures a Server.
type ServerOptions struct {
	// CertPEM and KeyPEM hold the server certificate. Required for Serve
	// over TLS and for ServeQUIC.
	CertPEM []byte
	KeyPEM  []byte

	// MinTLSVersion bounds the TLS handshake. Defaults to TLS 1.2.
	MinTLSVersion uint16

	// ALPN is the accept list, most preferred first. Defaults to
	// ["h2", "http/1.1"] for TCP listeners.
	ALPN []string

	// ReadTimeout bounds reading one request on HTTP/1.1 connections.
	ReadTimeout time.Duration

	// H2 and H3 carry engine-specific settings.
	H2 *http2.Options
	H3 *http3.Options

	// H1Config bounds the HTTP/1.1 parser.
	H1Config http1.Config
}

// Server serves requests over whichever engines its listeners negotiate.
type Server struct {
	Handler Handler
	Options ServerOptions

	mu        sync.Mutex
	listeners []net.Listener
	quicLns   []*quicListener
	closed    bool
}

type quicListener struct {
	close func() error
}

// NewServer returns a server for the given handler.
func NewServer(handler Handler, opts ServerOptions) *Server {
	return &Server{Handler: handler, Options: opts}
}

// Serve accepts TCP connections on ln, performs the TLS handshake when a
// certificate is configured, and dispatches each connection to the engine
// ALPN selected. Plaintext listeners speak HTTP/1.1 only.
func (s *Server) Serve(ln net.Listener) error {
	if s.Handler == nil {
		return errors.NewValidationError("server has no handler")
	}

	var tlsCfg *tls.Config
	if len(s.Options.CertPEM) > 0 {
		alpn := s.Options.ALPN
		if len(alpn) == 0 {
			alpn = []string{"h2", "http/1.1"}
		}
		cfg := tlsconfig.Config{ALPN: alpn, MinVersion: s.Options.MinTLSVersion}
		built, err := cfg.Server(s.Options.CertPEM, s.Options.KeyPEM)
		if err != nil {
			return err
		}
		tlsCfg = built
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.NewValidationError("server is closed")
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.NewIOError("accepting connection", err)
		}
		go s.serveConn(conn, tlsCfg)
	}
}

func (s *Server) serveConn(conn net.Conn, tlsCfg *tls.Config) {
	alpn := "http/1.1"
	if tlsCfg != nil {
		tlsConn := tls.Server(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			conn.Close()
			return
		}
		conn = tlsConn
		if p := tlsConn.ConnectionState().NegotiatedProtocol; p != "" {
			alpn = p
		}
	}

	switch alpn {
	case "h2":
		h2conn := http2.NewConn(conn, false, s.Options.H2)
		if err := h2conn.Handshake(); err != nil {
			conn.Close()
			return
		}
		h2conn.Serve(func(w http2.ResponseWriter, req *http2.ServerRequest) {
			s.Handler(w, &ServerRequest{
				Method:    req.Method,
				Path:      req.Path,
				Authority: req.Authority,
				Proto:     "HTTP/2",
				Headers:   req.Headers,
				Trailers:  req.Trailers,
				Body:      req.Body,
			})
		})
	default:
		sc := http1.NewServerConn(conn, s.Options.H1Config)
		sc.ReadTimeout = s.Options.ReadTimeout
		sc.Serve(func(w http1.ResponseWriter, msg *http1.Message) {
			body := []byte(nil)
			if msg.Body != nil {
				body, _ = msg.Body.ReadAll()
			}
			s.Handler(w, &ServerRequest{
				Method:    msg.Method,
				Path:      msg.Target,
				Authority: msg.Headers.Get("Host"),
				Proto:     msg.Proto,
				Headers:   msg.Headers,
				Trailers:  msg.Trailers,
				Body:      body,
			})
		})
	}
}

// ServeQUIC listens for HTTP/3 on the given UDP address.
func (s *Server) ServeQUIC(addr string) error {
	if s.Handler == nil {
		return errors.NewValidationError("server has no handler")
	}
	if len(s.Options.CertPEM) == 0 {
		return errors.NewValidationError("ServeQUIC requires a certificate")
	}
	cfg := tlsconfig.Config{ALPN: []string{"h3"}, MinVersion: tls.VersionTLS13}
	tlsCfg, err := cfg.Server(s.Options.CertPEM, s.Options.KeyPEM)
	if err != nil {
		return err
	}

	ln, err := http3.Listen(addr, tlsCfg, 0)
	if err != nil {
		return errors.NewConnectionError(addr, 0, err)
	}
	s.mu.Lock()
	s.quicLns = append(s.quicLns, &quicListener{close: ln.Close})
	s.mu.Unlock()

	for {
		qc, err := ln.Accept(context.Background())
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.NewIOError("accepting QUIC connection", err)
		}
		go func() {
			conn := http3.NewConnection(http3.WrapConn(qc), false, s.Options.H3)
			if err := conn.Start(context.Background()); err != nil {
				return
			}
			conn.Serve(context.Background(), func(w http3.ResponseWriter, req *http3.ServerRequest) {
				s.Handler(w, &ServerRequest{
					Method:    req.Method,
					Path:      req.Path,
					Authority: req.Authority,
					Proto:     "HTTP/3",
					Headers:   req.Headers,
					Trailers:  req.Trailers,
					Body:      req.Body,
				})
			})
		}()
	}
}

// Close stops all listeners.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, ln := range s.listeners {
		ln.Close()
	}
	for _, q := range s.quicLns {
		q.close()
	}
	s.listeners = nil
	s.quicLns = nil
	return nil
}
