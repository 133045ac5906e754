package http3

import (
	"context"
	"crypto/tls"
	"io"
	"time"

	"github.com/quic-go/quic-go"
)

// The QUIC transport is an external collaborator: the engine talks to it
// through these interfaces and never below them. They cover exactly the
// contract the engine needs: bidirectional and unidirectional streams with
// FIN, STOP_SENDING and RESET_STREAM, and connection close with an
// application error code.

// Stream is a bidirectional QUIC stream. Close sends FIN on the write
// side; reads drain until the peer's FIN or reset.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	StreamID() uint64
	CancelRead(code uint64)  // STOP_SENDING
	CancelWrite(code uint64) // RESET_STREAM
}

// SendStream is the write half of a unidirectional stream.
type SendStream interface {
	io.Writer
	io.Closer
	StreamID() uint64
	CancelWrite(code uint64)
}

// ReceiveStream is the read half of a unidirectional stream.
type ReceiveStream interface {
	io.Reader
	StreamID() uint64
	CancelRead(code uint64)
}

// Conn is a QUIC connection as the HTTP/3 engine sees it.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	CloseWithError(code uint64, reason string) error
}

// --- quic-go adapter ---

type quicgoConn struct {
	qc quic.Connection
}

// WrapConn adapts a quic-go connection to the engine's transport contract.
func WrapConn(qc quic.Connection) Conn {
	return &quicgoConn{qc: qc}
}

func (c *quicgoConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicgoStream{s}, nil
}

func (c *quicgoConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicgoStream{s}, nil
}

func (c *quicgoConn) OpenUniStream() (SendStream, error) {
	s, err := c.qc.OpenUniStream()
	if err != nil {
		return nil, err
	}
	return quicgoSendStream{s}, nil
}

func (c *quicgoConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicgoReceiveStream{s}, nil
}

func (c *quicgoConn) CloseWithError(code uint64, reason string) error {
	return c.qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

type quicgoStream struct{ s quic.Stream }

func (s quicgoStream) Read(p []byte) (int, error)  { return s.s.Read(p) }
func (s quicgoStream) Write(p []byte) (int, error) { return s.s.Write(p) }
func (s quicgoStream) Close() error                { return s.s.Close() }
func (s quicgoStream) StreamID() uint64            { return uint64(s.s.StreamID()) }
func (s quicgoStream) CancelRead(code uint64)      { s.s.CancelRead(quic.StreamErrorCode(code)) }
func (s quicgoStream) CancelWrite(code uint64)     { s.s.CancelWrite(quic.StreamErrorCode(code)) }

type quicgoSendStream struct{ s quic.SendStream }

func (s quicgoSendStream) Write(p []byte) (int, error) { return s.s.Write(p) }
func (s quicgoSendStream) Close() error                { return s.s.Close() }
func (s quicgoSendStream) StreamID() uint64            { return uint64(s.s.StreamID()) }
func (s quicgoSendStream) CancelWrite(code uint64)     { s.s.CancelWrite(quic.StreamErrorCode(code)) }

type quicgoReceiveStream struct{ s quic.ReceiveStream }

func (s quicgoReceiveStream) Read(p []byte) (int, error) { return s.s.Read(p) }
func (s quicgoReceiveStream) StreamID() uint64           { return uint64(s.s.StreamID()) }
func (s quicgoReceiveStream) CancelRead(code uint64)     { s.s.CancelRead(quic.StreamErrorCode(code)) }

// DialConfig parameterizes a client QUIC dial.
type DialConfig struct {
	TLSConfig   *tls.Config
	IdleTimeout time.Duration
	// Enable0RTT dials with early-data support so safe requests can ride
	// the first flight on resumed sessions.
	Enable0RTT bool
}

// Dial opens a QUIC connection to addr with ALPN "h3".
func Dial(ctx context.Context, addr string, cfg DialConfig) (Conn, error) {
	tlsConf := cfg.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{"h3"}
	}
	quicConf := &quic.Config{
		MaxIdleTimeout: cfg.IdleTimeout,
	}
	if cfg.Enable0RTT {
		ec, err := quic.DialAddrEarly(ctx, addr, tlsConf, quicConf)
		if err != nil {
			return nil, err
		}
		return WrapConn(ec), nil
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	return WrapConn(qc), nil
}

// Listen starts a QUIC listener for the server role.
func Listen(addr string, tlsConf *tls.Config, idleTimeout time.Duration) (*quic.Listener, error) {
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{"h3"}
	}
	return quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout: idleTimeout,
		Allow0RTT:      true,
	})
}
