package http2

import (
	"github.com/GhostKellz/zhttp/pkg/buffer"
	"github.com/GhostKellz/zhttp/pkg/header"
)

// StreamState tracks the RFC 9113 Section 5.1 stream lifecycle.
type StreamState int

const (
	StateIdle StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed (local)"
	case StateHalfClosedRemote:
		return "half-closed (remote)"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is one HTTP/2 stream owned by its connection. External handles
// hold (connection, id) pairs and look streams up in the connection's
// table; a dangling handle observes a StreamGone error.
type Stream struct {
	ID    uint32
	State StreamState

	// Flow control. Send windows are consumed by outgoing DATA and
	// replenished by peer WINDOW_UPDATEs; the receive window tracks what we
	// have granted the peer.
	sendWindow int64
	recvWindow int64

	// Response assembly (client role) / request assembly (server role).
	headers      header.List
	trailers     header.List
	body         *buffer.Buffer
	sawHeaders   bool
	sawEndStream bool

	// done is closed when the stream reaches a terminal condition; err
	// carries the failure, if any.
	done chan struct{}
	err  error

	// resetSent records that we sent RST_STREAM and tolerate in-flight
	// frames for a grace window.
	resetSent bool

	// dispatched marks a server-side stream whose request reached the
	// handler.
	dispatched bool
}

func newStream(id uint32, sendWindow, recvWindow int64, bodyLimit int64) *Stream {
	return &Stream{
		ID:         id,
		State:      StateIdle,
		sendWindow: sendWindow,
		recvWindow: recvWindow,
		body:       buffer.New(bodyLimit),
		done:       make(chan struct{}),
	}
}

// closeWithError moves the stream to closed and wakes waiters. Callers hold
// the connection lock.
func (s *Stream) closeWithError(err error) {
	if s.State == StateClosed {
		return
	}
	s.State = StateClosed
	s.err = err
	close(s.done)
}

// halfCloseRemote records the peer's END_STREAM.
func (s *Stream) halfCloseRemote() {
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.State = StateClosed
		close(s.done)
	}
}

// halfCloseLocal records our END_STREAM.
func (s *Stream) halfCloseLocal() {
	switch s.State {
	case StateOpen:
		s.State = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.State = StateClosed
		close(s.done)
	}
}
