package http3

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// The tests run the engine over an in-memory transport implementing the
// same contract the quic-go adapter satisfies: per-stream ordered byte
// delivery with FIN, STOP_SENDING and RESET_STREAM.

type memHalf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool // FIN received
	reset  bool
}

func newMemHalf() *memHalf {
	h := &memHalf{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *memHalf) write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.reset {
		return 0, io.ErrClosedPipe
	}
	n, _ := h.buf.Write(p)
	h.cond.Broadcast()
	return n, nil
}

func (h *memHalf) fin() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *memHalf) cancel() {
	h.mu.Lock()
	h.reset = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *memHalf) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.buf.Len() == 0 {
		if h.reset {
			return 0, io.ErrClosedPipe
		}
		if h.closed {
			return 0, io.EOF
		}
		h.cond.Wait()
	}
	return h.buf.Read(p)
}

type memSendStream struct {
	id   uint64
	peer *memHalf
}

func (s *memSendStream) Write(p []byte) (int, error) { return s.peer.write(p) }
func (s *memSendStream) Close() error                { s.peer.fin(); return nil }
func (s *memSendStream) StreamID() uint64            { return s.id }
func (s *memSendStream) CancelWrite(code uint64)     { s.peer.cancel() }

type memReceiveStream struct {
	id   uint64
	half *memHalf
}

func (s *memReceiveStream) Read(p []byte) (int, error) { return s.half.Read(p) }
func (s *memReceiveStream) StreamID() uint64           { return s.id }
func (s *memReceiveStream) CancelRead(code uint64)     { s.half.cancel() }

type memStream struct {
	id     uint64
	local  *memHalf // bytes the peer wrote to us
	remote *memHalf // bytes we write to the peer
}

func (s *memStream) Read(p []byte) (int, error)  { return s.local.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.remote.write(p) }
func (s *memStream) Close() error                { s.remote.fin(); return nil }
func (s *memStream) StreamID() uint64            { return s.id }
func (s *memStream) CancelRead(code uint64)      { s.local.cancel() }
func (s *memStream) CancelWrite(code uint64)     { s.remote.cancel() }

type memConn struct {
	isClient bool
	peer     *memConn

	mu         sync.Mutex
	nextBidi   uint64
	nextUni    uint64
	acceptBidi chan *memStream
	acceptUni  chan *memReceiveStream
	closed     chan struct{}
	closeOnce  sync.Once
	closeCode  uint64
}

// newMemConnPair returns connected client and server transport endpoints.
func newMemConnPair() (*memConn, *memConn) {
	client := &memConn{
		isClient:   true,
		nextBidi:   0, // client-bidi ids: 0, 4, 8, ...
		nextUni:    2, // client-uni ids: 2, 6, 10, ...
		acceptBidi: make(chan *memStream, 16),
		acceptUni:  make(chan *memReceiveStream, 16),
		closed:     make(chan struct{}),
	}
	server := &memConn{
		isClient:   false,
		nextBidi:   1, // server-bidi ids: 1, 5, 9, ...
		nextUni:    3, // server-uni ids: 3, 7, 11, ...
		acceptBidi: make(chan *memStream, 16),
		acceptUni:  make(chan *memReceiveStream, 16),
		closed:     make(chan struct{}),
	}
	client.peer = server
	server.peer = client
	return client, server
}

func (c *memConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	id := c.nextBidi
	c.nextBidi += 4
	c.mu.Unlock()

	toPeer := newMemHalf()
	fromPeer := newMemHalf()
	local := &memStream{id: id, local: fromPeer, remote: toPeer}
	remote := &memStream{id: id, local: toPeer, remote: fromPeer}
	select {
	case c.peer.acceptBidi <- remote:
		return local, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *memConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.acceptBidi:
		return s, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) OpenUniStream() (SendStream, error) {
	c.mu.Lock()
	id := c.nextUni
	c.nextUni += 4
	c.mu.Unlock()

	half := newMemHalf()
	send := &memSendStream{id: id, peer: half}
	recv := &memReceiveStream{id: id, half: half}
	select {
	case c.peer.acceptUni <- recv:
		return send, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *memConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	select {
	case s := <-c.acceptUni:
		return s, nil
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) CloseWithError(code uint64, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.closed)
		c.peer.closeOnce.Do(func() {
			c.peer.closeCode = code
			close(c.peer.closed)
		})
	})
	return nil
}
