package http1

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/header"
)

func startServer(t *testing.T, handler Handler) (net.Addr, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go NewServerConn(conn, Config{}).Serve(handler)
		}
	}()
	return ln.Addr(), func() { ln.Close() }
}

func dialClient(t *testing.T, addr net.Addr) *ClientConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return NewClientConn(conn, Config{})
}

func TestClientServerRoundTrip(t *testing.T) {
	addr, stop := startServer(t, func(w ResponseWriter, req *Message) {
		var h header.List
		h.Add("content-type", "text/plain")
		w.WriteHeader(200, h)
		w.Write([]byte("hello "))
		w.Write([]byte("world"))
	})
	defer stop()

	cc := dialClient(t, addr)
	defer cc.Close()

	msg, err := cc.RoundTrip(context.Background(), &Request{
		Method:  "GET",
		Target:  "/x",
		Headers: header.List{{Name: "host", Value: "h"}},
	})
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if msg.StatusCode != 200 {
		t.Fatalf("status = %d", msg.StatusCode)
	}
	body, _ := msg.Body.ReadAll()
	if string(body) != "hello world" {
		t.Fatalf("body = %q", body)
	}
	if !cc.Reusable() {
		t.Fatalf("keep-alive connection should be reusable")
	}

	// Same connection serves a second exchange.
	msg, err = cc.RoundTrip(context.Background(), &Request{
		Method:  "GET",
		Target:  "/y",
		Headers: header.List{{Name: "host", Value: "h"}},
	})
	if err != nil {
		t.Fatalf("roundtrip 2: %v", err)
	}
	if msg.StatusCode != 200 {
		t.Fatalf("status 2 = %d", msg.StatusCode)
	}
}

func TestBusyConnectionRefusesSecondRequest(t *testing.T) {
	// net.Pipe blocks the first request's write until someone reads, so
	// the connection is deterministically busy for the second call.
	client, server := net.Pipe()
	defer server.Close()

	cc := NewClientConn(client, Config{})
	started := make(chan struct{})
	go func() {
		close(started)
		cc.RoundTrip(context.Background(), &Request{
			Method:  "GET",
			Target:  "/slow",
			Headers: header.List{{Name: "host", Value: "h"}},
		})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := cc.RoundTrip(context.Background(), &Request{
		Method:  "GET",
		Target:  "/second",
		Headers: header.List{{Name: "host", Value: "h"}},
	})
	if errors.GetErrorTag(err) != errors.TagBusy {
		t.Fatalf("err = %v, want Busy", err)
	}
	cc.Close()
}

func TestExpect100Continue(t *testing.T) {
	addr, stop := startServer(t, func(w ResponseWriter, req *Message) {
		body, _ := req.Body.ReadAll()
		var h header.List
		h.Add("content-length", "0")
		h.Add("x-got-body", string(body))
		w.WriteHeader(201, h)
	})
	defer stop()

	cc := dialClient(t, addr)
	defer cc.Close()

	msg, err := cc.RoundTrip(context.Background(), &Request{
		Method:            "POST",
		Target:            "/upload",
		Headers:           header.List{{Name: "host", Value: "h"}},
		Body:              bytes.NewReader([]byte("payload")),
		ContentLength:     7,
		Expect100Continue: true,
	})
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if msg.StatusCode != 201 {
		t.Fatalf("status = %d", msg.StatusCode)
	}
	if got := msg.Headers.Get("x-got-body"); got != "payload" {
		t.Fatalf("server saw body %q", got)
	}
}

func TestChunkedRequestBody(t *testing.T) {
	addr, stop := startServer(t, func(w ResponseWriter, req *Message) {
		var h header.List
		h.Add("content-length", "0")
		h.Add("x-chunked", boolString(req.Chunked))
		w.WriteHeader(200, h)
	})
	defer stop()

	cc := dialClient(t, addr)
	defer cc.Close()

	msg, err := cc.RoundTrip(context.Background(), &Request{
		Method:        "POST",
		Target:        "/chunked",
		Headers:       header.List{{Name: "host", Value: "h"}},
		Body:          strings.NewReader("streamed body"),
		ContentLength: -1,
	})
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if got := msg.Headers.Get("x-chunked"); got != "true" {
		t.Fatalf("server did not observe chunked coding: %q", got)
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestCancellationClosesConnection(t *testing.T) {
	addr, stop := startServer(t, func(w ResponseWriter, req *Message) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(200, nil)
	})
	defer stop()

	cc := dialClient(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := cc.RoundTrip(ctx, &Request{
		Method:  "GET",
		Target:  "/slow",
		Headers: header.List{{Name: "host", Value: "h"}},
	})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if cc.Reusable() {
		t.Fatalf("cancelled HTTP/1.1 connection must be discarded")
	}
}
