package zhttp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/GhostKellz/zhttp/pkg/header"
)

// selfSignedCert generates a throwaway certificate for 127.0.0.1.
func selfSignedCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "zhttp-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func echoHandler(w ResponseWriter, req *ServerRequest) {
	var h header.List
	h.Add("x-proto-seen", req.Proto)
	h.Add("x-method-seen", req.Method)
	w.WriteHeader(200, h)
	if len(req.Body) > 0 {
		w.Write(req.Body)
	} else {
		w.Write([]byte("empty"))
	}
}

func TestClientServerHTTP1(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(echoHandler, ServerOptions{})
	go srv.Serve(ln)
	defer srv.Close()

	client := NewClient(Options{DisableH2: true, DisableH3: true})
	defer client.Close()

	url := fmt.Sprintf("http://%s/hello?x=1", ln.Addr())
	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: url})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Headers.Get("x-proto-seen"); got != "HTTP/1.1" {
		t.Fatalf("proto seen = %q", got)
	}
	if string(resp.Body.Bytes()) != "empty" {
		t.Fatalf("body = %q", resp.Body.Bytes())
	}

	// The keep-alive connection returns to the pool and is reused.
	resp2, err := client.Do(context.Background(), &Request{Method: "GET", URL: url})
	if err != nil {
		t.Fatalf("do 2: %v", err)
	}
	if !resp2.ConnectionReused {
		t.Fatalf("second request should reuse the pooled connection")
	}
}

func TestClientServerHTTP1Post(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(echoHandler, ServerOptions{})
	go srv.Serve(ln)
	defer srv.Close()

	client := NewClient(Options{DisableH2: true, DisableH3: true})
	defer client.Close()

	resp, err := client.Do(context.Background(), &Request{
		Method: "POST",
		URL:    fmt.Sprintf("http://%s/submit", ln.Addr()),
		Body:   []byte("form=data"),
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(resp.Body.Bytes()) != "form=data" {
		t.Fatalf("body = %q", resp.Body.Bytes())
	}
	if got := resp.Headers.Get("x-method-seen"); got != "POST" {
		t.Fatalf("method seen = %q", got)
	}
}

func TestClientServerHTTP2(t *testing.T) {
	certPEM, keyPEM := selfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(echoHandler, ServerOptions{CertPEM: certPEM, KeyPEM: keyPEM})
	go srv.Serve(ln)
	defer srv.Close()

	client := NewClient(Options{DisableH3: true, InsecureTLS: true})
	defer client.Close()

	url := fmt.Sprintf("https://%s/h2", ln.Addr())
	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: url})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Proto != "HTTP/2" {
		t.Fatalf("proto = %q, want HTTP/2", resp.Proto)
	}
	if got := resp.Headers.Get("x-proto-seen"); got != "HTTP/2" {
		t.Fatalf("server saw %q", got)
	}

	// The multiplexed connection is shared by subsequent requests.
	resp2, err := client.Do(context.Background(), &Request{Method: "GET", URL: url})
	if err != nil {
		t.Fatalf("do 2: %v", err)
	}
	if !resp2.ConnectionReused {
		t.Fatalf("second request should multiplex onto the existing connection")
	}
}

func TestClientServerHTTP1OverTLS(t *testing.T) {
	certPEM, keyPEM := selfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(echoHandler, ServerOptions{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		ALPN:    []string{"http/1.1"}, // server accepts HTTP/1.1 only
	})
	go srv.Serve(ln)
	defer srv.Close()

	client := NewClient(Options{DisableH3: true, InsecureTLS: true})
	defer client.Close()

	resp, err := client.Do(context.Background(), &Request{
		Method: "GET",
		URL:    fmt.Sprintf("https://%s/fallback", ln.Addr()),
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Proto != "HTTP/1.1" {
		t.Fatalf("proto = %q, want HTTP/1.1 after ALPN selection", resp.Proto)
	}
}

func TestH3FallbackMemoization(t *testing.T) {
	certPEM, keyPEM := selfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(echoHandler, ServerOptions{CertPEM: certPEM, KeyPEM: keyPEM})
	go srv.Serve(ln)
	defer srv.Close()

	// H3 is enabled but nothing listens on UDP: the dial fails, the
	// failure is memoized, and the request succeeds over TCP.
	client := NewClient(Options{
		InsecureTLS:    true,
		ConnectTimeout: 500 * time.Millisecond,
	})
	defer client.Close()

	url := fmt.Sprintf("https://%s/via-fallback", ln.Addr())
	resp, err := client.Do(context.Background(), &Request{Method: "GET", URL: url})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Proto != "HTTP/2" {
		t.Fatalf("proto = %q, want HTTP/2 fallback", resp.Proto)
	}

	client.mu.Lock()
	memoized := len(client.h3Broken) == 1
	client.mu.Unlock()
	if !memoized {
		t.Fatalf("H3 failure should be memoized per origin")
	}

	// The second request must not retry UDP: it stays fast.
	start := time.Now()
	if _, err := client.Do(context.Background(), &Request{Method: "GET", URL: url}); err != nil {
		t.Fatalf("do 2: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("second request took %v; memoized fallback should skip the UDP attempt", elapsed)
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		url    string
		origin string
		path   string
	}{
		{"http://example.com/a/b?q=1", "http://example.com:80", "/a/b?q=1"},
		{"https://example.com", "https://example.com:443", "/"},
		{"https://example.com:8443/x", "https://example.com:8443", "/x"},
	}
	for _, tc := range cases {
		o, path, err := parseTarget(tc.url)
		if err != nil {
			t.Fatalf("%s: %v", tc.url, err)
		}
		if o.String() != tc.origin || path != tc.path {
			t.Fatalf("%s: got (%s, %s), want (%s, %s)", tc.url, o, path, tc.origin, tc.path)
		}
	}

	for _, bad := range []string{"ftp://x/", "http://", "://nope"} {
		if _, _, err := parseTarget(bad); err == nil {
			t.Fatalf("%s: expected error", bad)
		}
	}
}

func TestStatus404IsNotAnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(func(w ResponseWriter, req *ServerRequest) {
		w.WriteHeader(404, header.List{{Name: "content-length", Value: "0"}})
	}, ServerOptions{})
	go srv.Serve(ln)
	defer srv.Close()

	client := NewClient(Options{DisableH2: true, DisableH3: true})
	defer client.Close()

	resp, err := client.Do(context.Background(), &Request{
		Method: "GET",
		URL:    fmt.Sprintf("http://%s/missing", ln.Addr()),
	})
	if err != nil {
		t.Fatalf("a 404 response must not surface as an error: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
