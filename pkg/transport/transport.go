// Package transport provides the TCP/TLS transport layer: dialing with DNS
// and proxy support, the TLS handshake with ALPN negotiation, and the
// per-origin connection pool for non-multiplexed connections.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/GhostKellz/zhttp/pkg/errors"
	"github.com/GhostKellz/zhttp/pkg/timing"
	"github.com/GhostKellz/zhttp/pkg/tlsconfig"
)

// ProxyConfig provides configuration for upstream proxy connections.
// Supported types: "http" (CONNECT), "https" (CONNECT over TLS to the
// proxy), "socks4", "socks5".
type ProxyConfig struct {
	Type               string
	Host               string
	Port               int
	Username           string
	Password           string
	ConnTimeout        time.Duration
	ProxyHeaders       map[string]string
	TLSConfig          *tls.Config
	ResolveDNSViaProxy bool
}

// ParseProxyURL parses a proxy URL string into a ProxyConfig.
// Default ports: http=8080, https=443, socks4/socks5=1080.
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	if proxyURL == "" {
		return nil, fmt.Errorf("proxy URL cannot be empty")
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	scheme := u.Scheme
	switch scheme {
	case "http", "https", "socks4", "socks5":
	case "":
		return nil, fmt.Errorf("proxy URL must include scheme (http://, https://, socks4://, or socks5://)")
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (must be http, https, socks4, or socks5)", scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("proxy URL must include host")
	}
	var port int
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy port: %s", portStr)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("proxy port must be between 1 and 65535, got: %d", port)
		}
	} else {
		port = defaultProxyPort(scheme)
	}
	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	return &ProxyConfig{
		Type:     scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		// SOCKS5 defaults to DNS via proxy.
		ResolveDNSViaProxy: scheme == "socks5",
	}, nil
}

func defaultProxyPort(scheme string) int {
	switch scheme {
	case "http":
		return 8080
	case "https":
		return 443
	default:
		return 1080
	}
}

// Config holds per-dial transport configuration.
type Config struct {
	Scheme    string // "http" or "https"
	Host      string
	Port      int
	ConnectIP string // optional: specific IP to connect to (bypasses DNS)

	// ALPN is the protocol offer list for the TLS handshake, most
	// preferred first. Ignored for plaintext connections.
	ALPN []string

	// TLS configures the handshake. TLS.ServerName defaults to Host.
	TLS tlsconfig.Config

	// TLSConfig, when set, is used directly (cloned) instead of building
	// one from TLS. ALPN is still applied when the clone has no NextProtos.
	TLSConfig *tls.Config

	// Timeouts
	ConnTimeout  time.Duration
	DNSTimeout   time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ReuseConnection enables pooling of the resulting connection.
	ReuseConnection bool

	// Proxy routes the dial through an upstream proxy.
	Proxy *ProxyConfig
}

// poolKey identifies a pool bucket: connections are interchangeable only
// within the same (scheme, host, port, alpn) origin, and per proxy.
func (c Config) poolKey(alpn string) string {
	if alpn == "" {
		alpn = "http/1.1"
	}
	base := fmt.Sprintf("%s://%s:%d/%s", c.Scheme, c.Host, c.Port, alpn)
	if c.Proxy != nil {
		port := c.Proxy.Port
		if port == 0 {
			port = defaultProxyPort(c.Proxy.Type)
		}
		return fmt.Sprintf("%s:%s:%d->%s", c.Proxy.Type, c.Proxy.Host, port, base)
	}
	return base
}

// ConnectionMetadata holds metadata about the established connection.
type ConnectionMetadata struct {
	ConnectedIP        string
	ConnectedPort      int
	NegotiatedProtocol string // ALPN result; "http/1.1" for plaintext
	ConnectionReused   bool

	LocalAddr    string
	RemoteAddr   string
	ConnectionID uint64

	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
	TLSResumed     bool

	ProxyUsed bool
	ProxyType string
	ProxyAddr string

	PoolKey string
}

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	// MaxIdleConnsPerHost is the maximum number of idle connections kept
	// per pool key. Default: 2.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost caps total connections (idle + active) per key.
	// 0 means no limit.
	MaxConnsPerHost int

	// MaxTotalConns caps connections across all keys. 0 means no limit.
	MaxTotalConns int

	// MaxIdleTime is how long a connection may sit idle before the reaper
	// closes it. Default: 90 seconds.
	MaxIdleTime time.Duration

	// WaitTimeout is how long to wait for a slot when a per-key cap is
	// reached. 0 returns an error immediately.
	WaitTimeout time.Duration

	// TCPKeepAlive enables OS-level TCP keep-alive probes. Default: true.
	TCPKeepAlive bool

	// TCPKeepAlivePeriod is the probe interval. Default: 30 seconds.
	TCPKeepAlivePeriod time.Duration

	// StaleCheckThreshold is how long after last use a pooled connection
	// is trusted without a liveness probe. Default: 1 second.
	StaleCheckThreshold time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConnsPerHost: 2,
		MaxIdleTime:         90 * time.Second,
		TCPKeepAlive:        true,
		TCPKeepAlivePeriod:  30 * time.Second,
		StaleCheckThreshold: time.Second,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 2
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 90 * time.Second
	}
	if c.TCPKeepAlivePeriod <= 0 {
		c.TCPKeepAlivePeriod = 30 * time.Second
	}
	if c.StaleCheckThreshold <= 0 {
		c.StaleCheckThreshold = time.Second
	}
	return c
}

// pooledConnection wraps an idle connection with metadata.
type pooledConnection struct {
	conn     net.Conn
	metadata ConnectionMetadata
	lastUsed time.Time
}

// hostPool manages connections for a single pool key.
type hostPool struct {
	mu        sync.Mutex
	idle      []*pooledConnection // LIFO
	numActive int
	cond      *sync.Cond
}

func newHostPool() *hostPool {
	hp := &hostPool{idle: make([]*pooledConnection, 0, 4)}
	hp.cond = sync.NewCond(&hp.mu)
	return hp
}

// Transport handles dialing, TLS upgrade and connection pooling.
type Transport struct {
	resolver            *net.Resolver
	hostPools           sync.Map // map[string]*hostPool
	poolConfig          PoolConfig
	connectionIDCounter uint64
	totalConns          int64 // atomic, against MaxTotalConns

	statsConnectionsReused  uint64
	statsConnectionsCreated uint64
	statsWaitTimeouts       uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PoolStats provides read-only statistics about the connection pool.
type PoolStats struct {
	ActiveConns  int
	IdleConns    int
	TotalReused  int
	TotalCreated int
	WaitTimeouts int
	HostStats    map[string]HostPoolStats
}

// HostPoolStats provides statistics for a single pool key.
type HostPoolStats struct {
	ActiveConns int
	IdleConns   int
}

// New creates a Transport with the default pool configuration.
func New() *Transport {
	return NewWithConfig(DefaultPoolConfig())
}

// NewWithConfig creates a Transport with a custom pool configuration.
func NewWithConfig(config PoolConfig) *Transport {
	t := &Transport{
		resolver:   net.DefaultResolver,
		poolConfig: config.withDefaults(),
		stopChan:   make(chan struct{}),
	}
	go t.reapIdleConnections()
	return t
}

// NewWithResolver creates a Transport with a custom DNS resolver.
func NewWithResolver(resolver *net.Resolver, config PoolConfig) *Transport {
	t := NewWithConfig(config)
	t.resolver = resolver
	return t
}

// GetPoolConfig returns the current pool configuration.
func (t *Transport) GetPoolConfig() PoolConfig {
	return t.poolConfig
}

// Connect establishes a connection per the configuration, reusing a pooled
// one when permitted. For https targets the negotiated ALPN identifier is
// available in the returned metadata.
func (t *Transport) Connect(ctx context.Context, config Config, timer *timing.Timer) (net.Conn, *ConnectionMetadata, error) {
	if err := t.validateConfig(config); err != nil {
		return nil, nil, err
	}

	// Pooled connections are keyed by the ALPN we intend to speak. The
	// offer list's first entry names the bucket for reuse purposes.
	wantALPN := ""
	if len(config.ALPN) > 0 {
		wantALPN = config.ALPN[0]
	}
	key := config.poolKey(wantALPN)

	if config.ReuseConnection {
		conn, meta, canProceed := t.getFromPool(key)
		if conn != nil && meta != nil {
			meta.ConnectionReused = true
			meta.PoolKey = key
			return conn, meta, nil
		}
		if !canProceed {
			return nil, nil, errors.NewPoolError(errors.TagPoolExhausted,
				fmt.Sprintf("connection pool exhausted for %s (max: %d, timeout: %v)",
					key, t.poolConfig.MaxConnsPerHost, t.poolConfig.WaitTimeout))
		}
	}

	if max := t.poolConfig.MaxTotalConns; max > 0 && atomic.AddInt64(&t.totalConns, 1) > int64(max) {
		atomic.AddInt64(&t.totalConns, -1)
		t.releaseSlot(key, config.ReuseConnection)
		return nil, nil, errors.NewPoolError(errors.TagPoolExhausted,
			fmt.Sprintf("total connection cap %d reached", max))
	}

	metadata := &ConnectionMetadata{PoolKey: key}

	connTimeout := config.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}

	var dialAddr string
	var err error
	if config.Proxy != nil && config.Proxy.ResolveDNSViaProxy && config.ConnectIP == "" {
		// The proxy resolves the target name itself.
		dialAddr = net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	} else {
		dialAddr, err = t.resolveAddress(ctx, config, timer)
	}
	if err != nil {
		t.dialFailed(key, config.ReuseConnection)
		return nil, nil, err
	}
	host, portStr, _ := net.SplitHostPort(dialAddr)
	metadata.ConnectedIP = host
	if port, err := strconv.Atoi(portStr); err == nil {
		metadata.ConnectedPort = port
	}

	var conn net.Conn
	if config.Proxy != nil {
		conn, err = t.connectViaProxy(ctx, config, dialAddr, connTimeout, timer, metadata)
	} else {
		conn, err = t.connectTCP(ctx, dialAddr, connTimeout, timer)
		if err != nil {
			err = errors.NewConnectionError(config.Host, config.Port, err)
		}
	}
	if err != nil {
		t.dialFailed(key, config.ReuseConnection)
		return nil, nil, err
	}

	if conn.LocalAddr() != nil {
		metadata.LocalAddr = conn.LocalAddr().String()
	}
	if conn.RemoteAddr() != nil {
		metadata.RemoteAddr = conn.RemoteAddr().String()
	}
	metadata.ConnectionID = atomic.AddUint64(&t.connectionIDCounter, 1)

	if strings.EqualFold(config.Scheme, "https") {
		conn, err = t.upgradeTLS(ctx, conn, config, connTimeout, timer, metadata)
		if err != nil {
			t.dialFailed(key, config.ReuseConnection)
			return nil, nil, err
		}
	} else {
		metadata.NegotiatedProtocol = "http/1.1"
	}

	if config.ReuseConnection {
		atomic.AddUint64(&t.statsConnectionsCreated, 1)
	}
	return conn, metadata, nil
}

// dialFailed undoes the accounting for a dial that never produced a
// connection.
func (t *Transport) dialFailed(key string, pooled bool) {
	if t.poolConfig.MaxTotalConns > 0 {
		atomic.AddInt64(&t.totalConns, -1)
	}
	t.releaseSlot(key, pooled)
}

func (t *Transport) releaseSlot(key string, pooled bool) {
	if !pooled {
		return
	}
	if val, ok := t.hostPools.Load(key); ok {
		hp := val.(*hostPool)
		hp.mu.Lock()
		hp.numActive--
		hp.cond.Signal()
		hp.mu.Unlock()
	}
}

func (t *Transport) validateConfig(config Config) error {
	if config.Host == "" {
		return errors.NewValidationError("host cannot be empty")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535")
	}
	if config.Scheme != "http" && config.Scheme != "https" {
		return errors.NewValidationError("scheme must be http or https")
	}
	return nil
}

func (t *Transport) resolveAddress(ctx context.Context, config Config, timer *timing.Timer) (string, error) {
	if config.ConnectIP != "" {
		return net.JoinHostPort(config.ConnectIP, strconv.Itoa(config.Port)), nil
	}
	if ip := net.ParseIP(config.Host); ip != nil {
		return net.JoinHostPort(config.Host, strconv.Itoa(config.Port)), nil
	}

	timer.StartDNS()
	defer timer.EndDNS()

	dnsTimeout := config.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = config.ConnTimeout
	}
	if dnsTimeout <= 0 {
		dnsTimeout = 5 * time.Second
	}
	ctxLookup, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := t.resolver.LookupIPAddr(ctxLookup, config.Host)
	if err != nil {
		return "", errors.NewDNSError(config.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(config.Host, errors.NewValidationError("no IP addresses found"))
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(config.Port)), nil
}

func (t *Transport) connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, err
	}
	if t.poolConfig.TCPKeepAlive {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(t.poolConfig.TCPKeepAlivePeriod)
		}
	}
	return conn, nil
}

// upgradeTLS performs the TLS handshake with the configured ALPN offer
// list and records the negotiated protocol.
func (t *Transport) upgradeTLS(ctx context.Context, conn net.Conn, config Config, timeout time.Duration, timer *timing.Timer, metadata *ConnectionMetadata) (net.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	var cfg *tls.Config
	if config.TLSConfig != nil {
		cfg = config.TLSConfig.Clone()
	} else {
		tlsCfg := config.TLS
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = config.Host
		}
		built, err := tlsCfg.Client()
		if err != nil {
			return nil, errors.NewTLSError(config.Host, config.Port, err)
		}
		cfg = built
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = append([]string(nil), config.ALPN...)
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = config.Host
	}
	metadata.TLSServerName = cfg.ServerName

	tlsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		conn.Close()
		return nil, errors.NewTLSError(config.Host, config.Port, err)
	}

	state := tlsConn.ConnectionState()
	metadata.TLSVersion = tlsconfig.GetVersionName(state.Version)
	metadata.TLSCipherSuite = tls.CipherSuiteName(state.CipherSuite)
	metadata.TLSResumed = state.DidResume
	metadata.NegotiatedProtocol = state.NegotiatedProtocol
	if metadata.NegotiatedProtocol == "" {
		metadata.NegotiatedProtocol = "http/1.1"
	}
	return tlsConn, nil
}

func (t *Transport) getOrCreateHostPool(key string) *hostPool {
	val, _ := t.hostPools.LoadOrStore(key, newHostPool())
	return val.(*hostPool)
}

// getFromPool retrieves an available connection from the pool.
// Returns (conn, metadata, true) on reuse, (nil, nil, true) with a slot
// reserved for a fresh dial, or (nil, nil, false) on exhaustion.
func (t *Transport) getFromPool(key string) (net.Conn, *ConnectionMetadata, bool) {
	hp := t.getOrCreateHostPool(key)

	hp.mu.Lock()
	defer hp.mu.Unlock()

	for len(hp.idle) > 0 {
		n := len(hp.idle)
		pc := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]

		if time.Since(pc.lastUsed) > t.poolConfig.MaxIdleTime {
			t.closePooled(pc)
			continue
		}
		// Liveness probe (a zero-byte-style read) only for connections
		// that have been idle past the trust threshold.
		recentlyUsed := time.Since(pc.lastUsed) < t.poolConfig.StaleCheckThreshold
		if !recentlyUsed && !t.isConnectionAlive(pc.conn) {
			t.closePooled(pc)
			continue
		}

		hp.numActive++
		atomic.AddUint64(&t.statsConnectionsReused, 1)
		metaCopy := pc.metadata
		return pc.conn, &metaCopy, true
	}

	maxConns := t.poolConfig.MaxConnsPerHost
	if maxConns > 0 && hp.numActive >= maxConns {
		if t.poolConfig.WaitTimeout <= 0 {
			return nil, nil, false
		}
		deadline := time.Now().Add(t.poolConfig.WaitTimeout)
		for hp.numActive >= maxConns {
			waitTime := time.Until(deadline)
			if waitTime <= 0 {
				atomic.AddUint64(&t.statsWaitTimeouts, 1)
				return nil, nil, false
			}
			done := make(chan struct{})
			go func() {
				hp.cond.Wait()
				close(done)
			}()
			hp.mu.Unlock()
			select {
			case <-done:
				hp.mu.Lock()
				if len(hp.idle) > 0 {
					n := len(hp.idle)
					pc := hp.idle[n-1]
					hp.idle = hp.idle[:n-1]
					hp.numActive++
					atomic.AddUint64(&t.statsConnectionsReused, 1)
					metaCopy := pc.metadata
					return pc.conn, &metaCopy, true
				}
			case <-time.After(waitTime):
				hp.mu.Lock()
				atomic.AddUint64(&t.statsWaitTimeouts, 1)
				return nil, nil, false
			}
		}
	}

	hp.numActive++
	return nil, nil, true
}

// closePooled closes an idle connection and updates the total-cap counter.
func (t *Transport) closePooled(pc *pooledConnection) {
	pc.conn.Close()
	if t.poolConfig.MaxTotalConns > 0 {
		atomic.AddInt64(&t.totalConns, -1)
	}
}

// ReleaseConnection returns a connection to its pool for reuse.
func (t *Transport) ReleaseConnection(conn net.Conn, metadata *ConnectionMetadata) {
	key := ""
	if metadata != nil {
		key = metadata.PoolKey
	}
	val, ok := t.hostPools.Load(key)
	if !ok {
		t.closeUnpooled(conn)
		return
	}
	hp := val.(*hostPool)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	hp.numActive--
	if len(hp.idle) >= t.poolConfig.MaxIdleConnsPerHost {
		t.closePooled(&pooledConnection{conn: conn})
		hp.cond.Signal()
		return
	}
	pc := &pooledConnection{conn: conn, lastUsed: time.Now()}
	if metadata != nil {
		pc.metadata = *metadata
	}
	hp.idle = append(hp.idle, pc)
	hp.cond.Signal()
}

// CloseConnection closes and removes a connection from the pool.
func (t *Transport) CloseConnection(conn net.Conn, metadata *ConnectionMetadata) {
	key := ""
	if metadata != nil {
		key = metadata.PoolKey
	}
	val, ok := t.hostPools.Load(key)
	if !ok {
		t.closeUnpooled(conn)
		return
	}
	hp := val.(*hostPool)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	for i, pc := range hp.idle {
		if pc.conn == conn {
			hp.idle = append(hp.idle[:i], hp.idle[i+1:]...)
			t.closePooled(pc)
			hp.cond.Signal()
			return
		}
	}
	hp.numActive--
	t.closePooled(&pooledConnection{conn: conn})
	hp.cond.Signal()
}

func (t *Transport) closeUnpooled(conn net.Conn) {
	conn.Close()
	if t.poolConfig.MaxTotalConns > 0 {
		atomic.AddInt64(&t.totalConns, -1)
	}
}

// isConnectionAlive probes a pooled connection with a near-zero-deadline
// read. A timeout means the connection is idle and healthy; data or any
// other outcome discards it.
func (t *Transport) isConnectionAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}

// PoolStats returns a read-only snapshot of pool state.
func (t *Transport) PoolStats() PoolStats {
	stats := PoolStats{HostStats: make(map[string]HostPoolStats)}
	t.hostPools.Range(func(key, value interface{}) bool {
		hp := value.(*hostPool)
		hp.mu.Lock()
		hostStats := HostPoolStats{ActiveConns: hp.numActive, IdleConns: len(hp.idle)}
		stats.ActiveConns += hostStats.ActiveConns
		stats.IdleConns += hostStats.IdleConns
		stats.HostStats[key.(string)] = hostStats
		hp.mu.Unlock()
		return true
	})
	stats.TotalReused = int(atomic.LoadUint64(&t.statsConnectionsReused))
	stats.TotalCreated = int(atomic.LoadUint64(&t.statsConnectionsCreated))
	stats.WaitTimeouts = int(atomic.LoadUint64(&t.statsWaitTimeouts))
	return stats
}

// reapIdleConnections periodically removes idle connections past their
// MaxIdleTime.
func (t *Transport) reapIdleConnections() {
	t.wg.Add(1)
	defer t.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			t.hostPools.Range(func(key, value interface{}) bool {
				hp := value.(*hostPool)
				hp.mu.Lock()
				kept := hp.idle[:0]
				for _, pc := range hp.idle {
					if now.Sub(pc.lastUsed) > t.poolConfig.MaxIdleTime {
						t.closePooled(pc)
					} else {
						kept = append(kept, pc)
					}
				}
				hp.idle = kept
				hp.mu.Unlock()
				return true
			})
		case <-t.stopChan:
			return
		}
	}
}

// Close shuts down the Transport: the reaper stops and pooled connections
// are closed.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()

	t.hostPools.Range(func(key, value interface{}) bool {
		hp := value.(*hostPool)
		hp.mu.Lock()
		for _, pc := range hp.idle {
			t.closePooled(pc)
		}
		hp.idle = nil
		hp.numActive = 0
		hp.mu.Unlock()
		t.hostPools.Delete(key)
		return true
	})
	return nil
}

// connectViaProxy connects to the target through an upstream proxy.
func (t *Transport) connectViaProxy(ctx context.Context, config Config, targetAddr string, timeout time.Duration, timer *timing.Timer, metadata *ConnectionMetadata) (net.Conn, error) {
	proxy := config.Proxy
	if proxy.Type == "" || proxy.Host == "" {
		return nil, errors.NewValidationError("proxy type and host are required")
	}
	proxyPort := proxy.Port
	if proxyPort == 0 {
		proxyPort = defaultProxyPort(proxy.Type)
	}
	proxyTimeout := proxy.ConnTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = timeout
	}

	proxyAddr := fmt.Sprintf("%s:%d", proxy.Host, proxyPort)
	metadata.ProxyUsed = true
	metadata.ProxyType = proxy.Type
	metadata.ProxyAddr = proxyAddr

	timer.StartTCP()
	defer timer.EndTCP()

	var conn net.Conn
	var err error
	switch proxy.Type {
	case "http", "https":
		conn, err = t.connectViaHTTPProxy(ctx, proxy, proxyAddr, config, targetAddr, proxyTimeout)
	case "socks4":
		conn, err = t.connectViaSOCKS4Proxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks5":
		conn, err = t.connectViaSOCKS5Proxy(proxy, proxyAddr, targetAddr, proxyTimeout)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported proxy type: %s", proxy.Type))
	}
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxyAddr, "connect", err)
	}

	if remoteAddr := conn.RemoteAddr(); remoteAddr != nil {
		if tcpAddr, ok := remoteAddr.(*net.TCPAddr); ok {
			metadata.ConnectedIP = tcpAddr.IP.String()
			metadata.ConnectedPort = tcpAddr.Port
		}
	}
	return conn, nil
}

// connectViaHTTPProxy tunnels through an HTTP/HTTPS CONNECT proxy.
// The proxy type governs how we connect TO the proxy; the target scheme
// governs the traffic inside the tunnel.
func (t *Transport) connectViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, proxyAddr string, config Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	if proxy.Type == "https" {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxy.Host}
		} else {
			tlsConfig = tlsConfig.Clone()
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = proxy.Host
			}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake to proxy failed: %w", err)
		}
		conn = tlsConn
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n", targetAddr, config.Host)
	for key, value := range proxy.ProxyHeaders {
		connectReq += fmt.Sprintf("%s: %s\r\n", key, value)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to read CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

// connectViaSOCKS4Proxy connects through a SOCKS4 proxy. SOCKS4 is IPv4
// only and resolves DNS locally.
func (t *Transport) connectViaSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	var targetIP net.IP
	if ip := net.ParseIP(host); ip != nil {
		targetIP = ip.To4()
	} else {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, fmt.Errorf("DNS resolution failed for %s: %w", host, err)
		}
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				targetIP = ip4
				break
			}
		}
	}
	if targetIP == nil {
		return nil, fmt.Errorf("no IPv4 address found for %s (SOCKS4 requires IPv4)", host)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SOCKS4 proxy: %w", err)
	}

	// [VER][CMD=CONNECT][PORT][IP][USERID][NULL]
	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xff)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send SOCKS4 request: %w", err)
	}
	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read SOCKS4 response: %w", err)
	}
	switch resp[1] {
	case 0x5a:
		return conn, nil
	case 0x5b:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request rejected or failed")
	case 0x5c:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request failed: identd not running on client")
	case 0x5d:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request failed: identd could not confirm user ID")
	default:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 unknown status code: 0x%02x", resp[1])
	}
}

// connectViaSOCKS5Proxy connects through a SOCKS5 proxy using
// golang.org/x/net/proxy. DNS resolves via the proxy by default.
func (t *Transport) connectViaSOCKS5Proxy(proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connection failed: %w", err)
	}
	return conn, nil
}
