package zhttp

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GhostKellz/zhttp/pkg/http2"
	"github.com/GhostKellz/zhttp/pkg/http3"
	"github.com/GhostKellz/zhttp/pkg/session"
	"github.com/GhostKellz/zhttp/pkg/transport"
)

// Default values applied by Options.withDefaults.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 90 * time.Second
	DefaultUserAgent       = "zhttp/" + Version
	DefaultH3FallbackTTL   = 5 * time.Minute
	DefaultMaxPerHostConns = 6
)

// Options controls how a Client establishes connections and executes
// requests. The zero value selects sensible defaults with all three
// engines enabled.
type Options struct {
	// Timeouts.
	ConnectTimeout time.Duration // TCP/QUIC dial + TLS handshake
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration // total per-request budget; 0 = none

	// Pooling.
	MaxPerHostConns int
	MaxTotalConns   int
	IdleTimeout     time.Duration

	// UserAgent is sent when the request carries no user-agent field.
	UserAgent string

	// TLS.
	InsecureTLS   bool
	MinTLSVersion uint16
	SPKIPins      []string // base64 "sha256/..." pins
	RootCAs       [][]byte

	// ALPN is the offer order; defaults to ["h3", "h2", "http/1.1"]
	// filtered by the engine enable flags.
	ALPN []string

	// Engine enable flags. All default to enabled; DisableH3 etc. express
	// the off state so the zero value stays useful.
	DisableH1 bool
	DisableH2 bool
	DisableH3 bool

	// MaxRetries bounds transparent retries of idempotent requests whose
	// failure happened before any response byte.
	MaxRetries int

	// H3FallbackTTL is how long a UDP failure for an origin is remembered
	// before HTTP/3 is attempted again.
	H3FallbackTTL time.Duration

	// H2 and H3 carry engine-specific settings.
	H2 *http2.Options
	H3 *http3.Options

	// 0-RTT policy.
	Enable0RTT            bool
	Allow0RTTUnsafe       bool
	SessionTicketLifetime time.Duration

	// Proxy routes TCP dials through an upstream proxy. HTTP/3 is skipped
	// when a proxy is configured.
	Proxy *transport.ProxyConfig

	// Pool overrides the derived pool configuration when non-nil.
	Pool *transport.PoolConfig

	// Logger receives engine debug logging when non-nil.
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.MaxPerHostConns <= 0 {
		o.MaxPerHostConns = DefaultMaxPerHostConns
	}
	if o.H3FallbackTTL <= 0 {
		o.H3FallbackTTL = DefaultH3FallbackTTL
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SessionTicketLifetime <= 0 {
		o.SessionTicketLifetime = session.DefaultTicketLifetime
	}
	if len(o.ALPN) == 0 {
		o.ALPN = []string{"h3", "h2", "http/1.1"}
	}
	return o
}

// tcpALPN returns the ALPN offer list for TCP dials, in policy order,
// filtered by the enabled engines.
func (o Options) tcpALPN() []string {
	var out []string
	for _, p := range o.ALPN {
		switch p {
		case "h2":
			if !o.DisableH2 {
				out = append(out, p)
			}
		case "http/1.1":
			if !o.DisableH1 {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 && !o.DisableH1 {
		out = append(out, "http/1.1")
	}
	return out
}

// h3Enabled reports whether HTTP/3 participates in engine selection.
func (o Options) h3Enabled() bool {
	if o.DisableH3 || o.Proxy != nil {
		return false
	}
	for _, p := range o.ALPN {
		if p == "h3" {
			return true
		}
	}
	return false
}
