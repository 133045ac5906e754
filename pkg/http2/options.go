package http2

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Options contains HTTP/2 specific configuration.
// These settings map to HTTP/2 SETTINGS frame parameters (RFC 9113).
type Options struct {
	// MaxConcurrentStreams limits concurrent streams (SETTINGS_MAX_CONCURRENT_STREAMS)
	MaxConcurrentStreams uint32

	// InitialWindowSize sets the per-stream flow control window (SETTINGS_INITIAL_WINDOW_SIZE)
	InitialWindowSize uint32

	// ConnWindowSize sets the connection-level receive window we grow to via
	// WINDOW_UPDATE after the handshake. Zero keeps the protocol default.
	ConnWindowSize uint32

	// MaxFrameSize sets maximum frame payload (SETTINGS_MAX_FRAME_SIZE)
	MaxFrameSize uint32

	// MaxHeaderListSize limits header list size (SETTINGS_MAX_HEADER_LIST_SIZE)
	MaxHeaderListSize uint32

	// HeaderTableSize sets the HPACK table size (SETTINGS_HEADER_TABLE_SIZE)
	HeaderTableSize uint32

	// BodyMemLimit is the in-memory threshold before message bodies spill
	// to disk.
	BodyMemLimit int64

	// HandshakeTimeout bounds the SETTINGS exchange.
	HandshakeTimeout time.Duration

	// Logger receives frame-level debug logging when non-nil. Nil disables
	// logging entirely.
	Logger *logrus.Logger
}

// DefaultOptions returns default HTTP/2 options per RFC 9113 recommended
// values. Server push is never offered: SETTINGS_ENABLE_PUSH is always 0.
func DefaultOptions() *Options {
	return &Options{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    4 << 20, // 4MB per stream
		ConnWindowSize:       8 << 20,
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxHeaderListSize:    10 << 20,
		HeaderTableSize:      DefaultHeaderTableSize,
		BodyMemLimit:         4 << 20,
		HandshakeTimeout:     10 * time.Second,
	}
}

// ValidateOptions validates HTTP/2 options for RFC 9113 compliance.
func ValidateOptions(opts *Options) error {
	if opts == nil {
		return nil // nil options are OK, defaults will be used
	}
	if opts.MaxFrameSize > 0 && (opts.MaxFrameSize < DefaultMaxFrameSize || opts.MaxFrameSize > MaxAllowedFrameSize) {
		return fmt.Errorf("MaxFrameSize must be between %d and %d, got %d", DefaultMaxFrameSize, MaxAllowedFrameSize, opts.MaxFrameSize)
	}
	if opts.InitialWindowSize > MaxWindowSize {
		return fmt.Errorf("InitialWindowSize must not exceed %d (2^31-1), got %d", MaxWindowSize, opts.InitialWindowSize)
	}
	return nil
}

func (o *Options) withDefaults() *Options {
	d := DefaultOptions()
	if o == nil {
		return d
	}
	out := *o
	if out.MaxConcurrentStreams == 0 {
		out.MaxConcurrentStreams = d.MaxConcurrentStreams
	}
	if out.InitialWindowSize == 0 {
		out.InitialWindowSize = d.InitialWindowSize
	}
	if out.MaxFrameSize == 0 {
		out.MaxFrameSize = d.MaxFrameSize
	}
	if out.MaxHeaderListSize == 0 {
		out.MaxHeaderListSize = d.MaxHeaderListSize
	}
	if out.HeaderTableSize == 0 {
		out.HeaderTableSize = d.HeaderTableSize
	}
	if out.BodyMemLimit == 0 {
		out.BodyMemLimit = d.BodyMemLimit
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	return &out
}

// logf emits frame-level debug logging when a logger is configured.
func (o *Options) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Debugf("http2: "+format, args...)
	}
}
