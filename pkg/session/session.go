// Package session holds the 0-RTT session ticket cache and its safety
// gating: which requests may ride early data on a resumed connection.
package session

import (
	"crypto/tls"
	"strings"
	"sync"
	"time"
)

// DefaultTicketLifetime is how long a stored ticket stays usable.
const DefaultTicketLifetime = 24 * time.Hour

// Ticket is one stored session ticket.
type Ticket struct {
	// Data is the opaque ticket as issued by the server.
	Data []byte
	// IssuedAt is when the ticket was stored.
	IssuedAt time.Time
	// ServerName keys the ticket.
	ServerName string
	// MaxEarlyData is the early-data budget the server granted, in bytes.
	MaxEarlyData uint32
}

// Cache is an in-memory ticket store keyed by server name. All methods are
// safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	tickets  map[string]*Ticket
	lifetime time.Duration

	// AllowUnsafeMethods permits non-idempotent methods in early data.
	// Off by default: replays of a POST are not something to gamble on.
	AllowUnsafeMethods bool
}

// NewCache returns a cache whose tickets expire after lifetime.
func NewCache(lifetime time.Duration) *Cache {
	if lifetime <= 0 {
		lifetime = DefaultTicketLifetime
	}
	return &Cache{
		tickets:  make(map[string]*Ticket),
		lifetime: lifetime,
	}
}

// Put stores a ticket, replacing any prior one for the same server.
func (c *Cache) Put(t *Ticket) {
	if t == nil || t.ServerName == "" {
		return
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now()
	}
	c.mu.Lock()
	c.tickets[t.ServerName] = t
	c.mu.Unlock()
}

// Get returns the ticket for serverName if one exists and has not aged
// out. Expired tickets are dropped on access.
func (c *Cache) Get(serverName string) (*Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[serverName]
	if !ok {
		return nil, false
	}
	if time.Since(t.IssuedAt) >= c.lifetime {
		delete(c.tickets, serverName)
		return nil, false
	}
	return t, true
}

// Remove drops the ticket for serverName, e.g. after the server rejected
// resumption.
func (c *Cache) Remove(serverName string) {
	c.mu.Lock()
	delete(c.tickets, serverName)
	c.mu.Unlock()
}

// Len returns the number of stored tickets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

// safeMethod reports whether method is idempotent and side-effect free, so a
// replayed early-data flight cannot do harm.
func safeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return true
	}
	return false
}

// AllowEarlyData decides whether a request may be encoded into QUIC early
// data against the stored ticket for serverName. It refuses when no fresh
// ticket exists, when the method is unsafe and no override is set, or when
// the estimated encoded size exceeds the ticket's early-data budget.
func (c *Cache) AllowEarlyData(serverName, method string, estimatedSize int) bool {
	t, ok := c.Get(serverName)
	if !ok {
		return false
	}
	if !safeMethod(method) && !c.AllowUnsafeMethods {
		return false
	}
	return estimatedSize >= 0 && uint32(estimatedSize) <= t.MaxEarlyData
}

// TLSCache adapts the cache into a tls.ClientSessionCache so ticket
// issuance timestamps are observed as crypto/tls stores sessions.
type TLSCache struct {
	inner tls.ClientSessionCache
	cache *Cache
}

// NewTLSCache wraps an LRU client session cache of the given capacity.
func NewTLSCache(cache *Cache, capacity int) *TLSCache {
	return &TLSCache{
		inner: tls.NewLRUClientSessionCache(capacity),
		cache: cache,
	}
}

// Get implements tls.ClientSessionCache.
func (t *TLSCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	if _, ok := t.cache.Get(sessionKey); !ok {
		// The ticket aged out of our policy; do not resume with it.
		return nil, false
	}
	return t.inner.Get(sessionKey)
}

// Put implements tls.ClientSessionCache.
func (t *TLSCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs != nil {
		t.cache.Put(&Ticket{
			ServerName: sessionKey,
			IssuedAt:   time.Now(),
		})
	} else {
		t.cache.Remove(sessionKey)
	}
	t.inner.Put(sessionKey, cs)
}
