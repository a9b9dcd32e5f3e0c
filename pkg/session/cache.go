// Package session hands a logged-in upstream session from the step that
// created it to the step that uses it, so a single login serves both.
package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

// Session is an authenticated upstream handle and the credentials it was
// created with.
type Session[H any] struct {
	Handle      H
	Credentials types.Credentials
	CreatedAt   time.Time
}

// Cache holds at most one Session per flow id. Take returns an entry at most
// once.
type Cache[H any] struct {
	clock  clock.Clock
	maxAge time.Duration

	mu      sync.Mutex
	entries map[string]Session[H]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock  clock.Clock
	maxAge time.Duration
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMaxAge makes entries older than d unusable.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		o.maxAge = d
	}
}

// New returns an empty Cache.
func New[H any](opts ...Option) *Cache[H] {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[H]{
		clock:   o.clock,
		maxAge:  o.maxAge,
		entries: make(map[string]Session[H]),
	}
}

// Put stores s for flowID, replacing any previous entry. A zero CreatedAt is
// set to now.
func (c *Cache[H]) Put(flowID string, s Session[H]) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.clock.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[flowID] = s
}

// Take returns and removes the entry for flowID. Expired entries are removed
// and reported as missing.
func (c *Cache[H]) Take(flowID string) (Session[H], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[flowID]
	if !ok {
		return Session[H]{}, false
	}
	delete(c.entries, flowID)
	if c.maxAge > 0 && c.clock.Since(s.CreatedAt) > c.maxAge {
		return Session[H]{}, false
	}
	return s, true
}

// Discard removes the entry for flowID if present.
func (c *Cache[H]) Discard(flowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, flowID)
}

// Len returns the number of stored entries, including expired ones not yet
// taken.
func (c *Cache[H]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
