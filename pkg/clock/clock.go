// Package clock provides the two notions of time the cache relies on.
//
// Wall time drives TTL staleness: an entry is stale when
// now - lastRefreshedAt > TTL. Wall time is read through the Clock
// interface so tests can move it by hand.
//
// Logical time orders events that wall time cannot: successive fetches of
// the same collection and successive optimistic mutations of the same field.
// A Counter is a process-local logical clock. Every event ticks it, and a
// newer event always carries a strictly larger value, so ordering holds
// under clock skew and out-of-order responses.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current wall time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Manual is a Clock that only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Counter is a monotonic sequence. Not goroutine-safe: owners guard it with
// the same mutex that guards the state it orders.
type Counter struct {
	ts uint64
}

// Tick increments the counter before a new event and returns the new value.
func (c *Counter) Tick() uint64 {
	c.ts++
	return c.ts
}

// Value returns the current value without advancing it.
func (c *Counter) Value() uint64 { return c.ts }

// Expired reports whether an entry refreshed at refreshedAt is stale at now
// under ttl. A zero refreshedAt is always expired.
func Expired(now, refreshedAt time.Time, ttl time.Duration) bool {
	if refreshedAt.IsZero() {
		return true
	}
	return now.Sub(refreshedAt) > ttl
}
