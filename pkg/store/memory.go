package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/daviddao/forumcache/pkg/clock"
)

type memEntry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryKV is a PersistentKV held in process memory. It is used when no
// database path is configured and in tests.
type MemoryKV struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]memEntry
}

// NewMemoryKV returns an empty MemoryKV. A nil clock means the system clock.
func NewMemoryKV(clk clock.Clock) *MemoryKV {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryKV{clk: clk, entries: make(map[string]memEntry)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.clk.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.clk.Now()
	e := memEntry{value: slices.Clone(value), storedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep mirrors Store.Sweep.
func (m *MemoryKV) Sweep(_ context.Context, maxAge time.Duration) (int64, error) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		expired := !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
		old := maxAge > 0 && e.storedAt.Before(now.Add(-maxAge))
		if expired || old {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Keys returns the stored keys with the given prefix, sorted.
func (m *MemoryKV) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
