// iface.go defines the persistence contracts for dependency injection and
// testing.
//
// The cache only needs PersistentKV. The invalidation log is used by the
// CLI and by feed.LogTailer. Both *Store (SQLite) and *MemoryKV satisfy
// PersistentKV, so tests and short-lived tools can run without a database.
package store

import (
	"context"
	"time"

	"github.com/daviddao/forumcache/pkg/model"
)

// PersistentKV is a durable key-value side cache with per-entry TTL.
type PersistentKV interface {
	// Get returns the value for key. Expired entries are reported absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl <= 0 never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// InvalidationLog is an append-only log of invalidation signals, tailed by
// row id.
type InvalidationLog interface {
	// PublishInvalidation appends inv. Returns the row ID.
	PublishInvalidation(ctx context.Context, publisher string, inv model.Invalidation) (int64, error)

	// ListInvalidationsSinceID returns entries with row ID > sinceID.
	ListInvalidationsSinceID(ctx context.Context, sinceID int64, limit int) ([]LoggedInvalidation, error)

	// MaxInvalidationID returns the highest row ID, or 0 if empty.
	MaxInvalidationID(ctx context.Context) int64
}

// StoreInterface is the full set of store operations.
type StoreInterface interface {
	PersistentKV
	InvalidationLog

	// Close closes the database connection.
	Close() error

	// --- KV maintenance ---

	// Sweep deletes expired entries and entries stored more than maxAge ago.
	Sweep(ctx context.Context, maxAge time.Duration) (int64, error)

	// ListEntries returns metadata of entries whose key has the prefix.
	ListEntries(ctx context.Context, prefix string) ([]EntryInfo, error)

	// RemovePrefix deletes every entry whose key has the prefix.
	RemovePrefix(ctx context.Context, prefix string) (int64, error)

	// --- Cursors ---

	// GetCursor returns the stored log cursor for a consumer (0 if unset).
	GetCursor(ctx context.Context, consumer string) int64

	// SetCursor updates the log cursor for a consumer.
	SetCursor(ctx context.Context, consumer string, sinceID int64) error
}

// Compile-time checks.
var (
	_ StoreInterface = (*Store)(nil)
	_ PersistentKV   = (*MemoryKV)(nil)
)
