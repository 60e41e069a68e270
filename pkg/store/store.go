// Package store manages SQLite persistence for forumcache.
//
// Two tables matter. kv_entries is the durable side cache behind the
// in-memory EntityStore and CollectionCache: values are opaque JSON blobs
// with a per-entry expiry, so a restarted process can hydrate without a
// network round trip. invalidations is an append-only log that cooperating
// processes tail by row id, the same way a long-running watcher picks up
// signals published by a one-shot CLI invocation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/model"

	_ "modernc.org/sqlite"
)

// DefaultMaxAge is how long an entry may live in kv_entries regardless of
// its own TTL before Sweep removes it.
const DefaultMaxAge = 24 * time.Hour

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// EntryInfo describes a kv_entries row without its value.
type EntryInfo struct {
	Key       string    `json:"key"`
	Size      int       `json:"size"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// LoggedInvalidation is an invalidation as read back from the log.
type LoggedInvalidation struct {
	ID        int64              `json:"id"`
	Publisher string             `json:"publisher"`
	Inv       model.Invalidation `json:"invalidation"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for expiry. Defaults to the system
// clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, clk: clock.System{}}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All store writes go through it to ride out transient SQLite errors.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		stored_at  INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_kv_stored ON kv_entries(stored_at);

	CREATE TABLE IF NOT EXISTS invalidations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		publisher   TEXT NOT NULL,
		entity_id   TEXT,
		collection  TEXT,
		reason      TEXT,
		received_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cursors (
		consumer   TEXT PRIMARY KEY,
		since_id   INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Key-value entries
// ---------------------------------------------------------------------------

// Get returns the value stored under key. An expired entry is deleted and
// reported absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if expires > 0 && expires <= s.clk.Now().UnixMilli() {
		if err := s.Remove(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key. A ttl <= 0 never expires.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clk.Now()
	var expires int64
	if ttl > 0 {
		expires = now.Add(ttl).UnixMilli()
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv_entries (key, value, stored_at, expires_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   value = excluded.value,
			   stored_at = excluded.stored_at,
			   expires_at = excluded.expires_at`,
			key, value, now.UnixMilli(), expires,
		)
		return err
	})
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		return err
	})
}

// RemovePrefix deletes every entry whose key starts with prefix. Returns the
// number of rows removed.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) (int64, error) {
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Sweep deletes entries that have expired or were stored more than maxAge
// ago. A maxAge <= 0 only removes expired entries.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := s.clk.Now()
	cutoff := int64(0)
	if maxAge > 0 {
		cutoff = now.Add(-maxAge).UnixMilli()
	}
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_entries
			 WHERE (expires_at > 0 AND expires_at <= ?) OR stored_at < ?`,
			now.UnixMilli(), cutoff,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ListEntries returns metadata of entries whose key starts with prefix,
// ordered by key. Expired entries are included.
func (s *Store) ListEntries(ctx context.Context, prefix string) ([]EntryInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, length(value), stored_at, expires_at
		 FROM kv_entries WHERE substr(key, 1, ?) = ?
		 ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntryInfo
	for rows.Next() {
		var e EntryInfo
		var stored, expires int64
		if err := rows.Scan(&e.Key, &e.Size, &stored, &expires); err != nil {
			return nil, err
		}
		e.StoredAt = time.UnixMilli(stored).UTC()
		if expires > 0 {
			e.ExpiresAt = time.UnixMilli(expires).UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Cursors
// ---------------------------------------------------------------------------

// GetCursor returns the stored log cursor for a consumer (0 if unset).
func (s *Store) GetCursor(ctx context.Context, consumer string) int64 {
	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT since_id FROM cursors WHERE consumer = ?`, consumer,
	).Scan(&id); err != nil {
		return 0
	}
	return id
}

// SetCursor updates the log cursor for a consumer.
func (s *Store) SetCursor(ctx context.Context, consumer string, sinceID int64) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO cursors (consumer, since_id) VALUES (?, ?)
			 ON CONFLICT(consumer) DO UPDATE SET since_id = excluded.since_id`,
			consumer, sinceID,
		)
		return err
	})
}

// ---------------------------------------------------------------------------
// Invalidation log
// ---------------------------------------------------------------------------

// PublishInvalidation appends inv to the log. Exactly one of EntityID and
// Collection must be set. Returns the auto-generated row ID.
func (s *Store) PublishInvalidation(ctx context.Context, publisher string, inv model.Invalidation) (int64, error) {
	if (inv.EntityID == "") == inv.Collection.IsZero() {
		return 0, fmt.Errorf("publish invalidation: exactly one of entity and collection must be set")
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = s.clk.Now()
	}
	var coll string
	if !inv.Collection.IsZero() {
		coll = inv.Collection.String()
	}
	var lastID int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO invalidations (publisher, entity_id, collection, reason, received_at)
			 VALUES (?, ?, ?, ?, ?)`,
			publisher, string(inv.EntityID), coll, inv.Reason,
			inv.ReceivedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

// ListInvalidationsSinceID returns log entries with row ID > sinceID,
// ordered by ID.
func (s *Store) ListInvalidationsSinceID(ctx context.Context, sinceID int64, limit int) ([]LoggedInvalidation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, publisher, COALESCE(entity_id,''), COALESCE(collection,''),
		        COALESCE(reason,''), received_at
		 FROM invalidations WHERE id > ?
		 ORDER BY id ASC LIMIT ?`,
		sinceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoggedInvalidation
	for rows.Next() {
		var li LoggedInvalidation
		var entityID, coll, receivedStr string
		if err := rows.Scan(&li.ID, &li.Publisher, &entityID, &coll,
			&li.Inv.Reason, &receivedStr); err != nil {
			return nil, err
		}
		li.Inv.EntityID = model.EntityID(entityID)
		if coll != "" {
			li.Inv.Collection = model.ParseCollectionKey(coll)
		}
		var parseErr error
		li.Inv.ReceivedAt, parseErr = time.Parse(time.RFC3339Nano, receivedStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse received_at for invalidation %d: %w", li.ID, parseErr)
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// MaxInvalidationID returns the highest log row ID, or 0 if the log is empty.
func (s *Store) MaxInvalidationID(ctx context.Context) int64 {
	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM invalidations`,
	).Scan(&id); err != nil {
		return 0
	}
	return id
}

// CountInvalidations returns the number of rows in the log.
func (s *Store) CountInvalidations(ctx context.Context) int64 {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invalidations`).Scan(&n); err != nil {
		return 0
	}
	return n
}
