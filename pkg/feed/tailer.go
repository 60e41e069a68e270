package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/daviddao/forumcache/pkg/model"
	"github.com/daviddao/forumcache/pkg/store"
)

// CursorStore persists a consumer's position in the invalidation log.
type CursorStore interface {
	GetCursor(ctx context.Context, consumer string) int64
	SetCursor(ctx context.Context, consumer string, sinceID int64) error
}

// LogTailer is a Source that polls the SQLite invalidation log by row id.
type LogTailer struct {
	Log      store.InvalidationLog
	Interval time.Duration // default 1s
	Batch    int           // rows per poll, default 100

	// Self is this process's publisher id. Entries it published are
	// skipped, since the publishing cache already applied them.
	Self string

	// Consumer and Cursors, when both set, make the position durable
	// across restarts. Otherwise tailing starts at the current end of the
	// log.
	Consumer string
	Cursors  CursorStore

	Logger *slog.Logger
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (t *LogTailer) Run(ctx context.Context, emit func(model.Invalidation)) error {
	interval := t.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var cursor int64
	durable := t.Consumer != "" && t.Cursors != nil
	if durable {
		cursor = t.Cursors.GetCursor(ctx, t.Consumer)
	} else {
		cursor = t.Log.MaxInvalidationID(ctx)
	}
	logger.Debug("tailing invalidation log", "since_id", cursor, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			next, err := t.poll(ctx, cursor, emit)
			if err != nil {
				logger.Warn("poll invalidation log", "since_id", cursor, "err", err)
				continue
			}
			if next == cursor {
				continue
			}
			cursor = next
			if durable {
				if err := t.Cursors.SetCursor(ctx, t.Consumer, cursor); err != nil {
					logger.Warn("save log cursor", "consumer", t.Consumer, "err", err)
				}
			}
		}
	}
}

// poll drains every entry after cursor and returns the new cursor.
func (t *LogTailer) poll(ctx context.Context, cursor int64, emit func(model.Invalidation)) (int64, error) {
	batch := t.Batch
	if batch <= 0 {
		batch = 100
	}
	for {
		entries, err := t.Log.ListInvalidationsSinceID(ctx, cursor, batch)
		if err != nil {
			return cursor, err
		}
		for _, e := range entries {
			if t.Self == "" || e.Publisher != t.Self {
				emit(e.Inv)
			}
			cursor = e.ID
		}
		if len(entries) < batch {
			return cursor, nil
		}
	}
}
