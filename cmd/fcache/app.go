package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/daviddao/forumcache/pkg/cache"
	"github.com/daviddao/forumcache/pkg/config"
	"github.com/daviddao/forumcache/pkg/model"
	"github.com/daviddao/forumcache/pkg/store"
	"github.com/daviddao/forumcache/pkg/transport/httpapi"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg    *config.Config
	store  *store.Store
	cache  *cache.Cache
	logger *slog.Logger

	// publisher tags invalidations this process writes to the shared log.
	publisher string

	out    io.Writer
	errOut io.Writer
	json   bool
}

// newApp opens the database and wires the cache to the forum API.
// The database directory is created if needed.
func newApp(cfg *config.Config, out, errOut io.Writer) (*app, error) {
	if dir := filepath.Dir(cfg.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.DB, err)
	}
	logger := cfg.Logger(errOut)
	client, err := httpapi.New(cfg.APIURL,
		httpapi.WithToken(cfg.Token),
		httpapi.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpapi.WithLogger(logger.With("component", "httpapi")),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	c := cache.New(client,
		cache.WithLogger(logger),
		cache.WithTTLs(cfg.TTLs),
		cache.WithPersistence(s),
		cache.WithKeyPrefix(cfg.KeyPrefix),
	)
	return &app{
		cfg:       cfg,
		store:     s,
		cache:     c,
		logger:    logger,
		publisher: "fcache-" + uuid.NewString(),
		out:       out,
		errOut:    errOut,
	}, nil
}

// Close waits for background persistence and releases the database.
func (a *app) Close() {
	a.cache.Wait()
	a.store.Close()
}

// printJSON writes v as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// printEntity writes one entity as "id (refreshed ...)" followed by its
// fields in name order.
func (a *app) printEntity(e model.Entity) {
	fmt.Fprintf(a.out, "%s (refreshed %s)\n", e.ID, humanize.Time(e.LastRefreshedAt))
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, string(name))
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(a.out, "  %s: %s\n", name, truncate(formatValue(e.Fields[model.FieldName(name)]), 100))
	}
}

func formatValue(v model.Value) string {
	switch v.(type) {
	case map[string]any, []any:
		b, _ := json.Marshal(v)
		return string(b)
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
