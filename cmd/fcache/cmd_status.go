package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/forumcache/pkg/store"
)

// StatusCmd summarizes the persisted cache and the invalidation log.
type StatusCmd struct {
	Entries bool `help:"List every persisted entry."`
}

type statusReport struct {
	DB            string            `json:"db"`
	Entities      int               `json:"entities"`
	Collections   int               `json:"collections"`
	Expired       int               `json:"expired"`
	Bytes         int64             `json:"bytes"`
	Invalidations int64             `json:"invalidations"`
	LastLogID     int64             `json:"last_log_id"`
	Entries       []store.EntryInfo `json:"entries,omitempty"`
}

func (c *StatusCmd) Run(ctx context.Context, a *app) error {
	entries, err := a.store.ListEntries(ctx, a.cfg.KeyPrefix)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	now := time.Now()
	r := statusReport{
		DB:            a.cfg.DB,
		Invalidations: a.store.CountInvalidations(ctx),
		LastLogID:     a.store.MaxInvalidationID(ctx),
	}
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, a.cfg.KeyPrefix)
		switch {
		case strings.HasPrefix(rest, "entity:"):
			r.Entities++
		case strings.HasPrefix(rest, "collection:"):
			r.Collections++
		}
		if !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now) {
			r.Expired++
		}
		r.Bytes += int64(e.Size)
	}
	if c.Entries {
		r.Entries = entries
	}

	if a.json {
		a.printJSON(r)
		return nil
	}
	fmt.Fprintf(a.out, "database:      %s\n", r.DB)
	fmt.Fprintf(a.out, "entities:      %d\n", r.Entities)
	fmt.Fprintf(a.out, "collections:   %d\n", r.Collections)
	fmt.Fprintf(a.out, "expired:       %d\n", r.Expired)
	fmt.Fprintf(a.out, "size:          %s\n", humanize.Bytes(uint64(r.Bytes)))
	fmt.Fprintf(a.out, "invalidations: %d (last id %d)\n", r.Invalidations, r.LastLogID)
	for _, e := range r.Entries {
		expiry := "never"
		if !e.ExpiresAt.IsZero() {
			expiry = humanize.Time(e.ExpiresAt)
		}
		fmt.Fprintf(a.out, "  %-50s %8s  stored %s, expires %s\n",
			strings.TrimPrefix(e.Key, a.cfg.KeyPrefix), humanize.Bytes(uint64(e.Size)),
			humanize.Time(e.StoredAt), expiry)
	}
	return nil
}

// SweepCmd deletes expired entries and entries older than --max-age.
type SweepCmd struct {
	MaxAge time.Duration `help:"Remove entries stored longer ago than this (default FORUMCACHE_MAX_AGE)."`
}

func (c *SweepCmd) Run(ctx context.Context, a *app) error {
	maxAge := c.MaxAge
	if maxAge == 0 {
		maxAge = a.cfg.MaxAge
	}
	n, err := a.store.Sweep(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if a.json {
		a.printJSON(map[string]any{"removed": n})
		return nil
	}
	fmt.Fprintf(a.out, "removed %d persisted entries\n", n)
	return nil
}
