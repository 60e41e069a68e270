package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/model"
)

// GetCmd reads one entity. User profiles are addressed as "user:<id>".
type GetCmd struct {
	ID  string        `arg:"" help:"Entity id."`
	TTL time.Duration `help:"Freshness override (0 uses the configured TTL)." default:"0s"`
}

func (c *GetCmd) Run(ctx context.Context, a *app) error {
	e, err := a.cache.ReadEntity(ctx, model.EntityID(c.ID), c.TTL)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if a.json {
		a.printJSON(e)
		return nil
	}
	a.printEntity(e)
	return nil
}

// ListCmd reads a collection such as "tab:recommend" or "notifications".
type ListCmd struct {
	Key string        `arg:"" help:"Collection key, name[:scope]."`
	TTL time.Duration `help:"Freshness override (0 uses the class TTL)." default:"0s"`
}

func (c *ListCmd) Run(ctx context.Context, a *app) error {
	key := model.ParseCollectionKey(c.Key)
	if key.IsZero() {
		return fmt.Errorf("list: %w", cacheerr.Validation("empty collection key"))
	}
	items, err := a.cache.ReadCollection(ctx, key, c.TTL)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if a.json {
		a.printJSON(map[string]any{"key": key, "items": items})
		return nil
	}
	coll, _ := a.cache.PeekCollection(key)
	fmt.Fprintf(a.out, "%s: %d item(s), refreshed %s\n", key, len(items), humanize.Time(coll.LastRefreshedAt))
	for _, e := range items {
		title := e.Field("title")
		if title == nil {
			title = e.Field("content")
		}
		if title == nil {
			fmt.Fprintf(a.out, "  %s\n", e.ID)
			continue
		}
		fmt.Fprintf(a.out, "  %s  %s\n", e.ID, truncate(formatValue(title), 80))
	}
	return nil
}
