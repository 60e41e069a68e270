package main

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/forumcache/pkg/model"
)

// InvalidateCmd applies an invalidation locally and appends it to the shared
// log so that running watchers pick it up.
type InvalidateCmd struct {
	Entity     string `help:"Entity id to invalidate." xor:"target"`
	Collection string `help:"Collection key to invalidate, name[:scope]." xor:"target"`
	Reason     string `help:"Free-form reason recorded in the log."`
}

func (c *InvalidateCmd) Run(ctx context.Context, a *app) error {
	inv := model.Invalidation{
		EntityID:   model.EntityID(c.Entity),
		Reason:     c.Reason,
		ReceivedAt: time.Now(),
	}
	if c.Collection != "" {
		inv.Collection = model.ParseCollectionKey(c.Collection)
	}
	if err := a.cache.Invalidate(ctx, inv); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	id, err := a.store.PublishInvalidation(ctx, a.publisher, inv)
	if err != nil {
		return fmt.Errorf("invalidate: publish: %w", err)
	}
	if a.json {
		a.printJSON(map[string]any{"id": id, "target": inv.Target(), "reason": inv.Reason})
		return nil
	}
	fmt.Fprintf(a.out, "invalidated %s (log id %d)\n", inv.Target(), id)
	return nil
}

// EvictCmd drops an entity. With --reconcile it is also removed from every
// cached collection that lists it.
type EvictCmd struct {
	ID        string `arg:"" help:"Entity id."`
	Reconcile bool   `help:"Also remove the id from cached collections."`
}

func (c *EvictCmd) Run(ctx context.Context, a *app) error {
	id := model.EntityID(c.ID)
	evicted := a.cache.Evict(ctx, id)
	var changed []model.CollectionKey
	if c.Reconcile {
		changed = a.cache.Reconcile(ctx, id)
	}
	if a.json {
		a.printJSON(map[string]any{"entity_id": id, "evicted": evicted, "collections": changed})
		return nil
	}
	fmt.Fprintf(a.out, "evicted %s\n", id)
	for _, k := range changed {
		fmt.Fprintf(a.out, "  removed from %s\n", k)
	}
	return nil
}

// ClearUserCmd drops a user's post, like and favorite lists and profile,
// as on logout.
type ClearUserCmd struct {
	UserID string `arg:"" help:"User id."`
}

func (c *ClearUserCmd) Run(ctx context.Context, a *app) error {
	if err := a.cache.ClearUser(ctx, c.UserID); err != nil {
		return fmt.Errorf("clear-user: %w", err)
	}
	// Watchers in other processes hold their own copies of the lists.
	for _, name := range []string{model.CollUserPosts, model.CollUserLikes, model.CollUserFavorites} {
		if _, err := a.store.PublishInvalidation(ctx, a.publisher, model.Invalidation{
			Collection: model.Key(name, c.UserID),
			Reason:     "clear-user",
			ReceivedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("clear-user: publish: %w", err)
		}
	}
	if a.json {
		a.printJSON(map[string]any{"user_id": c.UserID, "cleared": true})
		return nil
	}
	fmt.Fprintf(a.out, "cleared cache for user %s\n", c.UserID)
	return nil
}
