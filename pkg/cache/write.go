package cache

import (
	"context"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/feed"
	"github.com/daviddao/forumcache/pkg/model"
	"github.com/daviddao/forumcache/pkg/optimistic"
)

// Linked is a further field changed by the same remote intent, such as the
// viewer's liked flag next to a like count.
type Linked struct {
	Field   model.FieldName
	Compute optimistic.Compute
}

// Mutate optimistically sets field of entity id to compute(current) and
// asks the transport to carry out intent. The new value is visible to
// readers before Mutate returns. Linked fields are applied the same way
// and share the one remote call: they are confirmed or rolled back with
// field.
//
// The returned channel yields one value and is then closed: nil once the
// remote call succeeded, or a rollback error. Rollbacks are also reported
// to observers as ChangeRollback. An entity that is not cached yields a
// not-found error and nothing is applied.
func (c *Cache) Mutate(ctx context.Context, id model.EntityID, field model.FieldName, compute optimistic.Compute, intent model.Intent, linked ...Linked) <-chan error {
	var (
		answered = make(chan struct{})
		result   model.MutationResult
		callErr  error
	)
	remote := func(ctx context.Context) (model.MutationResult, error) {
		defer close(answered)
		res, err := c.transport.MutateField(ctx, id, field, intent)
		result, callErr = res, cacheerr.Transport(string(intent)+" "+string(id), err)
		return result, callErr
	}
	done, err := c.mutator.Apply(ctx, id, field, compute, remote)
	if err != nil {
		c.logger.Debug("mutation not applied", "entity_id", id, "field", field, "err", err)
		ch := make(chan error, 1)
		ch <- err
		close(ch)
		return ch
	}

	for _, l := range linked {
		// The server value belongs to the primary field only.
		follow := func(context.Context) (model.MutationResult, error) {
			<-answered
			return model.MutationResult{Success: result.Success}, callErr
		}
		if _, err := c.mutator.Apply(ctx, id, l.Field, l.Compute, follow); err != nil {
			c.logger.Debug("linked mutation not applied", "entity_id", id, "field", l.Field, "err", err)
		}
	}
	return done
}

// onMutation turns mutator events into persistence and observer calls.
// Speculative values are never persisted.
func (c *Cache) onMutation(ev optimistic.Event) {
	switch ev.Kind {
	case optimistic.EventApplied:
		c.notify(Change{Kind: ChangeEntity, EntityID: ev.EntityID})
	case optimistic.EventConfirmed:
		c.persistEntity(context.Background(), ev.EntityID)
		c.notify(Change{Kind: ChangeEntity, EntityID: ev.EntityID})
	case optimistic.EventRolledBack:
		c.persistEntity(context.Background(), ev.EntityID)
		c.notify(
			Change{Kind: ChangeEntity, EntityID: ev.EntityID},
			Change{Kind: ChangeRollback, EntityID: ev.EntityID, Err: ev.Err},
		)
	case optimistic.EventFailed:
		c.notify(Change{Kind: ChangeRollback, EntityID: ev.EntityID, Err: ev.Err})
	}
}

// Prepend caches p and moves it to the top of collection key, as when the
// user publishes a post or sends a message. The collection's refresh time
// is not changed.
func (c *Cache) Prepend(ctx context.Context, key model.CollectionKey, p model.Payload) error {
	if key.IsZero() {
		return cacheerr.Validation("prepend: empty collection key")
	}
	if _, err := c.entities.Upsert(p); err != nil {
		return err
	}
	c.mutator.Reapply(p.ID)
	c.collections.PrependOne(key, p.ID)
	c.persistEntity(ctx, p.ID)
	c.persistCollection(ctx, key)
	c.notify(
		Change{Kind: ChangeEntity, EntityID: p.ID},
		Change{Kind: ChangeCollection, CollectionKey: key},
	)
	return nil
}

// Remove takes id out of collection key, as when a post is deleted or
// unfavorited. The entity itself stays cached. Returns false if key did not
// list id.
func (c *Cache) Remove(ctx context.Context, key model.CollectionKey, id model.EntityID) bool {
	if !c.collections.RemoveOne(key, id) {
		return false
	}
	c.persistCollection(ctx, key)
	c.notify(Change{Kind: ChangeCollection, CollectionKey: key})
	return true
}

// Invalidate marks the entity or collection named by inv stale and drops
// its persisted copy. Cached data stays readable until the next refresh.
func (c *Cache) Invalidate(ctx context.Context, inv model.Invalidation) error {
	switch {
	case inv.EntityID != "" && inv.Collection.IsZero():
		c.entities.Expire(inv.EntityID)
		c.persist.removeEntity(ctx, inv.EntityID)
		c.logger.Debug("invalidated", "entity_id", inv.EntityID, "reason", inv.Reason)
		c.notify(Change{Kind: ChangeInvalidated, EntityID: inv.EntityID})
	case inv.EntityID == "" && !inv.Collection.IsZero():
		c.collections.Expire(inv.Collection)
		c.persist.removeCollection(ctx, inv.Collection)
		c.logger.Debug("invalidated", "collection", inv.Collection.String(), "reason", inv.Reason)
		c.notify(Change{Kind: ChangeInvalidated, CollectionKey: inv.Collection})
	default:
		return cacheerr.Validation("invalidation must name exactly one entity or collection")
	}
	return nil
}

// Listen applies every invalidation from src until ctx is done or src is
// exhausted. Malformed invalidations are logged and skipped.
func (c *Cache) Listen(ctx context.Context, src feed.Source) error {
	return src.Run(ctx, func(inv model.Invalidation) {
		if err := c.Invalidate(ctx, inv); err != nil {
			c.logger.Warn("skip invalidation", "target", inv.Target(), "err", err)
		}
	})
}

// Evict drops entity id from memory and persistence. Collections that list
// it are left alone; they skip the id on read until Reconcile or their next
// refresh.
func (c *Cache) Evict(ctx context.Context, id model.EntityID) bool {
	ok := c.entities.Evict(id)
	c.persist.removeEntity(ctx, id)
	if ok {
		c.notify(Change{Kind: ChangeEvicted, EntityID: id})
	}
	return ok
}

// Reconcile removes id from every collection and returns the keys that
// changed.
func (c *Cache) Reconcile(ctx context.Context, id model.EntityID) []model.CollectionKey {
	keys := c.collections.RemoveEverywhere(id)
	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		c.persistCollection(ctx, k)
		changes = append(changes, Change{Kind: ChangeCollection, CollectionKey: k})
	}
	c.notify(changes...)
	return keys
}

// userCollections are the per-user lists dropped by ClearUser.
var userCollections = []string{model.CollUserPosts, model.CollUserLikes, model.CollUserFavorites}

// ClearUser drops a user's post, like and favorite lists and their
// profile, in memory and in persistence.
func (c *Cache) ClearUser(ctx context.Context, userID string) error {
	if userID == "" {
		return cacheerr.Validation("clear user: empty user id")
	}
	var changes []Change
	for _, name := range userCollections {
		key := model.Key(name, userID)
		if c.collections.Drop(key) {
			changes = append(changes, Change{Kind: ChangeEvicted, CollectionKey: key})
		}
		c.persist.removeCollection(ctx, key)
	}
	profile := model.UserEntityID(userID)
	if c.entities.Evict(profile) {
		changes = append(changes, Change{Kind: ChangeEvicted, EntityID: profile})
	}
	c.persist.removeEntity(ctx, profile)
	c.logger.Info("cleared user cache", "user_id", userID, "dropped", len(changes))
	c.notify(changes...)
	return nil
}
