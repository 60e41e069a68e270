package cache

import (
	"context"
	"time"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/coord"
	"github.com/daviddao/forumcache/pkg/model"
)

// ReadCollection returns the entities listed by key, in order.
//
// A fresh in-memory list is served as is; ids whose entity has since been
// evicted are skipped. Otherwise a persisted copy is tried, and then the
// transport. A ttl of 0 uses the key's class TTL.
//
// Concurrent reads of one key follow last-request-wins: only the newest
// fetch may write. A superseded read waits for the newest fetch to settle
// and returns whatever is then cached, or a conflict-discard error if
// nothing is.
func (c *Cache) ReadCollection(ctx context.Context, key model.CollectionKey, ttl time.Duration) ([]model.Entity, error) {
	if key.IsZero() {
		return nil, cacheerr.Validation("read collection: empty key")
	}
	ttl = c.collectionTTL(key, ttl)

	if ids, ok := c.collections.GetIfFresh(key, ttl); ok {
		return c.resolve(ids), nil
	}
	if ents, ok := c.hydrateCollection(ctx, key, ttl); ok {
		return ents, nil
	}
	return c.fetchCollection(ctx, key)
}

func (c *Cache) fetchCollection(ctx context.Context, key model.CollectionKey) ([]model.Entity, error) {
	ticket, fctx := c.coord.BeginFetch(ctx, key)
	c.logger.Debug("fetch collection", "collection", key.String(), "generation", ticket.Generation)

	payloads, err := c.transport.FetchCollection(fctx, key)
	if err != nil {
		if !c.coord.Abandon(ticket) {
			return c.afterSuperseded(ctx, ticket)
		}
		err = cacheerr.Transport("fetch "+key.String(), err)
		c.logger.Warn("fetch collection failed", "collection", key.String(), "err", err)
		return nil, err
	}

	ids := make([]model.EntityID, len(payloads))
	err = c.coord.Commit(ticket, func() error {
		// Entities first, so the new list never names a missing id.
		if err := c.entities.UpsertMany(payloads); err != nil {
			return err
		}
		for i, p := range payloads {
			ids[i] = p.ID
		}
		c.collections.Replace(key, ids)
		return nil
	})
	switch {
	case cacheerr.IsConflictDiscard(err):
		return c.afterSuperseded(ctx, ticket)
	case err != nil:
		c.logger.Warn("rejected collection payload", "collection", key.String(), "err", err)
		return nil, err
	}

	changes := make([]Change, 0, len(payloads)+1)
	for _, p := range payloads {
		c.mutator.Reapply(p.ID)
		c.persistEntity(ctx, p.ID)
		changes = append(changes, Change{Kind: ChangeEntity, EntityID: p.ID})
	}
	c.persistCollection(ctx, key)
	changes = append(changes, Change{Kind: ChangeCollection, CollectionKey: key})
	c.notify(changes...)

	return c.resolve(ids), nil
}

// afterSuperseded serves a read whose fetch lost to a newer one.
func (c *Cache) afterSuperseded(ctx context.Context, t coord.Ticket) ([]model.Entity, error) {
	c.logger.Debug("fetch superseded, waiting for newest",
		"collection", t.Key.String(), "generation", t.Generation)
	if err := c.coord.Wait(ctx, t.Key); err != nil {
		return nil, cacheerr.Transport("wait for "+t.Key.String(), err)
	}
	if coll, ok := c.collections.Get(t.Key); ok && !coll.LastRefreshedAt.IsZero() {
		return c.resolve(coll.IDs), nil
	}
	return nil, cacheerr.ConflictDiscard(t.Key.String(), t.Generation, c.coord.Generation(t.Key))
}

// hydrateCollection restores key and its entities from persistence. It
// only succeeds if the persisted list is fresh and every listed entity can
// be restored.
func (c *Cache) hydrateCollection(ctx context.Context, key model.CollectionKey, ttl time.Duration) ([]model.Entity, bool) {
	if c.persist == nil {
		return nil, false
	}
	coll, ok := c.persist.getCollection(ctx, key)
	if !ok || clock.Expired(c.clk.Now(), coll.LastRefreshedAt, ttl) {
		return nil, false
	}
	for _, id := range coll.IDs {
		if _, ok := c.entities.Get(id); ok {
			continue
		}
		e, ok := c.persist.getEntity(ctx, id)
		if !ok {
			return nil, false
		}
		if err := c.entities.Restore(e); err != nil {
			return nil, false
		}
	}
	c.collections.Restore(coll)
	c.logger.Debug("hydrated collection", "collection", key.String(), "ids", len(coll.IDs))
	c.notify(Change{Kind: ChangeCollection, CollectionKey: key})

	// A newer in-memory copy may have won the restore.
	cur, _ := c.collections.Get(key)
	return c.resolve(cur.IDs), true
}

// resolve maps ids to entities, skipping ids no longer cached.
func (c *Cache) resolve(ids []model.EntityID) []model.Entity {
	out := make([]model.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.entities.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// ReadEntity returns entity id, fetching it if the cached copy is missing
// or older than ttl (0 uses the entity TTL). Concurrent reads of one id
// share a single fetch, which runs with the first caller's ctx.
func (c *Cache) ReadEntity(ctx context.Context, id model.EntityID, ttl time.Duration) (model.Entity, error) {
	if id == "" {
		return model.Entity{}, cacheerr.Validation("read entity: empty id")
	}
	ttl = c.entityTTL(ttl)

	if c.entities.IsFresh(id, ttl) {
		if e, ok := c.entities.Get(id); ok {
			return e, nil
		}
	}
	if e, ok := c.persist.getEntity(ctx, id); ok && !clock.Expired(c.clk.Now(), e.LastRefreshedAt, ttl) {
		if err := c.entities.Restore(e); err == nil && c.entities.IsFresh(id, ttl) {
			c.notify(Change{Kind: ChangeEntity, EntityID: id})
			if cur, ok := c.entities.Get(id); ok {
				return cur, nil
			}
		}
	}

	v, err, shared := c.fetches.Do(string(id), func() (any, error) {
		return c.fetchEntity(ctx, id)
	})
	if err != nil {
		return model.Entity{}, err
	}
	if shared {
		c.logger.Debug("shared entity fetch", "entity_id", id)
	}
	return v.(model.Entity).Clone(), nil
}

func (c *Cache) fetchEntity(ctx context.Context, id model.EntityID) (model.Entity, error) {
	p, err := c.transport.FetchEntity(ctx, id)
	if err != nil {
		err = cacheerr.Transport("fetch entity "+string(id), err)
		c.logger.Warn("fetch entity failed", "entity_id", id, "err", err)
		return model.Entity{}, err
	}
	if p.ID != id {
		return model.Entity{}, cacheerr.Validation("fetch entity %s: payload has id %q", id, p.ID)
	}
	e, err := c.entities.Upsert(p)
	if err != nil {
		return model.Entity{}, err
	}
	// Pending mutations stay visible on top of the fetched values.
	if len(c.mutator.Reapply(id)) > 0 {
		e, _ = c.entities.Get(id)
	}
	c.persistEntity(ctx, id)
	c.notify(Change{Kind: ChangeEntity, EntityID: id})
	return e, nil
}
