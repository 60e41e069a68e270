package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/daviddao/forumcache/pkg/model"
	"github.com/daviddao/forumcache/pkg/store"
)

// DefaultKeyPrefix namespaces every persisted key.
const DefaultKeyPrefix = "community_cache_"

// persister writes entities and collections through to a PersistentKV.
// Writes are best effort: a failure is logged and the in-memory cache stays
// authoritative. Undecodable entries are dropped on read. A nil persister
// is a no-op.
type persister struct {
	kv     store.PersistentKV
	prefix string
	logger *slog.Logger
}

type persistedCollection struct {
	IDs             []model.EntityID `json:"ids"`
	LastRefreshedAt time.Time        `json:"last_refreshed_at"`
}

// EntityKey returns the persisted key of entity id under prefix.
func EntityKey(prefix string, id model.EntityID) string {
	return prefix + "entity:" + string(id)
}

// CollectionKey returns the persisted key of collection key under prefix.
func CollectionKey(prefix string, key model.CollectionKey) string {
	return prefix + "collection:" + key.String()
}

// remaining is how long a value refreshed at refreshedAt stays fresh.
func remaining(now, refreshedAt time.Time, ttl time.Duration) time.Duration {
	if refreshedAt.IsZero() {
		return 0
	}
	return ttl - now.Sub(refreshedAt)
}

func (p *persister) putEntity(ctx context.Context, e model.Entity, ttl time.Duration) {
	if p == nil {
		return
	}
	key := EntityKey(p.prefix, e.ID)
	if ttl <= 0 {
		p.remove(ctx, key)
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("encode entity", "entity_id", e.ID, "err", err)
		return
	}
	if err := p.kv.Set(ctx, key, b, ttl); err != nil {
		p.logger.Warn("persist entity", "entity_id", e.ID, "err", err)
	}
}

func (p *persister) getEntity(ctx context.Context, id model.EntityID) (model.Entity, bool) {
	if p == nil {
		return model.Entity{}, false
	}
	key := EntityKey(p.prefix, id)
	b, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		p.logger.Warn("load entity", "entity_id", id, "err", err)
		return model.Entity{}, false
	}
	if !ok {
		return model.Entity{}, false
	}
	var e model.Entity
	if err := json.Unmarshal(b, &e); err != nil || e.ID != id {
		p.logger.Debug("drop undecodable entity", "entity_id", id, "err", err)
		p.remove(ctx, key)
		return model.Entity{}, false
	}
	return e, true
}

func (p *persister) putCollection(ctx context.Context, c model.Collection, ttl time.Duration) {
	if p == nil {
		return
	}
	key := CollectionKey(p.prefix, c.Key)
	if ttl <= 0 {
		p.remove(ctx, key)
		return
	}
	b, err := json.Marshal(persistedCollection{IDs: c.IDs, LastRefreshedAt: c.LastRefreshedAt})
	if err != nil {
		p.logger.Warn("encode collection", "collection", c.Key.String(), "err", err)
		return
	}
	if err := p.kv.Set(ctx, key, b, ttl); err != nil {
		p.logger.Warn("persist collection", "collection", c.Key.String(), "err", err)
	}
}

func (p *persister) getCollection(ctx context.Context, key model.CollectionKey) (model.Collection, bool) {
	if p == nil {
		return model.Collection{}, false
	}
	k := CollectionKey(p.prefix, key)
	b, ok, err := p.kv.Get(ctx, k)
	if err != nil {
		p.logger.Warn("load collection", "collection", key.String(), "err", err)
		return model.Collection{}, false
	}
	if !ok {
		return model.Collection{}, false
	}
	var pc persistedCollection
	if err := json.Unmarshal(b, &pc); err != nil {
		p.logger.Debug("drop undecodable collection", "collection", key.String(), "err", err)
		p.remove(ctx, k)
		return model.Collection{}, false
	}
	return model.Collection{Key: key, IDs: pc.IDs, LastRefreshedAt: pc.LastRefreshedAt}, true
}

func (p *persister) removeEntity(ctx context.Context, id model.EntityID) {
	if p != nil {
		p.remove(ctx, EntityKey(p.prefix, id))
	}
}

func (p *persister) removeCollection(ctx context.Context, key model.CollectionKey) {
	if p != nil {
		p.remove(ctx, CollectionKey(p.prefix, key))
	}
}

func (p *persister) remove(ctx context.Context, key string) {
	if err := p.kv.Remove(ctx, key); err != nil {
		p.logger.Warn("remove persisted entry", "key", key, "err", err)
	}
}
