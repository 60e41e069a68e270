// Package collection implements the collection cache: named logical
// collections mapping to ordered id lists with their own refresh time.
//
// Collections store ids only. Entity payloads live in the entity store, so a
// single patch to an entity is visible through every collection listing it.
package collection

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/model"
)

type slot struct {
	coll    model.Collection
	expired bool
}

// Cache holds collections by key. Safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	clk   clock.Clock
	slots map[model.CollectionKey]*slot
}

// New returns an empty cache reading wall time from clk.
func New(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{clk: clk, slots: make(map[model.CollectionKey]*slot)}
}

// GetIfFresh returns the ids of key if the collection was refreshed no more
// than ttl ago and has not been force-expired.
func (c *Cache) GetIfFresh(key model.CollectionKey, ttl time.Duration) ([]model.EntityID, bool) {
	now := c.clk.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	sl, ok := c.slots[key]
	if !ok || sl.expired || clock.Expired(now, sl.coll.LastRefreshedAt, ttl) {
		return nil, false
	}
	return slices.Clone(sl.coll.IDs), true
}

// Get returns a copy of the collection regardless of freshness.
func (c *Cache) Get(key model.CollectionKey) (model.Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sl, ok := c.slots[key]
	if !ok {
		return model.Collection{}, false
	}
	return sl.coll.Clone(), true
}

// Replace sets the ordered id list and marks the collection refreshed now.
// Repeated ids keep their first position.
func (c *Cache) Replace(key model.CollectionKey, ids []model.EntityID) {
	coll := model.Collection{
		Key:             key,
		IDs:             dedupe(ids),
		LastRefreshedAt: c.clk.Now(),
	}
	c.mu.Lock()
	c.slots[key] = &slot{coll: coll}
	c.mu.Unlock()
}

// Restore inserts a collection with its persisted refresh time. A newer
// in-memory copy wins.
func (c *Cache) Restore(coll model.Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.slots[coll.Key]; ok && !cur.coll.LastRefreshedAt.Before(coll.LastRefreshedAt) {
		return
	}
	coll.IDs = dedupe(coll.IDs)
	c.slots[coll.Key] = &slot{coll: coll}
}

// PrependOne moves id to the front of the list, removing any earlier
// occurrence first. The refresh time is untouched; a collection created by
// PrependOne has never been refreshed and is therefore stale.
func (c *Cache) PrependOne(key model.CollectionKey, id model.EntityID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sl, ok := c.slots[key]
	if !ok {
		sl = &slot{coll: model.Collection{Key: key}}
		c.slots[key] = sl
	}
	ids := make([]model.EntityID, 0, len(sl.coll.IDs)+1)
	ids = append(ids, id)
	for _, x := range sl.coll.IDs {
		if x != id {
			ids = append(ids, x)
		}
	}
	sl.coll.IDs = ids
}

// RemoveOne filters id out of the list. Removal is not a refresh, so the
// timestamp is untouched. Returns false if key or id was absent.
func (c *Cache) RemoveOne(key model.CollectionKey, id model.EntityID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sl, ok := c.slots[key]
	if !ok {
		return false
	}
	return sl.removeLocked(id)
}

// RemoveEverywhere removes id from every collection and returns the keys
// that changed, sorted. This is the explicit reconciliation step after an
// entity has been evicted.
func (c *Cache) RemoveEverywhere(id model.EntityID) []model.CollectionKey {
	c.mu.Lock()
	var touched []model.CollectionKey
	for key, sl := range c.slots {
		if sl.removeLocked(id) {
			touched = append(touched, key)
		}
	}
	c.mu.Unlock()
	sortKeys(touched)
	return touched
}

func (sl *slot) removeLocked(id model.EntityID) bool {
	i := slices.Index(sl.coll.IDs, id)
	if i < 0 {
		return false
	}
	// A new slice, so ids handed out by Get are not rewritten.
	sl.coll.IDs = slices.Concat(sl.coll.IDs[:i], sl.coll.IDs[i+1:])
	return true
}

// KeysContaining returns the keys of every collection listing id, sorted.
func (c *Cache) KeysContaining(id model.EntityID) []model.CollectionKey {
	c.mu.RLock()
	var keys []model.CollectionKey
	for key, sl := range c.slots {
		if slices.Contains(sl.coll.IDs, id) {
			keys = append(keys, key)
		}
	}
	c.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Expire forces the collection stale. Its ids stay readable through Get.
func (c *Cache) Expire(key model.CollectionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sl, ok := c.slots[key]
	if ok {
		sl.expired = true
	}
	return ok
}

// Drop removes the collection.
func (c *Cache) Drop(key model.CollectionKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[key]
	delete(c.slots, key)
	return ok
}

// Keys returns every cached key, sorted.
func (c *Cache) Keys() []model.CollectionKey {
	c.mu.RLock()
	keys := make([]model.CollectionKey, 0, len(c.slots))
	for key := range c.slots {
		keys = append(keys, key)
	}
	c.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Len returns the number of cached collections.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

func dedupe(ids []model.EntityID) []model.EntityID {
	out := make([]model.EntityID, 0, len(ids))
	seen := make(map[model.EntityID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortKeys(keys []model.CollectionKey) {
	slices.SortFunc(keys, func(a, b model.CollectionKey) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Scope, b.Scope))
	})
}
