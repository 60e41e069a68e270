// Package entity implements the entity store: one logical copy of every
// cached entity, keyed by id, with its last-refresh time.
//
// Only Upsert resets the freshness clock. PatchField is used by optimistic
// mutation and rollback; a speculative value is not fresh data, so the
// staleness clock keeps running. Evict does not touch collections; callers
// that want dangling ids gone reconcile them explicitly.
package entity

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/model"
)

type slot struct {
	entity model.Entity
	// expired is set by invalidation and cleared by the next Upsert.
	expired bool
}

// Store holds cached entities. Safe for concurrent use; readers always get
// copies, so no caller can modify a cached entity behind the store's back.
type Store struct {
	mu    sync.RWMutex
	clk   clock.Clock
	slots map[model.EntityID]*slot
}

// New returns an empty store reading wall time from clk.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{clk: clk, slots: make(map[model.EntityID]*slot)}
}

// Get returns a copy of the entity, or false if absent.
func (s *Store) Get(id model.EntityID) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok {
		return model.Entity{}, false
	}
	return sl.entity.Clone(), true
}

// Upsert replaces the entity's fields wholesale and marks it refreshed now.
func (s *Store) Upsert(p model.Payload) (model.Entity, error) {
	if p.ID == "" {
		return model.Entity{}, cacheerr.Validation("entity payload has no id")
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(p, now), nil
}

// UpsertMany validates every payload before writing any of them, so a batch
// with one bad payload leaves the store untouched. All entities share one
// refresh time.
func (s *Store) UpsertMany(ps []model.Payload) error {
	for i, p := range ps {
		if p.ID == "" {
			return cacheerr.Validation("entity payload %d has no id", i)
		}
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range ps {
		s.upsertLocked(p, now)
	}
	return nil
}

func (s *Store) upsertLocked(p model.Payload, now time.Time) model.Entity {
	e := model.Entity{
		ID:              p.ID,
		Fields:          maps.Clone(p.Fields),
		LastRefreshedAt: now,
	}
	if e.Fields == nil {
		e.Fields = make(map[model.FieldName]model.Value)
	}
	s.slots[p.ID] = &slot{entity: e}
	return e.Clone()
}

// Restore inserts an entity that was refreshed at e.LastRefreshedAt, for
// example one read back from persistent storage. The refresh time is kept as
// given, so a restored entity is only as fresh as its persisted copy. An
// entity already in memory with a newer refresh time wins.
func (s *Store) Restore(e model.Entity) error {
	if e.ID == "" {
		return cacheerr.Validation("restored entity has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.slots[e.ID]; ok && !cur.entity.LastRefreshedAt.Before(e.LastRefreshedAt) {
		return nil
	}
	e = e.Clone()
	if e.Fields == nil {
		e.Fields = make(map[model.FieldName]model.Value)
	}
	s.slots[e.ID] = &slot{entity: e}
	return nil
}

// PatchField sets one field without touching LastRefreshedAt. Returns false
// if the entity is absent.
func (s *Store) PatchField(id model.EntityID, field model.FieldName, v model.Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		return false
	}
	// Copy-on-write: copies handed out earlier share the old map.
	fields := maps.Clone(sl.entity.Fields)
	fields[field] = v
	sl.entity.Fields = fields
	return true
}

// IsFresh reports whether the entity is present, not force-expired, and was
// refreshed no more than ttl ago.
func (s *Store) IsFresh(id model.EntityID, ttl time.Duration) bool {
	now := s.clk.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok || sl.expired {
		return false
	}
	return !clock.Expired(now, sl.entity.LastRefreshedAt, ttl)
}

// Expire forces the entity stale without removing it. The cached data stays
// readable until the next Upsert replaces it. Returns false if absent.
func (s *Store) Expire(id model.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if ok {
		sl.expired = true
	}
	return ok
}

// Evict removes the entity. Collections listing it keep the dangling id.
func (s *Store) Evict(id model.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[id]
	delete(s.slots, id)
	return ok
}

// Len returns the number of cached entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// IDs returns the cached ids in sorted order.
func (s *Store) IDs() []model.EntityID {
	s.mu.RLock()
	ids := make([]model.EntityID, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
