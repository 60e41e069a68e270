// Package cache is the client-side read-through cache of the forum.
//
// A Cache owns four components and is the only thing callers talk to:
//
//   - an entity store holding one copy of every post, comment or profile;
//   - a collection cache holding ordered id lists (tabs, feeds, threads);
//   - an optimistic mutator for likes, favorites and follows;
//   - a request coordinator enforcing last-request-wins per collection.
//
// Reads serve fresh data from memory, then from the optional persistent
// key-value store, then from the Transport. Writes are applied
// speculatively and rolled back if the remote call fails. Invalidation
// signals force staleness but never carry data: the next read refetches.
//
// Observers registered with Subscribe are told about every visible change.
// They are called synchronously, without any cache lock held, from the
// goroutine that made the change.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/collection"
	"github.com/daviddao/forumcache/pkg/coord"
	"github.com/daviddao/forumcache/pkg/entity"
	"github.com/daviddao/forumcache/pkg/model"
	"github.com/daviddao/forumcache/pkg/optimistic"
	"github.com/daviddao/forumcache/pkg/store"
)

// Transport is the remote API the cache reads through and writes to.
// Implementations should honor ctx cancellation but need not.
type Transport interface {
	FetchCollection(ctx context.Context, key model.CollectionKey) ([]model.Payload, error)
	FetchEntity(ctx context.Context, id model.EntityID) (model.Payload, error)
	MutateField(ctx context.Context, id model.EntityID, field model.FieldName, intent model.Intent) (model.MutationResult, error)
}

// ChangeKind says what kind of change an observer is told about.
type ChangeKind string

const (
	// ChangeEntity: an entity was fetched, restored or patched.
	ChangeEntity ChangeKind = "entity"
	// ChangeCollection: a collection's id list changed.
	ChangeCollection ChangeKind = "collection"
	// ChangeRollback: an optimistic mutation failed. Err is the rollback
	// error.
	ChangeRollback ChangeKind = "rollback"
	// ChangeInvalidated: an entity or collection was marked stale.
	ChangeInvalidated ChangeKind = "invalidated"
	// ChangeEvicted: an entity or collection was dropped.
	ChangeEvicted ChangeKind = "evicted"
)

// Change describes one visible change. Exactly one of EntityID and
// CollectionKey is set.
type Change struct {
	Kind          ChangeKind
	EntityID      model.EntityID
	CollectionKey model.CollectionKey
	Err           error
}

// Stats summarizes the cache's state.
type Stats struct {
	Entities         int `json:"entities"`
	Collections      int `json:"collections"`
	PendingMutations int `json:"pending_mutations"`
	InFlightFetches  int `json:"in_flight_fetches"`
	Subscribers      int `json:"subscribers"`
}

type subscriber struct {
	id string
	fn func(Change)
}

// Cache is the cache context. Create one with New and share it; it is safe
// for concurrent use.
type Cache struct {
	transport Transport
	clk       clock.Clock
	logger    *slog.Logger
	ttls      TTLs
	kv        store.PersistentKV
	prefix    string

	entities    *entity.Store
	collections *collection.Cache
	mutator     *optimistic.Mutator
	coord       *coord.Coordinator
	persist     *persister
	fetches     singleflight.Group

	subMu sync.RWMutex
	subs  []subscriber
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source for freshness. Defaults to the system
// clock.
func WithClock(c clock.Clock) Option { return func(x *Cache) { x.clk = c } }

// WithLogger sets the structured logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option { return func(x *Cache) { x.logger = l } }

// WithTTLs overrides per-class TTLs. Zero fields keep their defaults.
func WithTTLs(t TTLs) Option { return func(x *Cache) { x.ttls = t } }

// WithPersistence writes cached data through to kv and reads it back on a
// memory miss.
func WithPersistence(kv store.PersistentKV) Option { return func(x *Cache) { x.kv = kv } }

// WithKeyPrefix sets the prefix of persisted keys. Defaults to
// DefaultKeyPrefix.
func WithKeyPrefix(p string) Option { return func(x *Cache) { x.prefix = p } }

// New returns a Cache reading through transport.
func New(transport Transport, opts ...Option) *Cache {
	c := &Cache{
		transport: transport,
		clk:       clock.System{},
		logger:    slog.New(slog.DiscardHandler),
		ttls:      DefaultTTLs(),
		prefix:    DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.entities = entity.New(c.clk)
	c.collections = collection.New(c.clk)
	c.coord = coord.New(c.clk, c.logger.With("component", "coord"))
	c.mutator = optimistic.New(c.entities,
		optimistic.WithClock(c.clk),
		optimistic.WithLogger(c.logger.With("component", "optimistic")),
		optimistic.WithObserver(c.onMutation),
	)
	if c.kv != nil {
		c.persist = &persister{kv: c.kv, prefix: c.prefix, logger: c.logger.With("component", "persist")}
	}
	return c
}

// TTLs returns the effective per-class TTLs.
func (c *Cache) TTLs() TTLs {
	return TTLs{
		Entity:       c.ttls.Of(ClassEntity),
		Collection:   c.ttls.Of(ClassCollection),
		Conversation: c.ttls.Of(ClassConversation),
		Notification: c.ttls.Of(ClassNotification),
	}
}

func (c *Cache) entityTTL(override time.Duration) time.Duration {
	return orDefault(override, c.ttls.Of(ClassEntity))
}

func (c *Cache) collectionTTL(key model.CollectionKey, override time.Duration) time.Duration {
	return orDefault(override, c.ttls.Of(ClassOf(key)))
}

// Subscribe registers fn for every Change. The returned function removes
// it and may be called more than once.
func (c *Cache) Subscribe(fn func(Change)) (unsubscribe func()) {
	id := uuid.NewString()
	c.subMu.Lock()
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		c.subs = slices.DeleteFunc(c.subs, func(s subscriber) bool { return s.id == id })
	}
}

func (c *Cache) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	c.subMu.RLock()
	subs := slices.Clone(c.subs)
	c.subMu.RUnlock()
	for _, ch := range changes {
		for _, s := range subs {
			s.fn(ch)
		}
	}
}

// Peek returns the in-memory copy of id, fresh or not, without fetching.
func (c *Cache) Peek(id model.EntityID) (model.Entity, bool) {
	return c.entities.Get(id)
}

// PeekCollection returns the in-memory collection for key, fresh or not,
// without fetching.
func (c *Cache) PeekCollection(key model.CollectionKey) (model.Collection, bool) {
	return c.collections.Get(key)
}

// Pending returns the outstanding optimistic mutation of (id, field).
func (c *Cache) Pending(id model.EntityID, field model.FieldName) (model.PendingMutation, bool) {
	return c.mutator.Pending(id, field)
}

// InFlight returns the collection fetches currently in flight.
func (c *Cache) InFlight() []model.InFlightRequest {
	return c.coord.InFlight()
}

// Stats returns current counts.
func (c *Cache) Stats() Stats {
	c.subMu.RLock()
	subs := len(c.subs)
	c.subMu.RUnlock()
	return Stats{
		Entities:         c.entities.Len(),
		Collections:      c.collections.Len(),
		PendingMutations: c.mutator.PendingCount(),
		InFlightFetches:  len(c.coord.InFlight()),
		Subscribers:      subs,
	}
}

// Wait blocks until every optimistic mutation started so far has resolved.
func (c *Cache) Wait() {
	c.mutator.Wait()
}

// persistEntity writes the current copy of id through with its remaining
// freshness. Speculative values never reach persistence.
func (c *Cache) persistEntity(ctx context.Context, id model.EntityID) {
	if c.persist == nil {
		return
	}
	e, ok := c.entities.Get(id)
	if !ok {
		return
	}
	// Pending fields are written with their last confirmed value.
	if e.Fields == nil {
		e.Fields = make(map[model.FieldName]model.Value)
	}
	for f, v := range c.mutator.Baselines(id) {
		e.Fields[f] = v
	}
	c.persist.putEntity(ctx, e, remaining(c.clk.Now(), e.LastRefreshedAt, c.ttls.Of(ClassEntity)))
}

func (c *Cache) persistCollection(ctx context.Context, key model.CollectionKey) {
	if c.persist == nil {
		return
	}
	coll, ok := c.collections.Get(key)
	if !ok {
		return
	}
	c.persist.putCollection(ctx, coll, remaining(c.clk.Now(), coll.LastRefreshedAt, c.ttls.Of(ClassOf(key))))
}
