// Package coord implements last-request-wins coordination of collection
// fetches.
//
// Every fetch for a collection key is issued under a generation number from
// a per-key logical counter. Starting a new fetch supersedes the previous
// one: its context is cancelled (cooperative, the transport may ignore it)
// and, authoritatively, its response can no longer be committed. Only the
// response carrying the key's current generation may write to the cache, so
// a slow response to an abandoned request never clobbers fresher data. The
// check is by generation, not by timestamp, which makes it immune to clock
// skew and response reordering.
//
// Per key the state machine is:
//
//	Idle -> Fetching -> Committed
//	             \----> Cancelled
//
// Committed and Cancelled behave like Idle for the next BeginFetch.
package coord

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/model"
)

// Ticket identifies one issued fetch.
type Ticket struct {
	Key        model.CollectionKey
	Generation uint64
}

type keyState struct {
	gen       clock.Counter
	state     model.FetchState
	cancel    context.CancelFunc
	startedAt time.Time
	// settled is closed when the key leaves Fetching. Superseding fetches
	// share it.
	settled chan struct{}
}

func (ks *keyState) settle(state model.FetchState) {
	ks.state = state
	if ks.cancel != nil {
		ks.cancel()
		ks.cancel = nil
	}
	if ks.settled != nil {
		close(ks.settled)
		ks.settled = nil
	}
}

// Coordinator tracks fetch generations per collection key. Safe for
// concurrent use.
type Coordinator struct {
	mu     sync.Mutex
	clk    clock.Clock
	logger *slog.Logger
	keys   map[model.CollectionKey]*keyState
}

// New returns a Coordinator. A nil logger discards output.
func New(clk clock.Clock, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{clk: clk, logger: logger, keys: make(map[model.CollectionKey]*keyState)}
}

// BeginFetch issues a new generation for key and returns it together with a
// context for the transport call. If a fetch for key is in flight it is
// superseded: its context is cancelled and its Commit will be discarded.
func (c *Coordinator) BeginFetch(ctx context.Context, key model.CollectionKey) (Ticket, context.Context) {
	fctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	ks, ok := c.keys[key]
	if !ok {
		ks = &keyState{state: model.FetchIdle}
		c.keys[key] = ks
	}
	prev := ks.cancel
	superseded := ks.state == model.FetchFetching
	gen := ks.gen.Tick()
	if !superseded {
		ks.settled = make(chan struct{})
	}
	ks.state = model.FetchFetching
	ks.cancel = cancel
	ks.startedAt = c.clk.Now()
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
	if superseded {
		c.logger.Debug("fetch superseded", "collection", key.String(), "generation", gen-1)
	}
	return Ticket{Key: key, Generation: gen}, fctx
}

// Commit runs apply if t is still the current generation of its key and
// the key is fetching. apply runs under the coordinator lock, so no other
// fetch for any key can begin or commit while it writes; it must not call
// back into the Coordinator.
//
// A stale ticket returns a conflict-discard error without calling apply. An
// error from apply is returned as is and leaves the key Idle.
func (c *Coordinator) Commit(t Ticket, apply func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ks, ok := c.keys[t.Key]
	if !ok || ks.gen.Value() != t.Generation || ks.state != model.FetchFetching {
		var current uint64
		if ok {
			current = ks.gen.Value()
		}
		c.logger.Debug("discard stale response",
			"collection", t.Key.String(), "generation", t.Generation, "current", current)
		return cacheerr.ConflictDiscard(t.Key.String(), t.Generation, current)
	}

	if err := apply(); err != nil {
		ks.settle(model.FetchIdle)
		return err
	}
	ks.settle(model.FetchCommitted)
	return nil
}

// Abandon records that the fetch for t failed before producing a result. It
// only affects the key if t is still current, returning true in that case.
func (c *Coordinator) Abandon(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keys[t.Key]
	if !ok || ks.gen.Value() != t.Generation || ks.state != model.FetchFetching {
		return false
	}
	ks.settle(model.FetchIdle)
	return true
}

// Cancel cancels the in-flight fetch for key, if any. Its response will be
// discarded.
func (c *Coordinator) Cancel(key model.CollectionKey) bool {
	c.mu.Lock()
	ks, ok := c.keys[key]
	if !ok || ks.state != model.FetchFetching {
		c.mu.Unlock()
		return false
	}
	// Bump the generation so the cancelled response can never match.
	ks.gen.Tick()
	ks.settle(model.FetchCancelled)
	c.mu.Unlock()
	return true
}

// Wait blocks until key is no longer Fetching or ctx is done. It returns
// immediately for a key with no fetch in flight.
func (c *Coordinator) Wait(ctx context.Context, key model.CollectionKey) error {
	c.mu.Lock()
	ks, ok := c.keys[key]
	if !ok || ks.state != model.FetchFetching {
		c.mu.Unlock()
		return nil
	}
	settled := ks.settled
	c.mu.Unlock()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the fetch state of key. Unknown keys are Idle.
func (c *Coordinator) State(key model.CollectionKey) model.FetchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks, ok := c.keys[key]; ok {
		return ks.state
	}
	return model.FetchIdle
}

// Generation returns the latest generation issued for key, 0 if none.
func (c *Coordinator) Generation(key model.CollectionKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks, ok := c.keys[key]; ok {
		return ks.gen.Value()
	}
	return 0
}

// InFlight returns every fetch currently in the Fetching state, ordered by
// key.
func (c *Coordinator) InFlight() []model.InFlightRequest {
	c.mu.Lock()
	var out []model.InFlightRequest
	for key, ks := range c.keys {
		if ks.state == model.FetchFetching {
			out = append(out, model.InFlightRequest{
				Key:        key,
				Generation: ks.gen.Value(),
				StartedAt:  ks.startedAt,
				Cancel:     ks.cancel,
			})
		}
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b model.InFlightRequest) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return out
}
