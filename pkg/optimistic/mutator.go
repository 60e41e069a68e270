// Package optimistic applies speculative field mutations and reconciles them
// with the remote outcome.
//
// A mutation is applied to the entity store synchronously, so every view of
// the entity (including every collection that lists it) sees the new value
// at once. The remote call then runs in the background. On failure the field
// is reverted to the value it had before the toggle sequence started.
//
// Rapid repeated mutations on one (entity, field) pair share one pending
// record. The record keeps the oldest unresolved baseline, and each
// mutation carries a sequence number. Only the newest mutation may clear the
// record or roll it back; an older mutation's success advances the baseline
// instead, so a later failure never reverts below a committed value. A
// success from a batch whose record was already cleared leaves the current
// record alone.
//
// When fresh server data replaces a pending field, Reapply makes the
// fetched value the new baseline and recomputes the speculative value on
// top of it from the unresolved mutations.
package optimistic

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/model"
)

// Compute derives a field's new value from its current value. It must be
// pure: it may be called with a value that was itself speculative.
type Compute func(old model.Value) model.Value

// RemoteCall performs the remote half of a mutation.
type RemoteCall func(ctx context.Context) (model.MutationResult, error)

// FieldStore is the part of the entity store the mutator needs.
type FieldStore interface {
	Get(id model.EntityID) (model.Entity, bool)
	PatchField(id model.EntityID, field model.FieldName, v model.Value) bool
}

// EventKind says what happened to a mutated field.
type EventKind string

const (
	// EventApplied: the speculative value was patched in.
	EventApplied EventKind = "applied"
	// EventConfirmed: the newest mutation succeeded; Value is the final value.
	EventConfirmed EventKind = "confirmed"
	// EventRebased: a superseded mutation succeeded; Value is the new baseline.
	EventRebased EventKind = "rebased"
	// EventRolledBack: the newest mutation failed; Value is the restored value.
	EventRolledBack EventKind = "rolled_back"
	// EventFailed: a superseded mutation failed; nothing was reverted.
	EventFailed EventKind = "failed"
)

// Event reports a change in a mutation's lifecycle.
type Event struct {
	Kind     EventKind
	EntityID model.EntityID
	Field    model.FieldName
	Value    model.Value
	Seq      uint64
	Err      error
}

type pendingKey struct {
	id    model.EntityID
	field model.FieldName
}

type record struct {
	m model.PendingMutation
	// firstSeq is the mutation that opened the record.
	firstSeq uint64
	// baselineSeq is the newest mutation whose outcome PreviousValue
	// reflects; 0 means the pre-sequence value.
	baselineSeq uint64
	// unresolved holds the computes still awaiting a remote answer, oldest
	// first.
	unresolved []step
}

type step struct {
	seq     uint64
	compute Compute
	applied model.Value // value this step produced, as of the last Reapply
}

// take removes the step for seq and returns it.
func (r *record) take(seq uint64) (step, bool) {
	i := slices.IndexFunc(r.unresolved, func(s step) bool { return s.seq == seq })
	if i < 0 {
		return step{}, false
	}
	s := r.unresolved[i]
	r.unresolved = slices.Delete(r.unresolved, i, i+1)
	return s, true
}

// Mutator owns the pending-mutation table.
type Mutator struct {
	store   FieldStore
	clk     clock.Clock
	logger  *slog.Logger
	onEvent func(Event)

	mu      sync.Mutex
	seq     clock.Counter
	pending map[pendingKey]*record

	wg sync.WaitGroup
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithClock sets the clock used for PendingMutation.AppliedAt.
func WithClock(c clock.Clock) Option { return func(m *Mutator) { m.clk = c } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(m *Mutator) { m.logger = l } }

// WithObserver registers fn to receive every Event. fn is called without
// any mutator lock held.
func WithObserver(fn func(Event)) Option { return func(m *Mutator) { m.onEvent = fn } }

// New returns a Mutator patching store.
func New(store FieldStore, opts ...Option) *Mutator {
	m := &Mutator{
		store:   store,
		clk:     clock.System{},
		logger:  slog.New(slog.DiscardHandler),
		pending: make(map[pendingKey]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var errRejected = errors.New("remote rejected mutation")

// Apply patches field of entity id with compute(current) and starts remote
// in the background. The returned channel receives exactly one value, nil
// on success or a rollback error, and is then closed.
//
// Apply fails without side effects if the entity is not cached.
func (m *Mutator) Apply(ctx context.Context, id model.EntityID, field model.FieldName, compute Compute, remote RemoteCall) (<-chan error, error) {
	if compute == nil || remote == nil {
		return nil, cacheerr.Validation("mutation of %s.%s needs compute and remote", id, field)
	}

	m.mu.Lock()
	e, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return nil, cacheerr.Newf(cacheerr.CodeNotFound, "mutate %s.%s: entity not cached", id, field)
	}
	v0 := e.Field(field)
	v1 := compute(v0)
	m.store.PatchField(id, field, v1)

	seq := m.seq.Tick()
	k := pendingKey{id: id, field: field}
	rec, exists := m.pending[k]
	if !exists {
		rec = &record{m: model.PendingMutation{EntityID: id, Field: field, PreviousValue: v0}, firstSeq: seq}
		m.pending[k] = rec
	}
	rec.m.Seq = seq
	rec.unresolved = append(rec.unresolved, step{seq: seq, compute: compute, applied: v1})
	rec.m.AppliedAt = m.clk.Now()
	m.mu.Unlock()

	m.logger.Debug("optimistic apply",
		"entity_id", id, "field", field, "seq", seq, "superseded", exists)
	m.emit(Event{Kind: EventApplied, EntityID: id, Field: field, Value: v1, Seq: seq})

	done := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		res, err := remote(ctx)
		if err == nil && !res.Success {
			err = errRejected
		}
		done <- m.resolve(k, seq, v1, res, err)
	}()
	return done, nil
}

func (m *Mutator) resolve(k pendingKey, seq uint64, applied model.Value, res model.MutationResult, callErr error) error {
	var ev Event
	var out error

	m.mu.Lock()
	rec := m.pending[k]
	current := rec != nil && rec.m.Seq == seq
	// seq belongs to the batch the current record tracks.
	ours := rec != nil && seq >= rec.firstSeq
	if ours {
		if s, ok := rec.take(seq); ok {
			applied = s.applied
		}
	}
	switch {
	case callErr == nil && current:
		delete(m.pending, k)
		final := applied
		if res.ServerValue != nil {
			final = res.ServerValue
			m.store.PatchField(k.id, k.field, final)
		}
		ev = Event{Kind: EventConfirmed, Value: final}

	case callErr == nil && ours && seq > rec.baselineSeq:
		// A superseded mutation committed: later failures revert to it.
		base := applied
		if res.ServerValue != nil {
			base = res.ServerValue
		}
		rec.m.PreviousValue = base
		rec.baselineSeq = seq
		ev = Event{Kind: EventRebased, Value: base}

	case callErr == nil:
		// Older than the current baseline, or from a batch that already
		// resolved.
		ev = Event{Kind: EventConfirmed, Value: applied}

	case current:
		delete(m.pending, k)
		m.store.PatchField(k.id, k.field, rec.m.PreviousValue)
		out = cacheerr.Rollback("mutate "+string(k.id)+"."+string(k.field), callErr)
		ev = Event{Kind: EventRolledBack, Value: rec.m.PreviousValue, Err: out}

	default:
		// Superseded: the newest mutation owns the field now.
		out = cacheerr.Rollback("mutate "+string(k.id)+"."+string(k.field)+" (superseded)", callErr)
		ev = Event{Kind: EventFailed, Err: out}
	}
	m.mu.Unlock()

	ev.EntityID, ev.Field, ev.Seq = k.id, k.field, seq
	if out != nil {
		m.logger.Warn("optimistic mutation failed",
			"entity_id", k.id, "field", k.field, "seq", seq, "outcome", ev.Kind, "err", callErr)
	} else {
		m.logger.Debug("optimistic mutation resolved",
			"entity_id", k.id, "field", k.field, "seq", seq, "outcome", ev.Kind)
	}
	m.emit(ev)
	return out
}

func (m *Mutator) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// Pending returns the outstanding mutation for (id, field), if any.
func (m *Mutator) Pending(id model.EntityID, field model.FieldName) (model.PendingMutation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pending[pendingKey{id: id, field: field}]
	if !ok {
		return model.PendingMutation{}, false
	}
	return rec.m, true
}

// Baselines returns the last confirmed value of every pending field of id,
// or nil if none is pending.
func (m *Mutator) Baselines(id model.EntityID) map[model.FieldName]model.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out map[model.FieldName]model.Value
	for k, rec := range m.pending {
		if k.id != id {
			continue
		}
		if out == nil {
			out = make(map[model.FieldName]model.Value)
		}
		out[k.field] = rec.m.PreviousValue
	}
	return out
}

// Reapply is called after id was overwritten with server data. For every
// pending field of id the fetched value becomes the baseline, and the
// unresolved mutations are recomputed on top of it. It returns the fields
// it patched.
func (m *Mutator) Reapply(id model.EntityID) []model.FieldName {
	m.mu.Lock()
	e, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	var fields []model.FieldName
	for k, rec := range m.pending {
		if k.id != id {
			continue
		}
		v, ok := e.Fields[k.field]
		if !ok {
			// The fetch did not carry the field; keep the old baseline.
			v = rec.m.PreviousValue
		}
		rec.m.PreviousValue = v
		for i := range rec.unresolved {
			v = rec.unresolved[i].compute(v)
			rec.unresolved[i].applied = v
		}
		m.store.PatchField(id, k.field, v)
		fields = append(fields, k.field)
	}
	m.mu.Unlock()

	if len(fields) > 0 {
		m.logger.Debug("reapplied pending mutations", "entity_id", id, "fields", len(fields))
	}
	return fields
}

// PendingCount returns the number of outstanding (entity, field) pairs.
func (m *Mutator) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Wait blocks until every remote call started by Apply has resolved.
func (m *Mutator) Wait() {
	m.wg.Wait()
}
