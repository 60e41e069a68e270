package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, WithClock(clk))
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// --- KV tests ---

func TestSetGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "community_cache_entity:7", []byte(`{"id":"7"}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "community_cache_entity:7")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(v) != `{"id":"7"}` {
		t.Fatalf("got %s", v)
	}
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestSet_Overwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "k", []byte("a"), 0)
	s.Set(ctx, "k", []byte("b"), 0)
	v, _, _ := s.Get(ctx, "k")
	if string(v) != "b" {
		t.Fatalf("got %q, want b", v)
	}
}

func TestGet_ExpiredIsAbsentAndDeleted(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), time.Minute)

	clk.Advance(time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("entry at its expiry instant should be absent")
	}
	entries, err := s.ListEntries(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expired entry should be deleted on read, found %d", len(entries))
	}
}

func TestSet_ZeroTTLNeverExpires(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), 0)
	clk.Advance(365 * 24 * time.Hour)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("ttl 0 entry should not expire")
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), 0)
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("removed key still present")
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("removing absent key: %v", err)
	}
}

func TestRemovePrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "community_cache_collection:user_posts:9", []byte("1"), 0)
	s.Set(ctx, "community_cache_collection:user_likes:9", []byte("1"), 0)
	s.Set(ctx, "community_cache_entity:9", []byte("1"), 0)

	n, err := s.RemovePrefix(ctx, "community_cache_collection:")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if _, ok, _ := s.Get(ctx, "community_cache_entity:9"); !ok {
		t.Fatal("entry outside prefix was removed")
	}
}

func TestRemovePrefix_LikeMetacharactersAreLiteral(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "a_b", []byte("1"), 0)
	s.Set(ctx, "axb", []byte("1"), 0)

	n, _ := s.RemovePrefix(ctx, "a_")
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
}

func TestSweep(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "old", []byte("1"), 0)
	s.Set(ctx, "short", []byte("1"), time.Minute)
	clk.Advance(2 * time.Hour)
	s.Set(ctx, "fresh", []byte("1"), 0)

	n, err := s.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	entries, _ := s.ListEntries(ctx, "")
	if len(entries) != 1 || entries[0].Key != "fresh" {
		t.Fatalf("remaining entries = %+v, want only fresh", entries)
	}
}

func TestSweep_ZeroMaxAgeOnlyExpired(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "keep", []byte("1"), 0)
	s.Set(ctx, "gone", []byte("1"), time.Second)
	clk.Advance(DefaultMaxAge * 2)

	n, _ := s.Sweep(ctx, 0)
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
}

func TestListEntries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "p:b", []byte("12345"), time.Hour)
	s.Set(ctx, "p:a", []byte("1"), 0)
	s.Set(ctx, "q:a", []byte("1"), 0)

	entries, err := s.ListEntries(ctx, "p:")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Key != "p:a" || entries[1].Key != "p:b" {
		t.Fatalf("entries not ordered by key: %+v", entries)
	}
	if entries[1].Size != 5 {
		t.Fatalf("size = %d, want 5", entries[1].Size)
	}
	if !entries[0].ExpiresAt.IsZero() {
		t.Fatal("ttl 0 entry should have zero ExpiresAt")
	}
	if !entries[1].ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", entries[1].ExpiresAt)
	}
	if !entries[0].StoredAt.Equal(t0) {
		t.Fatalf("StoredAt = %v, want %v", entries[0].StoredAt, t0)
	}
}

// --- Cursor tests ---

func TestCursor_DefaultAndSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if c := s.GetCursor(ctx, "watcher"); c != 0 {
		t.Fatalf("default cursor = %d, want 0", c)
	}
	if err := s.SetCursor(ctx, "watcher", 42); err != nil {
		t.Fatal(err)
	}
	s.SetCursor(ctx, "watcher", 43)
	if c := s.GetCursor(ctx, "watcher"); c != 43 {
		t.Fatalf("cursor = %d, want 43", c)
	}
}

// --- Invalidation log tests ---

func TestPublishAndListInvalidations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id1, err := s.PublishInvalidation(ctx, "pub-1", model.Invalidation{EntityID: "7", Reason: "edited"})
	if err != nil {
		t.Fatalf("publish entity: %v", err)
	}
	id2, err := s.PublishInvalidation(ctx, "pub-1", model.Invalidation{
		Collection: model.Key(model.CollConversation, "42"),
		Reason:     "privateMessage",
	})
	if err != nil {
		t.Fatalf("publish collection: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("ids not increasing: %d, %d", id1, id2)
	}

	got, err := s.ListInvalidationsSinceID(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Inv.EntityID != "7" || got[0].Publisher != "pub-1" || !got[0].Inv.ReceivedAt.Equal(t0) {
		t.Fatalf("entry 0 = %+v", got[0])
	}
	if got[1].Inv.Collection != model.Key(model.CollConversation, "42") || got[1].Inv.Reason != "privateMessage" {
		t.Fatalf("entry 1 = %+v", got[1])
	}

	tail, _ := s.ListInvalidationsSinceID(ctx, id1, 10)
	if len(tail) != 1 || tail[0].ID != id2 {
		t.Fatalf("tail since %d = %+v", id1, tail)
	}
}

func TestPublishInvalidation_RequiresExactlyOneTarget(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := s.PublishInvalidation(ctx, "p", model.Invalidation{}); err == nil {
		t.Fatal("expected error for empty invalidation")
	}
	both := model.Invalidation{EntityID: "1", Collection: model.Key(model.CollNotifications, "")}
	if _, err := s.PublishInvalidation(ctx, "p", both); err == nil {
		t.Fatal("expected error when both targets are set")
	}
}

func TestMaxAndCountInvalidations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if s.MaxInvalidationID(ctx) != 0 || s.CountInvalidations(ctx) != 0 {
		t.Fatal("empty log should report 0")
	}
	var last int64
	for i := range 5 {
		last, _ = s.PublishInvalidation(ctx, "p", model.Invalidation{EntityID: model.EntityID(fmt.Sprint(i))})
	}
	if got := s.MaxInvalidationID(ctx); got != last {
		t.Fatalf("MaxInvalidationID = %d, want %d", got, last)
	}
	if got := s.CountInvalidations(ctx); got != 5 {
		t.Fatalf("CountInvalidations = %d, want 5", got)
	}
}

func TestListInvalidations_Limit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := range 10 {
		s.PublishInvalidation(ctx, "p", model.Invalidation{EntityID: model.EntityID(fmt.Sprint(i))})
	}
	got, _ := s.ListInvalidationsSinceID(ctx, 0, 3)
	if len(got) != 3 {
		t.Fatalf("got %d, want 3", len(got))
	}
	if got[0].Inv.EntityID != "0" || got[2].Inv.EntityID != "2" {
		t.Fatalf("wrong order: %+v", got)
	}
}

// --- Concurrency ---

func TestConcurrentWriters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	errs := make(chan error, 20)
	for i := range 20 {
		go func() {
			errs <- s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0)
		}()
	}
	for range 20 {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Set: %v", err)
		}
	}
	entries, _ := s.ListEntries(ctx, "k")
	if len(entries) != 20 {
		t.Fatalf("got %d entries, want 20", len(entries))
	}
}
