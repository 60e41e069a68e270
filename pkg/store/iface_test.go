package store

import (
	"context"
	"testing"
	"time"

	"github.com/daviddao/forumcache/pkg/clock"
	"github.com/daviddao/forumcache/pkg/model"
)

// TestStoreImplementsInterface calls every StoreInterface method through
// the interface type on a real database.
func TestStoreImplementsInterface(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	var iface StoreInterface = s

	if err := iface.Set(ctx, "community_cache_entity:1", []byte("{}"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, err := iface.Get(ctx, "community_cache_entity:1"); !ok || err != nil {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if entries, err := iface.ListEntries(ctx, "community_cache_"); err != nil || len(entries) != 1 {
		t.Fatalf("ListEntries: %v %v", entries, err)
	}
	if _, err := iface.Sweep(ctx, DefaultMaxAge); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if err := iface.Remove(ctx, "community_cache_entity:1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := iface.RemovePrefix(ctx, "community_cache_"); err != nil {
		t.Fatalf("RemovePrefix: %v", err)
	}

	if err := iface.SetCursor(ctx, "c", 3); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if got := iface.GetCursor(ctx, "c"); got != 3 {
		t.Fatalf("GetCursor = %d", got)
	}

	id, err := iface.PublishInvalidation(ctx, "p", model.Invalidation{EntityID: "1"})
	if err != nil {
		t.Fatalf("PublishInvalidation: %v", err)
	}
	if got := iface.MaxInvalidationID(ctx); got != id {
		t.Fatalf("MaxInvalidationID = %d, want %d", got, id)
	}
	if got, err := iface.ListInvalidationsSinceID(ctx, 0, 10); err != nil || len(got) != 1 {
		t.Fatalf("ListInvalidationsSinceID: %v %v", got, err)
	}
	if err := iface.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestPersistentKVImplementations runs the same contract against both
// implementations.
func TestPersistentKVImplementations(t *testing.T) {
	impls := map[string]func(t *testing.T) (PersistentKV, *clock.Manual){
		"sqlite": func(t *testing.T) (PersistentKV, *clock.Manual) {
			s, clk := newTestStore(t)
			return s, clk
		},
		"memory": func(t *testing.T) (PersistentKV, *clock.Manual) {
			clk := clock.NewManual(t0)
			return NewMemoryKV(clk), clk
		},
	}
	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			kv, clk := mk(t)
			ctx := context.Background()

			if _, ok, err := kv.Get(ctx, "k"); ok || err != nil {
				t.Fatalf("empty Get: ok=%v err=%v", ok, err)
			}
			kv.Set(ctx, "k", []byte("v1"), 10*time.Second)
			kv.Set(ctx, "forever", []byte("x"), 0)

			v, ok, _ := kv.Get(ctx, "k")
			if !ok || string(v) != "v1" {
				t.Fatalf("Get = %q %v", v, ok)
			}

			clk.Advance(9 * time.Second)
			if _, ok, _ := kv.Get(ctx, "k"); !ok {
				t.Fatal("entry expired early")
			}
			clk.Advance(time.Second)
			if _, ok, _ := kv.Get(ctx, "k"); ok {
				t.Fatal("entry should expire at its ttl")
			}
			if _, ok, _ := kv.Get(ctx, "forever"); !ok {
				t.Fatal("ttl 0 entry expired")
			}

			kv.Remove(ctx, "forever")
			if _, ok, _ := kv.Get(ctx, "forever"); ok {
				t.Fatal("Remove did not delete")
			}
		})
	}
}

func TestMemoryKV_SweepAndKeys(t *testing.T) {
	clk := clock.NewManual(t0)
	kv := NewMemoryKV(clk)
	ctx := context.Background()

	kv.Set(ctx, "a:old", []byte("1"), 0)
	kv.Set(ctx, "a:ttl", []byte("1"), time.Minute)
	clk.Advance(2 * time.Hour)
	kv.Set(ctx, "b:new", []byte("1"), 0)

	n, _ := kv.Sweep(ctx, time.Hour)
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if keys := kv.Keys(""); len(keys) != 1 || keys[0] != "b:new" {
		t.Fatalf("Keys = %v", keys)
	}
	if keys := kv.Keys("a:"); len(keys) != 0 {
		t.Fatalf("Keys(a:) = %v", keys)
	}
}

func TestMemoryKV_CopiesValues(t *testing.T) {
	kv := NewMemoryKV(nil)
	ctx := context.Background()
	buf := []byte("abc")
	kv.Set(ctx, "k", buf, 0)
	buf[0] = 'X'
	v, _, _ := kv.Get(ctx, "k")
	if string(v) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", v)
	}
}
