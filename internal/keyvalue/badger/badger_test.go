package badger

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T, prefix string) *Store[int64] {
	t.Helper()
	store, err := Open[int64](Config{InMemory: true, Prefix: prefix})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerCounterLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "lock:")
	if _, ok, err := store.Get(ctx, "/a.count"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "/a.count", 2); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := store.Get(ctx, "/a.count")
	if err != nil || !ok || v != 2 {
		t.Fatalf("expected 2, got %d ok=%v err=%v", v, ok, err)
	}
	keys, err := store.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "/a.count" {
		t.Fatalf("unexpected keys %v (%v)", keys, err)
	}
	existed, err := store.Delete(ctx, "/a.count")
	if err != nil || !existed {
		t.Fatalf("expected delete of existing key, got %v (%v)", existed, err)
	}
	if ok, _ := store.Has(ctx, "/a.count"); ok {
		t.Fatalf("expected key removed")
	}
}

func TestBadgerClearDropsPrefix(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "lock:")
	for _, key := range []string{"a", "b"} {
		if err := store.Set(ctx, key, 1); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	other := New[int64](store.db, "other:")
	if err := other.Set(ctx, "keep", 7); err != nil {
		t.Fatalf("set other: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, _ := store.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected prefix cleared, got %v", keys)
	}
	if v, ok, _ := other.Get(ctx, "keep"); !ok || v != 7 {
		t.Fatalf("expected other prefix untouched, got %d ok=%v", v, ok)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open[int64](Config{}); err == nil {
		t.Fatalf("expected error without path")
	}
}
