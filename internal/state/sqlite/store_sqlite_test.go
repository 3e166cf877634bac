package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "hedge:pending_fills", "v1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "hedge:pending_fills", "v2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "hedge:pending_fills")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "v2" {
		t.Fatalf("expected v2, got %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "hedge:pending_fills"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, err = store.Get(ctx, "hedge:pending_fills"); err != nil || ok {
		t.Fatalf("expected key to be deleted, got ok=%v err=%v", ok, err)
	}
}

func TestDeletePrefixBefore(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return start }
	for _, key := range []string{"cloid:maker-1", "cloid:hedge-1", "ops:audit:1"} {
		if err := store.Set(ctx, key, "x"); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	store.now = func() time.Time { return start.Add(2 * time.Hour) }
	if err := store.Set(ctx, "cloid:maker-2", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}

	n, err := store.DeletePrefixBefore(ctx, "cloid:", start.Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned keys, got %d", n)
	}
	for key, want := range map[string]bool{"cloid:maker-1": false, "cloid:hedge-1": false, "cloid:maker-2": true, "ops:audit:1": true} {
		_, ok, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if ok != want {
			t.Fatalf("expected %s present=%v, got %v", key, want, ok)
		}
	}
}
