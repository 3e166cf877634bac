package state

import (
	"context"
	"reflect"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestHedgeSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	snapshot := HedgeSnapshot{
		Fills: []PendingFill{{
			PairKey:      "maker:ETH-USDT|taker:ETH-USDT",
			MakerOrderID: "maker-1",
			TradeID:      "t-1",
			Side:         "buy",
			Price:        "0.94527",
			Amount:       "3",
			TimeMS:       12345,
		}},
		UpdatedAtMS: 12346,
	}
	if err := SaveHedgeSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	got, ok, err := LoadHedgeSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to be present")
	}
	if !reflect.DeepEqual(got, snapshot) {
		t.Fatalf("unexpected snapshot: %#v", got)
	}
}

func TestHedgeSnapshotEmptyDeletesKey(t *testing.T) {
	store := &memoryStore{items: map[string]string{HedgeSnapshotKey: "stale"}}
	if err := SaveHedgeSnapshot(context.Background(), store, HedgeSnapshot{}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	got, ok, err := LoadHedgeSnapshot(context.Background(), store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot, got %#v", got)
	}
}

func TestHedgeSnapshotInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{HedgeSnapshotKey: "!!not-base64"}}
	if _, _, err := LoadHedgeSnapshot(context.Background(), store); err == nil {
		t.Fatalf("expected error for invalid snapshot")
	}
}
