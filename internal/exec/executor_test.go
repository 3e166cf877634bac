package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

// mockVenue fails the first failures submissions with err.
type mockVenue struct {
	mu       sync.Mutex
	calls    int
	cancels  int
	failures int
	err      error
}

func (m *mockVenue) Name() string    { return "mock" }
func (m *mockVenue) Ready() bool     { return true }
func (m *mockVenue) Connected() bool { return true }

func (m *mockVenue) Price(context.Context, string, venue.Side) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrInsufficientLiquidity
}

func (m *mockVenue) PriceForVolume(context.Context, string, venue.Side, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrInsufficientLiquidity
}

func (m *mockVenue) VWAPForVolume(context.Context, string, venue.Side, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrInsufficientLiquidity
}

func (m *mockVenue) PriceForQuoteVolume(context.Context, string, venue.Side, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, venue.ErrInsufficientLiquidity
}

func (m *mockVenue) Balance(string) decimal.Decimal          { return decimal.Zero }
func (m *mockVenue) AvailableBalance(string) decimal.Decimal { return decimal.Zero }

func (m *mockVenue) PriceQuantum(string, decimal.Decimal) decimal.Decimal { return decimal.Zero }
func (m *mockVenue) SizeQuantum(string, decimal.Decimal) decimal.Decimal  { return decimal.Zero }

func (m *mockVenue) PlaceOrder(ctx context.Context, req venue.OrderRequest) error {
	_ = ctx
	_ = req
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return m.err
	}
	return nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, pair, orderID string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	if m.cancels <= m.failures {
		return m.err
	}
	return nil
}

func newTestExecutor(store *memoryStore) *Executor {
	e := New(store, zap.NewNop())
	e.backoff = time.Millisecond
	return e
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	v := &mockVenue{}
	executor := newTestExecutor(store)

	ctx := context.Background()
	req := venue.OrderRequest{ClientOrderID: "maker-abc", Pair: "ETH-USDT", Side: venue.Buy, Amount: decimal.NewFromInt(1)}

	id1, err := executor.PlaceOrder(ctx, v, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := executor.PlaceOrder(ctx, v, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 || id1 != "maker-abc" {
		t.Fatalf("expected client order id twice, got %s and %s", id1, id2)
	}
	if v.calls != 1 {
		t.Fatalf("expected 1 venue call, got %d", v.calls)
	}

	v2 := &mockVenue{}
	executor2 := newTestExecutor(store)
	if _, err := executor2.PlaceOrder(ctx, v2, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2.calls != 0 {
		t.Fatalf("expected no venue calls on restart, got %d", v2.calls)
	}
	if got := store.data["cloid:maker-abc"]; got != "mock" {
		t.Fatalf("expected venue name persisted, got %q", got)
	}
}

func TestExecutorRetriesTransientErrors(t *testing.T) {
	v := &mockVenue{failures: 2, err: fmt.Errorf("rate limited: %w", venue.ErrTransient)}
	executor := newTestExecutor(newMemoryStore())
	if _, err := executor.PlaceOrder(context.Background(), v, venue.OrderRequest{ClientOrderID: "hedge-1"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if v.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", v.calls)
	}
}

func TestExecutorDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("insufficient balance")
	v := &mockVenue{failures: 10, err: permanent}
	store := newMemoryStore()
	executor := newTestExecutor(store)
	_, err := executor.PlaceOrder(context.Background(), v, venue.OrderRequest{ClientOrderID: "hedge-2"})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if v.calls != 1 {
		t.Fatalf("expected 1 call, got %d", v.calls)
	}
	if _, ok := store.data["cloid:hedge-2"]; ok {
		t.Fatalf("expected rejected order not to be cached")
	}
}

func TestExecutorGivesUpAfterAttempts(t *testing.T) {
	v := &mockVenue{failures: 10, err: venue.ErrTransient}
	executor := newTestExecutor(newMemoryStore())
	err := executor.CancelOrder(context.Background(), v, "ETH-USDT", "maker-1")
	if !errors.Is(err, venue.ErrTransient) {
		t.Fatalf("expected transient error after retries, got %v", err)
	}
	if v.cancels != defaultAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultAttempts, v.cancels)
	}
}

func TestExecutorRequiresClientOrderID(t *testing.T) {
	executor := newTestExecutor(newMemoryStore())
	if _, err := executor.PlaceOrder(context.Background(), &mockVenue{}, venue.OrderRequest{}); err == nil {
		t.Fatalf("expected error for missing client order id")
	}
}

type pruningStore struct {
	*memoryStore
	prefix string
	before time.Time
}

func (p *pruningStore) DeletePrefixBefore(ctx context.Context, prefix string, before time.Time) (int64, error) {
	_ = ctx
	p.prefix, p.before = prefix, before
	return 3, nil
}

func TestExecutorPruneClientIDs(t *testing.T) {
	store := &pruningStore{memoryStore: newMemoryStore()}
	e := New(store, zap.NewNop())
	n, err := e.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pruned, got %d", n)
	}
	if store.prefix != "cloid:" {
		t.Fatalf("expected cloid: prefix, got %q", store.prefix)
	}
	if age := time.Since(store.before); age < 23*time.Hour || age > 25*time.Hour {
		t.Fatalf("expected cutoff about 24h ago, got %s", age)
	}

	if n, err := New(newMemoryStore(), zap.NewNop()).Prune(context.Background(), time.Hour); err != nil || n != 0 {
		t.Fatalf("expected no-op for plain store, got %d %v", n, err)
	}
}
