package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"xemm-bot/internal/state"
	"xemm-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	defaultAttempts = 5
	defaultBackoff  = 200 * time.Millisecond
	clientIDPrefix  = "cloid:"
)

// Executor routes orders to venues. Placements keyed by a client order id
// are idempotent across restarts, and only transient venue errors are
// retried.
type Executor struct {
	store state.Store
	log   *zap.Logger

	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(store state.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		store:    store,
		log:      log,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		cache:    make(map[string]string),
	}
}

// PlaceOrder submits req to v and returns the order id events will carry.
func (e *Executor) PlaceOrder(ctx context.Context, v venue.Venue, req venue.OrderRequest) (string, error) {
	if v == nil {
		return "", errors.New("venue is required")
	}
	if req.ClientOrderID == "" {
		return "", errors.New("client order id is required")
	}
	cacheKey := clientIDPrefix + req.ClientOrderID
	e.mu.Lock()
	if _, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return req.ClientOrderID, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if name, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = name
			e.mu.Unlock()
			return req.ClientOrderID, nil
		}
	}
	if err := e.retry(ctx, func() error {
		return v.PlaceOrder(ctx, req)
	}); err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, v.Name()); err != nil {
			e.log.Warn("failed to persist client order id", zap.String("client_order_id", req.ClientOrderID), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = v.Name()
	e.mu.Unlock()
	return req.ClientOrderID, nil
}

// Prune forgets client order ids recorded before the retention window.
// Stores that cannot prune keep them.
func (e *Executor) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	pruner, ok := e.store.(state.Pruner)
	if !ok {
		return 0, nil
	}
	n, err := pruner.DeletePrefixBefore(ctx, clientIDPrefix, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info("pruned client order ids", zap.Int64("count", n), zap.Duration("retention", retention))
	}
	return n, nil
}

func (e *Executor) CancelOrder(ctx context.Context, v venue.Venue, pair, orderID string) error {
	if v == nil {
		return errors.New("venue is required")
	}
	return e.retry(ctx, func() error {
		return v.CancelOrder(ctx, pair, orderID)
	})
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, venue.ErrTransient) {
			return err
		}
		if attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Debug("transient venue error, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
