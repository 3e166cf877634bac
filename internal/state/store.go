package state

import (
	"context"
	"time"
)

// Store is the key/value persistence shared by the executor, the hedge
// ledger snapshot and the operator.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Pruner is implemented by stores that track when each key was last written.
type Pruner interface {
	DeletePrefixBefore(ctx context.Context, prefix string, before time.Time) (int64, error)
}
