package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientLiquidity means the book cannot absorb the requested volume.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrTransient marks submission errors that may succeed when retried.
	ErrTransient             = errors.New("transient venue error")

	ErrUnknownPair  = errors.New("unknown trading pair")
	ErrUnknownOrder = errors.New("unknown order")
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderRequest struct {
	ClientOrderID string
	Pair          string
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	// Expiration is zero for good-till-cancel orders.
	Expiration time.Duration
}

// Venue is a trading venue connector. Price queries take the taker's side:
// Buy walks the asks and Sell walks the bids. Events for a placed order are
// keyed by the request's ClientOrderID.
type Venue interface {
	Name() string
	Ready() bool
	Connected() bool

	Price(ctx context.Context, pair string, side Side) (decimal.Decimal, error)
	PriceForVolume(ctx context.Context, pair string, side Side, volume decimal.Decimal) (decimal.Decimal, error)
	VWAPForVolume(ctx context.Context, pair string, side Side, volume decimal.Decimal) (decimal.Decimal, error)
	PriceForQuoteVolume(ctx context.Context, pair string, side Side, quoteVolume decimal.Decimal) (decimal.Decimal, error)

	Balance(asset string) decimal.Decimal
	AvailableBalance(asset string) decimal.Decimal

	PriceQuantum(pair string, price decimal.Decimal) decimal.Decimal
	SizeQuantum(pair string, size decimal.Decimal) decimal.Decimal

	PlaceOrder(ctx context.Context, req OrderRequest) error
	CancelOrder(ctx context.Context, pair, orderID string) error
}

// EventSource is implemented by venues that push order lifecycle events.
type EventSource interface {
	Events() <-chan OrderEvent
}

// OutdatedOrderCanceler is implemented by venues whose orders can linger
// unconfirmed, such as transaction based venues.
type OutdatedOrderCanceler interface {
	CancelOutdatedOrders(ctx context.Context, olderThan time.Duration) (int, error)
}
