package strategy

import (
	"context"
	"time"

	"xemm-bot/internal/timescale"
	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
)

// State is the readiness of the control loop.
type State string

type Event string

const (
	StateWaitingMarkets State = "WAITING_MARKETS"
	StateWaitingRates   State = "WAITING_RATES"
	StateReady          State = "READY"
)

const (
	EventMarketsDown  Event = "MARKETS_DOWN"
	EventMarketsReady Event = "MARKETS_READY"
	EventRatesMissing Event = "RATES_MISSING"
	EventRatesReady   Event = "RATES_READY"
)

// Params are the strategy settings in decimal form. Ratios are fractions,
// so 0.005 means half a percent.
type Params struct {
	OrderAmount          decimal.Decimal
	PortfolioRatio       decimal.Decimal
	MinProfitability     decimal.Decimal
	SlippageBuffer       decimal.Decimal
	TakerBalanceFactor   decimal.Decimal
	TopDepthTolerance    decimal.Decimal
	CancelOrderThreshold decimal.Decimal
	AdjustOrders         bool
	Passive              bool

	AntiHysteresis       time.Duration
	OrderExpiration      time.Duration
	StatusReportInterval time.Duration
	HedgeRetryInterval   time.Duration
	TakerCancelInterval  time.Duration
}

// ActiveOrder is a live maker quote owned by the strategy.
type ActiveOrder struct {
	ID        string
	PairKey   string
	Side      venue.Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	CreatedAt time.Time

	// CancelRequestedAt is set once a cancel was sent. The order keeps its
	// side occupied until the venue confirms it is gone.
	CancelRequestedAt time.Time
	Confirmed         bool
}

func (o ActiveOrder) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

func (o ActiveOrder) IsBid() bool {
	return o.Side == venue.Buy
}

// TakerQuote is the last taker VWAP computed for the configured order size.
type TakerQuote struct {
	Size decimal.Decimal
	Buy  decimal.Decimal
	Sell decimal.Decimal
	At   time.Time
}

type Executor interface {
	PlaceOrder(ctx context.Context, v venue.Venue, req venue.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, v venue.Venue, pair, orderID string) error
}

type Notifier interface {
	Notify(ctx context.Context, message string)
}

type Telemetry interface {
	EnqueueQuote(snapshot timescale.QuoteSnapshot)
	EnqueueHedge(event timescale.HedgeEvent)
}

// FeeEstimator returns the network fee of one taker transaction in units of
// the configured fee asset.
type FeeEstimator interface {
	NetworkFee(ctx context.Context) (decimal.Decimal, error)
}
