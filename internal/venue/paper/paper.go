package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const eventBuffer = 1024

var ErrInsufficientBalance = errors.New("insufficient balance")

type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

type Config struct {
	Name string
	// PriceDigits selects significant-digit price quanta when positive;
	// otherwise PriceStep is used for every price.
	PriceDigits int32
	PriceStep   decimal.Decimal
	SizeStep    decimal.Decimal
	Balances    map[string]decimal.Decimal
	// MatchMarketable fills incoming orders that cross the book at their
	// limit price.
	MatchMarketable bool
}

type Order struct {
	ID        string
	Pair      string
	Side      venue.Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (o *Order) remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

type book struct {
	bids []Level
	asks []Level
}

// Venue is an in-memory exchange. Resting orders never touch the book; they
// fill when the book moves through their price or when Fill is called.
type Venue struct {
	cfg       Config
	log       *zap.Logger
	events    chan venue.OrderEvent
	ready     atomic.Bool
	connected atomic.Bool
	tradeSeq  atomic.Uint64
	now       func() time.Time

	mu       sync.RWMutex
	books    map[string]*book
	balances map[string]decimal.Decimal
	orders   map[string]*Order
}

func New(cfg Config, log *zap.Logger) *Venue {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PriceStep.IsZero() && cfg.PriceDigits <= 0 {
		cfg.PriceStep = decimal.New(1, -8)
	}
	if cfg.SizeStep.IsZero() {
		cfg.SizeStep = decimal.New(1, -8)
	}
	v := &Venue{
		cfg:      cfg,
		log:      log.With(zap.String("venue", cfg.Name)),
		events:   make(chan venue.OrderEvent, eventBuffer),
		now:      time.Now,
		books:    make(map[string]*book),
		balances: make(map[string]decimal.Decimal),
		orders:   make(map[string]*Order),
	}
	for asset, amount := range cfg.Balances {
		v.balances[asset] = amount
	}
	v.ready.Store(true)
	v.connected.Store(true)
	return v
}

func (v *Venue) Name() string { return v.cfg.Name }

func (v *Venue) Ready() bool { return v.ready.Load() }

func (v *Venue) Connected() bool { return v.connected.Load() }

func (v *Venue) SetReady(ready bool) { v.ready.Store(ready) }

func (v *Venue) SetConnected(connected bool) { v.connected.Store(connected) }

func (v *Venue) SetClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

func (v *Venue) Events() <-chan venue.OrderEvent { return v.events }

// Drain returns the events currently buffered without blocking.
func (v *Venue) Drain() []venue.OrderEvent {
	var out []venue.OrderEvent
	for {
		select {
		case ev := <-v.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (v *Venue) SetBalance(asset string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[asset] = amount
}

// SetBook replaces the book for pair and fills resting orders it crosses.
func (v *Venue) SetBook(pair string, bids, asks []Level) {
	bids = append([]Level(nil), bids...)
	asks = append([]Level(nil), asks...)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	v.mu.Lock()
	v.books[pair] = &book{bids: bids, asks: asks}
	var events []venue.OrderEvent
	for _, order := range v.sortedOrdersLocked() {
		if order.Pair != pair || !v.crossesLocked(order) {
			continue
		}
		events = append(events, v.fillLocked(order, order.remaining())...)
	}
	v.mu.Unlock()
	v.emit(events)
}

func (v *Venue) Price(ctx context.Context, pair string, side venue.Side) (decimal.Decimal, error) {
	_ = ctx
	v.mu.RLock()
	defer v.mu.RUnlock()
	levels, err := v.levelsLocked(pair, side)
	if err != nil {
		return decimal.Zero, err
	}
	if len(levels) == 0 {
		return decimal.Zero, venue.ErrInsufficientLiquidity
	}
	return levels[0].Price, nil
}

func (v *Venue) PriceForVolume(ctx context.Context, pair string, side venue.Side, volume decimal.Decimal) (decimal.Decimal, error) {
	_ = ctx
	v.mu.RLock()
	defer v.mu.RUnlock()
	levels, err := v.levelsLocked(pair, side)
	if err != nil {
		return decimal.Zero, err
	}
	cumulative := decimal.Zero
	for _, level := range levels {
		cumulative = cumulative.Add(level.Amount)
		if cumulative.GreaterThanOrEqual(volume) {
			return level.Price, nil
		}
	}
	return decimal.Zero, venue.ErrInsufficientLiquidity
}

func (v *Venue) VWAPForVolume(ctx context.Context, pair string, side venue.Side, volume decimal.Decimal) (decimal.Decimal, error) {
	_ = ctx
	v.mu.RLock()
	defer v.mu.RUnlock()
	levels, err := v.levelsLocked(pair, side)
	if err != nil {
		return decimal.Zero, err
	}
	if len(levels) == 0 {
		return decimal.Zero, venue.ErrInsufficientLiquidity
	}
	if !volume.IsPositive() {
		return levels[0].Price, nil
	}
	remaining := volume
	notional := decimal.Zero
	for _, level := range levels {
		take := decimal.Min(remaining, level.Amount)
		notional = notional.Add(take.Mul(level.Price))
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			return notional.Div(volume), nil
		}
	}
	return decimal.Zero, venue.ErrInsufficientLiquidity
}

func (v *Venue) PriceForQuoteVolume(ctx context.Context, pair string, side venue.Side, quoteVolume decimal.Decimal) (decimal.Decimal, error) {
	_ = ctx
	v.mu.RLock()
	defer v.mu.RUnlock()
	levels, err := v.levelsLocked(pair, side)
	if err != nil {
		return decimal.Zero, err
	}
	if len(levels) == 0 {
		return decimal.Zero, venue.ErrInsufficientLiquidity
	}
	cumulative := decimal.Zero
	for _, level := range levels {
		cumulative = cumulative.Add(level.Amount.Mul(level.Price))
		if cumulative.GreaterThanOrEqual(quoteVolume) {
			return level.Price, nil
		}
	}
	// A book too shallow for the volume reports its deepest price.
	return levels[len(levels)-1].Price, nil
}

func (v *Venue) Balance(asset string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[asset]
}

func (v *Venue) AvailableBalance(asset string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.balances[asset].Sub(v.lockedLocked(asset))
}

func (v *Venue) PriceQuantum(pair string, price decimal.Decimal) decimal.Decimal {
	_ = pair
	if v.cfg.PriceDigits > 0 && price.IsPositive() {
		return venue.SignificantQuantum(price, v.cfg.PriceDigits)
	}
	if v.cfg.PriceStep.IsPositive() {
		return v.cfg.PriceStep
	}
	return decimal.New(1, -8)
}

func (v *Venue) SizeQuantum(pair string, size decimal.Decimal) decimal.Decimal {
	_ = pair
	_ = size
	return v.cfg.SizeStep
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) error {
	_ = ctx
	if req.ClientOrderID == "" {
		return errors.New("client order id is required")
	}
	if !req.Amount.IsPositive() || !req.Price.IsPositive() {
		return fmt.Errorf("invalid order %s: price %s amount %s", req.ClientOrderID, req.Price, req.Amount)
	}
	base, quote, err := splitPair(req.Pair)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if _, ok := v.books[req.Pair]; !ok {
		v.mu.Unlock()
		return fmt.Errorf("%s: %w", req.Pair, venue.ErrUnknownPair)
	}
	if _, exists := v.orders[req.ClientOrderID]; exists {
		v.mu.Unlock()
		return fmt.Errorf("duplicate order id %s", req.ClientOrderID)
	}
	if req.Side == venue.Buy {
		need := req.Amount.Mul(req.Price)
		if v.balances[quote].Sub(v.lockedLocked(quote)).LessThan(need) {
			v.mu.Unlock()
			return fmt.Errorf("buy %s needs %s %s: %w", req.Pair, need, quote, ErrInsufficientBalance)
		}
	} else if v.balances[base].Sub(v.lockedLocked(base)).LessThan(req.Amount) {
		v.mu.Unlock()
		return fmt.Errorf("sell %s needs %s %s: %w", req.Pair, req.Amount, base, ErrInsufficientBalance)
	}
	now := v.now()
	order := &Order{
		ID:        req.ClientOrderID,
		Pair:      req.Pair,
		Side:      req.Side,
		Price:     req.Price,
		Amount:    req.Amount,
		CreatedAt: now,
	}
	if req.Expiration > 0 {
		order.ExpiresAt = now.Add(req.Expiration)
	}
	v.orders[order.ID] = order
	events := []venue.OrderEvent{v.eventLocked(venue.EventCreated, order)}
	if v.cfg.MatchMarketable && v.crossesLocked(order) {
		events = append(events, v.fillLocked(order, order.remaining())...)
	}
	v.mu.Unlock()
	v.emit(events)
	return nil
}

func (v *Venue) CancelOrder(ctx context.Context, pair, orderID string) error {
	_ = ctx
	_ = pair
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%s: %w", orderID, venue.ErrUnknownOrder)
	}
	delete(v.orders, orderID)
	ev := v.eventLocked(venue.EventCanceled, order)
	v.mu.Unlock()
	v.emit([]venue.OrderEvent{ev})
	return nil
}

// CancelOutdatedOrders cancels open orders created more than olderThan ago.
func (v *Venue) CancelOutdatedOrders(ctx context.Context, olderThan time.Duration) (int, error) {
	_ = ctx
	cutoff := v.now().Add(-olderThan)
	v.mu.Lock()
	var events []venue.OrderEvent
	for _, order := range v.sortedOrdersLocked() {
		if order.CreatedAt.After(cutoff) {
			continue
		}
		delete(v.orders, order.ID)
		events = append(events, v.eventLocked(venue.EventCanceled, order))
	}
	v.mu.Unlock()
	v.emit(events)
	return len(events), nil
}

// Fill executes amount of an open order at its limit price.
func (v *Venue) Fill(orderID string, amount decimal.Decimal) error {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%s: %w", orderID, venue.ErrUnknownOrder)
	}
	if amount.GreaterThan(order.remaining()) {
		amount = order.remaining()
	}
	events := v.fillLocked(order, amount)
	v.mu.Unlock()
	v.emit(events)
	return nil
}

// Fail terminates an open order with a failure event.
func (v *Venue) Fail(orderID, reason string) error {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%s: %w", orderID, venue.ErrUnknownOrder)
	}
	delete(v.orders, orderID)
	ev := v.eventLocked(venue.EventFailed, order)
	ev.Reason = reason
	v.mu.Unlock()
	v.emit([]venue.OrderEvent{ev})
	return nil
}

// ExpireOrders removes orders whose expiration has passed.
func (v *Venue) ExpireOrders(now time.Time) int {
	v.mu.Lock()
	var events []venue.OrderEvent
	for _, order := range v.sortedOrdersLocked() {
		if order.ExpiresAt.IsZero() || now.Before(order.ExpiresAt) {
			continue
		}
		delete(v.orders, order.ID)
		events = append(events, v.eventLocked(venue.EventExpired, order))
	}
	v.mu.Unlock()
	v.emit(events)
	return len(events)
}

// Run expires orders once per interval until ctx is done.
func (v *Venue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := v.ExpireOrders(v.now()); n > 0 {
				v.log.Debug("paper orders expired", zap.Int("count", n))
			}
		}
	}
}

func (v *Venue) OpenOrders() []Order {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Order, 0, len(v.orders))
	for _, order := range v.sortedOrdersLocked() {
		out = append(out, *order)
	}
	return out
}

func (v *Venue) Order(orderID string) (Order, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	order, ok := v.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

func (v *Venue) levelsLocked(pair string, side venue.Side) ([]Level, error) {
	b, ok := v.books[pair]
	if !ok {
		return nil, fmt.Errorf("%s: %w", pair, venue.ErrUnknownPair)
	}
	if side == venue.Buy {
		return b.asks, nil
	}
	return b.bids, nil
}

func (v *Venue) crossesLocked(order *Order) bool {
	b, ok := v.books[order.Pair]
	if !ok {
		return false
	}
	if order.Side == venue.Buy {
		return len(b.asks) > 0 && order.Price.GreaterThanOrEqual(b.asks[0].Price)
	}
	return len(b.bids) > 0 && order.Price.LessThanOrEqual(b.bids[0].Price)
}

func (v *Venue) lockedLocked(asset string) decimal.Decimal {
	locked := decimal.Zero
	for _, order := range v.orders {
		base, quote, err := splitPair(order.Pair)
		if err != nil {
			continue
		}
		if order.Side == venue.Buy && quote == asset {
			locked = locked.Add(order.remaining().Mul(order.Price))
		}
		if order.Side == venue.Sell && base == asset {
			locked = locked.Add(order.remaining())
		}
	}
	return locked
}

func (v *Venue) fillLocked(order *Order, amount decimal.Decimal) []venue.OrderEvent {
	if !amount.IsPositive() {
		return nil
	}
	base, quote, _ := splitPair(order.Pair)
	notional := amount.Mul(order.Price)
	if order.Side == venue.Buy {
		v.balances[base] = v.balances[base].Add(amount)
		v.balances[quote] = v.balances[quote].Sub(notional)
	} else {
		v.balances[base] = v.balances[base].Sub(amount)
		v.balances[quote] = v.balances[quote].Add(notional)
	}
	order.Filled = order.Filled.Add(amount)
	fill := v.eventLocked(venue.EventFilled, order)
	fill.TradeID = fmt.Sprintf("%s-t%d", v.cfg.Name, v.tradeSeq.Add(1))
	fill.Price = order.Price
	fill.Amount = amount
	events := []venue.OrderEvent{fill}
	if !order.remaining().IsPositive() {
		delete(v.orders, order.ID)
		events = append(events, v.eventLocked(venue.EventCompleted, order))
	}
	return events
}

func (v *Venue) eventLocked(kind venue.EventKind, order *Order) venue.OrderEvent {
	return venue.OrderEvent{
		Kind:    kind,
		Venue:   v.cfg.Name,
		OrderID: order.ID,
		Pair:    order.Pair,
		Side:    order.Side,
		Time:    v.now(),
	}
}

func (v *Venue) sortedOrdersLocked() []*Order {
	out := make([]*Order, 0, len(v.orders))
	for _, order := range v.orders {
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// emit must be called without v.mu held.
func (v *Venue) emit(events []venue.OrderEvent) {
	for _, ev := range events {
		v.events <- ev
	}
}

func splitPair(pair string) (string, string, error) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '-' || pair[i] == '/' {
			if i == 0 || i == len(pair)-1 {
				break
			}
			return strings.ToUpper(pair[:i]), strings.ToUpper(pair[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("invalid trading pair %q", pair)
}
