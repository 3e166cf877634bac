package strategy

import (
	"context"
	"fmt"

	"xemm-bot/internal/hedge"
	"xemm-bot/internal/market"
	"xemm-bot/internal/rates"
	"xemm-bot/internal/timescale"
	"xemm-bot/internal/venue"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type hedgeKey struct {
	pair string
	side venue.Side
}

// startHedge hedges the unhedged fills of pair in the background.
func (s *Strategy) startHedge(ctx context.Context, pair *market.MarketPair) {
	s.tasks.Go("hedge", func() {
		s.hedgePair(ctx, pair)
	})
}

// hedgePair submits one taker order per maker side with unhedged fills.
func (s *Strategy) hedgePair(ctx context.Context, pair *market.MarketPair) {
	defer s.recoverPair(pair)
	for _, side := range []venue.Side{venue.Buy, venue.Sell} {
		for s.hedgeFills(ctx, pair, side) {
		}
	}
	s.persist(ctx)
}

// hedgeFills submits a taker order covering the unhedged fills of makerSide.
// It reports whether a hedge was submitted and more fills may be waiting.
func (s *Strategy) hedgeFills(ctx context.Context, pair *market.MarketPair, makerSide venue.Side) bool {
	key := hedgeKey{pair: pair.Key(), side: makerSide}
	s.mu.Lock()
	if s.hedging[key] {
		s.mu.Unlock()
		return false
	}
	fills := s.ledger.Unhedged(key.pair, makerSide)
	if len(fills) == 0 {
		s.mu.Unlock()
		return false
	}
	s.hedging[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.hedging, key)
		s.mu.Unlock()
	}()

	r, ok := s.rates.Rates(pair)
	if !ok {
		s.log.Warn("hedge deferred: conversion rates unavailable", zap.String("pair", key.pair))
		return false
	}
	req, ok := s.hedgeOrder(ctx, pair, r, makerSide, fills)
	if !ok {
		return false
	}
	now := s.now()
	s.mu.Lock()
	err := s.ledger.Bind(req.ClientOrderID, key.pair, makerSide, fills, req.Amount, now)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("hedge bind failed", zap.String("pair", key.pair), zap.Error(err))
		return false
	}
	if _, err := s.exec.PlaceOrder(ctx, pair.Taker.Venue, req); err != nil {
		s.mu.Lock()
		s.ledger.Release(req.ClientOrderID, decimal.Zero)
		s.mu.Unlock()
		s.metrics.HedgesFailed.Inc()
		s.log.Warn("hedge order rejected",
			zap.String("pair", key.pair),
			zap.String("order_id", req.ClientOrderID),
			zap.Error(err),
		)
		return false
	}
	s.mu.Lock()
	s.tracker.StartTracking(req.ClientOrderID, pair.Taker.Venue.Name(), pair)
	if _, live := s.ledger.Binding(req.ClientOrderID); !live {
		s.tracker.StopTracking(req.ClientOrderID, s.now())
	}
	s.dirty = true
	s.mu.Unlock()

	s.metrics.HedgesSubmitted.Inc()
	s.log.Info("hedge order submitted",
		zap.String("pair", key.pair),
		zap.String("order_id", req.ClientOrderID),
		zap.String("side", req.Side.String()),
		zap.String("price", req.Price.String()),
		zap.String("amount", req.Amount.String()),
		zap.Int("fills", len(fills)),
	)
	s.notify(ctx, fmt.Sprintf("hedge %s %s %s @ %s on %s", req.Side, req.Amount, pair.Taker.Pair, req.Price, pair.Taker.Venue.Name()))
	s.telemetry.EnqueueHedge(timescale.HedgeEvent{
		Time:    now,
		Pair:    key.pair,
		Kind:    "hedge",
		OrderID: req.ClientOrderID,
		Side:    req.Side.String(),
		Price:   req.Price,
		Amount:  req.Amount,
	})
	return true
}

// hedgeOrder sizes and prices the taker order offsetting fills. Size is
// capped by the taker balance scaled by the balance factor and the price
// carries the slippage buffer.
func (s *Strategy) hedgeOrder(ctx context.Context, pair *market.MarketPair, r rates.Rates, makerSide venue.Side, fills []hedge.Fill) (venue.OrderRequest, bool) {
	taker := pair.Taker.Venue
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Amount)
	}
	if !r.Base.IsPositive() {
		return venue.OrderRequest{}, false
	}
	want := total.Div(r.Base)
	factor := s.params.TakerBalanceFactor
	side := hedgeSide(makerSide == venue.Buy)

	var qty decimal.Decimal
	if side == venue.Sell {
		qty = decimal.Min(want, taker.AvailableBalance(pair.Taker.Base).Mul(factor))
	} else {
		price, err := taker.VWAPForVolume(ctx, pair.Taker.Pair, venue.Buy, want)
		if err != nil || !price.IsPositive() {
			s.log.Warn("hedge deferred: taker book too thin",
				zap.String("pair", pair.Key()),
				zap.String("amount", want.String()),
				zap.Error(err),
			)
			return venue.OrderRequest{}, false
		}
		qty = decimal.Min(want, taker.AvailableBalance(pair.Taker.Quote).Div(price).Mul(factor))
	}
	qty = venue.QuantizeAmount(taker, pair.Taker.Pair, qty)
	if !qty.IsPositive() {
		s.log.Info("hedge deferred: amount below the taker minimum",
			zap.String("pair", pair.Key()),
			zap.String("side", side.String()),
			zap.String("unhedged", total.String()),
		)
		return venue.OrderRequest{}, false
	}
	vwap, err := taker.VWAPForVolume(ctx, pair.Taker.Pair, side, qty)
	if err != nil || !vwap.IsPositive() {
		s.log.Warn("hedge deferred: taker book too thin",
			zap.String("pair", pair.Key()),
			zap.String("amount", qty.String()),
			zap.Error(err),
		)
		return venue.OrderRequest{}, false
	}
	var price decimal.Decimal
	if side == venue.Sell {
		price = vwap.Mul(one.Sub(s.params.SlippageBuffer))
	} else {
		price = vwap.Mul(one.Add(s.params.SlippageBuffer))
	}
	price = venue.QuantizePrice(taker, pair.Taker.Pair, price)
	if !price.IsPositive() {
		return venue.OrderRequest{}, false
	}
	return venue.OrderRequest{
		ClientOrderID: "hedge-" + uuid.NewString(),
		Pair:          pair.Taker.Pair,
		Side:          side,
		Price:         price,
		Amount:        qty,
	}, true
}

// sweepHedges retries pairs left with unhedged fills, e.g. after a rejected
// submission or a restart.
func (s *Strategy) sweepHedges(ctx context.Context) {
	if !s.hedgeRetry.Allow() {
		return
	}
	s.mu.Lock()
	keys := s.ledger.UnhedgedPairs()
	s.mu.Unlock()
	for _, key := range keys {
		pair, ok := s.pairsByKey[key]
		if !ok {
			continue
		}
		s.startHedge(ctx, pair)
	}
}

func (s *Strategy) onTakerFilled(ev venue.OrderEvent) {
	s.mu.Lock()
	s.ledger.RecordTakerFill(ev.OrderID, ev.Amount)
	s.mu.Unlock()
	s.log.Info("hedge order filled",
		zap.String("order_id", ev.OrderID),
		zap.String("price", ev.Price.String()),
		zap.String("amount", ev.Amount.String()),
	)
}

// onTakerCompleted settles the fills a finished hedge covered. A hedge capped
// by the taker balance covers less than its batch; the rest stays unhedged
// and is hedged again.
func (s *Strategy) onTakerCompleted(ctx context.Context, pair *market.MarketPair, ev venue.OrderEvent) {
	base := one
	if r, ok := s.rates.Rates(pair); ok && r.Base.IsPositive() {
		base = r.Base
	}
	s.mu.Lock()
	b, ok := s.ledger.Binding(ev.OrderID)
	remainder := false
	if ok {
		s.ledger.Complete(ev.OrderID, decimal.Max(b.Filled, b.Amount).Mul(base))
		remainder = len(s.ledger.Unhedged(b.PairKey, b.Side)) > 0
		s.forgetMakersLocked(b.MakerOrderIDs)
		s.dirty = true
	}
	s.tracker.StopTracking(ev.OrderID, s.now())
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Info("hedge order completed",
		zap.String("pair", pair.Key()),
		zap.String("order_id", ev.OrderID),
		zap.Int("fills", len(b.TradeIDs)),
		zap.String("filled", b.Filled.String()),
		zap.Bool("remainder", remainder),
	)
	s.notify(ctx, fmt.Sprintf("hedge %s on %s completed", ev.OrderID, pair.Taker.Venue.Name()))
	s.persist(ctx)
	if remainder {
		s.startHedge(ctx, pair)
	}
}

// onTakerTerminated returns the fills of a canceled, failed or expired hedge
// to the unhedged pool, minus what it filled, and hedges them again.
func (s *Strategy) onTakerTerminated(ctx context.Context, pair *market.MarketPair, ev venue.OrderEvent) {
	base := one
	if r, ok := s.rates.Rates(pair); ok && r.Base.IsPositive() {
		base = r.Base
	}
	s.mu.Lock()
	b, bound := s.ledger.Binding(ev.OrderID)
	if bound {
		s.ledger.Release(ev.OrderID, b.Filled.Mul(base))
		s.dirty = true
	}
	s.tracker.StopTracking(ev.OrderID, s.now())
	s.mu.Unlock()
	if !bound {
		return
	}
	s.metrics.HedgesResubmitted.Inc()
	s.log.Warn("hedge order ended before completion, resubmitting",
		zap.String("pair", pair.Key()),
		zap.String("order_id", ev.OrderID),
		zap.String("event", string(ev.Kind)),
		zap.String("filled", b.Filled.String()),
		zap.String("reason", ev.Reason),
	)
	s.startHedge(ctx, pair)
}

// forgetMakersLocked drops dedupe state of maker orders that are no longer
// live and have nothing left to hedge.
func (s *Strategy) forgetMakersLocked(ids []string) {
	for _, id := range ids {
		if _, live := s.orders[id]; live {
			continue
		}
		if s.ledger.Outstanding(id) > 0 {
			continue
		}
		s.ledger.Forget(id)
	}
}
