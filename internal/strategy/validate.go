package strategy

import (
	"context"

	"xemm-bot/internal/market"
	"xemm-bot/internal/rates"
	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// profitable reports whether o still clears the profitability threshold
// against the current hedge price, net of the network fee on gas priced
// taker venues.
func (s *Strategy) profitable(ctx context.Context, pair *market.MarketPair, r rates.Rates, o ActiveOrder) bool {
	hedge, ok := s.effectiveHedgePrice(ctx, pair, r, o.IsBid(), o.Amount)
	if !ok {
		return false
	}
	threshold := one.Add(s.thresholdFor())
	if o.IsBid() && hedge.LessThan(o.Price.Mul(threshold)) {
		return false
	}
	if !o.IsBid() && o.Price.LessThan(hedge.Mul(threshold)) {
		return false
	}
	if !s.gasPriced(pair) {
		return true
	}
	pl, ok := s.netProfit(ctx, pair, r, o, hedge)
	if !ok {
		return false
	}
	return !pl.IsNegative()
}

func (s *Strategy) thresholdFor() decimal.Decimal {
	if s.params.Passive {
		return s.params.CancelOrderThreshold
	}
	return s.params.MinProfitability
}

// netProfit is the expected result of hedging the unfilled part of o after
// the taker transaction fee, in maker quote.
func (s *Strategy) netProfit(ctx context.Context, pair *market.MarketPair, r rates.Rates, o ActiveOrder, hedge decimal.Decimal) (decimal.Decimal, bool) {
	fee, err := s.fees.NetworkFee(ctx)
	if err != nil {
		s.log.Warn("network fee unavailable", zap.String("pair", pair.Key()), zap.Error(err))
		return decimal.Zero, false
	}
	fee = fee.Mul(r.Gas)
	taker := pair.Taker.Venue
	factor := s.params.TakerBalanceFactor
	remaining := o.Remaining()
	takerQty := remaining.Div(r.Base)
	if o.IsBid() {
		avail := taker.AvailableBalance(pair.Taker.Base).Mul(factor)
		hedged := decimal.Min(takerQty, avail).Mul(r.Base)
		return hedged.Mul(hedge).Sub(remaining.Mul(o.Price)).Sub(fee), true
	}
	takerPrice, err := taker.VWAPForVolume(ctx, pair.Taker.Pair, venue.Buy, takerQty)
	if err != nil || !takerPrice.IsPositive() {
		return decimal.Zero, false
	}
	avail := taker.AvailableBalance(pair.Taker.Quote).Div(takerPrice).Mul(factor)
	hedged := decimal.Min(takerQty, avail).Mul(r.Base)
	return remaining.Mul(o.Price).Sub(hedged.Mul(hedge)).Sub(fee), true
}

// fundable reports whether total balances on both venues still cover o.
// Totals are used because the maker balance includes what o itself locks.
func (s *Strategy) fundable(ctx context.Context, pair *market.MarketPair, r rates.Rates, o ActiveOrder) bool {
	maker, taker := pair.Maker.Venue, pair.Taker.Venue
	var limit decimal.Decimal
	if o.IsBid() {
		if !o.Price.IsPositive() {
			return false
		}
		limit = decimal.Min(
			taker.Balance(pair.Taker.Base).Mul(r.Base),
			maker.Balance(pair.Maker.Quote).Div(o.Price),
		)
	} else {
		quote := taker.Balance(pair.Taker.Quote)
		worst, err := taker.PriceForQuoteVolume(ctx, pair.Taker.Pair, venue.Buy, quote)
		if err != nil || !worst.IsPositive() {
			return false
		}
		takerLimit := quote.Div(worst.Div(r.Base).Mul(one.Add(s.params.SlippageBuffer)))
		limit = decimal.Min(maker.Balance(pair.Maker.Base), takerLimit)
	}
	limit = venue.QuantizeAmount(maker, pair.Maker.Pair, limit)
	return !o.Amount.GreaterThan(limit)
}

// drifted reports whether o no longer sits at the price a fresh quote of the
// same size would get.
func (s *Strategy) drifted(ctx context.Context, pair *market.MarketPair, r rates.Rates, o ActiveOrder) bool {
	suggested, ok := s.makingPrice(ctx, pair, r, o.IsBid(), o.Amount)
	return !ok || !suggested.Equal(o.Price)
}
