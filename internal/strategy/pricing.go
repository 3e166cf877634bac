package strategy

import (
	"context"
	"errors"

	"xemm-bot/internal/market"
	"xemm-bot/internal/rates"
	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

// hedgeSide is the taker side that offsets a maker order: a maker bid is
// hedged by selling on the taker venue.
func hedgeSide(isBid bool) venue.Side {
	if isBid {
		return venue.Sell
	}
	return venue.Buy
}

// EffectiveHedgePrice is the taker VWAP for size maker units, converted into
// maker quote per maker base.
func (s *Strategy) EffectiveHedgePrice(ctx context.Context, pair *market.MarketPair, isBid bool, size decimal.Decimal) (decimal.Decimal, bool) {
	r, ok := s.rates.Rates(pair)
	if !ok {
		return decimal.Zero, false
	}
	return s.effectiveHedgePrice(ctx, pair, r, isBid, size)
}

func (s *Strategy) effectiveHedgePrice(ctx context.Context, pair *market.MarketPair, r rates.Rates, isBid bool, size decimal.Decimal) (decimal.Decimal, bool) {
	if !r.Base.IsPositive() {
		return decimal.Zero, false
	}
	takerSize := size.Div(r.Base)
	vwap, err := pair.Taker.Venue.VWAPForVolume(ctx, pair.Taker.Pair, hedgeSide(isBid), takerSize)
	if err != nil {
		if !errors.Is(err, venue.ErrInsufficientLiquidity) {
			s.log.Warn("taker vwap failed", zap.String("pair", pair.Key()), zap.Error(err))
		}
		return decimal.Zero, false
	}
	return vwap.Mul(r.PriceFactor()), true
}

// MakingPrice is the quote price for a maker order of size. The hedge price
// is shifted by the minimum profitability, optionally pulled to one price
// quantum inside the smoothed maker top of book, and rounded away from the
// hedge.
func (s *Strategy) MakingPrice(ctx context.Context, pair *market.MarketPair, isBid bool, size decimal.Decimal) (decimal.Decimal, bool) {
	r, ok := s.rates.Rates(pair)
	if !ok {
		return decimal.Zero, false
	}
	return s.makingPrice(ctx, pair, r, isBid, size)
}

func (s *Strategy) makingPrice(ctx context.Context, pair *market.MarketPair, r rates.Rates, isBid bool, size decimal.Decimal) (decimal.Decimal, bool) {
	hedge, ok := s.effectiveHedgePrice(ctx, pair, r, isBid, size)
	if !ok {
		return decimal.Zero, false
	}
	maker := pair.Maker.Venue
	margin := one.Add(s.params.MinProfitability)
	var price decimal.Decimal
	if isBid {
		price = hedge.Div(margin)
		if s.params.AdjustOrders {
			if top, _, topOK, _ := s.sampler.SmoothedTopOfBook(ctx, pair); topOK && top.IsPositive() {
				q := maker.PriceQuantum(pair.Maker.Pair, top)
				price = decimal.Min(price, venue.CeilToQuantum(top, q).Add(q))
			}
		}
		price = venue.FloorToQuantum(price, maker.PriceQuantum(pair.Maker.Pair, price))
	} else {
		price = hedge.Mul(margin)
		if s.params.AdjustOrders {
			if _, top, _, topOK := s.sampler.SmoothedTopOfBook(ctx, pair); topOK && top.IsPositive() {
				q := maker.PriceQuantum(pair.Maker.Pair, top)
				price = decimal.Max(price, venue.FloorToQuantum(top, q).Sub(q))
			}
		}
		price = venue.CeilToQuantum(price, maker.PriceQuantum(pair.Maker.Pair, price))
	}
	if !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

// AdjustedSize is the configured order amount, or a fraction of the maker
// portfolio valued at the maker mid price when no fixed amount is set.
func (s *Strategy) AdjustedSize(ctx context.Context, pair *market.MarketPair) decimal.Decimal {
	maker := pair.Maker.Venue
	if s.params.OrderAmount.IsPositive() {
		return venue.QuantizeAmount(maker, pair.Maker.Pair, s.params.OrderAmount)
	}
	ask, err := maker.Price(ctx, pair.Maker.Pair, venue.Buy)
	if err != nil {
		return decimal.Zero
	}
	bid, err := maker.Price(ctx, pair.Maker.Pair, venue.Sell)
	if err != nil {
		return decimal.Zero
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return decimal.Zero
	}
	value := maker.Balance(pair.Maker.Base).Add(maker.Balance(pair.Maker.Quote).Div(mid))
	return venue.QuantizeAmount(maker, pair.Maker.Pair, value.Mul(s.params.PortfolioRatio))
}

// AvailabilityBoundedSize caps the adjusted size by what both venues can
// fund: the maker side of the quote and the taker side of its hedge.
func (s *Strategy) AvailabilityBoundedSize(ctx context.Context, pair *market.MarketPair, isBid bool) decimal.Decimal {
	r, ok := s.rates.Rates(pair)
	if !ok {
		return decimal.Zero
	}
	return s.availabilityBoundedSize(ctx, pair, r, isBid)
}

func (s *Strategy) availabilityBoundedSize(ctx context.Context, pair *market.MarketPair, r rates.Rates, isBid bool) decimal.Decimal {
	if !r.Base.IsPositive() {
		return decimal.Zero
	}
	maker, taker := pair.Maker.Venue, pair.Taker.Venue
	size := s.AdjustedSize(ctx, pair)
	if !size.IsPositive() {
		return decimal.Zero
	}
	factor := s.params.TakerBalanceFactor
	if isBid {
		hedge, ok := s.effectiveHedgePrice(ctx, pair, r, true, size)
		if !ok || !hedge.IsPositive() {
			return decimal.Zero
		}
		makerLimit := maker.AvailableBalance(pair.Maker.Quote).Div(hedge)
		takerLimit := taker.AvailableBalance(pair.Taker.Base).Mul(factor).Mul(r.Base)
		size = decimal.Min(size, makerLimit, takerLimit)
	} else {
		quote := taker.AvailableBalance(pair.Taker.Quote).Mul(factor)
		worst, err := taker.PriceForQuoteVolume(ctx, pair.Taker.Pair, venue.Buy, quote)
		if err != nil || !worst.IsPositive() {
			return decimal.Zero
		}
		takerLimit := quote.Div(worst.Mul(one.Add(s.params.SlippageBuffer))).Mul(r.Base)
		size = decimal.Min(size, maker.AvailableBalance(pair.Maker.Base), takerLimit)
	}
	if !size.IsPositive() {
		return decimal.Zero
	}
	return venue.QuantizeAmount(maker, pair.Maker.Pair, size)
}
