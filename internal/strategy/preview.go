package strategy

import (
	"context"

	"xemm-bot/internal/market"

	"github.com/shopspring/decimal"
)

// QuotePreview is what one loop pass would quote for a market pair, without
// placing anything. Zero prices mean the side would not be quoted.
type QuotePreview struct {
	PairKey  string
	Ready    bool
	BidSize  decimal.Decimal
	AskSize  decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	HedgeBid decimal.Decimal
	HedgeAsk decimal.Decimal
}

// Preview samples the maker books once and prices both sides of every pair.
func (s *Strategy) Preview(ctx context.Context) []QuotePreview {
	now := s.now()
	out := make([]QuotePreview, 0, len(s.pairs))
	for _, pair := range s.pairs {
		s.sampler.Sample(ctx, pair, now)
		out = append(out, s.previewPair(ctx, pair))
	}
	return out
}

func (s *Strategy) previewPair(ctx context.Context, pair *market.MarketPair) QuotePreview {
	p := QuotePreview{PairKey: pair.Key()}
	r, ok := s.rates.Rates(pair)
	if !ok {
		return p
	}
	p.Ready = true
	for _, isBid := range []bool{true, false} {
		size := s.availabilityBoundedSize(ctx, pair, r, isBid)
		if !size.IsPositive() {
			continue
		}
		hedge, _ := s.effectiveHedgePrice(ctx, pair, r, isBid, size)
		price, ok := s.makingPrice(ctx, pair, r, isBid, size)
		if !ok {
			continue
		}
		if isBid {
			p.BidSize, p.Bid, p.HedgeBid = size, price, hedge
		} else {
			p.AskSize, p.Ask, p.HedgeAsk = size, price, hedge
		}
	}
	return p
}
