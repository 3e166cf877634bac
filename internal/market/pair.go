package market

import (
	"fmt"
	"strings"

	"xemm-bot/internal/venue"
)

// MarketInfo is one side of a market pair: a venue handle and a trading pair
// split into its base and quote assets.
type MarketInfo struct {
	Venue venue.Venue
	Pair  string
	Base  string
	Quote string
}

func NewMarketInfo(v venue.Venue, pair string) (MarketInfo, error) {
	base, quote, err := SplitPair(pair)
	if err != nil {
		return MarketInfo{}, err
	}
	return MarketInfo{Venue: v, Pair: pair, Base: base, Quote: quote}, nil
}

func (m MarketInfo) String() string {
	if m.Venue == nil {
		return m.Pair
	}
	return m.Venue.Name() + ":" + m.Pair
}

type MarketPair struct {
	Maker MarketInfo
	Taker MarketInfo
}

func NewMarketPair(maker, taker MarketInfo) *MarketPair {
	return &MarketPair{Maker: maker, Taker: taker}
}

func (p *MarketPair) Key() string {
	return p.Maker.String() + "|" + p.Taker.String()
}

func (p *MarketPair) Venues() []venue.Venue {
	if p.Maker.Venue == p.Taker.Venue {
		return []venue.Venue{p.Maker.Venue}
	}
	return []venue.Venue{p.Maker.Venue, p.Taker.Venue}
}

// SplitPair accepts BASE-QUOTE and BASE/QUOTE forms.
func SplitPair(pair string) (string, string, error) {
	sep := "-"
	if strings.Contains(pair, "/") {
		sep = "/"
	}
	base, quote, ok := strings.Cut(strings.TrimSpace(pair), sep)
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("invalid trading pair %q", pair)
	}
	return strings.ToUpper(base), strings.ToUpper(quote), nil
}
