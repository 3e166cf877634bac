package market

import (
	"context"
	"sync"
	"time"

	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultSampleInterval = 5 * time.Second
	DefaultSampleWindow   = 12
)

type priceSample struct {
	price decimal.Decimal
	ok    bool
}

type sampleWindow struct {
	bucket  int64
	sampled bool
	bids    []priceSample
	asks    []priceSample
}

// Sampler keeps a short window of maker top-of-book samples per market pair.
type Sampler struct {
	interval time.Duration
	window   int
	depth    decimal.Decimal
	log      *zap.Logger

	mu      sync.Mutex
	windows map[string]*sampleWindow
}

func NewSampler(depthTolerance decimal.Decimal, log *zap.Logger) *Sampler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sampler{
		interval: DefaultSampleInterval,
		window:   DefaultSampleWindow,
		depth:    depthTolerance,
		log:      log,
		windows:  make(map[string]*sampleWindow),
	}
}

// Sample records the live top of book for pair unless a sample was already
// taken in the current interval bucket. It reports whether a sample was taken.
func (s *Sampler) Sample(ctx context.Context, pair *MarketPair, now time.Time) bool {
	bucket := now.UnixNano() / int64(s.interval)
	key := pair.Key()
	s.mu.Lock()
	w, ok := s.windows[key]
	if !ok {
		w = &sampleWindow{}
		s.windows[key] = w
	}
	if w.sampled && bucket <= w.bucket {
		s.mu.Unlock()
		return false
	}
	w.bucket = bucket
	w.sampled = true
	s.mu.Unlock()

	bid, ask := s.live(ctx, pair)

	s.mu.Lock()
	defer s.mu.Unlock()
	w.bids = appendBounded(w.bids, bid, s.window)
	w.asks = appendBounded(w.asks, ask, s.window)
	return true
}

// SmoothedTopOfBook returns the highest bid and the lowest ask over the
// sampled window and the live book. A side falls back to its live value when
// the window is empty or holds an unavailable sample.
func (s *Sampler) SmoothedTopOfBook(ctx context.Context, pair *MarketPair) (decimal.Decimal, decimal.Decimal, bool, bool) {
	bid, ask := s.live(ctx, pair)
	s.mu.Lock()
	w := s.windows[pair.Key()]
	var bids, asks []priceSample
	if w != nil {
		bids = append(bids, w.bids...)
		asks = append(asks, w.asks...)
	}
	s.mu.Unlock()

	bid = extreme(bids, bid, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
	ask = extreme(asks, ask, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
	return bid.price, ask.price, bid.ok, ask.ok
}

// Samples returns the number of samples held for pair.
func (s *Sampler) Samples(pair *MarketPair) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.windows[pair.Key()]; w != nil {
		return len(w.bids)
	}
	return 0
}

func (s *Sampler) live(ctx context.Context, pair *MarketPair) (priceSample, priceSample) {
	maker := pair.Maker
	var (
		bid, ask decimal.Decimal
		bidErr   error
		askErr   error
	)
	if s.depth.IsPositive() {
		bid, bidErr = maker.Venue.PriceForVolume(ctx, maker.Pair, venue.Sell, s.depth)
		ask, askErr = maker.Venue.PriceForVolume(ctx, maker.Pair, venue.Buy, s.depth)
	} else {
		bid, bidErr = maker.Venue.Price(ctx, maker.Pair, venue.Sell)
		ask, askErr = maker.Venue.Price(ctx, maker.Pair, venue.Buy)
	}
	if bidErr != nil {
		s.log.Debug("maker top bid unavailable", zap.String("pair", maker.String()), zap.Error(bidErr))
	}
	if askErr != nil {
		s.log.Debug("maker top ask unavailable", zap.String("pair", maker.String()), zap.Error(askErr))
	}
	return priceSample{price: bid, ok: bidErr == nil && bid.IsPositive()},
		priceSample{price: ask, ok: askErr == nil && ask.IsPositive()}
}

func appendBounded(samples []priceSample, sample priceSample, limit int) []priceSample {
	samples = append(samples, sample)
	if len(samples) > limit {
		samples = append(samples[:0], samples[len(samples)-limit:]...)
	}
	return samples
}

func extreme(samples []priceSample, current priceSample, better func(a, b decimal.Decimal) bool) priceSample {
	if !current.ok || len(samples) == 0 {
		return current
	}
	best := current
	for _, sample := range samples {
		if !sample.ok {
			return current
		}
		if better(sample.price, best.price) {
			best = sample
		}
	}
	return best
}
