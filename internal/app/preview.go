package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Preview prices every market pair once and renders one line per pair.
// Configured book feeds are given wait to deliver depth first.
func (a *App) Preview(ctx context.Context, wait time.Duration) []string {
	if len(a.feeds) > 0 && wait > 0 {
		feedCtx, cancel := context.WithTimeout(ctx, wait)
		for _, feed := range a.feeds {
			feed := feed
			go func() {
				if err := feed.Run(feedCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
					a.log.Warn("book feed stopped", zap.Error(err))
				}
			}()
		}
		<-feedCtx.Done()
		cancel()
	}
	if a.poller != nil {
		if err := a.poller.Refresh(ctx); err != nil {
			a.log.Warn("rates refresh failed", zap.Error(err))
		}
	}
	var lines []string
	for _, p := range a.strategy.Preview(ctx) {
		if !p.Ready {
			lines = append(lines, p.PairKey+": rates unavailable")
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: bid %s @ %s (hedge %s) ask %s @ %s (hedge %s)",
			p.PairKey, p.BidSize, p.Bid, p.HedgeBid, p.AskSize, p.Ask, p.HedgeAsk))
	}
	return lines
}

// Close releases the store and external connections of an App that was
// never run.
func (a *App) Close() {
	a.close()
}
