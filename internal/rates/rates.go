package rates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"xemm-bot/internal/httpx/rest"
	"xemm-bot/internal/market"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrRateUnavailable = errors.New("conversion rate unavailable")

// Rates converts taker amounts into maker terms. Quote is maker quote per
// taker quote, Base is maker base per taker base and Gas is maker quote per
// unit of the fee asset (zero when no fee asset is configured).
type Rates struct {
	Quote decimal.Decimal
	Base  decimal.Decimal
	Gas   decimal.Decimal
}

// PriceFactor converts a taker price into a maker price.
func (r Rates) PriceFactor() decimal.Decimal {
	return r.Quote.Div(r.Base)
}

type Provider interface {
	Rates(pair *market.MarketPair) (Rates, bool)
}

// Table derives conversion rates from asset prices quoted in one common unit.
// Converting an asset into itself is always 1.
type Table struct {
	gasAsset string

	mu      sync.RWMutex
	prices  map[string]decimal.Decimal
	updated time.Time
}

func NewTable(prices map[string]decimal.Decimal, gasAsset string) *Table {
	t := &Table{gasAsset: strings.ToUpper(gasAsset), prices: make(map[string]decimal.Decimal)}
	t.Set(prices, time.Now())
	return t
}

func (t *Table) Set(prices map[string]decimal.Decimal, at time.Time) {
	next := make(map[string]decimal.Decimal, len(prices))
	for asset, price := range prices {
		if price.IsPositive() {
			next[strings.ToUpper(asset)] = price
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices = next
	t.updated = at
}

func (t *Table) Updated() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updated
}

// Rate returns how many units of to one unit of from is worth.
func (t *Table) Rate(from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	fromPrice, ok := t.prices[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", from, ErrRateUnavailable)
	}
	toPrice, ok := t.prices[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", to, ErrRateUnavailable)
	}
	return fromPrice.Div(toPrice), nil
}

func (t *Table) Rates(pair *market.MarketPair) (Rates, bool) {
	quote, err := t.Rate(pair.Taker.Quote, pair.Maker.Quote)
	if err != nil {
		return Rates{}, false
	}
	base, err := t.Rate(pair.Taker.Base, pair.Maker.Base)
	if err != nil {
		return Rates{}, false
	}
	out := Rates{Quote: quote, Base: base, Gas: decimal.Zero}
	if t.gasAsset != "" {
		gas, err := t.Rate(t.gasAsset, pair.Maker.Quote)
		if err != nil {
			return Rates{}, false
		}
		out.Gas = gas
	}
	return out, true
}

// Describe renders the rates of every pair for periodic logging.
func Describe(p Provider, pairs []*market.MarketPair) []string {
	lines := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		r, ok := p.Rates(pair)
		if !ok {
			lines = append(lines, pair.Key()+": unavailable")
			continue
		}
		line := fmt.Sprintf("%s: %s->%s %s, %s->%s %s",
			pair.Key(), pair.Taker.Quote, pair.Maker.Quote, r.Quote, pair.Taker.Base, pair.Maker.Base, r.Base)
		if r.Gas.IsPositive() {
			line += fmt.Sprintf(", gas %s", r.Gas)
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return lines
}

type pricesResponse struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

// Poller refreshes a Table from an HTTP endpoint returning
// {"prices": {"ETH": "2500", ...}}.
type Poller struct {
	table    *Table
	client   *rest.Client
	path     string
	interval time.Duration
	log      *zap.Logger
}

func NewPoller(table *Table, client *rest.Client, path string, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{table: table, client: client, path: path, interval: interval, log: log}
}

func (p *Poller) Refresh(ctx context.Context) error {
	var resp pricesResponse
	if err := p.client.GetJSON(ctx, p.path, &resp); err != nil {
		return fmt.Errorf("fetch conversion prices: %w", err)
	}
	if len(resp.Prices) == 0 {
		return errors.New("conversion price response is empty")
	}
	p.table.Set(resp.Prices, time.Now())
	return nil
}

func (p *Poller) Run(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		p.log.Warn("conversion rate refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.log.Warn("conversion rate refresh failed", zap.Error(err))
			}
		}
	}
}
