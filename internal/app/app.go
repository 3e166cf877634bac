package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"xemm-bot/internal/alerts"
	"xemm-bot/internal/config"
	"xemm-bot/internal/exec"
	"xemm-bot/internal/gas"
	"xemm-bot/internal/httpx/rest"
	"xemm-bot/internal/httpx/ws"
	"xemm-bot/internal/market"
	"xemm-bot/internal/metrics"
	"xemm-bot/internal/rates"
	"xemm-bot/internal/state"
	"xemm-bot/internal/state/sqlite"
	"xemm-bot/internal/strategy"
	"xemm-bot/internal/timescale"
	"xemm-bot/internal/venue/paper"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	shutdownTimeout     = 10 * time.Second
	paperExpiryInterval = time.Second
	clientIDRetention   = 7 * 24 * time.Hour
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	venues    map[string]*paper.Venue
	feeds     []*paper.BookFeed
	rates     *rates.Table
	poller    *rates.Poller
	gas       *gas.Estimator
	executor  *exec.Executor
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	strategy  *strategy.Strategy

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, log, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, log *zap.Logger, store state.Store) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    log,
		store:  store,
		venues: make(map[string]*paper.Venue, len(cfg.Venues)),
		alerts: alerts.NewTelegram(cfg.Telegram, log),
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}

	var gasPriced []string
	names := make([]string, 0, len(cfg.Venues))
	for name := range cfg.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vc := cfg.Venues[name]
		v, err := newPaperVenue(name, vc, log)
		if err != nil {
			return nil, err
		}
		a.venues[name] = v
		if vc.GasPriced {
			gasPriced = append(gasPriced, name)
		}
	}

	pairs, err := a.marketPairs()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		vc := cfg.Venues[name]
		if vc.FeedURL == "" {
			continue
		}
		client := ws.New(ws.Config{
			URL:            vc.FeedURL,
			ReconnectDelay: vc.ReconnectDelay,
			PingInterval:   vc.PingInterval,
			PingMessage:    map[string]string{"method": "ping"},
		}, log.With(zap.String("venue", name)))
		a.feeds = append(a.feeds, paper.NewBookFeed(a.venues[name], client, venuePairs(name, pairs), log))
	}

	gasAsset := ""
	if len(gasPriced) > 0 {
		gasAsset = cfg.Gas.Asset
	}
	a.rates = rates.NewTable(floatPrices(cfg.Rates.Prices), gasAsset)
	if cfg.Rates.Mode == config.RatesModeHTTP {
		client := rest.New(cfg.Rates.URL, cfg.Rates.Timeout, log)
		a.poller = rates.NewPoller(a.rates, client, cfg.Rates.Path, cfg.Rates.RefreshInterval, log)
	}

	var fees strategy.FeeEstimator
	if len(gasPriced) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		estimator, err := gas.Dial(ctx, cfg.Gas.RPCURL, gas.Config{
			GasLimit:        cfg.Gas.GasLimit,
			MaxGasPriceGwei: cfg.Gas.MaxGasPriceGwei,
			CacheTTL:        cfg.Gas.CacheTTL,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		a.gas = estimator
		fees = estimator
	}

	writer, err := openTimescale(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}
	a.timescale = writer
	a.executor = exec.New(store, log)

	params := strategyParams(cfg.Strategy)
	strat, err := strategy.New(params, strategy.Deps{
		Pairs:     pairs,
		Rates:     a.rates,
		Executor:  a.executor,
		Store:     store,
		Notifier:  a.alerts,
		Telemetry: telemetryFor(writer),
		Fees:      fees,
		GasPriced: gasPriced,
		Metrics:   a.metrics,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}
	a.strategy = strat
	return a, nil
}

func newPaperVenue(name string, vc config.VenueConfig, log *zap.Logger) (*paper.Venue, error) {
	pc := paper.Config{
		Name:            name,
		PriceDigits:     vc.PriceDigits,
		PriceStep:       decimal.NewFromFloat(vc.PriceStep),
		Balances:        floatPrices(vc.Balances),
		MatchMarketable: vc.MatchMarketable,
	}
	if vc.SizeDecimals > 0 {
		pc.SizeStep = decimal.New(1, -vc.SizeDecimals)
	}
	v := paper.New(pc, log)
	pairs := make([]string, 0, len(vc.Books))
	for pair := range vc.Books {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	for _, pair := range pairs {
		book := vc.Books[pair]
		bids, err := paper.ParseLevels(book.Bids)
		if err != nil {
			return nil, fmt.Errorf("venues.%s.books.%s.bids: %w", name, pair, err)
		}
		asks, err := paper.ParseLevels(book.Asks)
		if err != nil {
			return nil, fmt.Errorf("venues.%s.books.%s.asks: %w", name, pair, err)
		}
		v.SetBook(pair, bids, asks)
	}
	if vc.FeedURL != "" {
		v.SetConnected(false)
	}
	return v, nil
}

func (a *App) marketPairs() ([]*market.MarketPair, error) {
	pairs := make([]*market.MarketPair, 0, len(a.cfg.Strategy.MarketPairs))
	for i, pc := range a.cfg.Strategy.MarketPairs {
		maker, ok := a.venues[pc.MakerVenue]
		if !ok {
			return nil, fmt.Errorf("market pair %d: unknown maker venue %q", i, pc.MakerVenue)
		}
		taker, ok := a.venues[pc.TakerVenue]
		if !ok {
			return nil, fmt.Errorf("market pair %d: unknown taker venue %q", i, pc.TakerVenue)
		}
		makerInfo, err := market.NewMarketInfo(maker, pc.MakerPair)
		if err != nil {
			return nil, fmt.Errorf("market pair %d: %w", i, err)
		}
		takerInfo, err := market.NewMarketInfo(taker, pc.TakerPair)
		if err != nil {
			return nil, fmt.Errorf("market pair %d: %w", i, err)
		}
		pairs = append(pairs, market.NewMarketPair(makerInfo, takerInfo))
	}
	return pairs, nil
}

func venuePairs(name string, pairs []*market.MarketPair) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range pairs {
		for _, info := range []market.MarketInfo{p.Maker, p.Taker} {
			if info.Venue.Name() != name || seen[info.Pair] {
				continue
			}
			seen[info.Pair] = true
			out = append(out, info.Pair)
		}
	}
	return out
}

func floatPrices(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = decimal.NewFromFloat(v)
	}
	return out
}

func strategyParams(s config.StrategyConfig) strategy.Params {
	return strategy.Params{
		OrderAmount:          decimal.NewFromFloat(s.OrderAmount),
		PortfolioRatio:       decimal.NewFromFloat(s.OrderSizePortfolioRatioLimit),
		MinProfitability:     decimal.NewFromFloat(s.MinProfitability),
		SlippageBuffer:       decimal.NewFromFloat(s.SlippageBuffer),
		TakerBalanceFactor:   decimal.NewFromFloat(s.OrderSizeTakerBalanceFactor),
		TopDepthTolerance:    decimal.NewFromFloat(s.TopDepthTolerance),
		CancelOrderThreshold: decimal.NewFromFloat(s.CancelOrderThreshold),
		AdjustOrders:         s.AdjustOrderEnabledValue(),
		Passive:              s.OrderRefreshMode == config.RefreshModePassive,
		AntiHysteresis:       s.AntiHysteresisDuration,
		OrderExpiration:      s.LimitOrderMinExpiration,
		StatusReportInterval: s.StatusReportInterval,
		HedgeRetryInterval:   s.HedgeRetryInterval,
		TakerCancelInterval:  s.TakerCancelInterval,
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.strategy.Restore(ctx); err != nil {
		a.log.Warn("hedge snapshot restore failed", zap.Error(err))
	}
	if _, err := a.executor.Prune(ctx, clientIDRetention); err != nil {
		a.log.Warn("client order id prune failed", zap.Error(err))
	}
	a.startMetrics(ctx)
	a.timescale.Start(ctx)
	if a.poller != nil {
		if err := a.poller.Refresh(ctx); err != nil {
			a.log.Warn("initial rates refresh failed", zap.Error(err))
		}
		go a.poller.Run(ctx)
	}

	var pumps sync.WaitGroup
	for _, v := range a.venues {
		v := v
		go v.Run(ctx, paperExpiryInterval)
		pumps.Add(1)
		go func() {
			defer pumps.Done()
			a.pumpEvents(ctx, v)
		}()
	}
	for _, feed := range a.feeds {
		feed := feed
		go func() {
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("book feed stopped", zap.Error(err))
			}
		}()
	}
	a.startOperator(ctx)
	a.alerts.Notify(ctx, fmt.Sprintf("xemm bot started with %d market pairs", len(a.strategy.Pairs())))
	a.log.Info("control loop started",
		zap.Int("market_pairs", len(a.strategy.Pairs())),
		zap.Duration("tick_interval", a.cfg.Strategy.TickInterval),
	)

	ticker := time.NewTicker(a.cfg.Strategy.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pumps.Wait()
			a.shutdown()
			return ctx.Err()
		case now := <-ticker.C:
			a.strategy.Tick(ctx, now)
		}
	}
}

func (a *App) pumpEvents(ctx context.Context, v *paper.Venue) {
	events := v.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			a.strategy.HandleEvent(ctx, ev)
		}
	}
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.strategy.Shutdown(ctx)
	a.log.Info("control loop stopped")
}

func (a *App) startMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
}

func (a *App) close() {
	if a.gas != nil {
		a.gas.Close()
	}
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("state store close failed", zap.Error(err))
		}
	}
}
