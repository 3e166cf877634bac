package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"xemm-bot/internal/hedge"
	"xemm-bot/internal/market"
	"xemm-bot/internal/metrics"
	"xemm-bot/internal/rates"
	"xemm-bot/internal/state"
	"xemm-bot/internal/timescale"
	"xemm-bot/internal/tracker"
	"xemm-bot/internal/venue"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	cancelReissueInterval = 60 * time.Second
	ratesLogInterval      = 5 * time.Minute
)

type Deps struct {
	Pairs     []*market.MarketPair
	Rates     rates.Provider
	Executor  Executor
	Store     state.Store
	Notifier  Notifier
	Telemetry Telemetry

	// Fees prices taker transactions on the venues named in GasPriced.
	Fees      FeeEstimator
	GasPriced []string
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Clock     func() time.Time
}

// Strategy quotes on maker venues and hedges maker fills on taker venues.
// Shared state is guarded by mu and no venue call is made while it is held.
type Strategy struct {
	params     Params
	pairs      []*market.MarketPair
	pairsByKey map[string]*market.MarketPair
	gasVenues  map[string]bool

	rates     rates.Provider
	exec      Executor
	store     state.Store
	notifier  Notifier
	telemetry Telemetry
	fees      FeeEstimator
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	sampler    *market.Sampler
	readiness  *StateMachine
	hedgeRetry *rate.Limiter

	mu             sync.Mutex
	orders         map[string]*ActiveOrder
	ledger         *hedge.Ledger
	tracker        *tracker.Tracker
	hedging        map[hedgeKey]bool
	antiHysteresis map[string]time.Time
	takerQuotes    map[string]TakerQuote
	paused         bool
	dirty          bool
	lastNotReady   time.Time
	lastRatesLog   time.Time
	lastStatus     time.Time

	mainSlot    slot
	quoteSlot   slot
	cleanupSlot slot
	tasks       taskSet
}

func New(params Params, deps Deps) (*Strategy, error) {
	if len(deps.Pairs) == 0 {
		return nil, errors.New("at least one market pair is required")
	}
	if deps.Rates == nil {
		return nil, errors.New("rates provider is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if !params.OrderAmount.IsPositive() && !params.PortfolioRatio.IsPositive() {
		return nil, errors.New("order amount or portfolio ratio is required")
	}
	if !params.TakerBalanceFactor.IsPositive() {
		params.TakerBalanceFactor = decimal.RequireFromString("0.995")
	}
	if params.HedgeRetryInterval <= 0 {
		params.HedgeRetryInterval = 5 * time.Second
	}
	if params.StatusReportInterval <= 0 {
		params.StatusReportInterval = 900 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Strategy{
		params:         params,
		pairs:          deps.Pairs,
		pairsByKey:     make(map[string]*market.MarketPair, len(deps.Pairs)),
		gasVenues:      make(map[string]bool),
		rates:          deps.Rates,
		exec:           deps.Executor,
		store:          deps.Store,
		notifier:       deps.Notifier,
		telemetry:      deps.Telemetry,
		fees:           deps.Fees,
		metrics:        m,
		log:            log,
		now:            clock,
		sampler:        market.NewSampler(params.TopDepthTolerance, log),
		readiness:      NewStateMachine(),
		hedgeRetry:     rate.NewLimiter(rate.Every(params.HedgeRetryInterval), 1),
		orders:         make(map[string]*ActiveOrder),
		ledger:         hedge.NewLedger(),
		tracker:        tracker.New(tracker.DefaultExpiry),
		hedging:        make(map[hedgeKey]bool),
		antiHysteresis: make(map[string]time.Time),
		takerQuotes:    make(map[string]TakerQuote),
	}
	for _, pair := range deps.Pairs {
		if pair == nil || pair.Maker.Venue == nil || pair.Taker.Venue == nil {
			return nil, errors.New("market pair needs a maker and a taker venue")
		}
		s.pairsByKey[pair.Key()] = pair
	}
	if deps.Fees != nil {
		for _, name := range deps.GasPriced {
			s.gasVenues[name] = true
		}
	}
	if s.telemetry == nil {
		s.telemetry = (*timescale.Writer)(nil)
	}
	return s, nil
}

func (s *Strategy) Pairs() []*market.MarketPair {
	return s.pairs
}

func (s *Strategy) gasPriced(pair *market.MarketPair) bool {
	return s.fees != nil && s.gasVenues[pair.Taker.Venue.Name()]
}

// Tick runs one pass of the control loop. Work that talks to venues is
// started in the background; a job still running from an earlier tick is
// not started again.
func (s *Strategy) Tick(ctx context.Context, now time.Time) {
	s.tasks.Prune()
	s.mu.Lock()
	s.tracker.Tick(now)
	stale := s.staleCancelsLocked(now)
	s.mu.Unlock()
	for _, o := range stale {
		s.sendCancel(ctx, o, "cancel unconfirmed, retrying")
	}

	if !s.checkReadiness(now) {
		s.metrics.TicksSkipped.Inc()
		return
	}
	s.logRates(now)
	s.quoteSlot.start(&s.tasks, "taker-quotes", func() { s.refreshTakerQuotes(ctx, now) })
	s.cleanupSlot.start(&s.tasks, "taker-cleanup", func() { s.cancelOutdatedTakerOrders(ctx) })
	if !s.mainSlot.start(&s.tasks, "main", func() { s.process(ctx, now) }) {
		s.log.Debug("previous tick still running")
	}
	s.sweepHedges(ctx)
}

// Wait blocks until all background work has finished.
func (s *Strategy) Wait() {
	s.tasks.Wait()
}

func (s *Strategy) checkReadiness(now time.Time) bool {
	marketsOK := true
	ratesOK := true
	seen := make(map[venue.Venue]bool)
	for _, pair := range s.pairs {
		for _, v := range pair.Venues() {
			if seen[v] {
				continue
			}
			seen[v] = true
			if !v.Ready() || !v.Connected() {
				marketsOK = false
			}
		}
		if _, ok := s.rates.Rates(pair); !ok {
			ratesOK = false
		}
	}
	prev := s.readiness.Current()
	var current State
	switch {
	case !marketsOK:
		current = s.readiness.Apply(EventMarketsDown)
	case ratesOK:
		s.readiness.Apply(EventMarketsReady)
		current = s.readiness.Apply(EventRatesReady)
	default:
		s.readiness.Apply(EventMarketsReady)
		current = s.readiness.Apply(EventRatesMissing)
	}
	if current != prev {
		switch current {
		case StateReady:
			s.log.Info("markets and conversion rates are ready, trading started")
		case StateWaitingRates:
			s.log.Info("markets are ready, waiting for conversion rates")
		default:
			s.log.Info("waiting for markets")
		}
	}
	if current == StateReady {
		return true
	}
	s.mu.Lock()
	warn := s.lastNotReady.IsZero() || now.Sub(s.lastNotReady) >= s.params.StatusReportInterval
	if warn {
		s.lastNotReady = now
	}
	s.mu.Unlock()
	if warn {
		s.log.Warn("not trading", zap.String("state", string(current)),
			zap.Bool("markets_ready", marketsOK), zap.Bool("rates_ready", ratesOK))
	}
	return false
}

func (s *Strategy) State() State {
	return s.readiness.Current()
}

func (s *Strategy) process(ctx context.Context, now time.Time) {
	for _, pair := range s.pairs {
		s.processPair(ctx, pair, now)
	}
	s.reportStatus(now)
	s.persist(ctx)
}

func (s *Strategy) recoverPair(pair *market.MarketPair) {
	if r := recover(); r != nil {
		s.log.Error("market pair processing panicked",
			zap.String("pair", pair.Key()),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}

// processPair validates live quotes of pair and creates the missing sides.
func (s *Strategy) processPair(ctx context.Context, pair *market.MarketPair, now time.Time) {
	defer s.recoverPair(pair)
	key := pair.Key()
	s.sampler.Sample(ctx, pair, now)
	r, ok := s.rates.Rates(pair)
	if !ok {
		return
	}

	s.mu.Lock()
	orders := s.ordersLocked(key)
	timer := s.antiHysteresis[key]
	s.mu.Unlock()

	hasBid, hasAsk, drifted := false, false, false
	for _, o := range orders {
		if o.IsBid() {
			hasBid = true
		} else {
			hasAsk = true
		}
		if !o.CancelRequestedAt.IsZero() {
			continue
		}
		if !s.profitable(ctx, pair, r, o) {
			s.cancelOrder(ctx, o, "no longer profitable")
			continue
		}
		if !s.fundable(ctx, pair, r, o) {
			s.cancelOrder(ctx, o, "insufficient balance")
			continue
		}
		if s.params.Passive || !now.After(timer) {
			continue
		}
		if s.drifted(ctx, pair, r, o) {
			s.cancelOrder(ctx, o, "price drifted")
			drifted = true
		}
	}
	if drifted {
		s.mu.Lock()
		s.antiHysteresis[key] = now.Add(s.params.AntiHysteresis)
		s.mu.Unlock()
	}

	s.mu.Lock()
	blocked := s.ledger.HasOutstanding(key)
	paused := s.paused
	s.mu.Unlock()

	snap := timescale.QuoteSnapshot{Time: now, Pair: key, State: string(StateReady)}
	if !(hasBid && hasAsk) && !blocked && !paused {
		if !hasBid {
			snap.SuggestedBid = s.createOrder(ctx, pair, r, true, now)
		}
		if !hasAsk {
			snap.SuggestedAsk = s.createOrder(ctx, pair, r, false, now)
		}
	}
	s.recordQuote(pair, snap)
}

func (s *Strategy) ordersLocked(pairKey string) []ActiveOrder {
	var out []ActiveOrder
	for _, o := range s.orders {
		if o.PairKey == pairKey {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveOrders returns copies of the live maker orders of a market pair.
func (s *Strategy) ActiveOrders(pairKey string) []ActiveOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ordersLocked(pairKey)
}

// createOrder places a maker quote on one side and returns its price, or zero
// when no order was placed.
func (s *Strategy) createOrder(ctx context.Context, pair *market.MarketPair, r rates.Rates, isBid bool, now time.Time) decimal.Decimal {
	side := venue.Sell
	if isBid {
		side = venue.Buy
	}
	size := s.availabilityBoundedSize(ctx, pair, r, isBid)
	if !size.IsPositive() {
		s.log.Debug("order size is zero, not quoting", zap.String("pair", pair.Key()), zap.String("side", side.String()))
		return decimal.Zero
	}
	price, ok := s.makingPrice(ctx, pair, r, isBid, size)
	if !ok {
		s.log.Warn("taker book too thin to price a quote",
			zap.String("pair", pair.Key()),
			zap.String("side", side.String()),
			zap.String("size", size.String()),
		)
		return decimal.Zero
	}
	req := venue.OrderRequest{
		ClientOrderID: "maker-" + uuid.NewString(),
		Pair:          pair.Maker.Pair,
		Side:          side,
		Price:         price,
		Amount:        size,
	}
	if s.params.Passive {
		req.Expiration = s.params.OrderExpiration
	}
	key := pair.Key()
	s.mu.Lock()
	s.orders[req.ClientOrderID] = &ActiveOrder{
		ID:        req.ClientOrderID,
		PairKey:   key,
		Side:      side,
		Price:     price,
		Amount:    size,
		CreatedAt: now,
	}
	s.mu.Unlock()

	if _, err := s.exec.PlaceOrder(ctx, pair.Maker.Venue, req); err != nil {
		s.mu.Lock()
		delete(s.orders, req.ClientOrderID)
		s.mu.Unlock()
		s.metrics.OrdersFailed.Inc()
		s.log.Warn("maker order rejected",
			zap.String("pair", key),
			zap.String("side", side.String()),
			zap.String("price", price.String()),
			zap.String("amount", size.String()),
			zap.Error(err),
		)
		return decimal.Zero
	}
	s.mu.Lock()
	s.tracker.StartTracking(req.ClientOrderID, pair.Maker.Venue.Name(), pair)
	if _, live := s.orders[req.ClientOrderID]; !live {
		s.tracker.StopTracking(req.ClientOrderID, s.now())
	}
	s.mu.Unlock()
	s.metrics.OrdersPlaced.Inc()
	s.log.Info("maker order placed",
		zap.String("pair", key),
		zap.String("order_id", req.ClientOrderID),
		zap.String("side", side.String()),
		zap.String("price", price.String()),
		zap.String("amount", size.String()),
	)
	return price
}

// cancelOrder marks o cancel-pending and sends the cancel in the background.
func (s *Strategy) cancelOrder(ctx context.Context, o ActiveOrder, reason string) {
	s.mu.Lock()
	live, ok := s.orders[o.ID]
	if !ok || !live.CancelRequestedAt.IsZero() {
		s.mu.Unlock()
		return
	}
	live.CancelRequestedAt = s.now()
	o = *live
	s.mu.Unlock()
	s.metrics.OrdersCanceled.Inc()
	s.sendCancel(ctx, o, reason)
}

func (s *Strategy) sendCancel(ctx context.Context, o ActiveOrder, reason string) {
	pair, ok := s.pairsByKey[o.PairKey]
	if !ok {
		return
	}
	s.log.Info("canceling maker order",
		zap.String("pair", o.PairKey),
		zap.String("order_id", o.ID),
		zap.String("side", o.Side.String()),
		zap.String("price", o.Price.String()),
		zap.String("reason", reason),
	)
	s.tasks.Go("cancel", func() {
		err := s.exec.CancelOrder(ctx, pair.Maker.Venue, pair.Maker.Pair, o.ID)
		if err == nil {
			return
		}
		if errors.Is(err, venue.ErrUnknownOrder) {
			s.removeOrder(o.ID)
			return
		}
		s.log.Warn("maker cancel failed", zap.String("order_id", o.ID), zap.Error(err))
	})
}

// staleCancelsLocked returns cancel-pending orders whose cancel has gone
// unconfirmed for too long and restarts their clock.
func (s *Strategy) staleCancelsLocked(now time.Time) []ActiveOrder {
	var out []ActiveOrder
	for _, o := range s.orders {
		if o.CancelRequestedAt.IsZero() || now.Sub(o.CancelRequestedAt) < cancelReissueInterval {
			continue
		}
		o.CancelRequestedAt = now
		out = append(out, *o)
	}
	return out
}

func (s *Strategy) removeOrder(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	s.tracker.StopTracking(id, s.now())
	s.forgetMakersLocked([]string{id})
}

// refreshTakerQuotes records taker VWAPs for the current order size.
func (s *Strategy) refreshTakerQuotes(ctx context.Context, now time.Time) {
	for _, pair := range s.pairs {
		r, ok := s.rates.Rates(pair)
		if !ok || !r.Base.IsPositive() {
			continue
		}
		size := s.AdjustedSize(ctx, pair)
		if !size.IsPositive() {
			continue
		}
		takerSize := size.Div(r.Base)
		quote := TakerQuote{Size: takerSize, At: now}
		taker := pair.Taker.Venue
		if p, err := taker.VWAPForVolume(ctx, pair.Taker.Pair, venue.Buy, takerSize); err == nil {
			quote.Buy = p
		}
		if p, err := taker.VWAPForVolume(ctx, pair.Taker.Pair, venue.Sell, takerSize); err == nil {
			quote.Sell = p
		}
		s.mu.Lock()
		s.takerQuotes[pair.Key()] = quote
		s.mu.Unlock()
	}
}

func (s *Strategy) TakerQuote(pairKey string) (TakerQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.takerQuotes[pairKey]
	return q, ok
}

func (s *Strategy) cancelOutdatedTakerOrders(ctx context.Context) {
	if s.params.TakerCancelInterval <= 0 {
		return
	}
	seen := make(map[venue.Venue]bool)
	for _, pair := range s.pairs {
		v := pair.Taker.Venue
		if seen[v] {
			continue
		}
		seen[v] = true
		canceler, ok := v.(venue.OutdatedOrderCanceler)
		if !ok {
			continue
		}
		n, err := canceler.CancelOutdatedOrders(ctx, s.params.TakerCancelInterval)
		if err != nil {
			s.log.Warn("taker outdated order cleanup failed", zap.String("venue", v.Name()), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Info("canceled outdated taker orders", zap.String("venue", v.Name()), zap.Int("count", n))
		}
	}
}

// HandleEvent applies a venue order event. Events are matched to hedge
// bindings first, then to live maker orders and finally to recently tracked
// ids; anything else is ignored.
func (s *Strategy) HandleEvent(ctx context.Context, ev venue.OrderEvent) {
	pair, maker, ok := s.classify(ev)
	if !ok {
		s.log.Debug("ignoring event for unknown order",
			zap.String("order_id", ev.OrderID), zap.String("event", string(ev.Kind)))
		return
	}
	defer s.recoverPair(pair)
	if maker {
		s.handleMakerEvent(ctx, pair, ev)
		return
	}
	switch ev.Kind {
	case venue.EventFilled:
		s.onTakerFilled(ev)
	case venue.EventCompleted:
		s.onTakerCompleted(ctx, pair, ev)
	case venue.EventCanceled, venue.EventFailed, venue.EventExpired:
		s.onTakerTerminated(ctx, pair, ev)
	}
}

func (s *Strategy) classify(ev venue.OrderEvent) (*market.MarketPair, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.ledger.Binding(ev.OrderID); ok {
		pair, found := s.pairsByKey[b.PairKey]
		return pair, false, found
	}
	if o, ok := s.orders[ev.OrderID]; ok {
		pair, found := s.pairsByKey[o.PairKey]
		return pair, true, found
	}
	name, pair, ok := s.tracker.Resolve(ev.OrderID)
	if !ok || pair == nil {
		return nil, false, false
	}
	maker := name == pair.Maker.Venue.Name() && (ev.Pair == "" || ev.Pair == pair.Maker.Pair)
	return pair, maker, true
}

func (s *Strategy) handleMakerEvent(ctx context.Context, pair *market.MarketPair, ev venue.OrderEvent) {
	switch ev.Kind {
	case venue.EventCreated:
		s.mu.Lock()
		if o, ok := s.orders[ev.OrderID]; ok {
			o.Confirmed = true
		}
		s.mu.Unlock()
	case venue.EventFilled:
		s.onMakerFilled(ctx, pair, ev)
	case venue.EventCompleted:
		s.removeOrder(ev.OrderID)
		s.log.Info("maker order completely filled", zap.String("pair", pair.Key()), zap.String("order_id", ev.OrderID))
	case venue.EventCanceled, venue.EventFailed, venue.EventExpired:
		s.removeOrder(ev.OrderID)
		s.log.Info("maker order ended",
			zap.String("pair", pair.Key()),
			zap.String("order_id", ev.OrderID),
			zap.String("event", string(ev.Kind)),
			zap.String("reason", ev.Reason),
		)
	}
}

// onMakerFilled records a maker fill once per trade id and hedges it.
func (s *Strategy) onMakerFilled(ctx context.Context, pair *market.MarketPair, ev venue.OrderEvent) {
	tradeID := ev.TradeID
	if tradeID == "" {
		tradeID = ev.OrderID + ":" + uuid.NewString()
	}
	s.mu.Lock()
	side := ev.Side
	if o, ok := s.orders[ev.OrderID]; ok {
		side = o.Side
	}
	recorded := s.ledger.RecordFill(hedge.Fill{
		PairKey:      pair.Key(),
		MakerOrderID: ev.OrderID,
		TradeID:      tradeID,
		Side:         side,
		Price:        ev.Price,
		Amount:       ev.Amount,
		Time:         ev.Time,
	})
	if recorded {
		if o, ok := s.orders[ev.OrderID]; ok {
			o.Filled = o.Filled.Add(ev.Amount)
		}
		s.dirty = true
	}
	s.mu.Unlock()
	if !recorded {
		s.log.Debug("duplicate maker fill ignored", zap.String("order_id", ev.OrderID), zap.String("trade_id", tradeID))
		return
	}
	s.metrics.MakerFills.Inc()
	s.log.Info("maker order filled",
		zap.String("pair", pair.Key()),
		zap.String("order_id", ev.OrderID),
		zap.String("side", side.String()),
		zap.String("price", ev.Price.String()),
		zap.String("amount", ev.Amount.String()),
	)
	s.notify(ctx, fmt.Sprintf("maker %s %s %s @ %s on %s", side, ev.Amount, pair.Maker.Pair, ev.Price, pair.Maker.Venue.Name()))
	s.telemetry.EnqueueHedge(timescale.HedgeEvent{
		Time:    ev.Time,
		Pair:    pair.Key(),
		Kind:    "maker_fill",
		OrderID: ev.OrderID,
		Side:    side.String(),
		Price:   ev.Price,
		Amount:  ev.Amount,
	})
	s.startHedge(ctx, pair)
}

func (s *Strategy) notify(ctx context.Context, msg string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, msg)
}

func (s *Strategy) recordQuote(pair *market.MarketPair, snap timescale.QuoteSnapshot) {
	s.mu.Lock()
	for _, o := range s.ordersLocked(pair.Key()) {
		if o.IsBid() {
			snap.ActiveBid = o.Price
		} else {
			snap.ActiveAsk = o.Price
		}
	}
	if q, ok := s.takerQuotes[pair.Key()]; ok {
		snap.HedgeBid = q.Sell
		snap.HedgeAsk = q.Buy
		snap.OrderSize = q.Size
	}
	snap.Unhedged = len(s.ledger.Unhedged(pair.Key(), venue.Buy)) + len(s.ledger.Unhedged(pair.Key(), venue.Sell))
	s.mu.Unlock()
	s.telemetry.EnqueueQuote(snap)
}

// Paused reports whether new quotes are suppressed. Hedging and validation
// continue while paused.
func (s *Strategy) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused changes the pause flag and reports whether it changed.
func (s *Strategy) SetPaused(paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == paused {
		return false
	}
	s.paused = paused
	return true
}

func (s *Strategy) logRates(now time.Time) {
	s.mu.Lock()
	due := s.lastRatesLog.IsZero() || now.Sub(s.lastRatesLog) >= ratesLogInterval
	if due {
		s.lastRatesLog = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	for _, line := range rates.Describe(s.rates, s.pairs) {
		s.log.Info("conversion rates", zap.String("rates", line))
	}
}

func (s *Strategy) reportStatus(now time.Time) {
	s.mu.Lock()
	due := s.lastStatus.IsZero() || now.Sub(s.lastStatus) >= s.params.StatusReportInterval
	if due {
		s.lastStatus = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	for _, line := range s.Status() {
		s.log.Info("status", zap.String("report", line))
	}
}

// Status renders one line per market pair with its quotes, taker prices and
// hedge backlog.
func (s *Strategy) Status() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, 0, len(s.pairs)+1)
	header := fmt.Sprintf("state=%s paused=%t", s.readiness.Current(), s.paused)
	lines = append(lines, header)
	for _, pair := range s.pairs {
		key := pair.Key()
		var b strings.Builder
		b.WriteString(key)
		for _, o := range s.ordersLocked(key) {
			fmt.Fprintf(&b, " %s %s@%s", o.Side, o.Remaining(), o.Price)
			if !o.CancelRequestedAt.IsZero() {
				b.WriteString("(canceling)")
			}
		}
		if q, ok := s.takerQuotes[key]; ok {
			fmt.Fprintf(&b, " taker buy=%s sell=%s", q.Buy, q.Sell)
		}
		fmt.Fprintf(&b, " pending_fills=%d", s.ledger.PendingFills(key))
		if s.ledger.HasOutstanding(key) {
			b.WriteString(" hedging")
		}
		lines = append(lines, b.String())
	}
	return lines
}

// persist writes the pending fills when they changed since the last save.
func (s *Strategy) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	fills := s.ledger.Fills()
	s.mu.Unlock()

	snap := state.HedgeSnapshot{UpdatedAtMS: s.now().UnixMilli()}
	for _, f := range fills {
		snap.Fills = append(snap.Fills, state.PendingFill{
			PairKey:      f.PairKey,
			MakerOrderID: f.MakerOrderID,
			TradeID:      f.TradeID,
			Side:         f.Side.String(),
			Price:        f.Price.String(),
			Amount:       f.Amount.String(),
			TimeMS:       f.Time.UnixMilli(),
		})
	}
	if err := state.SaveHedgeSnapshot(ctx, s.store, snap); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.log.Warn("hedge snapshot save failed", zap.Error(err))
	}
}

// Restore loads pending fills saved by an earlier run. Hedges that were in
// flight are not restored, so their fills are hedged again.
func (s *Strategy) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snap, ok, err := state.LoadHedgeSnapshot(ctx, s.store)
	if err != nil || !ok {
		return err
	}
	fills := make([]hedge.Fill, 0, len(snap.Fills))
	for _, f := range snap.Fills {
		if _, known := s.pairsByKey[f.PairKey]; !known {
			s.log.Warn("dropping saved fill for unconfigured market pair", zap.String("pair", f.PairKey), zap.String("trade_id", f.TradeID))
			continue
		}
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			return fmt.Errorf("saved fill %s: price: %w", f.TradeID, err)
		}
		amount, err := decimal.NewFromString(f.Amount)
		if err != nil {
			return fmt.Errorf("saved fill %s: amount: %w", f.TradeID, err)
		}
		side := venue.Sell
		if f.Side == venue.Buy.String() {
			side = venue.Buy
		}
		fills = append(fills, hedge.Fill{
			PairKey:      f.PairKey,
			MakerOrderID: f.MakerOrderID,
			TradeID:      f.TradeID,
			Side:         side,
			Price:        price,
			Amount:       amount,
			Time:         time.UnixMilli(f.TimeMS),
		})
	}
	s.mu.Lock()
	s.ledger.Restore(fills)
	s.mu.Unlock()
	if len(fills) > 0 {
		s.log.Info("restored unhedged maker fills", zap.Int("fills", len(fills)))
	}
	return nil
}

// Shutdown cancels every live maker order and waits for background work.
func (s *Strategy) Shutdown(ctx context.Context) {
	s.mu.Lock()
	var live []ActiveOrder
	for _, o := range s.orders {
		live = append(live, *o)
	}
	s.mu.Unlock()
	for _, o := range live {
		s.sendCancel(ctx, o, "shutdown")
	}
	s.Wait()
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	s.persist(ctx)
}
