package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"xemm-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// QuoteSnapshot is the state of one market pair at the end of a tick.
// Zero prices are written as NULL.
type QuoteSnapshot struct {
	Time         time.Time
	Pair         string
	State        string
	SuggestedBid decimal.Decimal
	SuggestedAsk decimal.Decimal
	ActiveBid    decimal.Decimal
	ActiveAsk    decimal.Decimal
	HedgeBid     decimal.Decimal
	HedgeAsk     decimal.Decimal
	OrderSize    decimal.Decimal
	Unhedged     int
}

// HedgeEvent records a maker fill or a taker hedge submission.
type HedgeEvent struct {
	Time    time.Time
	Pair    string
	Kind    string
	OrderID string
	Side    string
	Price   decimal.Decimal
	Amount  decimal.Decimal
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	quotes    chan QuoteSnapshot
	hedges    chan HedgeEvent
	started   atomic.Bool
	dropQuote atomic.Uint64
	dropHedge atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		quotes: make(chan QuoteSnapshot, queueSize),
		hedges: make(chan HedgeEvent, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueQuote(snapshot QuoteSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.quotes <- snapshot:
		return
	default:
		if w.dropQuote.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale quote queue full")
		}
	}
}

func (w *Writer) EnqueueHedge(event HedgeEvent) {
	if w == nil {
		return
	}
	select {
	case w.hedges <- event:
		return
	default:
		if w.dropHedge.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale hedge queue full")
		}
	}
}

// Dropped returns how many quote snapshots and hedge events were discarded
// because their queue was full.
func (w *Writer) Dropped() (quotes, hedges uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropQuote.Load(), w.dropHedge.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.quotes:
			w.writeQuote(ctx, snap)
		case event := <-w.hedges:
			w.writeHedge(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		state TEXT NOT NULL,
		suggested_bid NUMERIC,
		suggested_ask NUMERIC,
		active_bid NUMERIC,
		active_ask NUMERIC,
		hedge_bid NUMERIC,
		hedge_ask NUMERIC,
		order_size NUMERIC,
		unhedged_fills INTEGER NOT NULL
	)`, w.table("quote_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		pair TEXT NOT NULL,
		kind TEXT NOT NULL,
		order_id TEXT NOT NULL,
		side TEXT NOT NULL,
		price NUMERIC,
		amount NUMERIC
	)`, w.table("hedge_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"quote_snapshots", "hedge_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeQuote(ctx context.Context, snap QuoteSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair, state, suggested_bid, suggested_ask, active_bid, active_ask,
		hedge_bid, hedge_ask, order_size, unhedged_fills
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	)`, w.table("quote_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Pair,
		snap.State,
		numeric(snap.SuggestedBid),
		numeric(snap.SuggestedAsk),
		numeric(snap.ActiveBid),
		numeric(snap.ActiveAsk),
		numeric(snap.HedgeBid),
		numeric(snap.HedgeAsk),
		numeric(snap.OrderSize),
		snap.Unhedged,
	); err != nil && w.log != nil {
		w.log.Warn("timescale quote insert failed", zap.Error(err))
	}
}

func (w *Writer) writeHedge(ctx context.Context, event HedgeEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, pair, kind, order_id, side, price, amount
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7
	)`, w.table("hedge_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.Pair,
		event.Kind,
		event.OrderID,
		event.Side,
		numeric(event.Price),
		numeric(event.Amount),
	); err != nil && w.log != nil {
		w.log.Warn("timescale hedge insert failed", zap.Error(err))
	}
}

func numeric(v decimal.Decimal) sql.NullString {
	if v.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
