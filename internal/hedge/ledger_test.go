package hedge

import (
	"errors"
	"testing"
	"time"

	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
)

const pairKey = "maker:ETH-USDT|taker:ETH-USDT"

func fill(maker, trade string, side venue.Side, amount string) Fill {
	return Fill{
		PairKey:      pairKey,
		MakerOrderID: maker,
		TradeID:      trade,
		Side:         side,
		Price:        decimal.RequireFromString("1"),
		Amount:       decimal.RequireFromString(amount),
	}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestRecordFillIgnoresDuplicateTrade(t *testing.T) {
	l := NewLedger()
	if !l.RecordFill(fill("m1", "t1", venue.Buy, "1")) {
		t.Fatalf("expected first fill recorded")
	}
	if l.RecordFill(fill("m1", "t1", venue.Buy, "1")) {
		t.Fatalf("expected duplicate trade ignored")
	}
	if got := len(l.Unhedged(pairKey, venue.Buy)); got != 1 {
		t.Fatalf("expected 1 unhedged fill, got %d", got)
	}
}

func TestBindIsUniquePerTrade(t *testing.T) {
	l := NewLedger()
	l.RecordFill(fill("m1", "t1", venue.Buy, "1"))
	l.RecordFill(fill("m1", "t2", venue.Buy, "2"))
	l.RecordFill(fill("m2", "t3", venue.Sell, "1"))

	batch := l.Unhedged(pairKey, venue.Buy)
	if err := l.Bind("h1", pairKey, venue.Buy, batch, dec("3"), time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := l.Bind("h2", pairKey, venue.Buy, batch, dec("3"), time.Now()); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	if got := len(l.Unhedged(pairKey, venue.Buy)); got != 0 {
		t.Fatalf("expected bound fills excluded, got %d", got)
	}
	if got := len(l.Unhedged(pairKey, venue.Sell)); got != 1 {
		t.Fatalf("expected sell fill untouched, got %d", got)
	}
	if id, ok := l.TakerFor("m1", "t2"); !ok || id != "h1" {
		t.Fatalf("expected t2 bound to h1, got %q", id)
	}
	if !l.HasOutstanding(pairKey) || l.Outstanding("m1") != 1 {
		t.Fatalf("expected outstanding hedge for m1")
	}
	if err := l.Bind("h3", pairKey, venue.Buy, nil, decimal.Zero, time.Now()); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestCompleteRemovesOnlyTheBatch(t *testing.T) {
	l := NewLedger()
	l.RecordFill(fill("m1", "t1", venue.Buy, "1"))
	if err := l.Bind("h1", pairKey, venue.Buy, l.Unhedged(pairKey, venue.Buy), dec("1"), time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	l.RecordFill(fill("m1", "t2", venue.Buy, "2"))

	b, ok := l.Complete("h1", dec("1"))
	if !ok || len(b.TradeIDs) != 1 || b.TradeIDs[0] != "t1" {
		t.Fatalf("expected h1 with t1, got %+v", b)
	}
	left := l.Unhedged(pairKey, venue.Buy)
	if len(left) != 1 || left[0].TradeID != "t2" {
		t.Fatalf("expected t2 still pending, got %+v", left)
	}
	if l.HasOutstanding(pairKey) {
		t.Fatalf("expected no outstanding hedge")
	}
	if _, ok := l.Complete("h1", dec("1")); ok {
		t.Fatalf("expected second completion to be a no-op")
	}
}

func TestCompleteReturnsUncoveredRemainder(t *testing.T) {
	l := NewLedger()
	l.RecordFill(fill("m1", "t1", venue.Buy, "2"))
	if err := l.Bind("h1", pairKey, venue.Buy, l.Unhedged(pairKey, venue.Buy), dec("0.995"), time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	l.RecordTakerFill("h1", dec("0.995"))

	if _, ok := l.Complete("h1", dec("0.995")); !ok {
		t.Fatalf("expected completion")
	}
	left := l.Unhedged(pairKey, venue.Buy)
	if len(left) != 1 || left[0].TradeID != "t1" || !left[0].Amount.Equal(dec("1.005")) {
		t.Fatalf("expected t1 with 1.005 unhedged, got %+v", left)
	}
	if l.HasOutstanding(pairKey) {
		t.Fatalf("expected no outstanding hedge")
	}
	if l.Forget("m1") {
		t.Fatalf("expected m1 kept while its remainder is pending")
	}
}

func TestBindScopesTradeIDsPerMakerOrder(t *testing.T) {
	l := NewLedger()
	l.RecordFill(fill("m1", "t1", venue.Buy, "1"))
	if err := l.Bind("h1", pairKey, venue.Buy, l.Unhedged(pairKey, venue.Buy), dec("1"), time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !l.RecordFill(fill("m2", "t1", venue.Buy, "2")) {
		t.Fatalf("expected same trade id on another order recorded")
	}
	left := l.Unhedged(pairKey, venue.Buy)
	if len(left) != 1 || left[0].MakerOrderID != "m2" {
		t.Fatalf("expected m2 fill unhedged, got %+v", left)
	}
	if err := l.Bind("h2", pairKey, venue.Buy, left, dec("2"), time.Now()); err != nil {
		t.Fatalf("expected m2 fill bindable, got %v", err)
	}
	if id, _ := l.TakerFor("m1", "t1"); id != "h1" {
		t.Fatalf("expected m1/t1 bound to h1, got %q", id)
	}
	if id, _ := l.TakerFor("m2", "t1"); id != "h2" {
		t.Fatalf("expected m2/t1 bound to h2, got %q", id)
	}

	l.Complete("h1", dec("1"))
	if id, ok := l.TakerFor("m2", "t1"); !ok || id != "h2" {
		t.Fatalf("expected m2/t1 still bound after h1 completed, got %q", id)
	}
	if got := l.PendingFills(pairKey); got != 1 {
		t.Fatalf("expected only the m2 fill left, got %d", got)
	}
}

func TestReleaseReturnsFillsAndConsumesPartialHedge(t *testing.T) {
	l := NewLedger()
	l.RecordFill(fill("m1", "t1", venue.Sell, "1"))
	l.RecordFill(fill("m1", "t2", venue.Sell, "2"))
	if err := l.Bind("h1", pairKey, venue.Sell, l.Unhedged(pairKey, venue.Sell), dec("3"), time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	l.RecordTakerFill("h1", decimal.RequireFromString("1.5"))
	b, ok := l.Binding("h1")
	if !ok || !b.Filled.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected taker filled 1.5, got %+v", b)
	}

	if _, ok := l.Release("h1", decimal.RequireFromString("1.5")); !ok {
		t.Fatalf("expected release")
	}
	left := l.Unhedged(pairKey, venue.Sell)
	if len(left) != 1 || left[0].TradeID != "t2" || !left[0].Amount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected t2 with 1.5 remaining, got %+v", left)
	}
	if _, bound := l.TakerFor("m1", "t2"); bound {
		t.Fatalf("expected t2 released")
	}
	if err := l.Bind("h2", pairKey, venue.Sell, left, dec("1.5"), time.Now()); err != nil {
		t.Fatalf("expected rebind after release, got %v", err)
	}
}

func TestForgetRequiresNoPendingFills(t *testing.T) {
	l := NewLedger()
	l.RecordFill(fill("m1", "t1", venue.Buy, "1"))
	if l.Forget("m1") {
		t.Fatalf("expected forget refused while fills pending")
	}
	if err := l.Bind("h1", pairKey, venue.Buy, l.Unhedged(pairKey, venue.Buy), dec("1"), time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	l.Complete("h1", dec("1"))
	if !l.Forget("m1") || l.Known("m1") {
		t.Fatalf("expected m1 forgotten")
	}
}

func TestRestoreLoadsFillsUnbound(t *testing.T) {
	l := NewLedger()
	l.RecordFill(fill("m1", "t1", venue.Buy, "1"))
	if err := l.Bind("h1", pairKey, venue.Buy, l.Unhedged(pairKey, venue.Buy), dec("1"), time.Now()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	saved := l.Fills()

	restored := NewLedger()
	restored.Restore(saved)
	if got := len(restored.Unhedged(pairKey, venue.Buy)); got != 1 {
		t.Fatalf("expected restored fill unhedged, got %d", got)
	}
	if pairs := restored.UnhedgedPairs(); len(pairs) != 1 || pairs[0] != pairKey {
		t.Fatalf("expected %s pending, got %v", pairKey, pairs)
	}
}
