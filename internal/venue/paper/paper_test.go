package paper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestVenue() *Venue {
	v := New(Config{
		Name:      "paper",
		PriceStep: d("0.01"),
		SizeStep:  d("0.001"),
		Balances:  map[string]decimal.Decimal{"ETH": d("5"), "USDT": d("5")},
	}, nil)
	v.SetBook("ETH-USDT",
		[]Level{{Price: d("0.99"), Amount: d("1")}, {Price: d("0.98"), Amount: d("2")}},
		[]Level{{Price: d("1.02"), Amount: d("2")}, {Price: d("1.01"), Amount: d("1")}},
	)
	return v
}

func TestPriceQueriesWalkTheBook(t *testing.T) {
	v := newTestVenue()
	ctx := context.Background()

	ask, err := v.Price(ctx, "ETH-USDT", venue.Buy)
	if err != nil || !ask.Equal(d("1.01")) {
		t.Fatalf("expected best ask 1.01, got %s (%v)", ask, err)
	}
	bid, err := v.Price(ctx, "ETH-USDT", venue.Sell)
	if err != nil || !bid.Equal(d("0.99")) {
		t.Fatalf("expected best bid 0.99, got %s (%v)", bid, err)
	}
	worst, err := v.PriceForVolume(ctx, "ETH-USDT", venue.Buy, d("2"))
	if err != nil || !worst.Equal(d("1.02")) {
		t.Fatalf("expected price for volume 1.02, got %s (%v)", worst, err)
	}
	vwap, err := v.VWAPForVolume(ctx, "ETH-USDT", venue.Sell, d("2"))
	if err != nil || !vwap.Equal(d("0.985")) {
		t.Fatalf("expected vwap 0.985, got %s (%v)", vwap, err)
	}
	if _, err := v.VWAPForVolume(ctx, "ETH-USDT", venue.Sell, d("10")); !errors.Is(err, venue.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	quote, err := v.PriceForQuoteVolume(ctx, "ETH-USDT", venue.Buy, d("2"))
	if err != nil || !quote.Equal(d("1.02")) {
		t.Fatalf("expected price for quote volume 1.02, got %s (%v)", quote, err)
	}
	deepest, err := v.PriceForQuoteVolume(ctx, "ETH-USDT", venue.Buy, d("1000"))
	if err != nil || !deepest.Equal(d("1.02")) {
		t.Fatalf("expected deepest ask 1.02 for oversized quote volume, got %s (%v)", deepest, err)
	}
}

func TestPlaceFillCompleteEmitsEvents(t *testing.T) {
	v := newTestVenue()
	ctx := context.Background()
	req := venue.OrderRequest{ClientOrderID: "o1", Pair: "ETH-USDT", Side: venue.Buy, Price: d("0.95"), Amount: d("2")}
	if err := v.PlaceOrder(ctx, req); err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := v.AvailableBalance("USDT"); !got.Equal(d("3.1")) {
		t.Fatalf("expected 3.1 USDT available, got %s", got)
	}
	if err := v.Fill("o1", d("0.5")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := v.Fill("o1", d("5")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	events := v.Drain()
	kinds := make([]venue.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []venue.EventKind{venue.EventCreated, venue.EventFilled, venue.EventFilled, venue.EventCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if events[1].TradeID == events[2].TradeID {
		t.Fatalf("expected distinct trade ids")
	}
	if !events[2].Amount.Equal(d("1.5")) {
		t.Fatalf("expected fill capped at remaining 1.5, got %s", events[2].Amount)
	}
	if got := v.Balance("ETH"); !got.Equal(d("7")) {
		t.Fatalf("expected 7 ETH, got %s", got)
	}
}

func TestPlaceRejectsInsufficientBalance(t *testing.T) {
	v := newTestVenue()
	req := venue.OrderRequest{ClientOrderID: "o1", Pair: "ETH-USDT", Side: venue.Sell, Price: d("1.1"), Amount: d("6")}
	err := v.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if len(v.Drain()) != 0 {
		t.Fatalf("expected no events for rejected order")
	}
}

func TestCancelAndMarketableMatch(t *testing.T) {
	v := newTestVenue()
	ctx := context.Background()
	req := venue.OrderRequest{ClientOrderID: "o1", Pair: "ETH-USDT", Side: venue.Sell, Price: d("1.1"), Amount: d("1")}
	if err := v.PlaceOrder(ctx, req); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := v.CancelOrder(ctx, "ETH-USDT", "o1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := v.CancelOrder(ctx, "ETH-USDT", "o1"); !errors.Is(err, venue.ErrUnknownOrder) {
		t.Fatalf("expected unknown order, got %v", err)
	}
	events := v.Drain()
	if len(events) != 2 || events[1].Kind != venue.EventCanceled {
		t.Fatalf("expected created then canceled, got %v", events)
	}

	req.ClientOrderID = "o2"
	if err := v.PlaceOrder(ctx, req); err != nil {
		t.Fatalf("place: %v", err)
	}
	v.SetBook("ETH-USDT", []Level{{Price: d("1.2"), Amount: d("3")}}, []Level{{Price: d("1.3"), Amount: d("3")}})
	events = v.Drain()
	if len(events) != 3 || events[2].Kind != venue.EventCompleted {
		t.Fatalf("expected crossed order to complete, got %v", events)
	}
}

func TestSignificantDigitQuantum(t *testing.T) {
	v := New(Config{Name: "maker", PriceDigits: 5}, nil)
	if q := v.PriceQuantum("ETH-USDT", d("0.945")); !q.Equal(d("0.00001")) {
		t.Fatalf("expected 0.00001, got %s", q)
	}
	if q := v.PriceQuantum("ETH-USDT", d("1.055")); !q.Equal(d("0.0001")) {
		t.Fatalf("expected 0.0001, got %s", q)
	}
	if q := v.PriceQuantum("ETH-USDT", d("2500")); !q.Equal(d("0.1")) {
		t.Fatalf("expected 0.1, got %s", q)
	}
}

func TestBookFeedHandleAppliesSnapshot(t *testing.T) {
	v := New(Config{Name: "feed"}, nil)
	feed := NewBookFeed(v, nil, []string{"ETH-USDT"}, nil)
	raw, _ := json.Marshal(BookMessage{
		Pair: "ETH-USDT",
		Bids: [][2]string{{"1.00", "2"}, {"1.01", "1"}},
		Asks: [][2]string{{"1.03", "1"}, {"1.02", "0"}},
	})
	feed.Handle(raw)
	bid, err := v.Price(context.Background(), "ETH-USDT", venue.Sell)
	if err != nil || !bid.Equal(d("1.01")) {
		t.Fatalf("expected sorted best bid 1.01, got %s (%v)", bid, err)
	}
	ask, err := v.Price(context.Background(), "ETH-USDT", venue.Buy)
	if err != nil || !ask.Equal(d("1.03")) {
		t.Fatalf("expected empty level dropped, got ask %s (%v)", ask, err)
	}
	feed.Handle(json.RawMessage(`not json`))
}
