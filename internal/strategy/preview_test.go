package strategy

import (
	"testing"
)

func TestPreviewPricesWithoutPlacing(t *testing.T) {
	f := newFixture(t, nil)

	previews := f.s.Preview(f.ctx)
	if len(previews) != 1 {
		t.Fatalf("expected 1 preview, got %d", len(previews))
	}
	p := previews[0]
	if !p.Ready {
		t.Fatalf("expected rates to be available")
	}
	if !p.Bid.Equal(d("0.94527")) || !p.BidSize.Equal(d("3")) {
		t.Fatalf("expected bid 3 @ 0.94527, got %s @ %s", p.BidSize, p.Bid)
	}
	if !p.Ask.Equal(d("1.0553")) || !p.AskSize.Equal(d("3")) {
		t.Fatalf("expected ask 3 @ 1.0553, got %s @ %s", p.AskSize, p.Ask)
	}
	if !p.HedgeBid.Equal(d("0.95")) || !p.HedgeAsk.Equal(d("1.05")) {
		t.Fatalf("expected hedge prices 0.95/1.05, got %s/%s", p.HedgeBid, p.HedgeAsk)
	}
	if got := len(f.maker.OpenOrders()); got != 0 {
		t.Fatalf("expected no maker orders, got %d", got)
	}
}

func TestPreviewWithoutRates(t *testing.T) {
	f := newFixture(t, func(_ *Params, deps *Deps) {
		deps.Rates = noRates{}
	})
	p := f.s.Preview(f.ctx)[0]
	if p.Ready || !p.Bid.IsZero() || !p.Ask.IsZero() {
		t.Fatalf("expected empty preview without rates, got %+v", p)
	}
}
