package hedge

import (
	"errors"
	"sort"
	"time"

	"xemm-bot/internal/venue"

	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyBound = errors.New("trade already bound to a hedge order")
	ErrEmptyBatch   = errors.New("hedge batch has no trades")
)

// Fill is a maker fill awaiting a hedge. Side is the maker order side.
type Fill struct {
	PairKey      string
	MakerOrderID string
	TradeID      string
	Side         venue.Side
	Price        decimal.Decimal
	Amount       decimal.Decimal
	Time         time.Time
}

// Binding ties a batch of maker trade ids to the taker order hedging them.
type Binding struct {
	TakerOrderID  string
	PairKey       string
	Side          venue.Side
	MakerOrderIDs []string
	TradeIDs      []string
	// Amount is the taker order size and Filled the part executed so far,
	// both in taker base units.
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	CreatedAt time.Time

	keys []string
}

func (b Binding) clone() Binding {
	b.MakerOrderIDs = append([]string(nil), b.MakerOrderIDs...)
	b.TradeIDs = append([]string(nil), b.TradeIDs...)
	b.keys = append([]string(nil), b.keys...)
	return b
}

// tradeKey scopes a trade id to its maker order; venues may reuse trade ids
// across orders.
func tradeKey(makerOrderID, tradeID string) string {
	return makerOrderID + "\x00" + tradeID
}

func (f Fill) key() string {
	return tradeKey(f.MakerOrderID, f.TradeID)
}

// Ledger holds pending maker fills and the bidirectional mapping between
// maker trades and taker hedge orders. A trade is bound to at most one taker
// order at a time. Ledger is not safe for concurrent use.
type Ledger struct {
	fills    map[string][]Fill
	bindings map[string]*Binding
	byTrade  map[string]string
	seen     map[string]map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		fills:    make(map[string][]Fill),
		bindings: make(map[string]*Binding),
		byTrade:  make(map[string]string),
		seen:     make(map[string]map[string]struct{}),
	}
}

// RecordFill appends f unless its trade id was already seen for the same
// maker order.
func (l *Ledger) RecordFill(f Fill) bool {
	trades, ok := l.seen[f.MakerOrderID]
	if !ok {
		trades = make(map[string]struct{})
		l.seen[f.MakerOrderID] = trades
	}
	if _, dup := trades[f.TradeID]; dup {
		return false
	}
	trades[f.TradeID] = struct{}{}
	l.fills[f.PairKey] = append(l.fills[f.PairKey], f)
	return true
}

// Unhedged returns the fills for pairKey and side not referenced by any
// binding, oldest first.
func (l *Ledger) Unhedged(pairKey string, side venue.Side) []Fill {
	var out []Fill
	for _, f := range l.fills[pairKey] {
		if f.Side != side {
			continue
		}
		if _, bound := l.byTrade[f.key()]; bound {
			continue
		}
		out = append(out, f)
	}
	return out
}

// UnhedgedPairs lists pair keys holding at least one unbound fill.
func (l *Ledger) UnhedgedPairs() []string {
	var out []string
	for key, fills := range l.fills {
		for _, f := range fills {
			if _, bound := l.byTrade[f.key()]; !bound {
				out = append(out, key)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Bind registers a taker order of the given amount for fills. It fails
// without side effects when the taker id is in use or any trade is already
// bound.
func (l *Ledger) Bind(takerOrderID, pairKey string, side venue.Side, fills []Fill, amount decimal.Decimal, now time.Time) error {
	if len(fills) == 0 {
		return ErrEmptyBatch
	}
	if _, exists := l.bindings[takerOrderID]; exists {
		return ErrAlreadyBound
	}
	for _, f := range fills {
		if _, bound := l.byTrade[f.key()]; bound {
			return ErrAlreadyBound
		}
	}
	b := &Binding{
		TakerOrderID: takerOrderID,
		PairKey:      pairKey,
		Side:         side,
		Amount:       amount,
		Filled:       decimal.Zero,
		CreatedAt:    now,
	}
	makers := make(map[string]struct{})
	for _, f := range fills {
		b.TradeIDs = append(b.TradeIDs, f.TradeID)
		b.keys = append(b.keys, f.key())
		l.byTrade[f.key()] = takerOrderID
		if _, ok := makers[f.MakerOrderID]; !ok {
			makers[f.MakerOrderID] = struct{}{}
			b.MakerOrderIDs = append(b.MakerOrderIDs, f.MakerOrderID)
		}
	}
	l.bindings[takerOrderID] = b
	return nil
}

func (l *Ledger) Binding(takerOrderID string) (Binding, bool) {
	b, ok := l.bindings[takerOrderID]
	if !ok {
		return Binding{}, false
	}
	return b.clone(), true
}

// TakerFor returns the taker order currently bound to a trade of
// makerOrderID.
func (l *Ledger) TakerFor(makerOrderID, tradeID string) (string, bool) {
	id, ok := l.byTrade[tradeKey(makerOrderID, tradeID)]
	return id, ok
}

// RecordTakerFill adds amount to the executed size of a taker order.
func (l *Ledger) RecordTakerFill(takerOrderID string, amount decimal.Decimal) bool {
	b, ok := l.bindings[takerOrderID]
	if !ok {
		return false
	}
	b.Filled = b.Filled.Add(amount)
	return true
}

// Complete removes the binding of a finished taker order. hedged is the
// maker amount it covered; that much is consumed from the batch oldest fill
// first and any shortfall goes back to the unhedged pool.
func (l *Ledger) Complete(takerOrderID string, hedged decimal.Decimal) (Binding, bool) {
	b, ok := l.unbind(takerOrderID)
	if !ok {
		return Binding{}, false
	}
	l.consume(b, hedged)
	return b, true
}

// Release removes the binding and returns its fills to the unhedged pool.
// hedged is the maker amount already covered by partial taker fills and is
// consumed the same way as on completion.
func (l *Ledger) Release(takerOrderID string, hedged decimal.Decimal) (Binding, bool) {
	return l.Complete(takerOrderID, hedged)
}

func (l *Ledger) consume(b Binding, hedged decimal.Decimal) {
	if !hedged.IsPositive() {
		return
	}
	batch := make(map[string]struct{}, len(b.keys))
	for _, k := range b.keys {
		batch[k] = struct{}{}
	}
	remaining := hedged
	fills := l.fills[b.PairKey][:0]
	for _, f := range l.fills[b.PairKey] {
		if _, in := batch[f.key()]; in && remaining.IsPositive() {
			if remaining.GreaterThanOrEqual(f.Amount) {
				remaining = remaining.Sub(f.Amount)
				continue
			}
			f.Amount = f.Amount.Sub(remaining)
			remaining = decimal.Zero
		}
		fills = append(fills, f)
	}
	l.setFills(b.PairKey, fills)
}

// Outstanding counts bindings that include fills of makerOrderID.
func (l *Ledger) Outstanding(makerOrderID string) int {
	n := 0
	for _, b := range l.bindings {
		for _, id := range b.MakerOrderIDs {
			if id == makerOrderID {
				n++
				break
			}
		}
	}
	return n
}

// HasOutstanding reports whether any hedge for pairKey is unresolved.
func (l *Ledger) HasOutstanding(pairKey string) bool {
	for _, b := range l.bindings {
		if b.PairKey == pairKey {
			return true
		}
	}
	return false
}

// PendingFills counts fills, bound or not, still held for pairKey.
func (l *Ledger) PendingFills(pairKey string) int {
	return len(l.fills[pairKey])
}

// Forget drops the duplicate-trade bookkeeping of a maker order once it has
// no fills left in the ledger.
func (l *Ledger) Forget(makerOrderID string) bool {
	for _, fills := range l.fills {
		for _, f := range fills {
			if f.MakerOrderID == makerOrderID {
				return false
			}
		}
	}
	delete(l.seen, makerOrderID)
	return true
}

// Known reports whether the ledger still tracks makerOrderID.
func (l *Ledger) Known(makerOrderID string) bool {
	_, ok := l.seen[makerOrderID]
	return ok
}

// Fills returns every pending fill ordered by pair and arrival.
func (l *Ledger) Fills() []Fill {
	keys := make([]string, 0, len(l.fills))
	for key := range l.fills {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var out []Fill
	for _, key := range keys {
		out = append(out, l.fills[key]...)
	}
	return out
}

// Restore loads fills as unhedged. Existing state is discarded.
func (l *Ledger) Restore(fills []Fill) {
	*l = *NewLedger()
	for _, f := range fills {
		l.RecordFill(f)
	}
}

func (l *Ledger) unbind(takerOrderID string) (Binding, bool) {
	b, ok := l.bindings[takerOrderID]
	if !ok {
		return Binding{}, false
	}
	delete(l.bindings, takerOrderID)
	for _, k := range b.keys {
		if l.byTrade[k] == takerOrderID {
			delete(l.byTrade, k)
		}
	}
	return b.clone(), true
}

func (l *Ledger) setFills(pairKey string, fills []Fill) {
	if len(fills) == 0 {
		delete(l.fills, pairKey)
		return
	}
	l.fills[pairKey] = fills
}
