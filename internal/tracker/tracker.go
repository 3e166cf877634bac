package tracker

import (
	"sync"
	"time"

	"xemm-bot/internal/market"
)

// DefaultExpiry is how long a stopped order id stays resolvable.
const DefaultExpiry = 180 * time.Second

type item struct {
	venue     string
	pair      *market.MarketPair
	expiresAt time.Time
}

// Tracker maps order ids to the venue and market pair that created them.
// Stopped ids linger until their expiry so late events still resolve.
type Tracker struct {
	expiry time.Duration

	mu    sync.Mutex
	order []string
	items map[string]*item
}

func New(expiry time.Duration) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		expiry: expiry,
		items:  make(map[string]*item),
	}
}

// StartTracking records orderID with no expiry. Restarting a stopped id
// clears its expiry.
func (t *Tracker) StartTracking(orderID, venue string, pair *market.MarketPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.items[orderID]; ok {
		existing.venue = venue
		existing.pair = pair
		existing.expiresAt = time.Time{}
		return
	}
	t.items[orderID] = &item{venue: venue, pair: pair}
	t.order = append(t.order, orderID)
}

// StopTracking schedules orderID for removal at now plus the expiry. Unknown
// ids and ids already stopped are left alone.
func (t *Tracker) StopTracking(orderID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.items[orderID]
	if !ok || !it.expiresAt.IsZero() {
		return
	}
	it.expiresAt = now.Add(t.expiry)
}

func (t *Tracker) Resolve(orderID string) (string, *market.MarketPair, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.items[orderID]
	if !ok {
		return "", nil, false
	}
	return it.venue, it.pair, true
}

// Tick purges every entry whose expiry has passed and returns how many were
// removed. Expiry is set at stop time, so insertion order says nothing about
// expiry order and the whole list is scanned.
func (t *Tracker) Tick(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.order[:0]
	purged := 0
	for _, id := range t.order {
		it := t.items[id]
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			delete(t.items, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return purged
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
