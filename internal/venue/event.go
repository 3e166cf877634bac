package venue

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventCreated   EventKind = "CREATED"
	EventFilled    EventKind = "FILLED"
	EventCompleted EventKind = "COMPLETED"
	EventCanceled  EventKind = "CANCELED"
	EventFailed    EventKind = "FAILED"
	EventExpired   EventKind = "EXPIRED"
)

// OrderEvent is a lifecycle notification for a single order. TradeID, Price
// and Amount are set for fills only; Reason is set for failures.
type OrderEvent struct {
	Kind    EventKind
	Venue   string
	OrderID string
	Pair    string
	Side    Side
	TradeID string
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Reason  string
	Time    time.Time
}

// Terminal reports whether no further events are expected for the order.
func (e OrderEvent) Terminal() bool {
	switch e.Kind {
	case EventCompleted, EventCanceled, EventFailed, EventExpired:
		return true
	}
	return false
}
