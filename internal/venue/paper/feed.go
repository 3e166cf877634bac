package paper

import (
	"context"
	"encoding/json"

	"xemm-bot/internal/httpx/ws"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BookMessage is a full depth snapshot. Levels are [price, amount] string
// pairs so no precision is lost in transit.
type BookMessage struct {
	Pair string      `json:"pair"`
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Pairs  []string `json:"pairs"`
}

// BookFeed applies depth snapshots from a websocket stream to a paper venue.
type BookFeed struct {
	venue  *Venue
	client *ws.Client
	pairs  []string
	log    *zap.Logger
}

func NewBookFeed(v *Venue, client *ws.Client, pairs []string, log *zap.Logger) *BookFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &BookFeed{venue: v, client: client, pairs: pairs, log: log}
}

func (f *BookFeed) Run(ctx context.Context) error {
	if err := f.client.Subscribe(ctx, subscribeMessage{Method: "subscribe", Pairs: f.pairs}); err != nil {
		return err
	}
	f.venue.SetConnected(false)
	return f.client.Run(ctx, f.Handle)
}

// Handle applies one raw feed message. Malformed messages are logged and
// dropped.
func (f *BookFeed) Handle(raw json.RawMessage) {
	var msg BookMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.log.Debug("book feed message ignored", zap.Error(err))
		return
	}
	if msg.Pair == "" {
		return
	}
	bids, err := ParseLevels(msg.Bids)
	if err != nil {
		f.log.Warn("book feed bids invalid", zap.String("pair", msg.Pair), zap.Error(err))
		return
	}
	asks, err := ParseLevels(msg.Asks)
	if err != nil {
		f.log.Warn("book feed asks invalid", zap.String("pair", msg.Pair), zap.Error(err))
		return
	}
	f.venue.SetBook(msg.Pair, bids, asks)
	f.venue.SetConnected(true)
}

// ParseLevels reads [price, amount] string pairs, skipping empty levels.
func ParseLevels(raw [][2]string) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, entry := range raw {
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, err
		}
		if !amount.IsPositive() {
			continue
		}
		levels = append(levels, Level{Price: price, Amount: amount})
	}
	return levels, nil
}
