package state

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const HedgeSnapshotKey = "hedge:pending_fills"

// PendingFill is a maker fill that had not been fully hedged when the
// snapshot was taken. Decimals are kept as strings.
type PendingFill struct {
	PairKey      string `msgpack:"pair"`
	MakerOrderID string `msgpack:"maker_order_id"`
	TradeID      string `msgpack:"trade_id"`
	Side         string `msgpack:"side"`
	Price        string `msgpack:"price"`
	Amount       string `msgpack:"amount"`
	TimeMS       int64  `msgpack:"time_ms"`
}

type HedgeSnapshot struct {
	Fills       []PendingFill `msgpack:"fills"`
	UpdatedAtMS int64         `msgpack:"updated_at_ms"`
}

func LoadHedgeSnapshot(ctx context.Context, store Store) (HedgeSnapshot, bool, error) {
	if store == nil {
		return HedgeSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, HedgeSnapshotKey)
	if err != nil {
		return HedgeSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return HedgeSnapshot{}, false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return HedgeSnapshot{}, false, err
	}
	var snapshot HedgeSnapshot
	if err := msgpack.Unmarshal(payload, &snapshot); err != nil {
		return HedgeSnapshot{}, false, err
	}
	return snapshot, true, nil
}

// SaveHedgeSnapshot stores snapshot, or deletes the key when nothing is
// pending.
func SaveHedgeSnapshot(ctx context.Context, store Store, snapshot HedgeSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(snapshot.Fills) == 0 {
		return store.Delete(ctx, HedgeSnapshotKey)
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, HedgeSnapshotKey, base64.StdEncoding.EncodeToString(payload))
}
