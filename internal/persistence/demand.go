package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/talgya/mini-market/internal/economy"
)

type demandRow struct {
	Key       string `db:"commodity_key"`
	Quantity  string `db:"quantity"`
	Timestamp int64  `db:"ts"`
}

// AppendDemand appends one demand event.
func (t *Tx) AppendDemand(ctx context.Context, ev economy.DemandEvent) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO demand_events (commodity_key, quantity, ts) VALUES (?, ?, ?)",
		ev.Key, ev.Quantity.String(), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append demand %s: %w", ev.Key, err)
	}
	return nil
}

// DemandSince returns events at or after since (unix seconds). An empty key
// selects every commodity.
func (t *Tx) DemandSince(ctx context.Context, key string, since int64) ([]economy.DemandEvent, error) {
	var rows []demandRow
	var err error
	if key == "" {
		err = t.tx.SelectContext(ctx, &rows,
			"SELECT commodity_key, quantity, ts FROM demand_events WHERE ts >= ? ORDER BY ts", since)
	} else {
		err = t.tx.SelectContext(ctx, &rows,
			"SELECT commodity_key, quantity, ts FROM demand_events WHERE commodity_key = ? AND ts >= ? ORDER BY ts", key, since)
	}
	if err != nil {
		return nil, fmt.Errorf("select demand: %w", err)
	}

	events := make([]economy.DemandEvent, 0, len(rows))
	for _, r := range rows {
		qty, ok := new(big.Int).SetString(r.Quantity, 10)
		if !ok {
			slog.Warn("malformed demand quantity", "commodity", r.Key, "quantity", r.Quantity)
			continue
		}
		events = append(events, economy.DemandEvent{Key: r.Key, Quantity: qty, Timestamp: r.Timestamp})
	}
	return events, nil
}

// PruneDemand deletes events older than before and returns how many went.
func (t *Tx) PruneDemand(ctx context.Context, before int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM demand_events WHERE ts < ?", before)
	if err != nil {
		return 0, fmt.Errorf("prune demand: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
