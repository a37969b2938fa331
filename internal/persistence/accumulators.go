package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
)

// Accumulator kinds.
const (
	KindSubUnit    = "subunit"    // Sub-units of a family, keyed by base material
	KindDurability = "durability" // Durability points, keyed by base item key
)

// Accumulator is a hidden per-seller balance that is never listed or priced.
type Accumulator struct {
	Kind   string   `json:"kind"`
	Seller string   `json:"seller"`
	Key    string   `json:"commodity_key"`
	Amount *big.Int `json:"amount"`
}

type accumulatorRow struct {
	Kind   string `db:"kind"`
	Seller string `db:"seller"`
	Key    string `db:"commodity_key"`
	Amount string `db:"amount"`
}

// Accumulators returns every accumulator of a kind.
func (t *Tx) Accumulators(ctx context.Context, kind string) ([]Accumulator, error) {
	var rows []accumulatorRow
	if err := t.tx.SelectContext(ctx, &rows,
		"SELECT kind, seller, commodity_key, amount FROM accumulators WHERE kind = ? ORDER BY seller, commodity_key",
		kind); err != nil {
		return nil, fmt.Errorf("select accumulators %s: %w", kind, err)
	}
	out := make([]Accumulator, 0, len(rows))
	for _, r := range rows {
		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok || amount.Sign() < 0 {
			slog.Warn("malformed accumulator", "kind", r.Kind, "seller", r.Seller, "commodity", r.Key, "amount", r.Amount)
			amount = new(big.Int)
		}
		out = append(out, Accumulator{Kind: r.Kind, Seller: r.Seller, Key: r.Key, Amount: amount})
	}
	return out, nil
}

// Accumulator returns one accumulator's amount, zero when absent.
func (t *Tx) Accumulator(ctx context.Context, kind, seller, key string) (*big.Int, error) {
	var amounts []string
	if err := t.tx.SelectContext(ctx, &amounts,
		"SELECT amount FROM accumulators WHERE kind = ? AND seller = ? AND commodity_key = ?",
		kind, seller, key); err != nil {
		return nil, fmt.Errorf("get accumulator %s/%s/%s: %w", kind, seller, key, err)
	}
	amount := new(big.Int)
	if len(amounts) > 0 {
		if _, ok := amount.SetString(amounts[0], 10); !ok {
			amount.SetInt64(0)
		}
	}
	return amount, nil
}

// SetAccumulator stores an amount; zero removes the row.
func (t *Tx) SetAccumulator(ctx context.Context, kind, seller, key string, amount *big.Int) error {
	var err error
	if amount.Sign() <= 0 {
		_, err = t.tx.ExecContext(ctx,
			"DELETE FROM accumulators WHERE kind = ? AND seller = ? AND commodity_key = ?",
			kind, seller, key)
	} else {
		_, err = t.tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO accumulators (kind, seller, commodity_key, amount) VALUES (?, ?, ?, ?)",
			kind, seller, key, amount.String())
	}
	if err != nil {
		return fmt.Errorf("set accumulator %s/%s/%s: %w", kind, seller, key, err)
	}
	return nil
}

// AddAccumulator adds delta to an accumulator and returns the new amount.
func (t *Tx) AddAccumulator(ctx context.Context, kind, seller, key string, delta *big.Int) (*big.Int, error) {
	amount, err := t.Accumulator(ctx, kind, seller, key)
	if err != nil {
		return nil, err
	}
	amount.Add(amount, delta)
	if err := t.SetAccumulator(ctx, kind, seller, key, amount); err != nil {
		return nil, err
	}
	return amount, nil
}
