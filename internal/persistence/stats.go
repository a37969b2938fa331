package persistence

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/economy"
)

type statsRow struct {
	Participant string `db:"participant"`
	ItemsBought string `db:"items_bought"`
	ItemsSold   string `db:"items_sold"`
	MoneySpent  string `db:"money_spent"`
	MoneyEarned string `db:"money_earned"`
}

func (r statsRow) stats() (*economy.Stats, error) {
	s := economy.NewStats(r.Participant)
	if _, ok := s.ItemsBought.SetString(r.ItemsBought, 10); !ok {
		return nil, fmt.Errorf("stats %s: bad items_bought %q", r.Participant, r.ItemsBought)
	}
	if _, ok := s.ItemsSold.SetString(r.ItemsSold, 10); !ok {
		return nil, fmt.Errorf("stats %s: bad items_sold %q", r.Participant, r.ItemsSold)
	}
	var err error
	if s.MoneySpent, err = decimal.NewFromString(r.MoneySpent); err != nil {
		return nil, fmt.Errorf("stats %s: money_spent: %w", r.Participant, err)
	}
	if s.MoneyEarned, err = decimal.NewFromString(r.MoneyEarned); err != nil {
		return nil, fmt.Errorf("stats %s: money_earned: %w", r.Participant, err)
	}
	return s, nil
}

// Stats returns a participant's counters; unknown participants read as zero.
func (t *Tx) Stats(ctx context.Context, participant string) (*economy.Stats, error) {
	var rows []statsRow
	if err := t.tx.SelectContext(ctx, &rows,
		"SELECT participant, items_bought, items_sold, money_spent, money_earned FROM stats WHERE participant = ?",
		participant); err != nil {
		return nil, fmt.Errorf("select stats %s: %w", participant, err)
	}
	if len(rows) == 0 {
		return economy.NewStats(participant), nil
	}
	return rows[0].stats()
}

// AddStats applies a delta to a participant's counters.
func (t *Tx) AddStats(ctx context.Context, participant string, delta economy.StatsDelta) error {
	s, err := t.Stats(ctx, participant)
	if err != nil {
		return err
	}
	s.Add(delta)

	_, err = t.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO stats (participant, items_bought, items_sold, money_spent, money_earned)
		 VALUES (?, ?, ?, ?, ?)`,
		participant, s.ItemsBought.String(), s.ItemsSold.String(),
		s.MoneySpent.String(), s.MoneyEarned.String(),
	)
	if err != nil {
		return fmt.Errorf("save stats %s: %w", participant, err)
	}
	return nil
}

// RecordSale updates seller, buyer, and global counters for one fill.
func (t *Tx) RecordSale(ctx context.Context, seller, buyer string, qty *big.Int, amount decimal.Decimal) error {
	if err := t.AddStats(ctx, seller, economy.StatsDelta{ItemsSold: qty, MoneyEarned: amount}); err != nil {
		return err
	}
	if err := t.AddStats(ctx, buyer, economy.StatsDelta{ItemsBought: qty, MoneySpent: amount}); err != nil {
		return err
	}
	return t.AddStats(ctx, economy.GlobalParticipant, economy.StatsDelta{
		ItemsBought: qty, ItemsSold: qty, MoneySpent: amount, MoneyEarned: amount,
	})
}
