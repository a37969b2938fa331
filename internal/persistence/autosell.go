package persistence

import (
	"context"
	"fmt"
)

// AutoSellRule lists a participant's matching inventory on every sweep.
type AutoSellRule struct {
	Participant string `db:"participant" json:"participant"`
	Key         string `db:"commodity_key" json:"commodity_key"`
}

// AddAutoSell enables auto-sell of a commodity for a participant.
func (t *Tx) AddAutoSell(ctx context.Context, rule AutoSellRule) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO autosell_rules (participant, commodity_key) VALUES (?, ?)",
		rule.Participant, rule.Key)
	if err != nil {
		return fmt.Errorf("add autosell %s/%s: %w", rule.Participant, rule.Key, err)
	}
	return nil
}

// RemoveAutoSell disables auto-sell of a commodity for a participant.
func (t *Tx) RemoveAutoSell(ctx context.Context, rule AutoSellRule) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM autosell_rules WHERE participant = ? AND commodity_key = ?",
		rule.Participant, rule.Key)
	if err != nil {
		return fmt.Errorf("remove autosell %s/%s: %w", rule.Participant, rule.Key, err)
	}
	return nil
}

// AutoSellRules returns every rule ordered by participant.
func (t *Tx) AutoSellRules(ctx context.Context) ([]AutoSellRule, error) {
	var rules []AutoSellRule
	if err := t.tx.SelectContext(ctx, &rules,
		"SELECT participant, commodity_key FROM autosell_rules ORDER BY participant, commodity_key"); err != nil {
		return nil, fmt.Errorf("select autosell rules: %w", err)
	}
	return rules, nil
}
