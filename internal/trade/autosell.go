package trade

import (
	"context"
	"errors"
	"log/slog"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
)

// SetAutoSell turns auto-selling of a commodity on or off for a participant.
func (x *Exchange) SetAutoSell(ctx context.Context, participant, key string, enabled bool) error {
	if participant == "" {
		return economy.Invalid("participant", "is required")
	}
	if _, err := commodity.ParseKey(key); err != nil {
		return economy.Invalid("commodity", "%q is not a commodity key", key)
	}
	rule := persistence.AutoSellRule{Participant: participant, Key: key}
	err := x.db.Update(ctx, func(tx *persistence.Tx) error {
		if enabled {
			return tx.AddAutoSell(ctx, rule)
		}
		return tx.RemoveAutoSell(ctx, rule)
	})
	if err != nil {
		return economy.Persistence("autosell", err)
	}
	slog.Info("autosell updated", "participant", participant, "commodity", key, "enabled", enabled)
	return nil
}

// AutoSellRules returns the rules of one participant, or all rules when
// participant is empty.
func (x *Exchange) AutoSellRules(ctx context.Context, participant string) ([]persistence.AutoSellRule, error) {
	var rules []persistence.AutoSellRule
	err := x.db.View(ctx, func(tx *persistence.Tx) error {
		all, err := tx.AutoSellRules(ctx)
		if err != nil {
			return err
		}
		for _, r := range all {
			if participant == "" || r.Participant == participant {
				rules = append(rules, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, economy.Persistence("autosell rules", err)
	}
	return rules, nil
}

// Sweep lists every participant's inventory matching their auto-sell rules
// and returns how many rules sold something. A failing rule is logged and
// does not stop the others.
func (x *Exchange) Sweep(ctx context.Context) (int, error) {
	rules, err := x.AutoSellRules(ctx, "")
	if err != nil {
		return 0, err
	}

	sold := 0
	for _, r := range rules {
		if ctx.Err() != nil {
			return sold, ctx.Err()
		}
		tpl := x.registry.Template(r.Key)
		n, err := x.inventory.CountMatching(ctx, r.Participant, tpl)
		if err != nil {
			slog.Warn("autosell count failed", "participant", r.Participant, "commodity", r.Key, "error", err)
			continue
		}
		if n.Sign() == 0 {
			continue
		}
		if _, err := x.sell(ctx, "autosell", r.Participant, tpl, n); err != nil {
			var rej *economy.RejectError
			if errors.As(err, &rej) {
				slog.Debug("autosell skipped", "participant", r.Participant, "commodity", r.Key, "reason", rej.Message)
				continue
			}
			slog.Warn("autosell failed", "participant", r.Participant, "commodity", r.Key, "error", err)
			continue
		}
		sold++
	}
	return sold, nil
}
