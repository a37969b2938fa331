// Package normalize collapses fungible variants of a commodity (bulk and
// sub-unit forms, leveled enchantments, worn tools) into one canonical
// listing per seller and commodity before any price math runs.
package normalize

import (
	"context"
	"log/slog"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
)

// Report summarizes one normalization pass.
type Report struct {
	Splits                int `json:"splits"`                 // Enchanted listings decomposed into level-1 books
	BulkConversions       int `json:"bulk_conversions"`       // Bulk-form listings converted to base units
	SubUnitListings       int `json:"sub_unit_listings"`      // Sub-unit listings moved to hidden accumulators
	SubUnitConversions    int `json:"sub_unit_conversions"`   // Accumulators that yielded whole base units
	DurabilityListings    int `json:"durability_listings"`    // Worn listings moved to durability accumulators
	DurabilityConversions int `json:"durability_conversions"` // Durability accumulators that yielded whole items
	Merges                int `json:"merges"`
	Rebuilds              int `json:"rebuilds"` // Listings with a stale stored item
	Removed               int `json:"removed"`
	Written               int `json:"written"`
	Accumulators          int `json:"accumulators"` // Accumulator rows changed
}

// Changed reports whether the pass wrote anything.
func (r Report) Changed() bool {
	return r.Removed > 0 || r.Written > 0 || r.Accumulators > 0
}

// Normalizer applies the canonicalization rules against the listing store.
// Every rule is idempotent: normalizing a normalized store changes nothing.
type Normalizer struct {
	registry *commodity.Registry
	floor    float64
}

// New creates a normalizer consulting reg for families and durability.
// Units converted from hidden balances into a new listing are priced at
// floor when the commodity has no current price.
func New(reg *commodity.Registry, floor float64) *Normalizer {
	return &Normalizer{registry: reg, floor: floor}
}

// Normalize rewrites the store inside tx so that each (seller, commodity)
// holds exactly one canonical listing and no derived unit is listed.
func (n *Normalizer) Normalize(ctx context.Context, tx *persistence.Tx) (Report, error) {
	p := newPlan(n.registry, n.floor)
	if err := p.build(ctx, tx); err != nil {
		return Report{}, economy.Persistence("normalize read", err)
	}
	if !p.report.Changed() {
		return p.report, nil
	}
	if err := p.apply(ctx, tx); err != nil {
		return Report{}, economy.Persistence("normalize write", err)
	}

	slog.Info("listings normalized",
		"splits", p.report.Splits,
		"bulk", p.report.BulkConversions,
		"sub_units", p.report.SubUnitListings,
		"durability", p.report.DurabilityListings,
		"merges", p.report.Merges,
		"rebuilds", p.report.Rebuilds,
		"removed", p.report.Removed,
		"written", p.report.Written,
	)
	return p.report, nil
}

// Dirty reports whether Normalize would change anything, without writing.
func (n *Normalizer) Dirty(ctx context.Context, tx *persistence.Tx) (bool, error) {
	p := newPlan(n.registry, n.floor)
	if err := p.build(ctx, tx); err != nil {
		return false, economy.Persistence("normalize read", err)
	}
	return p.report.Changed(), nil
}
