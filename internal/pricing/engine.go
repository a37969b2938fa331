// Package pricing recomputes every commodity's price from the currency
// supply, scarcity, listing concentration, and demand.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/demand"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/normalize"
	"github.com/talgya/mini-market/internal/persistence"
)

// snapshotKey stores the total listed quantity as of the last pass.
const snapshotKey = "last_total_quantity"

// deviationWarn is the budget deviation that triggers a warning.
const deviationWarn = 0.25

// Params are the tunable pricing constants.
type Params struct {
	MarketValueMultiplier float64 // Share of total currency the market is worth
	MaxPricePercent       float64 // Price ceiling as a share of total currency
	MinPrice              float64 // Price floor
	CapPercent            float64 // Per-commodity value cap as a share of total currency
}

// DefaultParams returns the stock pricing constants.
func DefaultParams() Params {
	return Params{
		MarketValueMultiplier: 0.5,
		MaxPricePercent:       0.01,
		MinPrice:              0.01,
		CapPercent:            0.20,
	}
}

// Result describes one pass.
type Result struct {
	Ran         bool               `json:"ran"` // False when the throttle skipped the pass
	Commodities int                `json:"commodities"`
	Currency    float64            `json:"currency"`
	Budget      float64            `json:"budget"`
	Realized    float64            `json:"realized"` // Σ price × quantity after the pass
	Prices      map[string]float64 `json:"prices,omitempty"`
	Normalized  normalize.Report   `json:"normalized"`
	Took        time.Duration      `json:"took"`
}

// Engine runs recalculation passes against the listing store.
type Engine struct {
	db         *persistence.DB
	ledger     ledger.Ledger
	normalizer *normalize.Normalizer
	registry   *commodity.Registry
	params     Params
	metrics    *metrics.Metrics

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewEngine wires a recalculation engine.
func NewEngine(db *persistence.DB, l ledger.Ledger, n *normalize.Normalizer, reg *commodity.Registry, params Params, m *metrics.Metrics) *Engine {
	return &Engine{
		db:         db,
		ledger:     l,
		normalizer: n,
		registry:   reg,
		params:     params,
		metrics:    m,
		Now:        time.Now,
	}
}

// Params returns the engine's pricing constants.
func (e *Engine) Params() Params {
	return e.params
}

// Pass runs one recalculation. Unless force is set, the pass is skipped
// when the total listed quantity matches the last snapshot and the
// normalizer has nothing to do. A failed pass leaves prices and the
// snapshot untouched and returns a *economy.RecalculationError.
func (e *Engine) Pass(ctx context.Context, force bool) (Result, error) {
	start := time.Now()
	res, err := e.pass(ctx, force)
	res.Took = time.Since(start)

	switch {
	case err != nil:
		e.metrics.ObservePass("failed", res.Took)
		var re *economy.RecalculationError
		if !errors.As(err, &re) {
			err = &economy.RecalculationError{Err: err}
		}
		slog.Error("price recalculation failed", "error", err)
		return res, err
	case !res.Ran:
		e.metrics.ObservePass("skipped", res.Took)
	default:
		e.metrics.ObservePass("ran", res.Took)
		e.metrics.ObservePrices(res.Prices, res.Budget, res.Realized, res.Normalized.Written+res.Normalized.Removed)
	}
	return res, nil
}

// pass normalizes under the store's write lock, then prices a read
// snapshot with the lock released, and finally writes the prices back.
// Trades landing between the phases keep their own prices and move the
// listed total away from the snapshot, so the next pass picks them up.
func (e *Engine) pass(ctx context.Context, force bool) (Result, error) {
	var res Result
	err := e.db.Update(ctx, func(tx *persistence.Tx) error {
		run, err := e.due(ctx, tx, force)
		if err != nil || !run {
			return err
		}
		res.Ran = true
		res.Normalized, err = e.normalizer.Normalize(ctx, tx)
		return err
	})
	if err != nil || !res.Ran {
		return Result{}, err
	}

	var (
		listings []*economy.Listing
		scores   map[string]int64
	)
	err = e.db.View(ctx, func(tx *persistence.Tx) error {
		var err error
		if listings, err = tx.Listings(ctx); err != nil {
			return err
		}
		scores, err = demand.ScoresTx(ctx, tx, e.Now())
		return err
	})
	if err != nil {
		return Result{}, err
	}
	total := economy.TotalQuantity(listings)

	if len(listings) == 0 {
		return res, e.db.Update(ctx, func(tx *persistence.Tx) error {
			return tx.SetMeta(ctx, snapshotKey, "0")
		})
	}

	currency, err := e.ledger.TotalCurrency(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("total currency: %w", err)
	}

	aggs := economy.BuildAggregates(listings, e.registry)
	res.Currency = currency.InexactFloat64()
	res.Commodities = len(aggs)
	res.Prices, res.Budget, res.Realized = e.price(aggs, res.Currency, scores)

	err = e.db.Update(ctx, func(tx *persistence.Tx) error {
		if err := tx.SetPrices(ctx, res.Prices); err != nil {
			return err
		}
		return tx.SetMeta(ctx, snapshotKey, total.String())
	})
	if err != nil {
		return Result{}, err
	}

	slog.Info("prices recalculated",
		"commodities", res.Commodities,
		"currency", humanize.Commaf(math.Round(res.Currency)),
		"budget", humanize.Commaf(math.Round(res.Budget)),
		"realized", humanize.Commaf(math.Round(res.Realized)),
	)
	if res.Budget > 0 && math.Abs(res.Realized-res.Budget)/res.Budget > deviationWarn {
		slog.Warn("realized market value deviates from budget",
			"budget", humanize.Commaf(math.Round(res.Budget)),
			"realized", humanize.Commaf(math.Round(res.Realized)),
			"deviation", fmt.Sprintf("%.1f%%", 100*(res.Realized-res.Budget)/res.Budget),
		)
	}
	return res, nil
}

// due reports whether a pass should run.
func (e *Engine) due(ctx context.Context, tx *persistence.Tx, force bool) (bool, error) {
	if force {
		return true, nil
	}
	listings, err := tx.Listings(ctx)
	if err != nil {
		return false, err
	}
	last, err := tx.Meta(ctx, snapshotKey)
	if err != nil {
		return false, err
	}
	dirty, err := e.normalizer.Dirty(ctx, tx)
	if err != nil {
		return false, err
	}
	return last != economy.TotalQuantity(listings).String() || dirty, nil
}

// price computes every commodity's new price. It returns the prices, the
// budget, and the realized market value.
func (e *Engine) price(aggs []*economy.CommodityAggregate, currency float64, scores map[string]int64) (map[string]float64, float64, float64) {
	budget := currency * e.params.MarketValueMultiplier
	ceiling := currency * e.params.MaxPricePercent
	limit := currency * e.params.CapPercent

	qty := make([]float64, len(aggs))
	var sumQty, sumListings, sumDemand float64
	for i, a := range aggs {
		qty[i] = economy.QuantityFloat(a.Quantity)
		if qty[i] <= 0 {
			qty[i] = 1
		}
		sumQty += qty[i]
		sumListings += float64(a.ListingCount)
		sumDemand += float64(scores[a.Key])
	}
	n := float64(len(aggs))
	avgQty, avgListings, avgDemand := sumQty/n, sumListings/n, sumDemand/n

	weights := make([]float64, len(aggs))
	for i, a := range aggs {
		weights[i] = Weight(qty[i], avgQty, float64(a.ListingCount), avgListings, float64(scores[a.Key]), avgDemand)
	}
	values := Distribute(budget, weights, limit)

	prices := make(map[string]float64, len(aggs))
	var realized float64
	for i, a := range aggs {
		p := economy.ClampPrice(values[i]/qty[i], e.params.MinPrice, ceiling)
		prices[a.Key] = p
		realized += p * economy.QuantityFloat(a.Quantity)

		share := 0.0
		if budget > 0 {
			share = values[i] / budget
		}
		slog.Debug("commodity repriced",
			"commodity", a.Key,
			"before", a.Price,
			"after", p,
			"weight", weights[i],
			"share", fmt.Sprintf("%.2f%%", 100*share),
		)
	}
	return prices, budget, realized
}

// MarketEntry is the presentation view of one commodity.
type MarketEntry struct {
	Key      string         `json:"commodity_key"`
	Name     string         `json:"name"`
	Template commodity.Item `json:"template"`
	Price    float64        `json:"price"`
	Supply   *big.Int       `json:"supply"`
	Demand   int64          `json:"demand"`
	Sellers  int            `json:"sellers"`
	Listings int            `json:"listings"`
}

// Aggregates returns the market as the presentation layer shows it,
// sorted by commodity key.
func (e *Engine) Aggregates(ctx context.Context, now time.Time) ([]MarketEntry, error) {
	var out []MarketEntry
	err := e.db.View(ctx, func(tx *persistence.Tx) error {
		listings, err := tx.Listings(ctx)
		if err != nil {
			return err
		}
		scores, err := demand.ScoresTx(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, a := range economy.BuildAggregates(listings, e.registry) {
			out = append(out, MarketEntry{
				Key:      a.Key,
				Name:     e.registry.DisplayName(a.Key),
				Template: a.Template,
				Price:    a.Price,
				Supply:   a.Quantity,
				Demand:   scores[a.Key],
				Sellers:  a.Sellers,
				Listings: a.ListingCount,
			})
		}
		return nil
	})
	if err != nil {
		return nil, economy.Persistence("market aggregates", err)
	}
	return out, nil
}
