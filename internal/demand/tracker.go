// Package demand records completed purchases and summarizes them into a
// demand score used by price recalculation.
package demand

import (
	"context"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
)

// Trailing windows, nested.
const (
	Hour  = time.Hour
	Day   = 24 * time.Hour
	Month = 30 * Day
	Year  = 365 * Day
)

// Window weights. The hour term dominates; wider windows damp single
// purchases.
const (
	weightHour  = 0.50
	weightDay   = 0.25
	weightMonth = 0.15
	weightYear  = 0.10
)

// pruneEvery bounds how often Record deletes expired events.
const pruneEvery = time.Hour

// WindowStats are purchased quantities over the trailing windows.
type WindowStats struct {
	Hour  *big.Int `json:"hour"`
	Day   *big.Int `json:"day"`
	Month *big.Int `json:"month"`
	Year  *big.Int `json:"year"`
}

func newWindowStats() WindowStats {
	return WindowStats{Hour: new(big.Int), Day: new(big.Int), Month: new(big.Int), Year: new(big.Int)}
}

// add counts one event into every window that contains it.
func (w WindowStats) add(ev economy.DemandEvent, now time.Time) {
	age := now.Unix() - ev.Timestamp
	if age < 0 {
		age = 0
	}
	if age > int64(Year/time.Second) {
		return
	}
	w.Year.Add(w.Year, ev.Quantity)
	if age <= int64(Month/time.Second) {
		w.Month.Add(w.Month, ev.Quantity)
	}
	if age <= int64(Day/time.Second) {
		w.Day.Add(w.Day, ev.Quantity)
	}
	if age <= int64(Hour/time.Second) {
		w.Hour.Add(w.Hour, ev.Quantity)
	}
}

// Summarize folds window stats into one demand score: each wider window is
// scaled to an hourly rate, the terms are weighted, and the result is
// rounded and floored at zero.
func Summarize(w WindowStats) int64 {
	score := weightHour*economy.QuantityFloat(w.Hour) +
		weightDay*economy.QuantityFloat(w.Day)/24 +
		weightMonth*economy.QuantityFloat(w.Month)/720 +
		weightYear*economy.QuantityFloat(w.Year)/8760

	score = math.Round(score)
	switch {
	case score <= 0 || math.IsNaN(score):
		return 0
	case score >= math.MaxInt64:
		return math.MaxInt64
	}
	return int64(score)
}

// Tracker appends demand events and reads them back as window stats.
type Tracker struct {
	db *persistence.DB

	mu        sync.Mutex
	lastPrune time.Time
}

// NewTracker creates a tracker over db.
func NewTracker(db *persistence.DB) *Tracker {
	return &Tracker{db: db}
}

// Record appends one demand event in its own transaction.
func (t *Tracker) Record(ctx context.Context, key string, qty *big.Int, now time.Time) error {
	return t.db.Update(ctx, func(tx *persistence.Tx) error {
		return t.RecordTx(ctx, tx, key, qty, now)
	})
}

// RecordTx appends one demand event inside an open store transaction, so a
// purchase and its demand event commit together. Expired events are pruned
// at most once an hour.
func (t *Tracker) RecordTx(ctx context.Context, tx *persistence.Tx, key string, qty *big.Int, now time.Time) error {
	if err := tx.AppendDemand(ctx, economy.DemandEvent{
		Key:       key,
		Quantity:  new(big.Int).Set(qty),
		Timestamp: now.Unix(),
	}); err != nil {
		return err
	}

	if !t.duePrune(now) {
		return nil
	}
	n, err := tx.PruneDemand(ctx, now.Add(-Year).Unix())
	if err != nil {
		// Expired events fall outside every window anyway.
		slog.Warn("demand prune failed", "error", err)
		return nil
	}
	if n > 0 {
		slog.Info("demand events pruned", "count", humanize.Comma(n))
	}
	return nil
}

func (t *Tracker) duePrune(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastPrune.IsZero() && now.Sub(t.lastPrune) < pruneEvery {
		return false
	}
	t.lastPrune = now
	return true
}

// WindowStats sums a commodity's purchases over the trailing windows.
func (t *Tracker) WindowStats(ctx context.Context, key string, now time.Time) (WindowStats, error) {
	var w WindowStats
	err := t.db.View(ctx, func(tx *persistence.Tx) error {
		var err error
		w, err = WindowStatsTx(ctx, tx, key, now)
		return err
	})
	return w, err
}

// WindowStatsTx is WindowStats inside an open transaction.
func WindowStatsTx(ctx context.Context, tx *persistence.Tx, key string, now time.Time) (WindowStats, error) {
	events, err := tx.DemandSince(ctx, key, now.Add(-Year).Unix())
	if err != nil {
		return WindowStats{}, err
	}
	w := newWindowStats()
	for _, ev := range events {
		w.add(ev, now)
	}
	return w, nil
}

// Scores returns the demand score of every commodity with events in the
// last year.
func (t *Tracker) Scores(ctx context.Context, now time.Time) (map[string]int64, error) {
	var scores map[string]int64
	err := t.db.View(ctx, func(tx *persistence.Tx) error {
		var err error
		scores, err = ScoresTx(ctx, tx, now)
		return err
	})
	return scores, err
}

// ScoresTx is Scores inside an open transaction.
func ScoresTx(ctx context.Context, tx *persistence.Tx, now time.Time) (map[string]int64, error) {
	events, err := tx.DemandSince(ctx, "", now.Add(-Year).Unix())
	if err != nil {
		return nil, err
	}
	windows := make(map[string]WindowStats)
	for _, ev := range events {
		w, ok := windows[ev.Key]
		if !ok {
			w = newWindowStats()
			windows[ev.Key] = w
		}
		w.add(ev, now)
	}
	scores := make(map[string]int64, len(windows))
	for key, w := range windows {
		scores[key] = Summarize(w)
	}
	return scores, nil
}
