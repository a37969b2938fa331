package demand

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
)

func newTracker(t *testing.T) (*Tracker, *persistence.DB) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTracker(db), db
}

func windows(h, d, m, y int64) WindowStats {
	return WindowStats{Hour: big.NewInt(h), Day: big.NewInt(d), Month: big.NewInt(m), Year: big.NewInt(y)}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		in   WindowStats
		want int64
	}{
		{"empty", windows(0, 0, 0, 0), 0},
		{"hour only", windows(10, 10, 10, 10), 5},
		{"day rate", windows(0, 96, 96, 96), 1},
		{"just over half", windows(1, 1, 1, 1), 1},
		{"month rate", windows(0, 0, 14400, 0), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.in))
		})
	}
}

func TestTracker_WindowStats(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for _, rec := range []struct {
		ago time.Duration
		qty int64
	}{
		{10 * time.Minute, 1},
		{3 * time.Hour, 2},
		{10 * Day, 4},
		{100 * Day, 8},
		{400 * Day, 16},
	} {
		require.NoError(t, tr.Record(ctx, "coal", big.NewInt(rec.qty), now.Add(-rec.ago)))
	}
	require.NoError(t, tr.Record(ctx, "diamond", big.NewInt(50), now.Add(-time.Minute)))

	w, err := tr.WindowStats(ctx, "coal", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Hour.Int64())
	assert.Equal(t, int64(3), w.Day.Int64())
	assert.Equal(t, int64(7), w.Month.Int64())
	assert.Equal(t, int64(15), w.Year.Int64())

	scores, err := tr.Scores(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(26), scores["diamond"])
	assert.Equal(t, int64(1), scores["coal"])
}

func TestTracker_PrunesExpiredEvents(t *testing.T) {
	tr, db := newTracker(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	// The first Record prunes, so the stale event must be written after it.
	require.NoError(t, tr.Record(ctx, "coal", big.NewInt(1), now.Add(-2*Hour)))
	require.NoError(t, db.Update(ctx, func(tx *persistence.Tx) error {
		return tx.AppendDemand(ctx, eventAt("coal", now.Add(-400*Day)))
	}))

	// Within the hour: no prune yet.
	require.NoError(t, tr.Record(ctx, "coal", big.NewInt(1), now.Add(-90*time.Minute)))
	assert.Equal(t, 3, countEvents(t, db))

	require.NoError(t, tr.Record(ctx, "coal", big.NewInt(1), now))
	assert.Equal(t, 3, countEvents(t, db), "stale event pruned, new one appended")
}

func eventAt(key string, at time.Time) economy.DemandEvent {
	return economy.DemandEvent{Key: key, Quantity: big.NewInt(1), Timestamp: at.Unix()}
}

func countEvents(t *testing.T, db *persistence.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.View(context.Background(), func(tx *persistence.Tx) error {
		evs, err := tx.DemandSince(context.Background(), "", 0)
		n = len(evs)
		return err
	}))
	return n
}
