package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/demand"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/inventory"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/normalize"
	"github.com/talgya/mini-market/internal/persistence"
)

var dbSeq atomic.Int64

type triggers struct {
	mu     sync.Mutex
	forced []bool
}

func (r *triggers) Trigger(force bool, done func(error)) {
	r.mu.Lock()
	r.forced = append(r.forced, force)
	r.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (r *triggers) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forced)
}

type fixture struct {
	db       *persistence.DB
	ledger   *ledger.Memory
	inv      *inventory.Memory
	tracker  *demand.Tracker
	recalc   *triggers
	exchange *Exchange
	now      time.Time
}

func newFixture(t testing.TB, dir string) *fixture {
	db, err := persistence.Open(filepath.Join(dir, fmt.Sprintf("market-%d.db", dbSeq.Add(1))))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := commodity.DefaultRegistry()
	f := &fixture{
		db:      db,
		ledger:  ledger.NewMemory(),
		inv:     inventory.NewMemory(reg),
		tracker: demand.NewTracker(db),
		recalc:  &triggers{},
		now:     time.Unix(1_700_000_000, 0),
	}
	f.exchange = NewExchange(Deps{
		DB:         db,
		Ledger:     f.ledger,
		Inventory:  f.inv,
		Catalog:    f.inv,
		Registry:   reg,
		Demand:     f.tracker,
		Recalc:     f.recalc,
		Normalizer: normalize.New(reg, 0.01),
		MinPrice:   0.01,
	})
	f.exchange.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) fund(t testing.TB, participant string, amount int64) {
	require.NoError(t, f.ledger.Transfer(context.Background(), participant, decimal.NewFromInt(amount)))
}

func (f *fixture) list(t testing.TB, seller, key string, qty int64, price float64) {
	enc, err := commodity.Encode(f.exchange.registry.Template(key))
	require.NoError(t, err)
	require.NoError(t, f.db.Update(context.Background(), func(tx *persistence.Tx) error {
		return tx.PutListing(context.Background(), &economy.Listing{
			Key: key, Seller: seller, Item: enc, Quantity: big.NewInt(qty), Price: price,
		})
	}))
}

func (f *fixture) listing(t testing.TB, seller, key string) *economy.Listing {
	var l *economy.Listing
	require.NoError(t, f.db.View(context.Background(), func(tx *persistence.Tx) error {
		var err error
		l, err = tx.Listing(context.Background(), seller, key)
		if errors.Is(err, economy.ErrNotFound) {
			return nil
		}
		return err
	}))
	return l
}

func (f *fixture) listed(t testing.TB, seller, key string) int64 {
	l := f.listing(t, seller, key)
	if l == nil {
		return 0
	}
	return l.Quantity.Int64()
}

func (f *fixture) accumulator(t testing.TB, kind, seller, key string) int64 {
	var n *big.Int
	require.NoError(t, f.db.View(context.Background(), func(tx *persistence.Tx) error {
		var err error
		n, err = tx.Accumulator(context.Background(), kind, seller, key)
		return err
	}))
	return n.Int64()
}

func (f *fixture) balance(t testing.TB, participant string) decimal.Decimal {
	b, err := f.ledger.Balance(context.Background(), participant)
	require.NoError(t, err)
	return b
}

func (f *fixture) held(participant, key string) int64 {
	total := int64(0)
	for _, s := range f.inv.Matching(participant, key) {
		total += s.Quantity.Int64()
	}
	return total
}

func assertMoney(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.NewFromInt(want).Equal(got), "want %d, got %s", want, got)
}

func TestBuy_ProportionalAcrossSellers(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.list(t, "amy", "coal", 30, 2)
	f.list(t, "bob", "coal", 70, 3)
	f.fund(t, "cat", 100)

	r, err := f.exchange.Buy(context.Background(), "cat", "coal", big.NewInt(10))
	require.NoError(t, err)

	require.Len(t, r.Fills, 2)
	assert.Equal(t, "amy", r.Fills[0].Seller)
	assert.Equal(t, int64(3), r.Fills[0].Quantity.Int64())
	assert.Equal(t, int64(7), r.Fills[1].Quantity.Int64())
	assertMoney(t, 27, r.Total)
	assert.NotEmpty(t, r.ID)

	assertMoney(t, 73, f.balance(t, "cat"))
	assertMoney(t, 6, f.balance(t, "amy"))
	assertMoney(t, 21, f.balance(t, "bob"))
	assert.Equal(t, int64(27), f.listed(t, "amy", "coal"))
	assert.Equal(t, int64(63), f.listed(t, "bob", "coal"))
	assert.Equal(t, int64(10), f.held("cat", "coal"))

	w, err := f.tracker.WindowStats(context.Background(), "coal", f.now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), w.Hour.Int64())

	require.NoError(t, f.db.View(context.Background(), func(tx *persistence.Tx) error {
		s, err := tx.Stats(context.Background(), "amy")
		require.NoError(t, err)
		assert.Equal(t, int64(3), s.ItemsSold.Int64())
		g, err := tx.Stats(context.Background(), economy.GlobalParticipant)
		require.NoError(t, err)
		assert.Equal(t, int64(10), g.ItemsBought.Int64())
		return nil
	}))

	assert.Equal(t, []bool{false}, f.recalc.forced)
}

func TestBuy_InsufficientStockChangesNothing(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.list(t, "amy", "coal", 30, 2)
	f.fund(t, "cat", 1000)

	_, err := f.exchange.Buy(context.Background(), "cat", "coal", big.NewInt(31))
	require.ErrorIs(t, err, economy.ErrInsufficientStock)
	assert.Equal(t, "Only 30 Coal available.", err.Error())

	assertMoney(t, 1000, f.balance(t, "cat"))
	assert.Equal(t, int64(30), f.listed(t, "amy", "coal"))
	assert.Zero(t, f.held("cat", "coal"))
	assert.Zero(t, f.recalc.count())
}

func TestBuy_InsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.list(t, "amy", "coal", 30, 2)
	f.fund(t, "cat", 10)

	_, err := f.exchange.Buy(context.Background(), "cat", "coal", big.NewInt(6))
	require.ErrorIs(t, err, economy.ErrInsufficientFunds)
	assert.Equal(t, "That costs 12.00 but you only have 10.00.", err.Error())

	assertMoney(t, 10, f.balance(t, "cat"))
	assert.True(t, f.balance(t, "amy").IsZero())
	assert.Equal(t, int64(30), f.listed(t, "amy", "coal"))

	w, err := f.tracker.WindowStats(context.Background(), "coal", f.now)
	require.NoError(t, err)
	assert.Zero(t, w.Year.Sign())
}

func TestBuy_SoldOutListingIsRemoved(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.list(t, "amy", "coal", 5, 1)
	f.list(t, "bob", "coal", 5, 1)
	f.fund(t, "cat", 100)

	_, err := f.exchange.Buy(context.Background(), "cat", "coal", big.NewInt(10))
	require.NoError(t, err)
	assert.Nil(t, f.listing(t, "amy", "coal"))
	assert.Nil(t, f.listing(t, "bob", "coal"))
}

func TestBuy_RejectsBadQuantity(t *testing.T) {
	f := newFixture(t, t.TempDir())
	var ve *economy.ValidationError

	_, err := f.exchange.Buy(context.Background(), "cat", "coal", big.NewInt(0))
	assert.ErrorAs(t, err, &ve)
	_, err = f.exchange.Buy(context.Background(), "cat", "coal", nil)
	assert.ErrorAs(t, err, &ve)
}

func TestBuyBulk(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.list(t, "amy", "iron_ingot", 20, 1)
	f.fund(t, "cat", 100)

	r, err := f.exchange.BuyBulk(context.Background(), "cat", "iron_ingot", big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, int64(18), r.Units.Int64())
	assertMoney(t, 18, r.Total)
	assert.Equal(t, int64(2), f.listed(t, "amy", "iron_ingot"))
	assert.Equal(t, int64(2), f.held("cat", "iron_block"))
	assert.Zero(t, f.held("cat", "iron_ingot"))

	var ve *economy.ValidationError
	_, err = f.exchange.BuyBulk(context.Background(), "cat", "bow", big.NewInt(1))
	assert.ErrorAs(t, err, &ve)
}

func TestBuyEnchanted(t *testing.T) {
	f := newFixture(t, t.TempDir())
	book := commodity.Key(commodity.Book("sharpness", 1))
	f.list(t, "amy", book, 10, 5)
	f.fund(t, "cat", 100)

	r, err := f.exchange.BuyEnchanted(context.Background(), "cat", "sharpness", 3, big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, int64(8), r.Units.Int64())
	assertMoney(t, 40, r.Total)
	assert.Equal(t, int64(2), f.listed(t, "amy", book))
	assert.Equal(t, int64(2), f.held("cat", commodity.Key(commodity.Book("sharpness", 3))))

	var ve *economy.ValidationError
	_, err = f.exchange.BuyEnchanted(context.Background(), "cat", "sharpness", 0, big.NewInt(1))
	assert.ErrorAs(t, err, &ve)
	_, err = f.exchange.BuyEnchanted(context.Background(), "cat", "sharpness", 256, big.NewInt(1))
	assert.ErrorAs(t, err, &ve)

	// 2 books at level 4 need 16 units; only 2 remain.
	_, err = f.exchange.BuyEnchanted(context.Background(), "cat", "sharpness", 4, big.NewInt(2))
	assert.ErrorIs(t, err, economy.ErrInsufficientStock)
}

func TestBuy_ConservesCurrencyAndUnits(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, dir)
		sellers := rapid.IntRange(1, 5).Draw(rt, "sellers")
		stock := int64(0)
		for i := 0; i < sellers; i++ {
			n := rapid.Int64Range(1, 500).Draw(rt, "stock")
			price := float64(rapid.IntRange(1, 400).Draw(rt, "cents")) / 100
			f.list(t, fmt.Sprintf("seller-%d", i), "coal", n, price)
			stock += n
		}
		f.fund(t, "buyer", rapid.Int64Range(0, 5000).Draw(rt, "funds"))
		before, err := f.ledger.TotalCurrency(context.Background())
		require.NoError(t, err)

		req := rapid.Int64Range(1, stock+10).Draw(rt, "requested")
		r, err := f.exchange.Buy(context.Background(), "buyer", "coal", big.NewInt(req))

		after, _ := f.ledger.TotalCurrency(context.Background())
		if !before.Equal(after) {
			rt.Fatalf("currency changed from %s to %s", before, after)
		}

		remaining := int64(0)
		for i := 0; i < sellers; i++ {
			remaining += f.listed(t, fmt.Sprintf("seller-%d", i), "coal")
		}
		bought := f.held("buyer", "coal")
		if remaining+bought != stock {
			rt.Fatalf("listed %d + delivered %d != stock %d", remaining, bought, stock)
		}
		if err != nil {
			if bought != 0 {
				rt.Fatalf("rejected buy delivered %d", bought)
			}
			return
		}
		if bought != req || r.Units.Int64() != req {
			rt.Fatalf("delivered %d of %d", bought, req)
		}
	})
}
