package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
)

var dbSeq atomic.Int64

const testFloor = 0.01

func openDB(t testing.TB, dir string) *persistence.DB {
	db, err := persistence.Open(filepath.Join(dir, fmt.Sprintf("market-%d.db", dbSeq.Add(1))))
	require.NoError(t, err)
	return db
}

// rawItem stores an item exactly as given, bypassing canonical encoding.
func rawItem(t testing.TB, it commodity.Item) string {
	data, err := json.Marshal(it)
	require.NoError(t, err)
	return string(data)
}

func put(t testing.TB, db *persistence.DB, l *economy.Listing) {
	require.NoError(t, db.Update(context.Background(), func(tx *persistence.Tx) error {
		return tx.PutListing(context.Background(), l)
	}))
}

func listings(t testing.TB, db *persistence.DB) map[string]*economy.Listing {
	out := make(map[string]*economy.Listing)
	require.NoError(t, db.View(context.Background(), func(tx *persistence.Tx) error {
		all, err := tx.Listings(context.Background())
		for _, l := range all {
			out[l.Seller+"/"+l.Key] = l
		}
		return err
	}))
	return out
}

func accumulator(t testing.TB, db *persistence.DB, kind, seller, key string) *big.Int {
	var amount *big.Int
	require.NoError(t, db.View(context.Background(), func(tx *persistence.Tx) error {
		var err error
		amount, err = tx.Accumulator(context.Background(), kind, seller, key)
		return err
	}))
	return amount
}

func normalize(t testing.TB, db *persistence.DB, n *Normalizer) Report {
	var rep Report
	require.NoError(t, db.Update(context.Background(), func(tx *persistence.Tx) error {
		var err error
		rep, err = n.Normalize(context.Background(), tx)
		return err
	}))
	return rep
}

func dirty(t testing.TB, db *persistence.DB, n *Normalizer) bool {
	var d bool
	require.NoError(t, db.View(context.Background(), func(tx *persistence.Tx) error {
		var err error
		d, err = n.Dirty(context.Background(), tx)
		return err
	}))
	return d
}

func TestNormalize_SubUnitCollapse(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	nugget := rawItem(t, commodity.Item{Material: "iron_nugget"})
	put(t, db, &economy.Listing{Key: "iron_nugget", Seller: "amy", Item: nugget, Quantity: big.NewInt(9), Price: 0.5})
	put(t, db, &economy.Listing{Key: "iron_nugget", Seller: "bob", Item: nugget, Quantity: big.NewInt(4), Price: 0.5})

	assert.True(t, dirty(t, db, n))
	rep := normalize(t, db, n)
	assert.Equal(t, 2, rep.SubUnitListings)
	assert.Equal(t, 1, rep.SubUnitConversions)

	got := listings(t, db)
	require.Len(t, got, 1)
	ingot := got["amy/iron_ingot"]
	require.NotNil(t, ingot)
	assert.Equal(t, int64(1), ingot.Quantity.Int64())

	assert.Zero(t, accumulator(t, db, persistence.KindSubUnit, "amy", "iron_ingot").Sign())
	assert.Equal(t, int64(4), accumulator(t, db, persistence.KindSubUnit, "bob", "iron_ingot").Int64())

	// Bob's queued sub-units convert once they reach a whole unit.
	put(t, db, &economy.Listing{Key: "iron_nugget", Seller: "bob", Item: nugget, Quantity: big.NewInt(5), Price: 0.5})
	normalize(t, db, n)
	got = listings(t, db)
	require.Contains(t, got, "bob/iron_ingot")
	assert.Equal(t, int64(1), got["bob/iron_ingot"].Quantity.Int64())
	assert.Zero(t, accumulator(t, db, persistence.KindSubUnit, "bob", "iron_ingot").Sign())
}

func TestNormalize_ConvertedUnitsPricedAtFloor(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	nugget := rawItem(t, commodity.Item{Material: "iron_nugget"})
	put(t, db, &economy.Listing{Key: "iron_nugget", Seller: "amy", Item: nugget, Quantity: big.NewInt(9)})
	worn := rawItem(t, commodity.Item{Material: "iron_sword", Durability: 125, MaxDurability: 250})
	put(t, db, &economy.Listing{Key: "iron_sword", Seller: "bob", Item: worn, Quantity: big.NewInt(2)})

	normalize(t, db, n)

	got := listings(t, db)
	require.Len(t, got, 2)
	require.Contains(t, got, "amy/iron_ingot")
	require.Contains(t, got, "bob/iron_sword")
	for key, l := range got {
		assert.Equal(t, int64(1), l.Quantity.Int64(), key)
		assert.GreaterOrEqual(t, l.Price, testFloor, key)
	}
	assert.False(t, dirty(t, db, n))
}

func TestNormalize_ConvertedUnitsTakeCurrentPrice(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	ingot := rawItem(t, commodity.Item{Material: "iron_ingot"})
	put(t, db, &economy.Listing{Key: "iron_ingot", Seller: "bob", Item: ingot, Quantity: big.NewInt(3), Price: 7})
	put(t, db, &economy.Listing{Key: "iron_nugget", Seller: "amy", Item: rawItem(t, commodity.Item{Material: "iron_nugget"}), Quantity: big.NewInt(18), Price: 0.5})

	normalize(t, db, n)

	got := listings(t, db)
	require.Contains(t, got, "amy/iron_ingot")
	assert.Equal(t, int64(2), got["amy/iron_ingot"].Quantity.Int64())
	assert.Equal(t, 7.0, got["amy/iron_ingot"].Price)
}

func TestNormalize_EnchantedToolSplit(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	reg := commodity.DefaultRegistry()
	n := New(reg, testFloor)

	sword := reg.Normalize(commodity.Item{Material: "iron_sword", Enchantments: map[string]int{"sharpness": 3}})
	enc, err := commodity.Encode(sword)
	require.NoError(t, err)
	put(t, db, &economy.Listing{Key: commodity.Key(sword), Seller: "amy", Item: enc, Quantity: big.NewInt(5), Price: 40})

	rep := normalize(t, db, n)
	assert.Equal(t, 1, rep.Splits)

	got := listings(t, db)
	require.Len(t, got, 2)
	assert.Equal(t, int64(5), got["amy/iron_sword"].Quantity.Int64())
	assert.InDelta(t, 20.0, got["amy/iron_sword"].Price, 1e-9)

	book := got["amy/enchanted_book[sharpness:1]"]
	require.NotNil(t, book)
	assert.Equal(t, int64(20), book.Quantity.Int64())
	assert.InDelta(t, 5.0, book.Price, 1e-9)

	// The parts share the listing's value.
	assert.InDelta(t, 5*40.0, 5*got["amy/iron_sword"].Price+20*book.Price, 1e-9)

	assert.False(t, dirty(t, db, n))
}

func TestNormalize_MultiEnchantBookSplitsAndMerges(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	multi := commodity.Item{Material: commodity.BookMaterial, Enchantments: map[string]int{"mending": 1, "unbreaking": 2}}
	single, err := commodity.Encode(commodity.Book("mending", 1))
	require.NoError(t, err)

	put(t, db, &economy.Listing{Key: commodity.Key(multi), Seller: "amy", Item: rawItem(t, multi), Quantity: big.NewInt(3), Price: 6})
	put(t, db, &economy.Listing{Key: "enchanted_book[mending:1]", Seller: "amy", Item: single, Quantity: big.NewInt(7), Price: 2})

	rep := normalize(t, db, n)
	assert.Equal(t, 1, rep.Splits)
	assert.Equal(t, 1, rep.Merges)

	got := listings(t, db)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got["amy/enchanted_book[mending:1]"].Quantity.Int64())
	assert.Equal(t, int64(6), got["amy/enchanted_book[unbreaking:1]"].Quantity.Int64())
}

func TestNormalize_BulkConversion(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	put(t, db, &economy.Listing{Key: "iron_block", Seller: "amy", Item: rawItem(t, commodity.Item{Material: "iron_block"}), Quantity: big.NewInt(2), Price: 90})
	put(t, db, &economy.Listing{Key: "iron_ingot", Seller: "amy", Item: rawItem(t, commodity.Item{Material: "iron_ingot"}), Quantity: big.NewInt(2), Price: 10})

	rep := normalize(t, db, n)
	assert.Equal(t, 1, rep.BulkConversions)

	got := listings(t, db)
	require.Len(t, got, 1)
	ingot := got["amy/iron_ingot"]
	assert.Equal(t, int64(20), ingot.Quantity.Int64())
	assert.InDelta(t, 10.0, ingot.Price, 1e-9)
}

func TestNormalize_DurabilityAccumulates(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	worn := commodity.Item{Material: "iron_sword", Durability: 100, MaxDurability: 250}
	put(t, db, &economy.Listing{Key: "iron_sword", Seller: "amy", Item: rawItem(t, worn), Quantity: big.NewInt(3), Price: 12})

	rep := normalize(t, db, n)
	assert.Equal(t, 1, rep.DurabilityListings)
	assert.Equal(t, 1, rep.DurabilityConversions)

	got := listings(t, db)
	require.Len(t, got, 1)
	sword := got["amy/iron_sword"]
	assert.Equal(t, int64(1), sword.Quantity.Int64())
	tpl, err := commodity.Decode(sword.Item)
	require.NoError(t, err)
	assert.False(t, tpl.Damaged())

	assert.Equal(t, int64(50), accumulator(t, db, persistence.KindDurability, "amy", "iron_sword").Int64())
	assert.False(t, dirty(t, db, n))
}

func TestNormalize_MalformedItemFallsBackToKey(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	put(t, db, &economy.Listing{Key: "coal", Seller: "amy", Item: "{not json", Quantity: big.NewInt(4), Price: 1})
	good, err := commodity.Encode(commodity.Item{Material: "diamond"})
	require.NoError(t, err)
	put(t, db, &economy.Listing{Key: "diamond", Seller: "bob", Item: good, Quantity: big.NewInt(2), Price: 9})

	rep := normalize(t, db, n)
	assert.Equal(t, 1, rep.Rebuilds)
	assert.Equal(t, 1, rep.Written)

	got := listings(t, db)
	require.Len(t, got, 2)
	assert.Equal(t, `{"material":"coal"}`, got["amy/coal"].Item)
	assert.Equal(t, int64(4), got["amy/coal"].Quantity.Int64())
	assert.Equal(t, good, got["bob/diamond"].Item)
}

func TestNormalize_CleanStoreIsNotDirty(t *testing.T) {
	db := openDB(t, t.TempDir())
	defer db.Close()
	n := New(commodity.DefaultRegistry(), testFloor)

	put(t, db, &economy.Listing{Key: "coal", Seller: "amy", Item: `{"material":"coal"}`, Quantity: big.NewInt(1), Price: 1})
	put(t, db, &economy.Listing{Key: "coal", Seller: "bob", Item: `{"material":"coal"}`, Quantity: big.NewInt(8), Price: 1.25})

	assert.False(t, dirty(t, db, n))
	assert.False(t, normalize(t, db, n).Changed())
}

// ironContent measures the iron family in nuggets, listed or hidden.
func ironContent(t testing.TB, db *persistence.DB) *big.Int {
	total := new(big.Int)
	require.NoError(t, db.View(context.Background(), func(tx *persistence.Tx) error {
		all, err := tx.Listings(context.Background())
		if err != nil {
			return err
		}
		for _, l := range all {
			var per int64
			switch l.Key {
			case "iron_nugget":
				per = 1
			case "iron_ingot":
				per = 9
			case "iron_block":
				per = 81
			}
			total.Add(total, new(big.Int).Mul(l.Quantity, big.NewInt(per)))
		}
		accs, err := tx.Accumulators(context.Background(), persistence.KindSubUnit)
		for _, a := range accs {
			total.Add(total, a.Amount)
		}
		return err
	}))
	return total
}

func TestNormalize_IdempotentAndConserving(t *testing.T) {
	dir := t.TempDir()
	reg := commodity.DefaultRegistry()
	n := New(reg, testFloor)

	materials := []string{"iron_ingot", "iron_nugget", "iron_block", "coal", "coal_block", commodity.BookMaterial, "diamond_sword"}
	enchants := []string{"sharpness", "mending", "unbreaking"}

	rapid.Check(t, func(rt *rapid.T) {
		db := openDB(t, dir)
		defer db.Close()

		count := rapid.IntRange(1, 12).Draw(rt, "listings")
		for i := 0; i < count; i++ {
			it := commodity.Item{Material: rapid.SampledFrom(materials).Draw(rt, "material")}
			if it.Material == commodity.BookMaterial || it.Material == "diamond_sword" {
				for _, e := range enchants {
					if level := rapid.IntRange(0, 4).Draw(rt, "level"); level > 0 {
						if it.Enchantments == nil {
							it.Enchantments = make(map[string]int)
						}
						it.Enchantments[e] = level
					}
				}
			}
			if it.Material == "diamond_sword" {
				it.MaxDurability = 1561
				it.Durability = rapid.IntRange(1, 1561).Draw(rt, "durability")
			}
			if it.Material == commodity.BookMaterial && len(it.Enchantments) == 0 {
				it.Enchantments = map[string]int{"mending": 1}
			}
			put(t, db, &economy.Listing{
				Key:      commodity.Key(it),
				Seller:   rapid.SampledFrom([]string{"amy", "bob"}).Draw(rt, "seller"),
				Item:     rawItem(t, it),
				Quantity: big.NewInt(int64(rapid.IntRange(1, 50).Draw(rt, "qty"))),
				Price:    float64(rapid.IntRange(1, 100).Draw(rt, "price")),
			})
		}

		before := ironContent(t, db)
		normalize(t, db, n)
		after := ironContent(t, db)
		if before.Cmp(after) != 0 {
			rt.Fatalf("iron content changed: %s → %s", before, after)
		}

		snapshot := listings(t, db)
		if dirty(t, db, n) {
			rt.Fatalf("store still dirty after normalization")
		}
		if rep := normalize(t, db, n); rep.Changed() {
			rt.Fatalf("second pass changed the store: %+v", rep)
		}
		again := listings(t, db)
		if len(again) != len(snapshot) {
			rt.Fatalf("listing count changed: %d → %d", len(snapshot), len(again))
		}
		for k, l := range snapshot {
			if a, ok := again[k]; !ok || a.Quantity.Cmp(l.Quantity) != 0 || a.Item != l.Item {
				rt.Fatalf("listing %s changed on second pass", k)
			}
		}
	})
}
