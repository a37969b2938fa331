package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
)

// Placement kinds.
const (
	PlacedListing    = "listing"
	PlacedSubUnit    = "subunit"
	PlacedDurability = "durability"
)

// Placement is where part of a sale went: onto a listing, or into one of
// the seller's hidden accumulators.
type Placement struct {
	Kind     string   `json:"kind"`
	Key      string   `json:"commodity_key"`
	Quantity *big.Int `json:"quantity"` // Units, sub-units, or durability points
}

// Sale describes goods moved from an inventory onto the market.
type Sale struct {
	Seller     string      `json:"seller"`
	Item       string      `json:"item"`
	Quantity   *big.Int    `json:"quantity"`
	Placements []Placement `json:"placements"`
}

// Sell takes qty matching items out of the seller's inventory and lists
// them. New listings take the commodity's current price, or the floor when
// nobody lists it yet. Worn tools feed the seller's durability balance and
// sub-units feed the sub-unit balance until they make whole units.
func (x *Exchange) Sell(ctx context.Context, seller string, item commodity.Item, qty *big.Int) (Sale, error) {
	return x.sell(ctx, "sell", seller, item, qty)
}

func (x *Exchange) sell(ctx context.Context, source, seller string, item commodity.Item, qty *big.Int) (Sale, error) {
	if err := validQty(qty); err != nil {
		return Sale{}, err
	}
	item = x.registry.Normalize(item)
	if item.Material == "" {
		return Sale{}, economy.Invalid("item", "material is required")
	}
	key := commodity.Key(item)
	name := x.catalog.DisplayName(key)

	have, err := x.inventory.CountMatching(ctx, seller, item)
	if err != nil {
		return Sale{}, fmt.Errorf("count %s for %s: %w", key, seller, err)
	}
	if have.Cmp(qty) < 0 {
		return Sale{}, economy.Reject(economy.ErrInsufficientStock,
			"You only have %s %s.", humanize.BigComma(have), name)
	}
	if err := x.inventory.RemoveMatching(ctx, seller, item, qty); err != nil {
		return Sale{}, err
	}

	sale := Sale{Seller: seller, Item: key, Quantity: qty}
	err = x.db.Update(ctx, func(tx *persistence.Tx) error {
		placed, err := x.place(ctx, tx, seller, item, qty)
		if err != nil {
			return err
		}
		sale.Placements = placed
		if x.normalizer == nil {
			return nil
		}
		_, err = x.normalizer.Normalize(ctx, tx)
		return err
	})
	if err != nil {
		if derr := x.catalog.Deliver(ctx, seller, item, qty); derr != nil {
			slog.Error("returning unsold goods failed", "seller", seller, "commodity", key, "quantity", qty.String(), "error", derr)
		}
		slog.Error("listing failed", "seller", seller, "commodity", key, "error", err)
		var pe *economy.PersistenceError
		if errors.As(err, &pe) {
			return Sale{}, err
		}
		return Sale{}, economy.Persistence("sell", err)
	}

	slog.Info("goods listed",
		"seller", seller,
		"commodity", key,
		"quantity", humanize.BigComma(qty),
		"source", source,
	)
	x.metrics.ObserveListed(source, economy.QuantityFloat(qty))
	x.triggerRecalc()
	return sale, nil
}

// place writes sold goods into listings and accumulators, applying the
// same canonical forms the normalizer produces.
func (x *Exchange) place(ctx context.Context, tx *persistence.Tx, seller string, item commodity.Item, qty *big.Int) ([]Placement, error) {
	var placed []Placement

	damaged, remaining := item.Damaged(), item.Durability
	for _, part := range commodity.Split(item, qty) {
		it, n := part.Item, part.Quantity

		if damaged && !it.IsBook() {
			points := new(big.Int).Mul(n, big.NewInt(int64(remaining)))
			key := commodity.Key(it)
			if _, err := tx.AddAccumulator(ctx, persistence.KindDurability, seller, key, points); err != nil {
				return nil, err
			}
			placed = append(placed, Placement{Kind: PlacedDurability, Key: key, Quantity: points})
			continue
		}

		fam, form, ok := x.registry.Lookup(it.Material)
		if ok && form == commodity.FormBulk && len(it.Enchantments) == 0 {
			it = x.registry.Template(fam.Base)
			n = new(big.Int).Mul(n, big.NewInt(fam.BulkRatio))
		}
		if ok && form == commodity.FormSubUnit && len(it.Enchantments) == 0 {
			if _, err := tx.AddAccumulator(ctx, persistence.KindSubUnit, seller, fam.Base, n); err != nil {
				return nil, err
			}
			placed = append(placed, Placement{Kind: PlacedSubUnit, Key: fam.Base, Quantity: n})
			continue
		}

		key, err := x.list(ctx, tx, seller, commodity.Canonical(it), n)
		if err != nil {
			return nil, err
		}
		placed = append(placed, Placement{Kind: PlacedListing, Key: key, Quantity: n})
	}
	return placed, nil
}

// list adds n units to the seller's listing of an item, creating it at the
// going price when absent.
func (x *Exchange) list(ctx context.Context, tx *persistence.Tx, seller string, it commodity.Item, n *big.Int) (string, error) {
	key := commodity.Key(it)
	l, err := tx.Listing(ctx, seller, key)
	if err != nil && !errors.Is(err, economy.ErrNotFound) {
		return "", err
	}
	if l == nil {
		enc, err := commodity.Encode(it)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", key, err)
		}
		price, err := x.goingPrice(ctx, tx, key)
		if err != nil {
			return "", err
		}
		l = &economy.Listing{Key: key, Seller: seller, Item: enc, Quantity: new(big.Int), Price: price}
	}
	l.Quantity.Add(l.Quantity, n)
	return key, tx.PutListing(ctx, l)
}

// goingPrice is the price other sellers currently ask for key.
func (x *Exchange) goingPrice(ctx context.Context, tx *persistence.Tx, key string) (float64, error) {
	others, err := tx.ListingsByKey(ctx, key)
	if err != nil {
		return 0, err
	}
	for _, o := range others {
		if o.Price > 0 {
			return o.Price, nil
		}
	}
	return x.minPrice, nil
}

// Withdraw returns qty units of a seller's unsold listing to their
// inventory.
func (x *Exchange) Withdraw(ctx context.Context, seller, key string, qty *big.Int) (commodity.Item, error) {
	if err := validQty(qty); err != nil {
		return commodity.Item{}, err
	}
	name := x.catalog.DisplayName(key)

	var item commodity.Item
	err := x.db.Update(ctx, func(tx *persistence.Tx) error {
		l, err := tx.Listing(ctx, seller, key)
		if errors.Is(err, economy.ErrNotFound) {
			return economy.Reject(economy.ErrNotFound, "You are not selling any %s.", name)
		}
		if err != nil {
			return err
		}
		if l.Quantity.Cmp(qty) < 0 {
			return economy.Reject(economy.ErrInsufficientStock,
				"You only have %s %s listed.", humanize.BigComma(l.Quantity), name)
		}
		item = x.template(l)
		l.Quantity.Sub(l.Quantity, qty)
		return tx.PutListing(ctx, l)
	})
	if err != nil {
		var rej *economy.RejectError
		if errors.As(err, &rej) {
			return commodity.Item{}, err
		}
		slog.Error("withdraw failed", "seller", seller, "commodity", key, "error", err)
		return commodity.Item{}, economy.Persistence("withdraw", err)
	}

	if err := x.catalog.Deliver(ctx, seller, item, qty); err != nil {
		slog.Error("withdraw delivery failed", "seller", seller, "commodity", key, "quantity", qty.String(), "error", err)
		return item, fmt.Errorf("deliver %s: %w", key, err)
	}
	slog.Info("listing withdrawn", "seller", seller, "commodity", key, "quantity", humanize.BigComma(qty))
	x.triggerRecalc()
	return item, nil
}
