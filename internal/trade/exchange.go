package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/demand"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/inventory"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/metrics"
	"github.com/talgya/mini-market/internal/normalize"
	"github.com/talgya/mini-market/internal/persistence"
)

// Recalculator schedules a price recalculation.
type Recalculator interface {
	Trigger(force bool, done func(error))
}

// Exchange executes purchases, listings, and withdrawals.
type Exchange struct {
	db         *persistence.DB
	ledger     ledger.Ledger
	inventory  inventory.Source
	catalog    inventory.Catalog
	registry   *commodity.Registry
	demand     *demand.Tracker
	recalc     Recalculator
	normalizer *normalize.Normalizer
	metrics    *metrics.Metrics
	minPrice   float64

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Deps are the collaborators of an Exchange.
type Deps struct {
	DB         *persistence.DB
	Ledger     ledger.Ledger
	Inventory  inventory.Source
	Catalog    inventory.Catalog
	Registry   *commodity.Registry
	Demand     *demand.Tracker
	Recalc     Recalculator // May be nil
	Normalizer *normalize.Normalizer
	Metrics    *metrics.Metrics
	MinPrice   float64 // Price of a commodity's first listing
}

// NewExchange wires an exchange.
func NewExchange(d Deps) *Exchange {
	return &Exchange{
		db:         d.DB,
		ledger:     d.Ledger,
		inventory:  d.Inventory,
		catalog:    d.Catalog,
		registry:   d.Registry,
		demand:     d.Demand,
		recalc:     d.Recalc,
		normalizer: d.Normalizer,
		metrics:    d.Metrics,
		minPrice:   d.MinPrice,
		Now:        time.Now,
	}
}

// Fill is one seller's share of a purchase.
type Fill struct {
	Seller   string          `json:"seller"`
	Quantity *big.Int        `json:"quantity"`
	Price    float64         `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
}

// Receipt describes a completed purchase.
type Receipt struct {
	ID        string          `json:"id"`
	Buyer     string          `json:"buyer"`
	Key       string          `json:"commodity_key"`
	Units     *big.Int        `json:"units"` // Canonical units drawn from listings
	Item      commodity.Item  `json:"item"`  // What was delivered
	Delivered *big.Int        `json:"delivered"`
	Fills     []Fill          `json:"fills"`
	Total     decimal.Decimal `json:"total"`
	At        time.Time       `json:"at"`
}

// purchase is a buy resolved to canonical units plus what to deliver.
type purchase struct {
	kind      string
	key       string
	units     *big.Int
	item      commodity.Item // Delivered item; zero means the listing template
	delivered *big.Int
}

// Buy purchases qty units of a commodity.
func (x *Exchange) Buy(ctx context.Context, buyer, key string, qty *big.Int) (Receipt, error) {
	if err := validQty(qty); err != nil {
		return Receipt{}, err
	}
	return x.buy(ctx, buyer, purchase{kind: "buy", key: key, units: qty, delivered: qty})
}

// BuyBulk purchases qty units of a family's bulk form. The request draws
// qty × ratio base units and delivers qty bulk items.
func (x *Exchange) BuyBulk(ctx context.Context, buyer, baseKey string, qty *big.Int) (Receipt, error) {
	if err := validQty(qty); err != nil {
		return Receipt{}, err
	}
	fam, ok := x.registry.FamilyOf(baseKey)
	if !ok || !fam.HasBulk() {
		return Receipt{}, economy.Invalid("commodity", "%s has no bulk form", baseKey)
	}
	units := new(big.Int).Mul(qty, big.NewInt(fam.BulkRatio))
	return x.buy(ctx, buyer, purchase{
		kind:      "bulk",
		key:       fam.Base,
		units:     units,
		item:      x.registry.Template(fam.Bulk),
		delivered: new(big.Int).Quo(units, big.NewInt(fam.BulkRatio)),
	})
}

// BuyEnchanted purchases qty books carrying enchant at level. The request
// draws qty × 2^(level-1) level-1 books, reassembled on delivery.
func (x *Exchange) BuyEnchanted(ctx context.Context, buyer, enchant string, level int, qty *big.Int) (Receipt, error) {
	if err := validQty(qty); err != nil {
		return Receipt{}, err
	}
	if err := commodity.ValidateLevel(level); err != nil {
		return Receipt{}, economy.Invalid("level", "%d is outside 1..%d", level, commodity.MaxEnchantLevel)
	}
	if enchant == "" {
		return Receipt{}, economy.Invalid("enchantment", "is required")
	}
	units := new(big.Int).Mul(qty, commodity.EnchantMultiplier(level))
	books, _ := commodity.BooksAtLevel(units, level)
	return x.buy(ctx, buyer, purchase{
		kind:      "enchanted",
		key:       commodity.Key(commodity.Book(enchant, 1)),
		units:     units,
		item:      commodity.Canonical(commodity.Book(enchant, level)),
		delivered: books,
	})
}

func validQty(qty *big.Int) error {
	if qty == nil || qty.Sign() <= 0 {
		return economy.Invalid("quantity", "must be positive")
	}
	return nil
}

// buy drains listings proportionally, settles every seller at their own
// price, and appends one demand event, all in one store transaction. Stock
// and funds rejections leave everything unchanged.
func (x *Exchange) buy(ctx context.Context, buyer string, p purchase) (Receipt, error) {
	now := x.Now()
	name := x.catalog.DisplayName(p.key)
	receipt := Receipt{
		ID:        uuid.NewString(),
		Buyer:     buyer,
		Key:       p.key,
		Units:     p.units,
		Item:      p.item,
		Delivered: p.delivered,
		At:        now,
	}
	settle := ledger.NewSettlement(x.ledger)

	err := x.db.Update(ctx, func(tx *persistence.Tx) error {
		listings, err := tx.ListingsByKey(ctx, p.key)
		if err != nil {
			return err
		}
		available := make([]*big.Int, len(listings))
		for i, l := range listings {
			available[i] = l.Quantity
		}
		alloc, err := Allocate(available, p.units)
		if errors.Is(err, economy.ErrInsufficientStock) {
			return economy.Reject(economy.ErrInsufficientStock,
				"Only %s %s available.", humanize.BigComma(economy.TotalQuantity(listings)), name)
		}
		if err != nil {
			return err
		}

		total := decimal.Zero
		for i, l := range listings {
			if alloc[i].Sign() == 0 {
				continue
			}
			amount := economy.Cost(alloc[i], l.Price)
			receipt.Fills = append(receipt.Fills, Fill{Seller: l.Seller, Quantity: alloc[i], Price: l.Price, Amount: amount})
			total = total.Add(amount)
		}
		receipt.Total = total

		balance, err := x.ledger.Balance(ctx, buyer)
		if err != nil {
			return fmt.Errorf("balance %s: %w", buyer, err)
		}
		if balance.LessThan(total) {
			return fundsRejection(total, balance)
		}
		if err := settle.Transfer(ctx, buyer, total.Neg()); err != nil {
			if errors.Is(err, economy.ErrInsufficientFunds) {
				return fundsRejection(total, balance)
			}
			return err
		}

		for i, l := range listings {
			if alloc[i].Sign() == 0 {
				continue
			}
			rest := l.Clone()
			rest.Quantity.Sub(rest.Quantity, alloc[i])
			if err := tx.PutListing(ctx, rest); err != nil {
				return err
			}
		}
		for _, f := range receipt.Fills {
			if err := tx.RecordSale(ctx, f.Seller, buyer, f.Quantity, f.Amount); err != nil {
				return err
			}
			if err := settle.Transfer(ctx, f.Seller, f.Amount); err != nil {
				return fmt.Errorf("pay %s: %w", f.Seller, err)
			}
		}

		if receipt.Item.Material == "" {
			receipt.Item = x.template(listings[0])
		}
		return x.demand.RecordTx(ctx, tx, p.key, p.units, now)
	})
	if err != nil {
		if rerr := settle.Reverse(ctx); rerr != nil {
			slog.Error("purchase settlement reversal failed", "buyer", buyer, "commodity", p.key, "error", rerr)
		}
		var rej *economy.RejectError
		if errors.As(err, &rej) {
			x.metrics.ObserveRejection(rejectionReason(rej))
			return Receipt{}, err
		}
		slog.Error("purchase failed", "buyer", buyer, "commodity", p.key, "error", err)
		return Receipt{}, economy.Persistence("buy", err)
	}

	if err := x.catalog.Deliver(ctx, buyer, receipt.Item, receipt.Delivered); err != nil {
		// Paid and recorded but not delivered; needs operator attention.
		slog.Error("purchase delivery failed", "receipt", receipt.ID, "buyer", buyer, "commodity", p.key, "error", err)
		return receipt, fmt.Errorf("deliver %s: %w", receipt.ID, err)
	}

	slog.Info("purchase completed",
		"receipt", receipt.ID,
		"buyer", buyer,
		"commodity", p.key,
		"units", humanize.BigComma(p.units),
		"sellers", len(receipt.Fills),
		"total", receipt.Total.StringFixed(2),
	)
	x.metrics.ObservePurchase(p.kind, p.key, economy.QuantityFloat(p.units), receipt.Total.InexactFloat64())
	x.triggerRecalc()
	return receipt, nil
}

func fundsRejection(total, balance decimal.Decimal) error {
	return economy.Reject(economy.ErrInsufficientFunds,
		"That costs %s but you only have %s.", total.StringFixed(2), balance.StringFixed(2))
}

func rejectionReason(rej *economy.RejectError) string {
	if errors.Is(rej, economy.ErrInsufficientFunds) {
		return "funds"
	}
	return "stock"
}

// template decodes a listing's item, falling back to the key template.
func (x *Exchange) template(l *economy.Listing) commodity.Item {
	it, err := commodity.Decode(l.Item)
	if err != nil {
		return x.registry.Template(l.Key)
	}
	return commodity.Canonical(x.registry.Normalize(it))
}

func (x *Exchange) triggerRecalc() {
	if x.recalc == nil {
		return
	}
	x.recalc.Trigger(false, func(err error) {
		if err != nil {
			slog.Warn("recalculation after trade failed", "error", err)
		}
	})
}
