package normalize

import (
	"context"
	"log/slog"
	"math/big"
	"sort"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
	"github.com/talgya/mini-market/internal/persistence"
)

type slot struct {
	seller string
	key    string
}

func lessSlot(a, b slot) bool {
	if a.seller != b.seller {
		return a.seller < b.seller
	}
	return a.key < b.key
}

// target is the listing a slot should hold once normalized.
type target struct {
	item    commodity.Item
	qty     *big.Int
	price   float64
	value   float64 // Σ quantity×price over merged sources
	units   float64 // Σ quantity over merged sources
	sources int
}

func (t *target) finalPrice() float64 {
	if t.sources > 1 && t.units > 0 {
		return t.value / t.units
	}
	return t.price
}

type accWrite struct {
	kind   string
	seller string
	key    string
	amount *big.Int
}

// plan is the full set of writes one normalization pass would make.
type plan struct {
	reg   *commodity.Registry
	floor float64

	originals map[slot]*economy.Listing
	targets   map[slot]*target
	known     map[string]float64 // Current price per commodity key

	subunits   map[slot]*big.Int // Keyed by (seller, base material)
	durability map[slot]*big.Int // Keyed by (seller, base key)
	accOrig    map[string]map[slot]*big.Int

	deletes []slot
	puts    []*economy.Listing
	rebuild map[slot]bool
	accs    []accWrite

	report Report
}

func newPlan(reg *commodity.Registry, floor float64) *plan {
	return &plan{
		reg:        reg,
		floor:      floor,
		originals:  make(map[slot]*economy.Listing),
		targets:    make(map[slot]*target),
		known:      make(map[string]float64),
		subunits:   make(map[slot]*big.Int),
		durability: make(map[slot]*big.Int),
		accOrig:    make(map[string]map[slot]*big.Int),
		rebuild:    make(map[slot]bool),
	}
}

// template decodes a stored item. Malformed records fall back to the
// template implied by the commodity key.
func (p *plan) template(l *economy.Listing) commodity.Item {
	it, err := commodity.Decode(l.Item)
	if err != nil {
		slog.Warn("malformed listing item, using key template",
			"seller", l.Seller, "commodity", l.Key, "error", err)
		return p.reg.Template(l.Key)
	}
	return p.reg.Normalize(it)
}

// add merges a priced source into a slot.
func (p *plan) add(s slot, it commodity.Item, qty *big.Int, price float64) {
	t, ok := p.targets[s]
	if !ok {
		t = &target{item: commodity.Canonical(it), qty: new(big.Int)}
		p.targets[s] = t
	}
	if t.sources > 0 {
		p.report.Merges++
	} else {
		t.price = price
	}
	t.sources++
	t.qty.Add(t.qty, qty)
	q := economy.QuantityFloat(qty)
	t.units += q
	t.value += q * price
}

// credit adds units converted from an accumulator. They carry no price of
// their own: a new listing takes the commodity's current price, or the
// floor when nobody lists it at a positive price.
func (p *plan) credit(s slot, it commodity.Item, qty *big.Int) {
	t, ok := p.targets[s]
	if !ok {
		price := p.known[s.key]
		if price <= 0 {
			price = p.floor
		}
		t = &target{item: commodity.Canonical(it), qty: new(big.Int), price: price}
		p.targets[s] = t
	}
	t.qty.Add(t.qty, qty)
}

func bump(m map[slot]*big.Int, s slot, n *big.Int) {
	cur, ok := m[s]
	if !ok {
		cur = new(big.Int)
		m[s] = cur
	}
	cur.Add(cur, n)
}

func (p *plan) loadAccumulators(ctx context.Context, tx *persistence.Tx, kind string, into map[slot]*big.Int) error {
	accs, err := tx.Accumulators(ctx, kind)
	if err != nil {
		return err
	}
	orig := make(map[slot]*big.Int, len(accs))
	for _, a := range accs {
		s := slot{seller: a.Seller, key: a.Key}
		orig[s] = a.Amount
		into[s] = new(big.Int).Set(a.Amount)
	}
	p.accOrig[kind] = orig
	return nil
}

// build reads the store and computes every write without applying any.
func (p *plan) build(ctx context.Context, tx *persistence.Tx) error {
	listings, err := tx.Listings(ctx)
	if err != nil {
		return err
	}
	if err := p.loadAccumulators(ctx, tx, persistence.KindSubUnit, p.subunits); err != nil {
		return err
	}
	if err := p.loadAccumulators(ctx, tx, persistence.KindDurability, p.durability); err != nil {
		return err
	}

	for _, l := range listings {
		p.originals[slot{seller: l.Seller, key: l.Key}] = l
		if l.Price > 0 && p.known[l.Key] <= 0 {
			p.known[l.Key] = l.Price
		}
	}

	for _, l := range listings {
		if l.Quantity.Sign() == 0 {
			continue
		}
		p.listing(l)
	}

	p.collapseSubUnits()
	p.collapseDurability()
	p.diff()
	return nil
}

// listing applies the per-listing rules: enchantment split, durability
// accumulation, bulk conversion, sub-unit collapse, and merge. A split
// listing's value is shared evenly among its parts.
func (p *plan) listing(l *economy.Listing) {
	item := p.template(l)
	damaged, remaining := item.Damaged(), item.Durability

	parts := commodity.Split(item, l.Quantity)
	if commodity.NeedsSplit(item) {
		p.report.Splits++
	}

	for _, part := range parts {
		it, qty := part.Item, part.Quantity
		price := partPrice(l, len(parts), qty)

		if damaged && !it.IsBook() {
			points := new(big.Int).Mul(qty, big.NewInt(int64(remaining)))
			bump(p.durability, slot{seller: l.Seller, key: commodity.Key(it)}, points)
			p.report.DurabilityListings++
			continue
		}

		fam, form, ok := p.reg.Lookup(it.Material)
		if ok && form == commodity.FormBulk && len(it.Enchantments) == 0 {
			it = p.reg.Template(fam.Base)
			qty = new(big.Int).Mul(qty, big.NewInt(fam.BulkRatio))
			price /= float64(fam.BulkRatio)
			p.report.BulkConversions++
		}
		if ok && form == commodity.FormSubUnit && len(it.Enchantments) == 0 {
			bump(p.subunits, slot{seller: l.Seller, key: fam.Base}, qty)
			p.report.SubUnitListings++
			continue
		}

		p.add(slot{seller: l.Seller, key: commodity.Key(it)}, it, qty, price)
	}
}

// partPrice is the unit price of one of n parts split from l.
func partPrice(l *economy.Listing, n int, qty *big.Int) float64 {
	if n == 1 && qty.Cmp(l.Quantity) == 0 {
		return l.Price
	}
	value := l.Price * economy.QuantityFloat(l.Quantity) / float64(n)
	return value / economy.QuantityFloat(qty)
}

func sortedSlots(m map[slot]*big.Int) []slot {
	out := make([]slot, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return lessSlot(out[i], out[j]) })
	return out
}

// collapseSubUnits turns each seller's whole sub-unit multiples into base
// units, keeping the remainder hidden.
func (p *plan) collapseSubUnits() {
	for _, s := range sortedSlots(p.subunits) {
		amount := p.subunits[s]
		fam, ok := p.reg.FamilyOf(s.key)
		if !ok || !fam.HasSubUnit() {
			// Family no longer registered; leave the balance alone.
			continue
		}
		whole, rest := new(big.Int).QuoRem(amount, big.NewInt(fam.SubUnitRatio), new(big.Int))
		if whole.Sign() > 0 {
			tpl := p.reg.Template(fam.Base)
			p.credit(slot{seller: s.seller, key: commodity.Key(tpl)}, tpl, whole)
			p.report.SubUnitConversions++
		}
		p.setAccumulator(persistence.KindSubUnit, s, rest)
	}
}

// collapseDurability turns each seller's durability points into
// full-durability units once they cover a whole item.
func (p *plan) collapseDurability() {
	for _, s := range sortedSlots(p.durability) {
		points := p.durability[s]
		tpl := p.reg.Template(s.key)
		limit := p.reg.MaxDurability(tpl.Material)
		if limit <= 0 {
			continue
		}
		whole, rest := new(big.Int).QuoRem(points, big.NewInt(int64(limit)), new(big.Int))
		if whole.Sign() > 0 {
			p.credit(slot{seller: s.seller, key: commodity.Key(tpl)}, tpl, whole)
			p.report.DurabilityConversions++
		}
		p.setAccumulator(persistence.KindDurability, s, rest)
	}
}

func (p *plan) setAccumulator(kind string, s slot, amount *big.Int) {
	orig, ok := p.accOrig[kind][s]
	if ok && orig.Cmp(amount) == 0 {
		return
	}
	if !ok && amount.Sign() == 0 {
		return
	}
	p.accs = append(p.accs, accWrite{kind: kind, seller: s.seller, key: s.key, amount: amount})
}

// diff compares targets against stored listings.
func (p *plan) diff() {
	for s := range p.originals {
		if t, ok := p.targets[s]; !ok || t.qty.Sign() == 0 {
			p.deletes = append(p.deletes, s)
		}
	}
	sort.Slice(p.deletes, func(i, j int) bool { return lessSlot(p.deletes[i], p.deletes[j]) })
	p.report.Removed = len(p.deletes)

	slots := make([]slot, 0, len(p.targets))
	for s, t := range p.targets {
		if t.qty.Sign() > 0 {
			slots = append(slots, s)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return lessSlot(slots[i], slots[j]) })

	for _, s := range slots {
		t := p.targets[s]
		enc, err := commodity.Encode(t.item)
		if err != nil {
			slog.Warn("cannot encode item, skipping", "seller", s.seller, "commodity", s.key, "error", err)
			continue
		}
		price := t.finalPrice()

		orig, ok := p.originals[s]
		if ok && orig.Item == enc && orig.Quantity.Cmp(t.qty) == 0 && orig.Price == price {
			continue
		}
		if ok && orig.Item != enc {
			p.rebuild[s] = true
			p.report.Rebuilds++
		}
		p.puts = append(p.puts, &economy.Listing{
			Key:      s.key,
			Seller:   s.seller,
			Item:     enc,
			Quantity: new(big.Int).Set(t.qty),
			Price:    price,
		})
	}
	p.report.Written = len(p.puts)
	p.report.Accumulators = len(p.accs)
}

// apply writes the plan.
func (p *plan) apply(ctx context.Context, tx *persistence.Tx) error {
	for _, s := range p.deletes {
		if err := tx.DeleteListing(ctx, s.seller, s.key); err != nil {
			return err
		}
	}
	for _, l := range p.puts {
		s := slot{seller: l.Seller, key: l.Key}
		if p.rebuild[s] {
			if err := tx.DeleteListing(ctx, s.seller, s.key); err != nil {
				return err
			}
		}
		if err := tx.PutListing(ctx, l); err != nil {
			return err
		}
	}
	for _, a := range p.accs {
		if err := tx.SetAccumulator(ctx, a.kind, a.seller, a.key, a.amount); err != nil {
			return err
		}
	}
	return nil
}
