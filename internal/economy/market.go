// Package economy provides the marketplace data model: listings, derived
// commodity aggregates, participant stats, and demand events.
package economy

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/commodity"
)

// GlobalParticipant is the stats row that totals every sale.
const GlobalParticipant = "global"

// Listing is one seller's stock of one commodity.
type Listing struct {
	Key      string   `json:"commodity_key"`
	Seller   string   `json:"seller"`
	Item     string   `json:"item"` // Canonical item template (commodity.Encode)
	Quantity *big.Int `json:"quantity"`
	Price    float64  `json:"price"` // Crowns per base unit
}

// Clone returns a deep copy.
func (l *Listing) Clone() *Listing {
	c := *l
	if l.Quantity != nil {
		c.Quantity = new(big.Int).Set(l.Quantity)
	}
	return &c
}

// Value returns quantity × price.
func (l *Listing) Value() float64 {
	return QuantityFloat(l.Quantity) * l.Price
}

// CommodityAggregate groups every listing sharing a commodity key.
// Derived on demand, never persisted.
type CommodityAggregate struct {
	Key          string         `json:"commodity_key"`
	Template     commodity.Item `json:"template"`
	Quantity     *big.Int       `json:"quantity"`
	Sellers      int            `json:"sellers"`       // Distinct sellers
	ListingCount int            `json:"listing_count"` // Listings (equal to Sellers once normalized)
	Price        float64        `json:"price"`         // Price of the first listing, for display
	Listings     []*Listing     `json:"-"`
}

// BuildAggregates groups listings by commodity key, sorted by key.
// Templates are resolved through reg when the stored one cannot be decoded.
func BuildAggregates(listings []*Listing, reg *commodity.Registry) []*CommodityAggregate {
	byKey := make(map[string]*CommodityAggregate)
	sellers := make(map[string]map[string]struct{})

	for _, l := range listings {
		agg, ok := byKey[l.Key]
		if !ok {
			tpl, err := commodity.Decode(l.Item)
			if err != nil {
				tpl = reg.Template(l.Key)
			}
			agg = &CommodityAggregate{
				Key:      l.Key,
				Template: tpl,
				Quantity: new(big.Int),
				Price:    l.Price,
			}
			byKey[l.Key] = agg
			sellers[l.Key] = make(map[string]struct{})
		}
		agg.Quantity.Add(agg.Quantity, l.Quantity)
		agg.ListingCount++
		agg.Listings = append(agg.Listings, l)
		sellers[l.Key][l.Seller] = struct{}{}
	}

	out := make([]*CommodityAggregate, 0, len(byKey))
	for key, agg := range byKey {
		agg.Sellers = len(sellers[key])
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// TotalQuantity sums listing quantities.
func TotalQuantity(listings []*Listing) *big.Int {
	total := new(big.Int)
	for _, l := range listings {
		total.Add(total, l.Quantity)
	}
	return total
}

// QuantityFloat converts an exact quantity for use in price math.
func QuantityFloat(q *big.Int) float64 {
	if q == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(q).Float64()
	return f
}

// ClampPrice bounds a price by floor and ceiling. The floor wins when the
// ceiling is below it, which happens when no currency exists.
func ClampPrice(price, floor, ceiling float64) float64 {
	if price > ceiling {
		price = ceiling
	}
	if price < floor {
		price = floor
	}
	return price
}

// Cost returns the exact charge for qty units at price.
func Cost(qty *big.Int, price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Mul(decimal.NewFromBigInt(qty, 0))
}

// DemandEvent records one completed purchase.
type DemandEvent struct {
	Key       string   `json:"commodity_key"`
	Quantity  *big.Int `json:"quantity"`
	Timestamp int64    `json:"timestamp"` // Unix seconds
}

// Stats are running sale counters for a participant or GlobalParticipant.
type Stats struct {
	Participant string          `json:"participant"`
	ItemsBought *big.Int        `json:"items_bought"`
	ItemsSold   *big.Int        `json:"items_sold"`
	MoneySpent  decimal.Decimal `json:"money_spent"`
	MoneyEarned decimal.Decimal `json:"money_earned"`
}

// NewStats returns a zeroed stats row.
func NewStats(participant string) *Stats {
	return &Stats{
		Participant: participant,
		ItemsBought: new(big.Int),
		ItemsSold:   new(big.Int),
		MoneySpent:  decimal.Zero,
		MoneyEarned: decimal.Zero,
	}
}

// Add accumulates a delta into s.
func (s *Stats) Add(delta StatsDelta) {
	if delta.ItemsBought != nil {
		s.ItemsBought.Add(s.ItemsBought, delta.ItemsBought)
	}
	if delta.ItemsSold != nil {
		s.ItemsSold.Add(s.ItemsSold, delta.ItemsSold)
	}
	s.MoneySpent = s.MoneySpent.Add(delta.MoneySpent)
	s.MoneyEarned = s.MoneyEarned.Add(delta.MoneyEarned)
}

// StatsDelta is an increment applied to a Stats row.
type StatsDelta struct {
	ItemsBought *big.Int
	ItemsSold   *big.Int
	MoneySpent  decimal.Decimal
	MoneyEarned decimal.Decimal
}
