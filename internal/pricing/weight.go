package pricing

import "math"

// Weight exponents and bounds.
const (
	scarcityExponent      = 0.65
	concentrationExponent = 0.35
	demandExponent        = 0.50

	minWeight = 1e-3
	maxWeight = 5.0
)

// Weight scores a commodity against the market average. Scarce, thinly
// listed, and in-demand commodities weigh more:
//
//	(avgQty/qty)^0.65 × (avgListings/listings)^0.35 × ((demand+1)/(avgDemand+1))^0.50
//
// clamped to [1e-3, 5].
func Weight(qty, avgQty, listings, avgListings, demand, avgDemand float64) float64 {
	if qty <= 0 {
		qty = 1
	}
	if listings <= 0 {
		listings = 1
	}
	w := math.Pow(avgQty/qty, scarcityExponent) *
		math.Pow(avgListings/listings, concentrationExponent) *
		math.Pow((demand+1)/(avgDemand+1), demandExponent)

	if math.IsNaN(w) {
		return minWeight
	}
	return math.Min(math.Max(w, minWeight), maxWeight)
}

// Distribute splits budget across commodities in proportion to weights,
// never assigning any commodity more than limit. Each round hands every
// commodity still under its cap a weighted share of what is left; those
// that reach the cap drop out and the rest share the leftover. Budget that
// no commodity can absorb stays unassigned.
func Distribute(budget float64, weights []float64, limit float64) []float64 {
	assigned := make([]float64, len(weights))
	if budget <= 0 || limit <= 0 {
		return assigned
	}

	active := make([]int, 0, len(weights))
	for i, w := range weights {
		if w > 0 {
			active = append(active, i)
		}
	}

	eps := budget * 1e-12
	remaining := budget
	for remaining > eps && len(active) > 0 {
		var total float64
		for _, i := range active {
			total += weights[i]
		}

		var allocated float64
		next := active[:0]
		for _, i := range active {
			share := remaining * weights[i] / total
			headroom := limit - assigned[i]
			if share >= headroom {
				share = headroom
			} else {
				next = append(next, i)
			}
			assigned[i] += share
			allocated += share
		}

		remaining -= allocated
		active = next
		if allocated <= eps {
			break
		}
	}
	return assigned
}
