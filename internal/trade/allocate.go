// Package trade executes purchases across many sellers' listings, lists
// participant goods for sale, and runs the auto-sell sweep.
package trade

import (
	"math/big"
	"sort"

	"github.com/talgya/mini-market/internal/economy"
)

// Allocate splits requested units across listings in proportion to their
// available stock, in exact integer arithmetic. Each listing first gets
// ⌊aᵢ·R/T⌋; the shortfall goes one unit at a time to the largest
// remainders (aᵢ·R mod T), ties to the larger stock and then the earlier
// listing. No listing is allocated beyond its stock and the allocations
// sum to requested.
func Allocate(available []*big.Int, requested *big.Int) ([]*big.Int, error) {
	if requested == nil || requested.Sign() <= 0 {
		return nil, economy.Invalid("quantity", "must be positive")
	}

	total := new(big.Int)
	for _, a := range available {
		if a.Sign() > 0 {
			total.Add(total, a)
		}
	}
	if total.Cmp(requested) < 0 {
		return nil, economy.ErrInsufficientStock
	}

	alloc := make([]*big.Int, len(available))
	rems := make([]*big.Int, len(available))
	assigned := new(big.Int)
	for i, a := range available {
		if a.Sign() <= 0 {
			alloc[i], rems[i] = new(big.Int), new(big.Int)
			continue
		}
		alloc[i], rems[i] = new(big.Int).QuoRem(new(big.Int).Mul(a, requested), total, new(big.Int))
		assigned.Add(assigned, alloc[i])
	}

	shortfall := new(big.Int).Sub(requested, assigned)
	if shortfall.Sign() == 0 {
		return alloc, nil
	}

	order := make([]int, len(available))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		i, j := order[x], order[y]
		if c := rems[i].Cmp(rems[j]); c != 0 {
			return c > 0
		}
		return available[i].Cmp(available[j]) > 0
	})

	one := big.NewInt(1)
	for shortfall.Sign() > 0 {
		progressed := false
		for _, i := range order {
			if shortfall.Sign() == 0 {
				break
			}
			if alloc[i].Cmp(available[i]) >= 0 {
				continue
			}
			alloc[i].Add(alloc[i], one)
			shortfall.Sub(shortfall, one)
			progressed = true
		}
		if !progressed {
			// Unreachable while total ≥ requested.
			return nil, economy.ErrInsufficientStock
		}
	}
	return alloc, nil
}
