// Package ledger defines the currency ledger the marketplace settles against.
package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/economy"
)

// Ledger holds every participant's currency balance, online or not.
type Ledger interface {
	// Balance returns a participant's balance; unknown participants hold zero.
	Balance(ctx context.Context, participant string) (decimal.Decimal, error)

	// Transfer credits a positive amount or debits a negative one. A debit
	// that would overdraw fails with economy.ErrInsufficientFunds.
	Transfer(ctx context.Context, participant string, amount decimal.Decimal) error

	// TotalCurrency returns the sum of all balances.
	TotalCurrency(ctx context.Context) (decimal.Decimal, error)
}

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]decimal.Decimal)}
}

// Balance implements Ledger.
func (m *Memory) Balance(_ context.Context, participant string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[participant], nil
}

// Transfer implements Ledger.
func (m *Memory) Transfer(_ context.Context, participant string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.balances[participant].Add(amount)
	if next.IsNegative() {
		return economy.ErrInsufficientFunds
	}
	m.balances[participant] = next
	return nil
}

// TotalCurrency implements Ledger.
func (m *Memory) TotalCurrency(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, b := range m.balances {
		total = total.Add(b)
	}
	return total, nil
}

// Participants returns every participant with an account, sorted.
func (m *Memory) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.balances))
	for p := range m.balances {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Settlement is a set of transfers applied together. If any transfer
// fails, the ones already applied are reversed.
type Settlement struct {
	ledger  Ledger
	applied []entry
}

type entry struct {
	participant string
	amount      decimal.Decimal
}

// NewSettlement starts a settlement against l.
func NewSettlement(l Ledger) *Settlement {
	return &Settlement{ledger: l}
}

// Transfer applies one transfer and remembers it for Reverse.
func (s *Settlement) Transfer(ctx context.Context, participant string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := s.ledger.Transfer(ctx, participant, amount); err != nil {
		return err
	}
	s.applied = append(s.applied, entry{participant: participant, amount: amount})
	return nil
}

// Reverse undoes applied transfers in reverse order. It returns the first
// error encountered but keeps reversing the rest.
func (s *Settlement) Reverse(ctx context.Context) error {
	var first error
	for i := len(s.applied) - 1; i >= 0; i-- {
		e := s.applied[i]
		if err := s.ledger.Transfer(ctx, e.participant, e.amount.Neg()); err != nil && first == nil {
			first = err
		}
	}
	s.applied = nil
	return first
}
