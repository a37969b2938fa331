// Package inventory defines the participant inventory and catalog contracts
// the marketplace uses to take and deliver goods, with an in-memory
// implementation.
package inventory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
)

// Source reads and removes goods from participant inventories. Matching
// ignores quantity and cosmetic fields.
type Source interface {
	CountMatching(ctx context.Context, participant string, item commodity.Item) (*big.Int, error)
	RemoveMatching(ctx context.Context, participant string, item commodity.Item, n *big.Int) error
}

// Catalog names commodities and delivers them to participants.
type Catalog interface {
	DisplayName(key string) string
	Deliver(ctx context.Context, participant string, item commodity.Item, n *big.Int) error
}

// Stack is a quantity of one item held by a participant.
type Stack struct {
	Item     commodity.Item `json:"item"`
	Key      string         `json:"commodity_key"`
	Quantity *big.Int       `json:"quantity"`
}

// Memory is an in-process inventory and catalog.
type Memory struct {
	registry *commodity.Registry

	mu     sync.Mutex
	stacks map[string]map[string]*Stack // participant → stack id → stack
}

// NewMemory creates an empty inventory resolving names through reg.
func NewMemory(reg *commodity.Registry) *Memory {
	return &Memory{
		registry: reg,
		stacks:   make(map[string]map[string]*Stack),
	}
}

// stackID separates damaged items from whole ones; durability is not
// cosmetic.
func stackID(it commodity.Item) string {
	id := commodity.Key(it)
	if it.Damaged() {
		id += "@" + strconv.Itoa(it.Durability)
	}
	return id
}

// Add puts n items into a participant's inventory.
func (m *Memory) Add(participant string, item commodity.Item, n *big.Int) {
	item = m.registry.Normalize(item)
	id := stackID(item)

	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.stacks[participant]
	if !ok {
		held = make(map[string]*Stack)
		m.stacks[participant] = held
	}
	s, ok := held[id]
	if !ok {
		tpl := commodity.Canonical(item)
		tpl.Durability = item.Durability
		s = &Stack{Item: tpl, Key: commodity.Key(item), Quantity: new(big.Int)}
		held[id] = s
	}
	s.Quantity.Add(s.Quantity, n)
}

// CountMatching implements Source.
func (m *Memory) CountMatching(_ context.Context, participant string, item commodity.Item) (*big.Int, error) {
	id := stackID(m.registry.Normalize(item))

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stacks[participant][id]; ok {
		return new(big.Int).Set(s.Quantity), nil
	}
	return new(big.Int), nil
}

// RemoveMatching implements Source.
func (m *Memory) RemoveMatching(_ context.Context, participant string, item commodity.Item, n *big.Int) error {
	id := stackID(m.registry.Normalize(item))

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stacks[participant][id]
	if !ok || s.Quantity.Cmp(n) < 0 {
		return economy.Reject(economy.ErrInsufficientStock, "you do not have %s of %s", n, id)
	}
	s.Quantity.Sub(s.Quantity, n)
	if s.Quantity.Sign() == 0 {
		delete(m.stacks[participant], id)
	}
	return nil
}

// DisplayName implements Catalog.
func (m *Memory) DisplayName(key string) string {
	return m.registry.DisplayName(key)
}

// Deliver implements Catalog.
func (m *Memory) Deliver(_ context.Context, participant string, item commodity.Item, n *big.Int) error {
	if n.Sign() < 0 {
		return fmt.Errorf("deliver %s: negative quantity %s", commodity.Key(item), n)
	}
	if n.Sign() == 0 {
		return nil
	}
	m.Add(participant, item, n)
	return nil
}

// Stacks returns a participant's holdings sorted by stack id.
func (m *Memory) Stacks(participant string) []Stack {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.stacks[participant]))
	for id := range m.stacks[participant] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Stack, 0, len(ids))
	for _, id := range ids {
		s := m.stacks[participant][id]
		out = append(out, Stack{Item: s.Item, Key: s.Key, Quantity: new(big.Int).Set(s.Quantity)})
	}
	return out
}

// Matching returns every stack of a participant whose commodity key is key,
// damaged or not.
func (m *Memory) Matching(participant, key string) []Stack {
	var out []Stack
	for _, s := range m.Stacks(participant) {
		if s.Key == key {
			out = append(out, s)
		}
	}
	return out
}
