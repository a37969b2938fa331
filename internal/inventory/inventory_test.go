package inventory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/commodity"
	"github.com/talgya/mini-market/internal/economy"
)

func TestMemory_AddAndCount(t *testing.T) {
	inv := NewMemory(commodity.DefaultRegistry())
	ctx := context.Background()

	inv.Add("amy", commodity.Item{Material: "Coal "}, big.NewInt(5))
	inv.Add("amy", commodity.Item{Material: "coal"}, big.NewInt(3))

	n, err := inv.CountMatching(ctx, "amy", commodity.Item{Material: "coal"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), n.Int64())

	n, err = inv.CountMatching(ctx, "bob", commodity.Item{Material: "coal"})
	require.NoError(t, err)
	assert.Zero(t, n.Sign())
}

func TestMemory_DamagedStacksAreSeparate(t *testing.T) {
	inv := NewMemory(commodity.DefaultRegistry())
	ctx := context.Background()

	inv.Add("amy", commodity.Item{Material: "iron_sword"}, big.NewInt(1))
	inv.Add("amy", commodity.Item{Material: "iron_sword", Durability: 100}, big.NewInt(2))

	whole, err := inv.CountMatching(ctx, "amy", commodity.Item{Material: "iron_sword"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), whole.Int64())

	worn, err := inv.CountMatching(ctx, "amy", commodity.Item{Material: "iron_sword", Durability: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2), worn.Int64())

	stacks := inv.Matching("amy", "iron_sword")
	require.Len(t, stacks, 2)
	assert.Equal(t, 250, stacks[0].Item.Durability)
	assert.Equal(t, 100, stacks[1].Item.Durability)
}

func TestMemory_RemoveMatching(t *testing.T) {
	inv := NewMemory(commodity.DefaultRegistry())
	ctx := context.Background()
	coal := commodity.Item{Material: "coal"}
	inv.Add("amy", coal, big.NewInt(4))

	err := inv.RemoveMatching(ctx, "amy", coal, big.NewInt(5))
	assert.True(t, errors.Is(err, economy.ErrInsufficientStock))

	require.NoError(t, inv.RemoveMatching(ctx, "amy", coal, big.NewInt(4)))
	assert.Empty(t, inv.Stacks("amy"))
}

func TestMemory_Deliver(t *testing.T) {
	inv := NewMemory(commodity.DefaultRegistry())
	ctx := context.Background()
	coal := commodity.Item{Material: "coal"}

	require.NoError(t, inv.Deliver(ctx, "amy", coal, new(big.Int)))
	assert.Empty(t, inv.Stacks("amy"))

	assert.Error(t, inv.Deliver(ctx, "amy", coal, big.NewInt(-1)))

	huge, _ := new(big.Int).SetString("100000000000000000000", 10)
	require.NoError(t, inv.Deliver(ctx, "amy", coal, huge))
	stacks := inv.Stacks("amy")
	require.Len(t, stacks, 1)
	assert.Equal(t, "coal", stacks[0].Key)
	assert.Equal(t, 0, stacks[0].Quantity.Cmp(huge))

	// Stacks hands out copies.
	stacks[0].Quantity.SetInt64(1)
	assert.Equal(t, 0, inv.Stacks("amy")[0].Quantity.Cmp(huge))
}

func TestMemory_DisplayName(t *testing.T) {
	inv := NewMemory(commodity.DefaultRegistry())
	assert.Equal(t, "Coal", inv.DisplayName("coal"))
}
