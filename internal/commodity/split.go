package commodity

import (
	"errors"
	"fmt"
	"math/big"
)

// MaxEnchantLevel is the highest enchantment level accepted from callers.
const MaxEnchantLevel = 255

// maxEnchantShift caps the doubling exponent; levels above 31 reuse 2^30.
const maxEnchantShift = 30

// ErrInvalidLevel is returned for enchantment levels outside [1, MaxEnchantLevel].
var ErrInvalidLevel = errors.New("invalid enchantment level")

// ValidateLevel checks an enchantment level.
func ValidateLevel(level int) error {
	if level < 1 || level > MaxEnchantLevel {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return nil
}

// EnchantMultiplier returns how many level-1 units one level-L enchantment
// is worth: 2^(L-1), saturating at 2^30.
func EnchantMultiplier(level int) *big.Int {
	shift := level - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxEnchantShift {
		shift = maxEnchantShift
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(shift))
}

// Book builds an enchanted book carrying a single enchantment.
func Book(enchant string, level int) Item {
	return Item{Material: BookMaterial, Enchantments: map[string]int{enchant: level}}
}

// Part is one canonical component produced by Split.
type Part struct {
	Item     Item
	Quantity *big.Int
}

// NeedsSplit reports whether an item carries enchantments in a
// non-canonical shape: a book with several or leveled enchantments, or any
// non-book item with enchantments.
func NeedsSplit(it Item) bool {
	c := Canonical(it)
	switch {
	case len(c.Enchantments) == 0:
		return false
	case !c.IsBook():
		return true
	case len(c.Enchantments) > 1:
		return true
	}
	for _, level := range c.Enchantments {
		return level != 1
	}
	return false
}

// Split decomposes qty units of an item into canonical parts. A book yields
// one level-1 book per enchantment; any other enchanted item yields its
// disenchanted base plus those books. Each book quantity is scaled by
// EnchantMultiplier of the enchantment level.
func Split(it Item, qty *big.Int) []Part {
	c := Canonical(it)
	if !NeedsSplit(c) {
		return []Part{{Item: c, Quantity: new(big.Int).Set(qty)}}
	}

	parts := make([]Part, 0, len(c.Enchantments)+1)
	if !c.IsBook() {
		base := c
		base.Enchantments = nil
		parts = append(parts, Part{Item: base, Quantity: new(big.Int).Set(qty)})
	}
	for _, name := range c.EnchantNames() {
		units := new(big.Int).Mul(qty, EnchantMultiplier(c.Enchantments[name]))
		parts = append(parts, Part{Item: Book(name, 1), Quantity: units})
	}
	return parts
}

// BooksAtLevel converts level-1 book units back into books of the given
// level, returning whole books and the leftover level-1 units.
func BooksAtLevel(units *big.Int, level int) (books, rest *big.Int) {
	return new(big.Int).QuoRem(units, EnchantMultiplier(level), new(big.Int))
}
