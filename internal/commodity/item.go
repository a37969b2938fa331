// Package commodity defines tradable items, their canonical keys, and the
// family registry used to collapse bulk and sub-unit forms into one unit.
package commodity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BookMaterial is the material of an enchanted book.
const BookMaterial = "enchanted_book"

// Item is a stack template. Quantity is never part of an item.
type Item struct {
	Material      string         `json:"material"`
	Enchantments  map[string]int `json:"enchantments,omitempty"`
	Durability    int            `json:"durability,omitempty"`
	MaxDurability int            `json:"max_durability,omitempty"`

	// Cosmetic fields, stripped from the canonical form.
	DisplayName string   `json:"display_name,omitempty"`
	Lore        []string `json:"lore,omitempty"`
}

// IsBook reports whether the item is an enchanted book.
func (it Item) IsBook() bool {
	return it.Material == BookMaterial
}

// Damaged reports whether a durability-bearing item has lost durability.
func (it Item) Damaged() bool {
	return it.MaxDurability > 0 && it.Durability < it.MaxDurability
}

// EnchantNames returns enchantment ids in sorted order.
func (it Item) EnchantNames() []string {
	names := make([]string, 0, len(it.Enchantments))
	for name := range it.Enchantments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Canonical strips cosmetic fields, drops non-positive enchantment levels,
// and restores full durability.
func Canonical(it Item) Item {
	c := Item{
		Material:      strings.ToLower(strings.TrimSpace(it.Material)),
		MaxDurability: it.MaxDurability,
	}
	if c.MaxDurability < 0 {
		c.MaxDurability = 0
	}
	if c.MaxDurability > 0 {
		c.Durability = c.MaxDurability
	}
	for name, level := range it.Enchantments {
		if level <= 0 {
			continue
		}
		if c.Enchantments == nil {
			c.Enchantments = make(map[string]int, len(it.Enchantments))
		}
		c.Enchantments[strings.ToLower(strings.TrimSpace(name))] = level
	}
	return c
}

// Key returns the canonical commodity key of an item:
// "material" or "material[ench:level,ench:level]".
func Key(it Item) string {
	c := Canonical(it)
	if len(c.Enchantments) == 0 {
		return c.Material
	}
	var b strings.Builder
	b.WriteString(c.Material)
	b.WriteByte('[')
	for i, name := range c.EnchantNames() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(c.Enchantments[name]))
	}
	b.WriteByte(']')
	return b.String()
}

// ErrMalformedKey is returned by ParseKey for keys it cannot read.
var ErrMalformedKey = errors.New("malformed commodity key")

// ParseKey reverses Key. Durability is not part of a key, so the returned
// item carries none; Registry.Template fills it in.
func ParseKey(key string) (Item, error) {
	key = strings.TrimSpace(key)
	open := strings.IndexByte(key, '[')
	if open < 0 {
		if key == "" || strings.ContainsAny(key, "],:") {
			return Item{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
		}
		return Item{Material: key}, nil
	}
	if open == 0 || !strings.HasSuffix(key, "]") {
		return Item{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}

	it := Item{Material: key[:open], Enchantments: make(map[string]int)}
	body := key[open+1 : len(key)-1]
	for _, pair := range strings.Split(body, ",") {
		name, levelStr, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			return Item{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
		}
		level, err := strconv.Atoi(levelStr)
		if err != nil || level <= 0 {
			return Item{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
		}
		it.Enchantments[name] = level
	}
	return it, nil
}

// Encode serializes the canonical form of an item. Map keys are emitted in
// sorted order, so equal items always encode identically.
func Encode(it Item) (string, error) {
	data, err := json.Marshal(Canonical(it))
	if err != nil {
		return "", fmt.Errorf("encode item: %w", err)
	}
	return string(data), nil
}

// Decode parses a stored item template.
func Decode(s string) (Item, error) {
	var it Item
	if err := json.Unmarshal([]byte(s), &it); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	if it.Material == "" {
		return Item{}, errors.New("decode item: missing material")
	}
	return it, nil
}
