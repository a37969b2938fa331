package commodity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Form identifies which representation of a family a material is.
type Form uint8

const (
	FormBase    Form = iota // Canonical tradable unit
	FormSubUnit             // Fraction of a base unit (never listed)
	FormBulk                // Multiple of a base unit
)

// String returns the form name.
func (f Form) String() string {
	switch f {
	case FormSubUnit:
		return "sub_unit"
	case FormBulk:
		return "bulk"
	default:
		return "base"
	}
}

// Family ties a base material to its optional sub-unit and bulk forms.
type Family struct {
	Base         string `yaml:"base" json:"base"`
	SubUnit      string `yaml:"sub_unit,omitempty" json:"sub_unit,omitempty"`
	SubUnitRatio int64  `yaml:"sub_unit_ratio,omitempty" json:"sub_unit_ratio,omitempty"` // Sub-units per base unit
	Bulk         string `yaml:"bulk,omitempty" json:"bulk,omitempty"`
	BulkRatio    int64  `yaml:"bulk_ratio,omitempty" json:"bulk_ratio,omitempty"` // Base units per bulk unit
}

// HasSubUnit reports whether the family has a sub-unit form.
func (f Family) HasSubUnit() bool { return f.SubUnit != "" && f.SubUnitRatio > 1 }

// HasBulk reports whether the family has a bulk form.
func (f Family) HasBulk() bool { return f.Bulk != "" && f.BulkRatio > 1 }

type formRef struct {
	family *Family
	form   Form
}

// Registry is the tagged commodity-family registry consulted by the
// normalizer and the allocation engine. It also carries max durability and
// display names. A Registry is read-only once built and safe to share.
type Registry struct {
	families   map[string]*Family
	forms      map[string]formRef
	durability map[string]int
	names      map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		families:   make(map[string]*Family),
		forms:      make(map[string]formRef),
		durability: make(map[string]int),
		names:      make(map[string]string),
	}
}

// AddFamily registers a family. Materials may belong to one family only.
func (r *Registry) AddFamily(f Family) error {
	if f.Base == "" {
		return fmt.Errorf("family: base material is required")
	}
	if f.SubUnit != "" && f.SubUnitRatio < 2 {
		return fmt.Errorf("family %s: sub_unit_ratio must be >= 2, got %d", f.Base, f.SubUnitRatio)
	}
	if f.Bulk != "" && f.BulkRatio < 2 {
		return fmt.Errorf("family %s: bulk_ratio must be >= 2, got %d", f.Base, f.BulkRatio)
	}

	fam := f
	refs := map[string]Form{f.Base: FormBase}
	if fam.HasSubUnit() {
		refs[fam.SubUnit] = FormSubUnit
	}
	if fam.HasBulk() {
		refs[fam.Bulk] = FormBulk
	}
	if len(refs) != 1+btoi(fam.HasSubUnit())+btoi(fam.HasBulk()) {
		return fmt.Errorf("family %s: forms must use distinct materials", f.Base)
	}
	for material := range refs {
		if _, exists := r.forms[material]; exists {
			return fmt.Errorf("family %s: material %s already registered", f.Base, material)
		}
	}

	r.families[fam.Base] = &fam
	for material, form := range refs {
		r.forms[material] = formRef{family: &fam, form: form}
	}
	return nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetMaxDurability declares a material as durability-bearing.
func (r *Registry) SetMaxDurability(material string, limit int) {
	if limit > 0 {
		r.durability[material] = limit
	}
}

// SetDisplayName overrides the generated display name of a material.
func (r *Registry) SetDisplayName(material, name string) {
	r.names[material] = name
}

// Lookup returns the family and form of a material.
func (r *Registry) Lookup(material string) (Family, Form, bool) {
	ref, ok := r.forms[material]
	if !ok {
		return Family{}, FormBase, false
	}
	return *ref.family, ref.form, true
}

// FamilyOf returns the family whose base material is base.
func (r *Registry) FamilyOf(base string) (Family, bool) {
	f, ok := r.families[base]
	if !ok {
		return Family{}, false
	}
	return *f, true
}

// Families returns all families sorted by base material.
func (r *Registry) Families() []Family {
	out := make([]Family, 0, len(r.families))
	for _, f := range r.families {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// Durabilities returns a copy of the max durability table.
func (r *Registry) Durabilities() map[string]int {
	out := make(map[string]int, len(r.durability))
	for material, limit := range r.durability {
		out[material] = limit
	}
	return out
}

// MaxDurability returns the max durability of a material, or 0.
func (r *Registry) MaxDurability(material string) int {
	return r.durability[material]
}

// Template returns the canonical full-durability item for a key. Keys that
// cannot be parsed degrade to a plain item of that material.
func (r *Registry) Template(key string) Item {
	it, err := ParseKey(key)
	if err != nil {
		it = Item{Material: key}
	}
	it.MaxDurability = r.durability[it.Material]
	return Canonical(it)
}

// Normalize fills the registry's durability data into an item so keys and
// templates agree regardless of how the caller built it.
// An item with neither durability field set is taken to be undamaged.
func (r *Registry) Normalize(it Item) Item {
	it.Material = strings.ToLower(strings.TrimSpace(it.Material))
	limit := r.durability[it.Material]
	if limit == 0 {
		it.MaxDurability, it.Durability = 0, 0
		return it
	}
	if it.MaxDurability == 0 && it.Durability == 0 {
		it.Durability = limit
	}
	it.MaxDurability = limit
	it.Durability = min(max(it.Durability, 0), limit)
	return it
}

// DisplayName renders a human-readable name for a commodity key.
func (r *Registry) DisplayName(key string) string {
	it, err := ParseKey(key)
	if err != nil {
		return key
	}
	name := r.materialName(it.Material)
	if len(it.Enchantments) == 0 {
		return name
	}
	parts := make([]string, 0, len(it.Enchantments))
	for _, ench := range it.EnchantNames() {
		parts = append(parts, titleCase(ench)+" "+strconv.Itoa(it.Enchantments[ench]))
	}
	return name + " (" + strings.Join(parts, ", ") + ")"
}

func (r *Registry) materialName(material string) string {
	if name, ok := r.names[material]; ok {
		return name
	}
	return titleCase(material)
}

func titleCase(id string) string {
	words := strings.FieldsFunc(id, func(c rune) bool { return c == '_' || c == '-' || c == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// DefaultRegistry returns the stock families and tools of the world.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, f := range []Family{
		{Base: "iron_ingot", SubUnit: "iron_nugget", SubUnitRatio: 9, Bulk: "iron_block", BulkRatio: 9},
		{Base: "gold_ingot", SubUnit: "gold_nugget", SubUnitRatio: 9, Bulk: "gold_block", BulkRatio: 9},
		{Base: "copper_ingot", Bulk: "copper_block", BulkRatio: 9},
		{Base: "diamond", Bulk: "diamond_block", BulkRatio: 9},
		{Base: "emerald", Bulk: "emerald_block", BulkRatio: 9},
		{Base: "coal", Bulk: "coal_block", BulkRatio: 9},
		{Base: "redstone", Bulk: "redstone_block", BulkRatio: 9},
		{Base: "wheat", Bulk: "hay_block", BulkRatio: 9},
	} {
		// Static table, registration cannot fail.
		_ = r.AddFamily(f)
	}
	for material, limit := range map[string]int{
		"wooden_pickaxe":  59,
		"stone_pickaxe":   131,
		"iron_pickaxe":    250,
		"diamond_pickaxe": 1561,
		"iron_sword":      250,
		"diamond_sword":   1561,
		"bow":             384,
		"shears":          238,
		"fishing_rod":     64,
	} {
		r.SetMaxDurability(material, limit)
	}
	return r
}
