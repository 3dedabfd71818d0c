package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"loadwarden.ai/internal/sim/item"
)

// Global defaults used when no tier matches.
const (
	DefaultWeight        = 1.0
	DefaultCapacityBonus = 0.0
)

// Fixed validation ranges for rule entries.
const (
	MinWeight         = 0.0
	MaxWeight         = 1000.0
	MinCapacityBonus  = 0.0
	MaxCapacityBonus  = 1000.0
	MinSlots          = 0
	MaxSlots          = 1000
	MinSlotMultiplier = 0.0
	MaxSlotMultiplier = 100.0
)

// NamespaceDefaultKey is the key inside an items file that sets the
// namespace-wide default weight.
const NamespaceDefaultKey = "_default"

// Tier names the precedence level a resolution came from.
type Tier int

const (
	TierDefault Tier = iota
	TierNamespace
	TierTag
	TierCustomTag
	TierContainer
	TierItem
)

func (t Tier) String() string {
	switch t {
	case TierItem:
		return "item"
	case TierContainer:
		return "container"
	case TierCustomTag:
		return "custom_tag"
	case TierTag:
		return "tag"
	case TierNamespace:
		return "namespace"
	default:
		return "default"
	}
}

// WeightEntry is a plain weight rule. In JSON it is either a bare number or
// {"weight": n}.
type WeightEntry struct {
	Weight float64 `json:"weight"`
}

func (e *WeightEntry) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		e.Weight = n
		return nil
	}
	type plain WeightEntry
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = WeightEntry(p)
	return nil
}

func (e WeightEntry) Validate() error {
	if math.IsNaN(e.Weight) || e.Weight < MinWeight || e.Weight > MaxWeight {
		return fmt.Errorf("weight %v must be between %v and %v", e.Weight, MinWeight, MaxWeight)
	}
	return nil
}

// ContainerEntry registers an item as a container type.
type ContainerEntry struct {
	Weight            float64 `json:"weight"`
	BaseCapacityBonus float64 `json:"base_capacity_bonus"`
	Slots             int     `json:"slots"`
	SlotMultiplier    float64 `json:"slot_multiplier,omitempty"`
	Dynamic           bool    `json:"dynamic,omitempty"`
}

// CapacityBonus is the effective bonus the container grants when equipped.
func (e ContainerEntry) CapacityBonus() float64 {
	if e.Dynamic {
		return e.BaseCapacityBonus + float64(e.Slots)*e.SlotMultiplier
	}
	return e.BaseCapacityBonus
}

// Validate checks every field against its allowed range and reports all
// violations at once. Out-of-range entries are rejected, never clamped.
func (e ContainerEntry) Validate() error {
	var bad []string
	if math.IsNaN(e.Weight) || e.Weight < MinWeight || e.Weight > MaxWeight {
		bad = append(bad, fmt.Sprintf("weight %v must be between %v and %v", e.Weight, MinWeight, MaxWeight))
	}
	if math.IsNaN(e.BaseCapacityBonus) || e.BaseCapacityBonus < MinCapacityBonus || e.BaseCapacityBonus > MaxCapacityBonus {
		bad = append(bad, fmt.Sprintf("base capacity bonus %v must be between %v and %v", e.BaseCapacityBonus, MinCapacityBonus, MaxCapacityBonus))
	}
	if e.Slots < MinSlots || e.Slots > MaxSlots {
		bad = append(bad, fmt.Sprintf("slot count %d must be between %d and %d", e.Slots, MinSlots, MaxSlots))
	}
	if math.IsNaN(e.SlotMultiplier) || e.SlotMultiplier < MinSlotMultiplier || e.SlotMultiplier > MaxSlotMultiplier {
		bad = append(bad, fmt.Sprintf("slot multiplier %v must be between %v and %v", e.SlotMultiplier, MinSlotMultiplier, MaxSlotMultiplier))
	}
	if len(bad) == 0 {
		return nil
	}
	return errors.New(strings.Join(bad, "; "))
}

type tagRule struct {
	Tag   string
	Entry WeightEntry
}

// Store is an immutable, fully built rule set. Build a new one to reload.
type Store struct {
	perItem      map[item.ID]WeightEntry
	perNamespace map[string]WeightEntry

	containers    map[string]map[item.ID]ContainerEntry
	containerCats []string

	customTags    map[string]map[item.ID]WeightEntry
	customTagCats []string

	tags []tagRule

	Digest   string
	LoadedAt time.Time
}

// Empty returns a store with no rules (every item weighs the global default).
func Empty() *Store {
	return &Store{
		perItem:      map[item.ID]WeightEntry{},
		perNamespace: map[string]WeightEntry{},
		containers:   map[string]map[item.ID]ContainerEntry{},
		customTags:   map[string]map[item.ID]WeightEntry{},
	}
}

// Resolution is the outcome of a precedence walk.
type Resolution struct {
	Weight float64
	Tier   Tier
	Source string
}

// Resolve walks the precedence chain for a stack, first match wins.
func (s *Store) Resolve(st item.Stack) Resolution {
	if st.IsEmpty() {
		return Resolution{}
	}
	id := st.ID
	if e, ok := s.perItem[id]; ok {
		return Resolution{Weight: e.Weight, Tier: TierItem, Source: id.String()}
	}
	for _, cat := range s.containerCats {
		if e, ok := s.containers[cat][id]; ok {
			return Resolution{Weight: e.Weight, Tier: TierContainer, Source: cat}
		}
	}
	for _, cat := range s.customTagCats {
		if e, ok := s.customTags[cat][id]; ok {
			return Resolution{Weight: e.Weight, Tier: TierCustomTag, Source: cat}
		}
	}
	for _, r := range s.tags {
		if st.HasTag(r.Tag) {
			return Resolution{Weight: r.Entry.Weight, Tier: TierTag, Source: "#" + r.Tag}
		}
	}
	if e, ok := s.perNamespace[id.Namespace]; ok {
		return Resolution{Weight: e.Weight, Tier: TierNamespace, Source: id.Namespace}
	}
	return Resolution{Weight: DefaultWeight, Tier: TierDefault, Source: "*"}
}

// Weight returns the per-unit weight of a stack.
func (s *Store) Weight(st item.Stack) float64 {
	return s.Resolve(st).Weight
}

// ContainerEntry finds the container registration for id. An empty category
// searches all categories in name order.
func (s *Store) ContainerEntry(id item.ID, category string) (ContainerEntry, bool) {
	if category != "" {
		e, ok := s.containers[category][id]
		return e, ok
	}
	for _, cat := range s.containerCats {
		if e, ok := s.containers[cat][id]; ok {
			return e, true
		}
	}
	return ContainerEntry{}, false
}

// CapacityBonus comes only from the container tier; anything else yields the
// global default.
func (s *Store) CapacityBonus(id item.ID, category string) float64 {
	e, ok := s.ContainerEntry(id, category)
	if !ok {
		return DefaultCapacityBonus
	}
	return e.CapacityBonus()
}

// IsContainer reports whether id is registered in any container category.
func (s *Store) IsContainer(id item.ID) bool {
	_, ok := s.ContainerEntry(id, "")
	return ok
}

// Stats summarizes the store for logging.
type Stats struct {
	Items               int
	Namespaces          int
	Tags                int
	ContainerCategories int
	Containers          int
	CustomTagGroups     int
	CustomTags          int
}

func (s *Store) Stats() Stats {
	st := Stats{
		Items:               len(s.perItem),
		Namespaces:          len(s.perNamespace),
		Tags:                len(s.tags),
		ContainerCategories: len(s.containers),
		CustomTagGroups:     len(s.customTags),
	}
	for _, m := range s.containers {
		st.Containers += len(m)
	}
	for _, m := range s.customTags {
		st.CustomTags += len(m)
	}
	return st
}

// Builder assembles a Store. It is used by the file loader and by tests.
type Builder struct {
	s *Store
}

func NewBuilder() *Builder { return &Builder{s: Empty()} }

func (b *Builder) Item(id item.ID, e WeightEntry) *Builder {
	b.s.perItem[id] = e
	return b
}

func (b *Builder) NamespaceDefault(ns string, e WeightEntry) *Builder {
	b.s.perNamespace[ns] = e
	return b
}

func (b *Builder) Container(category string, id item.ID, e ContainerEntry) *Builder {
	m := b.s.containers[category]
	if m == nil {
		m = map[item.ID]ContainerEntry{}
		b.s.containers[category] = m
	}
	m[id] = e
	return b
}

func (b *Builder) CustomTag(group string, id item.ID, e WeightEntry) *Builder {
	m := b.s.customTags[group]
	if m == nil {
		m = map[item.ID]WeightEntry{}
		b.s.customTags[group] = m
	}
	m[id] = e
	return b
}

func (b *Builder) Tag(tag string, e WeightEntry) *Builder {
	for i := range b.s.tags {
		if b.s.tags[i].Tag == tag {
			b.s.tags[i].Entry = e
			return b
		}
	}
	b.s.tags = append(b.s.tags, tagRule{Tag: tag, Entry: e})
	return b
}

// Build freezes the rule set. The builder must not be used afterwards.
func (b *Builder) Build() *Store {
	s := b.s
	b.s = nil
	s.containerCats = sortedKeys(s.containers)
	s.customTagCats = sortedKeys(s.customTags)
	sort.Slice(s.tags, func(i, j int) bool { return s.tags[i].Tag < s.tags[j].Tag })
	if s.LoadedAt.IsZero() {
		s.LoadedAt = time.Now()
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
