package account

import (
	"math"
	"sort"
	"strings"

	"loadwarden.ai/internal/sim/encumbrance"
)

const DefaultBaseCapacity = 50.0

// Account tracks one actor's carried weight against its capacity budget.
//
// Every method that changes carried weight, base capacity or bonuses marks
// the account dirty, so the next tick recomputes weight and reclassifies.
// Not safe for concurrent use.
type Account struct {
	currentWeight float64
	baseCapacity  float64
	bonuses       map[string]float64
	previous      encumbrance.Level
	dirty         bool

	// maxCap < 0 means the cached sum must be rebuilt.
	maxCap float64
}

// New returns a dirty account so the first tick computes its weight.
func New(baseCapacity float64) *Account {
	if baseCapacity <= 0 {
		baseCapacity = DefaultBaseCapacity
	}
	return &Account{
		baseCapacity: baseCapacity,
		bonuses:      map[string]float64{},
		dirty:        true,
		maxCap:       -1,
	}
}

func (a *Account) CurrentWeight() float64 { return a.currentWeight }
func (a *Account) BaseCapacity() float64  { return a.baseCapacity }
func (a *Account) Dirty() bool            { return a.dirty }

func (a *Account) PreviousLevel() encumbrance.Level { return a.previous }

// RecordLevel stores the level the actor was last classified at. It is
// bookkeeping for the transition diff and does not mark the account dirty.
func (a *Account) RecordLevel(l encumbrance.Level) { a.previous = l }

// MarkDirty flags the account for recomputation (inventory changed).
func (a *Account) MarkDirty() { a.dirty = true }

func (a *Account) SetBaseCapacity(v float64) {
	if v <= 0 || v == a.baseCapacity {
		return
	}
	a.baseCapacity = v
	a.maxCap = -1
	a.dirty = true
}

// AddBonus sets the bonus for source, replacing any earlier value.
func (a *Account) AddBonus(amount float64, source string) {
	if source == "" || math.IsNaN(amount) {
		return
	}
	a.bonuses[source] = amount
	a.maxCap = -1
	a.dirty = true
}

func (a *Account) RemoveBonus(source string) {
	if _, ok := a.bonuses[source]; !ok {
		return
	}
	delete(a.bonuses, source)
	a.maxCap = -1
	a.dirty = true
}

func (a *Account) Bonus(source string) (float64, bool) {
	v, ok := a.bonuses[source]
	return v, ok
}

// Bonuses returns a copy of the bonus map.
func (a *Account) Bonuses() map[string]float64 {
	out := make(map[string]float64, len(a.bonuses))
	for k, v := range a.bonuses {
		out[k] = v
	}
	return out
}

// MaxCapacity is base capacity plus every bonus, cached until a bonus or the
// base changes.
func (a *Account) MaxCapacity() float64 {
	if a.maxCap >= 0 {
		return a.maxCap
	}
	sum := a.baseCapacity
	for _, k := range sortedSources(a.bonuses) {
		sum += a.bonuses[k]
	}
	if sum < 0 {
		sum = 0
	}
	a.maxCap = sum
	return sum
}

// Ratio is current weight over max capacity. A zero budget with any load
// is infinitely over.
func (a *Account) Ratio() float64 {
	limit := a.MaxCapacity()
	if limit <= 0 {
		if a.currentWeight > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return a.currentWeight / limit
}

// RatioWith is the ratio the account would have after adding extra weight.
func (a *Account) RatioWith(extra float64) float64 {
	limit := a.MaxCapacity()
	w := a.currentWeight + extra
	if limit <= 0 {
		if w > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return w / limit
}

// Recompute replaces the current weight using weigh when the account is
// dirty. It reports whether a recomputation happened.
func (a *Account) Recompute(weigh func() float64) bool {
	if !a.dirty {
		return false
	}
	w := weigh()
	if math.IsNaN(w) || w < 0 {
		w = 0
	}
	a.currentWeight = w
	a.dirty = false
	return true
}

// RefreshEquipmentBonuses replaces every bonus whose source starts with
// prefix by the given set (keys without the prefix get it added).
func (a *Account) RefreshEquipmentBonuses(prefix string, equipped map[string]float64) {
	want := make(map[string]float64, len(equipped))
	for k, v := range equipped {
		if !strings.HasPrefix(k, prefix) {
			k = prefix + k
		}
		if v > 0 {
			want[k] = v
		}
	}
	for k := range a.bonuses {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := want[k]; !ok {
			a.RemoveBonus(k)
		}
	}
	for k, v := range want {
		if cur, ok := a.bonuses[k]; ok && cur == v {
			continue
		}
		a.AddBonus(v, k)
	}
}

func sortedSources(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
