package account

import (
	"encoding/json"
	"fmt"

	"loadwarden.ai/internal/sim/encumbrance"
)

// Record is the persisted and replicated form of an account. MaxCapacity
// holds the base capacity; bonuses are stored separately.
type Record struct {
	MaxCapacity     float64            `json:"MaxCapacity"`
	CapacityBonuses map[string]float64 `json:"CapacityBonuses"`
	// CurrentWeight is absent in records written before weight was stored.
	CurrentWeight *float64 `json:"CurrentWeight,omitempty"`
	PreviousLevel string   `json:"PreviousLevel"`
}

// Capacity is the effective limit the record describes: base plus bonuses.
func (r Record) Capacity() float64 {
	total := r.MaxCapacity
	for _, v := range r.CapacityBonuses {
		total += v
	}
	return total
}

func (a *Account) Record() Record {
	w := a.currentWeight
	return Record{
		MaxCapacity:     a.baseCapacity,
		CapacityBonuses: a.Bonuses(),
		CurrentWeight:   &w,
		PreviousLevel:   a.previous.String(),
	}
}

// FromRecord rebuilds an account. A non-positive MaxCapacity takes
// defaultBase. A record without CurrentWeight loads as weight 0 and dirty; an
// unknown level name loads as Normal.
func FromRecord(r Record, defaultBase float64) *Account {
	base := r.MaxCapacity
	if base <= 0 {
		base = defaultBase
	}
	a := New(base)
	for k, v := range r.CapacityBonuses {
		a.bonuses[k] = v
	}
	a.previous, _ = encumbrance.ParseLevel(r.PreviousLevel)
	if r.CurrentWeight != nil {
		a.currentWeight = *r.CurrentWeight
		a.dirty = false
	}
	return a
}

func MarshalRecord(a *Account) ([]byte, error) {
	return json.Marshal(a.Record())
}

func UnmarshalRecord(b []byte, defaultBase float64) (*Account, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("account record: %w", err)
	}
	return FromRecord(r, defaultBase), nil
}
