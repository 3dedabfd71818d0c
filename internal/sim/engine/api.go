package engine

import (
	"fmt"

	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/item"
)

// The methods in this file are the collaborator API. Like StepOnce they
// touch engine-owned state and must run on the engine goroutine; other
// goroutines go through Submit, RequestPickup and Account. ScheduleSync and
// SyncImmediately only read the published view and are safe anywhere.

// GetWeight is the per-unit rule weight of a stack (no contents).
func (e *Engine) GetWeight(s item.Stack) float64 {
	return e.lookup.Weight(s)
}

// GetCapacityBonus is the capacity bonus a container grants, looked up in
// category first and then across all categories.
func (e *Engine) GetCapacityBonus(id item.ID, category string) float64 {
	return e.lookup.CapacityBonus(id, category)
}

func (e *Engine) IsContainer(id item.ID) bool {
	return e.lookup.IsContainer(id)
}

// CalculateWeight recomputes a dirty actor and returns its current weight.
func (e *Engine) CalculateWeight(actorID string) (float64, error) {
	st := e.actors[actorID]
	if st == nil {
		e.logger.Printf("warn: calculate weight: %s: %v", actorID, ErrNoAccount)
		return 0, ErrNoAccount
	}
	st.acct.Recompute(func() float64 { return e.agg.Total(st.holdings) })
	return st.acct.CurrentWeight(), nil
}

// Invalidate drops cached totals for s and every container that holds it,
// and marks the owning actors dirty.
func (e *Engine) Invalidate(s item.Stack) {
	e.agg.Invalidate(s)
	fp := item.FingerprintOf(s)
	for _, st := range e.actors {
		if holdsFingerprint(st.holdings, fp) {
			st.acct.MarkDirty()
		}
	}
	for id, vs := range e.vehicles {
		if holdsFingerprint(vs.v.Slots, fp) {
			e.gov.Invalidate(id)
		}
	}
}

func holdsFingerprint(stacks []item.Stack, fp item.Fingerprint) bool {
	for _, s := range stacks {
		if s.IsEmpty() {
			continue
		}
		if item.FingerprintOf(s) == fp || holdsFingerprint(s.Contents, fp) {
			return true
		}
	}
	return false
}

// LoadRatio is a vehicle's cargo weight over its type capacity.
func (e *Engine) LoadRatio(vehicleID string) (float64, error) {
	if vehicleID == "" {
		e.logger.Printf("warn: load ratio: %v", ErrNoVehicleIdentity)
		return 0, ErrNoVehicleIdentity
	}
	vs := e.vehicles[vehicleID]
	if vs == nil {
		return 0, fmt.Errorf("load ratio %s: %w", vehicleID, ErrUnknownVehicle)
	}
	return e.gov.LoadRatio(vs.v)
}

// ScheduleSync queues a coalesced sync of the actor's record to its views.
func (e *Engine) ScheduleSync(actorID string) error {
	if _, ok := e.Account(actorID); !ok {
		e.logger.Printf("warn: schedule sync: %s: %v", actorID, ErrNoAccount)
		return ErrNoAccount
	}
	if e.batcher != nil {
		e.batcher.ScheduleSync(actorID)
	}
	return nil
}

// SyncImmediately sends the actor's record now.
func (e *Engine) SyncImmediately(actorID string) error {
	if _, ok := e.Account(actorID); !ok {
		e.logger.Printf("warn: sync: %s: %v", actorID, ErrNoAccount)
		return ErrNoAccount
	}
	if e.batcher == nil {
		return nil
	}
	return e.batcher.SyncImmediately(actorID)
}

// PickupResult answers whether an actor may take a stack.
type PickupResult struct {
	Allowed bool
	Ratio   float64
	// Message is set on refusal, at most once per cooldown window per actor.
	Message string
}

// CanPickUp refuses a pickup whose resulting ratio would be Critical.
func (e *Engine) CanPickUp(actorID string, s item.Stack) (PickupResult, error) {
	st := e.actors[actorID]
	if st == nil {
		e.logger.Printf("warn: pickup: %s: %v", actorID, ErrNoAccount)
		return PickupResult{}, ErrNoAccount
	}
	st.acct.Recompute(func() float64 { return e.agg.Total(st.holdings) })
	ratio := st.acct.RatioWith(e.agg.Weight(s))
	res := PickupResult{Allowed: encumbrance.Classify(ratio) < encumbrance.Critical, Ratio: finite(ratio)}
	if res.Allowed {
		return res, nil
	}
	if ok, _ := e.notes.Allow(actorID, e.tick.Load()); ok {
		res.Message = "You are carrying too much to pick that up"
	}
	return res, nil
}
