package engine

import (
	"sort"
	"time"

	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/vehicle"
)

// StepOnce advances one tick: apply queued updates, recompute dirty actors,
// reconcile effects, evaluate vehicles. Must only be called from the engine
// goroutine (or from tests that never call Run).
func (e *Engine) StepOnce(updates ...Update) {
	start := time.Now()
	tick := e.tick.Add(1)
	e.lookup.Reset()
	if g := e.cfg.Rules.Generation(); g != e.rulesGen {
		e.rulesGen = g
		e.rulesChanged()
	}

	for _, u := range updates {
		e.apply(u)
	}

	ids := make([]string, 0, len(e.actors))
	for id := range e.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.stepActor(tick, e.actors[id])
	}

	vids := make([]string, 0, len(e.vehicles))
	for id := range e.vehicles {
		vids = append(vids, id)
	}
	sort.Strings(vids)
	for _, id := range vids {
		e.stepVehicle(tick, e.vehicles[id])
	}

	if every := uint64(e.cfg.Tuning.SnapshotEveryTicks); every > 0 && tick%every == 0 && e.snapSink != nil {
		select {
		case e.snapSink <- e.ExportSnapshot():
		default:
			e.logger.Printf("snapshot sink full; skipping tick %d", tick)
		}
	}

	cs := e.agg.Stats()
	e.metricsMu.Lock()
	e.metrics = Metrics{
		Tick:         tick,
		Actors:       len(e.actors),
		Vehicles:     len(e.vehicles),
		CacheEntries: cs.Entries,
		CacheHits:    cs.Hits,
		CacheMisses:  cs.Misses,
		StepMS:       float64(time.Since(start).Microseconds()) / 1000,
	}
	e.metricsMu.Unlock()
}

// rulesChanged re-derives everything that was computed from the previous
// rule store.
func (e *Engine) rulesChanged() {
	e.agg.Clear()
	for _, st := range e.actors {
		e.refreshEquipment(st)
		st.acct.MarkDirty()
	}
	for id := range e.vehicles {
		e.gov.Invalidate(id)
	}
	e.logger.Printf("rules reloaded digest=%s", short(e.RulesDigest()))
}

func (e *Engine) stepActor(tick uint64, st *actorState) {
	e.scan.Poll(st.id, tick, st.holdings)

	recomputed := st.acct.Recompute(func() float64 { return e.agg.Total(st.holdings) })
	ratio := st.acct.Ratio()
	level := encumbrance.Classify(ratio)
	prev := st.acct.PreviousLevel()
	st.ratio = ratio
	st.level = level

	threshold := e.cfg.Tuning.Effects.RefreshThresholdTicks
	changed := level != prev
	if changed {
		remove, apply := encumbrance.Diff(prev, level)
		e.host.ApplyEffects(st.id, level, remove, apply)
		for _, k := range remove {
			delete(st.active, k)
		}
		e.markApplied(st, apply)
		st.acct.RecordLevel(level)
		e.writeAudit(AuditEntry{
			Tick:     tick,
			Actor:    st.id,
			Action:   "LEVEL_CHANGE",
			From:     prev.String(),
			To:       level.String(),
			Ratio:    finite(ratio),
			Weight:   st.acct.CurrentWeight(),
			Capacity: st.acct.MaxCapacity(),
		})
	} else if again := encumbrance.Refresh(level, st.active, threshold); len(again) > 0 {
		e.host.ApplyEffects(st.id, level, nil, again)
		e.markApplied(st, again)
	}
	e.ageEffects(st)

	_, seen := e.Account(st.id)
	if !changed && !recomputed && seen {
		return
	}
	rec := st.acct.Record()
	e.publish(Published{
		ActorID: st.id,
		Tick:    tick,
		Level:   level.String(),
		Ratio:   finite(ratio),
		Online:  true,
		Record:  rec,
	})
	if e.batcher != nil {
		e.batcher.ScheduleSync(st.id)
	}
	if e.index != nil {
		e.index.RecordAccount(tick, st.id, rec, level.String(), finite(ratio))
	}
}

// markApplied assumes the host applied what it was sent; the next
// ACTOR_STATE overwrites this with what it actually has.
func (e *Engine) markApplied(st *actorState, effects []encumbrance.Effect) {
	for _, ef := range effects {
		st.active[ef.Kind] = encumbrance.Active{Amplifier: ef.Amplifier, RemainingTicks: ef.DurationTicks}
	}
}

func (e *Engine) ageEffects(st *actorState) {
	for k, a := range st.active {
		if a.RemainingTicks > 0 {
			a.RemainingTicks--
			st.active[k] = a
		}
	}
}

func (e *Engine) stepVehicle(tick uint64, vs *vehicleState) {
	if !vs.observed {
		return
	}
	st, notify, err := e.gov.NotifyIfThresholdCrossed(vs.v)
	if err != nil {
		e.logger.Printf("warn: vehicle %s: %v", vs.v.ID, err)
		return
	}
	if !notify {
		return
	}
	if len(vs.occupants) > 0 {
		e.host.Notify(vs.occupants, st.Message, &st)
	}
	e.writeAudit(AuditEntry{
		Tick:     tick,
		Actor:    vs.v.ID,
		Action:   "VEHICLE_LOAD",
		To:       bucketName(st.Bucket),
		Ratio:    st.Ratio,
		Weight:   st.Weight,
		Capacity: st.Capacity,
		Details:  map[string]any{"type": st.Type, "class": st.Class},
	})
	if e.index != nil {
		e.index.RecordVehicle(tick, st)
	}
}

func (e *Engine) writeAudit(a AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.WriteAudit(a); err != nil {
		e.logger.Printf("audit: %v", err)
	}
}

func bucketName(b int) string {
	switch b {
	case vehicle.BucketLight:
		return "LIGHT"
	case vehicle.BucketLoaded:
		return "LOADED"
	case vehicle.BucketHeavy:
		return "HEAVY"
	}
	return "OVERLOADED"
}

// finite clamps +Inf (zero capacity) so it survives JSON encoding.
func finite(r float64) float64 {
	if r > 1e9 {
		return 1e9
	}
	return r
}
