package engine

import (
	"sort"
	"strings"

	"loadwarden.ai/internal/sim/account"
	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/item"
	"loadwarden.ai/internal/sim/vehicle"
)

// Update is one host observation, applied at the start of the next tick.
type Update interface {
	isUpdate()
}

// ActorUpdate replaces everything the engine knows about one actor's
// holdings. Record is consulted only when the engine has no account yet.
type ActorUpdate struct {
	ActorID      string
	Holdings     []item.Stack
	Equipped     map[string]item.Stack // slot -> item
	Effects      map[string]encumbrance.Active
	BaseCapacity float64
	Record       *account.Record
}

type ActorLeave struct {
	ActorID string
}

// VehicleUpdate describes a vehicle's cargo. An empty VehicleID gets a fresh
// identity assigned back to the host through EntityRef.
type VehicleUpdate struct {
	VehicleID string
	EntityRef string
	Class     vehicle.Class
	Type      string
	Slots     []item.Stack
	Occupants []string
}

// VehicleOpen asks for the current status to be sent to the actor who
// opened the vehicle's cargo.
type VehicleOpen struct {
	VehicleID string
	ActorID   string
}

// ContainerChanged reports new contents of a watched sub-container. Stack is
// nil when the host only knows that something changed.
type ContainerChanged struct {
	ActorID string
	Handle  string
	Stack   *item.Stack
}

func (ActorUpdate) isUpdate()      {}
func (ActorLeave) isUpdate()       {}
func (VehicleUpdate) isUpdate()    {}
func (VehicleOpen) isUpdate()      {}
func (ContainerChanged) isUpdate() {}

func (e *Engine) apply(u Update) {
	switch u := u.(type) {
	case ActorUpdate:
		e.applyActor(u)
	case ActorLeave:
		e.leave(u.ActorID)
	case VehicleUpdate:
		e.applyVehicle(u)
	case VehicleOpen:
		e.openVehicle(u)
	case ContainerChanged:
		e.containerChanged(u)
	default:
		e.logger.Printf("unknown update %T", u)
	}
}

func holdingsKey(holdings []item.Stack) string {
	var b strings.Builder
	for _, s := range holdings {
		b.WriteString(string(item.FingerprintOf(s)))
		b.WriteByte('|')
	}
	return b.String()
}

// ensureActor returns the live state for id, restoring a parked record or
// the host-supplied one before falling back to a fresh account.
func (e *Engine) ensureActor(id string, base float64, rec *account.Record) *actorState {
	if st := e.actors[id]; st != nil {
		return st
	}
	if base <= 0 {
		base = e.cfg.Tuning.Capacity.BaseCapacity
	}
	var acct *account.Account
	if r, ok := e.parked[id]; ok {
		acct = account.FromRecord(r, base)
		delete(e.parked, id)
	} else if rec != nil {
		acct = account.FromRecord(*rec, base)
	} else {
		acct = account.New(base)
	}
	// Holdings may have changed while offline.
	acct.MarkDirty()
	st := &actorState{
		id:       id,
		acct:     acct,
		equipped: map[string]item.Stack{},
		active:   map[string]encumbrance.Active{},
		level:    acct.PreviousLevel(),
	}
	e.actors[id] = st
	return st
}

func (e *Engine) applyActor(u ActorUpdate) {
	if u.ActorID == "" {
		return
	}
	st := e.ensureActor(u.ActorID, u.BaseCapacity, u.Record)
	if u.BaseCapacity > 0 && u.BaseCapacity != st.acct.BaseCapacity() {
		st.acct.SetBaseCapacity(u.BaseCapacity)
	}
	if key := holdingsKey(u.Holdings); key != st.key {
		st.key = key
		st.holdings = u.Holdings
		st.acct.MarkDirty()
	}
	if u.Equipped != nil {
		st.equipped = u.Equipped
		e.refreshEquipment(st)
	}
	if u.Effects != nil {
		st.active = u.Effects
	}
}

func (e *Engine) refreshEquipment(st *actorState) {
	bonuses := make(map[string]float64, len(st.equipped))
	for slot, s := range st.equipped {
		if s.IsEmpty() {
			continue
		}
		bonuses[slot] = e.lookup.CapacityBonus(s.ID, "")
	}
	st.acct.RefreshEquipmentBonuses(e.cfg.Tuning.Capacity.EquippedSourcePrefix, bonuses)
}

// leave parks the actor's record so a later return restores bonuses and the
// previous level.
func (e *Engine) leave(id string) {
	st := e.actors[id]
	if st == nil {
		return
	}
	e.parked[id] = st.acct.Record()
	delete(e.actors, id)
	e.scan.Forget(id)
	e.notes.Forget(id)
	if e.batcher != nil {
		e.batcher.Forget(id)
	}
	p, ok := e.Account(id)
	if ok {
		p.Online = false
		p.Record = e.parked[id]
		e.publish(p)
	}
}

func (e *Engine) applyVehicle(u VehicleUpdate) {
	id, generated := vehicle.EnsureIdentity(u.VehicleID)
	if generated {
		if u.EntityRef == "" {
			e.logger.Printf("vehicle without id or entity_ref ignored")
			return
		}
		// Reuse the id already issued for this entity.
		for vid, vs := range e.vehicles {
			if vs.entityRef == u.EntityRef {
				id = vid
				generated = false
				break
			}
		}
		if generated {
			e.logger.Printf("warn: vehicle %s has no identity, assigned %s", u.EntityRef, id)
			e.host.AssignVehicleIdentity(u.EntityRef, id)
		}
	}
	vs := e.vehicles[id]
	if vs == nil {
		vs = &vehicleState{}
		e.vehicles[id] = vs
	}
	vs.v = vehicle.Vehicle{ID: id, Class: u.Class, Type: u.Type, Slots: u.Slots}
	if u.EntityRef != "" {
		vs.entityRef = u.EntityRef
	}
	vs.observed = true
	vs.occupants = append([]string(nil), u.Occupants...)
	sort.Strings(vs.occupants)
	e.gov.Invalidate(id)
}

func (e *Engine) openVehicle(u VehicleOpen) {
	vs := e.vehicles[u.VehicleID]
	if vs == nil || u.ActorID == "" {
		return
	}
	st, err := e.gov.SendCurrentStatus(vs.v)
	if err != nil {
		e.logger.Printf("warn: vehicle %s: %v", u.VehicleID, err)
		return
	}
	e.host.Notify([]string{u.ActorID}, st.Message, &st)
}

// containerChanged swaps the reported contents into the owner's holdings
// (matched by handle) and marks the owner dirty.
func (e *Engine) containerChanged(u ContainerChanged) {
	owner := u.ActorID
	if o, ok := e.scan.Owner(u.Handle); ok {
		owner = o
	}
	st := e.actors[owner]
	if st == nil {
		return
	}
	if u.Stack != nil {
		holdings := append([]item.Stack(nil), st.holdings...)
		if old, ok := replaceByHandle(holdings, u.Handle, *u.Stack); ok {
			e.agg.Invalidate(old)
			st.holdings = holdings
			st.key = holdingsKey(st.holdings)
		}
	}
	st.acct.MarkDirty()
}

// replaceByHandle copies each Contents slice on the path down to the match;
// only the top-level slice passed in is written.
func replaceByHandle(stacks []item.Stack, handle string, with item.Stack) (item.Stack, bool) {
	for i := range stacks {
		if stacks[i].Handle == handle {
			old := stacks[i]
			stacks[i] = with
			return old, true
		}
		if len(stacks[i].Contents) == 0 {
			continue
		}
		contents := append([]item.Stack(nil), stacks[i].Contents...)
		if old, ok := replaceByHandle(contents, handle, with); ok {
			stacks[i].Contents = contents
			return old, true
		}
	}
	return item.Stack{}, false
}
