package ws

import (
	"encoding/json"
	"fmt"

	"loadwarden.ai/internal/protocol"
	"loadwarden.ai/internal/sim/account"
	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/engine"
	"loadwarden.ai/internal/sim/item"
	"loadwarden.ai/internal/sim/vehicle"
)

const maxStackDepth = 16

// ToStack converts a wire stack. An empty id is an empty slot; ids without
// a namespace default to "core".
func ToStack(s protocol.Stack) (item.Stack, error) {
	return toStackDepth(s, 0)
}

func toStackDepth(s protocol.Stack, depth int) (item.Stack, error) {
	if s.ID == "" {
		return item.Stack{}, nil
	}
	if depth > maxStackDepth {
		return item.Stack{}, fmt.Errorf("stack %s nested deeper than %d", s.ID, maxStackDepth)
	}
	id, err := item.ParseID(s.ID, item.DefaultNamespace)
	if err != nil {
		return item.Stack{}, err
	}
	out := item.Stack{ID: id, Count: s.Count, Tags: s.Tags, Handle: s.Handle}
	if len(s.Contents) > 0 {
		out.Contents = make([]item.Stack, len(s.Contents))
		for i, c := range s.Contents {
			if out.Contents[i], err = toStackDepth(c, depth+1); err != nil {
				return item.Stack{}, err
			}
		}
	}
	return out, nil
}

func ToStacks(in []protocol.Stack) ([]item.Stack, error) {
	out := make([]item.Stack, len(in))
	for i, s := range in {
		st, err := ToStack(s)
		if err != nil {
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

func actorUpdate(m protocol.ActorStateMsg) (engine.ActorUpdate, error) {
	u := engine.ActorUpdate{ActorID: m.ActorID, BaseCapacity: m.BaseCapacity}
	if m.ActorID == "" {
		return u, fmt.Errorf("missing actor_id")
	}
	var err error
	if u.Holdings, err = ToStacks(m.Holdings); err != nil {
		return u, err
	}
	if m.Equipped != nil {
		u.Equipped = make(map[string]item.Stack, len(m.Equipped))
		for _, eq := range m.Equipped {
			st, err := ToStack(eq.Item)
			if err != nil {
				return u, err
			}
			u.Equipped[eq.Slot] = st
		}
	}
	if m.Effects != nil {
		u.Effects = make(map[string]encumbrance.Active, len(m.Effects))
		for k, v := range m.Effects {
			u.Effects[k] = encumbrance.Active{Amplifier: v.Amplifier, RemainingTicks: v.RemainingTicks}
		}
	}
	if len(m.Account) > 0 {
		var rec account.Record
		if err := json.Unmarshal(m.Account, &rec); err != nil {
			return u, fmt.Errorf("account: %w", err)
		}
		u.Record = &rec
	}
	return u, nil
}

func vehicleUpdate(m protocol.VehicleStateMsg) (engine.VehicleUpdate, error) {
	u := engine.VehicleUpdate{VehicleID: m.VehicleID, EntityRef: m.EntityRef, Type: m.VehicleType, Occupants: m.Occupants}
	if m.VehicleID == "" && m.EntityRef == "" {
		return u, fmt.Errorf("missing vehicle_id and entity_ref")
	}
	c, err := vehicle.ParseClass(m.Class)
	if err != nil {
		return u, err
	}
	u.Class = c
	if u.Slots, err = ToStacks(m.Slots); err != nil {
		return u, err
	}
	return u, nil
}

func effectsMsg(actorID string, l encumbrance.Level, remove []string, apply []encumbrance.Effect) protocol.EffectsMsg {
	m := protocol.EffectsMsg{
		Type:            protocol.TypeEffects,
		ProtocolVersion: protocol.Version,
		ActorID:         actorID,
		Level:           l.String(),
		Remove:          remove,
	}
	for _, e := range apply {
		m.Apply = append(m.Apply, protocol.Effect{Kind: e.Kind, DurationTicks: e.DurationTicks, Amplifier: e.Amplifier})
	}
	return m
}
