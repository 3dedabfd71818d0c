package engine

import (
	"fmt"
	"sort"

	"loadwarden.ai/internal/persistence/snapshot"
	"loadwarden.ai/internal/sim/vehicle"
)

// ExportSnapshot captures online and parked accounts plus vehicle
// identities. Engine goroutine only; use RequestSnapshot elsewhere.
func (e *Engine) ExportSnapshot() snapshot.SnapshotV1 {
	s := snapshot.SnapshotV1{
		Header:      snapshot.Header{Version: snapshot.Version, Tick: e.tick.Load()},
		RulesDigest: e.RulesDigest(),
		TickRate:    e.cfg.Tuning.TickRateHz,
	}
	for id, st := range e.actors {
		s.Accounts = append(s.Accounts, snapshot.AccountV1{ActorID: id, Online: true, Record: st.acct.Record()})
	}
	for id, r := range e.parked {
		s.Accounts = append(s.Accounts, snapshot.AccountV1{ActorID: id, Record: r})
	}
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].ActorID < s.Accounts[j].ActorID })

	for id, vs := range e.vehicles {
		s.Vehicles = append(s.Vehicles, snapshot.VehicleV1{
			ID:        id,
			EntityRef: vs.entityRef,
			Class:     vs.v.Class.String(),
			Type:      vs.v.Type,
		})
	}
	sort.Slice(s.Vehicles, func(i, j int) bool { return s.Vehicles[i].ID < s.Vehicles[j].ID })
	return s
}

// ImportSnapshot restores state before Run starts. Every account comes back
// parked: it becomes live again on the actor's next update.
func (e *Engine) ImportSnapshot(s snapshot.SnapshotV1) error {
	if s.Header.Version != snapshot.Version {
		return fmt.Errorf("engine: unsupported snapshot version %d", s.Header.Version)
	}
	if d := e.RulesDigest(); s.RulesDigest != "" && d != "" && s.RulesDigest != d {
		e.logger.Printf("snapshot rules digest %s differs from loaded %s; weights will be recomputed", short(s.RulesDigest), short(d))
	}
	e.tick.Store(s.Header.Tick)
	clear(e.actors)
	clear(e.parked)
	clear(e.vehicles)
	for _, a := range s.Accounts {
		if a.ActorID == "" {
			continue
		}
		e.parked[a.ActorID] = a.Record
		e.publish(Published{ActorID: a.ActorID, Tick: s.Header.Tick, Level: a.Record.PreviousLevel, Record: a.Record})
	}
	for _, v := range s.Vehicles {
		if v.ID == "" {
			continue
		}
		c, err := vehicle.ParseClass(v.Class)
		if err != nil {
			e.logger.Printf("snapshot vehicle %s: %v", v.ID, err)
			continue
		}
		e.vehicles[v.ID] = &vehicleState{
			v:         vehicle.Vehicle{ID: v.ID, Class: c, Type: v.Type},
			entityRef: v.EntityRef,
		}
	}
	return nil
}

func short(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
