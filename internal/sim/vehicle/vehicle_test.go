package vehicle

import (
	"errors"
	"testing"
	"time"

	"loadwarden.ai/internal/sim/item"
)

type flatWeigher map[string]float64

func (f flatWeigher) Weight(s item.Stack) float64 {
	if s.IsEmpty() {
		return 0
	}
	return f[s.ID.String()] * float64(s.Count)
}

func newTestGovernor(now *time.Time) *Governor {
	g := NewGovernor(flatWeigher{"core:iron_block": 100},
		map[string]float64{"galley": 1000},
		map[string]float64{"immersive_aircraft:biplane": 300},
		DefaultTTL)
	g.SetClock(func() time.Time { return *now })
	return g
}

func cargo(n int) []item.Stack {
	return []item.Stack{{ID: item.MustID("core:iron_block"), Count: n}}
}

func TestShipOverload(t *testing.T) {
	now := time.Unix(0, 0)
	g := newTestGovernor(&now)
	v := Vehicle{ID: "v1", Class: Ship, Type: "galley", Slots: cargo(11)}
	r, err := g.LoadRatio(v)
	if err != nil || r < 1.0999 || r > 1.1001 {
		t.Fatalf("ratio: %v err=%v", r, err)
	}
	if b := Bucket(Ship, r); b != BucketOverloaded {
		t.Fatalf("bucket: %d", b)
	}
	m, _ := g.Modifiers(v)
	if m.Speed != 0 {
		t.Fatalf("overloaded ship must not move, speed=%v", m.Speed)
	}
}

func TestCurves(t *testing.T) {
	if ModifiersFor(Ship, 0.95).Speed != 0.6 || ModifiersFor(Ship, 0.6).Speed != 0.8 || ModifiersFor(Ship, 0.5).Speed != 1 {
		t.Fatalf("ship speed curve")
	}
	if ModifiersFor(Ship, 1.005).Speed != 0.6 {
		t.Fatalf("ship keeps moving until 1.01")
	}
	m := ModifiersFor(Aircraft, 0.8)
	if m.EnginePower != 0.7 || m.Fuel != 1.5 {
		t.Fatalf("aircraft at 0.8: %+v", m)
	}
	if ModifiersFor(Aircraft, 1.2).EnginePower != 0.1 || ModifiersFor(Aircraft, 0.95).Fuel != 2.0 {
		t.Fatalf("aircraft heavy curve")
	}
	if Bucket(Ship, 1.0) != BucketOverloaded || Bucket(Aircraft, 1.0) != BucketHeavy {
		t.Fatalf("bucket edges differ by class")
	}
}

func TestTTLCache(t *testing.T) {
	now := time.Unix(0, 0)
	g := newTestGovernor(&now)
	v := Vehicle{ID: "v1", Class: Ship, Type: "galley", Slots: cargo(5)}
	r1, _ := g.LoadRatio(v)
	v.Slots = cargo(9)
	now = now.Add(100 * time.Millisecond)
	if r2, _ := g.LoadRatio(v); r2 != r1 {
		t.Fatalf("within ttl the cached ratio is reused: %v vs %v", r2, r1)
	}
	now = now.Add(200 * time.Millisecond)
	if r3, _ := g.LoadRatio(v); r3 != 0.9 {
		t.Fatalf("after ttl ratio must refresh, got %v", r3)
	}
}

func TestNotificationHysteresis(t *testing.T) {
	now := time.Unix(0, 0)
	g := newTestGovernor(&now)
	v := Vehicle{ID: "v1", Class: Ship, Type: "galley", Slots: cargo(6)}

	if _, ok, _ := g.NotifyIfThresholdCrossed(v); !ok {
		t.Fatalf("first ship observation notifies")
	}
	if _, ok, _ := g.NotifyIfThresholdCrossed(v); ok {
		t.Fatalf("same bucket must not notify again")
	}
	v.Slots = cargo(7)
	g.Invalidate(v.ID)
	if _, ok, _ := g.NotifyIfThresholdCrossed(v); ok {
		t.Fatalf("0.7 stays in the loaded bucket")
	}
	v.Slots = cargo(10)
	g.Invalidate(v.ID)
	st, ok, _ := g.NotifyIfThresholdCrossed(v)
	if !ok || st.Bucket != BucketOverloaded || st.Message == "" {
		t.Fatalf("crossing into overloaded must notify: %+v ok=%v", st, ok)
	}
	if st, err := g.SendCurrentStatus(v); err != nil || st.Bucket != BucketOverloaded {
		t.Fatalf("current status always reports: %+v %v", st, err)
	}
}

func TestAircraftFirstLightObservationSilent(t *testing.T) {
	now := time.Unix(0, 0)
	g := newTestGovernor(&now)
	v := Vehicle{ID: "a1", Class: Aircraft, Type: "immersive_aircraft:biplane", Slots: cargo(1)}
	if _, ok, _ := g.NotifyIfThresholdCrossed(v); ok {
		t.Fatalf("first light aircraft observation is silent")
	}
	v.Slots = cargo(2)
	g.Invalidate(v.ID)
	if st, ok, _ := g.NotifyIfThresholdCrossed(v); !ok || st.Bucket != BucketLoaded {
		t.Fatalf("moving to loaded notifies: %+v", st)
	}
}

func TestUnknownTypeAndIdentity(t *testing.T) {
	now := time.Unix(0, 0)
	g := newTestGovernor(&now)
	if r, _ := g.LoadRatio(Vehicle{ID: "x", Type: "raft", Slots: cargo(50)}); r != 0 {
		t.Fatalf("unknown type ratio: %v", r)
	}
	if _, err := g.LoadRatio(Vehicle{Type: "galley"}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	id, fresh := EnsureIdentity("")
	if !fresh || id == "" {
		t.Fatalf("missing identity must be generated")
	}
	if again, fresh := EnsureIdentity(id); fresh || again != id {
		t.Fatalf("existing identity must be kept")
	}
}
