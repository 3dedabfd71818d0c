package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"loadwarden.ai/internal/protocol"
	"loadwarden.ai/internal/replication"
	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/engine"
	"loadwarden.ai/internal/sim/item"
)

type fakeEngine struct {
	mu      sync.Mutex
	updates []engine.Update
	synced  []string
}

func (f *fakeEngine) Submit(u engine.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeEngine) RequestPickup(_ context.Context, actorID string, s item.Stack) (engine.PickupResult, error) {
	if actorID == "ghost" {
		return engine.PickupResult{}, engine.ErrNoAccount
	}
	return engine.PickupResult{Allowed: s.Count < 10, Ratio: 0.5}, nil
}

func (f *fakeEngine) SyncImmediately(actorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, actorID)
	return nil
}

func (f *fakeEngine) TickRateHz() int     { return 20 }
func (f *fakeEngine) RulesDigest() string { return "digest" }

func (f *fakeEngine) waitUpdates(t *testing.T, n int) []engine.Update {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.updates) >= n {
			out := append([]engine.Update(nil), f.updates...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d updates", n)
	return nil
}

func startServer(t *testing.T) (*Server, *fakeEngine, string) {
	t.Helper()
	eng := &fakeEngine{}
	s := NewServer(log.New(io.Discard, "", 0))
	s.Attach(eng)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, eng, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, hello protocol.HelloMsg) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	hello.Type = protocol.TypeHello
	hello.ProtocolVersion = protocol.Version
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatal(err)
	}
	var w protocol.WelcomeMsg
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&w); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	return conn, w
}

func readType(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		base, _ := protocol.DecodeBase(b)
		if base.Type == typ {
			return b
		}
	}
}

func waitSessions(t *testing.T, s *Server, hosts, views int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h, v := s.Sessions(); h == hosts && v == views {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h, v := s.Sessions()
	t.Fatalf("sessions hosts=%d views=%d", h, v)
}

func TestHostFramesBecomeUpdates(t *testing.T) {
	s, eng, url := startServer(t)
	conn, w := dial(t, url, protocol.HelloMsg{Role: protocol.RoleHost, HostName: "sim-1"})
	if w.Role != protocol.RoleHost || w.SessionID == "" || w.TickRateHz != 20 || w.RulesDigest != "digest" {
		t.Fatalf("welcome: %+v", w)
	}
	waitSessions(t, s, 1, 0)

	_ = conn.WriteJSON(protocol.ActorStateMsg{
		Type: protocol.TypeActorState, ProtocolVersion: protocol.Version, ActorID: "A1",
		Holdings: []protocol.Stack{{ID: "anvil", Count: 1}, {}, {ID: "core:backpack", Count: 1, Handle: "bp", Contents: []protocol.Stack{{ID: "dirt", Count: 3}}}},
		Equipped: []protocol.EquippedItem{{Slot: "back", Item: protocol.Stack{ID: "core:backpack", Count: 1}}},
		Account:  json.RawMessage(`{"MaxCapacity":60,"CapacityBonuses":{"x":10},"PreviousLevel":"HEAVY"}`),
	})
	_ = conn.WriteJSON(protocol.VehicleStateMsg{
		Type: protocol.TypeVehicleState, ProtocolVersion: protocol.Version, EntityRef: "e-1", Class: "aircraft", VehicleType: "immersive_aircraft:biplane",
	})
	_ = conn.WriteJSON(protocol.ActorLeaveMsg{Type: protocol.TypeActorLeave, ProtocolVersion: protocol.Version, ActorID: "A1"})

	ups := eng.waitUpdates(t, 3)
	au, ok := ups[0].(engine.ActorUpdate)
	if !ok || au.ActorID != "A1" || len(au.Holdings) != 3 {
		t.Fatalf("actor update: %#v", ups[0])
	}
	if au.Holdings[0].ID != item.MustID("core:anvil") || !au.Holdings[1].IsEmpty() || au.Holdings[2].Contents[0].Count != 3 {
		t.Fatalf("holdings: %+v", au.Holdings)
	}
	if au.Equipped["back"].ID != item.MustID("core:backpack") || au.Record == nil || au.Record.PreviousLevel != "HEAVY" {
		t.Fatalf("equipped/record: %+v", au)
	}
	if vu, ok := ups[1].(engine.VehicleUpdate); !ok || vu.EntityRef != "e-1" || vu.Class.String() != "aircraft" {
		t.Fatalf("vehicle update: %#v", ups[1])
	}
	if _, ok := ups[2].(engine.ActorLeave); !ok {
		t.Fatalf("leave: %#v", ups[2])
	}

	// Outbound host frames.
	s.ApplyEffects("A1", encumbrance.Heavy, []string{"weakness"}, encumbrance.Heavy.Effects())
	var em protocol.EffectsMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeEffects), &em); err != nil {
		t.Fatal(err)
	}
	if em.Level != "HEAVY" || len(em.Apply) != 1 || em.Remove[0] != "weakness" {
		t.Fatalf("effects: %+v", em)
	}
	s.AssignVehicleIdentity("e-1", "v-1")
	var vi protocol.VehicleIdentityMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeVehicleIdentity), &vi); err != nil || vi.VehicleID != "v-1" {
		t.Fatalf("identity: %+v %v", vi, err)
	}
}

func TestHostBadFramesAndPickup(t *testing.T) {
	_, _, url := startServer(t)
	conn, _ := dial(t, url, protocol.HelloMsg{Role: protocol.RoleHost})

	_ = conn.WriteJSON(protocol.ActorStateMsg{Type: protocol.TypeActorState, ProtocolVersion: protocol.Version, ActorID: "A1",
		Holdings: []protocol.Stack{{ID: "Bad Id!", Count: 1}}})
	var em protocol.ErrorMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeError), &em); err != nil || em.Code != protocol.ErrBadRequest {
		t.Fatalf("error: %+v %v", em, err)
	}

	_ = conn.WriteJSON(protocol.PickupCheckMsg{Type: protocol.TypePickupCheck, ProtocolVersion: protocol.Version, RequestID: "r1", ActorID: "A1",
		Stack: protocol.Stack{ID: "core:anvil", Count: 12}})
	var pr protocol.PickupResultMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypePickupResult), &pr); err != nil {
		t.Fatal(err)
	}
	if pr.RequestID != "r1" || pr.Allowed {
		t.Fatalf("pickup: %+v", pr)
	}

	_ = conn.WriteJSON(protocol.PickupCheckMsg{Type: protocol.TypePickupCheck, ProtocolVersion: protocol.Version, RequestID: "r2", ActorID: "ghost",
		Stack: protocol.Stack{ID: "core:anvil", Count: 1}})
	if err := json.Unmarshal(readType(t, conn, protocol.TypeError), &em); err != nil || em.Code != protocol.ErrNoAccount || em.RequestID != "r2" {
		t.Fatalf("no account: %+v %v", em, err)
	}
}

func TestViewReceivesSync(t *testing.T) {
	s, eng, url := startServer(t)
	conn, w := dial(t, url, protocol.HelloMsg{Role: protocol.RoleView, ActorID: "A1"})
	if w.Role != protocol.RoleView {
		t.Fatalf("welcome: %+v", w)
	}
	waitSessions(t, s, 0, 1)
	var synced []string
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		eng.mu.Lock()
		synced = append(synced[:0], eng.synced...)
		eng.mu.Unlock()
		if len(synced) > 0 {
			break
		}
	}
	if len(synced) != 1 || synced[0] != "A1" {
		t.Fatalf("initial sync: %v", synced)
	}

	if err := s.SendSync("A2", replication.Payload{Data: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("unviewed actor: %v", err)
	}
	if err := s.SendSync("A1", replication.Payload{Data: json.RawMessage(`{"MaxCapacity":50}`)}); err != nil {
		t.Fatal(err)
	}
	var m protocol.WeightSyncMsg
	if err := json.Unmarshal(readType(t, conn, protocol.TypeWeightSync), &m); err != nil {
		t.Fatal(err)
	}
	if m.ActorID != "A1" || m.Compressed || !strings.Contains(string(m.Data), "MaxCapacity") {
		t.Fatalf("sync: %+v", m)
	}
}

func TestViewWithoutActorRejected(t *testing.T) {
	_, _, url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Role: protocol.RoleView})
	var em protocol.ErrorMsg
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&em); err != nil || em.Code != protocol.ErrProtoRole {
		t.Fatalf("expected role error: %+v %v", em, err)
	}
}
