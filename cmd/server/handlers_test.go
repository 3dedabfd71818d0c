package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loadwarden.ai/internal/sim/account"
	"loadwarden.ai/internal/sim/engine"
	"loadwarden.ai/internal/sim/item"
	"loadwarden.ai/internal/sim/rules"
)

func findRepoRootForServerTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

type stubEngine struct {
	m    engine.Metrics
	accs map[string]engine.Published
}

func (s stubEngine) Metrics() engine.Metrics { return s.m }
func (s stubEngine) Account(id string) (engine.Published, bool) {
	p, ok := s.accs[id]
	return p, ok
}

func localRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

func TestSampleRulesLoadCleanly(t *testing.T) {
	root := findRepoRootForServerTests(t)
	res, err := rules.Load(filepath.Join(root, "configs", "rules"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("sample rules have issues: %v", res.Issues)
	}
	s := res.Store
	if w := s.Weight(item.Stack{ID: item.MustID("core:anvil"), Count: 1}); w != 25 {
		t.Fatalf("anvil: %v", w)
	}
	if w := s.Weight(item.Stack{ID: item.MustID("core:dirt"), Count: 1}); w != 1 {
		t.Fatalf("dirt: %v", w)
	}
	if !s.IsContainer(item.MustID("sophisticatedbackpacks:backpack")) {
		t.Fatalf("backpack must be a container")
	}
}

func TestReloadSwapsRules(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "items"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "items", "core.json"), []byte(`{"stone": 3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	h := rules.NewHandle(rules.NewBuilder().Item(item.MustID("core:stone"), rules.WeightEntry{Weight: 2}).Build())
	handler := reloadHandler(dir, h, nil, log.New(io.Discard, "", 0))

	rw := httptest.NewRecorder()
	handler(rw, localRequest(http.MethodGet, "/admin/reload"))
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: code %d", rw.Code)
	}

	remote := httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	rw = httptest.NewRecorder()
	handler(rw, remote)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("non-loopback: code %d", rw.Code)
	}

	rw = httptest.NewRecorder()
	handler(rw, localRequest(http.MethodPost, "/admin/reload"))
	if rw.Code != http.StatusOK {
		t.Fatalf("reload: code %d body %s", rw.Code, rw.Body.String())
	}
	var resp struct {
		OK         bool   `json:"ok"`
		Digest     string `json:"digest"`
		Generation uint64 `json:"generation"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Digest == "" || resp.Generation != 2 {
		t.Fatalf("resp: %+v", resp)
	}
	if w := h.Current().Weight(item.Stack{ID: item.MustID("core:stone"), Count: 1}); w != 3 {
		t.Fatalf("swapped weight: %v", w)
	}
}

func TestAccountHandler(t *testing.T) {
	w := 12.0
	eng := stubEngine{accs: map[string]engine.Published{
		"A1": {ActorID: "A1", Level: "NORMAL", Ratio: 0.24, Online: true, Record: account.Record{MaxCapacity: 50, CurrentWeight: &w}},
	}}
	handler := accountHandler(eng, nil)

	rw := httptest.NewRecorder()
	handler(rw, localRequest(http.MethodGet, "/admin/accounts/A1"))
	if rw.Code != http.StatusOK || !strings.Contains(rw.Body.String(), `"source":"engine"`) {
		t.Fatalf("A1: %d %s", rw.Code, rw.Body.String())
	}

	rw = httptest.NewRecorder()
	handler(rw, localRequest(http.MethodGet, "/admin/accounts/nobody"))
	if rw.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", rw.Code)
	}

	rw = httptest.NewRecorder()
	handler(rw, localRequest(http.MethodGet, "/admin/accounts/"))
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("empty id: %d", rw.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	eng := stubEngine{m: engine.Metrics{Tick: 42, Actors: 3, Vehicles: 1, CacheEntries: 7, StepMS: 0.25}}
	rw := httptest.NewRecorder()
	metricsHandler(eng, nil, nil, nil)(rw, localRequest(http.MethodGet, "/metrics"))
	body := rw.Body.String()
	for _, want := range []string{
		"loadwarden_tick 42",
		"loadwarden_accounts 3",
		"loadwarden_vehicles 1",
		`loadwarden_container_cache{metric="entries"} 7`,
		"loadwarden_step_ms 0.250",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestLatestSnapshotPicksHighestTick(t *testing.T) {
	dir := t.TempDir()
	snaps := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"100.snap.zst", "2000.snap.zst", "300.snap.zst", "junk.snap.zst", "9999.tmp"} {
		if err := os.WriteFile(filepath.Join(snaps, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := latestSnapshot(dir); filepath.Base(got) != "2000.snap.zst" {
		t.Fatalf("latest: %s", got)
	}
	if got := latestSnapshot(filepath.Join(dir, "none")); got != "" {
		t.Fatalf("missing dir: %q", got)
	}
}
