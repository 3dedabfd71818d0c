package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"loadwarden.ai/internal/persistence/indexdb"
	"loadwarden.ai/internal/replication"
	"loadwarden.ai/internal/sim/engine"
	"loadwarden.ai/internal/sim/rules"
	"loadwarden.ai/internal/transport/ws"
)

type engineView interface {
	Metrics() engine.Metrics
	Account(actorID string) (engine.Published, bool)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func metricsHandler(eng engineView, b *replication.Batcher, hub *ws.Server, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := eng.Metrics()

		fmt.Fprintf(rw, "# HELP loadwarden_tick Current engine tick.\n")
		fmt.Fprintf(rw, "# TYPE loadwarden_tick gauge\n")
		fmt.Fprintf(rw, "loadwarden_tick %d\n", m.Tick)

		fmt.Fprintf(rw, "# HELP loadwarden_accounts Online capacity accounts.\n")
		fmt.Fprintf(rw, "# TYPE loadwarden_accounts gauge\n")
		fmt.Fprintf(rw, "loadwarden_accounts %d\n", m.Actors)

		fmt.Fprintf(rw, "# HELP loadwarden_vehicles Tracked vehicles.\n")
		fmt.Fprintf(rw, "# TYPE loadwarden_vehicles gauge\n")
		fmt.Fprintf(rw, "loadwarden_vehicles %d\n", m.Vehicles)

		fmt.Fprintf(rw, "# HELP loadwarden_container_cache Container weight cache.\n")
		fmt.Fprintf(rw, "# TYPE loadwarden_container_cache gauge\n")
		fmt.Fprintf(rw, "loadwarden_container_cache{metric=%q} %d\n", "entries", m.CacheEntries)
		fmt.Fprintf(rw, "loadwarden_container_cache{metric=%q} %d\n", "hits", m.CacheHits)
		fmt.Fprintf(rw, "loadwarden_container_cache{metric=%q} %d\n", "misses", m.CacheMisses)

		fmt.Fprintf(rw, "# HELP loadwarden_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE loadwarden_queue_depth gauge\n")
		fmt.Fprintf(rw, "loadwarden_queue_depth{queue=%q} %d\n", "inbox", m.QueueDepth)

		fmt.Fprintf(rw, "# HELP loadwarden_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE loadwarden_step_ms gauge\n")
		fmt.Fprintf(rw, "loadwarden_step_ms %.3f\n", m.StepMS)

		if b != nil {
			s := b.Stats()
			fmt.Fprintf(rw, "# HELP loadwarden_sync Replication batcher counters.\n")
			fmt.Fprintf(rw, "# TYPE loadwarden_sync gauge\n")
			fmt.Fprintf(rw, "loadwarden_sync{metric=%q} %d\n", "pending", s.Pending)
			fmt.Fprintf(rw, "loadwarden_sync{metric=%q} %d\n", "scheduled", s.Schedule)
			fmt.Fprintf(rw, "loadwarden_sync{metric=%q} %d\n", "sent", s.Sent)
			fmt.Fprintf(rw, "loadwarden_sync{metric=%q} %d\n", "failed", s.Failed)
		}
		if hub != nil {
			hosts, views := hub.Sessions()
			fmt.Fprintf(rw, "# HELP loadwarden_ws_sessions Connected websocket sessions.\n")
			fmt.Fprintf(rw, "# TYPE loadwarden_ws_sessions gauge\n")
			fmt.Fprintf(rw, "loadwarden_ws_sessions{role=%q} %d\n", "host", hosts)
			fmt.Fprintf(rw, "loadwarden_ws_sessions{role=%q} %d\n", "view", views)
			fmt.Fprintf(rw, "# HELP loadwarden_ws_dropped_total Outbound frames dropped on full session queues.\n")
			fmt.Fprintf(rw, "# TYPE loadwarden_ws_dropped_total counter\n")
			fmt.Fprintf(rw, "loadwarden_ws_dropped_total %d\n", hub.Dropped())
		}
		if idx != nil {
			s := idx.Stats()
			fmt.Fprintf(rw, "# HELP loadwarden_index_queue_depth Index writer queue depth.\n")
			fmt.Fprintf(rw, "# TYPE loadwarden_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "loadwarden_index_queue_depth %d\n", s.QueueDepth)
			fmt.Fprintf(rw, "# HELP loadwarden_index_dropped_total Index writes dropped on a full queue.\n")
			fmt.Fprintf(rw, "# TYPE loadwarden_index_dropped_total counter\n")
			fmt.Fprintf(rw, "loadwarden_index_dropped_total{kind=%q} %d\n", "account", s.DropAccount)
			fmt.Fprintf(rw, "loadwarden_index_dropped_total{kind=%q} %d\n", "vehicle", s.DropVehicle)
			fmt.Fprintf(rw, "loadwarden_index_dropped_total{kind=%q} %d\n", "snapshot", s.DropSnapshot)
		}
	}
}

// reloadHandler rebuilds the rule store from dir and swaps it in. The engine
// notices the new generation on its next tick.
func reloadHandler(dir string, h *rules.Handle, idx *indexdb.SQLiteIndex, logger *log.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		st, err := rules.LoadAndLog(dir, logger)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		old := h.Swap(st)
		if idx != nil {
			idx.RecordRules(st)
		}
		writeJSON(rw, http.StatusOK, map[string]any{
			"ok":         true,
			"digest":     st.Digest,
			"previous":   old.Digest,
			"generation": h.Generation(),
			"stats":      st.Stats(),
		})
	}
}

// accountHandler serves GET /admin/accounts/{id}: the live published record,
// falling back to the index for actors the engine does not hold.
func accountHandler(eng engineView, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
		if id == "" || strings.Contains(id, "/") {
			http.Error(rw, "bad actor id", http.StatusBadRequest)
			return
		}
		if p, ok := eng.Account(id); ok {
			writeJSON(rw, http.StatusOK, map[string]any{"source": "engine", "account": p})
			return
		}
		if idx != nil {
			row, err := idx.GetAccount(id)
			switch {
			case err == nil:
				resp := map[string]any{"source": "index", "account": row}
				if rec, err := row.Record(); err == nil {
					resp["record"] = rec
				}
				if hist, err := idx.LevelHistory(id, 20); err == nil {
					resp["history"] = hist
				}
				writeJSON(rw, http.StatusOK, resp)
				return
			case !errors.Is(err, sql.ErrNoRows):
				writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
		}
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": engine.ErrNoAccount.Error()})
	}
}
