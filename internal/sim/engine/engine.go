package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"loadwarden.ai/internal/persistence/snapshot"
	"loadwarden.ai/internal/replication"
	"loadwarden.ai/internal/sim/account"
	"loadwarden.ai/internal/sim/aggregate"
	"loadwarden.ai/internal/sim/encumbrance"
	"loadwarden.ai/internal/sim/item"
	"loadwarden.ai/internal/sim/ratelimit"
	"loadwarden.ai/internal/sim/rules"
	"loadwarden.ai/internal/sim/scanner"
	"loadwarden.ai/internal/sim/tuning"
	"loadwarden.ai/internal/sim/vehicle"
)

var (
	ErrNoAccount         = errors.New("no account for actor")
	ErrNoVehicleIdentity = vehicle.ErrNoIdentity
	ErrUnknownVehicle    = errors.New("unknown vehicle")
	ErrBusy              = errors.New("engine queue full")
)

// Host is the outbound port to the host simulation. Calls are made from the
// engine goroutine and must not block.
type Host interface {
	ApplyEffects(actorID string, level encumbrance.Level, remove []string, apply []encumbrance.Effect)
	Notify(recipients []string, text string, status *vehicle.Status)
	Watch(actorID, handle string)
	Unwatch(actorID, handle string)
	AssignVehicleIdentity(entityRef, vehicleID string)
}

type AuditEntry struct {
	Tick     uint64         `json:"tick"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"` // e.g. "LEVEL_CHANGE"
	From     string         `json:"from,omitempty"`
	To       string         `json:"to,omitempty"`
	Ratio    float64        `json:"ratio"`
	Weight   float64        `json:"weight"`
	Capacity float64        `json:"capacity"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// IndexSink receives read-model updates (sqlite). Implementations must not
// block the tick.
type IndexSink interface {
	RecordAccount(tick uint64, actorID string, rec account.Record, level string, ratio float64)
	RecordVehicle(tick uint64, st vehicle.Status)
}

type Config struct {
	Tuning tuning.Tuning
	Rules  *rules.Handle
	Host   Host
	Logger *log.Logger
}

type actorState struct {
	id       string
	acct     *account.Account
	holdings []item.Stack
	equipped map[string]item.Stack
	active   map[string]encumbrance.Active
	key      string
	ratio    float64
	level    encumbrance.Level
}

type vehicleState struct {
	v         vehicle.Vehicle
	entityRef string
	occupants []string

	// observed is false for identities restored from a snapshot until the
	// host reports the vehicle again.
	observed bool
}

// Published is the thread-safe view of one account.
type Published struct {
	ActorID string         `json:"actor_id"`
	Tick    uint64         `json:"tick"`
	Level   string         `json:"level"`
	Ratio   float64        `json:"ratio"`
	Online  bool           `json:"online"`
	Record  account.Record `json:"record"`
}

type Metrics struct {
	Tick         uint64  `json:"tick"`
	Actors       int     `json:"actors"`
	Vehicles     int     `json:"vehicles"`
	CacheEntries int     `json:"cache_entries"`
	CacheHits    uint64  `json:"cache_hits"`
	CacheMisses  uint64  `json:"cache_misses"`
	QueueDepth   int     `json:"queue_depth"`
	StepMS       float64 `json:"step_ms"`
}

type pickupReq struct {
	ActorID string
	Stack   item.Stack
	Resp    chan pickupResp
}

type pickupResp struct {
	Result PickupResult
	Err    error
}

type snapshotReq struct {
	Resp chan snapshot.SnapshotV1
}

// Engine owns all accounting state and drives it from a single goroutine.
type Engine struct {
	cfg    Config
	logger *log.Logger
	host   Host

	lookup *rules.Lookup
	agg    *aggregate.Aggregator
	gov    *vehicle.Governor
	scan   *scanner.Scanner
	notes  *ratelimit.Keyed

	batcher  *replication.Batcher
	audit    AuditLogger
	index    IndexSink
	snapSink chan<- snapshot.SnapshotV1

	tick     atomic.Uint64
	rulesGen uint64
	actors   map[string]*actorState
	parked   map[string]account.Record
	vehicles map[string]*vehicleState

	inbox   chan Update
	pickups chan pickupReq
	snaps   chan snapshotReq
	stop    chan struct{}

	pubMu     sync.RWMutex
	published map[string]Published

	metricsMu sync.Mutex
	metrics   Metrics
}

func New(cfg Config) (*Engine, error) {
	if cfg.Rules == nil {
		return nil, fmt.Errorf("engine: rules handle is required")
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	host := cfg.Host
	if host == nil {
		host = nopHost{}
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		host:      host,
		actors:    map[string]*actorState{},
		parked:    map[string]account.Record{},
		vehicles:  map[string]*vehicleState{},
		inbox:     make(chan Update, 1024),
		pickups:   make(chan pickupReq, 256),
		snaps:     make(chan snapshotReq, 4),
		stop:      make(chan struct{}),
		published: map[string]Published{},
	}
	e.lookup = rules.NewLookup(cfg.Rules)
	e.rulesGen = cfg.Rules.Generation()
	e.agg = aggregate.New(e.lookup, cfg.Tuning.Aggregation.MaxDepth)
	e.gov = vehicle.NewGovernor(e.agg, cfg.Tuning.Vehicles.Ships, cfg.Tuning.Vehicles.Aircraft, cfg.Tuning.Vehicles.CacheTTL())
	e.scan = scanner.New(e.lookup.IsContainer, host, cfg.Tuning.Scanner.PollEveryTicks)
	e.notes = ratelimit.NewKeyed(uint64(cfg.Tuning.Pickup.MessageCooldownTicks), 1)
	return e, nil
}

func (e *Engine) SetBatcher(b *replication.Batcher) { e.batcher = b }
func (e *Engine) SetAuditLogger(a AuditLogger) { e.audit = a }
func (e *Engine) SetIndex(ix IndexSink) { e.index = ix }
func (e *Engine) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { e.snapSink = ch }

// SetClock replaces the wall clock used for cache timestamps and vehicle TTLs.
func (e *Engine) SetClock(now func() time.Time) {
	e.agg.SetClock(now)
	e.gov.SetClock(now)
}

func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }
func (e *Engine) RulesDigest() string { return e.cfg.Rules.Current().Digest }
func (e *Engine) TickRateHz() int { return e.cfg.Tuning.TickRateHz }

// Run drives ticks until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Tuning.TickDuration())
	defer ticker.Stop()

	var pending []Update
	var pendingSnaps []snapshotReq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case u := <-e.inbox:
			pending = append(pending, u)
		case req := <-e.pickups:
			res, err := e.CanPickUp(req.ActorID, req.Stack)
			req.Resp <- pickupResp{Result: res, Err: err}
		case req := <-e.snaps:
			pendingSnaps = append(pendingSnaps, req)
		case <-ticker.C:
			e.StepOnce(pending...)
			for _, r := range pendingSnaps {
				r.Resp <- e.ExportSnapshot()
			}
			pending = pending[:0]
			pendingSnaps = pendingSnaps[:0]
		}
	}
}

func (e *Engine) Stop() { close(e.stop) }

// Submit queues a host update for the next tick. It never blocks; a full
// queue reports ErrBusy.
func (e *Engine) Submit(u Update) error {
	select {
	case e.inbox <- u:
		return nil
	default:
		return ErrBusy
	}
}

// RequestPickup asks the engine goroutine whether actorID may pick up s.
// Safe to call from other goroutines.
func (e *Engine) RequestPickup(ctx context.Context, actorID string, s item.Stack) (PickupResult, error) {
	resp := make(chan pickupResp, 1)
	select {
	case e.pickups <- pickupReq{ActorID: actorID, Stack: s, Resp: resp}:
	case <-ctx.Done():
		return PickupResult{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Result, r.Err
	case <-ctx.Done():
		return PickupResult{}, ctx.Err()
	}
}

// RequestSnapshot asks the engine goroutine for a consistent export at the
// end of the next tick. Safe to call from other goroutines.
func (e *Engine) RequestSnapshot(ctx context.Context) (snapshot.SnapshotV1, error) {
	resp := make(chan snapshot.SnapshotV1, 1)
	select {
	case e.snaps <- snapshotReq{Resp: resp}:
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
	select {
	case s := <-resp:
		return s, nil
	case <-ctx.Done():
		return snapshot.SnapshotV1{}, ctx.Err()
	}
}

// Account returns the published view of an actor. Safe for concurrent use.
func (e *Engine) Account(actorID string) (Published, bool) {
	e.pubMu.RLock()
	defer e.pubMu.RUnlock()
	p, ok := e.published[actorID]
	return p, ok
}

// SyncRecord implements replication.Source.
func (e *Engine) SyncRecord(actorID string) (account.Record, bool) {
	p, ok := e.Account(actorID)
	return p.Record, ok
}

func (e *Engine) publish(p Published) {
	e.pubMu.Lock()
	e.published[p.ActorID] = p
	e.pubMu.Unlock()
}

func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m := e.metrics
	m.QueueDepth = len(e.inbox)
	return m
}

type nopHost struct{}

func (nopHost) ApplyEffects(string, encumbrance.Level, []string, []encumbrance.Effect) {}
func (nopHost) Notify([]string, string, *vehicle.Status) {}
func (nopHost) Watch(string, string) {}
func (nopHost) Unwatch(string, string) {}
func (nopHost) AssignVehicleIdentity(string, string) {}
