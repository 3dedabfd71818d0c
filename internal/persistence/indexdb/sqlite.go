package indexdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"loadwarden.ai/internal/persistence/snapshot"
	"loadwarden.ai/internal/sim/account"
	"loadwarden.ai/internal/sim/rules"
	"loadwarden.ai/internal/sim/vehicle"
)

// SQLiteIndex is a queryable read model of accounts and vehicles. Writes are
// queued and applied by one goroutine; the tick never waits on sqlite.
type SQLiteIndex struct {
	db *sqlx.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAccount  atomic.Uint64
	dropVehicle  atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqAccount reqKind = iota + 1
	reqVehicle
	reqSnapshot
	reqRules
)

type req struct {
	kind reqKind

	account  AccountRow
	vehicle  VehicleRow
	snapshot SnapshotRow
	rules    RulesRow
}

type AccountRow struct {
	ActorID     string  `db:"actor_id" json:"actor_id"`
	Tick        uint64  `db:"tick" json:"tick"`
	Level       string  `db:"level" json:"level"`
	Ratio       float64 `db:"ratio" json:"ratio"`
	Weight      float64 `db:"weight" json:"weight"`
	MaxCapacity float64 `db:"max_capacity" json:"max_capacity"`
	RecordJSON  string  `db:"record_json" json:"-"`
	UpdatedAt   string  `db:"updated_at" json:"updated_at"`
}

// Record decodes the stored account record.
func (r AccountRow) Record() (account.Record, error) {
	var rec account.Record
	if err := json.Unmarshal([]byte(r.RecordJSON), &rec); err != nil {
		return rec, fmt.Errorf("account %s: %w", r.ActorID, err)
	}
	return rec, nil
}

type LevelChange struct {
	Tick    uint64  `db:"tick" json:"tick"`
	ActorID string  `db:"actor_id" json:"actor_id"`
	From    string  `db:"from_level" json:"from"`
	To      string  `db:"to_level" json:"to"`
	Ratio   float64 `db:"ratio" json:"ratio"`
}

type VehicleRow struct {
	VehicleID string  `db:"vehicle_id" json:"vehicle_id"`
	Tick      uint64  `db:"tick" json:"tick"`
	Class     string  `db:"class" json:"class"`
	Type      string  `db:"type" json:"type"`
	Weight    float64 `db:"weight" json:"weight"`
	Capacity  float64 `db:"capacity" json:"capacity"`
	Ratio     float64 `db:"ratio" json:"ratio"`
	Bucket    int     `db:"bucket" json:"bucket"`
}

type SnapshotRow struct {
	Tick        uint64 `db:"tick" json:"tick"`
	Path        string `db:"path" json:"path"`
	Accounts    int    `db:"accounts" json:"accounts"`
	Vehicles    int    `db:"vehicles" json:"vehicles"`
	RulesDigest string `db:"rules_digest" json:"rules_digest"`
}

type RulesRow struct {
	Digest    string `db:"digest" json:"digest"`
	StatsJSON string `db:"stats_json" json:"stats"`
	LoadedAt  string `db:"loaded_at" json:"loaded_at"`
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropAccount   uint64 `json:"drop_account_total"`
	DropVehicle   uint64 `json:"drop_vehicle_total"`
	DropSnapshot  uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, 65536)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func migrate(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		actor_id TEXT PRIMARY KEY,
		tick INTEGER NOT NULL,
		level TEXT NOT NULL,
		ratio REAL NOT NULL,
		weight REAL NOT NULL,
		max_capacity REAL NOT NULL,
		record_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS level_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		actor_id TEXT NOT NULL,
		from_level TEXT NOT NULL,
		to_level TEXT NOT NULL,
		ratio REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vehicles (
		vehicle_id TEXT PRIMARY KEY,
		tick INTEGER NOT NULL,
		class TEXT NOT NULL,
		type TEXT NOT NULL,
		weight REAL NOT NULL,
		capacity REAL NOT NULL,
		ratio REAL NOT NULL,
		bucket INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		tick INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		accounts INTEGER NOT NULL,
		vehicles INTEGER NOT NULL,
		rules_digest TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		digest TEXT PRIMARY KEY,
		stats_json TEXT NOT NULL,
		loaded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_level ON accounts(level);
	CREATE INDEX IF NOT EXISTS idx_level_changes_actor_tick ON level_changes(actor_id, tick);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Snapshots and the audit log remain the source of truth.
		drops.Add(1)
	}
}

// RecordAccount implements engine.IndexSink.
func (s *SQLiteIndex) RecordAccount(tick uint64, actorID string, rec account.Record, level string, ratio float64) {
	if s == nil {
		return
	}
	b, _ := json.Marshal(rec)
	var w float64
	if rec.CurrentWeight != nil {
		w = *rec.CurrentWeight
	}
	s.enqueue(req{kind: reqAccount, account: AccountRow{
		ActorID:     actorID,
		Tick:        tick,
		Level:       level,
		Ratio:       ratio,
		Weight:      w,
		MaxCapacity: rec.Capacity(),
		RecordJSON:  string(b),
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}}, &s.dropAccount)
}

// RecordVehicle implements engine.IndexSink.
func (s *SQLiteIndex) RecordVehicle(tick uint64, st vehicle.Status) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqVehicle, vehicle: VehicleRow{
		VehicleID: st.VehicleID,
		Tick:      tick,
		Class:     st.Class,
		Type:      st.Type,
		Weight:    st.Weight,
		Capacity:  st.Capacity,
		Ratio:     st.Ratio,
		Bucket:    st.Bucket,
	}}, &s.dropVehicle)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: SnapshotRow{
		Tick:        snap.Header.Tick,
		Path:        path,
		Accounts:    len(snap.Accounts),
		Vehicles:    len(snap.Vehicles),
		RulesDigest: snap.RulesDigest,
	}}, &s.dropSnapshot)
}

// RecordRules stores the digest and entry counts of a loaded rule store.
func (s *SQLiteIndex) RecordRules(st *rules.Store) {
	if s == nil || st == nil {
		return
	}
	b, _ := json.Marshal(st.Stats())
	at := st.LoadedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.enqueue(req{kind: reqRules, rules: RulesRow{
		Digest:    st.Digest,
		StatsJSON: string(b),
		LoadedAt:  at.UTC().Format(time.RFC3339Nano),
	}}, &s.dropSnapshot)
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropAccount:   s.dropAccount.Load(),
		DropVehicle:   s.dropVehicle.Load(),
		DropSnapshot:  s.dropSnapshot.Load(),
	}
}

// GetAccount returns the latest indexed row for an actor.
func (s *SQLiteIndex) GetAccount(actorID string) (AccountRow, error) {
	var r AccountRow
	err := s.db.Get(&r, `SELECT actor_id, tick, level, ratio, weight, max_capacity, record_json, updated_at
		FROM accounts WHERE actor_id = ?`, actorID)
	return r, err
}

// AccountsAtLevel lists actors currently at level, heaviest ratio first.
func (s *SQLiteIndex) AccountsAtLevel(level string, limit int) ([]AccountRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []AccountRow
	err := s.db.Select(&out, `SELECT actor_id, tick, level, ratio, weight, max_capacity, record_json, updated_at
		FROM accounts WHERE level = ? ORDER BY ratio DESC, actor_id LIMIT ?`, level, limit)
	return out, err
}

func (s *SQLiteIndex) LevelHistory(actorID string, limit int) ([]LevelChange, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []LevelChange
	err := s.db.Select(&out, `SELECT tick, actor_id, from_level, to_level, ratio
		FROM level_changes WHERE actor_id = ? ORDER BY id DESC LIMIT ?`, actorID, limit)
	return out, err
}

func (s *SQLiteIndex) GetVehicle(id string) (VehicleRow, error) {
	var r VehicleRow
	err := s.db.Get(&r, `SELECT vehicle_id, tick, class, type, weight, capacity, ratio, bucket
		FROM vehicles WHERE vehicle_id = ?`, id)
	return r, err
}

func (s *SQLiteIndex) LatestSnapshot() (SnapshotRow, error) {
	var r SnapshotRow
	err := s.db.Get(&r, `SELECT tick, path, accounts, vehicles, rules_digest
		FROM snapshots ORDER BY tick DESC LIMIT 1`)
	return r, err
}

// Snapshots lists indexed snapshots, newest first.
func (s *SQLiteIndex) Snapshots(limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []SnapshotRow
	err := s.db.Select(&out, `SELECT tick, path, accounts, vehicles, rules_digest
		FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	return out, err
}

// Rules lists every rule set the server has loaded, newest first.
func (s *SQLiteIndex) Rules(limit int) ([]RulesRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []RulesRow
	err := s.db.Select(&out, `SELECT digest, stats_json, loaded_at
		FROM rules ORDER BY loaded_at DESC LIMIT ?`, limit)
	return out, err
}

func (s *SQLiteIndex) loop() {
	var (
		tx            *sqlx.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)
	// Last level written per actor, so level_changes only gets transitions.
	levels := map[string]string{}

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.Beginx()
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqAccount:
			a := r.account
			prev, known := levels[a.ActorID]
			if !known {
				_ = tx.Get(&prev, `SELECT level FROM accounts WHERE actor_id = ?`, a.ActorID)
			}
			_, err = tx.NamedExec(`INSERT OR REPLACE INTO accounts
				(actor_id, tick, level, ratio, weight, max_capacity, record_json, updated_at)
				VALUES (:actor_id, :tick, :level, :ratio, :weight, :max_capacity, :record_json, :updated_at)`, a)
			if err == nil && prev != "" && prev != a.Level {
				_, err = tx.Exec(`INSERT INTO level_changes(tick, actor_id, from_level, to_level, ratio) VALUES(?,?,?,?,?)`,
					a.Tick, a.ActorID, prev, a.Level, a.Ratio)
			}
			if err == nil {
				levels[a.ActorID] = a.Level
			}
		case reqVehicle:
			_, err = tx.NamedExec(`INSERT OR REPLACE INTO vehicles
				(vehicle_id, tick, class, type, weight, capacity, ratio, bucket)
				VALUES (:vehicle_id, :tick, :class, :type, :weight, :capacity, :ratio, :bucket)`, r.vehicle)
		case reqSnapshot:
			_, err = tx.NamedExec(`INSERT OR REPLACE INTO snapshots(tick, path, accounts, vehicles, rules_digest)
				VALUES (:tick, :path, :accounts, :vehicles, :rules_digest)`, r.snapshot)
		case reqRules:
			_, err = tx.NamedExec(`INSERT OR REPLACE INTO rules(digest, stats_json, loaded_at)
				VALUES (:digest, :stats_json, :loaded_at)`, r.rules)
		}
		if err != nil {
			rollback()
			// The cached levels may now be ahead of what was committed.
			clear(levels)
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
