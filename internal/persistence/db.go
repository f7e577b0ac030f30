// Package persistence provides SQLite-based run storage: agent snapshots,
// the event log, and key/value metadata.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/weavelang/internal/agents"
	"github.com/talgya/weavelang/internal/engine"
	"github.com/talgya/weavelang/internal/weave"
)

// ErrNoRun is returned when no saved run matches.
var ErrNoRun = errors.New("no saved run")

// DB wraps a SQLite connection for run persistence.
type DB struct {
	conn *sqlx.DB
}

// Run is one simulation run.
type Run struct {
	ID        string `db:"id" json:"id"`
	Scenario  string `db:"scenario" json:"scenario"`
	Seed      int64  `db:"seed" json:"seed"`
	StartedAt string `db:"started_at" json:"started_at"`
	LastTick  uint64 `db:"last_tick" json:"last_tick"`
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; the tick loop and API handlers share this pool.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		seed INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		last_tick INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agent_states (
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		pos_x REAL NOT NULL,
		pos_y REAL NOT NULL,
		pos_z REAL NOT NULL,
		coherence REAL NOT NULL,
		resolved INTEGER NOT NULL,
		threshold REAL NOT NULL,
		mean_tension REAL NOT NULL,
		halted INTEGER NOT NULL,
		beliefs_json TEXT NOT NULL,
		vectors_json TEXT NOT NULL,
		history_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (run_id, tick, agent_id)
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		agent TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_tick ON events(run_id, tick);
	CREATE INDEX IF NOT EXISTS idx_states_run ON agent_states(run_id, tick);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// StartRun records a new run and makes it the current one.
func (db *DB) StartRun(scenario string, seed int64) (Run, error) {
	r := Run{
		ID:        uuid.NewString(),
		Scenario:  scenario,
		Seed:      seed,
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := db.conn.NamedExec(`INSERT INTO runs (id, scenario, seed, started_at, last_tick)
		VALUES (:id, :scenario, :seed, :started_at, :last_tick)`, r)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := db.SaveMeta("current_run", r.ID); err != nil {
		return Run{}, fmt.Errorf("save meta: %w", err)
	}
	return r, nil
}

// LatestRun returns the most recently started run of a scenario.
func (db *DB) LatestRun(scenario string) (Run, error) {
	var r Run
	err := db.conn.Get(&r,
		"SELECT id, scenario, seed, started_at, last_tick FROM runs WHERE scenario = ? ORDER BY rowid DESC LIMIT 1",
		scenario,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("scenario %q: %w", scenario, ErrNoRun)
	}
	return r, err
}

type stateRow struct {
	Tick        uint64  `db:"tick"`
	AgentID     string  `db:"agent_id"`
	PosX        float64 `db:"pos_x"`
	PosY        float64 `db:"pos_y"`
	PosZ        float64 `db:"pos_z"`
	Coherence   float64 `db:"coherence"`
	Resolved    bool    `db:"resolved"`
	Threshold   float64 `db:"threshold"`
	MeanTension float64 `db:"mean_tension"`
	Halted      bool    `db:"halted"`
	Beliefs     string  `db:"beliefs_json"`
	Vectors     string  `db:"vectors_json"`
	History     string  `db:"history_json"`
}

// SaveSnapshot writes every agent's state at the snapshot's tick.
func (db *DB) SaveSnapshot(runID string, snap engine.Snapshot) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT OR REPLACE INTO agent_states
		(run_id, tick, agent_id, pos_x, pos_y, pos_z, coherence, resolved,
		 threshold, mean_tension, halted, beliefs_json, vectors_json, history_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range snap.Agents {
		beliefsJSON, err := json.Marshal(a.Beliefs)
		if err != nil {
			return fmt.Errorf("encode beliefs for %s: %w", a.ID, err)
		}
		vectorsJSON, err := json.Marshal(a.ExtraVectors)
		if err != nil {
			return fmt.Errorf("encode vectors for %s: %w", a.ID, err)
		}
		historyJSON, err := json.Marshal(a.History)
		if err != nil {
			return fmt.Errorf("encode history for %s: %w", a.ID, err)
		}

		_, err = stmt.Exec(
			runID, snap.Tick, a.ID,
			a.Position.X, a.Position.Y, a.Position.Z,
			a.Coherence, a.Resolved, a.Threshold, a.MeanTension, a.Halted,
			string(beliefsJSON), string(vectorsJSON), string(historyJSON),
		)
		if err != nil {
			return fmt.Errorf("insert state %s: %w", a.ID, err)
		}
	}

	if _, err := tx.Exec("UPDATE runs SET last_tick = ? WHERE id = ?", snap.Tick, runID); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// LatestAgentStates returns the states from the newest snapshot of a run.
func (db *DB) LatestAgentStates(runID string) (uint64, []agents.State, error) {
	var tick sql.NullInt64
	if err := db.conn.Get(&tick, "SELECT MAX(tick) FROM agent_states WHERE run_id = ?", runID); err != nil {
		return 0, nil, err
	}
	if !tick.Valid {
		return 0, nil, fmt.Errorf("run %s has no snapshot: %w", runID, ErrNoRun)
	}

	var rows []stateRow
	err := db.conn.Select(&rows, `SELECT tick, agent_id, pos_x, pos_y, pos_z, coherence, resolved,
		threshold, mean_tension, halted, beliefs_json, vectors_json, history_json
		FROM agent_states WHERE run_id = ? AND tick = ? ORDER BY rowid`, runID, tick.Int64)
	if err != nil {
		return 0, nil, err
	}

	states := make([]agents.State, 0, len(rows))
	for _, r := range rows {
		st := agents.State{
			ID:          r.AgentID,
			Position:    weave.Vec3{X: r.PosX, Y: r.PosY, Z: r.PosZ},
			Coherence:   r.Coherence,
			Resolved:    r.Resolved,
			Threshold:   r.Threshold,
			MeanTension: r.MeanTension,
		}
		if err := json.Unmarshal([]byte(r.Beliefs), &st.Beliefs); err != nil {
			return 0, nil, fmt.Errorf("decode beliefs for %s: %w", r.AgentID, err)
		}
		if err := json.Unmarshal([]byte(r.Vectors), &st.ExtraVectors); err != nil {
			return 0, nil, fmt.Errorf("decode vectors for %s: %w", r.AgentID, err)
		}
		if err := json.Unmarshal([]byte(r.History), &st.History); err != nil {
			return 0, nil, fmt.Errorf("decode history for %s: %w", r.AgentID, err)
		}
		states = append(states, st)
	}
	return uint64(tick.Int64), states, nil
}

// SaveEvents appends events to the database.
func (db *DB) SaveEvents(runID string, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		_, err := tx.Exec(
			"INSERT INTO events (run_id, tick, agent, category, description) VALUES (?, ?, ?, ?, ?)",
			runID, e.Tick, e.Agent, e.Category, e.Description,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecentEvents returns the most recent N events of a run, newest first.
func (db *DB) RecentEvents(runID string, limit int) ([]engine.Event, error) {
	var events []engine.Event
	err := db.conn.Select(&events,
		"SELECT tick, agent, category, description FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?",
		runID, limit,
	)
	return events, err
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}

// SaveState performs a full save: a snapshot of every agent plus the events
// recorded since the last save.
func (db *DB) SaveState(runID string, sim *engine.Simulation) error {
	snap := sim.Snapshot()
	events := sim.DrainEvents()
	slog.Info("saving run state", "run", runID, "tick", snap.Tick, "agents", len(snap.Agents), "events", len(events))

	if err := db.SaveSnapshot(runID, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := db.SaveEvents(runID, events); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	if err := db.SaveMeta("last_tick", strconv.FormatUint(snap.Tick, 10)); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	return nil
}

// Resume restores the newest snapshot of the scenario's latest run into sim
// and returns that run.
func (db *DB) Resume(scenario string, sim *engine.Simulation) (Run, error) {
	run, err := db.LatestRun(scenario)
	if err != nil {
		return Run{}, err
	}
	tick, states, err := db.LatestAgentStates(run.ID)
	if err != nil {
		return Run{}, err
	}
	n := sim.Restore(tick, states)
	slog.Info("run restored", "run", run.ID, "tick", tick, "agents", n)
	return run, nil
}
