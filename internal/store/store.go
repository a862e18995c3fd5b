// Package store is the durable, single-writer State Store (C1): the only
// component allowed to persist tasks, agents, locks, cost events, the
// action log, and escalations. Every other component receives read
// snapshots or issues mutation requests through it.
//
// Grounded on internal/persistence/store.go (CLIAIMONITOR)'s single
// struct behind a mutex guarding an in-memory state, and on
// internal/tasks/store.go's SQL shape: a database/sql table per entity,
// JSON-serialized columns for nested structures, upsert via
// "ON CONFLICT DO UPDATE". Unlike the teacher (cgo mattn/go-sqlite3 for
// its memory.db, JSON file for its dashboard state), this store uses the
// pure-Go modernc.org/sqlite driver throughout (DSN style lifted from the
// teacher's own scripts/set-shutdown-flag.go), rather than the cgo
// mattn/go-sqlite3 driver its memory.db code used.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/coderelay/orchestrator/internal/eventbus"
)

// Store is the single-writer, thread-safe persistent store described in
// spec.md §4.1. Writes are serialized by mu. The connection pool holds a
// single connection, so a read issued while a write transaction is open
// waits for that transaction to finish.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	bus *eventbus.Bus
}

// Open opens (creating if necessary) a SQLite database at path and
// ensures the schema exists. Pass ":memory:" for an ephemeral store used
// in tests.
func Open(path string, bus *eventbus.Bus) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=true")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer semantics; modernc.org/sqlite serializes per-connection anyway

	s := &Store{db: db, bus: bus}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

// mutate runs fn inside a transaction under the write lock, commits on
// success, and publishes the resulting event afterwards. fn must not
// retain tx beyond its own scope.
func (s *Store) mutate(fn func(tx *sql.Tx) (eventbus.Event, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	evt, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(evt)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	conflict_strategy TEXT NOT NULL DEFAULT 'lock',
	autonomy_level TEXT NOT NULL DEFAULT 'supervised',
	budget_total REAL,
	budget_alert_pct REAL,
	zone_config TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '{}',
	cost_input REAL NOT NULL DEFAULT 0,
	cost_output REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'idle',
	last_heartbeat TIMESTAMP,
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT NOT NULL DEFAULT 'medium',
	assigned_to TEXT,
	dependencies TEXT NOT NULL DEFAULT '[]',
	files TEXT NOT NULL DEFAULT '[]',
	tags TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	reassignment_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);

CREATE TABLE IF NOT EXISTS file_locks (
	file_path TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	locked_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cost_events (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	task_id TEXT,
	model TEXT,
	tokens_input INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_events_project ON cost_events(project_id);

CREATE TABLE IF NOT EXISTS action_log (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	action TEXT NOT NULL,
	trigger_event TEXT NOT NULL,
	outcome TEXT NOT NULL,
	outcome_details TEXT,
	retries INTEGER NOT NULL DEFAULT 0,
	executed_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	type TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	title TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	agent_id TEXT,
	assigned_to TEXT,
	resolved_by TEXT,
	resolution TEXT,
	snoozed_until TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_escalations_project ON escalations(project_id);
CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
`
