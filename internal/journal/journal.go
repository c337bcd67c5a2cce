// Package journal is an append-only SQLite audit trail of pairing
// transitions and cycle reports. It is best effort: the ledger file stays
// the only source of truth, and a journal failure never blocks a cycle.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

// Schema creates the journal tables.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	old_id     TEXT NOT NULL DEFAULT '',
	new_id     TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_old_id ON events(old_id);
CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);

CREATE TABLE IF NOT EXISTS cycles (
	run_id      TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	discovered  INTEGER NOT NULL DEFAULT 0,
	created     INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	errored     INTEGER NOT NULL DEFAULT 0,
	verified    INTEGER NOT NULL DEFAULT 0,
	confirmed   INTEGER NOT NULL DEFAULT 0,
	deleted     INTEGER NOT NULL DEFAULT 0,
	rolled_back INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	errors      TEXT NOT NULL DEFAULT '[]',
	started_at  TEXT NOT NULL
);
`

// EventKind names a pairing transition or per-item outcome.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventCreateFailed EventKind = "create_failed"
	EventSkipped      EventKind = "skipped"
	EventVerified     EventKind = "verified"
	EventVerifyFailed EventKind = "verify_failed"
	EventOldRetired   EventKind = "old_retired"
	EventConfirmed    EventKind = "confirmed"
	EventRolledBack   EventKind = "rolled_back"
)

// Event is one journal row.
type Event struct {
	ID        int64     `json:"id" yaml:"id"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	Kind      EventKind `json:"kind" yaml:"kind"`
	OldID     string    `json:"old_id,omitempty" yaml:"old_id,omitempty"`
	NewID     string    `json:"new_id,omitempty" yaml:"new_id,omitempty"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Cycle is the summary of one engine operation.
type Cycle struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	Operation  string        `json:"operation" yaml:"operation"`
	Discovered int           `json:"discovered" yaml:"discovered"`
	Created    int           `json:"created" yaml:"created"`
	Skipped    int           `json:"skipped" yaml:"skipped"`
	Errored    int           `json:"errored" yaml:"errored"`
	Verified   int           `json:"verified" yaml:"verified"`
	Confirmed  int           `json:"confirmed" yaml:"confirmed"`
	Deleted    int           `json:"deleted" yaml:"deleted"`
	RolledBack int           `json:"rolled_back" yaml:"rolled_back"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Errors     []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
}

// Journal writes and reads the audit trail.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal database at path.
// A database left locked by a crashed process is recovered once.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	j, err := open(path)
	if err == nil {
		return j, nil
	}
	if path == ":memory:" || !isRecoverableWALError(err) || !isWALStale(path) {
		return nil, err
	}

	removeStaleWAL(path)
	j, retryErr := open(path)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	log.Warn("journal: recovered from stale WAL files", "path", path)
	return j, nil
}

func open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// One writer; a single connection serialises writes and keeps an
	// in-memory database alive for the life of the journal.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends an event. A zero CreatedAt is stamped with the current time.
func (j *Journal) Record(ctx context.Context, e Event) error {
	if e.Kind == "" {
		return fmt.Errorf("journal: event kind is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events (run_id, kind, old_id, new_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.RunID, string(e.Kind), e.OldID, e.NewID, e.Detail, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("journal: failed to record event: %w", err)
	}
	return nil
}

// RecordCycle stores a cycle summary, replacing any row with the same run id.
func (j *Journal) RecordCycle(ctx context.Context, c Cycle) error {
	if c.RunID == "" {
		return fmt.Errorf("journal: run id is required")
	}
	errs := c.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("journal: failed to marshal errors: %w", err)
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = j.now()
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO cycles (run_id, operation, discovered, created, skipped, errored,
			verified, confirmed, deleted, rolled_back, duration_ms, errors, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			operation = excluded.operation,
			discovered = excluded.discovered,
			created = excluded.created,
			skipped = excluded.skipped,
			errored = excluded.errored,
			verified = excluded.verified,
			confirmed = excluded.confirmed,
			deleted = excluded.deleted,
			rolled_back = excluded.rolled_back,
			duration_ms = excluded.duration_ms,
			errors = excluded.errors,
			started_at = excluded.started_at
	`, c.RunID, c.Operation, c.Discovered, c.Created, c.Skipped, c.Errored,
		c.Verified, c.Confirmed, c.Deleted, c.RolledBack, c.Duration.Milliseconds(),
		string(errorsJSON), formatTime(c.StartedAt))
	if err != nil {
		return fmt.Errorf("journal: failed to record cycle: %w", err)
	}
	return nil
}

// Events returns up to limit events, newest first. A limit of 0 returns all.
func (j *Journal) Events(ctx context.Context, limit int) ([]Event, error) {
	return j.queryEvents(ctx, `
		SELECT id, run_id, kind, old_id, new_id, detail, created_at
		FROM events ORDER BY id DESC LIMIT ?
	`, sqlLimit(limit))
}

// EventsFor returns every event about one old reference, oldest first.
func (j *Journal) EventsFor(ctx context.Context, oldID string) ([]Event, error) {
	return j.queryEvents(ctx, `
		SELECT id, run_id, kind, old_id, new_id, detail, created_at
		FROM events WHERE old_id = ? ORDER BY id ASC
	`, oldID)
}

func (j *Journal) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			kind    string
			created string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &kind, &e.OldID, &e.NewID, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("journal: failed to scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: failed to iterate events: %w", err)
	}
	return events, nil
}

// Cycles returns up to limit cycle summaries, newest first. A limit of 0 returns all.
func (j *Journal) Cycles(ctx context.Context, limit int) ([]Cycle, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, operation, discovered, created, skipped, errored, verified,
			confirmed, deleted, rolled_back, duration_ms, errors, started_at
		FROM cycles ORDER BY started_at DESC, run_id DESC LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: failed to query cycles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cycles []Cycle
	for rows.Next() {
		var (
			c          Cycle
			durationMS int64
			errorsJSON string
			started    string
		)
		if err := rows.Scan(&c.RunID, &c.Operation, &c.Discovered, &c.Created, &c.Skipped, &c.Errored,
			&c.Verified, &c.Confirmed, &c.Deleted, &c.RolledBack, &durationMS, &errorsJSON, &started); err != nil {
			return nil, fmt.Errorf("journal: failed to scan cycle: %w", err)
		}
		c.Duration = time.Duration(durationMS) * time.Millisecond
		c.StartedAt = parseTime(started)
		if err := json.Unmarshal([]byte(errorsJSON), &c.Errors); err != nil {
			return nil, fmt.Errorf("journal: failed to unmarshal cycle errors: %w", err)
		}
		if len(c.Errors) == 0 {
			c.Errors = nil
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: failed to iterate cycles: %w", err)
	}
	return cycles, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isRecoverableWALError reports errors typical of stale WAL files left
// behind after a crash.
func isRecoverableWALError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale reports whether -shm/-wal files exist for dbPath and no process
// holds them open. Without lsof it answers false.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"
	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}
	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when no process has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("journal: failed to remove stale WAL file", "path", path, "err", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
