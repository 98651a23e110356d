// Package history keeps a SQLite record of finished runs so operators can
// look back at when a scenario last passed and which screenshot it produced.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

// DBFile is the database file name inside the history directory
const DBFile = "atlasprobe.db"

// ErrNotFound is returned when a run is not in the history
var ErrNotFound = errors.New("run not found in history")

// Entry is one recorded run
type Entry struct {
	RunID      string           `json:"run_id"`
	Scenario   string           `json:"scenario"`
	Passed     bool             `json:"passed"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Screenshot string           `json:"screenshot,omitempty"`
	Error      string           `json:"error,omitempty"`
	Report     *scenario.Report `json:"report,omitempty"`
}

// Store is the SQLite-backed run history
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the history database in dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	path := filepath.Join(dir, DBFile)
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	scenario    TEXT NOT NULL,
	passed      INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	screenshot  TEXT,
	error       TEXT,
	report      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_scenario ON runs(scenario);
`

// Path returns the database file path
func (s *Store) Path() string { return s.path }

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run, replacing an earlier record with the same ID
func (s *Store) Record(ctx context.Context, report *scenario.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	var screenshot string
	if n := len(report.Artifacts); n > 0 {
		screenshot = report.Artifacts[n-1].Path
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, scenario, passed, started_at, finished_at, screenshot, error, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID,
		report.Scenario,
		boolToInt(report.Passed()),
		report.StartedAt.UnixNano(),
		report.FinishedAt.UnixNano(),
		screenshot,
		report.Error,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	return nil
}

// Get returns one run including its full report
func (s *Store) Get(ctx context.Context, runID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, scenario, passed, started_at, finished_at, screenshot, error, report
		FROM runs WHERE run_id = ?`, runID)

	entry, err := scanEntry(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return entry, err
}

// List returns up to limit runs, newest first, without the full reports
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, scenario, passed, started_at, finished_at, screenshot, error, report
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes runs that started before cutoff and returns how many were removed
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner, withReport bool) (*Entry, error) {
	var (
		e                 Entry
		passed            int
		started, finished int64
		screenshot, msg   sql.NullString
		report            string
	)
	if err := row.Scan(&e.RunID, &e.Scenario, &passed, &started, &finished, &screenshot, &msg, &report); err != nil {
		return nil, err
	}

	e.Passed = passed == 1
	e.StartedAt = time.Unix(0, started).UTC()
	e.FinishedAt = time.Unix(0, finished).UTC()
	e.Screenshot = screenshot.String
	e.Error = msg.String

	if withReport {
		var r scenario.Report
		if err := json.Unmarshal([]byte(report), &r); err != nil {
			return nil, fmt.Errorf("failed to decode report for %s: %w", e.RunID, err)
		}
		e.Report = &r
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
