package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Journal = (*SQLiteJournal)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sources (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	key        TEXT NOT NULL,
	date       TEXT NOT NULL,
	status     TEXT NOT NULL,
	facilities INTEGER NOT NULL DEFAULT 0,
	categories INTEGER NOT NULL DEFAULT 0,
	reviews    INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS transfers (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	class      TEXT NOT NULL,
	local_path TEXT NOT NULL,
	dest       TEXT NOT NULL DEFAULT '',
	key        TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_run ON sources(run_id);
CREATE INDEX IF NOT EXISTS idx_transfers_run ON transfers(run_id);
`

// SQLiteJournal implements Journal backed by a SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (or creates) the journal database at dbPath and
// applies the schema.
func OpenSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers; the pipeline is sequential.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func (s *SQLiteJournal) StartRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status) VALUES (?, ?, ?)`,
		id, formatTime(at), StatusRunning)
	if err != nil {
		return fmt.Errorf("journal: start run %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteJournal) FinishRun(ctx context.Context, id string, at time.Time, status string, runErr error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE id = ?`,
		formatTime(at), status, errString(runErr), id)
	if err != nil {
		return fmt.Errorf("journal: finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal: finish run %s: no such run", id)
	}
	return nil
}

func (s *SQLiteJournal) RecordSource(ctx context.Context, r SourceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (run_id, key, date, status, facilities, categories, reviews, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Key, r.Date, r.Status, r.Facilities, r.Categories, r.Reviews, r.Error)
	if err != nil {
		return fmt.Errorf("journal: record source %s: %w", r.Key, err)
	}
	return nil
}

func (s *SQLiteJournal) RecordTransfer(ctx context.Context, r TransferRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (run_id, class, local_path, dest, key, outcome, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Class, r.LocalPath, r.Dest, r.Key, r.Outcome, r.Error, formatTime(r.At))
	if err != nil {
		return fmt.Errorf("journal: record transfer %s: %w", r.LocalPath, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Runs returns the most recent runs first, up to limit.
func (s *SQLiteJournal) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, error FROM runs
		 ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt, r.FinishedAt = parseTime(started), parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sources returns the sources recorded for a run in insertion order.
func (s *SQLiteJournal) Sources(ctx context.Context, runID string) ([]SourceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, key, date, status, facilities, categories, reviews, error
		 FROM sources WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceRecord
	for rows.Next() {
		var r SourceRecord
		if err := rows.Scan(&r.RunID, &r.Key, &r.Date, &r.Status, &r.Facilities, &r.Categories, &r.Reviews, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transfers returns the transfers recorded for a run in insertion order.
func (s *SQLiteJournal) Transfers(ctx context.Context, runID string) ([]TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, class, local_path, dest, key, outcome, error, at
		 FROM transfers WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var r TransferRecord
		var at string
		if err := rows.Scan(&r.RunID, &r.Class, &r.LocalPath, &r.Dest, &r.Key, &r.Outcome, &r.Error, &at); err != nil {
			return nil, err
		}
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
