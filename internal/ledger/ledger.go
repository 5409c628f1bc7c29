// Package ledger records every stage attempt in a local sqlite database
// next to the checkpoints. The ledger is observational: pipeline
// correctness never depends on it, and callers treat write failures as
// log-worthy, not fatal.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS stage_attempts (
	run_id     TEXT NOT NULL,
	level      INTEGER NOT NULL,
	attempt    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	ended_at   TEXT,
	PRIMARY KEY (run_id, level, attempt)
);
`

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Attempt is one recorded execution of a level.
type Attempt struct {
	RunID     string
	Level     int
	Attempt   int
	Status    string
	Seed      int64
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

type Ledger struct {
	db *sql.DB
}

func Open(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// NextAttempt returns the attempt number for a new execution of the level.
func (l *Ledger) NextAttempt(ctx context.Context, runID string, level int) (int, error) {
	const q = `SELECT COALESCE(MAX(attempt), 0) FROM stage_attempts WHERE run_id = ? AND level = ?;`
	var last int
	if err := l.db.QueryRowContext(ctx, q, runID, level).Scan(&last); err != nil {
		return 0, fmt.Errorf("next attempt: %w", err)
	}
	return last + 1, nil
}

func (l *Ledger) StartAttempt(ctx context.Context, record Attempt) error {
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if record.Level < 1 {
		return fmt.Errorf("level must be >= 1")
	}
	if record.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1")
	}
	if record.Status == "" {
		record.Status = StatusRunning
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO stage_attempts (run_id, level, attempt, status, seed, error, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, '', ?, NULL)
ON CONFLICT(run_id, level, attempt) DO UPDATE SET
  status=excluded.status,
  seed=excluded.seed,
  error='',
  started_at=excluded.started_at,
  ended_at=NULL;
`
	_, err := l.db.ExecContext(ctx, q,
		record.RunID,
		record.Level,
		record.Attempt,
		record.Status,
		record.Seed,
		record.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("start attempt: %w", err)
	}
	return nil
}

func (l *Ledger) FinishAttempt(ctx context.Context, runID string, level, attempt int, status, errText string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if status == "" {
		status = StatusFailed
	}
	const q = `
UPDATE stage_attempts
SET status = ?, ended_at = ?, error = ?
WHERE run_id = ? AND level = ? AND attempt = ?;
`
	_, err := l.db.ExecContext(ctx, q, status, time.Now().UTC().Format(time.RFC3339Nano), errText, runID, level, attempt)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return nil
}

func (l *Ledger) ListAttempts(ctx context.Context, runID string, limit int) ([]Attempt, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT run_id, level, attempt, status, seed, error, started_at, ended_at
FROM stage_attempts
WHERE run_id = ?
ORDER BY level DESC, attempt DESC
LIMIT ?;
`
	rows, err := l.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]Attempt, 0, limit)
	for rows.Next() {
		var (
			a       Attempt
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&a.RunID, &a.Level, &a.Attempt, &a.Status, &a.Seed, &a.Error, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt = parseTime(started)
		if ended.Valid {
			t := parseTime(ended.String)
			a.EndedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
