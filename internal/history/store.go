// Package history keeps finished batch runs in a sqlite database. Resume
// reads it to skip postings that were already settled.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	total INTEGER NOT NULL,
	successful INTEGER NOT NULL,
	blocked INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	timeouts INTEGER NOT NULL,
	interrupted BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	job_index INTEGER NOT NULL,
	company TEXT NOT NULL,
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error TEXT DEFAULT NULL,
	blocker_type TEXT DEFAULT NULL,
	duration_seconds REAL NOT NULL,
	attempts INTEGER NOT NULL,
	log_file TEXT DEFAULT NULL
);
CREATE INDEX IF NOT EXISTS results_url ON results(url, outcome);
`

var ErrDuplicateRun = errors.New("run already recorded")

type Store struct {
	db *sql.DB
}

type RunRow struct {
	ID          string
	Started     time.Time
	Finished    time.Time
	Stats       model.Stats
	Interrupted bool
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit records run.
func (s *Store) Emit(ctx context.Context, run model.BatchRun) error {
	return s.Record(ctx, run)
}

// Record stores a run with all its results in one transaction.
// ErrDuplicateRun is returned when the run id is already known.
func (s *Store) Record(ctx context.Context, run model.BatchRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rolling back history transaction", "run_id", run.ID, "error", err)
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id=?`, run.ID.String()).Scan(&exists)
	switch {
	case err == nil:
		return ErrDuplicateRun
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	stats := run.Stats()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, total, successful, blocked, failed, timeouts, interrupted)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID.String(), run.Start.UTC(), run.End.UTC(),
		stats.Total, stats.Successful, stats.Blocked, stats.Failed, stats.TimedOut, run.Interrupted,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (run_id, job_index, company, url, status, outcome, error, blocker_type, duration_seconds, attempts, log_file)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("preparing sql insert failed: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range run.Sorted() {
		var blocker string
		if r.Details != nil {
			blocker = r.Details.BlockerType
		}
		_, err = stmt.ExecContext(ctx,
			run.ID.String(), r.JobIndex, r.CompanyName, r.JobURL, string(r.Status), string(r.Outcome()),
			nullable(r.Error), nullable(blocker), r.DurationSeconds, max(r.Attempts, 1), nullable(r.LogFile),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Settled returns the urls whose latest recorded outcome is successful or
// blocked. Retrying those would not change anything.
func (s *Store) Settled(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.url, r.outcome FROM results r
		WHERE r.id = (SELECT MAX(id) FROM results WHERE url = r.url)`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ret := make(map[string]bool)
	for rows.Next() {
		var url, outcome string
		if err := rows.Scan(&url, &outcome); err != nil {
			return nil, err
		}
		switch model.Outcome(outcome) {
		case model.OutcomeSuccess, model.OutcomeBlocked:
			ret[url] = true
		}
	}
	return ret, rows.Err()
}

// Runs returns up to limit most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, total, successful, blocked, failed, timeouts, interrupted
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ret []RunRow
	for rows.Next() {
		var r RunRow
		err := rows.Scan(&r.ID, &r.Started, &r.Finished,
			&r.Stats.Total, &r.Stats.Successful, &r.Stats.Blocked, &r.Stats.Failed, &r.Stats.TimedOut,
			&r.Interrupted)
		if err != nil {
			return nil, err
		}
		if r.Stats.Total > 0 {
			r.Stats.SuccessRate = float64(r.Stats.Successful) / float64(r.Stats.Total)
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
