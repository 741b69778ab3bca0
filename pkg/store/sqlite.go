package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the history of analysis runs in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// It enables WAL mode for concurrent readers.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	// Results are append-only; rows are stored as a JSON array.
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		threshold TEXT NOT NULL,
		passed INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rule_results (
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		rule_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		columns JSON NOT NULL,
		rows JSON NOT NULL,
		error TEXT,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_rule_results_rule ON rule_results(rule_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// SaveRun inserts the run and all its results in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioError("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, threshold, passed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`, run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Threshold, run.Passed)
	if err != nil {
		return ioError("insert run", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return ioError("insert run", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.ID)
	}

	for i, r := range run.Results {
		cols, err := marshalJSON(r.Columns)
		if err != nil {
			return err
		}
		rows := string(r.Rows)
		if rows == "" {
			rows = "[]"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rule_results (run_id, seq, rule_id, kind, severity, status, columns, rows, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, i, r.RuleID, r.Kind, r.Severity, r.Status, cols, rows, r.Error, r.DurationMS); err != nil {
			return ioError("insert result", err)
		}
	}

	return ioError("commit", tx.Commit())
}

// LatestRuns returns the most recent runs without their results.
func (s *SQLiteStore) LatestRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, threshold, passed
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, ioError("query runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Threshold, &r.Passed); err != nil {
			return nil, ioError("scan run", err)
		}
		out = append(out, r)
	}
	return out, ioError("query runs", rows.Err())
}

// GetRun returns the run with its results in evaluation order.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, threshold, passed
		FROM runs WHERE run_id = ?
	`, id).Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Threshold, &r.Passed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, ioError("get run", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, kind, severity, status, columns, rows, COALESCE(error, ''), duration_ms
		FROM rule_results WHERE run_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, ioError("query results", err)
	}
	defer rows.Close()

	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		r.Results = append(r.Results, res)
	}
	return &r, ioError("query results", rows.Err())
}

// LatestResults returns, per rule, the result of the newest run that
// evaluated it.
func (s *SQLiteStore) LatestResults(ctx context.Context) (map[string]RuleResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, kind, severity, status, columns, rows, COALESCE(error, ''), duration_ms
		FROM (
			SELECT r.*, ROW_NUMBER() OVER (
				PARTITION BY r.rule_id ORDER BY u.started_at DESC, u.rowid DESC
			) AS rn
			FROM rule_results r JOIN runs u ON u.run_id = r.run_id
		)
		WHERE rn = 1
	`)
	if err != nil {
		return nil, ioError("query latest", err)
	}
	defer rows.Close()

	out := make(map[string]RuleResult)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out[res.RuleID] = res
	}
	return out, ioError("query latest", rows.Err())
}

func scanResult(rows *sql.Rows) (RuleResult, error) {
	var (
		res  RuleResult
		cols string
		data string
	)
	if err := rows.Scan(&res.RuleID, &res.Kind, &res.Severity, &res.Status, &cols, &data, &res.Error, &res.DurationMS); err != nil {
		return res, ioError("scan result", err)
	}
	if err := unmarshalJSON(cols, &res.Columns); err != nil {
		return res, err
	}
	res.Rows = json.RawMessage(data)
	return res, nil
}

// PruneRuns deletes runs started before olderThan together with their
// results.
func (s *SQLiteStore) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ioError("begin", err)
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM rule_results
		WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)
	`, cutoff); err != nil {
		return 0, ioError("prune results", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, ioError("prune runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ioError("prune runs", err)
	}
	return n, ioError("commit", tx.Commit())
}

// RunsBefore returns the oldest runs started before t with their results.
func (s *SQLiteStore) RunsBefore(ctx context.Context, t time.Time, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE started_at < ?
		ORDER BY started_at, rowid
		LIMIT ?
	`, t.UTC(), limit)
	if err != nil {
		return nil, ioError("query runs", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, ioError("scan run", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ioError("query runs", err)
	}

	out := make([]Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// DeleteRuns deletes runs by id together with their results.
func (s *SQLiteStore) DeleteRuns(ctx context.Context, ids []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ioError("begin", err)
	}
	defer tx.Rollback()

	var n int64
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rule_results WHERE run_id = ?`, id); err != nil {
			return 0, ioError("delete results", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, id)
		if err != nil {
			return 0, ioError("delete run", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, ioError("delete run", err)
		}
		n += affected
	}
	return n, ioError("commit", tx.Commit())
}
