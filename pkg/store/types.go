package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRunNotFound is returned when a run id is unknown.
	ErrRunNotFound = errors.New("run not found")
	// ErrDuplicateRun is returned when a run id is saved twice.
	ErrDuplicateRun = errors.New("run already exists")
)

// IOError wraps a failure of the backing database.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// Run is one analysis: the rules evaluated together and their verdict.
type Run struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Threshold  string       `json:"threshold"`
	Passed     bool         `json:"passed"`
	Results    []RuleResult `json:"results,omitempty"`
}

// RuleResult is the stored outcome of one rule within a run. Rows hold
// the rendered result rows in column order.
type RuleResult struct {
	RuleID     string          `json:"rule"`
	Kind       string          `json:"kind"`
	Severity   string          `json:"severity"`
	Status     string          `json:"status"`
	Columns    []string        `json:"columns"`
	Rows       json.RawMessage `json:"rows"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Violations returns the number of rows of a failed constraint.
func (r RuleResult) Violations() int {
	if r.Kind != "constraint" || r.Status != "FAILURE" {
		return 0
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(r.Rows, &rows); err != nil {
		return 0
	}
	return len(rows)
}

// Sink records analysis runs.
type Sink interface {
	// SaveRun stores a run with its results.
	SaveRun(ctx context.Context, run *Run) error
	// LatestRuns returns up to limit runs, newest first, without results.
	LatestRuns(ctx context.Context, limit int) ([]Run, error)
	// GetRun returns a run with its results.
	GetRun(ctx context.Context, id string) (*Run, error)
	// LatestResults returns the most recent result of every rule.
	LatestResults(ctx context.Context) (map[string]RuleResult, error)
	Close() error
}

// Pruner is implemented by sinks that need explicit retention.
type Pruner interface {
	PruneRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// Archiver is implemented by sinks whose old runs can be moved elsewhere
// before they are deleted.
type Archiver interface {
	// RunsBefore returns up to limit runs started before t, oldest first,
	// with their results.
	RunsBefore(ctx context.Context, t time.Time, limit int) ([]Run, error)
	// DeleteRuns deletes the given runs and returns how many existed.
	DeleteRuns(ctx context.Context, ids []string) (int64, error)
}
