package reports

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RunsReport lists analysis runs with their verdict.
type RunsReport struct {
	store ReportStore
}

// NewRunsReport creates a new RunsReport generator.
func NewRunsReport(s ReportStore) *RunsReport {
	return &RunsReport{store: s}
}

// Generate lists up to "limit" runs (default 20), newest first.
func (r *RunsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	runs, err := r.store.LatestRuns(ctx, params.limit(20))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	t := newTable("run_id", "started_at", "duration_ms", "threshold", "passed", "rules", "failed")
	for _, summary := range runs {
		if !params.inRange(summary.StartedAt) {
			continue
		}
		run, err := r.store.GetRun(ctx, summary.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load run %s: %w", summary.ID, err)
		}
		failed := 0
		for _, res := range run.Results {
			if res.Status == "FAILURE" {
				failed++
			}
		}
		t.add(
			run.ID,
			run.StartedAt.Format(time.RFC3339),
			strconv.FormatInt(run.FinishedAt.Sub(run.StartedAt).Milliseconds(), 10),
			run.Threshold,
			strconv.FormatBool(run.Passed),
			strconv.Itoa(len(run.Results)),
			strconv.Itoa(failed),
		)
	}
	return t.render(params.Format)
}
