package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rmax-ai/graphlord/pkg/store"
)

// ViolationsReport lists the failed rules of one run, one line per cell
// of every result row. Rules that could not be evaluated get a single
// line carrying the error.
type ViolationsReport struct {
	store ReportStore
}

// NewViolationsReport creates a new ViolationsReport generator.
func NewViolationsReport(s ReportStore) *ViolationsReport {
	return &ViolationsReport{store: s}
}

// Generate reports the run named by the "run_id" filter, or the newest
// run in the requested time range.
func (r *ViolationsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	run, err := r.run(ctx, params)
	if err != nil {
		return nil, err
	}

	t := newTable("run_id", "started_at", "rule", "severity", "status", "row", "column", "value")
	if run == nil {
		return t.render(params.Format)
	}
	rule := params.filter("rule")
	started := run.StartedAt.Format(time.RFC3339)
	for _, res := range run.Results {
		if res.Status != "FAILURE" || (rule != "" && res.RuleID != rule) {
			continue
		}
		if res.Error != "" {
			t.add(run.ID, started, res.RuleID, res.Severity, res.Status, "", "error", res.Error)
			continue
		}
		var rows [][]any
		if err := json.Unmarshal(res.Rows, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode rows of %s: %w", res.RuleID, err)
		}
		for i, row := range rows {
			for j, col := range res.Columns {
				if j >= len(row) {
					break
				}
				t.add(run.ID, started, res.RuleID, res.Severity, res.Status, strconv.Itoa(i+1), col, CellValue(row[j]))
			}
		}
	}
	return t.render(params.Format)
}

func (r *ViolationsReport) run(ctx context.Context, params ReportParams) (*store.Run, error) {
	if id := params.filter("run_id"); id != "" {
		run, err := r.store.GetRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load run: %w", err)
		}
		return run, nil
	}
	runs, err := r.store.LatestRuns(ctx, params.limit(100))
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	for _, run := range runs {
		if params.inRange(run.StartedAt) {
			full, err := r.store.GetRun(ctx, run.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load run: %w", err)
			}
			return full, nil
		}
	}
	return nil, nil
}

// CellValue renders a decoded result cell. Nodes print their fqn or
// name when they have one; other structured values print as JSON.
func CellValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case map[string]any:
		if props, ok := x["properties"].(map[string]any); ok {
			for _, key := range []string{"fqn", "name"} {
				if s, ok := props[key].(string); ok {
					return s
				}
			}
		}
	case []any:
		parts := make([]any, len(x))
		for i, it := range x {
			parts[i] = CellValue(it)
		}
		b, _ := json.Marshal(parts)
		return string(b)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
