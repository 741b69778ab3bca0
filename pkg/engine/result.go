package engine

import (
	"encoding/json"
	"time"

	"github.com/rmax-ai/graphlord/pkg/cypher"
	"github.com/rmax-ai/graphlord/pkg/rules"
	"github.com/rmax-ai/graphlord/pkg/store"
)

// Result is the outcome of one rule evaluation. For a constraint every
// row is a violation.
type Result struct {
	*cypher.Result
	Rule     *rules.Rule   `json:"-"`
	RuleID   string        `json:"rule"`
	Kind     rules.Kind    `json:"kind"`
	Severity string        `json:"severity"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	// Err is set when the rule could not be evaluated; Status is then
	// FAILURE.
	Err error `json:"-"`
}

func newResult(r *rules.Rule) *Result {
	return &Result{
		Result:   &cypher.Result{Columns: []string{}, Rows: [][]any{}},
		Rule:     r,
		RuleID:   r.ID,
		Kind:     r.Kind,
		Severity: r.Severity.String(),
		Status:   StatusPending,
	}
}

// Violations returns the number of violating rows of a failed constraint.
func (r *Result) Violations() int {
	if r.Kind != rules.KindConstraint || r.Status != StatusFailure || r.Err != nil {
		return 0
	}
	return r.Len()
}

// Record converts the result for storage.
func (r *Result) Record() store.RuleResult {
	rec := store.RuleResult{
		RuleID:     r.RuleID,
		Kind:       string(r.Kind),
		Severity:   r.Severity,
		Status:     string(r.Status),
		Columns:    r.Columns,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	// nodes and relationships encode as {id, labels|type, ..., properties}
	rows, err := json.Marshal(r.Rows)
	if err != nil {
		rows = []byte("[]")
	}
	rec.Rows = rows
	return rec
}

// Report is the outcome of an analysis.
type Report struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Threshold rules.Severity `json:"threshold"`
	Results   []*Result      `json:"results"`
}

// Failures returns the failed results whose severity reaches the
// threshold, including rules that could not be evaluated.
func (r *Report) Failures() []*Result {
	var out []*Result
	for _, res := range r.Results {
		if res.Status == StatusFailure && res.Rule.Severity.AtLeast(r.Threshold) {
			out = append(out, res)
		}
	}
	return out
}

// Passed reports whether no failure reaches the threshold.
func (r *Report) Passed() bool {
	return len(r.Failures()) == 0
}

// Result returns the result of the rule with the given id.
func (r *Report) Result(id string) (*Result, bool) {
	for _, res := range r.Results {
		if res.RuleID == id {
			return res, true
		}
	}
	return nil, false
}

// Record converts the report for storage.
func (r *Report) Record() *store.Run {
	run := &store.Run{
		ID:         r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.StartedAt.Add(r.Duration),
		Threshold:  r.Threshold.String(),
		Passed:     r.Passed(),
	}
	for _, res := range r.Results {
		run.Results = append(run.Results, res.Record())
	}
	return run
}
