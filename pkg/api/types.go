package api

import (
	"time"

	"github.com/rmax-ai/graphlord/pkg/engine"
	"github.com/rmax-ai/graphlord/pkg/merge"
	"github.com/rmax-ai/graphlord/pkg/rules"
)

// QueryRequest matches the POST /v1/query body schema
type QueryRequest struct {
	Query  string                 `json:"query"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// QueryResponse matches the response for POST /v1/query
type QueryResponse struct {
	Columns []string    `json:"columns"`
	Rows    [][]any     `json:"rows"`
	Stats   merge.Stats `json:"stats"`
}

// AnalyzeRequest matches the POST /v1/analyze body schema. An empty rule
// list analyzes every rule.
type AnalyzeRequest struct {
	Rules []string `json:"rules,omitempty"`
}

// RuleResultResponse is one evaluated rule.
type RuleResultResponse struct {
	Rule       string      `json:"rule"`
	Kind       string      `json:"kind"`
	Severity   string      `json:"severity"`
	Status     string      `json:"status"`
	Columns    []string    `json:"columns"`
	Rows       [][]any     `json:"rows"`
	Stats      merge.Stats `json:"stats"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// ReportResponse matches the response for POST /v1/analyze
type ReportResponse struct {
	RunID      string               `json:"run_id"`
	StartedAt  time.Time            `json:"started_at"`
	DurationMS int64                `json:"duration_ms"`
	Threshold  string               `json:"threshold"`
	Passed     bool                 `json:"passed"`
	Failures   []string             `json:"failures"`
	Results    []RuleResultResponse `json:"results"`
}

// RuleInfo describes a loaded rule for GET /v1/rules
type RuleInfo struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Severity    string   `json:"severity"`
	Description string   `json:"description,omitempty"`
	Requires    []string `json:"requires,omitempty"`
	Source      string   `json:"source,omitempty"`
	Query       string   `json:"query,omitempty"`
}

// IngestResponse matches the response for POST /v1/facts
type IngestResponse struct {
	Nodes         int `json:"nodes"`
	Relationships int `json:"relationships"`
}

func newRuleResultResponse(res *engine.Result) RuleResultResponse {
	out := RuleResultResponse{
		Rule:       res.RuleID,
		Kind:       string(res.Kind),
		Severity:   res.Severity,
		Status:     string(res.Status),
		Columns:    res.Columns,
		Rows:       res.Rows,
		Stats:      res.Stats,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// NewReportResponse converts a report to its wire form.
func NewReportResponse(rep *engine.Report) ReportResponse {
	out := ReportResponse{
		RunID:      rep.RunID,
		StartedAt:  rep.StartedAt,
		DurationMS: rep.Duration.Milliseconds(),
		Threshold:  rep.Threshold.String(),
		Passed:     rep.Passed(),
		Failures:   []string{},
		Results:    make([]RuleResultResponse, 0, len(rep.Results)),
	}
	for _, f := range rep.Failures() {
		out.Failures = append(out.Failures, f.RuleID)
	}
	for _, res := range rep.Results {
		out.Results = append(out.Results, newRuleResultResponse(res))
	}
	return out
}

func newRuleInfo(r *rules.Rule) RuleInfo {
	return RuleInfo{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Severity:    r.Severity.String(),
		Description: r.Description,
		Requires:    r.Requires,
		Source:      r.Source,
		Query:       r.Query(),
	}
}
