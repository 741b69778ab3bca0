package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the daemon health report.
type Status struct {
	Status       string `json:"status"`
	Rules        int    `json:"rules"`
	GraphVersion uint64 `json:"graph_version"`
}

// Stats counts the writes performed by a statement or rule.
type Stats struct {
	NodesCreated         int `json:"nodes_created"`
	RelationshipsCreated int `json:"relationships_created"`
	PropertiesSet        int `json:"properties_set"`
	LabelsAdded          int `json:"labels_added"`
}

// GraphStats summarizes the daemon's graph.
type GraphStats struct {
	Version       uint64         `json:"version"`
	Nodes         int            `json:"nodes"`
	Relationships int            `json:"relationships"`
	Labels        map[string]int `json:"labels"`
	Types         map[string]int `json:"types"`
}

// QueryResult is the tabular outcome of a statement. Nodes decode as
// Node values only through Nodes; Rows keep the raw JSON shape.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Stats   Stats    `json:"stats"`
}

// Node is a graph node as returned in result rows.
type Node struct {
	ID         uint64         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Column returns the values of the named column, or nil.
func (r *QueryResult) Column(name string) []any {
	for i, c := range r.Columns {
		if c != name {
			continue
		}
		out := make([]any, len(r.Rows))
		for j, row := range r.Rows {
			out[j] = row[i]
		}
		return out
	}
	return nil
}

// Nodes decodes the named column as nodes. Values that are not nodes
// are skipped.
func (r *QueryResult) Nodes(column string) []Node {
	var out []Node
	for _, v := range r.Column(column) {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		var n Node
		if err := json.Unmarshal(b, &n); err == nil && n.Labels != nil {
			out = append(out, n)
		}
	}
	return out
}

// RuleResult is the outcome of one concept or constraint.
type RuleResult struct {
	QueryResult
	Rule       string `json:"rule"`
	Kind       string `json:"kind"`
	Severity   string `json:"severity"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Failed reports whether the rule failed or found violations.
func (r *RuleResult) Failed() bool {
	return r.Status == "FAILURE"
}

// Report is the outcome of an analysis.
type Report struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Threshold  string       `json:"threshold"`
	Passed     bool         `json:"passed"`
	Failures   []string     `json:"failures"`
	Results    []RuleResult `json:"results"`
}

// Rule describes a loaded rule.
type Rule struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Severity    string   `json:"severity"`
	Description string   `json:"description,omitempty"`
	Requires    []string `json:"requires,omitempty"`
	Source      string   `json:"source,omitempty"`
	Query       string   `json:"query,omitempty"`
}

// IngestStats is the response to a fact upload.
type IngestStats struct {
	Nodes         int `json:"nodes"`
	Relationships int `json:"relationships"`
}

// Run is a stored analysis run.
type Run struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Threshold  string         `json:"threshold"`
	Passed     bool           `json:"passed"`
	Results    []StoredResult `json:"results,omitempty"`
}

// StoredResult is the stored outcome of one rule within a run.
type StoredResult struct {
	Rule       string          `json:"rule"`
	Kind       string          `json:"kind"`
	Severity   string          `json:"severity"`
	Status     string          `json:"status"`
	Columns    []string        `json:"columns"`
	Rows       json.RawMessage `json:"rows"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ReportOptions selects a report from GET /v1/reports.
type ReportOptions struct {
	Type   string // violations (default) or runs
	Format string // csv (default) or json
	RunID  string
	Rule   string
	From   time.Time
	To     time.Time
	Limit  int
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Details    string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("graphlord: %d %s: %s", e.StatusCode, e.Code, e.Details)
	}
	return fmt.Sprintf("graphlord: %d %s", e.StatusCode, e.Code)
}
