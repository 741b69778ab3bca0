package reports

import (
	"context"
	"io"
	"time"

	"github.com/rmax-ai/graphlord/pkg/store"
)

type ReportType string

const (
	ReportTypeViolations ReportType = "violations"
	ReportTypeRuns       ReportType = "runs"
)

type ReportFormat string

const (
	ReportFormatCSV  ReportFormat = "csv"
	ReportFormatJSON ReportFormat = "json"
)

// ReportParams selects the runs a report covers. Start and End bound the
// run start time when set. Filters understood by the generators:
// "run_id", "rule" and "limit".
type ReportParams struct {
	Start   time.Time
	End     time.Time
	Format  ReportFormat
	Filters map[string]interface{}
}

// ReportStore defines the interface for data access required by reports.
type ReportStore interface {
	LatestRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}

// ContentType returns the MIME type of a report in format f.
func ContentType(f ReportFormat) string {
	if f == ReportFormatJSON {
		return "application/json"
	}
	return "text/csv"
}

func (p ReportParams) filter(key string) string {
	s, _ := p.Filters[key].(string)
	return s
}

func (p ReportParams) limit(def int) int {
	switch v := p.Filters["limit"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}

func (p ReportParams) inRange(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false
	}
	return true
}
