package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// table collects report rows and renders them as CSV or as a JSON array
// of objects keyed by header.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) add(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *table) render(format ReportFormat) (io.Reader, error) {
	switch format {
	case "", ReportFormatCSV:
		return t.csv()
	case ReportFormatJSON:
		return t.json()
	default:
		return nil, fmt.Errorf("unknown report format: %s", format)
	}
}

func (t *table) csv() (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(t.headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}
	if err := writer.WriteAll(t.rows); err != nil {
		return nil, fmt.Errorf("failed to write rows: %w", err)
	}
	return buf, nil
}

func (t *table) json() (io.Reader, error) {
	out := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		rec := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			rec[h] = row[i]
		}
		out = append(out, rec)
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(out); err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return buf, nil
}
