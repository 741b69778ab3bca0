package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rmax-ai/graphlord/pkg/client"
)

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, res *client.QueryResult) {
	tw := newTabWriter(w)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = renderValue(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
	fmt.Fprintf(w, "(%d rows)\n", len(res.Rows))
	if s := res.Stats; s != (client.Stats{}) {
		fmt.Fprintf(w, "Created %d nodes, %d relationships; set %d properties; added %d labels\n",
			s.NodesCreated, s.RelationshipsCreated, s.PropertiesSet, s.LabelsAdded)
	}
}

func printRuleResult(w io.Writer, asJSON bool, res *client.RuleResult) error {
	if asJSON {
		return outputJSON(w, res)
	}
	fmt.Fprintf(w, "%s [%s, %s]: %s\n", res.Rule, res.Kind, res.Severity, res.Status)
	if res.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", res.Error)
		return nil
	}
	printTable(w, &res.QueryResult)
	return nil
}

func printReport(w io.Writer, asJSON bool, rep *client.Report) error {
	if asJSON {
		if err := outputJSON(w, rep); err != nil {
			return err
		}
	} else {
		tw := newTabWriter(w)
		fmt.Fprintln(tw, "RULE\tKIND\tSEVERITY\tSTATUS\tROWS")
		for _, r := range rep.Results {
			status := r.Status
			if r.Error != "" {
				status += " (" + r.Error + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.Rule, r.Kind, r.Severity, status, len(r.Rows))
		}
		tw.Flush()

		for _, r := range rep.Results {
			if r.Kind != "constraint" || !r.Failed() || r.Error != "" {
				continue
			}
			fmt.Fprintf(w, "\n%s violations:\n", r.Rule)
			printTable(w, &r.QueryResult)
		}

		verdict := "PASSED"
		if !rep.Passed {
			verdict = "FAILED"
		}
		fmt.Fprintf(w, "\nAnalysis %s (threshold %s, %dms)\n", verdict, rep.Threshold, rep.DurationMS)
	}
	if !rep.Passed {
		return errAnalysisFailed
	}
	return nil
}

func printRun(w io.Writer, run *client.Run) {
	fmt.Fprintf(w, "Run %s\nStarted: %s\nDuration: %s\nThreshold: %s\nPassed: %t\n\n",
		run.ID, run.StartedAt.Format(time.RFC3339), run.FinishedAt.Sub(run.StartedAt), run.Threshold, run.Passed)
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "RULE\tKIND\tSEVERITY\tSTATUS\tROWS")
	for _, r := range run.Results {
		var rows []json.RawMessage
		_ = json.Unmarshal(r.Rows, &rows)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.Rule, r.Kind, r.Severity, r.Status, len(rows))
	}
	tw.Flush()
}

// renderValue prints nodes by fqn or name and other values as JSON.
func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case map[string]any:
		if props, ok := x["properties"].(map[string]any); ok {
			for _, key := range []string{"fqn", "name", "bundleSymbolicName"} {
				if s, ok := props[key].(string); ok {
					return s
				}
			}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
