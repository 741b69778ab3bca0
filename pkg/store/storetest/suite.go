// Package storetest holds the behavior shared by every store.Sink.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/store"
)

// NewRun builds a run with one concept and one failed constraint.
func NewRun(id string, started time.Time) *store.Run {
	return &store.Run{
		ID:         id,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Threshold:  "major",
		Passed:     false,
		Results: []store.RuleResult{
			{
				RuleID:   "osgi-bundle:Bundle",
				Kind:     "concept",
				Severity: "minor",
				Status:   "SUCCESS",
				Columns:  []string{"bundleSymbolicName"},
				Rows:     json.RawMessage(`[["com.example"]]`),
			},
			{
				RuleID:     "osgi-bundle:UnusedInternalType",
				Kind:       "constraint",
				Severity:   "major",
				Status:     "FAILURE",
				Columns:    []string{"Bundle", "InternalType"},
				Rows:       json.RawMessage(`[[{"id":1},{"id":2}],[{"id":1},{"id":3}]]`),
				DurationMS: 3,
			},
		},
	}
}

// RunSinkTests exercises a sink created fresh for every subtest.
func RunSinkTests(t *testing.T, newSink func(t *testing.T) store.Sink) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("save and get", func(t *testing.T) {
		s := newSink(t)
		run := NewRun("run-1", base)
		require.NoError(t, s.SaveRun(ctx, run))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "run-1", got.ID)
		assert.True(t, got.StartedAt.Equal(base))
		assert.False(t, got.Passed)
		require.Len(t, got.Results, 2)
		assert.Equal(t, "osgi-bundle:UnusedInternalType", got.Results[1].RuleID)
		assert.Equal(t, []string{"Bundle", "InternalType"}, got.Results[1].Columns)
		assert.JSONEq(t, string(run.Results[1].Rows), string(got.Results[1].Rows))
		assert.Equal(t, 2, got.Results[1].Violations())
		assert.Zero(t, got.Results[0].Violations())
	})

	t.Run("unknown run", func(t *testing.T) {
		s := newSink(t)
		_, err := s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrRunNotFound)
	})

	t.Run("latest runs newest first", func(t *testing.T) {
		s := newSink(t)
		for i := range 5 {
			require.NoError(t, s.SaveRun(ctx, NewRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))))
		}
		runs, err := s.LatestRuns(ctx, 3)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, []string{"run-4", "run-3", "run-2"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})
		assert.Empty(t, runs[0].Results)
	})

	t.Run("duplicate run id", func(t *testing.T) {
		s := newSink(t)
		require.NoError(t, s.SaveRun(ctx, NewRun("dup", base)))
		assert.ErrorIs(t, s.SaveRun(ctx, NewRun("dup", base)), store.ErrDuplicateRun)
	})

	t.Run("latest results per rule", func(t *testing.T) {
		s := newSink(t)
		older := NewRun("older", base)
		older.Results = append(older.Results, store.RuleResult{
			RuleID: "other:Only", Kind: "concept", Severity: "minor", Status: "SUCCESS",
			Columns: []string{}, Rows: json.RawMessage(`[]`),
		})
		require.NoError(t, s.SaveRun(ctx, older))
		newer := NewRun("newer", base.Add(time.Hour))
		newer.Results[1].Status = "SUCCESS"
		newer.Results[1].Rows = json.RawMessage(`[]`)
		require.NoError(t, s.SaveRun(ctx, newer))

		latest, err := s.LatestResults(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 3)
		assert.Equal(t, "SUCCESS", latest["osgi-bundle:UnusedInternalType"].Status)
		assert.Equal(t, "SUCCESS", latest["other:Only"].Status)
	})
}
