package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/merge"
	"github.com/rmax-ai/graphlord/pkg/pattern"
	"github.com/rmax-ai/graphlord/pkg/rules"
	"github.com/rmax-ai/graphlord/pkg/scan"
	"github.com/rmax-ai/graphlord/pkg/store"
)

const brokenRules = `
group: broken
concepts:
  - id: Typed
    cypher: MATCH (t:Type) SET t:Typed RETURN t
  - id: NeedsParam
    requires: [Typed]
    cypher: |
      MATCH (t:Typed {fqn: $fqn}) SET t:Found RETURN t
  - id: Conflicting
    cypher: |
      MATCH (t:Type)
      CREATE (m:Marker {fqn: t.fqn})
      MERGE (t:Missing)-[:MARKS]->(m)
      RETURN m
constraints:
  - id: FoundTypes
    requires: [NeedsParam]
    cypher: MATCH (t:Found) RETURN t
  - id: Untyped
    requires: [Typed]
    severity: minor
    cypher: MATCH (t:Type) WHERE NOT t:Typed RETURN t
`

func newBrokenAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	rs, err := rules.Parse([]byte(brokenRules), "broken.yaml")
	require.NoError(t, err)
	reg, err := rules.NewRegistry(rs...)
	require.NoError(t, err)
	a, err := New(reg, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	_, err = a.Query(context.Background(), `CREATE (:Type {fqn: 'a.A'}), (:Type {fqn: 'a.B'})`, nil)
	require.NoError(t, err)
	return a
}

func TestAnalyze_AllRules(t *testing.T) {
	a := newBundleAnalyzer(t)
	report, err := a.Analyze(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Len(t, report.Results, 7)
	for _, res := range report.Results {
		assert.True(t, res.Status.Final(), res.RuleID)
		assert.NoError(t, res.Err, res.RuleID)
	}

	// requirements come before the rules that need them
	pos := make(map[string]int)
	for i, res := range report.Results {
		pos[res.RuleID] = i
	}
	assert.Less(t, pos["osgi-bundle:Bundle"], pos["osgi-bundle:ExportPackage"])
	assert.Less(t, pos["osgi-bundle:ExportPackage"], pos["osgi-bundle:InternalType"])
	assert.Less(t, pos["osgi-bundle:InternalType"], pos["osgi-bundle:UnusedInternalType"])

	unused, ok := report.Result("osgi-bundle:UnusedInternalType")
	require.True(t, ok)
	assert.Equal(t, 1, unused.Violations())

	assert.Len(t, report.Failures(), 2)
	assert.False(t, report.Passed())
}

func TestAnalyze_Threshold(t *testing.T) {
	a := newBundleAnalyzer(t, WithThreshold(rules.SeverityCritical))
	report, err := a.Analyze(context.Background(), "osgi-bundle:InternalTypeMustNotBePublic")
	require.NoError(t, err)

	res, ok := report.Result("osgi-bundle:InternalTypeMustNotBePublic")
	require.True(t, ok)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Empty(t, report.Failures())
	assert.True(t, report.Passed())
}

func TestAnalyze_UnknownRule(t *testing.T) {
	a := newBundleAnalyzer(t)
	_, err := a.Analyze(context.Background(), "osgi-bundle:Nope")
	assert.ErrorIs(t, err, rules.ErrUnknownRule)
}

func TestAnalyze_Cancelled(t *testing.T) {
	a := newBundleAnalyzer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Analyze(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyze_PublishesToSink(t *testing.T) {
	sink, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	a := newBundleAnalyzer(t, WithSink(sink))
	report, err := a.Analyze(context.Background())
	require.NoError(t, err)

	run, err := sink.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.False(t, run.Passed)
	assert.Equal(t, "major", run.Threshold)
	require.Len(t, run.Results, 7)

	latest, err := sink.LatestResults(context.Background())
	require.NoError(t, err)
	unused := latest["osgi-bundle:UnusedInternalType"]
	assert.Equal(t, "FAILURE", unused.Status)
	assert.Equal(t, 1, unused.Violations())
	assert.Equal(t, []string{"Bundle", "InternalType"}, unused.Columns)
}

func TestAnalyze_SkipsRulesWithFailedRequirements(t *testing.T) {
	a := newBrokenAnalyzer(t)
	report, err := a.Analyze(context.Background(), "broken:FoundTypes", "broken:Untyped")
	require.NoError(t, err)

	typed, _ := report.Result("broken:Typed")
	assert.Equal(t, StatusSuccess, typed.Status)

	needs, _ := report.Result("broken:NeedsParam")
	assert.Equal(t, StatusFailure, needs.Status)
	var evalErr *EvaluationError
	require.ErrorAs(t, needs.Err, &evalErr)
	assert.Equal(t, "broken:NeedsParam", evalErr.Rule)

	found, _ := report.Result("broken:FoundTypes")
	assert.Equal(t, StatusFailure, found.Status)
	assert.ErrorIs(t, found.Err, ErrRequirementFailed)
	assert.Zero(t, found.Violations())

	untyped, _ := report.Result("broken:Untyped")
	assert.Equal(t, StatusSuccess, untyped.Status)

	// the skipped constraint is major, the errored concept minor
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "broken:FoundTypes", failures[0].RuleID)
}

func TestValidateConstraint_RequirementFails(t *testing.T) {
	a := newBrokenAnalyzer(t)
	_, err := a.ValidateConstraint(context.Background(), "broken:FoundTypes")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequirementFailed)
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "broken:FoundTypes", evalErr.Rule)
}

func TestApplyConcept_ConflictRollsBack(t *testing.T) {
	a := newBrokenAnalyzer(t)
	_, err := a.ApplyConcept(context.Background(), "broken:Conflicting")

	var conflict *merge.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "t", conflict.Var)
	assert.Equal(t, []string{"Missing"}, conflict.Missing)

	// nodes created before the failing MERGE are gone
	assert.Zero(t, a.Graph().Stats().Labels["Marker"])
}

func TestApplyConcept_Errors(t *testing.T) {
	a := newBundleAnalyzer(t)
	ctx := context.Background()

	_, err := a.ApplyConcept(ctx, "osgi-bundle:Nope")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	_, err = a.ApplyConcept(ctx, "osgi-bundle:UnusedInternalType")
	assert.ErrorIs(t, err, ErrWrongKind)

	_, err = a.ValidateConstraint(ctx, "osgi-bundle:Bundle")
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestApplyConcept_EmptyAnchor(t *testing.T) {
	rs, err := rules.Parse([]byte(brokenRules), "broken.yaml")
	require.NoError(t, err)
	reg, err := rules.NewRegistry(rs...)
	require.NoError(t, err)
	a, err := New(reg, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	before := a.Graph().Stats()
	res, err := a.ApplyConcept(context.Background(), "broken:Typed")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Zero(t, res.Len())
	assert.False(t, res.Stats.ContainsUpdates())

	after := a.Graph().Stats()
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Labels, after.Labels)
}

func TestApplyConcept_RequirementsAppliedOnce(t *testing.T) {
	a := newBundleAnalyzer(t)
	ctx := context.Background()
	counter := RuleEvaluations.WithLabelValues(string(rules.KindConcept), string(StatusSuccess))

	before := testutil.ToFloat64(counter)
	_, err := a.ApplyConcept(ctx, "osgi-bundle:ExportPackage")
	require.NoError(t, err)
	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	_, err = a.ApplyConcept(ctx, "osgi-bundle:InternalType")
	require.NoError(t, err)
	assert.Equal(t, before+3, testutil.ToFloat64(counter))

	// new facts make every concept apply again
	_, err = a.Ingest(ctx, nil)
	require.NoError(t, err)
	_, err = a.ApplyConcept(ctx, "osgi-bundle:InternalType")
	require.NoError(t, err)
	assert.Equal(t, before+6, testutil.ToFloat64(counter))
}

func TestValidateConstraint_Metrics(t *testing.T) {
	a := newBundleAnalyzer(t)
	res, err := a.ValidateConstraint(context.Background(), "osgi-bundle:InternalTypeMustNotBePublic")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Violations())
	assert.Equal(t, float64(2), testutil.ToFloat64(ConstraintViolations.WithLabelValues("osgi-bundle:InternalTypeMustNotBePublic")))
	assert.Equal(t, float64(a.Graph().Stats().Version), testutil.ToFloat64(GraphVersion))
}

func TestIngest_InvalidFactsLeaveGraphUnchanged(t *testing.T) {
	a := newBundleAnalyzer(t)
	before := a.Graph().Stats()

	_, err := a.Ingest(context.Background(), []scan.Fact{
		{Kind: scan.KindNode, Key: "x", Labels: []string{"Type"}},
		{Kind: scan.KindRelationship, Type: "DEPENDS_ON", From: "x", To: "nowhere"},
	})
	assert.ErrorIs(t, err, scan.ErrUnknownKey)

	after := a.Graph().Stats()
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Version, after.Version)
}

func TestQuery_ReadsAndWrites(t *testing.T) {
	a := newBundleAnalyzer(t)
	ctx := context.Background()

	res, err := a.Query(ctx, `CREATE (p:Package {fqn: 'org.junit'}) RETURN p.fqn AS fqn`, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.NodesCreated)

	res, err = a.Query(ctx, `MATCH (p:Package) WHERE p.fqn = $fqn RETURN count(p) AS c`, map[string]any{"fqn": "org.junit"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, res.Column("c"))

	_, err = a.Query(ctx, `MATCH (p) RETURN q`, nil)
	assert.True(t, pattern.IsSyntaxError(err))

	err = a.Graph().View(ctx, func(tx *graph.Tx) error {
		_, err := a.QueryTx(ctx, tx, `CREATE (:Package)`, nil)
		return err
	})
	assert.ErrorIs(t, err, graph.ErrReadOnly)
}

func TestSetRules_ReappliesConcepts(t *testing.T) {
	a := newBrokenAnalyzer(t)
	ctx := context.Background()
	_, err := a.ApplyConcept(ctx, "broken:Typed")
	require.NoError(t, err)

	reg, err := rules.NewRegistry()
	require.NoError(t, err)
	a.SetRules(reg)
	assert.Zero(t, a.Rules().Len())

	_, err = a.ApplyConcept(ctx, "broken:Typed")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestNew_ObservesProvidedGraph(t *testing.T) {
	g := graph.NewStore()
	a, err := New(nil, WithGraph(g), WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	committed := GraphTransactions.WithLabelValues(string(graph.TxCommitted))
	before := testutil.ToFloat64(committed)
	_, err = a.Query(context.Background(), `CREATE (:Type {fqn: 'a.A'})`, nil)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(committed))
	assert.Equal(t, float64(g.Version()), testutil.ToFloat64(GraphVersion))
}

func TestStatus_Transitions(t *testing.T) {
	r, ok := newBundleAnalyzer(t).Rules().Get("osgi-bundle:Bundle")
	require.True(t, ok)

	res := newResult(r)
	assert.Equal(t, StatusPending, res.Status)
	assert.ErrorIs(t, res.advance(StatusSuccess), ErrIllegalTransition)
	require.NoError(t, res.advance(StatusRunning))
	assert.ErrorIs(t, res.advance(StatusPending), ErrIllegalTransition)
	require.NoError(t, res.advance(StatusFailure))
	assert.True(t, res.Status.Final())
	assert.ErrorIs(t, res.advance(StatusSuccess), ErrIllegalTransition)
	assert.Equal(t, StatusFailure, res.Status)

	// skipped rules never run
	assert.True(t, StatusPending.CanTransition(StatusFailure))
	assert.False(t, StatusPending.CanTransition(StatusSuccess))
	assert.False(t, StatusSuccess.CanTransition(StatusFailure))
	assert.False(t, StatusRunning.Final())
}

func TestResult_Record(t *testing.T) {
	a := newBundleAnalyzer(t)
	res, err := a.ValidateConstraint(context.Background(), "osgi-bundle:UnusedInternalType")
	require.NoError(t, err)

	rec := res.Record()
	assert.Equal(t, "osgi-bundle:UnusedInternalType", rec.RuleID)
	assert.Equal(t, "major", rec.Severity)
	assert.Equal(t, "FAILURE", rec.Status)
	assert.Contains(t, string(rec.Rows), unusedPublicClass)
	assert.Empty(t, rec.Error)
}
