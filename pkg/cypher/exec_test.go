package cypher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

type harness struct {
	t     *testing.T
	store *graph.Store
	exec  *Executor
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, store: graph.NewStore(), exec: NewExecutor(nil)}
	h.write(`
		CREATE (a:Artifact:Java {fqn: 'artifact'}),
		       (api:Package {fqn: 'app.api'}),
		       (impl:Package {fqn: 'app.impl'}),
		       (svc:Type:Interface {fqn: 'app.api.Service', visibility: 'public'}),
		       (si:Type:Class {fqn: 'app.impl.ServiceImpl', visibility: 'public'}),
		       (u:Type:Class {fqn: 'app.impl.Unused', visibility: 'default'}),
		       (a)-[:CONTAINS]->(api), (a)-[:CONTAINS]->(impl),
		       (api)-[:CONTAINS]->(svc), (impl)-[:CONTAINS]->(si), (impl)-[:CONTAINS]->(u),
		       (si)-[:DEPENDS_ON]->(svc)`, nil)
	return h
}

func (h *harness) write(src string, params map[string]any) *Result {
	h.t.Helper()
	stmt, err := Parse(src)
	require.NoError(h.t, err)
	var res *Result
	err = h.store.Update(context.Background(), func(tx *graph.Tx) error {
		var err error
		res, err = h.exec.Execute(context.Background(), tx, stmt, params)
		return err
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) read(src string, params map[string]any) *Result {
	h.t.Helper()
	stmt, err := Parse(src)
	require.NoError(h.t, err)
	var res *Result
	err = h.store.View(context.Background(), func(tx *graph.Tx) error {
		var err error
		res, err = h.exec.Execute(context.Background(), tx, stmt, params)
		return err
	})
	require.NoError(h.t, err)
	return res
}

func TestExecute_MatchReturn(t *testing.T) {
	h := newHarness(t)
	res := h.read(`MATCH (p:Package)-[:CONTAINS]->(t:Type) WHERE p.fqn = $pkg RETURN t.fqn AS fqn ORDER BY fqn`,
		map[string]any{"pkg": "app.impl"})

	assert.Equal(t, []string{"fqn"}, res.Columns)
	assert.Equal(t, []any{"app.impl.ServiceImpl", "app.impl.Unused"}, res.Column("fqn"))
	assert.Nil(t, res.Column("missing"))
}

func TestExecute_ReturnsDetachedNodes(t *testing.T) {
	h := newHarness(t)
	res := h.read(`MATCH (a:Artifact) RETURN a`, nil)
	require.Equal(t, 1, res.Len())

	n, ok := res.Rows[0][0].(*graph.Node)
	require.True(t, ok)
	assert.Equal(t, []string{"Artifact", "Java"}, n.Labels)
	assert.Equal(t, "artifact", n.Properties["fqn"])

	// mutating the copy does not touch the store
	n.Properties["fqn"] = "changed"
	res = h.read(`MATCH (a:Artifact) RETURN a.fqn AS fqn`, nil)
	assert.Equal(t, []any{"artifact"}, res.Column("fqn"))
}

func TestExecute_NegatedPatternAndExists(t *testing.T) {
	h := newHarness(t)

	res := h.read(`MATCH (t:Type) WHERE NOT (t)<-[:DEPENDS_ON]-(:Type) RETURN t.fqn ORDER BY t.fqn`, nil)
	assert.Equal(t, []any{"app.impl.ServiceImpl", "app.impl.Unused"}, res.Column("t.fqn"))

	res = h.read(`
		MATCH (p:Package)-[:CONTAINS]->(t:Type)
		WHERE EXISTS { MATCH (other:Package)-[:CONTAINS]->(:Type)-[:DEPENDS_ON]->(t) WHERE other <> p }
		RETURN t.fqn`, nil)
	assert.Equal(t, []any{"app.api.Service"}, res.Column("t.fqn"))
}

func TestExecute_Aggregation(t *testing.T) {
	h := newHarness(t)

	res := h.read(`
		MATCH (p:Package)-[:CONTAINS]->(t:Type)
		RETURN p.fqn AS pkg, count(t) AS types, collect(t.fqn) AS names
		ORDER BY types DESC`, nil)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, []any{"app.impl", "app.api"}, res.Column("pkg"))
	assert.Equal(t, []any{int64(2), int64(1)}, res.Column("types"))
	assert.Equal(t, []any{"app.impl.ServiceImpl", "app.impl.Unused"}, res.Rows[0][2])

	res = h.read(`MATCH (n:Nothing) RETURN count(*) AS c, collect(n) AS ns`, nil)
	assert.Equal(t, [][]any{{int64(0), []any{}}}, res.Rows)

	res = h.read(`MATCH (t:Type) RETURN count(DISTINCT t.visibility) AS v`, nil)
	assert.Equal(t, []any{int64(2)}, res.Column("v"))
}

func TestExecute_WithDistinctSkipLimit(t *testing.T) {
	h := newHarness(t)

	res := h.read(`MATCH (t:Type) WITH DISTINCT t.visibility AS vis WHERE vis IS NOT NULL RETURN vis ORDER BY vis`, nil)
	assert.Equal(t, []any{"default", "public"}, res.Column("vis"))

	res = h.read(`MATCH (t:Type) RETURN t.fqn AS fqn ORDER BY fqn SKIP 1 LIMIT 1`, nil)
	assert.Equal(t, []any{"app.impl.ServiceImpl"}, res.Column("fqn"))

	res = h.read(`MATCH (t:Type) RETURN t.fqn AS fqn ORDER BY fqn LIMIT 0`, nil)
	assert.Zero(t, res.Len())
}

func TestExecute_OptionalMatch(t *testing.T) {
	h := newHarness(t)
	res := h.read(`
		MATCH (t:Type)
		OPTIONAL MATCH (t)-[:DEPENDS_ON]->(dep)
		RETURN t.fqn AS fqn, dep.fqn AS dep
		ORDER BY fqn`, nil)

	require.Equal(t, 3, res.Len())
	assert.Equal(t, []any{nil, "app.api.Service", nil}, res.Column("dep"))
}

func TestExecute_Unwind(t *testing.T) {
	h := newHarness(t)
	res := h.read(`UNWIND split($header, ',') AS entry RETURN trim(entry) AS pkg`,
		map[string]any{"header": "a.b, c.d"})
	assert.Equal(t, []any{"a.b", "c.d"}, res.Column("pkg"))
}

func TestExecute_MergeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	q := `MATCH (a:Artifact), (p:Package) MERGE (a)-[r:EXPORTS]->(p) RETURN count(r) AS c`

	first := h.write(q, nil)
	assert.Equal(t, []any{int64(2)}, first.Column("c"))
	assert.Equal(t, 2, first.Stats.RelationshipsCreated)

	second := h.write(q, nil)
	assert.Equal(t, []any{int64(2)}, second.Column("c"))
	assert.False(t, second.Stats.ContainsUpdates())

	assert.Equal(t, 2, h.store.Stats().Types["EXPORTS"])
}

func TestExecute_MergeReusesRelationshipWithExtraProperties(t *testing.T) {
	h := newHarness(t)
	h.write(`MATCH (a:Artifact), (p:Package {fqn: 'app.api'}) MERGE (a)-[:EXPORTS {prop: 'value'}]->(p)`, nil)

	res := h.write(`MATCH (a:Artifact), (p:Package) MERGE (a)-[:EXPORTS]->(p) RETURN p.fqn`, nil)
	assert.Equal(t, 1, res.Stats.RelationshipsCreated)

	res = h.read(`MATCH ()-[r:EXPORTS {prop: 'value'}]->() RETURN r`, nil)
	require.Equal(t, 1, res.Len())
	rel := res.Rows[0][0].(*graph.Relationship)
	assert.Equal(t, "EXPORTS", rel.Type)
	assert.Equal(t, 2, h.store.Stats().Types["EXPORTS"])
}

func TestExecute_LargeIntegerEquality(t *testing.T) {
	h := newHarness(t)
	params := map[string]any{"a": int64(1<<53 + 1), "b": int64(1 << 53)}

	res := h.read(`RETURN $a = $b AS eq, $a > $b AS gt`, params)
	assert.Equal(t, [][]any{{false, true}}, res.Rows)

	h.write(`MERGE (:Item {n: $b})`, params)
	h.write(`MERGE (:Item {n: $a})`, params)
	res = h.read(`MATCH (i:Item) RETURN count(i) AS c`, nil)
	assert.Equal(t, []any{int64(2)}, res.Column("c"))
}

func TestExecute_SetLabelsAndProperties(t *testing.T) {
	h := newHarness(t)
	res := h.write(`
		MATCH (a:Artifact)
		SET a:Osgi:Bundle, a.bundleSymbolicName = 'app', a += {bundleVersion: '0.1.0'}
		RETURN a.bundleVersion AS v, labels(a) AS labels`, nil)

	assert.Equal(t, []any{"0.1.0"}, res.Column("v"))
	assert.Equal(t, []any{"Artifact", "Java", "Osgi", "Bundle"}, res.Rows[0][1])
	assert.Equal(t, 2, res.Stats.LabelsAdded)
	assert.Equal(t, 2, res.Stats.PropertiesSet)

	// labels are additive and never duplicated
	res = h.write(`MATCH (a:Artifact) SET a:Bundle RETURN a`, nil)
	assert.Zero(t, res.Stats.LabelsAdded)
}

func TestExecute_ReadOnlyTransactionRejectsWrites(t *testing.T) {
	h := newHarness(t)
	stmt, err := Parse(`CREATE (n:Type)`)
	require.NoError(t, err)

	err = h.store.View(context.Background(), func(tx *graph.Tx) error {
		_, err := h.exec.Execute(context.Background(), tx, stmt, nil)
		return err
	})
	assert.ErrorIs(t, err, graph.ErrReadOnly)
}

func TestExecute_CancelledContext(t *testing.T) {
	h := newHarness(t)
	stmt, err := Parse(`MATCH (n) RETURN n`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tx := h.store.Begin(graph.ReadOnly)
	defer tx.Rollback()
	_, err = h.exec.Execute(ctx, tx, stmt, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_MissingParameter(t *testing.T) {
	h := newHarness(t)
	stmt, err := Parse(`MATCH (p:Package {fqn: $fqn}) RETURN p`)
	require.NoError(t, err)

	tx := h.store.Begin(graph.ReadOnly)
	defer tx.Rollback()
	_, err = h.exec.Execute(context.Background(), tx, stmt, nil)
	assert.Error(t, err)
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, -1, compareValues("a", nil))
	assert.Equal(t, -1, compareValues(int64(1), 2.5))
	assert.Equal(t, 1, compareValues([]any{"a", "c"}, []any{"a", "b"}))
	assert.Equal(t, 0, compareValues(nil, nil))
}
