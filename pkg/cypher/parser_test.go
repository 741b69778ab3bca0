package cypher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/merge"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

func TestParse_Clauses(t *testing.T) {
	stmt, err := Parse(`
		match (a:Artifact {fqn: 'artifact'})-[:CONTAINS]->(p:Package{fqn:$package})
		Where p.fqn STARTS WITH 'com.'
		MERGE (a)-[r:EXPORTS {prop: 'value'}]->(p)
		  ON CREATE SET r.created = true
		  ON MATCH SET r.seen = true
		return a.fqn, count(r) AS exports
		ORDER BY exports DESC
		SKIP 0 LIMIT 10;`)
	require.NoError(t, err)

	assert.False(t, stmt.ReadOnly)
	assert.Equal(t, []string{"a.fqn", "exports"}, stmt.Columns)
	require.Len(t, stmt.Clauses, 3)

	m := stmt.Clauses[0].(*MatchClause)
	require.Len(t, m.Pattern.Paths, 1)
	path := m.Pattern.Paths[0]
	assert.Equal(t, []string{"Artifact"}, path.Nodes[0].Labels)
	assert.Equal(t, "fqn", path.Nodes[1].Props[0].Key)
	assert.Equal(t, &pattern.Param{Name: "package"}, path.Nodes[1].Props[0].Value)
	assert.Equal(t, pattern.Outgoing, path.Rels[0].Direction)
	assert.NotNil(t, m.Where)

	mc := stmt.Clauses[1].(*MergeClause)
	assert.Equal(t, []string{"EXPORTS"}, mc.Template.Path.Rels[0].Types)
	require.Len(t, mc.OnCreate, 1)
	assert.Equal(t, merge.SetProperty, mc.OnCreate[0].Kind)
	require.Len(t, mc.OnMatch, 1)

	rc := stmt.Clauses[2].(*ReturnClause)
	require.Len(t, rc.aggregates, 1)
	assert.True(t, rc.OrderBy[0].Descending)
	assert.NotNil(t, rc.Limit)
}

func TestParse_PatternPredicates(t *testing.T) {
	stmt, err := Parse(`
		MATCH (bundle:Osgi:Bundle)-[:CONTAINS]->(package:Package)-[:CONTAINS]->(t:Type)
		WHERE NOT (bundle)-[:EXPORTS]->(package)
		  AND NOT exists { MATCH (other:Package)-[:CONTAINS]->(:Type)-[:DEPENDS_ON]->(t) WHERE other <> package }
		  AND (t.visibility = 'public' OR t:Interface)
		RETURN t`)
	require.NoError(t, err)
	assert.True(t, stmt.ReadOnly)

	where := stmt.Clauses[0].(*MatchClause).Where
	var preds int
	pattern.Walk(where, func(e pattern.Expr) {
		if _, ok := e.(*pattern.PatternPredicate); ok {
			preds++
		}
	})
	assert.Equal(t, 2, preds)
}

func TestParse_SetForms(t *testing.T) {
	stmt, err := Parse(`MATCH (n) SET n:Internal:Type, n.x = 1, n += {a: 'b'}, n = {c: 2}`)
	require.NoError(t, err)
	items := stmt.Clauses[1].(*SetClause).Items
	require.Len(t, items, 4)
	assert.Equal(t, merge.SetLabels, items[0].Kind)
	assert.Equal(t, []string{"Internal", "Type"}, items[0].Labels)
	assert.Equal(t, merge.SetProperty, items[1].Kind)
	assert.Equal(t, merge.SetMergeMap, items[2].Kind)
	assert.Equal(t, merge.SetReplaceMap, items[3].Kind)
}

func TestParse_StringEscapes(t *testing.T) {
	stmt, err := Parse(`RETURN '(^|.*,)\\s*' AS re, "it\'s" AS q`)
	require.NoError(t, err)
	items := stmt.Clauses[0].(*ReturnClause).Items
	assert.Equal(t, &pattern.Literal{Value: `(^|.*,)\s*`}, items[0].Expr)
	assert.Equal(t, &pattern.Literal{Value: "it's"}, items[1].Expr)
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"undeclared variable":      `MATCH (a) RETURN b`,
		"undeclared in merge":      `MATCH (a) MERGE (a)-[:R]->(b {x: c.y}) RETURN a`,
		"undeclared in set":        `MATCH (a) SET b.x = 1`,
		"scope ends at WITH":       `MATCH (a), (b) WITH a RETURN b`,
		"unterminated string":      `MATCH (a {fqn: 'x}) RETURN a`,
		"missing return":           `MATCH (a)`,
		"undirected create":        `CREATE (a)-[:R]-(b)`,
		"merge without type":       `MATCH (a), (b) MERGE (a)-[r]->(b)`,
		"aggregate in where":       `MATCH (a) WHERE count(a) > 1 RETURN a`,
		"unaliased with":           `MATCH (a) WITH a.x RETURN 1 AS one`,
		"variable length":          `MATCH (a)-[:R*]->(b) RETURN a`,
		"clause after return":      `MATCH (a) RETURN a MATCH (b)`,
		"garbage":                  `MATCH (a) RETURN a ?`,
		"relationship as node":     `MATCH (a)-[r]->(b), (r) RETURN a`,
		"duplicate column":         `MATCH (a) RETURN a.x AS v, a.y AS v`,
		"empty":                    `  `,
		"both ways":                `MATCH (a)<-[:R]->(b) RETURN a`,
		"nested aggregate":         `MATCH (a) RETURN count(collect(a)) AS c`,
		"distinct on scalar func":  `MATCH (a) RETURN size(DISTINCT a) AS s`,
		"pattern var in exists":    `MATCH (a) WHERE exists { MATCH (a)-->(x) WHERE y = 1 } RETURN a`,
		"unknown clause":           `DELETE a`,
		"set unknown form":         `MATCH (a) SET a`,
		"on without create/match":  `MATCH (a), (b) MERGE (a)-[:R]->(b) ON DELETE SET a.x = 1`,
		"limit references a var":   `MATCH (a) RETURN a LIMIT a.x`,
		"unterminated identifier":  "MATCH (`a) RETURN 1 AS x",
		"parameter without a name": `MATCH (a {x: $}) RETURN a`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
			var se *pattern.SyntaxError
			assert.True(t, errors.As(err, &se), "got %T: %v", err, err)
		})
	}
}

func TestParse_UndeclaredVariablePosition(t *testing.T) {
	_, err := Parse(`MATCH (a) RETURN b`)
	var se *pattern.SyntaxError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 17, se.Pos)
	assert.Contains(t, se.Msg, `"b"`)
}

func TestCache(t *testing.T) {
	c, err := NewCache(2)
	require.NoError(t, err)

	a, err := c.Parse(`MATCH (n) RETURN n`)
	require.NoError(t, err)
	b, err := c.Parse(`MATCH (n) RETURN n`)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = c.Parse(`MATCH (n) RETURN m`)
	assert.Error(t, err)
	assert.Equal(t, 1, c.Len())
}
