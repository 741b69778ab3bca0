package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

func lit(v any) pattern.Expr { return &pattern.Literal{Value: v} }

func setup(t *testing.T) (*graph.Tx, graph.NodeID, graph.NodeID) {
	t.Helper()
	s := graph.NewStore()
	tx := s.Begin(graph.ReadWrite)
	t.Cleanup(tx.Rollback)

	bundle, err := tx.CreateNode([]string{"Artifact", "Osgi", "Bundle"}, map[string]any{"fqn": "artifact"})
	require.NoError(t, err)
	pkg, err := tx.CreateNode([]string{"Package"}, map[string]any{"fqn": "api.data"})
	require.NoError(t, err)
	return tx, bundle, pkg
}

func exportsTemplate(props ...pattern.Prop) Template {
	return Template{Path: pattern.Path{
		Nodes: []pattern.NodePattern{{Var: "bundle"}, {Var: "package"}},
		Rels:  []pattern.RelPattern{{Var: "r", Types: []string{"EXPORTS"}, Direction: pattern.Outgoing, Props: props}},
	}}
}

func TestMerge_CreatesOnceAndReuses(t *testing.T) {
	tx, bundle, pkg := setup(t)
	ex := NewExecutor(nil)
	row := pattern.Row{"bundle": bundle, "package": pkg}
	ctx := context.Background()

	first, err := ex.Merge(ctx, tx, exportsTemplate(), row, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, 1, first.Stats.RelationshipsCreated)
	require.Len(t, first.Rows, 1)
	relID, ok := first.Rows[0].Relationship("r")
	require.True(t, ok)

	second, err := ex.Merge(ctx, tx, exportsTemplate(), row, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.False(t, second.Stats.ContainsUpdates())
	require.Len(t, second.Rows, 1)
	assert.Equal(t, relID, second.Rows[0]["r"])

	assert.Len(t, tx.Outgoing(bundle), 1)
	// the input row is never modified
	assert.NotContains(t, row, "r")
}

func TestMerge_ExistingRelationshipKeepsItsProperties(t *testing.T) {
	tx, bundle, pkg := setup(t)
	ex := NewExecutor(nil)
	ctx := context.Background()
	row := pattern.Row{"bundle": bundle, "package": pkg}

	// an earlier statement created the relationship with an extra property
	_, err := ex.Merge(ctx, tx, exportsTemplate(pattern.Prop{Key: "prop", Value: lit("value")}), row, nil, nil, nil)
	require.NoError(t, err)

	// a property-less merge matches it and leaves it unchanged
	out, err := ex.Merge(ctx, tx, exportsTemplate(), row, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, out.Created)

	rels := tx.Outgoing(bundle)
	require.Len(t, rels, 1)
	r, err := tx.Relationship(rels[0])
	require.NoError(t, err)
	assert.Equal(t, "value", r.Properties["prop"])
}

func TestMerge_KeyPropertiesDistinguish(t *testing.T) {
	tx, bundle, pkg := setup(t)
	ex := NewExecutor(nil)
	ctx := context.Background()
	row := pattern.Row{"bundle": bundle, "package": pkg}

	_, err := ex.Merge(ctx, tx, exportsTemplate(pattern.Prop{Key: "v", Value: lit(int64(1))}), row, nil, nil, nil)
	require.NoError(t, err)
	out, err := ex.Merge(ctx, tx, exportsTemplate(pattern.Prop{Key: "v", Value: lit(int64(2))}), row, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Len(t, tx.Outgoing(bundle), 2)

	_, err = ex.Merge(ctx, tx, exportsTemplate(pattern.Prop{Key: "v", Value: lit(nil)}), row, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNullProperty)
}

func TestMerge_LargeIntegerKeysStayDistinct(t *testing.T) {
	tx, _, _ := setup(t)
	ex := NewExecutor(nil)
	ctx := context.Background()

	tmpl := Template{Path: pattern.Path{Nodes: []pattern.NodePattern{{
		Var:    "i",
		Labels: []string{"Item"},
		Props:  []pattern.Prop{{Key: "n", Value: &pattern.Param{Name: "n"}}},
	}}}}

	// 2^53 and 2^53+1 are the same float64
	out, err := ex.Merge(ctx, tx, tmpl, pattern.Row{}, map[string]any{"n": int64(1 << 53)}, nil, nil)
	require.NoError(t, err)
	assert.True(t, out.Created)
	out, err = ex.Merge(ctx, tx, tmpl, pattern.Row{}, map[string]any{"n": int64(1<<53 + 1)}, nil, nil)
	require.NoError(t, err)
	assert.True(t, out.Created)

	id, _ := out.Rows[0].Node("i")
	n, err := tx.Node(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<53+1), n.Properties["n"])
	assert.Len(t, tx.NodesByLabel("Item"), 2)
}

func TestMerge_NodeWithOnCreateAndOnMatch(t *testing.T) {
	tx, _, _ := setup(t)
	ex := NewExecutor(nil)
	ctx := context.Background()

	tmpl := Template{Path: pattern.Path{Nodes: []pattern.NodePattern{{
		Var:    "p",
		Labels: []string{"Package"},
		Props:  []pattern.Prop{{Key: "fqn", Value: &pattern.Param{Name: "fqn"}}},
	}}}}
	onCreate := []SetItem{{Kind: SetProperty, Var: "p", Key: "origin", Value: lit("merge")}}
	onMatch := []SetItem{{Kind: SetLabels, Var: "p", Labels: []string{"Seen"}}}
	params := map[string]any{"fqn": "org.junit"}

	out, err := ex.Merge(ctx, tx, tmpl, pattern.Row{}, params, onCreate, onMatch)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, Stats{NodesCreated: 1, LabelsAdded: 1, PropertiesSet: 2}, out.Stats)

	out, err = ex.Merge(ctx, tx, tmpl, pattern.Row{}, params, onCreate, onMatch)
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, 1, out.Stats.LabelsAdded)

	id, _ := out.Rows[0].Node("p")
	n, err := tx.Node(id)
	require.NoError(t, err)
	assert.Equal(t, "merge", n.Properties["origin"])
	assert.True(t, n.HasLabel("Seen"))

	// api.data and org.junit
	assert.Len(t, tx.NodesByLabel("Package"), 2)
}

func TestMerge_BoundNodeMissingLabels(t *testing.T) {
	tx, bundle, pkg := setup(t)
	ex := NewExecutor(nil)

	tmpl := exportsTemplate()
	tmpl.Path.Nodes[1].Labels = []string{"Package", "Exported"}

	_, err := ex.Merge(context.Background(), tx, tmpl, pattern.Row{"bundle": bundle, "package": pkg}, nil, nil, nil)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "package", conflict.Var)
	assert.Equal(t, []string{"Exported"}, conflict.Missing)
	assert.Empty(t, tx.Outgoing(bundle))
}

func TestMerge_CreatesUnboundEndpoint(t *testing.T) {
	tx, bundle, _ := setup(t)
	ex := NewExecutor(nil)

	tmpl := Template{Path: pattern.Path{
		Nodes: []pattern.NodePattern{
			{Var: "bundle"},
			{Var: "m", Labels: []string{"Manifest"}, Props: []pattern.Prop{{Key: "name", Value: lit("MANIFEST.MF")}}},
		},
		Rels: []pattern.RelPattern{{Types: []string{"CONTAINS"}, Direction: pattern.Outgoing}},
	}}
	out, err := ex.Merge(context.Background(), tx, tmpl, pattern.Row{"bundle": bundle}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{NodesCreated: 1, RelationshipsCreated: 1, LabelsAdded: 1, PropertiesSet: 1}, out.Stats)
	assert.Equal(t, []string{"bundle", "m"}, tmpl.Vars())
}

func TestApply_MapAssignments(t *testing.T) {
	tx, bundle, _ := setup(t)
	ctx := context.Background()
	row := pattern.Row{"b": bundle, "none": nil}

	merged := &pattern.MapExpr{Entries: []pattern.Prop{{Key: "bundleVersion", Value: lit("0.1.0")}}}
	st, err := Apply(ctx, tx, []SetItem{
		{Kind: SetMergeMap, Var: "b", Value: merged},
		{Kind: SetProperty, Var: "none", Key: "x", Value: lit(1)},
	}, row, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PropertiesSet)

	n, err := tx.Node(bundle)
	require.NoError(t, err)
	assert.Equal(t, graph.Properties{"fqn": "artifact", "bundleVersion": "0.1.0"}, n.Properties)

	replaced := &pattern.MapExpr{Entries: []pattern.Prop{{Key: "fqn", Value: lit("bundle")}}}
	_, err = Apply(ctx, tx, []SetItem{{Kind: SetReplaceMap, Var: "b", Value: replaced}}, row, nil)
	require.NoError(t, err)
	n, err = tx.Node(bundle)
	require.NoError(t, err)
	assert.Equal(t, graph.Properties{"fqn": "bundle"}, n.Properties)

	_, err = Apply(ctx, tx, []SetItem{{Kind: SetProperty, Var: "missing", Key: "x", Value: lit(1)}}, row, nil)
	assert.True(t, pattern.IsSyntaxError(err))
}
