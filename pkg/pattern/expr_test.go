package pattern

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

func lit(v any) Expr { return &Literal{Value: v} }

func eval(t *testing.T, e Expr) any {
	t.Helper()
	v, err := e.Eval(&Env{Ctx: context.Background(), Row: Row{}})
	require.NoError(t, err)
	return v
}

func TestBinary_ThreeValuedLogic(t *testing.T) {
	cases := []struct {
		name string
		expr Expr
		want any
	}{
		{"false and null", &Binary{Op: OpAnd, L: lit(false), R: lit(nil)}, false},
		{"true and null", &Binary{Op: OpAnd, L: lit(true), R: lit(nil)}, nil},
		{"true or null", &Binary{Op: OpOr, L: lit(nil), R: lit(true)}, true},
		{"false or null", &Binary{Op: OpOr, L: lit(false), R: lit(nil)}, nil},
		{"xor", &Binary{Op: OpXor, L: lit(true), R: lit(false)}, true},
		{"not null", &Not{X: lit(nil)}, nil},
		{"eq null", &Binary{Op: OpEq, L: lit("a"), R: lit(nil)}, nil},
		{"int equals float", &Binary{Op: OpEq, L: lit(int64(1)), R: lit(1.0)}, true},
		{"is null", &IsNull{X: lit(nil)}, true},
		{"is not null", &IsNull{X: lit("x"), Negate: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, eval(t, tc.expr))
		})
	}
}

func TestBinary_StringOperators(t *testing.T) {
	fqn := lit("com.example.api.data")

	assert.Equal(t, true, eval(t, &Binary{Op: OpStartsWith, L: fqn, R: lit("com.example")}))
	assert.Equal(t, true, eval(t, &Binary{Op: OpEndsWith, L: fqn, R: lit(".data")}))
	assert.Equal(t, false, eval(t, &Binary{Op: OpContains, L: fqn, R: lit("impl")}))
	assert.Equal(t, "v0.1.0", eval(t, &Binary{Op: OpAdd, L: lit("v"), R: lit("0.1.0")}))
	assert.Equal(t, "n=3", eval(t, &Binary{Op: OpAdd, L: lit("n="), R: lit(int64(3))}))
}

func TestBinary_RegexIsFullMatch(t *testing.T) {
	header := lit("com.example.api.data;version=1,com.example.api.service")
	pattern := func(pkg string) Expr {
		// '(^|.*,)\s*' + replace(pkg, '.', '\.') + '\s*((;|,).*|$)'
		escaped := &FuncCall{Name: "replace", Args: []Expr{lit(pkg), lit("."), lit(`\.`)}}
		return &Binary{Op: OpAdd,
			L: &Binary{Op: OpAdd, L: lit(`(^|.*,)\s*`), R: escaped},
			R: lit(`\s*((;|,).*|$)`),
		}
	}

	assert.Equal(t, true, eval(t, &Binary{Op: OpRegex, L: header, R: pattern("com.example.api.data")}))
	assert.Equal(t, true, eval(t, &Binary{Op: OpRegex, L: header, R: pattern("com.example.api.service")}))
	assert.Equal(t, false, eval(t, &Binary{Op: OpRegex, L: header, R: pattern("com.example.api")}))
	assert.Equal(t, false, eval(t, &Binary{Op: OpRegex, L: lit("abc"), R: lit("b")}))

	_, err := (&Binary{Op: OpRegex, L: lit("a"), R: lit("(")}).Eval(&Env{})
	assert.ErrorIs(t, err, ErrType)
}

func TestBinary_In(t *testing.T) {
	list := &ListExpr{Items: []Expr{lit("a"), lit(int64(2))}}
	assert.Equal(t, true, eval(t, &Binary{Op: OpIn, L: lit(2.0), R: list}))
	assert.Equal(t, false, eval(t, &Binary{Op: OpIn, L: lit("z"), R: list}))

	withNull := &ListExpr{Items: []Expr{lit("a"), lit(nil)}}
	assert.Nil(t, eval(t, &Binary{Op: OpIn, L: lit("z"), R: withNull}))
}

func TestFunctions(t *testing.T) {
	s := graph.NewStore()
	tx := s.Begin(graph.ReadWrite)
	defer tx.Rollback()
	a, err := tx.CreateNode([]string{"Artifact", "Java"}, map[string]any{"fqn": "artifact"})
	require.NoError(t, err)
	b, err := tx.CreateNode([]string{"Package"}, nil)
	require.NoError(t, err)
	r, err := tx.CreateRelationship("CONTAINS", a, b, nil)
	require.NoError(t, err)

	env := &Env{Ctx: context.Background(), Reader: tx, Row: Row{"a": a, "r": r}}
	call := func(name string, args ...Expr) any {
		v, err := (&FuncCall{Name: name, Args: args}).Eval(env)
		require.NoError(t, err)
		return v
	}
	va, vr := &Variable{Name: "a"}, &Variable{Name: "r"}

	assert.Equal(t, int64(a), call("id", va))
	assert.Equal(t, []any{"Artifact", "Java"}, call("labels", va))
	assert.Equal(t, "CONTAINS", call("type", vr))
	assert.Equal(t, a, call("startnode", vr))
	assert.Equal(t, b, call("endnode", vr))
	assert.Equal(t, int64(3), call("size", lit("abc")))
	assert.Equal(t, "ABC", call("toupper", lit("abc")))
	assert.Equal(t, "x", call("trim", lit("  x ")))
	assert.Equal(t, []any{"a", "b"}, call("split", lit("a,b"), lit(",")))
	assert.Equal(t, "d", call("coalesce", lit(nil), lit("d")))
	assert.Equal(t, true, call("exists", &Property{Subject: va, Key: "fqn"}))
	assert.Equal(t, false, call("exists", &Property{Subject: va, Key: "missing"}))
	assert.Equal(t, []any{"fqn"}, call("keys", va))

	_, err = (&FuncCall{Name: "nope"}).Eval(env)
	assert.True(t, IsSyntaxError(err))

	_, err = (&FuncCall{Name: "count", Args: []Expr{va}}).Eval(env)
	assert.True(t, IsSyntaxError(err))
}

func TestHasLabels(t *testing.T) {
	s := graph.NewStore()
	tx := s.Begin(graph.ReadWrite)
	defer tx.Rollback()
	id, err := tx.CreateNode([]string{"Type", "Internal"}, nil)
	require.NoError(t, err)

	env := &Env{Reader: tx, Row: Row{"t": id, "none": nil}}
	v, err := (&HasLabels{Subject: &Variable{Name: "t"}, Labels: []string{"Internal"}}).Eval(env)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = (&HasLabels{Subject: &Variable{Name: "none"}, Labels: []string{"Internal"}}).Eval(env)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalPredicate_RejectsNonBoolean(t *testing.T) {
	_, err := EvalPredicate(lit("yes"), &Env{})
	assert.ErrorIs(t, err, ErrType)

	ok, err := EvalPredicate(nil, &Env{})
	require.NoError(t, err)
	assert.True(t, ok)
}
