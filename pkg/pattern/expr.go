package pattern

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

// Env is the evaluation context of an expression.
type Env struct {
	Ctx    context.Context
	Reader graph.Reader
	Row    Row
	Params map[string]any
}

// Expr is a node of the expression tree. Evaluation follows three-valued
// logic: nil is the unknown value and propagates through most operators.
type Expr interface {
	Eval(env *Env) (any, error)
	// walk calls fn for each direct child.
	walk(fn func(Expr))
}

// Walk calls fn for e and every sub-expression of e, depth first.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	e.walk(func(c Expr) { Walk(c, fn) })
}

// Literal is a constant value.
type Literal struct{ Value any }

func (l *Literal) Eval(*Env) (any, error) { return l.Value, nil }
func (l *Literal) walk(func(Expr))        {}

// Param is a $name reference to a statement parameter.
type Param struct{ Name string }

func (p *Param) Eval(env *Env) (any, error) {
	v, ok := env.Params[p.Name]
	if !ok {
		return nil, fmt.Errorf("%w: $%s", ErrMissingParameter, p.Name)
	}
	return normalizeParam(v)
}

// normalizeParam accepts scalars, lists and maps of parameter values.
func normalizeParam(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			n, err := normalizeParam(it)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, it := range x {
			out[i] = it
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			n, err := normalizeParam(it)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case graph.NodeID, graph.RelID:
		return x, nil
	}
	return graph.Normalize(v)
}

func (p *Param) walk(func(Expr)) {}

// Variable references a binding of the current row.
type Variable struct {
	Name string
	Pos  int
}

func (v *Variable) Eval(env *Env) (any, error) {
	val, ok := env.Row[v.Name]
	if !ok {
		return nil, Errorf(v.Pos, "variable %q not defined", v.Name)
	}
	return val, nil
}

func (v *Variable) walk(func(Expr)) {}

// Property reads Key from a node, relationship or map.
type Property struct {
	Subject Expr
	Key     string
}

func (p *Property) Eval(env *Env) (any, error) {
	s, err := p.Subject.Eval(env)
	if err != nil {
		return nil, err
	}
	return propertyOf(env.Reader, s, p.Key)
}

func (p *Property) walk(fn func(Expr)) { fn(p.Subject) }

func propertyOf(r graph.Reader, subject any, key string) (any, error) {
	switch s := subject.(type) {
	case nil:
		return nil, nil
	case graph.NodeID:
		n, err := r.Node(s)
		if err != nil {
			return nil, err
		}
		return n.Properties[key], nil
	case graph.RelID:
		rel, err := r.Relationship(s)
		if err != nil {
			return nil, err
		}
		return rel.Properties[key], nil
	case map[string]any:
		return s[key], nil
	}
	return nil, fmt.Errorf("%w: cannot read property %q of %T", ErrType, key, subject)
}

// HasLabels tests a node for labels, as in `WHERE n:Internal`.
type HasLabels struct {
	Subject Expr
	Labels  []string
}

func (h *HasLabels) Eval(env *Env) (any, error) {
	s, err := h.Subject.Eval(env)
	if err != nil || s == nil {
		return nil, err
	}
	id, ok := s.(graph.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: label test on %T", ErrType, s)
	}
	n, err := env.Reader.Node(id)
	if err != nil {
		return nil, err
	}
	return n.HasLabels(h.Labels), nil
}

func (h *HasLabels) walk(fn func(Expr)) { fn(h.Subject) }

// ListExpr builds a list.
type ListExpr struct{ Items []Expr }

func (l *ListExpr) Eval(env *Env) (any, error) {
	out := make([]any, 0, len(l.Items))
	for _, it := range l.Items {
		v, err := it.Eval(env)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (l *ListExpr) walk(fn func(Expr)) {
	for _, it := range l.Items {
		fn(it)
	}
}

// MapExpr builds a map. Keys keep their source order.
type MapExpr struct{ Entries []Prop }

func (m *MapExpr) Eval(env *Env) (any, error) {
	out := make(map[string]any, len(m.Entries))
	for _, e := range m.Entries {
		v, err := e.Value.Eval(env)
		if err != nil {
			return nil, err
		}
		out[e.Key] = v
	}
	return out, nil
}

func (m *MapExpr) walk(fn func(Expr)) {
	for _, e := range m.Entries {
		fn(e.Value)
	}
}

// Op is a binary operator.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpRegex
	OpStartsWith
	OpEndsWith
	OpContains
	OpIn
	OpAnd
	OpOr
	OpXor
)

var opNames = [...]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%",
	OpEq: "=", OpNe: "<>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpRegex: "=~", OpStartsWith: "STARTS WITH", OpEndsWith: "ENDS WITH",
	OpContains: "CONTAINS", OpIn: "IN", OpAnd: "AND", OpOr: "OR", OpXor: "XOR",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Binary applies Op to two operands.
type Binary struct {
	Op   Op
	L, R Expr
}

func (b *Binary) walk(fn func(Expr)) {
	fn(b.L)
	fn(b.R)
}

func (b *Binary) Eval(env *Env) (any, error) {
	l, err := b.L.Eval(env)
	if err != nil {
		return nil, err
	}

	// short-circuit where the left operand decides
	switch b.Op {
	case OpAnd:
		if l == false {
			return false, nil
		}
	case OpOr:
		if l == true {
			return true, nil
		}
	}

	r, err := b.R.Eval(env)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case OpAnd, OpOr, OpXor:
		return logic(b.Op, l, r)
	case OpEq:
		if l == nil || r == nil {
			return nil, nil
		}
		return equalValues(l, r), nil
	case OpNe:
		if l == nil || r == nil {
			return nil, nil
		}
		return !equalValues(l, r), nil
	case OpLt, OpLe, OpGt, OpGe:
		c, ok := graph.Compare(l, r)
		if !ok {
			return nil, nil
		}
		switch b.Op {
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		}
		return c >= 0, nil
	case OpRegex:
		s, ok1 := l.(string)
		p, ok2 := r.(string)
		if !ok1 || !ok2 {
			return nil, nil
		}
		re, err := compileRegex(p)
		if err != nil {
			return nil, err
		}
		return re.MatchString(s), nil
	case OpStartsWith, OpEndsWith, OpContains:
		s, ok1 := l.(string)
		sub, ok2 := r.(string)
		if !ok1 || !ok2 {
			return nil, nil
		}
		switch b.Op {
		case OpStartsWith:
			return strings.HasPrefix(s, sub), nil
		case OpEndsWith:
			return strings.HasSuffix(s, sub), nil
		}
		return strings.Contains(s, sub), nil
	case OpIn:
		return in(l, r)
	}
	return arithmetic(b.Op, l, r)
}

func logic(op Op, l, r any) (any, error) {
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if (l != nil && !lok) || (r != nil && !rok) {
		return nil, fmt.Errorf("%w: %s expects booleans, got %T and %T", ErrType, op, l, r)
	}
	switch op {
	case OpAnd:
		if (lok && !lb) || (rok && !rb) {
			return false, nil
		}
		if lok && rok {
			return true, nil
		}
	case OpOr:
		if (lok && lb) || (rok && rb) {
			return true, nil
		}
		if lok && rok {
			return false, nil
		}
	case OpXor:
		if lok && rok {
			return lb != rb, nil
		}
	}
	return nil, nil
}

func in(l, r any) (any, error) {
	if r == nil {
		return nil, nil
	}
	list, ok := r.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: IN expects a list, got %T", ErrType, r)
	}
	if l == nil {
		return nil, nil
	}
	sawNull := false
	for _, item := range list {
		if item == nil {
			sawNull = true
			continue
		}
		if equalValues(l, item) {
			return true, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return false, nil
}

func arithmetic(op Op, l, r any) (any, error) {
	if l == nil || r == nil {
		return nil, nil
	}
	if op == OpAdd {
		if ll, ok := l.([]any); ok {
			if rl, ok := r.([]any); ok {
				return append(append([]any{}, ll...), rl...), nil
			}
			return append(append([]any{}, ll...), r), nil
		}
		ls, lok := l.(string)
		rs, rok := r.(string)
		if lok || rok {
			if !lok {
				ls = ToString(l)
			}
			if !rok {
				rs = ToString(r)
			}
			return ls + rs, nil
		}
	}

	li, lint := l.(int64)
	ri, rint := r.(int64)
	if lint && rint {
		switch op {
		case OpAdd:
			return li + ri, nil
		case OpSub:
			return li - ri, nil
		case OpMul:
			return li * ri, nil
		case OpDiv, OpMod:
			if ri == 0 {
				return nil, fmt.Errorf("%w: division by zero", ErrType)
			}
			if op == OpDiv {
				return li / ri, nil
			}
			return li % ri, nil
		}
	}

	lf, lok := number(l)
	rf, rok := number(r)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: %s on %T and %T", ErrType, op, l, r)
	}
	switch op {
	case OpAdd:
		return lf + rf, nil
	case OpSub:
		return lf - rf, nil
	case OpMul:
		return lf * rf, nil
	case OpDiv:
		return lf / rf, nil
	case OpMod:
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("%w: unsupported operator %s", ErrType, op)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Not negates a boolean; NOT null is null.
type Not struct{ X Expr }

func (n *Not) Eval(env *Env) (any, error) {
	v, err := n.X.Eval(env)
	if err != nil || v == nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: NOT expects a boolean, got %T", ErrType, v)
	}
	return !b, nil
}

func (n *Not) walk(fn func(Expr)) { fn(n.X) }

// Negate is unary minus.
type Negate struct{ X Expr }

func (n *Negate) Eval(env *Env) (any, error) {
	v, err := n.X.Eval(env)
	if err != nil || v == nil {
		return nil, err
	}
	switch x := v.(type) {
	case int64:
		return -x, nil
	case float64:
		return -x, nil
	}
	return nil, fmt.Errorf("%w: cannot negate %T", ErrType, v)
}

func (n *Negate) walk(fn func(Expr)) { fn(n.X) }

// IsNull implements `x IS NULL` and `x IS NOT NULL`.
type IsNull struct {
	X      Expr
	Negate bool
}

func (i *IsNull) Eval(env *Env) (any, error) {
	v, err := i.X.Eval(env)
	if err != nil {
		return nil, err
	}
	return (v == nil) != i.Negate, nil
}

func (i *IsNull) walk(fn func(Expr)) { fn(i.X) }

// PatternPredicate is true when Pattern has at least one match extending
// the current row. It backs bare pattern predicates in WHERE and
// EXISTS { MATCH ... WHERE ... } subqueries.
type PatternPredicate struct {
	Pattern Pattern
	Where   Expr
}

func (p *PatternPredicate) Eval(env *Env) (any, error) {
	for _, err := range Match(env.Ctx, env.Reader, p.Pattern, p.Where, env.Row, env.Params) {
		if err != nil {
			return nil, err
		}
		return true, nil
	}
	return false, nil
}

func (p *PatternPredicate) walk(fn func(Expr)) {
	for _, path := range p.Pattern.Paths {
		walkPath(path, fn)
	}
	fn(p.Where)
}

func walkPath(path Path, fn func(Expr)) {
	for _, n := range path.Nodes {
		for _, pr := range n.Props {
			fn(pr.Value)
		}
	}
	for _, r := range path.Rels {
		for _, pr := range r.Props {
			fn(pr.Value)
		}
	}
}

// Truthy reports whether a predicate result admits a row. Only true does;
// false and null both reject.
func Truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// EvalPredicate evaluates a WHERE expression. A nil expression admits
// every row.
func EvalPredicate(e Expr, env *Env) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := e.Eval(env)
	if err != nil {
		return false, err
	}
	if v != nil {
		if _, ok := v.(bool); !ok {
			return false, fmt.Errorf("%w: predicate evaluated to %T", ErrType, v)
		}
	}
	return Truthy(v), nil
}

func equalValues(a, b any) bool {
	switch x := a.(type) {
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalValues(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !equalValues(v, w) {
				return false
			}
		}
		return true
	}
	if _, ok := b.([]any); ok {
		return false
	}
	if _, ok := b.(map[string]any); ok {
		return false
	}
	return graph.Equal(a, b)
}

// EqualValues compares two evaluated values, including lists and maps.
func EqualValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return equalValues(a, b)
}

var regexCache, _ = lru.New[string, *regexp.Regexp](512)

// compileRegex compiles p anchored at both ends; =~ is a full match.
func compileRegex(p string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(p); ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + p + `)$`)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid regular expression %q: %v", ErrType, p, err)
	}
	regexCache.Add(p, re)
	return re, nil
}
