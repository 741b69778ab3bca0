package pattern

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

// FuncCall invokes a built-in function. Aggregates (count, collect) are
// computed by the projection that owns them and read back from Slot.
type FuncCall struct {
	Name     string // lower-cased
	Args     []Expr
	Distinct bool
	Star     bool   // count(*)
	Slot     string // row key holding the aggregate result
	Pos      int
}

// IsAggregate reports whether the call aggregates over rows.
func (f *FuncCall) IsAggregate() bool {
	return IsAggregateFunc(f.Name)
}

// IsAggregateFunc reports whether name is an aggregate function.
func IsAggregateFunc(name string) bool {
	switch name {
	case "count", "collect":
		return true
	}
	return false
}

func (f *FuncCall) walk(fn func(Expr)) {
	for _, a := range f.Args {
		fn(a)
	}
}

func (f *FuncCall) Eval(env *Env) (any, error) {
	if f.IsAggregate() {
		v, ok := env.Row[f.Slot]
		if !ok || f.Slot == "" {
			return nil, Errorf(f.Pos, "aggregate %s() is only allowed in WITH or RETURN", f.Name)
		}
		return v, nil
	}
	impl, ok := functions[f.Name]
	if !ok {
		return nil, Errorf(f.Pos, "unknown function %s()", f.Name)
	}

	// exists(n.prop) and exists((a)-->(b)) only need the raw argument
	if f.Name == "exists" {
		if len(f.Args) != 1 {
			return nil, Errorf(f.Pos, "exists() takes 1 argument")
		}
		v, err := f.Args[0].Eval(env)
		if err != nil {
			return nil, err
		}
		if b, ok := v.(bool); ok {
			if _, isPattern := f.Args[0].(*PatternPredicate); isPattern {
				return b, nil
			}
		}
		return v != nil, nil
	}

	args := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := a.Eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	if impl.arity >= 0 && len(args) != impl.arity {
		return nil, Errorf(f.Pos, "%s() takes %d argument(s), got %d", f.Name, impl.arity, len(args))
	}
	return impl.fn(env, args)
}

type function struct {
	arity int // -1 for variadic
	fn    func(env *Env, args []any) (any, error)
}

var functions = map[string]function{
	"exists":    {arity: 1},
	"id":        {1, fnID},
	"labels":    {1, fnLabels},
	"type":      {1, fnType},
	"size":      {1, fnSize},
	"keys":      {1, fnKeys},
	"tolower":   {1, stringFn(strings.ToLower)},
	"toupper":   {1, stringFn(strings.ToUpper)},
	"trim":      {1, stringFn(strings.TrimSpace)},
	"tostring":  {1, fnToString},
	"replace":   {3, fnReplace},
	"split":     {2, fnSplit},
	"startnode": {1, fnStartNode},
	"endnode":   {1, fnEndNode},
	"coalesce":  {-1, fnCoalesce},
}

func fnID(_ *Env, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case graph.NodeID:
		return int64(x), nil
	case graph.RelID:
		return int64(x), nil
	}
	return nil, fmt.Errorf("%w: id() of %T", ErrType, args[0])
}

func fnLabels(env *Env, args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	id, ok := args[0].(graph.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: labels() of %T", ErrType, args[0])
	}
	n, err := env.Reader.Node(id)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(n.Labels))
	for i, l := range n.Labels {
		out[i] = l
	}
	return out, nil
}

func fnType(env *Env, args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	id, ok := args[0].(graph.RelID)
	if !ok {
		return nil, fmt.Errorf("%w: type() of %T", ErrType, args[0])
	}
	r, err := env.Reader.Relationship(id)
	if err != nil {
		return nil, err
	}
	return r.Type, nil
}

func fnSize(_ *Env, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return int64(len([]rune(x))), nil
	case []any:
		return int64(len(x)), nil
	}
	return nil, fmt.Errorf("%w: size() of %T", ErrType, args[0])
}

func fnKeys(env *Env, args []any) (any, error) {
	var keys []string
	switch x := args[0].(type) {
	case nil:
		return nil, nil
	case graph.NodeID:
		n, err := env.Reader.Node(x)
		if err != nil {
			return nil, err
		}
		keys = n.Properties.Keys()
	case graph.RelID:
		r, err := env.Reader.Relationship(x)
		if err != nil {
			return nil, err
		}
		keys = r.Properties.Keys()
	case map[string]any:
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
	default:
		return nil, fmt.Errorf("%w: keys() of %T", ErrType, args[0])
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func stringFn(f func(string) string) func(*Env, []any) (any, error) {
	return func(_ *Env, args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string, got %T", ErrType, args[0])
		}
		return f(s), nil
	}
}

func fnReplace(_ *Env, args []any) (any, error) {
	if slices.Contains(args, nil) {
		return nil, nil
	}
	s, ok1 := args[0].(string)
	search, ok2 := args[1].(string)
	repl, ok3 := args[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: replace() expects strings", ErrType)
	}
	return strings.ReplaceAll(s, search, repl), nil
}

func fnSplit(_ *Env, args []any) (any, error) {
	if slices.Contains(args, nil) {
		return nil, nil
	}
	s, ok1 := args[0].(string)
	sep, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: split() expects strings", ErrType)
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func fnCoalesce(_ *Env, args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func fnToString(_ *Env, args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	return ToString(args[0]), nil
}

func fnStartNode(env *Env, args []any) (any, error) { return endpoint(env, args[0], true) }
func fnEndNode(env *Env, args []any) (any, error)   { return endpoint(env, args[0], false) }

func endpoint(env *Env, v any, start bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	id, ok := v.(graph.RelID)
	if !ok {
		return nil, fmt.Errorf("%w: expected relationship, got %T", ErrType, v)
	}
	r, err := env.Reader.Relationship(id)
	if err != nil {
		return nil, err
	}
	if start {
		return r.Start, nil
	}
	return r.End, nil
}

// ToString renders a scalar the way string concatenation does.
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
