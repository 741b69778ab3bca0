package cypher

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

// projected pairs an output row with the row ORDER BY is evaluated
// against: the incoming bindings overlaid with the projected names.
type projected struct {
	out  pattern.Row
	sort pattern.Row
}

func project(ctx context.Context, r graph.Reader, proj *Projection, rows []pattern.Row, params map[string]any) ([]pattern.Row, error) {
	env := &pattern.Env{Ctx: ctx, Reader: r, Params: params}

	var (
		res []projected
		err error
	)
	if len(proj.aggregates) == 0 {
		res, err = projectRows(env, proj, rows)
	} else {
		res, err = aggregate(env, proj, rows)
	}
	if err != nil {
		return nil, err
	}

	if proj.Distinct {
		seen := make(map[string]bool, len(res))
		kept := res[:0]
		for _, p := range res {
			k := rowKey(p.out)
			if seen[k] {
				continue
			}
			seen[k] = true
			kept = append(kept, p)
		}
		res = kept
	}

	if len(proj.OrderBy) > 0 {
		if res, err = sortRows(env, proj.OrderBy, res); err != nil {
			return nil, err
		}
	}

	skip, err := count(env, proj.Skip, "SKIP")
	if err != nil {
		return nil, err
	}
	limit, err := count(env, proj.Limit, "LIMIT")
	if err != nil {
		return nil, err
	}
	if skip > 0 {
		res = res[min(skip, len(res)):]
	}
	if proj.Limit != nil && limit < len(res) {
		res = res[:limit]
	}

	out := make([]pattern.Row, len(res))
	for i, p := range res {
		out[i] = p.out
	}
	return out, nil
}

func projectRows(env *pattern.Env, proj *Projection, rows []pattern.Row) ([]projected, error) {
	res := make([]projected, 0, len(rows))
	for _, row := range rows {
		env.Row = row
		out := pattern.Row{}
		if proj.Star {
			out = row.Clone()
		}
		for _, it := range proj.Items {
			v, err := it.Expr.Eval(env)
			if err != nil {
				return nil, err
			}
			out[it.Alias] = v
		}
		res = append(res, projected{out: out, sort: overlay(row, out)})
	}
	return res, nil
}

type group struct {
	first pattern.Row
	accs  []*accumulator
}

type accumulator struct {
	count int64
	items []any
	seen  map[string]bool
}

// aggregate groups rows by the values of the non-aggregate items and
// evaluates every item once per group.
func aggregate(env *pattern.Env, proj *Projection, rows []pattern.Row) ([]projected, error) {
	var keys []Item
	for _, it := range proj.Items {
		if firstAggregate(it.Expr) == nil {
			keys = append(keys, it)
		}
	}

	var order []string
	groups := make(map[string]*group)
	newGroup := func(first pattern.Row) *group {
		g := &group{first: first, accs: make([]*accumulator, len(proj.aggregates))}
		for i := range g.accs {
			g.accs[i] = &accumulator{}
		}
		return g
	}

	for _, row := range rows {
		env.Row = row
		var k string
		for _, it := range keys {
			v, err := it.Expr.Eval(env)
			if err != nil {
				return nil, err
			}
			k += valueKey(v) + "\x00"
		}
		g, ok := groups[k]
		if !ok {
			g = newGroup(row)
			groups[k] = g
			order = append(order, k)
		}
		for i, f := range proj.aggregates {
			if err := g.accs[i].add(env, f); err != nil {
				return nil, err
			}
		}
	}

	// aggregating without grouping keys always yields one row
	if len(rows) == 0 && len(keys) == 0 {
		groups[""] = newGroup(pattern.Row{})
		order = append(order, "")
	}

	res := make([]projected, 0, len(order))
	for _, k := range order {
		g := groups[k]
		row := g.first.Clone()
		for i, f := range proj.aggregates {
			row[f.Slot] = g.accs[i].result(f)
		}
		env.Row = row
		out := pattern.Row{}
		for _, it := range proj.Items {
			v, err := it.Expr.Eval(env)
			if err != nil {
				return nil, err
			}
			out[it.Alias] = v
		}
		res = append(res, projected{out: out, sort: overlay(row, out)})
	}
	return res, nil
}

func (a *accumulator) add(env *pattern.Env, f *pattern.FuncCall) error {
	if f.Star {
		a.count++
		return nil
	}
	v, err := f.Args[0].Eval(env)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if f.Distinct {
		if a.seen == nil {
			a.seen = make(map[string]bool)
		}
		k := valueKey(v)
		if a.seen[k] {
			return nil
		}
		a.seen[k] = true
	}
	a.count++
	if f.Name == "collect" {
		a.items = append(a.items, v)
	}
	return nil
}

func (a *accumulator) result(f *pattern.FuncCall) any {
	if f.Name == "collect" {
		if a.items == nil {
			return []any{}
		}
		return a.items
	}
	return a.count
}

func overlay(base, top pattern.Row) pattern.Row {
	out := base.Clone()
	for k, v := range top {
		out[k] = v
	}
	return out
}

func rowKey(row pattern.Row) string {
	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	slices.Sort(names)
	var k string
	for _, n := range names {
		k += n + "=" + valueKey(row[n]) + "\x00"
	}
	return k
}

func sortRows(env *pattern.Env, by []SortItem, res []projected) ([]projected, error) {
	type keyed struct {
		p    projected
		keys []any
	}
	ks := make([]keyed, len(res))
	for i, p := range res {
		env.Row = p.sort
		ks[i].p = p
		ks[i].keys = make([]any, len(by))
		for j, s := range by {
			v, err := s.Expr.Eval(env)
			if err != nil {
				return nil, err
			}
			ks[i].keys[j] = v
		}
	}
	slices.SortStableFunc(ks, func(a, b keyed) int {
		for j, s := range by {
			c := compareValues(a.keys[j], b.keys[j])
			if s.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
	out := make([]projected, len(ks))
	for i, k := range ks {
		out[i] = k.p
	}
	return out, nil
}

// compareValues orders values of any kind. Null sorts after everything in
// ascending order; values of different kinds are ordered by kind.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case graph.NodeID:
		return cmp.Compare(x, b.(graph.NodeID))
	case graph.RelID:
		return cmp.Compare(x, b.(graph.RelID))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	case nil:
		return 0
	}
	if c, ok := graph.Compare(a, b); ok {
		return c
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func rank(v any) int {
	switch v.(type) {
	case map[string]any:
		return 0
	case graph.NodeID:
		return 1
	case graph.RelID:
		return 2
	case []any:
		return 3
	case string:
		return 4
	case bool:
		return 5
	case int64, float64:
		return 6
	case nil:
		return 8
	}
	return 7
}

func count(env *pattern.Env, e pattern.Expr, clause string) (int, error) {
	if e == nil {
		return 0, nil
	}
	env.Row = pattern.Row{}
	v, err := e.Eval(env)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, fmt.Errorf("%w: %s expects a non-negative integer, got %v", pattern.ErrType, clause, v)
	}
	return int(n), nil
}
