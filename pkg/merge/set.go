package merge

import (
	"context"
	"fmt"

	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

// SetKind selects what a SetItem changes.
type SetKind int

const (
	SetProperty SetKind = iota // n.key = expr
	SetLabels                  // n:Label
	SetMergeMap                // n += {map}
	SetReplaceMap              // n = {map}
)

// SetItem is one assignment of a SET, ON CREATE SET or ON MATCH SET clause.
type SetItem struct {
	Kind   SetKind
	Var    string
	Key    string
	Value  pattern.Expr
	Labels []string
}

// Apply performs items against the elements bound in row. Assignments to a
// null binding are ignored.
func Apply(ctx context.Context, w graph.Writer, items []SetItem, row pattern.Row, params map[string]any) (Stats, error) {
	var st Stats
	if len(items) == 0 {
		return st, nil
	}
	env := &pattern.Env{Ctx: ctx, Reader: w, Row: row, Params: params}
	for _, it := range items {
		target, ok := row[it.Var]
		if !ok {
			return st, pattern.Errorf(-1, "variable %q not defined", it.Var)
		}
		if target == nil {
			continue
		}
		s, err := applyItem(env, w, it, target)
		if err != nil {
			return st, err
		}
		st.Add(s)
	}
	return st, nil
}

func applyItem(env *pattern.Env, w graph.Writer, it SetItem, target any) (Stats, error) {
	var st Stats
	if it.Kind == SetLabels {
		id, ok := target.(graph.NodeID)
		if !ok {
			return st, fmt.Errorf("%w: cannot add labels to %T", pattern.ErrType, target)
		}
		n, err := w.AddLabels(id, it.Labels...)
		st.LabelsAdded = n
		return st, err
	}

	v, err := it.Value.Eval(env)
	if err != nil {
		return st, err
	}

	var current graph.Properties
	setter, err := propertySetter(w, target, &current)
	if err != nil {
		return st, err
	}

	switch it.Kind {
	case SetProperty:
		if err := setter(it.Key, v); err != nil {
			return st, err
		}
		st.PropertiesSet++
	case SetMergeMap, SetReplaceMap:
		m, ok := v.(map[string]any)
		if !ok {
			if v == nil && it.Kind == SetMergeMap {
				return st, nil
			}
			return st, fmt.Errorf("%w: SET %s with %T, expected a map", pattern.ErrType, it.Var, v)
		}
		if it.Kind == SetReplaceMap {
			for _, k := range current.Keys() {
				if _, keep := m[k]; keep {
					continue
				}
				if err := setter(k, nil); err != nil {
					return st, err
				}
				st.PropertiesSet++
			}
		}
		for k, val := range m {
			if err := setter(k, val); err != nil {
				return st, err
			}
			st.PropertiesSet++
		}
	default:
		return st, fmt.Errorf("unknown set kind %d", it.Kind)
	}
	return st, nil
}

// propertySetter returns a setter for the node or relationship target and
// stores its current properties in current.
func propertySetter(w graph.Writer, target any, current *graph.Properties) (func(string, any) error, error) {
	switch id := target.(type) {
	case graph.NodeID:
		n, err := w.Node(id)
		if err != nil {
			return nil, err
		}
		*current = n.Properties
		return func(k string, v any) error { return w.SetProperty(id, k, v) }, nil
	case graph.RelID:
		r, err := w.Relationship(id)
		if err != nil {
			return nil, err
		}
		*current = r.Properties
		return func(k string, v any) error { return w.SetRelationshipProperty(id, k, v) }, nil
	}
	return nil, fmt.Errorf("%w: cannot set properties on %T", pattern.ErrType, target)
}
