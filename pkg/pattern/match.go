package pattern

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

// Match finds every binding of p that extends seed and satisfies where.
// Rows are produced lazily in a deterministic order: start candidates by
// ascending id, relationships in adjacency order. Within one match a
// relationship is bound at most once.
//
// Variables already present in seed are fixed; a seed binding of nil (from
// an OPTIONAL MATCH that found nothing) never matches.
func Match(ctx context.Context, r graph.Reader, p Pattern, where Expr, seed Row, params map[string]any) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if ctx == nil {
			ctx = context.Background()
		}
		m := &matcher{
			env: &Env{
				Ctx:    ctx,
				Reader: r,
				Row:    seed.Clone(),
				Params: params,
			},
			where: where,
			used:  make(map[graph.RelID]bool),
			yield: yield,
		}
		bound := make(map[string]bool, len(seed))
		for name := range seed {
			bound[name] = true
		}
		m.paths = make([]Path, len(p.Paths))
		for i, path := range p.Paths {
			m.paths[i] = orient(path, bound)
			for _, v := range (Pattern{Paths: []Path{path}}).Vars() {
				bound[v] = true
			}
		}
		m.matchPath(0)
	}
}

type matcher struct {
	env   *Env
	paths []Path
	where Expr
	used  map[graph.RelID]bool
	yield func(Row, error) bool

	stopped bool
	visited int
}

// fail reports err to the consumer and stops the search.
func (m *matcher) fail(err error) bool {
	if !m.stopped {
		m.stopped = true
		m.yield(nil, err)
	}
	return false
}

// orient walks a path from a bound end when its start is unbound, so the
// search expands from known nodes instead of scanning candidates.
func orient(p Path, bound map[string]bool) Path {
	if len(p.Rels) == 0 {
		return p
	}
	first, last := p.Nodes[0], p.Nodes[len(p.Nodes)-1]
	if first.Var != "" && bound[first.Var] {
		return p
	}
	if (last.Var != "" && bound[last.Var]) || (len(first.Labels) == 0 && len(last.Labels) > 0) {
		return p.Reversed()
	}
	return p
}

// matchPath binds path i and everything after it. It returns false once
// the consumer stopped or an error was reported.
func (m *matcher) matchPath(i int) bool {
	if i == len(m.paths) {
		return m.emit()
	}
	path := m.paths[i]
	start := path.Nodes[0]

	candidates, err := m.startCandidates(start)
	if err != nil {
		return m.fail(err)
	}
	for _, id := range candidates {
		if m.visited++; m.visited%256 == 0 {
			if err := m.env.Ctx.Err(); err != nil {
				return m.fail(err)
			}
		}
		ok, err := m.nodeMatches(start, id)
		if err != nil {
			return m.fail(err)
		}
		if !ok {
			continue
		}
		undo := m.bind(start.Var, id)
		cont := m.expand(i, 0, id)
		undo()
		if !cont {
			return false
		}
	}
	return true
}

func (m *matcher) startCandidates(n NodePattern) ([]graph.NodeID, error) {
	if n.Var != "" {
		if v, ok := m.env.Row[n.Var]; ok {
			switch id := v.(type) {
			case nil:
				return nil, nil
			case graph.NodeID:
				return []graph.NodeID{id}, nil
			default:
				return nil, Errorf(-1, "variable %q is bound to %T, not a node", n.Var, v)
			}
		}
	}
	if len(n.Labels) == 0 {
		return m.env.Reader.NodeIDs(), nil
	}
	best := m.env.Reader.NodesByLabel(n.Labels[0])
	for _, l := range n.Labels[1:] {
		if ids := m.env.Reader.NodesByLabel(l); len(ids) < len(best) {
			best = ids
		}
	}
	return best, nil
}

// expand binds relationship j of path i, leaving from node from.
func (m *matcher) expand(i, j int, from graph.NodeID) bool {
	path := m.paths[i]
	if j == len(path.Rels) {
		return m.matchPath(i + 1)
	}
	rp := path.Rels[j]
	next := path.Nodes[j+1]

	var fixedRel *graph.RelID
	if rp.Var != "" {
		if v, ok := m.env.Row[rp.Var]; ok {
			id, isRel := v.(graph.RelID)
			if !isRel {
				if v == nil {
					return true
				}
				return m.fail(Errorf(-1, "variable %q is bound to %T, not a relationship", rp.Var, v))
			}
			fixedRel = &id
		}
	}

	for _, step := range m.neighbors(from, rp.Direction) {
		if fixedRel != nil && step.rel != *fixedRel {
			continue
		}
		if m.used[step.rel] {
			continue
		}
		rel, err := m.env.Reader.Relationship(step.rel)
		if err != nil {
			return m.fail(err)
		}
		if len(rp.Types) > 0 && !slices.Contains(rp.Types, rel.Type) {
			continue
		}
		ok, err := m.propsMatch(rp.Props, rel.Properties)
		if err != nil {
			return m.fail(err)
		}
		if !ok {
			continue
		}
		if next.Var != "" {
			if v, bound := m.env.Row[next.Var]; bound {
				if id, isNode := v.(graph.NodeID); !isNode || id != step.node {
					continue
				}
			}
		}
		ok, err = m.nodeMatches(next, step.node)
		if err != nil {
			return m.fail(err)
		}
		if !ok {
			continue
		}

		m.used[step.rel] = true
		undoRel := m.bind(rp.Var, step.rel)
		undoNode := m.bind(next.Var, step.node)
		cont := m.expand(i, j+1, step.node)
		undoNode()
		undoRel()
		delete(m.used, step.rel)
		if !cont {
			return false
		}
	}
	return true
}

type step struct {
	rel  graph.RelID
	node graph.NodeID
}

// neighbors lists the relationships leaving from in direction d together with
// the node on their far side.
func (m *matcher) neighbors(from graph.NodeID, d Direction) []step {
	var out []step
	if d == Outgoing || d == Both {
		for _, id := range m.env.Reader.Outgoing(from) {
			rel, err := m.env.Reader.Relationship(id)
			if err != nil {
				continue
			}
			out = append(out, step{rel: id, node: rel.End})
		}
	}
	if d == Incoming || d == Both {
		for _, id := range m.env.Reader.Incoming(from) {
			rel, err := m.env.Reader.Relationship(id)
			if err != nil {
				continue
			}
			// a self-loop was already listed as outgoing
			if d == Both && rel.Start == rel.End {
				continue
			}
			out = append(out, step{rel: id, node: rel.Start})
		}
	}
	return out
}

func (m *matcher) nodeMatches(np NodePattern, id graph.NodeID) (bool, error) {
	n, err := m.env.Reader.Node(id)
	if err != nil {
		return false, err
	}
	if !n.HasLabels(np.Labels) {
		return false, nil
	}
	return m.propsMatch(np.Props, n.Properties)
}

func (m *matcher) propsMatch(props []Prop, have graph.Properties) (bool, error) {
	for _, p := range props {
		want, err := p.Value.Eval(m.env)
		if err != nil {
			return false, fmt.Errorf("property %q: %w", p.Key, err)
		}
		got, ok := have[p.Key]
		if !ok || want == nil || !graph.Equal(got, want) {
			return false, nil
		}
	}
	return true, nil
}

// bind sets name to v unless name is anonymous or already bound, and
// returns a function restoring the previous state.
func (m *matcher) bind(name string, v any) func() {
	if name == "" {
		return func() {}
	}
	if _, ok := m.env.Row[name]; ok {
		return func() {}
	}
	m.env.Row[name] = v
	return func() { delete(m.env.Row, name) }
}

func (m *matcher) emit() bool {
	ok, err := EvalPredicate(m.where, m.env)
	if err != nil {
		return m.fail(err)
	}
	if !ok {
		return true
	}
	if !m.yield(m.env.Row.Clone(), nil) {
		m.stopped = true
		return false
	}
	return true
}
