// Package merge implements idempotent create-if-absent writes of nodes and
// relationships, and the property/label mutations that accompany them.
package merge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

// Template is the path a MERGE clause ensures exists. Inline properties are
// the identifying key: an existing element matches when it carries the
// template's labels or type and equal values for every inline property.
// Other properties are never consulted.
type Template struct {
	Path pattern.Path
}

// Vars returns the variables the template binds.
func (t Template) Vars() []string {
	return pattern.Pattern{Paths: []pattern.Path{t.Path}}.Vars()
}

// Stats counts the writes performed by a statement.
type Stats struct {
	NodesCreated         int `json:"nodes_created"`
	RelationshipsCreated int `json:"relationships_created"`
	PropertiesSet        int `json:"properties_set"`
	LabelsAdded          int `json:"labels_added"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.NodesCreated += o.NodesCreated
	s.RelationshipsCreated += o.RelationshipsCreated
	s.PropertiesSet += o.PropertiesSet
	s.LabelsAdded += o.LabelsAdded
}

// ContainsUpdates reports whether any write happened.
func (s Stats) ContainsUpdates() bool {
	return s != Stats{}
}

// Outcome is the result of merging a template for one input row.
type Outcome struct {
	// Rows extend the input row with the template's variables: one per
	// existing match, or exactly one when the path was created.
	Rows    []pattern.Row
	Created bool
	Stats   Stats
}

// Executor performs merges against a transaction.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an Executor. A nil logger uses slog.Default.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Merge ensures t exists for row. Existing matches are returned unchanged;
// otherwise every unbound element of the path is created. onCreate and
// onMatch are applied to the resulting rows accordingly.
func (e *Executor) Merge(ctx context.Context, w graph.Writer, t Template, row pattern.Row, params map[string]any, onCreate, onMatch []SetItem) (Outcome, error) {
	if len(t.Path.Nodes) == 0 || len(t.Path.Rels) != len(t.Path.Nodes)-1 {
		return Outcome{}, pattern.Errorf(-1, "malformed merge template")
	}
	env := &pattern.Env{Ctx: ctx, Reader: w, Row: row, Params: params}
	if err := checkBound(env, t.Path); err != nil {
		return Outcome{}, err
	}
	if err := checkKeys(env, t.Path); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	for m, err := range pattern.Match(ctx, w, pattern.Pattern{Paths: []pattern.Path{t.Path}}, nil, row, params) {
		if err != nil {
			return Outcome{}, err
		}
		out.Rows = append(out.Rows, m)
	}

	if len(out.Rows) > 0 {
		for _, r := range out.Rows {
			st, err := Apply(ctx, w, onMatch, r, params)
			if err != nil {
				return Outcome{}, err
			}
			out.Stats.Add(st)
		}
		return out, nil
	}

	created, st, err := create(env, w, t.Path)
	if err != nil {
		return Outcome{}, err
	}
	out.Rows = []pattern.Row{created}
	out.Created = true
	out.Stats = st

	st, err = Apply(ctx, w, onCreate, created, params)
	if err != nil {
		return Outcome{}, err
	}
	out.Stats.Add(st)

	e.logger.Debug("merge_created", "nodes", out.Stats.NodesCreated, "relationships", out.Stats.RelationshipsCreated)
	return out, nil
}

// Create writes every unbound element of p for row, as a CREATE clause
// does, and returns the extended row.
func (e *Executor) Create(ctx context.Context, w graph.Writer, p pattern.Pattern, row pattern.Row, params map[string]any) (pattern.Row, Stats, error) {
	env := &pattern.Env{Ctx: ctx, Reader: w, Row: row, Params: params}
	var total Stats
	for _, path := range p.Paths {
		created, st, err := create(env, w, path)
		if err != nil {
			return nil, Stats{}, err
		}
		env.Row = created
		total.Add(st)
	}
	return env.Row.Clone(), total, nil
}

// checkBound rejects templates whose bound nodes cannot satisfy the
// template's labels or key properties, and bound variables of the wrong kind.
func checkBound(env *pattern.Env, p pattern.Path) error {
	for _, np := range p.Nodes {
		if np.Var == "" {
			continue
		}
		v, ok := env.Row[np.Var]
		if !ok {
			continue
		}
		id, isNode := v.(graph.NodeID)
		if !isNode {
			if v == nil {
				return &ConflictError{Var: np.Var, Reason: "is null"}
			}
			return &ConflictError{Var: np.Var, Reason: fmt.Sprintf("is bound to %T, not a node", v)}
		}
		n, err := env.Reader.Node(id)
		if err != nil {
			return err
		}
		var missing []string
		for _, l := range np.Labels {
			if !n.HasLabel(l) {
				missing = append(missing, l)
			}
		}
		if len(missing) > 0 {
			return &ConflictError{Var: np.Var, Missing: missing}
		}
		for _, pr := range np.Props {
			want, err := pr.Value.Eval(env)
			if err != nil {
				return err
			}
			if !graph.Equal(n.Properties[pr.Key], want) {
				return &ConflictError{Var: np.Var, Reason: fmt.Sprintf("does not have %s = %v", pr.Key, want)}
			}
		}
	}
	for _, rp := range p.Rels {
		if len(rp.Types) != 1 {
			return pattern.Errorf(-1, "merged relationship needs exactly one type")
		}
		if rp.Var == "" {
			continue
		}
		if _, ok := env.Row[rp.Var]; ok {
			return pattern.Errorf(-1, "variable %q already declared, cannot merge it", rp.Var)
		}
	}
	return nil
}

// checkKeys evaluates every key property once so null keys are rejected
// before anything is matched or written.
func checkKeys(env *pattern.Env, p pattern.Path) error {
	check := func(props []pattern.Prop) error {
		for _, pr := range props {
			v, err := pr.Value.Eval(env)
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("%w: %s", ErrNullProperty, pr.Key)
			}
		}
		return nil
	}
	for _, np := range p.Nodes {
		if err := check(np.Props); err != nil {
			return err
		}
	}
	for _, rp := range p.Rels {
		if err := check(rp.Props); err != nil {
			return err
		}
	}
	return nil
}

// create writes every unbound element of p and returns the extended row.
func create(env *pattern.Env, w graph.Writer, p pattern.Path) (pattern.Row, Stats, error) {
	row := env.Row.Clone()
	cenv := *env
	cenv.Row = row

	var st Stats
	ids := make([]graph.NodeID, len(p.Nodes))
	for i, np := range p.Nodes {
		if np.Var != "" {
			if id, ok := row[np.Var].(graph.NodeID); ok {
				ids[i] = id
				continue
			}
		}
		props, err := evalProps(&cenv, np.Props)
		if err != nil {
			return nil, Stats{}, err
		}
		id, err := w.CreateNode(np.Labels, props)
		if err != nil {
			return nil, Stats{}, err
		}
		ids[i] = id
		st.NodesCreated++
		st.LabelsAdded += len(np.Labels)
		st.PropertiesSet += len(props)
		if np.Var != "" {
			row[np.Var] = id
		}
	}

	for i, rp := range p.Rels {
		if len(rp.Types) != 1 {
			return nil, Stats{}, pattern.Errorf(-1, "created relationship needs exactly one type")
		}
		start, end := ids[i], ids[i+1]
		if rp.Direction == pattern.Incoming {
			start, end = end, start
		}
		props, err := evalProps(&cenv, rp.Props)
		if err != nil {
			return nil, Stats{}, err
		}
		id, err := w.CreateRelationship(rp.Types[0], start, end, props)
		if err != nil {
			return nil, Stats{}, err
		}
		st.RelationshipsCreated++
		st.PropertiesSet += len(props)
		if rp.Var != "" {
			row[rp.Var] = id
		}
	}
	return row, st, nil
}

func evalProps(env *pattern.Env, props []pattern.Prop) (map[string]any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(props))
	for _, pr := range props {
		v, err := pr.Value.Eval(env)
		if err != nil {
			return nil, err
		}
		out[pr.Key] = v
	}
	return out, nil
}
