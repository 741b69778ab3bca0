package cypher

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/merge"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

// Result is the tabular outcome of a statement. Nodes and relationships are
// returned as detached copies that stay valid after the transaction ends.
type Result struct {
	Columns []string    `json:"columns"`
	Rows    [][]any     `json:"rows"`
	Stats   merge.Stats `json:"stats"`
}

// Len returns the number of rows.
func (r *Result) Len() int {
	return len(r.Rows)
}

// Column returns the values of the named column, or nil when the column
// does not exist.
func (r *Result) Column(name string) []any {
	i := slices.Index(r.Columns, name)
	if i < 0 {
		return nil
	}
	out := make([]any, len(r.Rows))
	for j, row := range r.Rows {
		out[j] = row[i]
	}
	return out
}

// Records returns the rows keyed by column name.
func (r *Result) Records() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		rec := make(map[string]any, len(r.Columns))
		for j, c := range r.Columns {
			rec[c] = row[j]
		}
		out[i] = rec
	}
	return out
}

// Executor runs statements inside a caller-owned transaction.
type Executor struct {
	merger *merge.Executor
	logger *slog.Logger
}

// NewExecutor creates an Executor. A nil logger uses slog.Default.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{merger: merge.NewExecutor(logger), logger: logger}
}

// Execute runs stmt against r. Statements with write clauses need r to be a
// graph.Writer; otherwise graph.ErrReadOnly is returned. The rows of every
// clause are materialized before the next clause runs, so writes never feed
// back into the match that produced them.
func (e *Executor) Execute(ctx context.Context, r graph.Reader, stmt *Statement, params map[string]any) (*Result, error) {
	start := time.Now()
	var w graph.Writer
	if !stmt.ReadOnly {
		var ok bool
		if w, ok = r.(graph.Writer); !ok {
			return nil, graph.ErrReadOnly
		}
	}

	res := &Result{Columns: stmt.Columns, Rows: [][]any{}}
	rows := []pattern.Row{{}}
	var err error
	for _, c := range stmt.Clauses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch c := c.(type) {
		case *MatchClause:
			rows, err = e.match(ctx, r, c, rows, params)
		case *UnwindClause:
			rows, err = unwind(ctx, r, c, rows, params)
		case *CreateClause:
			for i, row := range rows {
				var st merge.Stats
				if rows[i], st, err = e.merger.Create(ctx, w, c.Pattern, row, params); err != nil {
					break
				}
				res.Stats.Add(st)
			}
		case *MergeClause:
			rows, err = e.merge(ctx, w, c, rows, params, &res.Stats)
		case *SetClause:
			for _, row := range rows {
				var st merge.Stats
				if st, err = merge.Apply(ctx, w, c.Items, row, params); err != nil {
					break
				}
				res.Stats.Add(st)
			}
		case *WithClause:
			if rows, err = project(ctx, r, &c.Projection, rows, params); err == nil && c.Where != nil {
				rows, err = filter(ctx, r, c.Where, rows, params)
			}
		case *ReturnClause:
			if rows, err = project(ctx, r, &c.Projection, rows, params); err == nil {
				res.Rows, err = materialize(r, stmt.Columns, rows)
			}
		default:
			err = fmt.Errorf("unsupported clause %T", c)
		}
		if err != nil {
			return nil, err
		}
	}

	e.logger.Debug("statement_executed",
		"rows", len(res.Rows),
		"nodes_created", res.Stats.NodesCreated,
		"relationships_created", res.Stats.RelationshipsCreated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Executor) match(ctx context.Context, r graph.Reader, c *MatchClause, rows []pattern.Row, params map[string]any) ([]pattern.Row, error) {
	var out []pattern.Row
	for _, row := range rows {
		found := false
		for m, err := range pattern.Match(ctx, r, c.Pattern, c.Where, row, params) {
			if err != nil {
				return nil, err
			}
			out = append(out, m)
			found = true
		}
		if !found && c.Optional {
			nr := row.Clone()
			for _, v := range c.Pattern.Vars() {
				if _, ok := nr[v]; !ok {
					nr[v] = nil
				}
			}
			out = append(out, nr)
		}
	}
	return out, nil
}

func (e *Executor) merge(ctx context.Context, w graph.Writer, c *MergeClause, rows []pattern.Row, params map[string]any, st *merge.Stats) ([]pattern.Row, error) {
	var out []pattern.Row
	for _, row := range rows {
		o, err := e.merger.Merge(ctx, w, c.Template, row, params, c.OnCreate, c.OnMatch)
		if err != nil {
			return nil, err
		}
		st.Add(o.Stats)
		out = append(out, o.Rows...)
	}
	return out, nil
}

func unwind(ctx context.Context, r graph.Reader, c *UnwindClause, rows []pattern.Row, params map[string]any) ([]pattern.Row, error) {
	var out []pattern.Row
	for _, row := range rows {
		v, err := c.Expr.Eval(&pattern.Env{Ctx: ctx, Reader: r, Row: row, Params: params})
		if err != nil {
			return nil, err
		}
		items, isList := v.([]any)
		if !isList {
			if v == nil {
				continue
			}
			items = []any{v}
		}
		for _, it := range items {
			nr := row.Clone()
			nr[c.Alias] = it
			out = append(out, nr)
		}
	}
	return out, nil
}

func filter(ctx context.Context, r graph.Reader, where pattern.Expr, rows []pattern.Row, params map[string]any) ([]pattern.Row, error) {
	out := rows[:0:0]
	for _, row := range rows {
		ok, err := pattern.EvalPredicate(where, &pattern.Env{Ctx: ctx, Reader: r, Row: row, Params: params})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// materialize converts projected rows into result rows in column order,
// replacing node and relationship ids with detached copies.
func materialize(r graph.Reader, columns []string, rows []pattern.Row) ([][]any, error) {
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		vals := make([]any, len(columns))
		for i, c := range columns {
			v, err := resolve(r, row[c])
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		out = append(out, vals)
	}
	return out, nil
}

func resolve(r graph.Reader, v any) (any, error) {
	switch x := v.(type) {
	case graph.NodeID:
		n, err := r.Node(x)
		if err != nil {
			return nil, err
		}
		return &graph.Node{ID: n.ID, Labels: slices.Clone(n.Labels), Properties: n.Properties.Clone()}, nil
	case graph.RelID:
		rel, err := r.Relationship(x)
		if err != nil {
			return nil, err
		}
		c := *rel
		c.Properties = rel.Properties.Clone()
		return &c, nil
	case []any:
		out := make([]any, len(x))
		for i, it := range x {
			rv, err := resolve(r, it)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, it := range x {
			rv, err := resolve(r, it)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	}
	return v, nil
}

// valueKey renders v for grouping and DISTINCT comparisons.
func valueKey(v any) string {
	var b strings.Builder
	writeKey(&b, v)
	return b.String()
}

func writeKey(b *strings.Builder, v any) {
	switch x := v.(type) {
	case []any:
		b.WriteByte('[')
		for _, it := range x {
			writeKey(b, it)
			b.WriteByte(',')
		}
		b.WriteByte(']')
	case float64:
		// integral floats group with the equal integer
		if x == float64(int64(x)) {
			fmt.Fprintf(b, "num:%d", int64(x))
			return
		}
		fmt.Fprintf(b, "num:%v", x)
	case int64:
		fmt.Fprintf(b, "num:%d", x)
	default:
		fmt.Fprintf(b, "%T:%v", v, v)
	}
}
