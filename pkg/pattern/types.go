// Package pattern implements graph patterns, the expression language used
// in predicates and templates, and the matcher that binds patterns against
// a graph.Reader.
package pattern

import (
	"maps"
	"slices"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

// Direction of a relationship pattern relative to the left node.
type Direction int

const (
	Outgoing Direction = iota // (a)-[]->(b)
	Incoming                  // (a)<-[]-(b)
	Both                      // (a)-[]-(b)
)

// Prop is an inline property predicate, e.g. {fqn: $package}.
type Prop struct {
	Key   string
	Value Expr
}

// NodePattern constrains one node. An empty Var is anonymous.
type NodePattern struct {
	Var    string
	Labels []string
	Props  []Prop
}

// RelPattern constrains one relationship. Types are alternatives.
type RelPattern struct {
	Var       string
	Types     []string
	Direction Direction
	Props     []Prop
}

// Path is a chain node-rel-node-...; len(Rels) == len(Nodes)-1.
type Path struct {
	Nodes []NodePattern
	Rels  []RelPattern
}

// Reversed returns the path walked from its last node to its first.
func (p Path) Reversed() Path {
	out := Path{
		Nodes: slices.Clone(p.Nodes),
		Rels:  slices.Clone(p.Rels),
	}
	slices.Reverse(out.Nodes)
	slices.Reverse(out.Rels)
	for i := range out.Rels {
		switch out.Rels[i].Direction {
		case Outgoing:
			out.Rels[i].Direction = Incoming
		case Incoming:
			out.Rels[i].Direction = Outgoing
		}
	}
	return out
}

// Pattern is a set of paths joined by shared variables.
type Pattern struct {
	Paths []Path
}

// Vars returns the named variables introduced by the pattern in order of
// first appearance.
func (p Pattern) Vars() []string {
	var out []string
	add := func(v string) {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	for _, path := range p.Paths {
		for i, n := range path.Nodes {
			add(n.Var)
			if i < len(path.Rels) {
				add(path.Rels[i].Var)
			}
		}
	}
	return out
}

// Row binds variable names to values: graph.NodeID, graph.RelID, scalars,
// []any or map[string]any. A nil value is a null binding (OPTIONAL MATCH).
type Row map[string]any

// Clone returns a copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return Row{}
	}
	return maps.Clone(r)
}

// Node returns the node id bound to name.
func (r Row) Node(name string) (graph.NodeID, bool) {
	id, ok := r[name].(graph.NodeID)
	return id, ok
}

// Relationship returns the relationship id bound to name.
func (r Row) Relationship(name string) (graph.RelID, bool) {
	id, ok := r[name].(graph.RelID)
	return id, ok
}
