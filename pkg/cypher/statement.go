// Package cypher parses and executes the Cypher subset used by rules:
// MATCH, OPTIONAL MATCH, WHERE, WITH, UNWIND, CREATE, MERGE, SET and RETURN
// with ORDER BY, SKIP and LIMIT.
package cypher

import (
	"github.com/rmax-ai/graphlord/pkg/merge"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

// Statement is a parsed query. It is immutable and safe to execute
// concurrently in different transactions.
type Statement struct {
	Source  string
	Clauses []Clause
	Columns []string
	// ReadOnly is false when the statement contains a write clause.
	ReadOnly bool
}

// Clause is one step of the statement pipeline.
type Clause interface {
	clause()
}

// MatchClause binds Pattern for every input row.
type MatchClause struct {
	Optional bool
	Pattern  pattern.Pattern
	Where    pattern.Expr
}

// UnwindClause expands a list into one row per element.
type UnwindClause struct {
	Expr  pattern.Expr
	Alias string
}

// CreateClause creates Pattern for every input row.
type CreateClause struct {
	Pattern pattern.Pattern
}

// MergeClause merges Template for every input row.
type MergeClause struct {
	Template merge.Template
	OnCreate []merge.SetItem
	OnMatch  []merge.SetItem
}

// SetClause mutates elements bound in every input row.
type SetClause struct {
	Items []merge.SetItem
}

// WithClause projects rows and starts a new scope.
type WithClause struct {
	Projection
	Where pattern.Expr
}

// ReturnClause produces the statement result.
type ReturnClause struct {
	Projection
}

func (*MatchClause) clause()  {}
func (*UnwindClause) clause() {}
func (*CreateClause) clause() {}
func (*MergeClause) clause()  {}
func (*SetClause) clause()    {}
func (*WithClause) clause()   {}
func (*ReturnClause) clause() {}

// Projection is the shared body of WITH and RETURN.
type Projection struct {
	Distinct bool
	Star     bool
	Items    []Item
	OrderBy  []SortItem
	Skip     pattern.Expr
	Limit    pattern.Expr

	// aggregates lists the aggregate calls of Items in slot order.
	aggregates []*pattern.FuncCall
}

// Item is one projected expression.
type Item struct {
	Expr  pattern.Expr
	Alias string
}

// SortItem is one ORDER BY key.
type SortItem struct {
	Expr       pattern.Expr
	Descending bool
}
