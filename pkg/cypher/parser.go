package cypher

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rmax-ai/graphlord/pkg/merge"
	"github.com/rmax-ai/graphlord/pkg/pattern"
)

type parser struct {
	src   string
	toks  []token
	pos   int
	scope pattern.Scope
	slots int
}

// Parse parses src into a Statement. Every syntax problem, including
// references to undeclared variables, is reported as a *pattern.SyntaxError.
func Parse(src string) (*Statement, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks, scope: pattern.Scope{}}
	return p.statement()
}

func (p *parser) peek() token { return p.peekN(0) }

func (p *parser) peekN(n int) token {
	if i := p.pos + n; i < len(p.toks) {
		return p.toks[i]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(punct string) bool {
	if p.peek().is(punct) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peek().keyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(punct string) error {
	if !p.accept(punct) {
		return p.unexpected(fmt.Sprintf("%q", punct))
	}
	return nil
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.unexpected(kw)
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.unexpected("identifier")
	}
	p.pos++
	return t.text, nil
}

func (p *parser) unexpected(want string) error {
	t := p.peek()
	if t.kind == tokEOF {
		return pattern.Errorf(t.pos, "expected %s, got end of input", want)
	}
	return pattern.Errorf(t.pos, "expected %s, got %q", want, p.src[t.pos:t.end])
}

// at attaches the position of t to a position-less syntax error.
func at(t token, err error) error {
	var se *pattern.SyntaxError
	if errors.As(err, &se) && se.Pos < 0 {
		return &pattern.SyntaxError{Pos: t.pos, Msg: se.Msg}
	}
	return err
}

func (p *parser) statement() (*Statement, error) {
	stmt := &Statement{Source: p.src, ReadOnly: true}
	var returned bool

	for {
		t := p.peek()
		if t.kind == tokEOF {
			break
		}
		if t.is(";") {
			p.next()
			if p.peek().kind != tokEOF {
				return nil, p.unexpected("end of input")
			}
			break
		}
		if returned {
			return nil, pattern.Errorf(t.pos, "RETURN must be the last clause")
		}

		var (
			c   Clause
			err error
		)
		switch {
		case t.keyword("MATCH"):
			p.next()
			c, err = p.match(t, false)
		case t.keyword("OPTIONAL"):
			p.next()
			if err = p.expectKeyword("MATCH"); err == nil {
				c, err = p.match(t, true)
			}
		case t.keyword("UNWIND"):
			p.next()
			c, err = p.unwind(t)
		case t.keyword("CREATE"):
			p.next()
			c, err = p.create(t)
			stmt.ReadOnly = false
		case t.keyword("MERGE"):
			p.next()
			c, err = p.merge(t)
			stmt.ReadOnly = false
		case t.keyword("SET"):
			p.next()
			var items []merge.SetItem
			items, err = p.setItems(t)
			c = &SetClause{Items: items}
			stmt.ReadOnly = false
		case t.keyword("WITH"):
			p.next()
			c, err = p.with(t)
		case t.keyword("RETURN"):
			p.next()
			var rc *ReturnClause
			rc, err = p.returnClause(t)
			if err == nil {
				stmt.Columns = p.columns(&rc.Projection)
				returned = true
			}
			c = rc
		default:
			return nil, p.unexpected("clause")
		}
		if err != nil {
			return nil, err
		}
		stmt.Clauses = append(stmt.Clauses, c)
	}

	if len(stmt.Clauses) == 0 {
		return nil, pattern.Errorf(0, "empty statement")
	}
	switch stmt.Clauses[len(stmt.Clauses)-1].(type) {
	case *MatchClause, *WithClause, *UnwindClause:
		return nil, pattern.Errorf(len(p.src), "statement cannot end with MATCH, WITH or UNWIND; add a RETURN or write clause")
	}
	return stmt, nil
}

func (p *parser) match(t token, optional bool) (*MatchClause, error) {
	pat, err := p.pattern()
	if err != nil {
		return nil, err
	}
	if err := p.scope.DeclarePattern(pat); err != nil {
		return nil, at(t, err)
	}
	c := &MatchClause{Optional: optional, Pattern: pat}
	if c.Where, err = p.where(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) where() (pattern.Expr, error) {
	t := p.peek()
	if !p.acceptKeyword("WHERE") {
		return nil, nil
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.scope.Check(e); err != nil {
		return nil, at(t, err)
	}
	if agg := firstAggregate(e); agg != nil {
		return nil, pattern.Errorf(agg.Pos, "aggregate %s() is not allowed in WHERE", agg.Name)
	}
	return e, nil
}

func (p *parser) unwind(t token) (*UnwindClause, error) {
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.scope.Check(e); err != nil {
		return nil, at(t, err)
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	alias, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.scope.Declare(alias, pattern.KindValue); err != nil {
		return nil, at(t, err)
	}
	return &UnwindClause{Expr: e, Alias: alias}, nil
}

func (p *parser) create(t token) (*CreateClause, error) {
	pat, err := p.pattern()
	if err != nil {
		return nil, err
	}
	for _, path := range pat.Paths {
		for _, r := range path.Rels {
			if r.Direction == pattern.Both || len(r.Types) != 1 {
				return nil, pattern.Errorf(t.pos, "CREATE needs a directed relationship with exactly one type")
			}
		}
	}
	if err := p.scope.DeclarePattern(pat); err != nil {
		return nil, at(t, err)
	}
	return &CreateClause{Pattern: pat}, nil
}

func (p *parser) merge(t token) (*MergeClause, error) {
	path, err := p.path()
	if err != nil {
		return nil, err
	}
	for _, r := range path.Rels {
		if len(r.Types) != 1 {
			return nil, pattern.Errorf(t.pos, "MERGE needs exactly one relationship type")
		}
	}
	if err := p.scope.DeclarePattern(pattern.Pattern{Paths: []pattern.Path{path}}); err != nil {
		return nil, at(t, err)
	}

	c := &MergeClause{Template: merge.Template{Path: path}}
	for p.peek().keyword("ON") {
		on := p.next()
		switch {
		case p.acceptKeyword("CREATE"):
			if err := p.expectKeyword("SET"); err != nil {
				return nil, err
			}
			items, err := p.setItems(on)
			if err != nil {
				return nil, err
			}
			c.OnCreate = append(c.OnCreate, items...)
		case p.acceptKeyword("MATCH"):
			if err := p.expectKeyword("SET"); err != nil {
				return nil, err
			}
			items, err := p.setItems(on)
			if err != nil {
				return nil, err
			}
			c.OnMatch = append(c.OnMatch, items...)
		default:
			return nil, p.unexpected("CREATE or MATCH")
		}
	}
	return c, nil
}

func (p *parser) setItems(t token) ([]merge.SetItem, error) {
	var items []merge.SetItem
	for {
		vt := p.peek()
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if _, ok := p.scope[name]; !ok {
			return nil, pattern.Errorf(vt.pos, "variable %q not defined", name)
		}

		it := merge.SetItem{Var: name}
		switch {
		case p.accept("."):
			if it.Key, err = p.ident(); err != nil {
				return nil, err
			}
			if err := p.expect("="); err != nil {
				return nil, err
			}
			it.Kind = merge.SetProperty
		case p.peek().is(":"):
			it.Kind = merge.SetLabels
			for p.accept(":") {
				l, err := p.ident()
				if err != nil {
					return nil, err
				}
				it.Labels = append(it.Labels, l)
			}
		case p.accept("+="):
			it.Kind = merge.SetMergeMap
		case p.accept("="):
			it.Kind = merge.SetReplaceMap
		default:
			return nil, p.unexpected(`".", ":", "=" or "+="`)
		}

		if it.Kind != merge.SetLabels {
			if it.Value, err = p.expr(); err != nil {
				return nil, err
			}
			if err := p.scope.Check(it.Value); err != nil {
				return nil, at(t, err)
			}
		}
		items = append(items, it)
		if !p.accept(",") {
			return items, nil
		}
	}
}

func (p *parser) with(t token) (*WithClause, error) {
	proj, next, err := p.projection(t, true)
	if err != nil {
		return nil, err
	}
	c := &WithClause{Projection: *proj}
	p.scope = next
	if c.Where, err = p.where(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) returnClause(t token) (*ReturnClause, error) {
	proj, _, err := p.projection(t, false)
	if err != nil {
		return nil, err
	}
	return &ReturnClause{Projection: *proj}, nil
}

// columns lists the result columns of a RETURN: the variables in scope
// for RETURN *, in name order, followed by the projected items.
func (p *parser) columns(proj *Projection) []string {
	var cols []string
	if proj.Star {
		for name := range p.scope {
			cols = append(cols, name)
		}
		slices.Sort(cols)
	}
	for _, it := range proj.Items {
		if !slices.Contains(cols, it.Alias) {
			cols = append(cols, it.Alias)
		}
	}
	return cols
}

// projection parses the body of WITH or RETURN and returns the scope that
// follows it.
func (p *parser) projection(t token, with bool) (*Projection, pattern.Scope, error) {
	proj := &Projection{}
	proj.Distinct = p.acceptKeyword("DISTINCT")
	proj.Star = p.accept("*")
	if !proj.Star || p.accept(",") {
		if err := p.items(proj, with); err != nil {
			return nil, nil, err
		}
	}

	next := pattern.Scope{}
	if proj.Star {
		next = p.scope.Clone()
	}
	for _, it := range proj.Items {
		kind := pattern.KindValue
		if v, ok := it.Expr.(*pattern.Variable); ok {
			kind = p.scope[v.Name]
		}
		next[it.Alias] = kind
	}

	// ORDER BY sees both the projected names and the incoming variables
	sortScope := p.scope.Clone()
	for name, k := range next {
		sortScope[name] = k
	}
	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, nil, err
		}
		for {
			st := p.peek()
			e, err := p.expr()
			if err != nil {
				return nil, nil, err
			}
			if err := sortScope.Check(e); err != nil {
				return nil, nil, at(st, err)
			}
			si := SortItem{Expr: e}
			switch {
			case p.acceptKeyword("DESC"), p.acceptKeyword("DESCENDING"):
				si.Descending = true
			case p.acceptKeyword("ASC"), p.acceptKeyword("ASCENDING"):
			}
			proj.OrderBy = append(proj.OrderBy, si)
			if !p.accept(",") {
				break
			}
		}
	}
	var err error
	if p.acceptKeyword("SKIP") {
		if proj.Skip, err = p.constExpr(); err != nil {
			return nil, nil, err
		}
	}
	if p.acceptKeyword("LIMIT") {
		if proj.Limit, err = p.constExpr(); err != nil {
			return nil, nil, err
		}
	}
	return proj, next, nil
}

func (p *parser) items(proj *Projection, with bool) error {
	for {
		start := p.peek()
		e, err := p.expr()
		if err != nil {
			return err
		}
		if err := p.scope.Check(e); err != nil {
			return at(start, err)
		}
		item := Item{Expr: e}
		if p.acceptKeyword("AS") {
			if item.Alias, err = p.ident(); err != nil {
				return err
			}
		} else if v, ok := e.(*pattern.Variable); ok {
			item.Alias = v.Name
		} else if with {
			return pattern.Errorf(start.pos, "expression in WITH must be aliased (use AS)")
		} else {
			item.Alias = strings.TrimSpace(p.src[start.pos:p.toks[p.pos-1].end])
		}
		for _, prev := range proj.Items {
			if prev.Alias == item.Alias {
				return pattern.Errorf(start.pos, "multiple result columns with the same name %q", item.Alias)
			}
		}
		if err := p.collectAggregates(proj, e); err != nil {
			return err
		}
		proj.Items = append(proj.Items, item)
		if !p.accept(",") {
			return nil
		}
	}
}

// constExpr parses a SKIP or LIMIT value, which may not reference variables.
func (p *parser) constExpr() (pattern.Expr, error) {
	t := p.peek()
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := (pattern.Scope{}).Check(e); err != nil {
		return nil, at(t, err)
	}
	return e, nil
}

func (p *parser) collectAggregates(proj *Projection, e pattern.Expr) error {
	var err error
	pattern.Walk(e, func(x pattern.Expr) {
		f, ok := x.(*pattern.FuncCall)
		if !ok || !f.IsAggregate() || err != nil {
			return
		}
		for _, a := range f.Args {
			if inner := firstAggregate(a); inner != nil {
				err = pattern.Errorf(inner.Pos, "aggregate %s() cannot be nested", inner.Name)
				return
			}
		}
		p.slots++
		f.Slot = fmt.Sprintf(" agg%d", p.slots)
		proj.aggregates = append(proj.aggregates, f)
	})
	return err
}

func firstAggregate(e pattern.Expr) *pattern.FuncCall {
	var found *pattern.FuncCall
	pattern.Walk(e, func(x pattern.Expr) {
		if f, ok := x.(*pattern.FuncCall); ok && found == nil && f.IsAggregate() {
			found = f
		}
	})
	return found
}

// --- patterns

func (p *parser) pattern() (pattern.Pattern, error) {
	var pat pattern.Pattern
	for {
		path, err := p.path()
		if err != nil {
			return pat, err
		}
		pat.Paths = append(pat.Paths, path)
		if !p.accept(",") {
			return pat, nil
		}
	}
}

func (p *parser) path() (pattern.Path, error) {
	var path pattern.Path
	n, err := p.nodePattern()
	if err != nil {
		return path, err
	}
	path.Nodes = append(path.Nodes, n)
	for p.relStart() {
		r, err := p.relPattern()
		if err != nil {
			return path, err
		}
		n, err := p.nodePattern()
		if err != nil {
			return path, err
		}
		path.Rels = append(path.Rels, r)
		path.Nodes = append(path.Nodes, n)
	}
	return path, nil
}

func (p *parser) relStart() bool {
	t, n := p.peek(), p.peekN(1)
	switch {
	case t.is("-"):
		return n.is("[") || n.is("-") || n.is(">")
	case t.is("<"):
		return n.is("-")
	}
	return false
}

func (p *parser) nodePattern() (pattern.NodePattern, error) {
	var n pattern.NodePattern
	if err := p.expect("("); err != nil {
		return n, err
	}
	if t := p.peek(); t.kind == tokIdent {
		n.Var = t.text
		p.next()
	}
	for p.accept(":") {
		l, err := p.ident()
		if err != nil {
			return n, err
		}
		n.Labels = append(n.Labels, l)
	}
	if p.peek().is("{") {
		props, err := p.props()
		if err != nil {
			return n, err
		}
		n.Props = props
	}
	return n, p.expect(")")
}

func (p *parser) relPattern() (pattern.RelPattern, error) {
	var r pattern.RelPattern
	left := p.accept("<")
	if err := p.expect("-"); err != nil {
		return r, err
	}
	if p.accept("[") {
		if t := p.peek(); t.kind == tokIdent {
			r.Var = t.text
			p.next()
		}
		if p.accept(":") {
			for {
				typ, err := p.ident()
				if err != nil {
					return r, err
				}
				r.Types = append(r.Types, typ)
				if !p.accept("|") {
					break
				}
				p.accept(":")
			}
		}
		if t := p.peek(); t.is("*") {
			return r, pattern.Errorf(t.pos, "variable-length relationships are not supported")
		}
		if p.peek().is("{") {
			props, err := p.props()
			if err != nil {
				return r, err
			}
			r.Props = props
		}
		if err := p.expect("]"); err != nil {
			return r, err
		}
	}
	if err := p.expect("-"); err != nil {
		return r, err
	}
	right := p.accept(">")

	switch {
	case left && right:
		return r, pattern.Errorf(p.peek().pos, "relationship cannot point both ways")
	case left:
		r.Direction = pattern.Incoming
	case right:
		r.Direction = pattern.Outgoing
	default:
		r.Direction = pattern.Both
	}
	return r, nil
}

func (p *parser) props() ([]pattern.Prop, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var props []pattern.Prop
	if p.accept("}") {
		return props, nil
	}
	for {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokString {
			p.pos--
			return nil, p.unexpected("property name")
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		if slices.ContainsFunc(props, func(pr pattern.Prop) bool { return pr.Key == t.text }) {
			return nil, pattern.Errorf(t.pos, "duplicate key %q", t.text)
		}
		props = append(props, pattern.Prop{Key: t.text, Value: v})
		if !p.accept(",") {
			break
		}
	}
	return props, p.expect("}")
}

// --- expressions, lowest precedence first

func (p *parser) expr() (pattern.Expr, error) {
	return p.binaryLevel([]string{"OR", "XOR", "AND"}, 0)
}

var logicalOps = map[string]pattern.Op{"OR": pattern.OpOr, "XOR": pattern.OpXor, "AND": pattern.OpAnd}

func (p *parser) binaryLevel(levels []string, i int) (pattern.Expr, error) {
	if i == len(levels) {
		return p.not()
	}
	l, err := p.binaryLevel(levels, i+1)
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword(levels[i]) {
		r, err := p.binaryLevel(levels, i+1)
		if err != nil {
			return nil, err
		}
		l = &pattern.Binary{Op: logicalOps[levels[i]], L: l, R: r}
	}
	return l, nil
}

func (p *parser) not() (pattern.Expr, error) {
	if p.acceptKeyword("NOT") {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return &pattern.Not{X: x}, nil
	}
	return p.comparison()
}

var comparisonOps = map[string]pattern.Op{
	"=": pattern.OpEq, "<>": pattern.OpNe, "<": pattern.OpLt, "<=": pattern.OpLe,
	">": pattern.OpGt, ">=": pattern.OpGe, "=~": pattern.OpRegex,
}

func isComparison(punct string) bool {
	_, ok := comparisonOps[punct]
	return ok
}

func (p *parser) comparison() (pattern.Expr, error) {
	l, err := p.additive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		var op pattern.Op
		switch {
		case t.kind == tokPunct && isComparison(t.text):
			op = comparisonOps[t.text]
			p.next()
		case t.keyword("STARTS"), t.keyword("ENDS"):
			p.next()
			if err := p.expectKeyword("WITH"); err != nil {
				return nil, err
			}
			op = pattern.OpStartsWith
			if t.keyword("ENDS") {
				op = pattern.OpEndsWith
			}
		case t.keyword("CONTAINS"):
			p.next()
			op = pattern.OpContains
		case t.keyword("IN"):
			p.next()
			op = pattern.OpIn
		case t.keyword("IS"):
			p.next()
			negate := p.acceptKeyword("NOT")
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			l = &pattern.IsNull{X: l, Negate: negate}
			continue
		default:
			return l, nil
		}
		r, err := p.additive()
		if err != nil {
			return nil, err
		}
		l = &pattern.Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) additive() (pattern.Expr, error) {
	l, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op pattern.Op
		switch {
		case p.peek().is("+"):
			op = pattern.OpAdd
		case p.peek().is("-") && !p.relStart():
			op = pattern.OpSub
		default:
			return l, nil
		}
		p.next()
		r, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		l = &pattern.Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) multiplicative() (pattern.Expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		var op pattern.Op
		switch {
		case p.peek().is("*"):
			op = pattern.OpMul
		case p.peek().is("/"):
			op = pattern.OpDiv
		case p.peek().is("%"):
			op = pattern.OpMod
		default:
			return l, nil
		}
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = &pattern.Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) unary() (pattern.Expr, error) {
	if p.accept("-") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &pattern.Negate{X: x}, nil
	}
	p.accept("+")
	return p.postfix()
}

func (p *parser) postfix() (pattern.Expr, error) {
	e, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept("."):
			key, err := p.ident()
			if err != nil {
				return nil, err
			}
			e = &pattern.Property{Subject: e, Key: key}
		case p.peek().is(":") && p.peekN(1).kind == tokIdent:
			var labels []string
			for p.accept(":") {
				l, err := p.ident()
				if err != nil {
					return nil, err
				}
				labels = append(labels, l)
			}
			e = &pattern.HasLabels{Subject: e, Labels: labels}
		default:
			return e, nil
		}
	}
}

func (p *parser) primary() (pattern.Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return &pattern.Literal{Value: t.text}, nil
	case tokInt:
		p.next()
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, pattern.Errorf(t.pos, "invalid integer %s", t.text)
		}
		return &pattern.Literal{Value: v}, nil
	case tokFloat:
		p.next()
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, pattern.Errorf(t.pos, "invalid number %s", t.text)
		}
		return &pattern.Literal{Value: v}, nil
	case tokParam:
		p.next()
		return &pattern.Param{Name: t.text}, nil
	case tokIdent:
		return p.identExpr()
	}

	switch {
	case t.is("["):
		p.next()
		list := &pattern.ListExpr{}
		if p.accept("]") {
			return list, nil
		}
		for {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, e)
			if !p.accept(",") {
				break
			}
		}
		return list, p.expect("]")
	case t.is("{"):
		props, err := p.props()
		if err != nil {
			return nil, err
		}
		return &pattern.MapExpr{Entries: props}, nil
	case t.is("("):
		if pred, ok, err := p.tryPatternPredicate(); ok || err != nil {
			return pred, err
		}
		p.next()
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		return e, p.expect(")")
	}
	return nil, p.unexpected("expression")
}

func (p *parser) identExpr() (pattern.Expr, error) {
	t := p.next()
	if !t.quoted {
		switch strings.ToLower(t.text) {
		case "true":
			return &pattern.Literal{Value: true}, nil
		case "false":
			return &pattern.Literal{Value: false}, nil
		case "null":
			return &pattern.Literal{Value: nil}, nil
		case "exists":
			if p.peek().is("{") {
				return p.existsSubquery()
			}
		}
	}
	if !p.peek().is("(") {
		return &pattern.Variable{Name: t.text, Pos: t.pos}, nil
	}

	// function call
	p.next()
	f := &pattern.FuncCall{Name: strings.ToLower(t.text), Pos: t.pos}
	if f.Name == "count" && p.peek().is("*") {
		p.next()
		f.Star = true
		return f, p.expect(")")
	}
	f.Distinct = p.acceptKeyword("DISTINCT")
	if f.Distinct && !f.IsAggregate() {
		return nil, pattern.Errorf(t.pos, "DISTINCT is only allowed in aggregates")
	}
	if !p.accept(")") {
		for {
			a, err := p.expr()
			if err != nil {
				return nil, err
			}
			f.Args = append(f.Args, a)
			if !p.accept(",") {
				break
			}
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
	}
	if f.IsAggregate() && len(f.Args) != 1 {
		return nil, pattern.Errorf(t.pos, "%s() takes exactly 1 argument", f.Name)
	}
	return f, nil
}

// existsSubquery parses EXISTS { [MATCH] pattern [WHERE expr] }.
func (p *parser) existsSubquery() (pattern.Expr, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	p.acceptKeyword("MATCH")
	pat, err := p.pattern()
	if err != nil {
		return nil, err
	}
	pred := &pattern.PatternPredicate{Pattern: pat}
	if p.acceptKeyword("WHERE") {
		if pred.Where, err = p.expr(); err != nil {
			return nil, err
		}
	}
	return pred, p.expect("}")
}

// tryPatternPredicate parses a pattern used as a predicate, such as
// (t)<-[:DEPENDS_ON]-(:Type). ok is false, with the position restored,
// when the input is a parenthesized expression instead.
func (p *parser) tryPatternPredicate() (pattern.Expr, bool, error) {
	save := p.pos
	if _, err := p.nodePattern(); err != nil || !p.relStart() {
		p.pos = save
		return nil, false, nil
	}
	p.pos = save
	path, err := p.path()
	if err != nil {
		return nil, true, err
	}
	return &pattern.PatternPredicate{Pattern: pattern.Pattern{Paths: []pattern.Path{path}}}, true, nil
}
