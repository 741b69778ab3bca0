package pattern

import "maps"

// Kind is what a variable is bound to.
type Kind int

const (
	KindValue Kind = iota
	KindNode
	KindRelationship
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindRelationship:
		return "relationship"
	}
	return "value"
}

// Scope is the set of variables visible at one point of a statement.
// Parsers use it to reject references to undeclared variables before
// anything is executed.
type Scope map[string]Kind

// Clone returns an independent copy of the scope.
func (s Scope) Clone() Scope {
	if s == nil {
		return Scope{}
	}
	return maps.Clone(s)
}

// Declare adds a variable of the given kind.
func (s Scope) Declare(name string, k Kind) error {
	if name == "" {
		return nil
	}
	if prev, ok := s[name]; ok && prev != k {
		return Errorf(-1, "variable %q already declared as %s, used as %s", name, prev, k)
	}
	s[name] = k
	return nil
}

// DeclarePattern checks the property maps of p and declares its variables.
// Property expressions may reference variables declared earlier in the
// same pattern.
func (s Scope) DeclarePattern(p Pattern) error {
	for _, path := range p.Paths {
		for i, n := range path.Nodes {
			if i > 0 {
				r := path.Rels[i-1]
				if err := s.checkProps(r.Props); err != nil {
					return err
				}
				if err := s.Declare(r.Var, KindRelationship); err != nil {
					return err
				}
			}
			if err := s.checkProps(n.Props); err != nil {
				return err
			}
			if err := s.Declare(n.Var, KindNode); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s Scope) checkProps(props []Prop) error {
	for _, p := range props {
		if err := s.Check(p.Value); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies that e only references declared variables. Pattern
// predicates open a nested scope for the variables they introduce.
func (s Scope) Check(e Expr) error {
	if e == nil {
		return nil
	}
	switch x := e.(type) {
	case *Variable:
		if _, ok := s[x.Name]; !ok {
			return Errorf(x.Pos, "variable %q not defined", x.Name)
		}
		return nil
	case *PatternPredicate:
		inner := s.Clone()
		if err := inner.DeclarePattern(x.Pattern); err != nil {
			return err
		}
		return inner.Check(x.Where)
	}
	var err error
	e.walk(func(c Expr) {
		if err == nil {
			err = s.Check(c)
		}
	})
	return err
}
