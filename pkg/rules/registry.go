package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownRule     = errors.New("unknown rule")
	ErrDuplicateRule   = errors.New("duplicate rule id")
	ErrDependencyCycle = errors.New("rule dependency cycle")
	// ErrRequiresConstraint is returned when a rule requires a constraint;
	// only concepts can be required.
	ErrRequiresConstraint = errors.New("rules may only require concepts")
)

// Registry is an immutable set of rules indexed by id.
type Registry struct {
	rules map[string]*Rule
	ids   []string
}

// NewRegistry indexes rules and checks their requirements: every required
// id must exist, be a concept, and the requirement graph must be acyclic.
func NewRegistry(rules ...*Rule) (*Registry, error) {
	reg := &Registry{rules: make(map[string]*Rule, len(rules))}
	for _, r := range rules {
		if prev, ok := reg.rules[r.ID]; ok {
			return nil, fmt.Errorf("%w: %s (%s, %s)", ErrDuplicateRule, r.ID, prev.Source, r.Source)
		}
		reg.rules[r.ID] = r
		reg.ids = append(reg.ids, r.ID)
	}
	sort.Strings(reg.ids)

	for _, id := range reg.ids {
		for _, req := range reg.rules[id].Requires {
			dep, ok := reg.rules[req]
			if !ok {
				return nil, fmt.Errorf("%w: %s required by %s", ErrUnknownRule, req, id)
			}
			if dep.Kind != KindConcept {
				return nil, fmt.Errorf("%w: %s requires %s", ErrRequiresConstraint, id, req)
			}
		}
	}
	for _, id := range reg.ids {
		if _, err := reg.Resolve(id); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Get returns the rule with the given id.
func (r *Registry) Get(id string) (*Rule, bool) {
	rule, ok := r.rules[id]
	return rule, ok
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	return len(r.ids)
}

// List returns all rules ordered by id.
func (r *Registry) List() []*Rule {
	return r.filter(func(*Rule) bool { return true })
}

// Concepts returns the concepts ordered by id.
func (r *Registry) Concepts() []*Rule {
	return r.filter(func(x *Rule) bool { return x.Kind == KindConcept })
}

// Constraints returns the constraints ordered by id.
func (r *Registry) Constraints() []*Rule {
	return r.filter(func(x *Rule) bool { return x.Kind == KindConstraint })
}

// Group returns the rules whose id is in the given group.
func (r *Registry) Group(group string) []*Rule {
	return r.filter(func(x *Rule) bool { return x.Group() == group })
}

func (r *Registry) filter(keep func(*Rule) bool) []*Rule {
	out := make([]*Rule, 0, len(r.ids))
	for _, id := range r.ids {
		if rule := r.rules[id]; keep(rule) {
			out = append(out, rule)
		}
	}
	return out
}

// Resolve returns the transitive requirements of id followed by the rule
// itself. Every rule appears after the rules it requires and only once.
func (r *Registry) Resolve(id string) ([]*Rule, error) {
	if _, ok := r.rules[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	var (
		out   []*Rule
		done  = make(map[string]bool)
		stack []string
	)
	var visit func(id string) error
	visit = func(id string) error {
		if done[id] {
			return nil
		}
		for i, s := range stack {
			if s == id {
				return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(append(stack[i:], id), " -> "))
			}
		}
		rule, ok := r.rules[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRule, id)
		}
		stack = append(stack, id)
		for _, req := range rule.Requires {
			if err := visit(req); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		done[id] = true
		out = append(out, rule)
		return nil
	}
	if err := visit(id); err != nil {
		return nil, err
	}
	return out, nil
}
