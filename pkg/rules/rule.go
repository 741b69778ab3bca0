// Package rules defines concepts and constraints, loads them from YAML
// rule files and resolves their requirements.
package rules

import (
	"fmt"
	"strings"

	"github.com/rmax-ai/graphlord/pkg/cypher"
)

// Kind distinguishes enriching rules from detecting ones.
type Kind string

const (
	// KindConcept rules write to the graph; they succeed once the write
	// completes.
	KindConcept Kind = "concept"
	// KindConstraint rules are read-only; every returned row is a
	// violation.
	KindConstraint Kind = "constraint"
)

// Severity ranks rule results. The zero value is SeverityInfo.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityCritical
	SeverityBlocker
)

var severityNames = []string{"info", "minor", "major", "critical", "blocker"}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(s, n) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// AtLeast reports whether s is equal to or more severe than threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s >= threshold
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultSeverity is used when a rule file does not name one.
func DefaultSeverity(k Kind) Severity {
	if k == KindConstraint {
		return SeverityMajor
	}
	return SeverityMinor
}

// Rule is a compiled concept or constraint. ID is namespaced as
// "<group>:<name>".
type Rule struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Description string            `json:"description,omitempty"`
	Severity    Severity          `json:"severity"`
	Requires    []string          `json:"requires,omitempty"`
	Source      string            `json:"source,omitempty"`
	Statement   *cypher.Statement `json:"-"`
}

// Group returns the namespace part of the rule id.
func (r *Rule) Group() string {
	g, _, _ := strings.Cut(r.ID, ":")
	return g
}

// Query returns the statement text.
func (r *Rule) Query() string {
	if r.Statement == nil {
		return ""
	}
	return r.Statement.Source
}
