package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/graphlord/pkg/cypher"
)

// ErrWritingConstraint is returned for a constraint whose statement
// modifies the graph.
var ErrWritingConstraint = errors.New("constraint statements must be read-only")

// LoadError reports a rule file that could not be loaded.
type LoadError struct {
	Source string
	Rule   string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: rule %s: %v", e.Source, e.Rule, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// file is the on-disk layout of a rule group.
type file struct {
	Group       string     `yaml:"group" validate:"required,rulename"`
	Description string     `yaml:"description"`
	Concepts    []ruleYAML `yaml:"concepts" validate:"dive"`
	Constraints []ruleYAML `yaml:"constraints" validate:"dive"`
}

type ruleYAML struct {
	ID          string   `yaml:"id" validate:"required,ruleid"`
	Description string   `yaml:"description"`
	Severity    string   `yaml:"severity" validate:"omitempty,oneof=info minor major critical blocker INFO MINOR MAJOR CRITICAL BLOCKER"`
	Requires    []string `yaml:"requires" validate:"dive,required,ruleid"`
	Cypher      string   `yaml:"cypher" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// ids may carry a group prefix, group names may not
	_ = v.RegisterValidation("ruleid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return !strings.ContainsFunc(s, unicode.IsSpace) && strings.Count(s, ":") <= 1
	})
	_ = v.RegisterValidation("rulename", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return !strings.ContainsFunc(s, unicode.IsSpace) && !strings.Contains(s, ":")
	})
	return v
}

// Parse decodes and compiles one rule file. Rule ids and requirements
// without a group prefix are qualified with the file's group.
func Parse(data []byte, source string) ([]*Rule, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	if err := validate.Struct(&f); err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}

	var out []*Rule
	for _, part := range []struct {
		kind  Kind
		rules []ruleYAML
	}{{KindConcept, f.Concepts}, {KindConstraint, f.Constraints}} {
		for _, ry := range part.rules {
			r, err := compile(f.Group, part.kind, ry, source)
			if err != nil {
				return nil, &LoadError{Source: source, Rule: ry.ID, Err: err}
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func compile(group string, kind Kind, ry ruleYAML, source string) (*Rule, error) {
	stmt, err := cypher.Parse(ry.Cypher)
	if err != nil {
		return nil, err
	}
	if kind == KindConstraint && !stmt.ReadOnly {
		return nil, ErrWritingConstraint
	}
	sev := DefaultSeverity(kind)
	if ry.Severity != "" {
		if sev, err = ParseSeverity(ry.Severity); err != nil {
			return nil, err
		}
	}
	r := &Rule{
		ID:          qualify(group, ry.ID),
		Kind:        kind,
		Description: strings.TrimSpace(ry.Description),
		Severity:    sev,
		Source:      source,
		Statement:   stmt,
	}
	for _, req := range ry.Requires {
		r.Requires = append(r.Requires, qualify(group, req))
	}
	return r, nil
}

func qualify(group, id string) string {
	if strings.Contains(id, ":") {
		return id
	}
	return group + ":" + id
}

// Load reads every *.yaml and *.yml file at the root of fsys and builds
// a registry from them.
func Load(fsys fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch path.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []*Rule
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, &LoadError{Source: name, Err: err}
		}
		rs, err := Parse(data, name)
		if err != nil {
			return nil, err
		}
		all = append(all, rs...)
	}
	return NewRegistry(all...)
}

// LoadDir loads the rule files in dir.
func LoadDir(dir string) (*Registry, error) {
	return Load(os.DirFS(dir))
}
