// Package scan ingests facts produced by an external scanner. A fact
// stream is JSON Lines: one node or relationship per line, relationships
// referring to nodes by the key of an earlier node fact.
package scan

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

// FactKind distinguishes node facts from relationship facts.
type FactKind string

const (
	KindNode         FactKind = "node"
	KindRelationship FactKind = "relationship"
)

// Fact is a single scanned element.
type Fact struct {
	Kind       FactKind       `json:"kind" validate:"oneof=node relationship"`
	Key        string         `json:"key,omitempty" validate:"required_if=Kind node"`
	Labels     []string       `json:"labels,omitempty" validate:"required_if=Kind node,dive,required"`
	Type       string         `json:"type,omitempty" validate:"required_if=Kind relationship"`
	From       string         `json:"from,omitempty" validate:"required_if=Kind relationship"`
	To         string         `json:"to,omitempty" validate:"required_if=Kind relationship"`
	Properties map[string]any `json:"properties,omitempty"`
}

var (
	ErrDuplicateKey = errors.New("duplicate fact key")
	ErrUnknownKey   = errors.New("unknown fact key")
)

// FactError locates an invalid fact in its stream. Line is 1-based.
type FactError struct {
	Line int
	Err  error
}

func (e *FactError) Error() string {
	return fmt.Sprintf("fact %d: %v", e.Line, e.Err)
}

func (e *FactError) Unwrap() error { return e.Err }

var validate = validator.New()

// Validate checks the shape of f without looking at other facts.
func (f *Fact) Validate() error {
	return validate.Struct(f)
}

// Decoder reads facts from a JSON Lines stream. Blank lines are skipped.
type Decoder struct {
	sc   *bufio.Scanner
	line int
}

const maxLine = 4 << 20

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{sc: sc}
}

// Next returns the next fact, or io.EOF at the end of the stream.
func (d *Decoder) Next() (Fact, error) {
	for d.sc.Scan() {
		d.line++
		b := bytes.TrimSpace(d.sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var f Fact
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return Fact{}, &FactError{Line: d.line, Err: err}
		}
		if err := f.Validate(); err != nil {
			return Fact{}, &FactError{Line: d.line, Err: err}
		}
		return f, nil
	}
	if err := d.sc.Err(); err != nil {
		return Fact{}, err
	}
	return Fact{}, io.EOF
}

// ReadAll decodes every fact in r.
func ReadAll(r io.Reader) ([]Fact, error) {
	d := NewDecoder(r)
	var out []Fact
	for {
		f, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
}

// Stats summarizes an Apply.
type Stats struct {
	Nodes         int `json:"nodes"`
	Relationships int `json:"relationships"`
}

// Apply creates the facts through w in order and returns the ids of the
// created nodes by key. Callers run it inside one transaction so that a
// failing fact leaves the graph unchanged.
func Apply(ctx context.Context, w graph.Writer, facts []Fact) (map[string]graph.NodeID, Stats, error) {
	var st Stats
	keys := make(map[string]graph.NodeID)
	for i, f := range facts {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, st, err
			}
		}
		line := i + 1
		if err := f.Validate(); err != nil {
			return nil, st, &FactError{Line: line, Err: err}
		}
		switch f.Kind {
		case KindNode:
			if _, ok := keys[f.Key]; ok {
				return nil, st, &FactError{Line: line, Err: fmt.Errorf("%w: %s", ErrDuplicateKey, f.Key)}
			}
			id, err := w.CreateNode(f.Labels, f.Properties)
			if err != nil {
				return nil, st, &FactError{Line: line, Err: err}
			}
			keys[f.Key] = id
			st.Nodes++
		case KindRelationship:
			from, ok := keys[f.From]
			if !ok {
				return nil, st, &FactError{Line: line, Err: fmt.Errorf("%w: %s", ErrUnknownKey, f.From)}
			}
			to, ok := keys[f.To]
			if !ok {
				return nil, st, &FactError{Line: line, Err: fmt.Errorf("%w: %s", ErrUnknownKey, f.To)}
			}
			if _, err := w.CreateRelationship(f.Type, from, to, f.Properties); err != nil {
				return nil, st, &FactError{Line: line, Err: err}
			}
			st.Relationships++
		}
	}
	return keys, st, nil
}
