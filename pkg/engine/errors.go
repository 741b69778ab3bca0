package engine

import (
	"errors"
	"fmt"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	// ErrWrongKind is returned when a concept is validated or a
	// constraint applied.
	ErrWrongKind = errors.New("rule has the wrong kind")
)

// EvaluationError reports a rule that could not be evaluated, as opposed
// to a constraint that found violations.
type EvaluationError struct {
	Rule string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s: %v", e.Rule, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
