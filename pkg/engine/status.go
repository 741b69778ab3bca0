package engine

import (
	"errors"
	"fmt"
)

// Status is the state of one rule evaluation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// ErrIllegalTransition is returned for a status change the lifecycle
// does not allow.
var ErrIllegalTransition = errors.New("illegal status transition")

// A rule skipped because a requirement failed never runs and goes
// straight from PENDING to FAILURE.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailure},
	StatusRunning: {StatusSuccess, StatusFailure},
}

// CanTransition reports whether s may change to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Final reports whether s is SUCCESS or FAILURE.
func (s Status) Final() bool {
	return s == StatusSuccess || s == StatusFailure
}

// advance moves r to next, refusing changes the lifecycle does not allow.
func (r *Result) advance(next Status) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, r.RuleID, r.Status, next)
	}
	r.Status = next
	return nil
}
