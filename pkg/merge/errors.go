package merge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNullProperty is returned when a merge key evaluates to null.
var ErrNullProperty = errors.New("cannot merge using null property value")

// ConflictError is raised when a variable already bound to a node is used
// in a merge template whose constraints the node does not satisfy.
type ConflictError struct {
	Var     string
	Missing []string // labels the bound node lacks
	Reason  string
}

func (e *ConflictError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("merge conflict: node %q lacks label(s) %s", e.Var, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("merge conflict: node %q %s", e.Var, e.Reason)
}
