package pattern

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingParameter is returned when a statement references a
	// $parameter that was not supplied.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrType is returned when an operator or function receives a value of
	// the wrong kind.
	ErrType = errors.New("type error")
)

// SyntaxError reports a malformed pattern, statement or template, including
// references to variables that are not declared at the point of use.
type SyntaxError struct {
	Pos int // byte offset in the source text, -1 when unknown
	Msg string
}

func (e *SyntaxError) Error() string {
	if e.Pos < 0 {
		return "syntax error: " + e.Msg
	}
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Msg)
}

// Errorf returns a *SyntaxError at pos.
func Errorf(pos int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// IsSyntaxError reports whether err is or wraps a *SyntaxError.
func IsSyntaxError(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se)
}
