package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Normalize converts a property value to its canonical scalar form:
// string, int64, float64 or bool. nil is passed through and means "absent".
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt(x)
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidValue, x.String())
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

func uintToInt(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidValue, u)
	}
	return int64(u), nil
}

// NormalizeMap normalizes every value of m, dropping nil entries.
func NormalizeMap(m map[string]any) (Properties, error) {
	out := make(Properties, len(m))
	for k, v := range m {
		if k == "" {
			return nil, fmt.Errorf("%w: empty property name", ErrInvalidValue)
		}
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		if nv != nil {
			out[k] = nv
		}
	}
	return out, nil
}

// Equal compares two normalized values. Integers and floats compare
// numerically, two integers exactly; all other kinds compare by identity
// of type and value.
func Equal(a, b any) bool {
	if c, ok := compareInts(a, b); ok {
		return c == 0
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// Compare orders two values of a comparable kind. ok is false when the
// values cannot be ordered against each other.
func Compare(a, b any) (cmp int, ok bool) {
	if c, ok := compareInts(a, b); ok {
		return c, true
	}
	if fa, okA := toFloat(a); okA {
		fb, okB := toFloat(b)
		if !okB {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, isStr := b.(string)
		if !isStr {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// compareInts orders a and b exactly when both are integers.
func compareInts(a, b any) (int, bool) {
	x, ok := toInt(a)
	if !ok {
		return 0, false
	}
	y, ok := toInt(b)
	if !ok {
		return 0, false
	}
	return cmpInt(x, y), true
}

func cmpInt(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}
