package main

import (
	"encoding/json"
	"fmt"
)

// renderValue prints nodes by fqn or name and other values as JSON.
func renderValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		if props, ok := x["properties"].(map[string]any); ok {
			for _, key := range []string{"fqn", "name", "bundleSymbolicName"} {
				if s, ok := props[key].(string); ok {
					return s
				}
			}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
