package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Argument objects come from the model as decoded JSON, so numbers arrive
// as float64 and every field is optional until validated here.

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// argInt returns (value, present, ok).
func argInt(args map[string]any, key string) (int64, bool, bool) {
	v, present := args[key]
	if !present || v == nil {
		return 0, false, true
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, true, false
		}
		return int64(n), true, true
	case int:
		return int64(n), true, true
	case int64:
		return n, true, true
	case json.Number:
		i, err := n.Int64()
		return i, true, err == nil
	default:
		return 0, true, false
	}
}

func requireString(args map[string]any, key string) (string, error) {
	s := strings.TrimSpace(argString(args, key))
	if s == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return s, nil
}
