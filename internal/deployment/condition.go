package deployment

import (
	"fmt"
	"strings"
)

// evaluateCondition implements spec §4.6's pinned edge-condition semantics:
// field is a dotted path into the source node's output map; if the field is
// missing, exists evaluates to false and every other operator evaluates to
// false too (the source silently tolerated this; this behavior is pinned,
// not left to implementer discretion — see Open Question §9).
func evaluateCondition(cond *Condition, output map[string]any) bool {
	if cond == nil {
		return true
	}

	value, found := lookupField(output, cond.Field)
	if cond.Op == OpExists {
		return found
	}
	if !found {
		return false
	}

	switch cond.Op {
	case OpEq:
		return fmt.Sprint(value) == fmt.Sprint(cond.Value)
	case OpNe:
		return fmt.Sprint(value) != fmt.Sprint(cond.Value)
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		case OpLte:
			return a <= b
		}
	case OpContains:
		return containsValue(value, cond.Value)
	}
	return false
}

func lookupField(m map[string]any, dottedPath string) (any, bool) {
	if m == nil || dottedPath == "" {
		return nil, false
	}
	current := any(m)
	for _, part := range splitPath(dottedPath) {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := asMap[part]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n := fmt.Sprint(needle)
		return len(n) > 0 && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if fmt.Sprint(item) == fmt.Sprint(needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
