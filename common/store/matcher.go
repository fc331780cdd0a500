package store

import (
	"strings"
	"time"
)

// Match reports whether doc satisfies query. The same predicate backs the
// memory store, the translator's post-filter and upsert seeding, so a
// document accepted by the store is always accepted by the filter.
func Match(doc Document, query Query) bool {
	for key, cond := range query {
		switch key {
		case "$or":
			if !matchOr(doc, cond) {
				return false
			}
		default:
			values, found := resolvePath(doc, key)
			if !matchCondition(values, found, cond) {
				return false
			}
		}
	}
	return true
}

func matchOr(doc Document, cond any) bool {
	branches, ok := cond.([]any)
	if !ok {
		if qs, ok := cond.([]Query); ok {
			for _, q := range qs {
				branches = append(branches, q)
			}
		} else {
			return false
		}
	}
	for _, branch := range branches {
		if q, ok := branch.(map[string]any); ok && Match(doc, q) {
			return true
		}
	}
	return false
}

// resolvePath walks a dotted path through nested maps. Crossing an array
// fans out: the remainder of the path is resolved against every element and
// all hits are collected.
func resolvePath(doc any, path string) ([]any, bool) {
	if path == "" {
		return []any{doc}, true
	}
	head, rest, _ := strings.Cut(path, ".")

	switch v := doc.(type) {
	case map[string]any:
		child, ok := v[head]
		if !ok {
			return nil, false
		}
		if rest == "" {
			return []any{child}, true
		}
		return resolvePath(child, rest)
	case []any:
		var out []any
		found := false
		for _, elem := range v {
			if vals, ok := resolvePath(elem, path); ok {
				out = append(out, vals...)
				found = true
			}
		}
		return out, found
	default:
		return nil, false
	}
}

func matchCondition(values []any, found bool, cond any) bool {
	if ops, ok := cond.(map[string]any); ok && isOperatorMap(ops) {
		return matchOperators(values, found, ops)
	}
	if !found {
		return false
	}
	for _, v := range values {
		if equalOrContains(v, cond) {
			return true
		}
	}
	return false
}

func isOperatorMap(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func matchOperators(values []any, found bool, ops map[string]any) bool {
	for op, arg := range ops {
		switch op {
		case "$exists":
			want, _ := arg.(bool)
			if found != want {
				return false
			}
		case "$eq":
			if !anyValue(values, found, func(v any) bool { return equalOrContains(v, arg) }) {
				return false
			}
		case "$ne":
			if anyValue(values, found, func(v any) bool { return equalOrContains(v, arg) }) {
				return false
			}
		case "$gt":
			if !anyValue(values, found, func(v any) bool { return compare(v, arg) > 0 }) {
				return false
			}
		case "$gte":
			if !anyValue(values, found, func(v any) bool { return compare(v, arg) >= 0 }) {
				return false
			}
		case "$lt":
			if !anyValue(values, found, func(v any) bool { c := compare(v, arg); return c < 0 && c > -2 }) {
				return false
			}
		case "$lte":
			if !anyValue(values, found, func(v any) bool { c := compare(v, arg); return c <= 0 && c > -2 }) {
				return false
			}
		case "$in":
			list, _ := arg.([]any)
			if !anyValue(values, found, func(v any) bool {
				for _, candidate := range list {
					if looseEqual(v, candidate) {
						return true
					}
				}
				return false
			}) {
				return false
			}
		case "$elemMatch":
			sub, ok := arg.(map[string]any)
			if !ok {
				return false
			}
			matchElem := func(v any) bool {
				elem, ok := v.(map[string]any)
				return ok && Match(elem, sub)
			}
			// the resolved value is usually the array field itself;
			// apply the sub-query to its elements
			if !anyValue(values, found, func(v any) bool {
				if list, ok := v.([]any); ok {
					for _, elem := range list {
						if matchElem(elem) {
							return true
						}
					}
					return false
				}
				return matchElem(v)
			}) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func anyValue(values []any, found bool, pred func(any) bool) bool {
	if !found {
		return false
	}
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}

// equalOrContains treats an array on the document side as "contains"
func equalOrContains(docVal, queryVal any) bool {
	if list, ok := docVal.([]any); ok {
		for _, elem := range list {
			if looseEqual(elem, queryVal) {
				return true
			}
		}
		return false
	}
	return looseEqual(docVal, queryVal)
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return a == b
}

// compare returns -2 when the values are not comparable
func compare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb)
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			default:
				return 0
			}
		}
	}
	return -2
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
