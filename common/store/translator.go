package store

import "strings"

// ChildCollections are the array fields of an instance document that the
// dotted query notation may address as nested collections.
var ChildCollections = map[string]bool{
	"items":  true,
	"tokens": true,
	"loops":  true,
	"logs":   true,
}

// Translate rewrites child-collection keys ("items.element_id") into
// $elemMatch clauses so the query is executable against the document store.
// Conditions addressing the same child collection are folded into a single
// $elemMatch. Top-level keys and operators pass through unchanged.
func Translate(query Query) Query {
	out := Query{}
	nested := map[string]Query{}

	for key, cond := range query {
		if key == "$or" {
			out[key] = translateOr(cond)
			continue
		}
		coll, rest, ok := splitChildKey(key)
		if !ok {
			out[key] = cond
			continue
		}
		sub, exists := nested[coll]
		if !exists {
			sub = Query{}
			nested[coll] = sub
		}
		sub[rest] = cond
	}

	for coll, sub := range nested {
		out[coll] = Query{"$elemMatch": sub}
	}
	return out
}

func translateOr(cond any) any {
	branches, ok := cond.([]any)
	if !ok {
		return cond
	}
	out := make([]any, 0, len(branches))
	for _, branch := range branches {
		if q, ok := branch.(map[string]any); ok {
			out = append(out, Translate(q))
		} else {
			out = append(out, branch)
		}
	}
	return out
}

// SubQuery extracts the conditions of query that address the given child
// collection, with the collection prefix stripped. Used by the post-filter:
// $elemMatch matches documents that have any matching element, so after
// retrieval the sub-documents themselves are filtered through the same
// condition set.
func SubQuery(query Query, coll string) Query {
	sub := Query{}
	for key, cond := range query {
		if c, rest, ok := splitChildKey(key); ok && c == coll {
			sub[rest] = cond
		}
	}
	return sub
}

// FilterElements returns the elements of the named child collection that
// match the sub-conditions of query. With no sub-conditions every element
// passes.
func FilterElements(doc Document, coll string, query Query) []Document {
	raw, _ := doc[coll].([]any)
	sub := SubQuery(query, coll)

	out := make([]Document, 0, len(raw))
	for _, elem := range raw {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if len(sub) == 0 || Match(m, sub) {
			out = append(out, m)
		}
	}
	return out
}

func splitChildKey(key string) (coll, rest string, ok bool) {
	head, tail, found := strings.Cut(key, ".")
	if !found || !ChildCollections[head] {
		return "", "", false
	}
	return head, tail, true
}
