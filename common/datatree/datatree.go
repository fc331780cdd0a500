// Package datatree implements dotted-path access and merging over the
// nested map that backs an instance's data. Writes are always scoped to a
// path prefix so concurrent tokens with disjoint data paths cannot clobber
// each other.
package datatree

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"
)

// Get resolves a dotted path against the tree. An empty path returns the
// tree itself.
func Get(data map[string]any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Ensure returns the map at path, creating intermediate maps as needed.
// A non-map value found along the way is replaced.
func Ensure(data map[string]any, path string) map[string]any {
	current := data
	if path == "" {
		return current
	}
	for _, part := range strings.Split(path, ".") {
		child, ok := current[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			current[part] = child
		}
		current = child
	}
	return current
}

// Set writes a single value at the dotted path, creating parents
func Set(data map[string]any, path string, value any) {
	head := path
	var last string
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		head, last = path[:i], path[i+1:]
	} else {
		head, last = "", path
	}
	Ensure(data, head)[last] = value
}

// Merge applies patch to the subtree at path using RFC 7386 merge-patch
// semantics: nested maps merge recursively, scalars and arrays replace,
// null deletes. Only keys under path are touched.
func Merge(data map[string]any, path string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	target := Ensure(data, path)

	original, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encode merge target: %w", err)
	}
	delta, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode merge patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(original, delta)
	if err != nil {
		return fmt.Errorf("merge patch: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(merged, &result); err != nil {
		return fmt.Errorf("decode merge result: %w", err)
	}
	for k := range target {
		delete(target, k)
	}
	for k, v := range result {
		target[k] = v
	}
	return nil
}

// Submatch reports whether every dotted key of match resolves to an equal
// value in payload. Used for message/signal correlation: the waiting item's
// stored match query must be a submatch of the incoming payload.
func Submatch(payload map[string]any, match map[string]any) bool {
	if len(match) == 0 {
		return true
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	for key, want := range match {
		got := gjson.GetBytes(raw, key)
		if !got.Exists() {
			return false
		}
		wantRaw, err := json.Marshal(want)
		if err != nil {
			return false
		}
		if got.Raw != string(wantRaw) && got.String() != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Vars projects the named top-level variables out of the tree
func Vars(data map[string]any, names []string) map[string]any {
	out := map[string]any{}
	raw, err := json.Marshal(data)
	if err != nil {
		return out
	}
	for _, name := range names {
		if res := gjson.GetBytes(raw, name); res.Exists() {
			out[name] = res.Value()
		}
	}
	return out
}
