// Package fieldpath implements the dot-separated path extraction and
// insertion described in spec §6: array indices as integers, "*" matches
// any array element with first-match-wins, applied over a plain
// map[string]interface{}/[]interface{} JSON tree.
package fieldpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Get walks root along path and returns the value found there. An empty
// path or a path that resolves to nothing returns (nil, false) rather
// than an error — callers decide whether a missing path is fatal (PARSE
// failure) or merely absent (e.g. an optional reasoning_content).
func Get(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	cur := root
	for i, seg := range segments {
		if seg == "*" {
			// The first element along which the rest of the path resolves wins.
			slice, ok := cur.([]interface{})
			if !ok {
				return nil, false
			}
			rest := strings.Join(segments[i+1:], ".")
			for _, elem := range slice {
				if rest == "" {
					return elem, true
				}
				if v, ok := Get(elem, rest); ok {
					return v, true
				}
			}
			return nil, false
		}
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// GetString is a convenience wrapper that type-asserts the result of Get
// to a string, returning "" if the path is missing or not a string.
func GetString(root interface{}, path string) (string, bool) {
	v, ok := Get(root, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetNumber is a convenience wrapper for numeric usage fields; JSON
// numbers decode to float64 via encoding/json.
func GetNumber(root interface{}, path string) (float64, bool) {
	v, ok := Get(root, path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// step resolves one path segment against cur, which must be a map, a
// slice, or (for "*") a slice to search.
func step(cur interface{}, seg string) (interface{}, bool) {
	if seg == "*" {
		slice, ok := cur.([]interface{})
		if !ok || len(slice) == 0 {
			return nil, false
		}
		return slice[0], true
	}

	if idx, err := strconv.Atoi(seg); err == nil {
		slice, ok := cur.([]interface{})
		if !ok || idx < 0 || idx >= len(slice) {
			return nil, false
		}
		return slice[idx], true
	}

	m, ok := cur.(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, ok := m[seg]
	return v, ok
}

// Set walks root along path, creating intermediate maps as needed, and
// assigns value at the final segment. root must be addressable through a
// map[string]interface{} at the top level (used for request-payload
// templating: inserting `prompt`/`image` into the configured paths).
func Set(root map[string]interface{}, path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("fieldpath: empty path")
	}
	segments := strings.Split(path, ".")
	return setRec(root, segments, value)
}

func setRec(cur map[string]interface{}, segments []string, value interface{}) error {
	seg := segments[0]
	if len(segments) == 1 {
		cur[seg] = value
		return nil
	}

	next := segments[1]
	if _, err := strconv.Atoi(next); err == nil {
		// Next segment is an array index: ensure cur[seg] is a slice
		// large enough to hold it.
		idx, _ := strconv.Atoi(next)
		slice, _ := cur[seg].([]interface{})
		for len(slice) <= idx {
			slice = append(slice, map[string]interface{}{})
		}
		if len(segments) == 2 {
			slice[idx] = value
			cur[seg] = slice
			return nil
		}
		child, ok := slice[idx].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
		}
		if err := setRec(child, segments[2:], value); err != nil {
			return err
		}
		slice[idx] = child
		cur[seg] = slice
		return nil
	}

	child, ok := cur[seg].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
	}
	if err := setRec(child, segments[1:], value); err != nil {
		return err
	}
	cur[seg] = child
	return nil
}
