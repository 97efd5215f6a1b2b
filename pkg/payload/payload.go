// Package payload models the nested numeric values document accepted by
// track/assert/beam calls. A payload is a tree: every leaf is a number,
// every interior node is a string-keyed map. Flatten converts the tree to
// dotted-path form for storage; Nest is its inverse.
package payload

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Separator joins path segments in flattened form.
// The metric key and the value path are independent namespaces; this
// separator only applies to the latter.
const Separator = "."

// InvalidPayloadError reports a payload that is not a pure numeric tree.
type InvalidPayloadError struct {
	Path   string // dotted path to the offending node ("" = root)
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid payload: %s", e.Reason)
	}
	return fmt.Sprintf("invalid payload at %q: %s", e.Path, e.Reason)
}

// Flatten converts a nested numeric payload into dotted-path form.
// Returns InvalidPayloadError if any leaf is non-numeric, the payload is
// empty, a field name contains the separator, or the input aliases the
// same submap from two places (a malformed caller-built structure that
// would otherwise double-count or loop).
func Flatten(values map[string]any) (map[string]float64, error) {
	if len(values) == 0 {
		return nil, &InvalidPayloadError{Reason: "empty payload"}
	}

	flat := make(map[string]float64, len(values))
	seen := make(map[uintptr]bool)
	if err := flatten("", values, flat, seen); err != nil {
		return nil, err
	}
	return flat, nil
}

func flatten(prefix string, values map[string]any, flat map[string]float64, seen map[uintptr]bool) error {
	// Detect shared/aliased submaps. Tree-shaped input never trips this;
	// aliased input would double-count and cyclic input would never return.
	ptr := reflect.ValueOf(values).Pointer()
	if seen[ptr] {
		return &InvalidPayloadError{Path: prefix, Reason: "aliased or cyclic structure"}
	}
	seen[ptr] = true

	for field, v := range values {
		path := field
		if prefix != "" {
			path = prefix + Separator + field
		}

		// A separator inside a field name would collide with the dotted
		// path encoding and make Nest rebuild a different tree.
		if strings.Contains(field, Separator) {
			return &InvalidPayloadError{Path: path, Reason: fmt.Sprintf("field name contains %q", Separator)}
		}

		switch node := v.(type) {
		case map[string]any:
			if len(node) == 0 {
				return &InvalidPayloadError{Path: path, Reason: "empty nested mapping"}
			}
			if err := flatten(path, node, flat, seen); err != nil {
				return err
			}
		default:
			n, ok := Number(v)
			if !ok {
				return &InvalidPayloadError{Path: path, Reason: fmt.Sprintf("non-numeric leaf %T", v)}
			}
			flat[path] = n
		}
	}
	return nil
}

// Number converts any supported numeric leaf to float64.
// JSON decoding hands us float64 or json.Number; Go callers may pass any
// integer or float kind directly.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Nest rebuilds the nested form from dotted paths. It is the inverse of
// Flatten for any map Flatten produced.
func Nest(flat map[string]float64) map[string]any {
	nested := make(map[string]any, len(flat))

	// Sorted order makes leaf-vs-subtree conflicts deterministic
	// (shorter path wins; a valid Flatten output never conflicts).
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		segments := strings.Split(path, Separator)
		node := nested
		for i, seg := range segments {
			if i == len(segments)-1 {
				node[seg] = flat[path]
				break
			}
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
	}
	return nested
}

// Paths returns the sorted flattened paths of a document.
// Deterministic ordering for logs and API responses.
func Paths(flat map[string]float64) []string {
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
