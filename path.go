package ironbase

import (
	"fmt"
	"strconv"
	"strings"
)

// maxWildcardDepth bounds $**.NAME recursive descent to guard against
// adversarial or accidentally-cyclic input structures.
const maxWildcardDepth = 100

// isWildcardPath reports whether path is a $**.NAME recursive-descent path,
// and if so returns NAME. A nested form like $**.a.b is invalid.
func isWildcardPath(path string) (name string, ok bool, err error) {
	const prefix = "$**."

	if !strings.HasPrefix(path, prefix) {
		return "", false, nil
	}

	rest := path[len(prefix):]
	if rest == "" || strings.Contains(rest, ".") {
		return "", false, fmt.Errorf("%w: invalid wildcard path %q", ErrInvalidQuery, path)
	}

	return rest, true, nil
}

// splitPath splits a dot-notation path into segments. Numeric segments are
// array indices when traversing into a slice.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}

	return strings.Split(path, ".")
}

// ResolvePath walks a dot-notation path over a document's field tree,
// descending into maps by key and into slices by numeric index. Returns
// (value, true) if the path resolves to a present value, else (nil, false).
func ResolvePath(fields map[string]any, path string) (any, bool) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, false
	}

	var cur any = fields

	for _, seg := range segments {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}

		cur = next
	}

	return cur, true
}

func step(cur any, seg string) (any, bool) {
	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}

		return v[idx], true
	default:
		return nil, false
	}
}

// SetPath assigns value at a dot-notation path within fields, creating
// intermediate map[string]any nodes as needed. Returns ErrInvalidQuery if an
// intermediate segment addresses a non-container value, or if an array
// index segment is out of bounds (Set never grows arrays).
func SetPath(fields map[string]any, path string, value any) error {
	segments := splitPath(path)
	if len(segments) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidQuery)
	}

	return setAt(fields, segments, value)
}

func setAt(container any, segments []string, value any) error {
	seg := segments[0]
	last := len(segments) == 1

	switch v := container.(type) {
	case map[string]any:
		if last {
			v[seg] = value
			return nil
		}

		child, exists := v[seg]
		if !exists {
			child = map[string]any{}
			v[seg] = child
		}

		if err := setAt(child, segments[1:], value); err != nil {
			return err
		}

		v[seg] = child

		return nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return fmt.Errorf("%w: array index %q out of bounds", ErrInvalidQuery, seg)
		}

		if last {
			v[idx] = value
			return nil
		}

		return setAt(v[idx], segments[1:], value)
	default:
		return fmt.Errorf("%w: cannot traverse into scalar field", ErrInvalidQuery)
	}
}

// UnsetPath removes the field at a dot-notation path, a no-op if absent.
func UnsetPath(fields map[string]any, path string) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return
	}

	unsetAt(fields, segments)
}

func unsetAt(container any, segments []string) {
	seg := segments[0]
	last := len(segments) == 1

	switch v := container.(type) {
	case map[string]any:
		if last {
			delete(v, seg)
			return
		}

		child, ok := v[seg]
		if !ok {
			return
		}

		unsetAt(child, segments[1:])
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return
		}

		if last {
			v[idx] = nil
			return
		}

		unsetAt(v[idx], segments[1:])
	}
}

// walkResult carries one match produced by a recursive-descent wildcard
// search: the value found and the depth at which it was found (depth 1 =
// a direct field of the document root).
type walkResult struct {
	value any
	depth int
}

// findWildcard performs a bounded-depth recursive descent over fields,
// collecting every value reachable under key name at any depth >= 1,
// including inside array elements. Depth beyond maxWildcardDepth is not
// explored (so depth 101 never matches, per the documented edge case).
func findWildcard(fields map[string]any, name string) []walkResult {
	var results []walkResult

	var walk func(node any, depth int)

	walk = func(node any, depth int) {
		if depth >= maxWildcardDepth {
			return
		}

		switch v := node.(type) {
		case map[string]any:
			if val, ok := v[name]; ok {
				results = append(results, walkResult{value: val, depth: depth + 1})
			}

			for _, child := range v {
				walk(child, depth+1)
			}
		case []any:
			for _, child := range v {
				walk(child, depth)
			}
		}
	}

	walk(fields, 0)

	return results
}
