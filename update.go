package ironbase

import (
	"fmt"
	"sort"
)

// ApplyUpdate applies one MongoDB-style update document to fields in
// place, returning whether any change occurred. Supported operators: $set,
// $inc, $unset, $push, $pull, $addToSet, $pop.
func ApplyUpdate(fields map[string]any, update map[string]any) (bool, error) {
	changed := false

	keys := sortedKeys(update)

	for _, op := range keys {
		spec, ok := update[op].(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: update operator %q expects an object", ErrInvalidQuery, op)
		}

		var (
			didChange bool
			err       error
		)

		switch op {
		case "$set":
			didChange, err = applySet(fields, spec)
		case "$inc":
			didChange, err = applyInc(fields, spec)
		case "$unset":
			didChange = applyUnset(fields, spec)
		case "$push":
			didChange, err = applyPush(fields, spec)
		case "$pull":
			didChange, err = applyPull(fields, spec)
		case "$addToSet":
			didChange, err = applyAddToSet(fields, spec)
		case "$pop":
			didChange, err = applyPop(fields, spec)
		default:
			return false, fmt.Errorf("%w: unsupported update operator %q", ErrInvalidQuery, op)
		}

		if err != nil {
			return false, err
		}

		changed = changed || didChange
	}

	return changed, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func applySet(fields map[string]any, spec map[string]any) (bool, error) {
	changed := false

	for path, val := range spec {
		cur, present := ResolvePath(fields, path)
		if present && deepEqual(cur, val) {
			continue
		}

		if err := SetPath(fields, path, val); err != nil {
			return false, err
		}

		changed = true
	}

	return changed, nil
}

func applyInc(fields map[string]any, spec map[string]any) (bool, error) {
	changed := false

	for path, delta := range spec {
		deltaF, ok := asFloat(delta)
		if !ok {
			return false, fmt.Errorf("%w: $inc expects a numeric operand for %q", ErrInvalidQuery, path)
		}

		cur, present := ResolvePath(fields, path)

		var newVal any

		if !present {
			newVal = delta
		} else {
			curF, ok := asFloat(cur)
			if !ok {
				return false, fmt.Errorf("%w: $inc target %q is not numeric", ErrInvalidQuery, path)
			}

			if isIntegral(cur) && isIntegral(delta) {
				newVal = int64(curF) + int64(deltaF)
			} else {
				newVal = curF + deltaF
			}
		}

		if err := SetPath(fields, path, newVal); err != nil {
			return false, err
		}

		changed = true
	}

	return changed, nil
}

func isIntegral(v any) bool {
	switch v.(type) {
	case int, int64:
		return true
	default:
		return false
	}
}

func applyUnset(fields map[string]any, spec map[string]any) bool {
	changed := false

	for path := range spec {
		if _, present := ResolvePath(fields, path); present {
			changed = true
		}

		UnsetPath(fields, path)
	}

	return changed
}

// pushSpec parses either a bare value (append one element) or
// {$each, $position, $slice}.
type pushSpec struct {
	each     []any
	position int // -1 means "append"
	hasSlice bool
	slice    int
}

func parsePushSpec(v any) pushSpec {
	obj, ok := v.(map[string]any)
	if !ok || !hasAnyKey(obj, "$each", "$position", "$slice") {
		return pushSpec{each: []any{v}, position: -1}
	}

	ps := pushSpec{position: -1}

	if each, ok := obj["$each"].([]any); ok {
		ps.each = each
	} else if obj["$each"] != nil {
		ps.each = []any{obj["$each"]}
	}

	if pos, ok := asInt(obj["$position"]); ok {
		ps.position = int(pos)
	}

	if sl, ok := asInt(obj["$slice"]); ok {
		ps.hasSlice = true
		ps.slice = int(sl)
	}

	return ps
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}

	return false
}

func applyPush(fields map[string]any, spec map[string]any) (bool, error) {
	changed := false

	for path, raw := range spec {
		arr, err := targetArray(fields, path, true)
		if err != nil {
			return false, err
		}

		ps := parsePushSpec(raw)

		if ps.position < 0 || ps.position >= len(arr) {
			arr = append(arr, ps.each...)
		} else {
			merged := make([]any, 0, len(arr)+len(ps.each))
			merged = append(merged, arr[:ps.position]...)
			merged = append(merged, ps.each...)
			merged = append(merged, arr[ps.position:]...)
			arr = merged
		}

		if ps.hasSlice {
			arr = applySlice(arr, ps.slice)
		}

		if err := SetPath(fields, path, arr); err != nil {
			return false, err
		}

		changed = true
	}

	return changed, nil
}

func applySlice(arr []any, k int) []any {
	switch {
	case k >= 0:
		if k < len(arr) {
			return append([]any(nil), arr[:k]...)
		}

		return arr
	default:
		n := -k
		if n < len(arr) {
			return append([]any(nil), arr[len(arr)-n:]...)
		}

		return arr
	}
}

func applyAddToSet(fields map[string]any, spec map[string]any) (bool, error) {
	changed := false

	for path, raw := range spec {
		arr, err := targetArray(fields, path, true)
		if err != nil {
			return false, err
		}

		var toAdd []any

		if obj, ok := raw.(map[string]any); ok && hasAnyKey(obj, "$each") {
			if each, ok := obj["$each"].([]any); ok {
				toAdd = each
			}
		} else {
			toAdd = []any{raw}
		}

		for _, v := range toAdd {
			found := false

			for _, existing := range arr {
				if deepEqual(existing, v) {
					found = true
					break
				}
			}

			if !found {
				arr = append(arr, v)
				changed = true
			}
		}

		if err := SetPath(fields, path, arr); err != nil {
			return false, err
		}
	}

	return changed, nil
}

func applyPop(fields map[string]any, spec map[string]any) (bool, error) {
	changed := false

	for path, raw := range spec {
		n, ok := asInt(raw)
		if !ok || (n != 1 && n != -1) {
			return false, fmt.Errorf("%w: $pop expects 1 or -1 for %q", ErrInvalidQuery, path)
		}

		arr, err := targetArray(fields, path, false)
		if err != nil {
			return false, err
		}

		if len(arr) == 0 {
			continue
		}

		if n == 1 {
			arr = arr[:len(arr)-1]
		} else {
			arr = arr[1:]
		}

		if err := SetPath(fields, path, arr); err != nil {
			return false, err
		}

		changed = true
	}

	return changed, nil
}

func applyPull(fields map[string]any, spec map[string]any) (bool, error) {
	changed := false

	for path, matcher := range spec {
		arr, err := targetArray(fields, path, false)
		if err != nil {
			return false, err
		}

		test, err := pullMatcher(matcher)
		if err != nil {
			return false, err
		}

		kept := arr[:0:0]

		for _, v := range arr {
			if test(v) {
				changed = true
				continue
			}

			kept = append(kept, v)
		}

		if err := SetPath(fields, path, kept); err != nil {
			return false, err
		}
	}

	return changed, nil
}

// pullMatcher builds a per-element predicate for $pull: either direct
// equality against a scalar/array value, or a query sub-document using the
// comparison operators.
func pullMatcher(matcher any) (func(v any) bool, error) {
	obj, ok := matcher.(map[string]any)
	if !ok || !looksLikeOperatorDoc(obj) {
		target := matcher
		return func(v any) bool { return deepEqual(v, target) }, nil
	}

	ops, err := parseFieldOps(obj)
	if err != nil {
		return nil, err
	}

	return func(v any) bool {
		for _, op := range ops {
			if !op.test(v, true) {
				return false
			}
		}

		return true
	}, nil
}

// targetArray resolves path as a []any, returning an empty one if absent
// (whether or not createIfAbsent is set). Rejects a present non-array value with
// ErrInvalidQuery rather than silently coercing it.
func targetArray(fields map[string]any, path string, createIfAbsent bool) ([]any, error) {
	v, present := ResolvePath(fields, path)
	if !present {
		if createIfAbsent {
			return []any{}, nil
		}

		return []any{}, nil
	}

	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not an array", ErrInvalidQuery, path)
	}

	return arr, nil
}
