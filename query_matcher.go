package ironbase

import (
	"fmt"
	"regexp"
	"sort"
)

// Filter is a parsed, matchable query predicate tree.
type Filter interface {
	// Match reports whether fields satisfies the predicate.
	Match(fields map[string]any) bool

	// canonical renders a deterministic, key-order-independent string form
	// used as the query cache key.
	canonical() string
}

// ParseFilter compiles a JSON filter document (already decoded into
// map[string]any) into a Filter tree.
func ParseFilter(query map[string]any) (Filter, error) {
	return parseObject(query)
}

func parseObject(query map[string]any) (Filter, error) {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var clauses []Filter

	for _, k := range keys {
		v := query[k]

		switch k {
		case "$and":
			sub, err := parseLogicalList(v)
			if err != nil {
				return nil, err
			}

			clauses = append(clauses, andFilter{subs: sub})
		case "$or":
			sub, err := parseLogicalList(v)
			if err != nil {
				return nil, err
			}

			clauses = append(clauses, orFilter{subs: sub})
		case "$nor":
			sub, err := parseLogicalList(v)
			if err != nil {
				return nil, err
			}

			clauses = append(clauses, norFilter{subs: sub})
		default:
			f, err := parseFieldFilter(k, v)
			if err != nil {
				return nil, err
			}

			clauses = append(clauses, f)
		}
	}

	if len(clauses) == 1 {
		return clauses[0], nil
	}

	return andFilter{subs: clauses}, nil
}

func parseLogicalList(v any) ([]Filter, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: logical operator expects an array of sub-filters", ErrInvalidQuery)
	}

	out := make([]Filter, 0, len(list))

	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: logical operator sub-filter must be an object", ErrInvalidQuery)
		}

		f, err := parseObject(m)
		if err != nil {
			return nil, err
		}

		out = append(out, f)
	}

	return out, nil
}

func parseFieldFilter(field string, v any) (Filter, error) {
	name, isWild, err := isWildcardPath(field)
	if err != nil {
		return nil, err
	}

	ops, err := parseFieldOps(v)
	if err != nil {
		return nil, err
	}

	if isWild {
		return wildcardFieldFilter{name: name, ops: ops}, nil
	}

	return fieldFilter{path: field, ops: ops}, nil
}

// fieldOp is one compiled predicate against a single resolved value.
type fieldOp struct {
	kind string // for canonical()
	test func(value any, present bool) bool
}

func parseFieldOps(v any) ([]fieldOp, error) {
	obj, ok := v.(map[string]any)
	if !ok || !looksLikeOperatorDoc(obj) {
		// implicit equality
		target := v
		return []fieldOp{{
			kind: fmt.Sprintf("eq=%#v", v),
			test: func(value any, present bool) bool {
				if !present {
					return target == nil
				}

				return deepEqual(value, target)
			},
		}}, nil
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var ops []fieldOp

	for _, op := range keys {
		arg := obj[op]

		fn, err := buildOp(op, arg)
		if err != nil {
			return nil, err
		}

		ops = append(ops, fieldOp{kind: fmt.Sprintf("%s=%#v", op, arg), test: fn})
	}

	return ops, nil
}

// looksLikeOperatorDoc reports whether every key of obj is a recognized
// $-operator; a plain object value (e.g. {f: {nested: 1}} as an equality
// target) must not be mistaken for an operator document.
func looksLikeOperatorDoc(obj map[string]any) bool {
	if len(obj) == 0 {
		return false
	}

	for k := range obj {
		if !isKnownFieldOp(k) {
			return false
		}
	}

	return true
}

func isKnownFieldOp(k string) bool {
	switch k {
	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte", "$in", "$nin",
		"$exists", "$type", "$regex", "$all", "$elemMatch", "$size", "$not":
		return true
	default:
		return false
	}
}

func buildOp(op string, arg any) (func(value any, present bool) bool, error) {
	switch op {
	case "$eq":
		return func(value any, present bool) bool {
			if !present {
				return arg == nil
			}

			return deepEqual(value, arg)
		}, nil
	case "$ne":
		return func(value any, present bool) bool {
			if !present {
				return arg != nil
			}

			return !deepEqual(value, arg)
		}, nil
	case "$gt", "$gte", "$lt", "$lte":
		return func(value any, present bool) bool {
			if !present {
				return false
			}

			c, ok := compareOrdered(value, arg)
			if !ok {
				return false
			}

			switch op {
			case "$gt":
				return c > 0
			case "$gte":
				return c >= 0
			case "$lt":
				return c < 0
			default:
				return c <= 0
			}
		}, nil
	case "$in":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: $in expects an array", ErrInvalidQuery)
		}

		return func(value any, present bool) bool {
			for _, item := range list {
				if !present {
					if item == nil {
						return true
					}

					continue
				}

				if deepEqual(value, item) {
					return true
				}
			}

			return false
		}, nil
	case "$nin":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: $nin expects an array", ErrInvalidQuery)
		}

		return func(value any, present bool) bool {
			for _, item := range list {
				if !present {
					if item == nil {
						return false
					}

					continue
				}

				if deepEqual(value, item) {
					return false
				}
			}

			return true
		}, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: $exists expects a bool", ErrInvalidQuery)
		}

		return func(_ any, present bool) bool {
			return present == want
		}, nil
	case "$type":
		name, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("%w: $type expects a string", ErrInvalidQuery)
		}

		return func(value any, present bool) bool {
			if !present {
				return false
			}

			return jsonTypeName(value) == name
		}, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("%w: $regex expects a string", ErrInvalidQuery)
		}

		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid $regex pattern: %w", ErrInvalidQuery, err)
		}

		return func(value any, present bool) bool {
			if !present {
				return false
			}

			s, ok := value.(string)
			if !ok {
				return false
			}

			return re.MatchString(s)
		}, nil
	case "$all":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: $all expects an array", ErrInvalidQuery)
		}

		return func(value any, present bool) bool {
			if !present {
				return false
			}

			arr, ok := value.([]any)
			if !ok {
				return false
			}

			for _, want := range list {
				found := false

				for _, have := range arr {
					if deepEqual(have, want) {
						found = true
						break
					}
				}

				if !found {
					return false
				}
			}

			return true
		}, nil
	case "$elemMatch":
		sub, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $elemMatch expects an object", ErrInvalidQuery)
		}

		subFilter, err := parseObject(sub)
		if err != nil {
			return nil, err
		}

		return func(value any, present bool) bool {
			if !present {
				return false
			}

			arr, ok := value.([]any)
			if !ok {
				return false
			}

			for _, elem := range arr {
				m, ok := elem.(map[string]any)
				if !ok {
					continue
				}

				if subFilter.Match(m) {
					return true
				}
			}

			return false
		}, nil
	case "$size":
		n, ok := asInt(arg)
		if !ok {
			return nil, fmt.Errorf("%w: $size expects a number", ErrInvalidQuery)
		}

		return func(value any, present bool) bool {
			if !present {
				return false
			}

			arr, ok := value.([]any)
			if !ok {
				return false
			}

			return int64(len(arr)) == n
		}, nil
	case "$not":
		sub, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $not expects an operator document", ErrInvalidQuery)
		}

		ops, err := parseFieldOps(sub)
		if err != nil {
			return nil, err
		}

		return func(value any, present bool) bool {
			for _, o := range ops {
				if !o.test(value, present) {
					return true
				}
			}

			return false
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, op)
	}
}

// fieldFilter matches a plain dot-notation field path against its ops.
type fieldFilter struct {
	path string
	ops  []fieldOp
}

func (f fieldFilter) Match(fields map[string]any) bool {
	value, present := ResolvePath(fields, f.path)

	for _, op := range f.ops {
		if !op.test(value, present) {
			return false
		}
	}

	return true
}

func (f fieldFilter) canonical() string {
	var b []byte

	b = append(b, f.path...)
	b = append(b, ':')

	for _, op := range f.ops {
		b = append(b, op.kind...)
		b = append(b, ',')
	}

	return string(b)
}

// wildcardFieldFilter matches a $**.NAME recursive-descent path: true if
// any match at any depth satisfies every op.
type wildcardFieldFilter struct {
	name string
	ops  []fieldOp
}

func (f wildcardFieldFilter) Match(fields map[string]any) bool {
	for _, r := range findWildcard(fields, f.name) {
		ok := true

		for _, op := range f.ops {
			if !op.test(r.value, true) {
				ok = false
				break
			}
		}

		if ok {
			return true
		}
	}

	return false
}

func (f wildcardFieldFilter) canonical() string {
	var b []byte

	b = append(b, "$**."...)
	b = append(b, f.name...)
	b = append(b, ':')

	for _, op := range f.ops {
		b = append(b, op.kind...)
		b = append(b, ',')
	}

	return string(b)
}

type andFilter struct{ subs []Filter }

func (f andFilter) Match(fields map[string]any) bool {
	for _, s := range f.subs {
		if !s.Match(fields) {
			return false
		}
	}

	return true
}

func (f andFilter) canonical() string { return joinCanonical("$and", f.subs) }

type orFilter struct{ subs []Filter }

func (f orFilter) Match(fields map[string]any) bool {
	if len(f.subs) == 0 {
		return false
	}

	for _, s := range f.subs {
		if s.Match(fields) {
			return true
		}
	}

	return false
}

func (f orFilter) canonical() string { return joinCanonical("$or", f.subs) }

type norFilter struct{ subs []Filter }

func (f norFilter) Match(fields map[string]any) bool {
	for _, s := range f.subs {
		if s.Match(fields) {
			return false
		}
	}

	return true
}

func (f norFilter) canonical() string { return joinCanonical("$nor", f.subs) }

func joinCanonical(op string, subs []Filter) string {
	parts := make([]string, len(subs))
	for i, s := range subs {
		parts[i] = s.canonical()
	}

	sort.Strings(parts)

	out := op + "["

	for _, p := range parts {
		out += p + ";"
	}

	return out + "]"
}

// CanonicalKey returns a deterministic string key for a parsed filter,
// used by the query cache.
func CanonicalKey(f Filter) string { return f.canonical() }

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int, int64, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// compareOrdered compares a resolved document value against a filter
// argument for $gt/$gte/$lt/$lte. Returns ok=false for incompatible types,
// per the never-matches-across-types rule.
func compareOrdered(value, arg any) (int, bool) {
	if vf, ok := asFloat(value); ok {
		if af, ok := asFloat(arg); ok {
			switch {
			case vf < af:
				return -1, true
			case vf > af:
				return 1, true
			default:
				return 0, true
			}
		}

		return 0, false
	}

	if vs, ok := value.(string); ok {
		if as, ok := arg.(string); ok {
			switch {
			case vs < as:
				return -1, true
			case vs > as:
				return 1, true
			default:
				return 0, true
			}
		}

		return 0, false
	}

	if vb, ok := value.(bool); ok {
		if ab, ok := arg.(bool); ok {
			switch {
			case vb == ab:
				return 0, true
			case !vb && ab:
				return -1, true
			default:
				return 1, true
			}
		}

		return 0, false
	}

	return 0, false
}

// deepEqual compares two decoded JSON values (nil/bool/number/string/
// []any/map[string]any) for structural equality, treating int/int64/float64
// numerically.
func deepEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}

		return false
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}

		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}

		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}

		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}

		return true
	default:
		return false
	}
}
