package ironbase

import (
	"fmt"
	"sort"
)

// AggStage is one parsed pipeline stage.
type AggStage struct {
	op   string
	spec any
}

// ParseAggPipeline compiles a JSON array of single-operator stage objects.
func ParseAggPipeline(stages []any) ([]AggStage, error) {
	out := make([]AggStage, 0, len(stages))

	for _, raw := range stages {
		obj, ok := raw.(map[string]any)
		if !ok || len(obj) != 1 {
			return nil, fmt.Errorf("%w: aggregation stage must have exactly one operator key", ErrInvalidQuery)
		}

		for k, v := range obj {
			out = append(out, AggStage{op: k, spec: v})
		}
	}

	return out, nil
}

// RunAggPipeline executes stages over docs in order, piping each stage's
// output documents into the next.
func RunAggPipeline(docs []map[string]any, stages []AggStage) ([]map[string]any, error) {
	cur := docs

	for _, stage := range stages {
		var (
			next []map[string]any
			err  error
		)

		switch stage.op {
		case "$match":
			next, err = runMatch(cur, stage.spec)
		case "$group":
			next, err = runGroup(cur, stage.spec)
		case "$project":
			next, err = runProject(cur, stage.spec)
		case "$sort":
			next, err = runAggSort(cur, stage.spec)
		case "$skip":
			next, err = runSkip(cur, stage.spec)
		case "$limit":
			next, err = runLimit(cur, stage.spec)
		default:
			return nil, fmt.Errorf("%w: unsupported aggregation stage %q", ErrInvalidQuery, stage.op)
		}

		if err != nil {
			return nil, err
		}

		cur = next
	}

	return cur, nil
}

func runMatch(docs []map[string]any, spec any) ([]map[string]any, error) {
	filterDoc, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $match expects an object", ErrInvalidQuery)
	}

	filter, err := ParseFilter(filterDoc)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(docs))

	for _, d := range docs {
		if filter.Match(d) {
			out = append(out, d)
		}
	}

	return out, nil
}

func runGroup(docs []map[string]any, spec any) ([]map[string]any, error) {
	obj, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $group expects an object", ErrInvalidQuery)
	}

	idExpr, ok := obj["_id"]
	if !ok {
		return nil, fmt.Errorf("%w: $group requires an _id expression", ErrInvalidQuery)
	}

	accumulators := make(map[string]map[string]any) // field -> {op: expr}

	for field, v := range obj {
		if field == "_id" {
			continue
		}

		accSpec, ok := v.(map[string]any)
		if !ok || len(accSpec) != 1 {
			return nil, fmt.Errorf("%w: $group field %q expects a single accumulator", ErrInvalidQuery, field)
		}

		accumulators[field] = accSpec
	}

	type group struct {
		key    any
		values []map[string]any
	}

	order := []string{}
	groups := map[string]*group{}

	for _, d := range docs {
		key := evalGroupKey(idExpr, d)

		gk := fmt.Sprintf("%v", key)

		g, ok := groups[gk]
		if !ok {
			g = &group{key: key}
			groups[gk] = g
			order = append(order, gk)
		}

		g.values = append(g.values, d)
	}

	out := make([]map[string]any, 0, len(order))

	for _, gk := range order {
		g := groups[gk]

		result := map[string]any{"_id": g.key}

		for field, accSpec := range accumulators {
			for op, expr := range accSpec {
				val, err := evalAccumulator(op, expr, g.values)
				if err != nil {
					return nil, err
				}

				result[field] = val
			}
		}

		out = append(out, result)
	}

	return out, nil
}

func evalGroupKey(expr any, doc map[string]any) any {
	if s, ok := expr.(string); ok && len(s) > 0 && s[0] == '$' {
		v, _ := ResolvePath(doc, s[1:])
		return v
	}

	return expr
}

func evalExpr(expr any, doc map[string]any) any {
	if s, ok := expr.(string); ok && len(s) > 0 && s[0] == '$' {
		v, _ := ResolvePath(doc, s[1:])
		return v
	}

	return expr
}

func evalAccumulator(op string, expr any, docs []map[string]any) (any, error) {
	switch op {
	case "$sum":
		if f, ok := asFloat(expr); ok && f == 1 {
			return int64(len(docs)), nil
		}

		var total float64

		allInt := true

		for _, d := range docs {
			v := evalExpr(expr, d)

			f, ok := asFloat(v)
			if !ok {
				continue
			}

			if !isIntegral(v) {
				allInt = false
			}

			total += f
		}

		if allInt {
			return int64(total), nil
		}

		return total, nil
	case "$avg":
		var total float64

		n := 0

		for _, d := range docs {
			v := evalExpr(expr, d)
			if f, ok := asFloat(v); ok {
				total += f
				n++
			}
		}

		if n == 0 {
			return nil, nil
		}

		return total / float64(n), nil
	case "$min":
		var best any

		for _, d := range docs {
			v := evalExpr(expr, d)
			if best == nil || compareSortValues(v, best) < 0 {
				best = v
			}
		}

		return best, nil
	case "$max":
		var best any

		for _, d := range docs {
			v := evalExpr(expr, d)
			if best == nil || compareSortValues(v, best) > 0 {
				best = v
			}
		}

		return best, nil
	case "$first":
		if len(docs) == 0 {
			return nil, nil
		}

		return evalExpr(expr, docs[0]), nil
	case "$last":
		if len(docs) == 0 {
			return nil, nil
		}

		return evalExpr(expr, docs[len(docs)-1]), nil
	default:
		return nil, fmt.Errorf("%w: unsupported accumulator %q", ErrInvalidQuery, op)
	}
}

func runProject(docs []map[string]any, spec any) ([]map[string]any, error) {
	obj, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $project expects an object", ErrInvalidQuery)
	}

	out := make([]map[string]any, 0, len(docs))

	for _, d := range docs {
		result := map[string]any{}

		includeID := true

		for field, v := range obj {
			if s, ok := v.(string); ok {
				if len(s) > 0 && s[0] == '$' {
					if val, ok := ResolvePath(d, s[1:]); ok {
						result[field] = val
					}
				}

				continue
			}

			n, ok := asFloat(v)
			if !ok {
				continue
			}

			if field == "_id" && n == 0 {
				includeID = false
				continue
			}

			if n != 0 {
				if val, ok := ResolvePath(d, field); ok {
					result[field] = val
				}
			}
		}

		if includeID {
			if id, ok := d["_id"]; ok {
				result["_id"] = id
			}
		}

		out = append(out, result)
	}

	return out, nil
}

// runAggSort breaks multi-key $sort ties in alphabetical field-name order,
// not the order fields were written in: the decoded stage is a
// map[string]any, which does not preserve key order.
func runAggSort(docs []map[string]any, spec any) ([]map[string]any, error) {
	obj, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $sort expects an object", ErrInvalidQuery)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var specs []SortSpec

	for _, k := range keys {
		dir, ok := asInt(obj[k])
		if !ok {
			return nil, fmt.Errorf("%w: $sort direction for %q must be a number", ErrInvalidQuery, k)
		}

		d := 1
		if dir < 0 {
			d = -1
		}

		specs = append(specs, SortSpec{Field: k, Dir: d})
	}

	out := make([]map[string]any, len(docs))
	copy(out, docs)

	sort.SliceStable(out, func(i, j int) bool {
		for _, s := range specs {
			vi, _ := ResolvePath(out[i], s.Field)
			vj, _ := ResolvePath(out[j], s.Field)

			c := compareSortValues(vi, vj)
			if c == 0 {
				continue
			}

			if s.Dir < 0 {
				return c > 0
			}

			return c < 0
		}

		return false
	})

	return out, nil
}

func runSkip(docs []map[string]any, spec any) ([]map[string]any, error) {
	n, ok := asInt(spec)
	if !ok || n < 0 {
		return nil, fmt.Errorf("%w: $skip expects a non-negative number", ErrInvalidQuery)
	}

	if int(n) >= len(docs) {
		return nil, nil
	}

	return docs[n:], nil
}

func runLimit(docs []map[string]any, spec any) ([]map[string]any, error) {
	n, ok := asInt(spec)
	if !ok || n < 0 {
		return nil, fmt.Errorf("%w: $limit expects a non-negative number", ErrInvalidQuery)
	}

	if int(n) < len(docs) {
		return docs[:n], nil
	}

	return docs, nil
}
