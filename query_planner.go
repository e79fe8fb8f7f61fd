package ironbase

import "fmt"

// PlanKind tags the chosen execution strategy for a query.
type PlanKind uint8

const (
	PlanCollectionScan PlanKind = iota
	PlanIndexScan
	PlanIndexRangeScan
)

// Plan describes how a filter will be executed.
type Plan struct {
	Kind    PlanKind
	Index   string
	Field   string
	Key     IndexKey
	Start   *IndexKey
	End     *IndexKey
	InclS   bool
	InclE   bool
}

// ChoosePlan inspects the raw (pre-parse) filter document and the set of
// available index names (as reported by an IndexManager) to select a
// scan strategy. Logical combinators and wildcard paths always fall back
// to a collection scan.
func ChoosePlan(query map[string]any, indexNames map[string][]string) Plan {
	if len(query) != 1 {
		return Plan{Kind: PlanCollectionScan}
	}

	var field string

	var value any

	for k, v := range query {
		field = k
		value = v
	}

	if field == "$and" || field == "$or" || field == "$nor" {
		return Plan{Kind: PlanCollectionScan}
	}

	if _, isWild, _ := isWildcardPath(field); isWild {
		return Plan{Kind: PlanCollectionScan}
	}

	names := indexNames[field]
	if len(names) == 0 {
		return Plan{Kind: PlanCollectionScan}
	}

	return planUsingIndex(field, value, names[0])
}

// PlanWithHint forces index as the scan strategy's index regardless of
// which (if any) index ChoosePlan would otherwise have picked for query's
// field, the planner-level counterpart of find_with_hint. Returns
// ErrIndexError if index is not among availableIndexes (typically
// CollectionCore.ListIndexes' names). A query shape that cannot use an
// index at all (multiple keys, a logical combinator, a wildcard path, or
// no usable operator) still falls back to a collection scan even though
// the hint named a real index: a hint can only force which index serves a
// query, not make an unindexable query indexable.
func PlanWithHint(query map[string]any, index string, availableIndexes []string) (Plan, error) {
	known := false

	for _, n := range availableIndexes {
		if n == index {
			known = true
			break
		}
	}

	if !known {
		return Plan{}, fmt.Errorf("%w: unknown index %q", ErrIndexError, index)
	}

	if len(query) != 1 {
		return Plan{Kind: PlanCollectionScan}, nil
	}

	var field string

	var value any

	for k, v := range query {
		field = k
		value = v
	}

	if field == "$and" || field == "$or" || field == "$nor" {
		return Plan{Kind: PlanCollectionScan}, nil
	}

	if _, isWild, _ := isWildcardPath(field); isWild {
		return Plan{Kind: PlanCollectionScan}, nil
	}

	return planUsingIndex(field, value, index), nil
}

// planUsingIndex builds the IndexScan/IndexRangeScan/CollectionScan plan
// for field's filter value against the chosen index, shared by ChoosePlan
// (which picks index itself) and PlanWithHint (which takes it from the
// caller).
func planUsingIndex(field string, value any, index string) Plan {
	obj, ok := value.(map[string]any)
	if !ok || !looksLikeOperatorDoc(obj) {
		key, err := KeyFromValue(value)
		if err != nil {
			return Plan{Kind: PlanCollectionScan}
		}

		return Plan{Kind: PlanIndexScan, Index: index, Field: field, Key: key}
	}

	if eq, has := obj["$eq"]; has && len(obj) == 1 {
		key, err := KeyFromValue(eq)
		if err != nil {
			return Plan{Kind: PlanCollectionScan}
		}

		return Plan{Kind: PlanIndexScan, Index: index, Field: field, Key: key}
	}

	var start, end *IndexKey

	inclS, inclE := true, true

	hasRange := false

	if v, has := obj["$gte"]; has {
		k, err := KeyFromValue(v)
		if err == nil {
			start = &k
			inclS = true
			hasRange = true
		}
	} else if v, has := obj["$gt"]; has {
		k, err := KeyFromValue(v)
		if err == nil {
			start = &k
			inclS = false
			hasRange = true
		}
	}

	if v, has := obj["$lte"]; has {
		k, err := KeyFromValue(v)
		if err == nil {
			end = &k
			inclE = true
			hasRange = true
		}
	} else if v, has := obj["$lt"]; has {
		k, err := KeyFromValue(v)
		if err == nil {
			end = &k
			inclE = false
			hasRange = true
		}
	}

	if !hasRange {
		return Plan{Kind: PlanCollectionScan}
	}

	return Plan{
		Kind: PlanIndexRangeScan, Index: index, Field: field,
		Start: start, End: end, InclS: inclS, InclE: inclE,
	}
}

// Explain renders p as the {"queryPlan": {...}} document described by the
// planner contract.
func Explain(p Plan) map[string]any {
	doc := map[string]any{}

	switch p.Kind {
	case PlanCollectionScan:
		doc["type"] = "CollectionScan"
	case PlanIndexScan:
		doc["type"] = "IndexScan"
		doc["index"] = p.Index
		doc["field"] = p.Field
	case PlanIndexRangeScan:
		doc["type"] = "IndexRangeScan"
		doc["index"] = p.Index
		doc["field"] = p.Field
		doc["inclStart"] = p.InclS
		doc["inclEnd"] = p.InclE
	}

	return map[string]any{"queryPlan": doc}
}
