package ironbase

import "sort"

// SortSpec is one key of a multi-key sort: Field ascending if Dir is +1,
// descending if Dir is -1.
type SortSpec struct {
	Field string
	Dir   int
}

// Projection selects which fields survive in a result document. Include
// and Exclude are mutually exclusive (a projection is either an include
// list or an exclude list, matching the MongoDB-style 1/0 convention).
// ExcludeID suppresses _id in either mode when set.
type Projection struct {
	Include   []string
	Exclude   []string
	ExcludeID bool
}

// Apply returns a new fields map with the projection applied.
func (p Projection) Apply(fields map[string]any) map[string]any {
	if len(p.Include) == 0 && len(p.Exclude) == 0 && !p.ExcludeID {
		return fields
	}

	out := make(map[string]any, len(fields))

	if len(p.Include) > 0 {
		for _, f := range p.Include {
			if v, ok := fields[f]; ok {
				out[f] = v
			}
		}

		if !p.ExcludeID {
			if v, ok := fields["_id"]; ok {
				out["_id"] = v
			}
		}

		return out
	}

	excluded := make(map[string]bool, len(p.Exclude))
	for _, f := range p.Exclude {
		excluded[f] = true
	}

	for k, v := range fields {
		if excluded[k] {
			continue
		}

		if k == "_id" && p.ExcludeID {
			continue
		}

		out[k] = v
	}

	return out
}

// FindOptions configures a find_with_options call: projection, multi-key
// sort, skip, and limit, applied in that logical order (sort, then skip,
// then limit; projection is applied to the final materialized page).
type FindOptions struct {
	Projection Projection
	Sort       []SortSpec
	Skip       int
	Limit      int // 0 means unbounded
}

// applySortSkipLimit reorders docs per opts.Sort (unless preSorted is
// true, meaning the id stream already reflects an index scan in the
// requested order), then applies skip/limit.
func applySortSkipLimit(docs []Document, opts FindOptions, preSorted bool) []Document {
	if !preSorted && len(opts.Sort) > 0 {
		sortDocuments(docs, opts.Sort)
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[opts.Skip:]
		}
	}

	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}

	return docs
}

func sortDocuments(docs []Document, specs []SortSpec) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range specs {
			vi, _ := ResolvePath(docs[i].Fields, s.Field)
			vj, _ := ResolvePath(docs[j].Fields, s.Field)

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
}

// compareSortValues orders two arbitrary field values for $sort purposes:
// numerically/lexicographically when compatible, else falls back to the
// $type-name ordering so a sort is always total.
func compareSortValues(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}

	ta, tb := jsonTypeName(a), jsonTypeName(b)
	if ta == tb {
		return 0
	}

	if ta < tb {
		return -1
	}

	return 1
}

// singleFieldIndexSort reports whether opts' sort is exactly one key that
// matches an index-ordered id stream, letting the caller skip post-sort.
func singleFieldIndexSort(opts FindOptions, planField string, planKind PlanKind) bool {
	if len(opts.Sort) != 1 {
		return false
	}

	if planKind != PlanIndexScan && planKind != PlanIndexRangeScan {
		return false
	}

	return opts.Sort[0].Field == planField
}

// reverseIfDescending returns a reversed copy of docs when the single sort
// key is descending, matching the ascending-by-default order of a B+ tree range
// scan.
func reverseIfDescending(docs []Document, opts FindOptions) []Document {
	if len(opts.Sort) != 1 || opts.Sort[0].Dir >= 0 {
		return docs
	}

	out := make([]Document, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d
	}

	return out
}
