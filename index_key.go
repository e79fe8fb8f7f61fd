package ironbase

import (
	"fmt"
	"math"
)

// IndexKeyKind tags the variant held by an IndexKey.
type IndexKeyKind uint8

const (
	KeyNull IndexKeyKind = iota
	KeyBool
	KeyInt
	KeyFloat
	KeyString
	KeyCompound
)

// IndexKey is a tagged union usable as a B+ tree key. Ordering across
// variants is Null < Bool < Int < Float (NaN sorts last among floats) <
// String < Compound (element-wise lexicographic comparison of members).
type IndexKey struct {
	Kind     IndexKeyKind
	Bool     bool
	Int      int64
	Float    float64
	Str      string
	Compound []IndexKey
}

// NullKey is the canonical Null-variant key.
var NullKey = IndexKey{Kind: KeyNull}

func boolKey(v bool) IndexKey       { return IndexKey{Kind: KeyBool, Bool: v} }
func intKey(v int64) IndexKey       { return IndexKey{Kind: KeyInt, Int: v} }
func floatKey(v float64) IndexKey   { return IndexKey{Kind: KeyFloat, Float: v} }
func stringKey(v string) IndexKey   { return IndexKey{Kind: KeyString, Str: v} }
func compoundKey(v []IndexKey) IndexKey {
	return IndexKey{Kind: KeyCompound, Compound: v}
}

// KeyFromValue converts a decoded JSON value (nil, bool, int64, float64,
// string) into its IndexKey representation. A float64 holding a whole number
// within int64 range becomes an Int key, so a number decoded from a stored
// record keys the same as the int64 it was written from. DocumentId values
// are encoded as String keys using their string rendering. Returns ErrIndexError for
// value types that cannot be indexed (e.g. raw maps/slices).
func KeyFromValue(v any) (IndexKey, error) {
	switch x := v.(type) {
	case nil:
		return NullKey, nil
	case bool:
		return boolKey(x), nil
	case int:
		return intKey(int64(x)), nil
	case int64:
		return intKey(x), nil
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return intKey(int64(x)), nil
		}

		return floatKey(x), nil
	case string:
		return stringKey(x), nil
	case DocumentId:
		return stringKey(x.String()), nil
	default:
		return IndexKey{}, fmt.Errorf("%w: value of type %T cannot be indexed", ErrIndexError, v)
	}
}

// Compare orders two IndexKeys per the documented variant ordering. Returns
// -1, 0, or 1.
func (k IndexKey) Compare(other IndexKey) int {
	if k.Kind != other.Kind {
		if k.Kind < other.Kind {
			return -1
		}

		return 1
	}

	switch k.Kind {
	case KeyNull:
		return 0
	case KeyBool:
		return compareBool(k.Bool, other.Bool)
	case KeyInt:
		return compareInt64(k.Int, other.Int)
	case KeyFloat:
		return compareFloat(k.Float, other.Float)
	case KeyString:
		return compareString(k.Str, other.Str)
	case KeyCompound:
		return compareCompound(k.Compound, other.Compound)
	default:
		return 0
	}
}

// Equal reports whether two keys compare equal.
func (k IndexKey) Equal(other IndexKey) bool { return k.Compare(other) == 0 }

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}

	if !a && b {
		return -1
	}

	return 1
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, b float64) int {
	aNaN := math.IsNaN(a)
	bNaN := math.IsNaN(b)

	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1 // NaN sorts last
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareCompound(a, b []IndexKey) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}

	return compareInt64(int64(len(a)), int64(len(b)))
}

// indexKeyJSON is the wire shape for persisting an IndexKey inside a B+ tree
// page (see btree_page.go).
type indexKeyJSON struct {
	Kind     IndexKeyKind   `json:"k"`
	Bool     bool           `json:"b,omitempty"`
	Int      int64          `json:"i,omitempty"`
	Float    float64        `json:"f,omitempty"`
	Str      string         `json:"s,omitempty"`
	Compound []indexKeyJSON `json:"c,omitempty"`
}

func (k IndexKey) toWire() indexKeyJSON {
	w := indexKeyJSON{Kind: k.Kind, Bool: k.Bool, Int: k.Int, Float: k.Float, Str: k.Str}

	if k.Kind == KeyCompound {
		w.Compound = make([]indexKeyJSON, len(k.Compound))
		for i, c := range k.Compound {
			w.Compound[i] = c.toWire()
		}
	}

	return w
}

func (w indexKeyJSON) fromWire() IndexKey {
	k := IndexKey{Kind: w.Kind, Bool: w.Bool, Int: w.Int, Float: w.Float, Str: w.Str}

	if w.Kind == KeyCompound {
		k.Compound = make([]IndexKey, len(w.Compound))
		for i, c := range w.Compound {
			k.Compound[i] = c.fromWire()
		}
	}

	return k
}
