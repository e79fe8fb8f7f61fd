package ironbase

import (
	"fmt"
	"sort"
)

// btreeEntry is one (key, id) pair held by the tree's leaf level.
type btreeEntry struct {
	Key IndexKey
	ID  DocumentId
}

// BTree is an ordered multimap from IndexKey to DocumentId.
//
// Internal nodes are not traversed from disk (see the design notes in
// SPEC_FULL.md, §9): the tree is kept as a single sorted leaf level in
// memory, split into fixed-size pages only when persisted. range_scan
// therefore always returns complete results; pages are a flat, chained
// write-out of the in-memory structure rather than a multi-level on-disk
// tree.
type BTree struct {
	unique  bool
	entries []btreeEntry // kept sorted by (Key, ID) at all times
}

// NewBTree creates an empty tree. unique rejects a second entry under a key
// already present.
func NewBTree(unique bool) *BTree {
	return &BTree{unique: unique}
}

// Unique reports whether this tree enforces a single id per key.
func (t *BTree) Unique() bool { return t.unique }

// NumKeys returns the number of distinct keys currently stored.
func (t *BTree) NumKeys() int {
	n := 0

	var prev *IndexKey

	for i := range t.entries {
		if prev == nil || t.entries[i].Key.Compare(*prev) != 0 {
			n++
			k := t.entries[i].Key
			prev = &k
		}
	}

	return n
}

// Len returns the total number of (key, id) entries.
func (t *BTree) Len() int { return len(t.entries) }

// lowerBound returns the index of the first entry >= key.
func (t *BTree) lowerBound(key IndexKey) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Key.Compare(key) >= 0
	})
}

// upperBound returns the index of the first entry > key.
func (t *BTree) upperBound(key IndexKey) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Key.Compare(key) > 0
	})
}

// Insert adds (key, id). For a unique tree, fails with ErrIndexError if key
// is already present, whatever id it is stored under.
func (t *BTree) Insert(key IndexKey, id DocumentId) error {
	lo := t.lowerBound(key)
	hi := t.upperBound(key)

	if t.unique && hi > lo {
		return fmt.Errorf("%w: duplicate key for unique index", ErrIndexError)
	}

	// Keep entries sorted by (Key, ID) within a key run for deterministic order.
	insertAt := hi

	for insertAt > lo && t.entries[insertAt-1].ID.Compare(id) > 0 {
		insertAt--
	}

	t.entries = append(t.entries, btreeEntry{})
	copy(t.entries[insertAt+1:], t.entries[insertAt:])
	t.entries[insertAt] = btreeEntry{Key: key, ID: id}

	return nil
}

// Delete removes the (key, id) pair, a no-op if absent.
func (t *BTree) Delete(key IndexKey, id DocumentId) {
	lo := t.lowerBound(key)
	hi := t.upperBound(key)

	for i := lo; i < hi; i++ {
		if t.entries[i].ID.Compare(id) == 0 {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Search returns the first id stored under key, if any.
func (t *BTree) Search(key IndexKey) (DocumentId, bool) {
	lo := t.lowerBound(key)
	if lo < len(t.entries) && t.entries[lo].Key.Compare(key) == 0 {
		return t.entries[lo].ID, true
	}

	return DocumentId{}, false
}

// SearchAll returns every id stored under key.
func (t *BTree) SearchAll(key IndexKey) []DocumentId {
	lo := t.lowerBound(key)
	hi := t.upperBound(key)

	out := make([]DocumentId, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, t.entries[i].ID)
	}

	return out
}

// RangeScan returns every id whose key falls within [start, end] (or a
// one-sided range when start or end is nil), honoring inclusive/exclusive
// bounds independently per side.
func (t *BTree) RangeScan(start, end *IndexKey, incStart, incEnd bool) []DocumentId {
	lo := 0
	if start != nil {
		if incStart {
			lo = t.lowerBound(*start)
		} else {
			lo = t.upperBound(*start)
		}
	}

	hi := len(t.entries)
	if end != nil {
		if incEnd {
			hi = t.upperBound(*end)
		} else {
			hi = t.lowerBound(*end)
		}
	}

	if lo >= hi {
		return nil
	}

	out := make([]DocumentId, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, t.entries[i].ID)
	}

	return out
}

// BuildFromSorted bulk-loads the tree from entries already sorted by key,
// replacing any existing content in O(n). If checkUnique is true and the
// tree is unique, a duplicate key among the input aborts the load and
// returns ErrIndexError, leaving the tree unchanged.
func (t *BTree) BuildFromSorted(entries []btreeEntry, checkUnique bool) error {
	if checkUnique && t.unique {
		for i := 1; i < len(entries); i++ {
			if entries[i].Key.Compare(entries[i-1].Key) == 0 {
				return fmt.Errorf("%w: duplicate key during bulk load", ErrIndexError)
			}
		}
	}

	cp := make([]btreeEntry, len(entries))
	copy(cp, entries)
	t.entries = cp

	return nil
}

// IndexChangeOp tags a single index-change entry applied via ApplyBatch.
type IndexChangeOp uint8

const (
	IndexChangeInsert IndexChangeOp = iota
	IndexChangeDelete
)

// IndexChange describes one mutation to apply to a named index's tree,
// staged by the transaction manager and applied when it commits.
type IndexChange struct {
	Collection string
	Index      string
	Op         IndexChangeOp
	Key        IndexKey
	ID         DocumentId
}

// BatchUpdate describes an old-key/old-id -> new-key/new-id replacement
// used by ApplyBatchUpdates. A zero-value OldKey/OldID pair (recognized via
// HasOld) means this is a pure insert with no prior entry to remove.
type BatchUpdate struct {
	HasOld bool
	OldKey IndexKey
	OldID  DocumentId
	HasNew bool
	NewKey IndexKey
	NewID  DocumentId
}

// ApplyBatchUpdates applies a batch of old->new replacements by collecting
// deletions and insertions, then rebuilding the leaf level once in sorted
// order (cheaper than len(updates) individual Insert/Delete calls once the
// batch is large, and matches how the transaction manager applies a
// multi-document commit against one index).
func (t *BTree) ApplyBatchUpdates(updates []BatchUpdate) error {
	toDelete := make(map[string]struct{}, len(updates))

	for _, u := range updates {
		if u.HasOld {
			toDelete[entryIdentity(u.OldKey, u.OldID)] = struct{}{}
		}
	}

	kept := t.entries[:0:0]

	for _, e := range t.entries {
		if _, del := toDelete[entryIdentity(e.Key, e.ID)]; del {
			continue
		}

		kept = append(kept, e)
	}

	seen := make(map[string]IndexKey, len(updates))

	for _, u := range updates {
		if !u.HasNew {
			continue
		}

		if t.unique {
			idKey := u.NewID.String()
			if prior, ok := seen[idKey]; ok && !prior.Equal(u.NewKey) {
				return fmt.Errorf("%w: conflicting batch update for same document", ErrIndexError)
			}

			seen[idKey] = u.NewKey
		}

		kept = append(kept, btreeEntry{Key: u.NewKey, ID: u.NewID})
	}

	sort.Slice(kept, func(i, j int) bool {
		if c := kept[i].Key.Compare(kept[j].Key); c != 0 {
			return c < 0
		}

		return kept[i].ID.Compare(kept[j].ID) < 0
	})

	if t.unique {
		for i := 1; i < len(kept); i++ {
			if kept[i].Key.Compare(kept[i-1].Key) == 0 && kept[i].ID.Compare(kept[i-1].ID) != 0 {
				return fmt.Errorf("%w: duplicate key after batch update", ErrIndexError)
			}
		}
	}

	t.entries = kept

	return nil
}

func entryIdentity(key IndexKey, id DocumentId) string {
	return fmt.Sprintf("%v|%s", key, id.String())
}
