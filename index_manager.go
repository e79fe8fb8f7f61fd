package ironbase

import (
	"fmt"
	"sync"
)

// IndexDescriptor describes one index's shape and on-disk location,
// persisted inside a collection's CollectionMeta.
type IndexDescriptor struct {
	Name     string   `json:"name"`
	Field    string   `json:"field,omitempty"`    // single-field index
	Fields   []string `json:"fields,omitempty"`   // compound index, in key order
	Unique   bool     `json:"unique"`
	Sparse   bool     `json:"sparse"`
	KeyCount int      `json:"keyCount"`
	Height   int      `json:"height"` // always 1: leaf-only trees (see SPEC_FULL.md §9)
	Root     int64    `json:"root"`   // on-disk root page offset, 0 if never persisted
}

// fieldList returns the ordered list of fields this index covers, whether
// declared as a single field or a compound list.
func (d IndexDescriptor) fieldList() []string {
	if len(d.Fields) > 0 {
		return d.Fields
	}

	if d.Field != "" {
		return []string{d.Field}
	}

	return nil
}

// IndexManager holds a collection's named indexes: their in-memory B+ trees
// plus the descriptors that get persisted alongside the collection's
// catalog. Safe for concurrent use; readers (Search/RangeScan callers)
// proceed concurrently with each other, writers (Create/Drop/mutation
// application) are exclusive.
type IndexManager struct {
	mu    sync.RWMutex
	trees map[string]*BTree
	descs map[string]*IndexDescriptor
	order []string // creation order, for List
}

// NewIndexManager creates an empty manager.
func NewIndexManager() *IndexManager {
	return &IndexManager{
		trees: make(map[string]*BTree),
		descs: make(map[string]*IndexDescriptor),
	}
}

// Create adds a new named index. fields must be non-empty; a single field
// makes a single-field index, more than one a compound index. Fails with
// ErrIndexError if the name is already taken or fields is empty.
func (m *IndexManager) Create(name string, fields []string, unique, sparse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(fields) == 0 {
		return fmt.Errorf("%w: index %q requires at least one field", ErrIndexError, name)
	}

	if _, exists := m.descs[name]; exists {
		return fmt.Errorf("%w: index %q already exists", ErrIndexError, name)
	}

	desc := &IndexDescriptor{Name: name, Unique: unique, Sparse: sparse}

	if len(fields) == 1 {
		desc.Field = fields[0]
	} else {
		desc.Fields = append([]string(nil), fields...)
	}

	desc.Height = 1

	m.descs[name] = desc
	m.trees[name] = NewBTree(unique)
	m.order = append(m.order, name)

	return nil
}

// Drop removes a named index. Fails with ErrIndexError if it does not exist.
func (m *IndexManager) Drop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.descs[name]; !exists {
		return fmt.Errorf("%w: index %q does not exist", ErrIndexError, name)
	}

	delete(m.descs, name)
	delete(m.trees, name)

	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return nil
}

// Tree returns the named index's tree, or nil if it does not exist.
func (m *IndexManager) Tree(name string) *BTree {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.trees[name]
}

// Descriptor returns a copy of the named index's descriptor, or (zero,
// false) if it does not exist.
func (m *IndexManager) Descriptor(name string) (IndexDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.descs[name]
	if !ok {
		return IndexDescriptor{}, false
	}

	return *d, true
}

// List returns every index name in creation order.
func (m *IndexManager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.order))
	copy(out, m.order)

	return out
}

// setKeyCount updates the persisted key-count bookkeeping for name after a
// mutation; a no-op if the index does not exist.
func (m *IndexManager) setKeyCount(name string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.descs[name]; ok {
		d.KeyCount = count
	}
}

// setRoot records the on-disk root page offset returned by a prepared
// index-file commit; a no-op if the index does not exist.
func (m *IndexManager) setRoot(name string, root int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.descs[name]; ok {
		d.Root = root
	}
}

// installTree replaces name's tree with one decoded from its persisted
// index file, used by the checkpoint-backed fast load path. A no-op if
// name has no descriptor (Create must run first).
func (m *IndexManager) installTree(name string, tree *BTree) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.descs[name]; ok {
		m.trees[name] = tree
	}
}

// descriptorsSnapshot returns a copy of every descriptor, refreshed with
// each tree's current key count, for persistence into CollectionMeta.
func (m *IndexManager) descriptorsSnapshot() []IndexDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]IndexDescriptor, 0, len(m.order))

	for _, name := range m.order {
		d := *m.descs[name]
		if t, ok := m.trees[name]; ok {
			d.KeyCount = t.NumKeys()
		}

		out = append(out, d)
	}

	return out
}
