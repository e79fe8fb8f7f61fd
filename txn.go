package ironbase

import (
	"fmt"
	"sync"
)

// Transaction stages operations and index changes against a DatabaseCore
// until commit_transaction or rollback_transaction is called. Writes are
// not visible to other readers until commit; there is no snapshot
// isolation beyond that staging boundary.
type Transaction struct {
	ID      uint32
	ops     []Operation
	changes []IndexChange // keyed by index name inside each entry
}

// TxManager holds the active transactions table: a read-write lock over a
// map tx_id -> staged Transaction.
type TxManager struct {
	mu     sync.RWMutex
	db     *DatabaseCore
	nextID atomic32
	active map[uint32]*Transaction
}

// atomic32 is a tiny monotonic counter; kept local to avoid importing
// sync/atomic's typed counters into the public transaction API surface.
type atomic32 struct {
	mu sync.Mutex
	n  uint32
}

func (a *atomic32) next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.n++

	return a.n
}

// NewTxManager creates a transaction manager bound to db.
func NewTxManager(db *DatabaseCore) *TxManager {
	return &TxManager{db: db, active: make(map[uint32]*Transaction)}
}

// Begin allocates a fresh monotonically increasing transaction id and
// stages an empty Transaction under it.
func (m *TxManager) Begin() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID.next()
	m.active[id] = &Transaction{ID: id}

	return id
}

func (m *TxManager) get(txID uint32) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.active[txID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %d", ErrTxNotFound, txID)
	}

	return tx, nil
}

// InsertOneTx stages an Insert operation plus IndexChange entries for
// every applicable index against tx, without touching storage.
func (m *TxManager) InsertOneTx(txID uint32, collection string, fields map[string]any) (Document, error) {
	tx, err := m.get(txID)
	if err != nil {
		return Document{}, err
	}

	c, err := m.db.Collection(collection)
	if err != nil {
		return Document{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.schema.Validate(fields); err != nil {
		return Document{}, err
	}

	id, err := c.resolveDocID(fields)
	if err != nil {
		return Document{}, err
	}

	if _, found := c.indexes.Tree("_id").Search(mustIndexKey(id)); found {
		return Document{}, fmt.Errorf("%w: duplicate _id %s", ErrIndexError, id.String())
	}

	doc := NewDocument(id, collection, fields)
	stored := doc.AsStoredFields()

	body, err := jsonMarshal(stored)
	if err != nil {
		return Document{}, fmt.Errorf("%w: encoding document: %w", ErrSerialization, err)
	}

	m.mu.Lock()
	tx.ops = append(tx.ops, Operation{Kind: OpInsert, Collection: collection, DocID: id, Doc: body})
	tx.changes = append(tx.changes, stagedIndexChanges(c, id, nil, stored)...)
	m.mu.Unlock()

	return doc, nil
}

// UpdateOneTx stages an Update operation plus index changes for the first
// document matching filter.
func (m *TxManager) UpdateOneTx(txID uint32, collection string, filter Filter, update map[string]any) (bool, error) {
	tx, err := m.get(txID)
	if err != nil {
		return false, err
	}

	c, err := m.db.Collection(collection)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.scanIDs(filter)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		doc, err := c.readByIDLocked(id)
		if err != nil {
			continue
		}

		oldStored := doc.AsStoredFields()
		newFields := copyFields(doc.Fields)

		changed, err := ApplyUpdate(newFields, update)
		if err != nil {
			return false, err
		}

		if !changed {
			return false, nil
		}

		if err := c.schema.Validate(newFields); err != nil {
			return false, err
		}

		newDoc := NewDocument(id, collection, newFields)
		newStored := newDoc.AsStoredFields()

		body, err := jsonMarshal(newStored)
		if err != nil {
			return false, fmt.Errorf("%w: encoding document: %w", ErrSerialization, err)
		}

		m.mu.Lock()
		tx.ops = append(tx.ops, Operation{Kind: OpUpdate, Collection: collection, DocID: id, Doc: body})
		tx.changes = append(tx.changes, stagedIndexChanges(c, id, oldStored, newStored)...)
		m.mu.Unlock()

		return true, nil
	}

	return false, nil
}

// DeleteOneTx stages a Delete operation (a tombstone write) plus index
// deletions for the first document matching filter.
func (m *TxManager) DeleteOneTx(txID uint32, collection string, filter Filter) (bool, error) {
	tx, err := m.get(txID)
	if err != nil {
		return false, err
	}

	c, err := m.db.Collection(collection)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.scanIDs(filter)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		doc, err := c.readByIDLocked(id)
		if err != nil {
			continue
		}

		oldStored := doc.AsStoredFields()

		tombBody, err := jsonMarshal(tombstoneRecord(id, collection))
		if err != nil {
			return false, fmt.Errorf("%w: encoding tombstone: %w", ErrSerialization, err)
		}

		m.mu.Lock()
		tx.ops = append(tx.ops, Operation{Kind: OpDelete, Collection: collection, DocID: id, Doc: tombBody})
		tx.changes = append(tx.changes, stagedIndexChanges(c, id, oldStored, nil)...)
		m.mu.Unlock()

		return true, nil
	}

	return false, nil
}

// stagedIndexChanges computes the IndexChange entries for a document's
// transition from oldFields to newFields (either may be nil, meaning
// insert-only or delete-only).
func stagedIndexChanges(c *CollectionCore, id DocumentId, oldFields, newFields map[string]any) []IndexChange {
	var changes []IndexChange

	for _, name := range c.indexes.List() {
		desc, _ := c.indexes.Descriptor(name)

		if oldFields != nil {
			if key, ok := indexKeyForDescriptor(desc, oldFields); ok {
				changes = append(changes, IndexChange{Collection: c.name, Index: name, Op: IndexChangeDelete, Key: key, ID: id})
			}
		}

		if newFields != nil {
			if key, ok := indexKeyForDescriptor(desc, newFields); ok {
				changes = append(changes, IndexChange{Collection: c.name, Index: name, Op: IndexChangeInsert, Key: key, ID: id})
			}
		}
	}

	return changes
}

// CommitTx writes WAL Begin+Ops+Commit (skipped entirely in Unsafe mode),
// applies every staged operation to storage, then applies every staged
// index change, then invalidates the query cache for every touched
// collection.
func (m *TxManager) CommitTx(txID uint32) error {
	m.mu.Lock()
	tx, ok := m.active[txID]
	if ok {
		delete(m.active, txID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: transaction %d", ErrTxNotFound, txID)
	}

	if m.db.wal != nil {
		if err := m.db.wal.WriteTransaction(txID, tx.ops); err != nil {
			return err
		}
	}

	if err := m.db.writeThrough(tx.ops); err != nil {
		return err
	}

	touched := make(map[string]bool)

	for _, op := range tx.ops {
		touched[op.Collection] = true
	}

	if err := applyStagedIndexChanges(m.db, tx.changes); err != nil {
		return err
	}

	for collection := range touched {
		m.db.cache.InvalidateCollection(collection)
	}

	return nil
}

// indexGroupKey identifies one (collection, index) tree that a transaction
// commit or batch replay may touch.
type indexGroupKey struct {
	collection string
	index      string
}

// applyStagedIndexChanges groups changes by the tree they touch and applies
// each group in one BTree.ApplyBatchUpdates call rather than one Insert or
// Delete per change, so a multi-document commit rebuilds each touched
// tree's leaf level once instead of mutating it change by change.
func applyStagedIndexChanges(db *DatabaseCore, changes []IndexChange) error {
	order := make([]indexGroupKey, 0, len(changes))
	grouped := make(map[indexGroupKey][]BatchUpdate, len(changes))

	for _, ch := range changes {
		gk := indexGroupKey{collection: ch.Collection, index: ch.Index}

		if _, seen := grouped[gk]; !seen {
			order = append(order, gk)
		}

		switch ch.Op {
		case IndexChangeInsert:
			grouped[gk] = append(grouped[gk], BatchUpdate{HasNew: true, NewKey: ch.Key, NewID: ch.ID})
		case IndexChangeDelete:
			grouped[gk] = append(grouped[gk], BatchUpdate{HasOld: true, OldKey: ch.Key, OldID: ch.ID})
		}
	}

	for _, gk := range order {
		c := db.collections[gk.collection]
		if c == nil {
			continue
		}

		tree := c.indexes.Tree(gk.index)
		if tree == nil {
			continue
		}

		if err := tree.ApplyBatchUpdates(grouped[gk]); err != nil {
			return err
		}
	}

	return nil
}

// RollbackTx drops every staged operation and index change for txID. No
// storage or WAL write occurs; if the WAL already contains Begin/Operation
// entries for txID (not the case in this staging design, since WAL writes
// happen only at commit), recovery would still ignore them for lack of a
// Commit entry.
func (m *TxManager) RollbackTx(txID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[txID]; !ok {
		return fmt.Errorf("%w: transaction %d", ErrTxNotFound, txID)
	}

	delete(m.active, txID)

	return nil
}

// readByIDLocked reads a document by id without taking c.mu (the caller
// already holds it).
func (c *CollectionCore) readByIDLocked(id DocumentId) (Document, error) {
	meta, err := c.storage.MetaSnapshot(c.name)
	if err != nil {
		return Document{}, err
	}

	offset, ok := meta.lookup(id)
	if !ok {
		return Document{}, fmt.Errorf("%w: document %s", ErrDocumentNotFound, id.String())
	}

	return c.readAt(offset)
}
