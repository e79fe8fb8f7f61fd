package ironbase

import (
	"sync"
	"sync/atomic"
)

// DatabaseCore owns the StorageEngine and WAL behind a single read-write
// lock, dispatches mutations to the raw or WAL-protected path per the
// configured DurabilityMode, manages explicit transactions, and runs
// compaction.
type DatabaseCore struct {
	mu sync.RWMutex

	cfg     Config
	storage *StorageEngine
	wal     *Wal
	cache   *QueryCache

	collections map[string]*CollectionCore

	nextTxID atomic.Uint32

	batchMu  sync.Mutex
	batchOps []Operation
}

// Open opens (or creates) a database at cfg.Path, recovering from any
// existing WAL before the caller can observe state.
func Open(cfg Config) (*DatabaseCore, error) {
	storage, err := OpenStorageEngine(cfg.Path)
	if err != nil {
		return nil, err
	}

	walPath := cfg.Path + ".wal"

	if cfg.Durability.Kind() != DurabilityUnsafe {
		if err := NewRecovery(storage).Recover(walPath); err != nil {
			_ = storage.Close()
			return nil, err
		}

		if err := storage.Checkpoint(); err != nil {
			_ = storage.Close()
			return nil, err
		}
	}

	var wal *Wal

	if cfg.Durability.Kind() != DurabilityUnsafe {
		wal, err = OpenWal(walPath)
		if err != nil {
			_ = storage.Close()
			return nil, err
		}
	}

	db := &DatabaseCore{
		cfg:         cfg,
		storage:     storage,
		wal:         wal,
		cache:       NewQueryCache(cfg.QueryCacheSize),
		collections: make(map[string]*CollectionCore),
	}

	for _, name := range storage.ListCollections() {
		if _, err := db.loadCollection(name); err != nil {
			_ = storage.Close()
			return nil, err
		}
	}

	return db, nil
}

func (db *DatabaseCore) loadCollection(name string) (*CollectionCore, error) {
	meta, err := db.storage.MetaSnapshot(name)
	if err != nil {
		return nil, err
	}

	c, err := newCollectionCore(name, db.storage, meta, db.cache, db.cfg.Path)
	if err != nil {
		return nil, err
	}

	db.collections[name] = c

	return c, nil
}

// Close flushes and closes storage and the WAL.
func (db *DatabaseCore) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.storage.Checkpoint(); err != nil {
		return err
	}

	if err := db.persistAllIndexesLocked(); err != nil {
		return err
	}

	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			return err
		}
	}

	return db.storage.Close()
}

// Collection returns the named collection, creating it (and its mandatory
// _id index) on demand.
func (db *DatabaseCore) Collection(name string) (*CollectionCore, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if c, ok := db.collections[name]; ok {
		return c, nil
	}

	if err := db.storage.CreateCollection(name); err != nil {
		return nil, err
	}

	return db.loadCollection(name)
}

// ListCollections returns every collection name.
func (db *DatabaseCore) ListCollections() []string {
	return db.storage.ListCollections()
}

// DropCollection removes a collection entirely.
func (db *DatabaseCore) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.storage.DropCollection(name); err != nil {
		return err
	}

	delete(db.collections, name)
	db.cache.InvalidateCollection(name)

	return nil
}

// Checkpoint flushes metadata, syncs storage, persists every collection's
// indexes to their `.idx` files, and truncates the WAL (every mutation up
// to this point is durably reflected in the data file and index files).
func (db *DatabaseCore) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.storage.Checkpoint(); err != nil {
		return err
	}

	if err := db.persistAllIndexesLocked(); err != nil {
		return err
	}

	if db.wal != nil {
		return db.wal.Truncate()
	}

	return nil
}

// persistAllIndexesLocked writes every collection's indexes to disk via
// CollectionCore.persistIndexes. Callers must hold db.mu.
func (db *DatabaseCore) persistAllIndexesLocked() error {
	for _, c := range db.collections {
		if err := c.persistIndexes(db.cfg.Path); err != nil {
			return err
		}
	}

	return nil
}

// Flush flushes storage metadata without syncing or truncating the WAL.
func (db *DatabaseCore) Flush() error {
	return db.storage.Flush()
}

// Stats reports storage-level statistics.
func (db *DatabaseCore) Stats() (Stats, error) {
	return db.storage.Stats()
}

// writeThrough applies ops to storage directly; used for Unsafe durability
// and as the second half of Safe/Batch commits after the WAL write.
func (db *DatabaseCore) writeThrough(ops []Operation) error {
	for _, op := range ops {
		var body []byte

		switch op.Kind {
		case OpInsert, OpUpdate:
			body = op.Doc
		case OpDelete:
			body = op.Doc
		}

		if _, err := db.storage.WriteDocumentRaw(op.Collection, op.DocID, body); err != nil {
			return err
		}
	}

	return nil
}

// protectMutation wraps a single-operation mutation per the configured
// durability mode: Safe fsyncs a WAL transaction before returning; Batch
// stages the operation and group-commits at the configured size; Unsafe
// applies nothing extra (the caller's CollectionCore call already wrote
// storage directly).
//
// CollectionCore's own methods (InsertOne, UpdateOne, ...) perform the
// storage and index mutation themselves; protectMutation's role is purely
// to log intent to the WAL in Safe/Batch modes for crash recovery. It is
// called with the Operation describing what was just durably written, so
// that recovery can redo it if the process crashes before Checkpoint.
func (db *DatabaseCore) protectMutation(op Operation) error {
	switch db.cfg.Durability.Kind() {
	case DurabilitySafe:
		return db.wal.WriteTransaction(db.nextTxID.Add(1), []Operation{op})
	case DurabilityBatch:
		return db.stageBatchOp(op)
	default:
		return nil
	}
}

func (db *DatabaseCore) stageBatchOp(op Operation) error {
	db.batchMu.Lock()
	defer db.batchMu.Unlock()

	db.batchOps = append(db.batchOps, op)

	if len(db.batchOps) >= db.cfg.Durability.BatchSize() {
		return db.flushBatchLocked()
	}

	return nil
}

// FlushBatch forces a group commit of any staged Batch-mode operations.
func (db *DatabaseCore) FlushBatch() error {
	db.batchMu.Lock()
	defer db.batchMu.Unlock()

	return db.flushBatchLocked()
}

func (db *DatabaseCore) flushBatchLocked() error {
	if len(db.batchOps) == 0 {
		return nil
	}

	ops := db.batchOps
	db.batchOps = nil

	return db.wal.WriteTransaction(db.nextTxID.Add(1), ops)
}

// InsertOne inserts fields into the named collection under the configured
// durability mode.
func (db *DatabaseCore) InsertOne(collection string, fields map[string]any) (Document, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return Document{}, err
	}

	doc, err := c.InsertOne(fields)
	if err != nil {
		return Document{}, err
	}

	body, _ := jsonMarshal(doc.AsStoredFields())

	if err := db.protectMutation(Operation{Kind: OpInsert, Collection: collection, DocID: doc.ID, Doc: body}); err != nil {
		return Document{}, err
	}

	return doc, nil
}

// UpdateOne updates the first document matching filter in collection.
//
// Unlike InsertOne, this does not call protectMutation: no WAL-protected
// update/delete path was ever evidenced in the system this was ported from
// (see DESIGN.md), so Safe mode gives updates/deletes no crash-redo.
func (db *DatabaseCore) UpdateOne(collection string, filter Filter, update map[string]any) (bool, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return false, err
	}

	return c.UpdateOne(filter, update)
}

// DeleteOne deletes the first document matching filter in collection. See
// UpdateOne: not WAL-protected under Safe mode.
func (db *DatabaseCore) DeleteOne(collection string, filter Filter) (bool, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return false, err
	}

	return c.DeleteOne(filter)
}

// Durability returns the configured durability mode.
func (db *DatabaseCore) Durability() DurabilityMode { return db.cfg.Durability }
