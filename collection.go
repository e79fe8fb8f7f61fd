package ironbase

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// CollectionCore implements the per-collection operation set: id
// generation, schema validation, index maintenance, and the catalog-driven
// read/write paths. It holds a shared reference to its DatabaseCore's
// storage lock (via storage's own internal locking) plus its own
// read-write-locked IndexManager and a shared QueryCache.
type CollectionCore struct {
	mu sync.RWMutex

	name    string
	storage *StorageEngine
	indexes *IndexManager
	cache   *QueryCache
	schema  *CompiledSchema
}

// newCollectionCore constructs a CollectionCore from a freshly loaded
// CollectionMeta. For each index it first tries the fast path of loading a
// persisted `{dbPath}.{collection}.{index}.idx` file (written by the last
// Checkpoint or Compact); any index whose file is missing or fails to
// decode falls back to rebuilding its B+ tree from the catalog's live
// documents (the deterministic-rebuild-from-disk guarantee).
func newCollectionCore(name string, storage *StorageEngine, meta CollectionMeta, cache *QueryCache, dbPath string) (*CollectionCore, error) {
	c := &CollectionCore{
		name:    name,
		storage: storage,
		indexes: NewIndexManager(),
		cache:   cache,
		schema:  CompileSchema(meta.Schema),
	}

	for _, d := range meta.Indexes {
		fields := d.fieldList()
		if err := c.indexes.Create(d.Name, fields, d.Unique, d.Sparse); err != nil {
			return nil, err
		}
	}

	if c.indexes.Tree("_id") == nil {
		if err := c.indexes.Create("_id", []string{"_id"}, true, false); err != nil {
			return nil, err
		}
	}

	loaded := make(map[string]bool)

	for _, name := range c.indexes.List() {
		desc, ok := c.indexes.Descriptor(name)
		if !ok {
			continue
		}

		tree, ok := loadPersistedIndex(dbPath, c.name, name, desc.Unique)
		if !ok {
			continue
		}

		c.indexes.installTree(name, tree)
		loaded[name] = true
	}

	for _, entry := range meta.Catalog {
		body, err := storage.ReadData(entry.Offset)
		if err != nil {
			return nil, err
		}

		var fields map[string]any
		if err := jsonUnmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("%w: decoding document at offset %d: %w", ErrCorruption, entry.Offset, err)
		}

		if tomb, _ := fields["_tombstone"].(bool); tomb {
			continue
		}

		if err := c.indexAllFields(entry.ID, fields, loaded); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// loadPersistedIndex attempts the checkpoint-backed fast path for one
// index: read its .idx file and decode it. ok is false (not an error) for
// the ordinary case of no persisted file yet, or a corrupt/stale one,
// either of which the caller recovers from by rebuilding from the catalog.
func loadPersistedIndex(dbPath, collection, index string, unique bool) (tree *BTree, ok bool) {
	data, err := os.ReadFile(indexFilePath(dbPath, collection, index))
	if err != nil {
		return nil, false
	}

	tree, err = DecodeIndexFile(data, unique)
	if err != nil {
		return nil, false
	}

	return tree, true
}

func (c *CollectionCore) indexAllFields(id DocumentId, fields map[string]any, skip map[string]bool) error {
	if !skip["_id"] {
		idKey, err := KeyFromValue(id)
		if err != nil {
			return err
		}

		if err := c.indexes.Tree("_id").Insert(idKey, id); err != nil {
			return err
		}
	}

	for _, name := range c.indexes.List() {
		if name == "_id" || skip[name] {
			continue
		}

		desc, _ := c.indexes.Descriptor(name)

		key, ok := indexKeyForDescriptor(desc, fields)
		if !ok {
			continue
		}

		if err := c.indexes.Tree(name).Insert(key, id); err != nil {
			return err
		}
	}

	return nil
}

// persistIndexes writes every one of the collection's indexes to its
// `.idx` file via two-phase commit, refreshing each descriptor's root
// offset and key count from the result. Called at Checkpoint and after
// Compact so the fast path in newCollectionCore has something to load.
func (c *CollectionCore) persistIndexes(dbPath string) error {
	for _, name := range c.indexes.List() {
		tree := c.indexes.Tree(name)
		if tree == nil {
			continue
		}

		finalPath := indexFilePath(dbPath, c.name, name)

		tmpPath, root, err := PrepareIndexChanges(finalPath, tree)
		if err != nil {
			return err
		}

		if err := CommitPreparedChanges(tmpPath, finalPath); err != nil {
			_ = RollbackPreparedChanges(tmpPath)
			return err
		}

		c.indexes.setRoot(name, root)
		c.indexes.setKeyCount(name, tree.NumKeys())
	}

	return c.storage.SetIndexes(c.name, c.indexes.descriptorsSnapshot())
}

// indexKeyForDescriptor resolves the value(s) a document has for an
// index's field list into an IndexKey, compounding multiple fields in
// order. An absent field is skipped (ok=false) for a sparse index and
// indexed as a null key otherwise.
func indexKeyForDescriptor(desc IndexDescriptor, fields map[string]any) (IndexKey, bool) {
	fieldList := desc.fieldList()
	if len(fieldList) == 0 {
		return IndexKey{}, false
	}

	if len(fieldList) == 1 {
		v, present := ResolvePath(fields, fieldList[0])
		if !present {
			if desc.Sparse {
				return IndexKey{}, false
			}

			v = nil
		}

		key, err := KeyFromValue(v)
		if err != nil {
			return IndexKey{}, false
		}

		return key, true
	}

	parts := make([]IndexKey, len(fieldList))

	for i, f := range fieldList {
		v, present := ResolvePath(fields, f)
		if !present {
			if desc.Sparse {
				return IndexKey{}, false
			}

			v = nil
		}

		k, err := KeyFromValue(v)
		if err != nil {
			return IndexKey{}, false
		}

		parts[i] = k
	}

	return compoundKey(parts), true
}

// Name returns the collection's name.
func (c *CollectionCore) Name() string { return c.name }

// Indexes exposes the collection's index manager (used by DatabaseCore's
// create_index/drop_index and by compaction's index rebuild).
func (c *CollectionCore) Indexes() *IndexManager { return c.indexes }

// SetSchema replaces the compiled schema used by future inserts/updates.
func (c *CollectionCore) SetSchema(doc *SchemaDoc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.schema = CompileSchema(doc)

	return c.storage.SetSchema(c.name, doc)
}

// GetSchema returns the collection's currently persisted schema, or nil.
func (c *CollectionCore) GetSchema() (*SchemaDoc, error) {
	meta, err := c.storage.MetaSnapshot(c.name)
	if err != nil {
		return nil, err
	}

	return meta.Schema, nil
}

// resolveDocID returns the id to use for an insert: the caller-provided
// `_id` field if present, else a freshly generated integer id.
func (c *CollectionCore) resolveDocID(fields map[string]any) (DocumentId, error) {
	if raw, ok := fields["_id"]; ok {
		return idFromStoredValue(raw)
	}

	next, err := c.storage.NextID(c.name)
	if err != nil {
		return DocumentId{}, err
	}

	return IntID(next), nil
}

func idFromStoredValue(raw any) (DocumentId, error) {
	switch v := raw.(type) {
	case string:
		if id, err := ObjectIDFrom(v); err == nil {
			return id, nil
		}

		return StringID(v), nil
	case int64:
		return IntID(v), nil
	case int:
		return IntID(int64(v)), nil
	case float64:
		return IntID(int64(v)), nil
	default:
		return DocumentId{}, fmt.Errorf("%w: unsupported _id value type %T", ErrSerialization, raw)
	}
}

// InsertOne validates fields against the schema, resolves or generates the
// document id, updates every applicable index, appends the framed record,
// bumps live_count, and invalidates the query cache.
func (c *CollectionCore) InsertOne(fields map[string]any) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.insertOneLocked(fields)
}

func (c *CollectionCore) insertOneLocked(fields map[string]any) (Document, error) {
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

	doc := NewDocument(id, c.name, fields)
	stored := doc.AsStoredFields()

	if err := c.applyIndexesForInsert(id, stored); err != nil {
		return Document{}, err
	}

	body, err := jsonMarshal(stored)
	if err != nil {
		c.rollbackIndexesForInsert(id, stored)
		return Document{}, fmt.Errorf("%w: encoding document: %w", ErrSerialization, err)
	}

	if _, err := c.storage.WriteDocumentRaw(c.name, id, body); err != nil {
		c.rollbackIndexesForInsert(id, stored)
		return Document{}, err
	}

	if err := c.storage.AdjustLiveCount(c.name, 1); err != nil {
		return Document{}, err
	}

	c.cache.InvalidateCollection(c.name)

	return doc, nil
}

func mustIndexKey(id DocumentId) IndexKey {
	k, _ := KeyFromValue(id)
	return k
}

func (c *CollectionCore) applyIndexesForInsert(id DocumentId, fields map[string]any) error {
	idKey, _ := KeyFromValue(id)
	if err := c.indexes.Tree("_id").Insert(idKey, id); err != nil {
		return err
	}

	for _, name := range c.indexes.List() {
		if name == "_id" {
			continue
		}

		desc, _ := c.indexes.Descriptor(name)

		key, ok := indexKeyForDescriptor(desc, fields)
		if !ok {
			continue
		}

		if err := c.indexes.Tree(name).Insert(key, id); err != nil {
			c.indexes.Tree("_id").Delete(idKey, id)
			return err
		}
	}

	return nil
}

func (c *CollectionCore) rollbackIndexesForInsert(id DocumentId, fields map[string]any) {
	idKey, _ := KeyFromValue(id)
	c.indexes.Tree("_id").Delete(idKey, id)

	for _, name := range c.indexes.List() {
		if name == "_id" {
			continue
		}

		desc, _ := c.indexes.Descriptor(name)

		key, ok := indexKeyForDescriptor(desc, fields)
		if !ok {
			continue
		}

		c.indexes.Tree(name).Delete(key, id)
	}
}

// InsertMany reserves len(docs) ids up front, assigns them to the documents
// that lack an _id, and checks every _id against the collection and the rest
// of the batch, so a duplicate _id anywhere in the batch fails before any
// document is written.
func (c *CollectionCore) InsertMany(docs []map[string]any) ([]Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start, err := c.storage.ReserveIDs(c.name, int64(len(docs)))
	if err != nil {
		return nil, err
	}

	next := start

	seen := make(map[DocumentId]bool, len(docs))

	for _, f := range docs {
		if _, ok := f["_id"]; !ok {
			f["_id"] = next
			next++
		}

		id, err := idFromStoredValue(f["_id"])
		if err != nil {
			return nil, err
		}

		if _, found := c.indexes.Tree("_id").Search(mustIndexKey(id)); found || seen[id] {
			return nil, fmt.Errorf("%w: duplicate _id %s", ErrIndexError, id.String())
		}

		seen[id] = true
	}

	out := make([]Document, 0, len(docs))

	for _, f := range docs {
		doc, err := c.insertOneLocked(f)
		if err != nil {
			return out, err
		}

		out = append(out, doc)
	}

	return out, nil
}

// findByID is the fast catalog lookup path for find_one({_id: X}) and
// cursor materialization.
func (c *CollectionCore) findByID(id DocumentId) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

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

func (c *CollectionCore) readAt(offset int64) (Document, error) {
	body, err := c.storage.ReadData(offset)
	if err != nil {
		return Document{}, err
	}

	var fields map[string]any
	if err := jsonUnmarshal(body, &fields); err != nil {
		return Document{}, fmt.Errorf("%w: decoding document at offset %d: %w", ErrCorruption, offset, err)
	}

	if tomb, _ := fields["_tombstone"].(bool); tomb {
		return Document{}, ErrDocumentNotFound
	}

	return documentFromStored(fields)
}

func documentFromStored(fields map[string]any) (Document, error) {
	rawID, ok := fields["_id"]
	if !ok {
		return Document{}, fmt.Errorf("%w: stored document missing _id", ErrCorruption)
	}

	id, err := idFromStoredValue(rawID)
	if err != nil {
		return Document{}, err
	}

	collection, _ := fields["_collection"].(string)

	clean := make(map[string]any, len(fields))

	for k, v := range fields {
		if k == "_id" || k == "_collection" || k == "_tombstone" {
			continue
		}

		clean[k] = v
	}

	return NewDocument(id, collection, clean), nil
}

// FindOne returns the first live document matching filter.
func (c *CollectionCore) FindOne(filter Filter) (Document, bool, error) {
	ids, err := c.findIDs(filter)
	if err != nil {
		return Document{}, false, err
	}

	for _, id := range ids {
		doc, err := c.findByID(id)
		if err != nil {
			continue
		}

		return doc, true, nil
	}

	return Document{}, false, nil
}

// Find returns every live document matching filter.
func (c *CollectionCore) Find(filter Filter) ([]Document, error) {
	ids, err := c.findIDs(filter)
	if err != nil {
		return nil, err
	}

	out := make([]Document, 0, len(ids))

	for _, id := range ids {
		doc, err := c.readAliveByID(id)
		if err != nil {
			continue
		}

		out = append(out, doc)
	}

	return out, nil
}

func (c *CollectionCore) readAliveByID(id DocumentId) (Document, error) {
	return c.findByID(id)
}

// findIDs produces the id list for filter from the query cache or, on a
// miss, from a full catalog scan; the query planner is not consulted here.
func (c *CollectionCore) findIDs(filter Filter) ([]DocumentId, error) {
	key := CanonicalKey(filter)

	if ids, hit := c.cache.Get(c.name, key); hit {
		return ids, nil
	}

	ids, err := c.scanIDs(filter)
	if err != nil {
		return nil, err
	}

	c.cache.Put(c.name, key, ids)

	return ids, nil
}

func (c *CollectionCore) scanIDs(filter Filter) ([]DocumentId, error) {
	meta, err := c.storage.MetaSnapshot(c.name)
	if err != nil {
		return nil, err
	}

	var out []DocumentId

	for _, entry := range meta.Catalog {
		doc, err := c.readAt(entry.Offset)
		if err != nil {
			if isDocumentNotFound(err) {
				continue
			}

			return nil, err
		}

		// _id must be queryable even though it lives outside doc.Fields;
		// _collection/_tombstone are bookkeeping, not query surface, so they
		// are deliberately left out of this merge.
		matchable := doc.Fields
		if _, has := matchable["_id"]; !has {
			matchable = make(map[string]any, len(doc.Fields)+1)
			for k, v := range doc.Fields {
				matchable[k] = v
			}
			matchable["_id"] = idToStoredValue(doc.ID)
		}

		if filter.Match(matchable) {
			out = append(out, doc.ID)
		}
	}

	return out, nil
}

func isDocumentNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound)
}

// FindWithOptions applies find's id list through sort/skip/limit/projection.
func (c *CollectionCore) FindWithOptions(filter Filter, plan Plan, opts FindOptions) ([]map[string]any, error) {
	ids, err := c.idsForPlan(filter, plan)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(ids))

	for _, id := range ids {
		doc, err := c.readAliveByID(id)
		if err != nil {
			continue
		}

		docs = append(docs, doc)
	}

	preSorted := singleFieldIndexSort(opts, plan.Field, plan.Kind)
	if preSorted {
		docs = reverseIfDescending(docs, opts)
	}

	docs = applySortSkipLimit(docs, opts, preSorted)

	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = opts.Projection.Apply(d.AsStoredFields())
	}

	return out, nil
}

// Explain reports, as a {"queryPlan": {...}} document, which scan strategy
// ChoosePlan selects for query against this collection's current indexes.
func (c *CollectionCore) Explain(query map[string]any) map[string]any {
	return Explain(ChoosePlan(query, c.AvailableIndexNamesByField()))
}

// FindWithHint runs query forcing hintIndex as the index, bypassing
// ChoosePlan's own index selection for whatever field query names. Returns
// ErrIndexError if hintIndex does not name an index defined on this
// collection.
func (c *CollectionCore) FindWithHint(query map[string]any, hintIndex string, opts FindOptions) ([]map[string]any, error) {
	filter, err := ParseFilter(query)
	if err != nil {
		return nil, err
	}

	plan, err := PlanWithHint(query, hintIndex, c.indexes.List())
	if err != nil {
		return nil, err
	}

	return c.FindWithOptions(filter, plan, opts)
}

// idsForPlan executes a chosen Plan directly against the index manager
// (bypassing a full scan) when the plan names an index, falling back to
// scanIDs for a CollectionScan.
func (c *CollectionCore) idsForPlan(filter Filter, plan Plan) ([]DocumentId, error) {
	switch plan.Kind {
	case PlanIndexScan:
		tree := c.indexes.Tree(plan.Index)
		if tree == nil {
			return c.scanIDs(filter)
		}

		return tree.SearchAll(plan.Key), nil
	case PlanIndexRangeScan:
		tree := c.indexes.Tree(plan.Index)
		if tree == nil {
			return c.scanIDs(filter)
		}

		return tree.RangeScan(plan.Start, plan.End, plan.InclS, plan.InclE), nil
	default:
		return c.findIDs(filter)
	}
}

// FindStreaming returns a non-live Cursor snapshotting filter's id list.
func (c *CollectionCore) FindStreaming(filter Filter) (*Cursor, error) {
	ids, err := c.findIDs(filter)
	if err != nil {
		return nil, err
	}

	return newCursor(c, ids), nil
}

// CountDocuments returns the number of live documents matching filter.
func (c *CollectionCore) CountDocuments(filter Filter) (int, error) {
	ids, err := c.findIDs(filter)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, id := range ids {
		if _, err := c.findByID(id); err == nil {
			n++
		}
	}

	return n, nil
}

// Distinct scans filter's matches and returns the set of distinct values
// at field, canonicalized for set-membership but preserving the original
// value shape in the output.
func (c *CollectionCore) Distinct(field string, filter Filter) ([]any, error) {
	docs, err := c.Find(filter)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)

	var out []any

	for _, d := range docs {
		v, ok := ResolvePath(d.Fields, field)
		if !ok {
			continue
		}

		canon, err := jsonMarshal(v)
		if err != nil {
			continue
		}

		key := string(canon)
		if seen[key] {
			continue
		}

		seen[key] = true

		out = append(out, v)
	}

	return out, nil
}

// UpdateOne applies update to the first document matching filter.
func (c *CollectionCore) UpdateOne(filter Filter, update map[string]any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.scanIDs(filter)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		changed, err := c.updateByID(id, update)
		if err != nil {
			continue
		}

		if changed {
			c.cache.InvalidateCollection(c.name)
			return true, nil
		}

		return false, nil
	}

	return false, nil
}

// UpdateMany applies update to every document matching filter, returning
// the count changed.
func (c *CollectionCore) UpdateMany(filter Filter, update map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.scanIDs(filter)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, id := range ids {
		changed, err := c.updateByID(id, update)
		if err != nil {
			return n, err
		}

		if changed {
			n++
		}
	}

	if n > 0 {
		c.cache.InvalidateCollection(c.name)
	}

	return n, nil
}

func (c *CollectionCore) updateByID(id DocumentId, update map[string]any) (bool, error) {
	meta, err := c.storage.MetaSnapshot(c.name)
	if err != nil {
		return false, err
	}

	offset, ok := meta.lookup(id)
	if !ok {
		return false, ErrDocumentNotFound
	}

	doc, err := c.readAt(offset)
	if err != nil {
		return false, err
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

	newDoc := NewDocument(id, c.name, newFields)
	newStored := newDoc.AsStoredFields()

	tombstone := tombstoneRecord(id, c.name)

	tombBody, err := jsonMarshal(tombstone)
	if err != nil {
		return false, fmt.Errorf("%w: encoding tombstone: %w", ErrSerialization, err)
	}

	if _, err := c.storage.WriteDocumentRaw(c.name, id, tombBody); err != nil {
		return false, err
	}

	newBody, err := jsonMarshal(newStored)
	if err != nil {
		return false, fmt.Errorf("%w: encoding document: %w", ErrSerialization, err)
	}

	if _, err := c.storage.WriteDocumentRaw(c.name, id, newBody); err != nil {
		return false, err
	}

	c.updateIndexesForChange(id, oldStored, newStored)

	return true, nil
}

func (c *CollectionCore) updateIndexesForChange(id DocumentId, oldFields, newFields map[string]any) {
	for _, name := range c.indexes.List() {
		if name == "_id" {
			continue
		}

		desc, _ := c.indexes.Descriptor(name)

		oldKey, oldOK := indexKeyForDescriptor(desc, oldFields)
		newKey, newOK := indexKeyForDescriptor(desc, newFields)

		tree := c.indexes.Tree(name)

		if oldOK {
			tree.Delete(oldKey, id)
		}

		if newOK {
			_ = tree.Insert(newKey, id)
		}
	}
}

func tombstoneRecord(id DocumentId, collection string) map[string]any {
	return map[string]any{
		"_id":         idToStoredValue(id),
		"_collection": collection,
		"_tombstone":  true,
	}
}

func idToStoredValue(id DocumentId) any {
	switch id.Kind() {
	case IDKindInt:
		return id.Int()
	default:
		return id.String()
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	return out
}

// DeleteOne writes a tombstone for the first document matching filter.
func (c *CollectionCore) DeleteOne(filter Filter) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.scanIDs(filter)
	if err != nil {
		return false, err
	}

	for _, id := range ids {
		deleted, err := c.deleteByID(id)
		if err != nil {
			continue
		}

		if deleted {
			c.cache.InvalidateCollection(c.name)
			return true, nil
		}
	}

	return false, nil
}

// DeleteMany writes tombstones for every document matching filter,
// returning the count deleted.
func (c *CollectionCore) DeleteMany(filter Filter) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.scanIDs(filter)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, id := range ids {
		deleted, err := c.deleteByID(id)
		if err != nil {
			return n, err
		}

		if deleted {
			n++
		}
	}

	if n > 0 {
		c.cache.InvalidateCollection(c.name)
	}

	return n, nil
}

func (c *CollectionCore) deleteByID(id DocumentId) (bool, error) {
	meta, err := c.storage.MetaSnapshot(c.name)
	if err != nil {
		return false, err
	}

	offset, ok := meta.lookup(id)
	if !ok {
		return false, nil
	}

	doc, err := c.readAt(offset)
	if err != nil {
		if isDocumentNotFound(err) {
			return false, nil
		}

		return false, err
	}

	oldStored := doc.AsStoredFields()

	tombBody, err := jsonMarshal(tombstoneRecord(id, c.name))
	if err != nil {
		return false, fmt.Errorf("%w: encoding tombstone: %w", ErrSerialization, err)
	}

	if _, err := c.storage.WriteDocumentRaw(c.name, id, tombBody); err != nil {
		return false, err
	}

	if err := c.storage.AdjustLiveCount(c.name, -1); err != nil {
		return false, err
	}

	for _, name := range c.indexes.List() {
		if name == "_id" {
			c.indexes.Tree("_id").Delete(mustIndexKey(id), id)
			continue
		}

		desc, _ := c.indexes.Descriptor(name)

		key, ok := indexKeyForDescriptor(desc, oldStored)
		if !ok {
			continue
		}

		c.indexes.Tree(name).Delete(key, id)
	}

	return true, nil
}

// Aggregate runs a pipeline over every live document in the collection.
func (c *CollectionCore) Aggregate(stages []AggStage) ([]map[string]any, error) {
	docs, err := c.Find(andFilter{})
	if err != nil {
		return nil, err
	}

	raw := make([]map[string]any, len(docs))
	for i, d := range docs {
		raw[i] = d.AsStoredFields()
	}

	return RunAggPipeline(raw, stages)
}

// CreateIndex adds a single-field index and backfills it from the current
// catalog.
func (c *CollectionCore) CreateIndex(name, field string, unique, sparse bool) error {
	return c.createIndex(name, []string{field}, unique, sparse)
}

// CreateCompoundIndex adds a multi-field index and backfills it.
func (c *CollectionCore) CreateCompoundIndex(name string, fields []string, unique, sparse bool) error {
	return c.createIndex(name, fields, unique, sparse)
}

func (c *CollectionCore) createIndex(name string, fields []string, unique, sparse bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.indexes.Create(name, fields, unique, sparse); err != nil {
		return err
	}

	meta, err := c.storage.MetaSnapshot(c.name)
	if err != nil {
		return err
	}

	tree := c.indexes.Tree(name)
	desc, _ := c.indexes.Descriptor(name)

	for _, entry := range meta.Catalog {
		doc, err := c.readAt(entry.Offset)
		if err != nil {
			continue
		}

		key, ok := indexKeyForDescriptor(desc, doc.AsStoredFields())
		if !ok {
			continue
		}

		if err := tree.Insert(key, entry.ID); err != nil {
			_ = c.indexes.Drop(name)
			return err
		}
	}

	return c.storage.SetIndexes(c.name, c.indexes.descriptorsSnapshot())
}

// DropIndex removes a named index (not "_id", which is mandatory).
func (c *CollectionCore) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "_id" {
		return fmt.Errorf("%w: the _id index cannot be dropped", ErrIndexError)
	}

	if err := c.indexes.Drop(name); err != nil {
		return err
	}

	return c.storage.SetIndexes(c.name, c.indexes.descriptorsSnapshot())
}

// ListIndexes returns every index's descriptor.
func (c *CollectionCore) ListIndexes() []IndexDescriptor {
	return c.indexes.descriptorsSnapshot()
}

// AvailableIndexNamesByField maps a field name to every index whose
// leading key is that field, for the query planner.
func (c *CollectionCore) AvailableIndexNamesByField() map[string][]string {
	out := make(map[string][]string)

	for _, name := range c.indexes.List() {
		desc, _ := c.indexes.Descriptor(name)

		fields := desc.fieldList()
		if len(fields) == 0 {
			continue
		}

		out[fields[0]] = append(out[fields[0]], name)
	}

	return out
}
