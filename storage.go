package ironbase

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
)

// storageMagic is the 8-byte magic stamped at offset 0 of a data file.
const storageMagic = "MONGOLTE"

const (
	storageVersion       = 1
	defaultPageSize      = 4096
	headerSize           = 8 + 4 + 4 + 4 + 8 // magic + version + pageSize + collCount + freeListHead
	mmapThresholdBytes   = 1 << 30           // 1 GiB; above this, reads go through the file handle only
	flushConvergenceCap  = 5
)

// storageHeader is the fixed 28-byte prefix of a data file.
type storageHeader struct {
	Magic           [8]byte
	Version         uint32
	PageSize        uint32
	CollectionCount uint32
	FreeListHead    uint64
}

// CatalogEntry maps one document id to the byte offset of its current
// record in the data region.
type CatalogEntry struct {
	ID     DocumentId `json:"id"`
	Offset int64      `json:"offset"`
}

// CollectionMeta is a collection's persisted metadata blob: its document
// catalog, index descriptors, and optional schema.
type CollectionMeta struct {
	Name          string            `json:"name"`
	DocumentCount int64             `json:"documentCount"`
	LiveCount     int64             `json:"liveCount"`
	DataOffset    int64             `json:"dataOffset"`
	IndexOffset   int64             `json:"indexOffset"`
	LastID        int64             `json:"lastId"`
	Catalog       []CatalogEntry    `json:"catalog"`
	Indexes       []IndexDescriptor `json:"indexes"`
	Schema        *SchemaDoc        `json:"schema,omitempty"`

	catalogIdx map[DocumentId]int // id -> index into Catalog, rebuilt on load
}

func (m *CollectionMeta) rebuildCatalogIndex() {
	m.catalogIdx = make(map[DocumentId]int, len(m.Catalog))
	for i, e := range m.Catalog {
		m.catalogIdx[e.ID] = i
	}
}

// lookup returns the offset for id, if cataloged.
func (m *CollectionMeta) lookup(id DocumentId) (int64, bool) {
	if m.catalogIdx == nil {
		m.rebuildCatalogIndex()
	}

	i, ok := m.catalogIdx[id]
	if !ok {
		return 0, false
	}

	return m.Catalog[i].Offset, true
}

// setOffset records id -> offset, appending a new catalog entry if id is new
// and returning whether it was new.
func (m *CollectionMeta) setOffset(id DocumentId, offset int64) (isNew bool) {
	if m.catalogIdx == nil {
		m.rebuildCatalogIndex()
	}

	if i, ok := m.catalogIdx[id]; ok {
		m.Catalog[i].Offset = offset
		return false
	}

	m.catalogIdx[id] = len(m.Catalog)
	m.Catalog = append(m.Catalog, CatalogEntry{ID: id, Offset: offset})

	return true
}

// StorageEngine owns the single on-disk data file: header, metadata block,
// and append-only data region. All mutation goes through mu; readers take
// a read lock.
//
// An mmap view is opened for files under mmapThresholdBytes to accelerate
// reads (see storage_mmap.go); above that size, or when mmap setup fails,
// reads fall back to pread-style file-handle access. Writes always go
// through the file handle, never the mmap.
type StorageEngine struct {
	mu sync.RWMutex

	path string
	file *os.File

	header      storageHeader
	collections map[string]*CollectionMeta
	order       []string // creation order, mirrors on-disk metadata order

	dataEnd int64 // current end of file, i.e. next write offset

	mmap mmapView
}

// OpenStorageEngine opens (creating if absent) the data file at path.
func OpenStorageEngine(path string) (*StorageEngine, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, wrapIO(err, withOp("open_storage"))
	}

	s := &StorageEngine{
		path:        path,
		file:        f,
		collections: make(map[string]*CollectionMeta),
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, wrapIO(err, withOp("open_storage"))
	}

	if info.Size() == 0 {
		s.header = storageHeader{Version: storageVersion, PageSize: defaultPageSize}
		copy(s.header.Magic[:], storageMagic)

		if err := s.flushLocked(); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else if err := s.load(); err != nil {
		_ = f.Close()
		return nil, err
	}

	s.openMmap()

	return s, nil
}

// Close releases the file handle and any mmap view.
func (s *StorageEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeMmap()

	if err := s.file.Close(); err != nil {
		return wrapIO(err, withOp("close_storage"))
	}

	return nil
}

func (s *StorageEngine) load() error {
	buf := make([]byte, headerSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return wrapIO(err, withOp("load_storage"))
	}

	var h storageHeader

	copy(h.Magic[:], buf[0:8])

	if string(h.Magic[:]) != storageMagic {
		return fmt.Errorf("%w: bad magic in data file header", ErrCorruption)
	}

	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.PageSize = binary.LittleEndian.Uint32(buf[12:16])
	h.CollectionCount = binary.LittleEndian.Uint32(buf[16:20])
	h.FreeListHead = binary.LittleEndian.Uint64(buf[20:28])

	s.header = h

	offset := int64(headerSize)

	for i := uint32(0); i < h.CollectionCount; i++ {
		lenBuf := make([]byte, 4)
		if _, err := s.file.ReadAt(lenBuf, offset); err != nil {
			return wrapIO(err, withOp("load_storage"))
		}

		length := binary.LittleEndian.Uint32(lenBuf)
		offset += 4

		body := make([]byte, length)
		if _, err := s.file.ReadAt(body, offset); err != nil {
			return wrapIO(err, withOp("load_storage"))
		}

		offset += int64(length)

		var meta CollectionMeta
		if err := jsonUnmarshal(body, &meta); err != nil {
			return fmt.Errorf("%w: decoding collection metadata: %w", ErrCorruption, err)
		}

		meta.rebuildCatalogIndex()

		s.collections[meta.Name] = &meta
		s.order = append(s.order, meta.Name)
	}

	info, err := s.file.Stat()
	if err != nil {
		return wrapIO(err, withOp("load_storage"))
	}

	s.dataEnd = info.Size()

	return nil
}

// CreateCollection adds a new, empty collection. Fails with
// ErrCollectionExists if name is already present.
func (s *StorageEngine) CreateCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; exists {
		return fmt.Errorf("%w: collection %q", ErrCollectionExists, name)
	}

	meta := &CollectionMeta{Name: name}
	meta.rebuildCatalogIndex()

	s.collections[name] = meta
	s.order = append(s.order, name)

	return s.flushLocked()
}

// DropCollection removes a collection and its metadata. Fails with
// ErrCollectionNotFound if name is absent. Data region bytes belonging to
// the dropped collection are not reclaimed until the next compaction.
func (s *StorageEngine) DropCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[name]; !exists {
		return fmt.Errorf("%w: collection %q", ErrCollectionNotFound, name)
	}

	delete(s.collections, name)

	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	return s.flushLocked()
}

// ListCollections returns every collection name in creation order.
func (s *StorageEngine) ListCollections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)

	return out
}

// HasCollection reports whether name exists.
func (s *StorageEngine) HasCollection(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.collections[name]

	return ok
}

// MetaSnapshot returns a deep-enough copy of a collection's metadata for a
// CollectionCore constructor to rebuild its catalog and indexes from.
// Fails with ErrCollectionNotFound if absent.
func (s *StorageEngine) MetaSnapshot(name string) (CollectionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.collections[name]
	if !ok {
		return CollectionMeta{}, fmt.Errorf("%w: collection %q", ErrCollectionNotFound, name)
	}

	cp := *m
	cp.Catalog = append([]CatalogEntry(nil), m.Catalog...)
	cp.Indexes = append([]IndexDescriptor(nil), m.Indexes...)
	cp.rebuildCatalogIndex()

	return cp, nil
}

// WriteData appends a framed record (u32 length || bytes) to the data
// region and returns its starting offset.
func (s *StorageEngine) WriteData(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeDataLocked(data)
}

func (s *StorageEngine) writeDataLocked(data []byte) (int64, error) {
	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	offset := s.dataEnd

	if _, err := s.file.WriteAt(frame, offset); err != nil {
		return 0, wrapIO(err, withOp("write_data"))
	}

	s.dataEnd += int64(len(frame))

	return offset, nil
}

// ReadData reads the framed record starting at offset and returns its body.
func (s *StorageEngine) ReadData(offset int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readDataLocked(offset)
}

func (s *StorageEngine) readDataLocked(offset int64) ([]byte, error) {
	if b, ok := s.mmapReadAt(offset); ok {
		return b, nil
	}

	lenBuf := make([]byte, 4)
	if _, err := s.file.ReadAt(lenBuf, offset); err != nil {
		return nil, wrapIO(err, withOp("read_data"))
	}

	length := binary.LittleEndian.Uint32(lenBuf)

	if offset+4+int64(length) > s.dataEnd {
		return nil, fmt.Errorf("%w: record length at offset %d extends beyond data region", ErrCorruption, offset)
	}

	body := make([]byte, length)
	if _, err := s.file.ReadAt(body, offset+4); err != nil {
		return nil, wrapIO(err, withOp("read_data"))
	}

	return body, nil
}

// WriteDocumentRaw appends a framed document body for id within
// collection, updates its catalog entry and document_count (if id is new),
// and returns the new record's offset. Does not touch the WAL.
func (s *StorageEngine) WriteDocumentRaw(collection string, id DocumentId, body []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: collection %q", ErrCollectionNotFound, collection)
	}

	offset, err := s.writeDataLocked(body)
	if err != nil {
		return 0, err
	}

	if isNew := meta.setOffset(id, offset); isNew {
		meta.DocumentCount++
	}

	return offset, nil
}

// AdjustLiveCount adds delta (positive or negative) to a collection's
// live_count.
func (s *StorageEngine) AdjustLiveCount(collection string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrCollectionNotFound, collection)
	}

	meta.LiveCount += delta

	return nil
}

// NextID reserves a fresh auto-generated integer id by advancing
// last_id by one and returning the new value.
func (s *StorageEngine) NextID(collection string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: collection %q", ErrCollectionNotFound, collection)
	}

	meta.LastID++

	return meta.LastID, nil
}

// ReserveIDs advances last_id by n and returns the first reserved value;
// the caller owns values [start, start+n).
func (s *StorageEngine) ReserveIDs(collection string, n int64) (start int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: collection %q", ErrCollectionNotFound, collection)
	}

	start = meta.LastID + 1
	meta.LastID += n

	return start, nil
}

// SetIndexes replaces a collection's persisted index descriptor list.
func (s *StorageEngine) SetIndexes(collection string, descs []IndexDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrCollectionNotFound, collection)
	}

	meta.Indexes = descs

	return nil
}

// SetSchema replaces a collection's persisted schema (nil clears it).
func (s *StorageEngine) SetSchema(collection string, schema *SchemaDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrCollectionNotFound, collection)
	}

	meta.Schema = schema

	return nil
}

// Flush performs the iterative-convergence metadata rewrite described in
// the storage engine's contract: metadata size depends on catalog size,
// which depends on data_offset, which depends on metadata size. Iterates
// until stable or flushConvergenceCap is reached.
func (s *StorageEngine) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushLocked()
}

func (s *StorageEngine) flushLocked() error {
	s.header.CollectionCount = uint32(len(s.order))
	if s.header.PageSize == 0 {
		s.header.PageSize = defaultPageSize
	}

	if string(s.header.Magic[:]) == "" || s.header.Magic == ([8]byte{}) {
		copy(s.header.Magic[:], storageMagic)
	}

	if s.header.Version == 0 {
		s.header.Version = storageVersion
	}

	var metaEnd int64

	for iter := 0; iter < flushConvergenceCap; iter++ {
		size, err := s.metadataSize()
		if err != nil {
			return err
		}

		candidateEnd := int64(headerSize) + size

		for _, name := range s.order {
			s.collections[name].DataOffset = candidateEnd
		}

		nextSize, err := s.metadataSize()
		if err != nil {
			return err
		}

		if int64(headerSize)+nextSize == candidateEnd {
			metaEnd = candidateEnd
			break
		}

		metaEnd = int64(headerSize) + nextSize
	}

	if err := s.writeHeaderAndMeta(); err != nil {
		return err
	}

	info, err := s.file.Stat()
	if err != nil {
		return wrapIO(err, withOp("flush"))
	}

	if info.Size() <= metaEnd {
		if err := s.file.Truncate(metaEnd); err != nil {
			return wrapIO(err, withOp("flush"))
		}

		s.dataEnd = metaEnd
	}

	if s.dataEnd < metaEnd {
		s.dataEnd = metaEnd
	}

	return nil
}

// metadataSize computes the serialized size of every collection's metadata
// blob (including its 4-byte length prefix) without writing anything.
func (s *StorageEngine) metadataSize() (int64, error) {
	var total int64

	for _, name := range s.order {
		body, err := jsonMarshal(s.collections[name])
		if err != nil {
			return 0, fmt.Errorf("%w: encoding collection metadata: %w", ErrSerialization, err)
		}

		total += 4 + int64(len(body))
	}

	return total, nil
}

func (s *StorageEngine) writeHeaderAndMeta() error {
	buf := make([]byte, headerSize)

	copy(buf[0:8], s.header.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], s.header.Version)
	binary.LittleEndian.PutUint32(buf[12:16], s.header.PageSize)
	binary.LittleEndian.PutUint32(buf[16:20], s.header.CollectionCount)
	binary.LittleEndian.PutUint64(buf[20:28], s.header.FreeListHead)

	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return wrapIO(err, withOp("flush"))
	}

	offset := int64(headerSize)

	for _, name := range s.order {
		body, err := jsonMarshal(s.collections[name])
		if err != nil {
			return fmt.Errorf("%w: encoding collection metadata: %w", ErrSerialization, err)
		}

		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(body)))

		if _, err := s.file.WriteAt(lenBuf, offset); err != nil {
			return wrapIO(err, withOp("flush"))
		}

		offset += 4

		if _, err := s.file.WriteAt(body, offset); err != nil {
			return wrapIO(err, withOp("flush"))
		}

		offset += int64(len(body))
	}

	return nil
}

// Checkpoint flushes metadata and syncs the file to disk.
func (s *StorageEngine) Checkpoint() error {
	if err := s.Flush(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeMmap()

	if err := s.file.Sync(); err != nil {
		return wrapIO(err, withOp("checkpoint"))
	}

	s.openMmapLocked()

	return nil
}

// Stats summarizes the storage engine's current state.
type Stats struct {
	Path            string         `json:"path"`
	SizeBytes       int64          `json:"sizeBytes"`
	CollectionCount int            `json:"collectionCount"`
	Collections     map[string]int `json:"collections"` // name -> live_count
}

// Stats reports file size and per-collection live counts.
func (s *StorageEngine) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.file.Stat()
	if err != nil {
		return Stats{}, wrapIO(err, withOp("stats"))
	}

	out := Stats{
		Path:            s.path,
		SizeBytes:       info.Size(),
		CollectionCount: len(s.order),
		Collections:     make(map[string]int, len(s.order)),
	}

	names := append([]string(nil), s.order...)
	sort.Strings(names)

	for _, name := range names {
		out.Collections[name] = int(s.collections[name].LiveCount)
	}

	return out, nil
}
