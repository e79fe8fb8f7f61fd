package ironbase

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// WalEntryType tags a WAL entry's role in a transaction.
type WalEntryType uint8

const (
	WalBegin WalEntryType = iota
	WalOperation
	WalCommit
	WalAbort
)

// OperationKind tags the variant held by an Operation.
type OperationKind uint8

const (
	OpInsert OperationKind = iota
	OpUpdate
	OpDelete
)

// Operation is the WAL's redo-log payload: one mutation to one document.
// Fields not used by a given Kind are left zero.
type Operation struct {
	Kind       OperationKind `json:"kind"`
	Collection string        `json:"collection"`
	DocID      DocumentId    `json:"docId"`
	Doc        []byte        `json:"doc,omitempty"`    // Insert: new document body; Update: new_doc body; Delete: tombstone body
	OldDoc     []byte        `json:"oldDoc,omitempty"` // Update/Delete: prior document body, for diagnostics only
}

// Wal appends framed, CRC-protected entries to {path}.wal.
type Wal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenWal opens (creating if absent) the WAL file at path.
func OpenWal(path string) (*Wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, wrapIO(err, withOp("open_wal"))
	}

	return &Wal{path: path, file: f}, nil
}

// Close releases the WAL file handle.
func (w *Wal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return wrapIO(err, withOp("close_wal"))
	}

	return nil
}

// encodeEntry frames one WAL entry: u32 tx_id || u8 type || u32 data_len ||
// data || u32 crc32_over(tx_id||type||data_len||data).
func encodeEntry(txID uint32, entryType WalEntryType, data []byte) []byte {
	buf := make([]byte, 4+1+4+len(data)+4)

	binary.LittleEndian.PutUint32(buf[0:4], txID)
	buf[4] = byte(entryType)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(data)))
	copy(buf[9:], data)

	crc := crc32.ChecksumIEEE(buf[:9+len(data)])
	binary.LittleEndian.PutUint32(buf[9+len(data):], crc)

	return buf
}

// appendEntries writes and fsyncs a sequence of entries atomically from the
// caller's perspective: all entries for one WAL append call land
// contiguously before the sync call returns.
func (w *Wal) appendEntries(entries [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range entries {
		if _, err := w.file.Write(e); err != nil {
			return wrapIO(err, withOp("wal_append"))
		}
	}

	if err := w.file.Sync(); err != nil {
		return wrapIO(err, withOp("wal_append"))
	}

	return nil
}

// WriteTransaction appends Begin, one Operation entry per op, then Commit,
// for txID, fsyncing once all entries are written (Safe-mode commit path).
func (w *Wal) WriteTransaction(txID uint32, ops []Operation) error {
	entries := make([][]byte, 0, len(ops)+2)

	entries = append(entries, encodeEntry(txID, WalBegin, nil))

	for _, op := range ops {
		data, err := jsonMarshal(op)
		if err != nil {
			return fmt.Errorf("%w: encoding WAL operation: %w", ErrSerialization, err)
		}

		entries = append(entries, encodeEntry(txID, WalOperation, data))
	}

	entries = append(entries, encodeEntry(txID, WalCommit, nil))

	return w.appendEntries(entries)
}

// WriteAbort appends a bare Abort entry for txID (used by rollback when the
// caller wants an explicit marker; rollback_transaction itself may also
// simply omit Commit and rely on the grouper dropping the Begin).
func (w *Wal) WriteAbort(txID uint32) error {
	return w.appendEntries([][]byte{encodeEntry(txID, WalAbort, nil)})
}

// Truncate clears the WAL file, called at checkpoint() once every committed
// operation has been durably applied to storage and indexes.
func (w *Wal) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return wrapIO(err, withOp("wal_truncate"))
	}

	if _, err := w.file.Seek(0, 0); err != nil {
		return wrapIO(err, withOp("wal_truncate"))
	}

	return nil
}

// Path returns the WAL's file path.
func (w *Wal) Path() string { return w.path }
