package ironbase

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"
)

// Index file layout (§6): a sequence of fixed pageSize pages. Byte 0 of each
// page is the node type (nodeTypeInternal or nodeTypeLeaf); bytes 1..5 hold
// a little-endian u32 payload length; the remaining bytes hold that many
// bytes of JSON payload, zero-padded to the page boundary.
//
// Internal-node child traversal from disk is not implemented (see the
// design-notes decision in SPEC_FULL.md): every persisted tree is a chain
// of leaf pages, so range_scan over a loaded tree is always complete.
const (
	pageSize       = 4096
	pageHeaderSize = 5 // 1 byte type + 4 byte length
	pagePayloadCap = pageSize - pageHeaderSize

	nodeTypeInternal byte = 0
	nodeTypeLeaf     byte = 1
)

// leafPagePayload is the JSON payload of one leaf page.
type leafPagePayload struct {
	Entries []pageEntry `json:"entries"`
	Next    int64       `json:"next"` // byte offset of next leaf page, -1 if last
}

type pageEntry struct {
	Key indexKeyJSON `json:"key"`
	ID  idJSON       `json:"id"`
}

type idJSON struct {
	Kind DocumentIdKind `json:"kind"`
	Int  int64          `json:"i,omitempty"`
	Str  string         `json:"s,omitempty"`
}

func (id DocumentId) toIDJSON() idJSON {
	return idJSON{Kind: id.kind, Int: id.i, Str: id.s}
}

func (w idJSON) fromIDJSON() DocumentId {
	return DocumentId{kind: w.Kind, i: w.Int, s: w.Str}
}

// encodePages renders the tree's sorted entries into a sequence of
// page-aligned leaf pages, splitting whenever the next entry would not fit
// in the current page's JSON payload budget.
func encodePages(tree *BTree) ([]byte, error) {
	var out bytes.Buffer

	entries := tree.entries

	if len(entries) == 0 {
		page, err := encodeLeafPage(nil, -1)
		if err != nil {
			return nil, err
		}

		out.Write(page)

		return out.Bytes(), nil
	}

	for i := 0; i < len(entries); {
		chunk, consumed, err := fitChunk(entries[i:])
		if err != nil {
			return nil, err
		}

		if consumed == 0 {
			return nil, fmt.Errorf("%w: single index entry exceeds page capacity", ErrIndexError)
		}

		last := i+consumed >= len(entries)

		next := int64(-1)
		if !last {
			next = int64(out.Len() + pageSize)
		}

		page, err := encodeLeafPage(chunk, next)
		if err != nil {
			return nil, err
		}

		out.Write(page)

		i += consumed
	}

	return out.Bytes(), nil
}

// fitChunk greedily packs as many leading entries as fit within one page's
// payload budget, returning the packed entries and how many were consumed.
func fitChunk(entries []btreeEntry) ([]pageEntry, int, error) {
	var chunk []pageEntry

	consumed := 0

	for consumed < len(entries) {
		candidate := append(chunk, btreeEntryToPage(entries[consumed]))

		payload := leafPagePayload{Entries: candidate, Next: 0}

		b, err := jsonMarshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: encoding index page: %w", ErrSerialization, err)
		}

		if len(b) > pagePayloadCap {
			break
		}

		chunk = candidate
		consumed++
	}

	return chunk, consumed, nil
}

func btreeEntryToPage(e btreeEntry) pageEntry {
	return pageEntry{Key: e.Key.toWire(), ID: e.ID.toIDJSON()}
}

func encodeLeafPage(entries []pageEntry, next int64) ([]byte, error) {
	payload := leafPagePayload{Entries: entries, Next: next}

	body, err := jsonMarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding index page: %w", ErrSerialization, err)
	}

	if len(body) > pagePayloadCap {
		return nil, fmt.Errorf("%w: index page payload exceeds page capacity", ErrIndexError)
	}

	page := make([]byte, pageSize)
	page[0] = nodeTypeLeaf
	binary.LittleEndian.PutUint32(page[1:5], uint32(len(body)))
	copy(page[pageHeaderSize:], body)

	return page, nil
}

// indexFilePath renders the `{dbPath}.{collection}.{index}.idx` path an
// index is persisted under (§6's `{dbpath}.{index_name}.idx` naming,
// qualified with the collection name since index names are only unique
// within a collection).
func indexFilePath(dbPath, collection, index string) string {
	return fmt.Sprintf("%s.%s.%s.idx", dbPath, collection, index)
}

// DecodeIndexFile parses a persisted index file back into a BTree. unique
// must match how the tree was created (the flag itself is not re-derived
// from the file; it lives in the collection's index descriptor).
func DecodeIndexFile(data []byte, unique bool) (*BTree, error) {
	if len(data)%pageSize != 0 {
		return nil, fmt.Errorf("%w: index file size is not page-aligned", ErrCorruption)
	}

	tree := NewBTree(unique)

	var entries []btreeEntry

	for offset := 0; offset < len(data); offset += pageSize {
		page := data[offset : offset+pageSize]

		nodeType := page[0]
		if nodeType != nodeTypeLeaf && nodeType != nodeTypeInternal {
			return nil, fmt.Errorf("%w: unknown node type %d at offset %d", ErrCorruption, nodeType, offset)
		}

		if nodeType == nodeTypeInternal {
			return nil, fmt.Errorf("%w: internal node traversal unsupported", ErrIndexError)
		}

		length := binary.LittleEndian.Uint32(page[1:5])
		if int(length) > pagePayloadCap {
			return nil, fmt.Errorf("%w: index page length exceeds capacity", ErrCorruption)
		}

		body := page[pageHeaderSize : pageHeaderSize+int(length)]

		var payload leafPagePayload

		if err := jsonUnmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: decoding index page: %w", ErrCorruption, err)
		}

		for _, e := range payload.Entries {
			entries = append(entries, btreeEntry{Key: e.Key.fromWire(), ID: e.ID.fromIDJSON()})
		}
	}

	if err := tree.BuildFromSorted(entries, false); err != nil {
		return nil, err
	}

	return tree, nil
}

// PrepareIndexChanges writes tree's full page sequence to a freshly named
// sibling temp file next to basePath (basePath itself is untouched) and
// fsyncs it. Returns the temp path for a later CommitPreparedChanges or
// RollbackPreparedChanges call, and the root offset (always 0: the first
// page is the head of the leaf chain).
func PrepareIndexChanges(basePath string, tree *BTree) (tmpPath string, rootOffset int64, err error) {
	data, err := encodePages(tree)
	if err != nil {
		return "", 0, err
	}

	tmpPath = fmt.Sprintf("%s.tmp-%s", basePath, uuid.NewString())

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, wrapIO(err, withOp("prepare_changes"))
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)

		return "", 0, wrapIO(err, withOp("prepare_changes"))
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)

		return "", 0, wrapIO(err, withOp("prepare_changes"))
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, wrapIO(err, withOp("prepare_changes"))
	}

	return tmpPath, 0, nil
}

// CommitPreparedChanges atomically publishes a prepared index file: it
// reads the prepared temp file's bytes and writes them to finalPath via an
// atomic write-then-rename, then removes the temp file. Two-phase commit's
// second phase.
func CommitPreparedChanges(tmpPath, finalPath string) error {
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return wrapIO(err, withOp("commit_prepared_changes"))
	}

	if err := natomic.WriteFile(finalPath, bytes.NewReader(data)); err != nil {
		return wrapIO(err, withOp("commit_prepared_changes"))
	}

	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrapIO(err, withOp("commit_prepared_changes"))
	}

	return nil
}

// RollbackPreparedChanges discards a prepared index file without
// publishing it.
func RollbackPreparedChanges(tmpPath string) error {
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrapIO(err, withOp("rollback_prepared_changes"))
	}

	return nil
}
