// Package ironbase implements the IronBase embeddable document store: an
// append-only data file plus write-ahead log, B+ tree secondary indexes, a
// MongoDB-style query/update/aggregation surface, and crash recovery.
//
// # Overview
//
// A [DatabaseCore] owns one on-disk file (header + metadata + append-only
// data region) and a companion WAL. Documents live in named collections;
// each collection keeps a catalog mapping [DocumentId] to the absolute file
// offset of its most recent record, and zero or more B+ tree secondary
// indexes kept consistent with every insert/update/delete.
//
// # Durability
//
// Callers choose a [DurabilityMode] per database: Safe (each
// DatabaseCore.InsertOne is a synced WAL transaction), Batch (those inserts
// group-committed every N operations), or Unsafe (no WAL, fastest, crash
// loses unflushed writes). Explicit transactions ([TxManager.Begin]) stage
// multiple operations and commit them as one WAL group plus one batch
// update per touched index.
//
// # Concurrency
//
// Single-writer-at-a-time via a read-write lock on the storage engine;
// readers proceed concurrently and observe the last write they did not
// interleave with. There is no cross-process coordination and no snapshot
// isolation beyond that.
package ironbase

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// DocumentIdKind tags the variant held by a DocumentId.
type DocumentIdKind uint8

const (
	// IDKindInt identifies a signed 64-bit integer document id.
	IDKindInt DocumentIdKind = iota
	// IDKindString identifies a string document id.
	IDKindString
	// IDKindObjectID identifies a 24-hex-character object id.
	IDKindObjectID
)

func (k DocumentIdKind) String() string {
	switch k {
	case IDKindInt:
		return "int"
	case IDKindString:
		return "string"
	case IDKindObjectID:
		return "objectId"
	default:
		return "unknown"
	}
}

// DocumentId is a sum type over the three supported primary-key shapes:
// a signed 64-bit integer, an arbitrary UTF-8 string, or a 24-hex-character
// ObjectId. Values are comparable (usable directly as Go map keys) and
// ordered Int < String < ObjectId, with natural ordering within a variant.
type DocumentId struct {
	kind DocumentIdKind
	i    int64
	s    string // holds both the String and ObjectId payload
}

// IntID constructs an Int-variant DocumentId.
func IntID(v int64) DocumentId { return DocumentId{kind: IDKindInt, i: v} }

// StringID constructs a String-variant DocumentId.
func StringID(v string) DocumentId { return DocumentId{kind: IDKindString, s: v} }

// ObjectIDFrom constructs an ObjectId-variant DocumentId from a 24-character
// hex string. Returns ErrSerialization if the string is not a valid ObjectId.
func ObjectIDFrom(hexStr string) (DocumentId, error) {
	if !isValidObjectIDHex(hexStr) {
		return DocumentId{}, fmt.Errorf("%w: invalid object id %q", ErrSerialization, hexStr)
	}

	return DocumentId{kind: IDKindObjectID, s: hexStr}, nil
}

func isValidObjectIDHex(s string) bool {
	if len(s) != 24 {
		return false
	}

	for _, r := range s {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return false
		}
	}

	return true
}

// Kind reports which variant this id holds.
func (id DocumentId) Kind() DocumentIdKind { return id.kind }

// Int returns the integer payload; valid only when Kind() == IDKindInt.
func (id DocumentId) Int() int64 { return id.i }

// String returns the id rendered as a plain string, regardless of variant.
// For IDKindString and IDKindObjectID this is the payload verbatim; for
// IDKindInt it is the decimal rendering.
func (id DocumentId) String() string {
	switch id.kind {
	case IDKindInt:
		return fmt.Sprintf("%d", id.i)
	case IDKindString, IDKindObjectID:
		return id.s
	default:
		return ""
	}
}

// Compare orders DocumentIds: Int < String < ObjectId, natural order within
// a variant. Returns -1, 0, or 1.
func (id DocumentId) Compare(other DocumentId) int {
	if id.kind != other.kind {
		if id.kind < other.kind {
			return -1
		}

		return 1
	}

	switch id.kind {
	case IDKindInt:
		switch {
		case id.i < other.i:
			return -1
		case id.i > other.i:
			return 1
		default:
			return 0
		}
	default:
		switch {
		case id.s < other.s:
			return -1
		case id.s > other.s:
			return 1
		default:
			return 0
		}
	}
}

// MarshalJSON renders the id as a bare JSON value: a number for Int, a
// string for String/ObjectId. This matches how document._id is serialized
// inside a stored record.
func (id DocumentId) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case IDKindInt:
		return []byte(fmt.Sprintf("%d", id.i)), nil
	default:
		b, err := jsonMarshal(id.s)
		if err != nil {
			return nil, err
		}

		return b, nil
	}
}

// UnmarshalJSON parses a bare JSON value into a DocumentId. Numbers become
// Int; strings become ObjectId if they look like one, else String.
func (id *DocumentId) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty document id", ErrSerialization)
	}

	if b[0] == '"' {
		var s string

		if err := jsonUnmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		}

		if isValidObjectIDHex(s) {
			*id = DocumentId{kind: IDKindObjectID, s: s}
		} else {
			*id = DocumentId{kind: IDKindString, s: s}
		}

		return nil
	}

	var n int64

	if err := jsonUnmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	*id = DocumentId{kind: IDKindInt, i: n}

	return nil
}

var objectIDCounter atomic.Uint32

// NewObjectID generates a fresh ObjectId-variant DocumentId, for callers
// that want to assign `_id` client-side before calling InsertOne (the
// engine itself only auto-generates Int ids from a collection's last_id).
func NewObjectID() (DocumentId, error) {
	hexStr, err := newObjectID()
	if err != nil {
		return DocumentId{}, err
	}

	return DocumentId{kind: IDKindObjectID, s: hexStr}, nil
}

// newObjectID generates a 24-hex-character id shaped like a MongoDB
// ObjectID: a 4-byte big-endian Unix timestamp, 5 random bytes, and a
// 3-byte process-local counter. The timestamp prefix keeps ids produced
// close in time close in sort order, which matters for range scans on the
// automatic _id index.
func newObjectID() (string, error) {
	var buf [12]byte

	binary.BigEndian.PutUint32(buf[0:4], uint32(time.Now().Unix()))

	_, err := rand.Read(buf[4:9])
	if err != nil {
		return "", fmt.Errorf("%w: generating object id: %w", ErrIO, err)
	}

	c := objectIDCounter.Add(1)
	buf[9] = byte(c >> 16)
	buf[10] = byte(c >> 8)
	buf[11] = byte(c)

	return hex.EncodeToString(buf[:]), nil
}

// Document is an id plus a field map. Fields mirrors the document's JSON
// object body; Keys lists the field names, in sorted order when built by
// NewDocument.
type Document struct {
	ID         DocumentId
	Collection string
	Fields     map[string]any
	// Keys lists the field names; AsStoredFields and marshaling do not use it.
	Keys []string
	// Tombstone marks this record as a logical delete.
	Tombstone bool
}

// NewDocument builds a Document from a plain field map, assigning stable key
// order by sorting field names.
func NewDocument(id DocumentId, collection string, fields map[string]any) Document {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return Document{ID: id, Collection: collection, Fields: fields, Keys: keys}
}

// Get returns the value at a dot-notation field path and whether it exists.
// See ResolvePath for full path semantics (array indices, recursive
// descent wildcard).
func (d Document) Get(path string) (any, bool) {
	return ResolvePath(d.Fields, path)
}

// Set assigns a value at a dot-notation path, creating intermediate maps as
// needed. Array-index segments require the addressed element to already
// exist (this implementation never grows arrays via Set; $push/$pop handle
// array mutation explicitly in the update executor).
func (d *Document) Set(path string, value any) error {
	if err := SetPath(d.Fields, path, value); err != nil {
		return err
	}

	if !containsKey(d.Keys, topLevelSegment(path)) {
		d.Keys = append(d.Keys, topLevelSegment(path))
	}

	return nil
}

// Unset removes the field at a dot-notation path.
func (d *Document) Unset(path string) {
	UnsetPath(d.Fields, path)

	if !strings_ContainsDot(path) {
		d.Keys = removeKey(d.Keys, path)
	}
}

func containsKey(keys []string, k string) bool {
	for _, existing := range keys {
		if existing == k {
			return true
		}
	}

	return false
}

func removeKey(keys []string, k string) []string {
	out := keys[:0]

	for _, existing := range keys {
		if existing != k {
			out = append(out, existing)
		}
	}

	return out
}

func strings_ContainsDot(s string) bool {
	for _, r := range s {
		if r == '.' {
			return true
		}
	}

	return false
}

func topLevelSegment(path string) string {
	for i, r := range path {
		if r == '.' {
			return path[:i]
		}
	}

	return path
}

// AsStoredFields returns a map suitable for serialization, guaranteed to
// carry the mirrored _id, _collection, and (if set) _tombstone reserved
// fields described in the data model.
func (d Document) AsStoredFields() map[string]any {
	out := make(map[string]any, len(d.Fields)+3)

	for k, v := range d.Fields {
		out[k] = v
	}

	out["_id"] = d.ID
	out["_collection"] = d.Collection

	if d.Tombstone {
		out["_tombstone"] = true
	}

	return out
}
