package ironbase

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Check with errors.Is; every returned error from a
// public operation wraps exactly one of these (see Error).
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrIndexError         = errors.New("index error")
	ErrSerialization      = errors.New("serialization error")
	ErrSchema             = errors.New("schema validation failed")
	ErrCorruption         = errors.New("corruption")
	ErrIO                 = errors.New("io error")
	ErrClosed             = errors.New("database closed")
	ErrTxNotFound         = errors.New("transaction not found")
)

// Error is the structured error type that wrapIO returns for file-system
// failures; other failures are plain errors wrapping one of the sentinels
// above.
//
// It wraps an underlying cause plus structured context (operation, and
// optionally collection and document). Use errors.Is against the
// sentinels above to classify any failure, and errors.As(&ironbase.Error{})
// to recover the structured fields where present.
type Error struct {
	// Op names the operation that failed, e.g. "insert_one", "range_scan".
	Op string

	// Collection is the collection name, when known.
	Collection string

	// DocumentID is the document identifier involved, when known.
	DocumentID string

	// Err is the underlying cause. Always non-nil on a constructed *Error.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Err.Error()

	suffix := e.suffix()
	if suffix == "" {
		return msg
	}

	return msg + " " + suffix
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) suffix() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}

	if e.Collection != "" {
		parts = append(parts, "collection="+e.Collection)
	}

	if e.DocumentID != "" {
		parts = append(parts, "doc_id="+e.DocumentID)
	}

	if len(parts) == 0 {
		return ""
	}

	s := "("

	for i, p := range parts {
		if i > 0 {
			s += " "
		}

		s += p
	}

	return s + ")"
}

// errOpt configures an *Error during construction via wrapErr.
type errOpt func(*Error)

func withOp(op string) errOpt {
	return func(e *Error) { e.Op = op }
}

func withCollection(name string) errOpt {
	return func(e *Error) { e.Collection = name }
}

func withDocID(id string) errOpt {
	return func(e *Error) { e.DocumentID = id }
}

// wrapErr attaches structured context to err, preserving any context already
// carried by an inner *Error and allowing callers to add more as the error
// propagates up through collection/database operations.
func wrapErr(err error, opts ...errOpt) error {
	if err == nil {
		return nil
	}

	var existing *Error

	direct := errors.As(err, &existing)

	if direct && len(opts) == 0 {
		return existing
	}

	e := &Error{Err: err}

	if direct {
		e.Op = existing.Op
		e.Collection = existing.Collection
		e.DocumentID = existing.DocumentID
		e.Err = existing.Err
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// wrapIO wraps an I/O-layer failure with the ErrIO sentinel so callers can
// classify it via errors.Is(err, ErrIO) regardless of the underlying cause.
func wrapIO(err error, opts ...errOpt) error {
	if err == nil {
		return nil
	}

	return wrapErr(fmt.Errorf("%w: %w", ErrIO, err), opts...)
}
