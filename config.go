package ironbase

import "fmt"

// DurabilityKind tags the variant held by a DurabilityMode.
type DurabilityKind uint8

const (
	DurabilitySafe DurabilityKind = iota
	DurabilityBatch
	DurabilityUnsafe
)

// DurabilityMode selects how DatabaseCore protects mutations against a
// crash.
//
//   - Safe: each DatabaseCore.InsertOne is logged as a one-operation WAL
//     transaction and fsynced before the call returns; the WAL write follows
//     the storage write. Updates, deletes and direct CollectionCore writes
//     are not logged.
//   - Batch{N}: DatabaseCore.InsertOne calls are staged in memory and WAL-appended; a group
//     commit (one Begin, N Operations, one Commit) fires every N staged
//     operations, or on an explicit FlushBatch call.
//   - Unsafe: no WAL. Fastest; a crash loses any unflushed mutation.
type DurabilityMode struct {
	kind      DurabilityKind
	batchSize int
}

// Safe returns the Safe durability mode.
func Safe() DurabilityMode { return DurabilityMode{kind: DurabilitySafe} }

// Batch returns the Batch durability mode with the given group-commit size.
// size must be >= 1.
func Batch(size int) DurabilityMode {
	if size < 1 {
		size = 1
	}

	return DurabilityMode{kind: DurabilityBatch, batchSize: size}
}

// Unsafe returns the Unsafe durability mode.
func Unsafe() DurabilityMode { return DurabilityMode{kind: DurabilityUnsafe} }

// Kind reports which variant m holds.
func (m DurabilityMode) Kind() DurabilityKind { return m.kind }

// BatchSize returns the configured group-commit size; meaningful only when
// Kind() == DurabilityBatch.
func (m DurabilityMode) BatchSize() int { return m.batchSize }

func (m DurabilityMode) String() string {
	switch m.kind {
	case DurabilitySafe:
		return "safe"
	case DurabilityBatch:
		return fmt.Sprintf("batch(%d)", m.batchSize)
	case DurabilityUnsafe:
		return "unsafe"
	default:
		return "unknown"
	}
}

// Config configures a DatabaseCore at open time.
type Config struct {
	// Path is the base path for the data file; the WAL and index files are
	// derived from it ({path}.wal, {path}.{collection}.{index}.idx).
	Path string

	// Durability selects the crash-safety mode. Defaults to Safe.
	Durability DurabilityMode

	// QueryCacheSize bounds the number of distinct (collection, filter)
	// entries kept in the LRU query cache. Defaults to 256.
	QueryCacheSize int
}

// Option mutates a Config being built by NewConfig.
type Option func(*Config)

// WithDurability overrides the durability mode.
func WithDurability(mode DurabilityMode) Option {
	return func(c *Config) { c.Durability = mode }
}

// WithQueryCacheSize overrides the query cache's entry bound.
func WithQueryCacheSize(n int) Option {
	return func(c *Config) { c.QueryCacheSize = n }
}

// NewConfig builds a Config for the data file at path, defaulting to Safe
// durability and a 256-entry query cache, then applying opts in order.
func NewConfig(path string, opts ...Option) Config {
	c := Config{
		Path:           path,
		Durability:     Safe(),
		QueryCacheSize: 256,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return c
}
