package ironbase

import (
	"fmt"
	"os"
)

// replaceDataFile renames the freshly built compaction file over the live
// data file. A plain rename (rather than copy-then-truncate) keeps the
// downtime window to the syscall itself.
func replaceDataFile(tmpPath, finalPath string) error {
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return wrapIO(err, withOp("compact"))
	}

	return nil
}

// CompactionStats summarizes one compact() run.
type CompactionStats struct {
	SizeBeforeBytes  int64   `json:"sizeBeforeBytes"`
	SizeAfterBytes   int64   `json:"sizeAfterBytes"`
	DocsScanned      int     `json:"docsScanned"`
	DocsKept         int     `json:"docsKept"`
	TombstonesRemoved int    `json:"tombstonesRemoved"`
	PeakMemoryDocs   int     `json:"peakMemoryDocs"`
	CompressionRatio float64 `json:"compressionRatio"` // after / before
}

// Compact rewrites the data file to contain exactly one current record per
// live document (no tombstones), rebuilds every collection's indexes from
// the new catalog, and reports before/after stats. Compaction holds the
// database lock for its entire duration: there is no incremental or
// background compaction.
func (db *DatabaseCore) Compact() (CompactionStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	before, err := db.storage.Stats()
	if err != nil {
		return CompactionStats{}, err
	}

	stats := CompactionStats{SizeBeforeBytes: before.SizeBytes}

	newStorage, err := OpenStorageEngine(db.cfg.Path + ".compact.tmp")
	if err != nil {
		return CompactionStats{}, err
	}

	for _, name := range db.storage.ListCollections() {
		meta, err := db.storage.MetaSnapshot(name)
		if err != nil {
			return CompactionStats{}, err
		}

		if err := newStorage.CreateCollection(name); err != nil {
			return CompactionStats{}, err
		}

		if err := newStorage.SetIndexes(name, meta.Indexes); err != nil {
			return CompactionStats{}, err
		}

		peak := 0

		for _, entry := range meta.Catalog {
			stats.DocsScanned++

			body, err := db.storage.ReadData(entry.Offset)
			if err != nil {
				return CompactionStats{}, err
			}

			var fields map[string]any
			if err := jsonUnmarshal(body, &fields); err != nil {
				return CompactionStats{}, fmt.Errorf("%w: decoding document during compaction: %w", ErrCorruption, err)
			}

			if tomb, _ := fields["_tombstone"].(bool); tomb {
				stats.TombstonesRemoved++
				continue
			}

			if _, err := newStorage.WriteDocumentRaw(name, entry.ID, body); err != nil {
				return CompactionStats{}, err
			}

			stats.DocsKept++
			peak++
		}

		if peak > stats.PeakMemoryDocs {
			stats.PeakMemoryDocs = peak
		}

		if err := newStorage.AdjustLiveCount(name, int64(peak)); err != nil {
			return CompactionStats{}, err
		}

		if schema := meta.Schema; schema != nil {
			if err := newStorage.SetSchema(name, schema); err != nil {
				return CompactionStats{}, err
			}
		}
	}

	if err := newStorage.Checkpoint(); err != nil {
		return CompactionStats{}, err
	}

	if err := newStorage.Close(); err != nil {
		return CompactionStats{}, err
	}

	if err := db.storage.Close(); err != nil {
		return CompactionStats{}, err
	}

	if err := replaceDataFile(db.cfg.Path+".compact.tmp", db.cfg.Path); err != nil {
		return CompactionStats{}, err
	}

	reopened, err := OpenStorageEngine(db.cfg.Path)
	if err != nil {
		return CompactionStats{}, err
	}

	db.storage = reopened
	db.collections = make(map[string]*CollectionCore)

	for _, name := range reopened.ListCollections() {
		if _, err := db.loadCollection(name); err != nil {
			return CompactionStats{}, err
		}
	}

	if err := db.persistAllIndexesLocked(); err != nil {
		return CompactionStats{}, err
	}

	db.cache = NewQueryCache(db.cfg.QueryCacheSize)

	after, err := db.storage.Stats()
	if err != nil {
		return stats, err
	}

	stats.SizeAfterBytes = after.SizeBytes

	if stats.SizeBeforeBytes > 0 {
		stats.CompressionRatio = float64(stats.SizeAfterBytes) / float64(stats.SizeBeforeBytes)
	}

	return stats, nil
}
