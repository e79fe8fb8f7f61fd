package ironbase

import (
	"os"
	"path/filepath"
	"testing"
)

// simulateCrash closes the underlying file handles directly, bypassing
// Checkpoint, so the on-disk catalog is left exactly as stale as it would be
// after a real process crash.
func simulateCrash(t *testing.T, db *DatabaseCore) {
	t.Helper()

	if db.wal != nil {
		if err := db.wal.file.Close(); err != nil {
			t.Fatalf("close wal file: %v", err)
		}
	}

	if err := db.storage.file.Close(); err != nil {
		t.Fatalf("close storage file: %v", err)
	}
}

// TestSafeModeSurvivesCrashBeforeCheckpoint covers end-to-end scenario 5:
// under Safe durability, an insert must survive a crash that happens before
// the next checkpoint, because WAL replay reconstructs it on reopen.
func TestSafeModeSurvivesCrashBeforeCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe.db")

	db, err := Open(NewConfig(path, WithDurability(Safe())))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := db.InsertOne("widgets", map[string]any{"_id": int64(1), "x": int64(1)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	simulateCrash(t, db)

	reopened, err := Open(NewConfig(path, WithDurability(Safe())))
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}

	defer reopened.Close()

	c, err := reopened.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	_, found, err := c.FindOne(mustParseFilter(t, map[string]any{"_id": int64(1)}))
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	if !found {
		t.Errorf("Safe mode must recover an insert committed before an unclean shutdown")
	}
}

// TestUnsafeModeLosesWriteOnCrashBeforeCheckpoint is the Unsafe counterpart
// of TestSafeModeSurvivesCrashBeforeCheckpoint: with no WAL, the insert has
// no durable record to replay from.
func TestUnsafeModeLosesWriteOnCrashBeforeCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsafe.db")

	db, err := Open(NewConfig(path, WithDurability(Unsafe())))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := db.InsertOne("widgets", map[string]any{"_id": int64(1), "x": int64(1)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	simulateCrash(t, db)

	reopened, err := Open(NewConfig(path, WithDurability(Unsafe())))
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}

	defer reopened.Close()

	c, err := reopened.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	_, found, err := c.FindOne(mustParseFilter(t, map[string]any{"_id": int64(1)}))
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	if found {
		t.Errorf("Unsafe mode has no WAL to replay; an insert before an unclean shutdown must not survive")
	}
}

// TestBatchModeDefersWalWriteUntilFlushBatch verifies that Batch durability
// keeps operations staged below the configured batch size until FlushBatch.
func TestBatchModeDefersWalWriteUntilFlushBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.db")

	db, err := Open(NewConfig(path, WithDurability(Batch(4))))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer db.Close()

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	for i := int64(0); i < 3; i++ {
		doc, err := c.InsertOne(map[string]any{"_id": i, "x": i})
		if err != nil {
			t.Fatalf("InsertOne: %v", err)
		}

		body, _ := jsonMarshal(doc.AsStoredFields())

		if err := db.protectMutation(Operation{Kind: OpInsert, Collection: "widgets", DocID: doc.ID, Doc: body}); err != nil {
			t.Fatalf("protectMutation: %v", err)
		}
	}

	db.batchMu.Lock()
	staged := len(db.batchOps)
	db.batchMu.Unlock()

	if staged != 3 {
		t.Fatalf("staged batch ops = %d, want 3 before reaching the threshold", staged)
	}

	if err := db.FlushBatch(); err != nil {
		t.Fatalf("FlushBatch: %v", err)
	}

	db.batchMu.Lock()
	staged = len(db.batchOps)
	db.batchMu.Unlock()

	if staged != 0 {
		t.Errorf("staged batch ops = %d, want 0 after FlushBatch", staged)
	}
}

func TestCheckpointTruncatesWalAndStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	db, err := Open(NewConfig(path, WithDurability(Safe())))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer db.Close()

	for i := int64(0); i < 5; i++ {
		if _, err := db.InsertOne("widgets", map[string]any{"_id": i, "x": i}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	info, err := os.Stat(path + ".wal")
	if err != nil {
		t.Fatalf("Stat WAL: %v", err)
	}

	if info.Size() != 0 {
		t.Errorf("WAL size after Checkpoint = %d, want 0", info.Size())
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", stats.SizeBytes)
	}
}

func TestCompactRemovesTombstonesAndPreservesLiveDocs(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	for i := int64(0); i < 10; i++ {
		if _, err := c.InsertOne(map[string]any{"_id": i, "x": i}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	for i := int64(0); i < 4; i++ {
		if _, err := c.DeleteOne(mustParseFilter(t, map[string]any{"_id": i})); err != nil {
			t.Fatalf("DeleteOne: %v", err)
		}
	}

	stats, err := db.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if stats.DocsKept != 6 {
		t.Errorf("DocsKept = %d, want 6", stats.DocsKept)
	}

	if stats.TombstonesRemoved != 4 {
		t.Errorf("TombstonesRemoved = %d, want 4", stats.TombstonesRemoved)
	}

	c, err = db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection after compact: %v", err)
	}

	count, err := c.CountDocuments(mustParseFilter(t, map[string]any{}))
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}

	if count != 6 {
		t.Errorf("count_documents({}) after compact = %d, want 6", count)
	}
}

// TestCompactPreservesIndexDescriptorsAndPersistedFile verifies that a
// secondary index's descriptor and its persisted .idx file both survive
// Compact(): the compaction copy must carry SetIndexes across to the new
// storage engine, and the post-compaction reload must persist .idx again.
func TestCompactPreservesIndexDescriptorsAndPersistedFile(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := c.CreateIndex("x_idx", "x", false, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	for i := int64(0); i < 10; i++ {
		if _, err := c.InsertOne(map[string]any{"_id": i, "x": i}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	for i := int64(0); i < 4; i++ {
		if _, err := c.DeleteOne(mustParseFilter(t, map[string]any{"_id": i})); err != nil {
			t.Fatalf("DeleteOne: %v", err)
		}
	}

	if _, err := db.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	c2, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection after compact: %v", err)
	}

	names := c2.AvailableIndexNamesByField()
	if len(names["x"]) != 1 || names["x"][0] != "x_idx" {
		t.Fatalf("AvailableIndexNamesByField()[\"x\"] = %v, want [x_idx]", names["x"])
	}

	tree := c2.Indexes().Tree("x_idx")
	if tree == nil {
		t.Fatalf("x_idx tree missing after compact")
	}

	if tree.NumKeys() != 6 {
		t.Errorf("x_idx NumKeys() after compact = %d, want 6", tree.NumKeys())
	}

	for i := int64(4); i < 10; i++ {
		key, _ := KeyFromValue(i)

		ids := tree.SearchAll(key)
		if len(ids) != 1 || ids[0].Compare(IntID(i)) != 0 {
			t.Errorf("x_idx SearchAll(%d) after compact = %v, want [%d]", i, ids, i)
		}
	}

	idxPath := indexFilePath(db.cfg.Path, "widgets", "x_idx")

	data, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatalf("reading persisted index file %s after compact: %v", idxPath, err)
	}

	decoded, err := DecodeIndexFile(data, false)
	if err != nil {
		t.Fatalf("DecodeIndexFile after compact: %v", err)
	}

	if decoded.NumKeys() != 6 {
		t.Errorf("decoded .idx NumKeys() after compact = %d, want 6", decoded.NumKeys())
	}
}
