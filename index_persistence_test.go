package ironbase

import (
	"os"
	"path/filepath"
	"testing"
)

// TestCheckpointPersistsIndexFile covers the `{dbpath}.{collection}.{index}
// .idx` two-phase commit: after Checkpoint, the index's file exists on
// disk and decodes back into a tree with the same entries.
func TestCheckpointPersistsIndexFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.db")

	db, err := Open(NewConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defer db.Close()

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := c.CreateIndex("x_idx", "x", false, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	for i := int64(0); i < 20; i++ {
		if _, err := c.InsertOne(map[string]any{"_id": i, "x": i}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	idxPath := indexFilePath(path, "widgets", "x_idx")

	data, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatalf("reading persisted index file %s: %v", idxPath, err)
	}

	tree, err := DecodeIndexFile(data, false)
	if err != nil {
		t.Fatalf("DecodeIndexFile: %v", err)
	}

	if tree.NumKeys() != 20 {
		t.Errorf("decoded tree NumKeys() = %d, want 20", tree.NumKeys())
	}

	key, _ := KeyFromValue(int64(7))

	ids := tree.SearchAll(key)
	if len(ids) != 1 || ids[0].Compare(IntID(7)) != 0 {
		t.Errorf("SearchAll(7) on decoded tree = %v, want [7]", ids)
	}
}

// TestReopenLoadsPersistedIndexFastPath reopens a checkpointed database and
// verifies index search results are correct without any write activity
// (exercising the .idx fast-load path in newCollectionCore rather than the
// catalog-rebuild fallback).
func TestReopenLoadsPersistedIndexFastPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := Open(NewConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := c.CreateIndex("x_idx", "x", false, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	for i := int64(0); i < 10; i++ {
		if _, err := c.InsertOne(map[string]any{"_id": i, "x": i * 2}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(NewConfig(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	defer reopened.Close()

	rc, err := reopened.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection after reopen: %v", err)
	}

	tree := rc.Indexes().Tree("x_idx")

	key, _ := KeyFromValue(int64(14))

	ids := tree.SearchAll(key)
	if len(ids) != 1 || ids[0].Compare(IntID(7)) != 0 {
		t.Errorf("SearchAll(14) after reopen = %v, want [7]", ids)
	}
}

// TestCorruptIndexFileFallsBackToCatalogRebuild verifies that a persisted
// index file which fails to decode does not prevent opening the database:
// newCollectionCore must fall back to rebuilding from the catalog.
func TestCorruptIndexFileFallsBackToCatalogRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")

	db, err := Open(NewConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := c.CreateIndex("x_idx", "x", false, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if _, err := c.InsertOne(map[string]any{"_id": int64(1), "x": int64(9)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idxPath := indexFilePath(path, "widgets", "x_idx")

	if err := os.WriteFile(idxPath, []byte("not a page-aligned index file"), 0o600); err != nil {
		t.Fatalf("corrupting index file: %v", err)
	}

	reopened, err := Open(NewConfig(path))
	if err != nil {
		t.Fatalf("reopen with corrupt index file: %v", err)
	}

	defer reopened.Close()

	rc, err := reopened.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection after reopen: %v", err)
	}

	tree := rc.Indexes().Tree("x_idx")

	key, _ := KeyFromValue(int64(9))

	ids := tree.SearchAll(key)
	if len(ids) != 1 || ids[0].Compare(IntID(1)) != 0 {
		t.Errorf("SearchAll(9) after rebuild-from-catalog fallback = %v, want [1]", ids)
	}
}

func TestPrepareCommitRollbackIndexFile(t *testing.T) {
	dir := t.TempDir()
	finalPath := filepath.Join(dir, "standalone.idx")

	tree := NewBTree(false)

	for i := int64(0); i < 5; i++ {
		if err := tree.Insert(intKeyForTest(i), IntID(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	tmpPath, root, err := PrepareIndexChanges(finalPath, tree)
	if err != nil {
		t.Fatalf("PrepareIndexChanges: %v", err)
	}

	if root != 0 {
		t.Errorf("root = %d, want 0 (first page is always the leaf chain head)", root)
	}

	if _, err := os.Stat(tmpPath); err != nil {
		t.Fatalf("prepared temp file missing: %v", err)
	}

	if err := RollbackPreparedChanges(tmpPath); err != nil {
		t.Fatalf("RollbackPreparedChanges: %v", err)
	}

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should be gone after rollback, stat err = %v", err)
	}

	if _, err := os.Stat(finalPath); !os.IsNotExist(err) {
		t.Errorf("final file must not exist after a rollback, stat err = %v", err)
	}

	tmpPath2, _, err := PrepareIndexChanges(finalPath, tree)
	if err != nil {
		t.Fatalf("PrepareIndexChanges (second): %v", err)
	}

	if err := CommitPreparedChanges(tmpPath2, finalPath); err != nil {
		t.Fatalf("CommitPreparedChanges: %v", err)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("reading committed index file: %v", err)
	}

	decoded, err := DecodeIndexFile(data, false)
	if err != nil {
		t.Fatalf("DecodeIndexFile: %v", err)
	}

	if decoded.NumKeys() != 5 {
		t.Errorf("decoded.NumKeys() = %d, want 5", decoded.NumKeys())
	}

	if _, err := os.Stat(tmpPath2); !os.IsNotExist(err) {
		t.Errorf("temp file should be removed after commit, stat err = %v", err)
	}
}
