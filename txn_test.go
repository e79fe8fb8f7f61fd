package ironbase

import "testing"

// TestTransactionRollbackLeavesNoTrace covers end-to-end scenario 4: begin a
// transaction, insert, roll back, and verify the insert is invisible both
// immediately and after reopening the database.
func TestTransactionRollbackLeavesNoTrace(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Collection("widgets"); err != nil {
		t.Fatalf("Collection: %v", err)
	}

	txm := NewTxManager(db)

	txID := txm.Begin()

	if _, err := txm.InsertOneTx(txID, "widgets", map[string]any{"_id": int64(10), "x": int64(1)}); err != nil {
		t.Fatalf("InsertOneTx: %v", err)
	}

	if err := txm.RollbackTx(txID); err != nil {
		t.Fatalf("RollbackTx: %v", err)
	}

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	count, err := c.CountDocuments(mustParseFilter(t, map[string]any{}))
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}

	if count != 0 {
		t.Fatalf("count_documents({}) = %d, want 0 after rollback", count)
	}

	path := db.cfg.Path

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(NewConfig(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	defer reopened.Close()

	c2, err := reopened.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection after reopen: %v", err)
	}

	_, found, err := c2.FindOne(mustParseFilter(t, map[string]any{"_id": int64(10)}))
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	if found {
		t.Errorf("id 10 must show no trace after reopening a database that rolled back its insert")
	}
}

// TestTransactionCommitAppliesOpsAndIndexes verifies that a committed
// transaction's inserts are visible and indexed.
func TestTransactionCommitAppliesOpsAndIndexes(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := c.CreateIndex("x_idx", "x", false, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	txm := NewTxManager(db)
	txID := txm.Begin()

	if _, err := txm.InsertOneTx(txID, "widgets", map[string]any{"_id": int64(11), "x": int64(5)}); err != nil {
		t.Fatalf("InsertOneTx: %v", err)
	}

	if err := txm.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	doc, found, err := c.FindOne(mustParseFilter(t, map[string]any{"_id": int64(11)}))
	if err != nil || !found {
		t.Fatalf("FindOne after commit: found=%v err=%v", found, err)
	}

	if x, _ := asFloat(doc.Fields["x"]); x != 5 {
		t.Errorf("x = %v, want 5", doc.Fields["x"])
	}

	tree := c.Indexes().Tree("x_idx")

	key, _ := KeyFromValue(int64(5))

	ids := tree.SearchAll(key)
	if len(ids) != 1 || ids[0].Compare(IntID(11)) != 0 {
		t.Errorf("x_idx SearchAll(5) = %v, want [11]", ids)
	}
}

// TestTransactionCommitBatchesIndexChangesAcrossDocuments commits several
// documents touching the same index in one transaction, exercising the
// grouped ApplyBatchUpdates path (applyStagedIndexChanges) rather than a
// single-document Insert.
func TestTransactionCommitBatchesIndexChangesAcrossDocuments(t *testing.T) {
	db := openTestDB(t)

	c, err := db.Collection("widgets")
	if err != nil {
		t.Fatalf("Collection: %v", err)
	}

	if err := c.CreateIndex("x_idx", "x", false, false); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	txm := NewTxManager(db)
	txID := txm.Begin()

	for i := int64(0); i < 10; i++ {
		if _, err := txm.InsertOneTx(txID, "widgets", map[string]any{"_id": i, "x": i}); err != nil {
			t.Fatalf("InsertOneTx(%d): %v", i, err)
		}
	}

	if err := txm.CommitTx(txID); err != nil {
		t.Fatalf("CommitTx: %v", err)
	}

	tree := c.Indexes().Tree("x_idx")

	if tree.NumKeys() != 10 {
		t.Fatalf("x_idx NumKeys() = %d, want 10", tree.NumKeys())
	}

	for i := int64(0); i < 10; i++ {
		key, _ := KeyFromValue(i)

		ids := tree.SearchAll(key)
		if len(ids) != 1 || ids[0].Compare(IntID(i)) != 0 {
			t.Errorf("x_idx SearchAll(%d) = %v, want [%d]", i, ids, i)
		}
	}

	count, err := c.CountDocuments(mustParseFilter(t, map[string]any{}))
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}

	if count != 10 {
		t.Errorf("count_documents({}) = %d, want 10", count)
	}
}
