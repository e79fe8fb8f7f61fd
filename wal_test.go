package ironbase

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeEntryRoundtripsThroughReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := OpenWal(path)
	if err != nil {
		t.Fatalf("OpenWal: %v", err)
	}

	op := Operation{Kind: OpInsert, Collection: "users", DocID: IntID(1), Doc: []byte(`{"_id":1}`)}

	if err := w.WriteTransaction(7, []Operation{op}); err != nil {
		t.Fatalf("WriteTransaction: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := readWalEntries(path)
	if err != nil {
		t.Fatalf("readWalEntries: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3 (Begin, Operation, Commit)", len(entries))
	}

	if entries[0].Type != WalBegin || entries[1].Type != WalOperation || entries[2].Type != WalCommit {
		t.Errorf("entry types = %v, %v, %v", entries[0].Type, entries[1].Type, entries[2].Type)
	}

	txs, err := groupCommittedTransactions(entries)
	if err != nil {
		t.Fatalf("groupCommittedTransactions: %v", err)
	}

	if len(txs) != 1 || len(txs[0].Ops) != 1 {
		t.Fatalf("txs = %+v, want one committed tx with one op", txs)
	}
}

func TestGroupCommittedTransactionsDropsUncommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := OpenWal(path)
	if err != nil {
		t.Fatalf("OpenWal: %v", err)
	}

	op := Operation{Kind: OpInsert, Collection: "users", DocID: IntID(1), Doc: []byte(`{"_id":1}`)}
	data, _ := jsonMarshal(op)

	// Begin + Operation, no Commit.
	if err := w.appendEntries([][]byte{
		encodeEntry(1, WalBegin, nil),
		encodeEntry(1, WalOperation, data),
	}); err != nil {
		t.Fatalf("appendEntries: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := readWalEntries(path)
	if err != nil {
		t.Fatalf("readWalEntries: %v", err)
	}

	txs, err := groupCommittedTransactions(entries)
	if err != nil {
		t.Fatalf("groupCommittedTransactions: %v", err)
	}

	if len(txs) != 0 {
		t.Errorf("uncommitted transaction must not be recovered, got %d", len(txs))
	}
}

func TestReadWalEntriesStopsAtTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := OpenWal(path)
	if err != nil {
		t.Fatalf("OpenWal: %v", err)
	}

	op := Operation{Kind: OpInsert, Collection: "users", DocID: IntID(1), Doc: []byte(`{"_id":1}`)}

	if err := w.WriteTransaction(1, []Operation{op}); err != nil {
		t.Fatalf("WriteTransaction: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Append a truncated, garbage trailing frame directly.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open for garbage append: %v", err)
	}

	if _, err := f.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write garbage tail: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := readWalEntries(path)
	if err != nil {
		t.Fatalf("readWalEntries: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3 (torn tail must be ignored, not fatal)", len(entries))
	}
}
