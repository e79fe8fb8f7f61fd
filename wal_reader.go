package ironbase

import (
	"encoding/binary"
	"hash/crc32"
	"os"
)

// walEntry is one decoded, CRC-validated frame read from a WAL file.
type walEntry struct {
	TxID  uint32
	Type  WalEntryType
	Data  []byte
}

// readWalEntries streams every valid entry from the WAL file at path. A CRC
// mismatch, truncated frame, or EOF mid-frame stops iteration at that point
// and returns the entries accepted so far: the remaining bytes are treated
// as a torn tail, never surfaced as an error.
func readWalEntries(path string) ([]walEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, wrapIO(err, withOp("read_wal"))
	}

	var entries []walEntry

	offset := 0

	for {
		if offset+9 > len(data) {
			break
		}

		txID := binary.LittleEndian.Uint32(data[offset : offset+4])
		entryType := WalEntryType(data[offset+4])
		length := binary.LittleEndian.Uint32(data[offset+5 : offset+9])

		frameEnd := offset + 9 + int(length) + 4
		if frameEnd > len(data) {
			break
		}

		body := data[offset+9 : offset+9+int(length)]

		wantCRC := binary.LittleEndian.Uint32(data[offset+9+int(length) : frameEnd])
		gotCRC := crc32.ChecksumIEEE(data[offset : offset+9+int(length)])

		if wantCRC != gotCRC {
			break
		}

		entries = append(entries, walEntry{TxID: txID, Type: entryType, Data: append([]byte(nil), body...)})

		offset = frameEnd
	}

	return entries, nil
}

// CommittedTx groups every Operation entry belonging to a transaction that
// reached a Commit entry.
type CommittedTx struct {
	ID  uint32
	Ops []Operation
}

// groupCommittedTransactions buffers entries per tx_id and yields a
// CommittedTx only for transactions that saw a Commit entry. Begins without
// a matching Commit, and any transaction that saw an Abort, are dropped.
func groupCommittedTransactions(entries []walEntry) ([]CommittedTx, error) {
	type staged struct {
		ops     []Operation
		aborted bool
	}

	byTx := make(map[uint32]*staged)

	var order []uint32

	for _, e := range entries {
		s, ok := byTx[e.TxID]
		if !ok {
			s = &staged{}
			byTx[e.TxID] = s
			order = append(order, e.TxID)
		}

		switch e.Type {
		case WalBegin:
			// no-op marker
		case WalOperation:
			var op Operation
			if err := jsonUnmarshal(e.Data, &op); err != nil {
				continue // malformed operation body; treat as torn tail for this entry
			}

			s.ops = append(s.ops, op)
		case WalAbort:
			s.aborted = true
		case WalCommit:
			// handled below via a second pass keyed on whether Commit was seen
		}
	}

	// A transaction is "committed" only if a Commit entry for it appears in
	// the stream; track that separately since staged.ops accumulation above
	// doesn't know about Commit markers.
	committed := make(map[uint32]bool)

	for _, e := range entries {
		if e.Type == WalCommit {
			committed[e.TxID] = true
		}
	}

	var out []CommittedTx

	seen := make(map[uint32]bool)

	for _, txID := range order {
		if seen[txID] {
			continue
		}

		seen[txID] = true

		s := byTx[txID]
		if s.aborted || !committed[txID] {
			continue
		}

		out = append(out, CommittedTx{ID: txID, Ops: s.ops})
	}

	return out, nil
}
