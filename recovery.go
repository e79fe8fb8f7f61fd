package ironbase

// Recovery replays a WAL's committed transactions into a StorageEngine.
// Run once at startup, before any collection is loaded.
//
// Recover only replays storage writes. It does not touch any index: unlike
// live commit_transaction (which applies staged IndexChange entries
// directly to already-open trees), a freshly opened database has no trees
// yet. Every collection's constructor rebuilds its indexes from scratch by
// walking the catalog Recover just brought up to date, which is a stronger
// guarantee than replaying a list of point changes and cannot drift from
// the real catalog contents.
type Recovery struct {
	storage *StorageEngine
}

// NewRecovery creates a coordinator bound to storage.
func NewRecovery(storage *StorageEngine) *Recovery {
	return &Recovery{storage: storage}
}

// Recover streams walPath, groups entries into committed transactions, and
// replays each one's operations into storage via raw writes (bypassing the
// WAL itself, since these writes are the redo of already-logged intent).
// Idempotent: replaying the same WAL twice converges the catalog to the
// same latest offsets either way.
func (r *Recovery) Recover(walPath string) error {
	entries, err := readWalEntries(walPath)
	if err != nil {
		return err
	}

	txs, err := groupCommittedTransactions(entries)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		for _, op := range tx.Ops {
			if err := r.replayOperation(op); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *Recovery) replayOperation(op Operation) error {
	switch op.Kind {
	case OpInsert, OpUpdate, OpDelete:
		_, err := r.storage.WriteDocumentRaw(op.Collection, op.DocID, op.Doc)
		return err
	default:
		return nil
	}
}
