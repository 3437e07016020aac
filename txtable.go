package tcc

import "sync"

// TxTable maps transaction id to registered transactions.
// Removal happens-before any later Get of the same id.
type TxTable struct {
	mu  sync.RWMutex
	txs map[uint64]*Transaction
}

func NewTxTable() *TxTable {
	return &TxTable{txs: make(map[uint64]*Transaction)}
}

func (t *TxTable) Put(tx *Transaction) {
	t.mu.Lock()
	t.txs[tx.ID()] = tx
	t.mu.Unlock()
}

func (t *TxTable) Get(id uint64) (*Transaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tx, ok := t.txs[id]
	return tx, ok
}

// Remove deletes the transaction and reports whether it was present.
func (t *TxTable) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.txs[id]; !ok {
		return false
	}
	delete(t.txs, id)
	return true
}

func (t *TxTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.txs)
}

// Snapshot returns the transactions registered at the time of the call.
// Registrations and removals after it returns are not reflected, so recovery
// overlapping with traffic only sees what existed when it started.
func (t *TxTable) Snapshot() []*Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	txs := make([]*Transaction, 0, len(t.txs))
	for _, tx := range t.txs {
		txs = append(txs, tx)
	}
	return txs
}
