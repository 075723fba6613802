package txn

import "github.com/riftkv/riftkv/mvcc"

// Handle is a scoped transaction handle (§4.7). Read/Write/Delete/Commit/
// Abort all enforce transaction-ended re-entry via the underlying
// mvcc.Store, which rejects operations against a txn whose status is no
// longer Active.
type Handle struct {
	m   *Manager
	txn *mvcc.Txn
}

// ID returns the transaction's identifier.
func (h *Handle) ID() uint64 { return h.txn.ID }

// Isolation returns the transaction's isolation level.
func (h *Handle) Isolation() mvcc.Isolation { return h.txn.Isolation }

// Read returns key's value as visible to this transaction.
func (h *Handle) Read(key []byte) ([]byte, bool, error) {
	return h.m.store.Read(h.txn, key)
}

// Write records a pending write for key.
func (h *Handle) Write(key, value []byte) error {
	return h.m.store.Write(h.txn, key, value)
}

// Delete records a pending tombstone for key.
func (h *Handle) Delete(key []byte) error {
	return h.m.store.Delete(h.txn, key)
}

// Commit attempts to commit the transaction. Under serializable isolation
// this may fail with ssi.ErrSerializationFailure.
func (h *Handle) Commit() error {
	return h.m.store.Commit(h.txn)
}

// Abort discards the transaction's pending writes.
func (h *Handle) Abort() error {
	return h.m.store.Abort(h.txn)
}
