package mvcc

import "errors"

// ErrWriteConflict is returned when a write targets a key whose write lock
// is held by another live transaction (§4.5, §7).
var ErrWriteConflict = errors.New("mvcc: write conflict")

// ErrTransactionEnded is returned when an operation is attempted against a
// transaction that has already committed or aborted (§4.7).
var ErrTransactionEnded = errors.New("mvcc: transaction already ended")

// ErrUnknownTxn is returned when a txn id is not recognized as active.
var ErrUnknownTxn = errors.New("mvcc: unknown transaction")
