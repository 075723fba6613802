package ssi

import "errors"

// ErrSerializationFailure is returned by Commit when the committing
// transaction would complete a dangerous structure in the rw-antidependency
// graph (§4.6). Callers should retry the transaction from scratch.
var ErrSerializationFailure = errors.New("ssi: could not serialize access due to concurrent update")
