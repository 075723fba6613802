// Package mvcc implements the versioned, snapshot-reading key-value store
// that sits above a single replica's state (spec component C5): begin, read,
// write, delete, commit, abort, with Read Uncommitted / Read Committed /
// Snapshot / Serializable isolation-level variants (Serializable delegates
// conflict detection to package ssi).
package mvcc

import "sort"

// Version is one committed (or, transiently, pending) value for a key.
type Version struct {
	Value    []byte
	TxnID    uint64
	CommitTS uint64
	Deleted  bool
}

// keyState tracks the committed version chain and at most one pending
// (uncommitted) version for a single key, per §3.
type keyState struct {
	committed []Version // ascending by CommitTS
	pending   *Version  // held by the write-lock owner, if any
	lockedBy  uint64    // txn id holding the write lock; 0 means unlocked
}

// latestCommittedAsOf returns the version with the largest CommitTS <= ts, if
// any exists.
func (ks *keyState) latestCommittedAsOf(ts uint64) (Version, bool) {
	// committed is kept sorted ascending; find the last entry with
	// CommitTS <= ts.
	i := sort.Search(len(ks.committed), func(i int) bool {
		return ks.committed[i].CommitTS > ts
	})
	if i == 0 {
		return Version{}, false
	}
	return ks.committed[i-1], true
}

// latestCommitted returns the most recently committed version regardless of
// any transaction's snapshot (used by Read Committed).
func (ks *keyState) latestCommitted() (Version, bool) {
	if len(ks.committed) == 0 {
		return Version{}, false
	}
	return ks.committed[len(ks.committed)-1], true
}

// insertCommitted inserts v maintaining ascending CommitTS order. Commits
// always happen in increasing commit-timestamp order in practice (a single
// monotonic counter assigns CommitTS), so this degenerates to an append, but
// the explicit insert keeps the invariant robust to any future reordering.
func (ks *keyState) insertCommitted(v Version) {
	i := sort.Search(len(ks.committed), func(i int) bool {
		return ks.committed[i].CommitTS > v.CommitTS
	})
	ks.committed = append(ks.committed, Version{})
	copy(ks.committed[i+1:], ks.committed[i:])
	ks.committed[i] = v
}

// gcBelow drops every committed version that a snapshot at minStartTS no
// longer reads: each version followed by a newer one with CommitTS <=
// minStartTS. The single latest version is always retained regardless of
// its age (§4.5 GC rule).
func (ks *keyState) gcBelow(minStartTS uint64) {
	if len(ks.committed) <= 1 {
		return
	}
	keepFrom := 0
	for i := 0; i < len(ks.committed)-1; i++ {
		if ks.committed[i+1].CommitTS > minStartTS {
			break
		}
		keepFrom = i + 1
	}
	if keepFrom > 0 {
		ks.committed = append([]Version(nil), ks.committed[keepFrom:]...)
	}
}
