// Package statemachine holds the deterministic apply targets referenced by
// spec §4.9 (C9): a key-value map, a named-lock registry, a leader-election
// registry, and a versioned config store, all implementing the same Machine
// contract so package raft's apply loop can drive any of them. Grounded on
// original_source/09_consensus_store/state_machine.py, reworked from Python
// dict mutation under a single lock into Go structs with their own mutex
// and JSON-coded commands/results (the wire shape raft.Entry.Data carries).
//
// Supervisor ties a Machine's growth to internal/raftlog's compaction: once
// enough entries have been applied since the last snapshot, it writes the
// machine's state to disk and truncates the log's front up to the covered
// index, so log size stays bounded by snapshot frequency rather than total
// history.
package statemachine

// Machine is a deterministic apply target (§4.9): command bytes in, a
// JSON-marshalable result out. Implementations must not depend on anything
// but entry.Index and cmd — no wall-clock reads, no randomness — so that
// every replica that applies the same entry computes the same result.
type Machine interface {
	Apply(index uint64, cmd []byte) (interface{}, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
	LastApplied() uint64
}
