package ssi

import (
	"sync"

	"github.com/riftkv/riftkv/mvcc"
)

// Store layers Serializable Snapshot Isolation on top of an mvcc.Store by
// registering itself as that store's Observer (§4.6). All transactions
// begun through Store run at mvcc.Serializable; reads and writes still flow
// through the underlying store unchanged, so readers see exactly the
// snapshot-isolation view Serializable already gets at the mvcc layer — ssi
// only adds the conflict graph and the commit-time veto.
type Store struct {
	inner *mvcc.Store
	graph *Graph

	mu       sync.Mutex
	txnStart map[uint64]uint64 // txn id -> start_ts, retained until Forgotten
}

// NewStore wraps inner with SSI bookkeeping. inner must not already have an
// Observer installed.
func NewStore(inner *mvcc.Store) *Store {
	s := &Store{
		inner:    inner,
		graph:    NewGraph(),
		txnStart: make(map[uint64]uint64),
	}
	inner.SetObserver(s)
	return s
}

// Begin starts a new serializable transaction.
func (s *Store) Begin() *mvcc.Txn {
	t := s.inner.BeginWithIsolation(mvcc.Serializable)
	s.mu.Lock()
	s.txnStart[t.ID] = t.StartTS
	s.mu.Unlock()
	return t
}

func (s *Store) Read(t *mvcc.Txn, key []byte) ([]byte, bool, error) { return s.inner.Read(t, key) }
func (s *Store) Write(t *mvcc.Txn, key, value []byte) error         { return s.inner.Write(t, key, value) }
func (s *Store) Delete(t *mvcc.Txn, key []byte) error                { return s.inner.Delete(t, key) }
func (s *Store) Commit(t *mvcc.Txn) error                            { return s.inner.Commit(t) }
func (s *Store) Abort(t *mvcc.Txn) error                             { return s.inner.Abort(t) }

// AfterRead implements mvcc.Observer.
func (s *Store) AfterRead(txnID uint64, key string, writerTxnID uint64) {
	startTS := s.startTSOf(txnID)
	s.graph.RegisterRead(txnID, startTS, key, writerTxnID)
}

// AfterWrite implements mvcc.Observer.
func (s *Store) AfterWrite(txnID uint64, key string) {
	startTS := s.startTSOf(txnID)
	s.graph.RegisterWrite(txnID, startTS, key)
}

// BeforeCommit implements mvcc.Observer, vetoing commits that would
// complete a dangerous structure.
func (s *Store) BeforeCommit(txnID uint64) error {
	if s.graph.HasDangerousStructure(txnID) {
		return ErrSerializationFailure
	}
	return nil
}

// AfterEnd implements mvcc.Observer. It records commit/abort outcomes so
// later dangerous-structure checks can see them, but does not evict graph
// state — SIREAD locks must outlive the ending transaction until every
// overlapping transaction has also ended (§4.6); call GC periodically to
// reclaim it.
func (s *Store) AfterEnd(txnID uint64, status mvcc.Status, commitTS uint64) {
	if status == mvcc.StatusCommitted {
		s.graph.MarkCommitted(txnID, commitTS)
	} else {
		s.graph.MarkAborted(txnID)
	}
}

func (s *Store) startTSOf(txnID uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnStart[txnID]
}

// GC reclaims conflict-graph bookkeeping for ended transactions whose
// start_ts precedes every currently active transaction's start_ts, meaning
// no live snapshot could still depend on their recorded edges.
func (s *Store) GC() {
	minTS, haveActive := s.inner.MinActiveStartTS()

	s.mu.Lock()
	stale := make([]uint64, 0)
	for id, startTS := range s.txnStart {
		if _, active := s.inner.ActiveTxn(id); active {
			continue
		}
		if haveActive && startTS >= minTS {
			continue
		}
		stale = append(stale, id)
	}
	for _, id := range stale {
		delete(s.txnStart, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.graph.Forget(id)
	}
}
