package mvcc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Observer lets a higher layer (package ssi) hook into the read/write/commit
// path without the Store needing to know about conflict graphs. All methods
// are invoked while Store's internal lock is held, so implementations must
// not call back into Store. The installed observer only fires for
// transactions running at Serializable isolation (see observerFor) — a
// Snapshot/ReadCommitted/ReadUncommitted transaction never feeds or is
// vetoed by SSI's conflict graph, even though one observer is shared across
// every isolation level a Store serves.
type Observer interface {
	// AfterRead is called once a read has resolved to a value (or miss).
	// writerTxnID is the txn currently holding the write lock on key, or 0.
	AfterRead(txnID uint64, key string, writerTxnID uint64)
	// AfterWrite is called once a pending write has been recorded.
	AfterWrite(txnID uint64, key string)
	// BeforeCommit is called with the store lock held, after the write lock
	// set is known but before versions are published; returning an error
	// aborts the commit (used by ssi's dangerous-structure check).
	BeforeCommit(txnID uint64) error
	// AfterEnd is called once a transaction has committed or aborted, after
	// all Store-internal bookkeeping (locks, pending versions) is released.
	// commitTS is the transaction's assigned commit timestamp when status is
	// StatusCommitted, and 0 otherwise.
	AfterEnd(txnID uint64, status Status, commitTS uint64)
}

// Store is the MVCC key-value store of §4.5.
type Store struct {
	mu sync.Mutex

	keys map[string]*keyState
	txns map[uint64]*Txn

	nextTxnID  atomic.Uint64
	commitTS   atomic.Uint64
	defaultIso Isolation

	observer Observer
}

// NewStore creates an empty MVCC store. defaultIso is used for Begin calls
// that don't specify an isolation level explicitly.
func NewStore(defaultIso Isolation) *Store {
	return &Store{
		keys:       make(map[string]*keyState),
		txns:       make(map[uint64]*Txn),
		defaultIso: defaultIso,
	}
}

// SetObserver installs the SSI (or other) observer. Must be called before
// any transactions begin.
func (s *Store) SetObserver(o Observer) { s.observer = o }

// observerFor returns the installed observer only when t itself is running
// at Serializable isolation, so Snapshot/ReadCommitted/ReadUncommitted
// transactions never pay for (or get vetoed by) SSI's dangerous-structure
// check even though the store-wide observer is installed for the rest of
// the workload.
func (s *Store) observerFor(t *Txn) Observer {
	if t.Isolation != Serializable {
		return nil
	}
	return s.observer
}

// now derives a wall-clock-based logical timestamp. Using nanoseconds keeps
// start_ts/commit_ts totally ordered in practice while remaining monotonic
// enough for tests that begin/commit in quick succession, backed up by the
// monotonic commitTS counter for commit_ts itself (§3).
func now() uint64 {
	return uint64(time.Now().UnixNano())
}

// Begin starts a new transaction with the store's default isolation level.
func (s *Store) Begin() *Txn {
	return s.BeginWithIsolation(s.defaultIso)
}

// BeginWithIsolation starts a new transaction at the given isolation level.
func (s *Store) BeginWithIsolation(iso Isolation) *Txn {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextTxnID.Add(1)
	t := &Txn{
		ID:        id,
		StartTS:   now(),
		Isolation: iso,
		Status:    StatusActive,
		readSet:   make(map[string]struct{}),
		writeSet:  make(map[string]pendingWrite),
	}
	s.txns[id] = t
	return t
}

func (s *Store) requireActive(t *Txn) error {
	if t.Status != StatusActive {
		return ErrTransactionEnded
	}
	return nil
}

// Read resolves key's visible value for txn according to its isolation
// level (§4.5): own pending writes are always visible first.
func (s *Store) Read(t *Txn, key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActive(t); err != nil {
		return nil, false, err
	}
	k := string(key)

	if pw, ok := t.writeSet[k]; ok {
		if obs := s.observerFor(t); obs != nil {
			obs.AfterRead(t.ID, k, 0)
		}
		if pw.deleted {
			return nil, false, nil
		}
		return pw.value, true, nil
	}

	ks := s.keys[k]
	var (
		v     Version
		found bool
	)
	if ks != nil {
		switch t.Isolation {
		case ReadUncommitted:
			if ks.pending != nil {
				v, found = *ks.pending, true
			} else {
				v, found = ks.latestCommitted()
			}
		case ReadCommitted:
			v, found = ks.latestCommitted()
		default: // Snapshot, Serializable
			v, found = ks.latestCommittedAsOf(t.StartTS)
		}
	}

	t.readSet[k] = struct{}{}

	var writerTxnID uint64
	if ks != nil {
		writerTxnID = ks.lockedBy
	}
	if obs := s.observerFor(t); obs != nil {
		obs.AfterRead(t.ID, k, writerTxnID)
	}

	if !found || v.Deleted {
		return nil, false, nil
	}
	return v.Value, true, nil
}

// Write records a pending write for key, taking its write lock. It fails
// with ErrWriteConflict if another live transaction already holds that lock.
func (s *Store) Write(t *Txn, key, value []byte) error {
	return s.write(t, key, value, false)
}

// Delete records a pending tombstone for key.
func (s *Store) Delete(t *Txn, key []byte) error {
	return s.write(t, key, nil, true)
}

func (s *Store) write(t *Txn, key, value []byte, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActive(t); err != nil {
		return err
	}
	k := string(key)

	ks := s.keys[k]
	if ks == nil {
		ks = &keyState{}
		s.keys[k] = ks
	}
	if ks.lockedBy != 0 && ks.lockedBy != t.ID {
		if holder, ok := s.txns[ks.lockedBy]; ok && holder.Status == StatusActive {
			return ErrWriteConflict
		}
	}
	ks.lockedBy = t.ID
	ks.pending = &Version{Value: value, TxnID: t.ID, Deleted: deleted}
	t.writeSet[k] = pendingWrite{value: value, deleted: deleted}

	if obs := s.observerFor(t); obs != nil {
		obs.AfterWrite(t.ID, k)
	}
	return nil
}

// Commit assigns a commit timestamp, publishes every pending version, and
// releases write locks (§4.5). If an Observer is installed, it may veto the
// commit (dangerous-structure detection in package ssi).
func (s *Store) Commit(t *Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActive(t); err != nil {
		return err
	}

	if obs := s.observerFor(t); obs != nil {
		if err := obs.BeforeCommit(t.ID); err != nil {
			s.abortLocked(t)
			obs.AfterEnd(t.ID, StatusAborted, 0)
			return err
		}
	}

	// commit_ts comes from the same clock as start_ts, so a snapshot never
	// sees a commit made after it began; commitTS keeps it strictly
	// increasing when the clock has not advanced.
	cts := now()
	if last := s.commitTS.Load(); cts <= last {
		cts = last + 1
	}
	s.commitTS.Store(cts)
	t.CommitTS = cts
	for k, pw := range t.writeSet {
		ks := s.keys[k]
		ks.insertCommitted(Version{Value: pw.value, TxnID: t.ID, CommitTS: cts, Deleted: pw.deleted})
		ks.pending = nil
		ks.lockedBy = 0
	}
	t.Status = StatusCommitted
	delete(s.txns, t.ID)

	if obs := s.observerFor(t); obs != nil {
		obs.AfterEnd(t.ID, StatusCommitted, cts)
	}
	return nil
}

// Abort drops pending versions and releases write locks. Idempotent: aborting
// an already-ended transaction is a no-op that returns nil, never a panic,
// since callers may defensively abort in deferred cleanup.
func (s *Store) Abort(t *Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status != StatusActive {
		return nil
	}
	s.abortLocked(t)
	if obs := s.observerFor(t); obs != nil {
		obs.AfterEnd(t.ID, StatusAborted, 0)
	}
	return nil
}

func (s *Store) abortLocked(t *Txn) {
	for k := range t.writeSet {
		if ks := s.keys[k]; ks != nil && ks.lockedBy == t.ID {
			ks.pending = nil
			ks.lockedBy = 0
		}
	}
	t.Status = StatusAborted
	delete(s.txns, t.ID)
}

// MinActiveStartTS returns the smallest StartTS among currently active
// transactions, or ok=false if none are active. Used to bound GC.
func (s *Store) MinActiveStartTS() (ts uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := true
	for _, t := range s.txns {
		if t.Status != StatusActive {
			continue
		}
		if first || t.StartTS < ts {
			ts = t.StartTS
			first = false
		}
	}
	return ts, !first
}

// GC sweeps committed versions no longer visible to any active transaction,
// always retaining the latest version per key (§4.5).
func (s *Store) GC() {
	s.mu.Lock()
	defer s.mu.Unlock()

	minTS, ok := s.MinActiveStartTSLocked()
	if !ok {
		minTS = now()
	}
	for _, ks := range s.keys {
		ks.gcBelow(minTS)
	}
}

// MinActiveStartTSLocked is MinActiveStartTS for callers already holding s.mu.
func (s *Store) MinActiveStartTSLocked() (uint64, bool) {
	first := true
	var ts uint64
	for _, t := range s.txns {
		if t.Status != StatusActive {
			continue
		}
		if first || t.StartTS < ts {
			ts = t.StartTS
			first = false
		}
	}
	return ts, !first
}

// ActiveTxn returns the live transaction with the given id, if any; used by
// ssi to look up conflicting transactions by id.
func (s *Store) ActiveTxn(id uint64) (*Txn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok || t.Status != StatusActive {
		return nil, false
	}
	return t, true
}

func (t *Txn) String() string {
	return fmt.Sprintf("txn(id=%d start_ts=%d iso=%s status=%s)", t.ID, t.StartTS, t.Isolation, t.Status)
}
