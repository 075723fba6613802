package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotIsolationSeesConsistentSnapshot(t *testing.T) {
	s := NewStore(Snapshot)

	t0 := s.Begin()
	require.NoError(t, s.Write(t0, []byte("alice"), []byte("100")))
	require.NoError(t, s.Commit(t0))

	reader := s.Begin()
	v, ok, err := s.Read(reader, []byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))

	writer := s.Begin()
	require.NoError(t, s.Write(writer, []byte("alice"), []byte("200")))
	require.NoError(t, s.Commit(writer))

	// reader's snapshot predates writer's commit, so it must not observe 200.
	v, ok, err = s.Read(reader, []byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "100", string(v))
}

func TestOwnWritesVisible(t *testing.T) {
	s := NewStore(Snapshot)
	txn := s.Begin()
	require.NoError(t, s.Write(txn, []byte("k"), []byte("v")))

	v, ok, err := s.Read(txn, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}

func TestWriteConflictWhileLockHeld(t *testing.T) {
	s := NewStore(Snapshot)
	a := s.Begin()
	require.NoError(t, s.Write(a, []byte("k"), []byte("1")))

	b := s.Begin()
	err := s.Write(b, []byte("k"), []byte("2"))
	require.ErrorIs(t, err, ErrWriteConflict)
}

func TestWriteLockReleasedOnAbort(t *testing.T) {
	s := NewStore(Snapshot)
	a := s.Begin()
	require.NoError(t, s.Write(a, []byte("k"), []byte("1")))
	require.NoError(t, s.Abort(a))

	b := s.Begin()
	require.NoError(t, s.Write(b, []byte("k"), []byte("2")))
	require.NoError(t, s.Commit(b))

	v, ok, err := s.Read(s.Begin(), []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

func TestReadCommittedSeesLatestEachTime(t *testing.T) {
	s := NewStore(ReadCommitted)
	w1 := s.Begin()
	require.NoError(t, s.Write(w1, []byte("k"), []byte("1")))
	require.NoError(t, s.Commit(w1))

	reader := s.Begin()
	v, _, _ := s.Read(reader, []byte("k"))
	require.Equal(t, "1", string(v))

	w2 := s.Begin()
	require.NoError(t, s.Write(w2, []byte("k"), []byte("2")))
	require.NoError(t, s.Commit(w2))

	v, _, _ = s.Read(reader, []byte("k"))
	require.Equal(t, "2", string(v), "read committed must not pin a snapshot")
}

func TestTransactionEndedRejectsReentry(t *testing.T) {
	s := NewStore(Snapshot)
	txn := s.Begin()
	require.NoError(t, s.Commit(txn))

	_, _, err := s.Read(txn, []byte("k"))
	require.ErrorIs(t, err, ErrTransactionEnded)
}

// alwaysVetoObserver rejects every commit; used to prove that a Store's
// installed observer is only consulted for Serializable transactions.
type alwaysVetoObserver struct{ calls int }

func (o *alwaysVetoObserver) AfterRead(uint64, string, uint64) { o.calls++ }
func (o *alwaysVetoObserver) AfterWrite(uint64, string)        { o.calls++ }
func (o *alwaysVetoObserver) BeforeCommit(uint64) error        { return ErrTransactionEnded }
func (o *alwaysVetoObserver) AfterEnd(uint64, Status, uint64)  { o.calls++ }

func TestObserverSkippedForNonSerializableTransactions(t *testing.T) {
	s := NewStore(Snapshot)
	obs := &alwaysVetoObserver{}
	s.SetObserver(obs)

	txn := s.Begin()
	require.NoError(t, s.Write(txn, []byte("k"), []byte("v")))
	require.NoError(t, s.Commit(txn), "a Snapshot-isolation commit must not be vetoed by the SSI observer")
	require.Zero(t, obs.calls, "observer must not be consulted at all for a non-Serializable transaction")
}

func TestObserverAppliesToSerializableTransactions(t *testing.T) {
	s := NewStore(Snapshot)
	obs := &alwaysVetoObserver{}
	s.SetObserver(obs)

	txn := s.BeginWithIsolation(Serializable)
	require.NoError(t, s.Write(txn, []byte("k"), []byte("v")))
	err := s.Commit(txn)
	require.ErrorIs(t, err, ErrTransactionEnded, "a Serializable commit must still be subject to the observer's veto")
	require.NotZero(t, obs.calls)
}

func TestGCRetainsLatestVersionPerKey(t *testing.T) {
	s := NewStore(Snapshot)
	for _, v := range []string{"1", "2", "3"} {
		txn := s.Begin()
		require.NoError(t, s.Write(txn, []byte("k"), []byte(v)))
		require.NoError(t, s.Commit(txn))
	}
	s.GC()

	v, ok, err := s.Read(s.Begin(), []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", string(v))
}
