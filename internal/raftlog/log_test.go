package raftlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftkv/riftkv/internal/raftlog/metadb"
)

func mustEntries(startIdx uint64, n int) []Entry {
	entries := make([]Entry, 0, n)
	for i := uint64(0); i < uint64(n); i++ {
		idx := startIdx + i
		entries = append(entries, Entry{Index: idx, Term: 1, Data: []byte(fmt.Sprintf("entry %d", idx))})
	}
	return entries
}

func requireEntry(t *testing.T, e Entry, idx uint64) {
	t.Helper()
	require.Equal(t, idx, e.Index)
	require.Equal(t, fmt.Sprintf("entry %d", idx), string(e.Data))
}

func TestAppendAndGet(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, uint64(0), l.LastIndex())
	require.NoError(t, l.StoreEntries(mustEntries(1, 10)))
	require.Equal(t, uint64(1), l.FirstIndex())
	require.Equal(t, uint64(10), l.LastIndex())

	e, err := l.GetEntry(5)
	require.NoError(t, err)
	requireEntry(t, e, 5)

	_, err = l.GetEntry(11)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNonMonotonicAppendRejected(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.StoreEntries(mustEntries(1, 5)))
	err = l.StoreEntries(mustEntries(7, 1))
	require.Error(t, err)
}

func TestSegmentRotationOnOverflow(t *testing.T) {
	l, err := Open(t.TempDir(), WithSegmentSize(200))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, l.StoreEntries(mustEntries(uint64(i*5+1), 5)))
	}
	require.Equal(t, uint64(250), l.LastIndex())

	s := l.loadState()
	require.Greater(t, s.segments.Len(), 1, "expected more than one segment after exceeding segment size repeatedly")

	for idx := uint64(1); idx <= 250; idx++ {
		e, err := l.GetEntry(idx)
		require.NoError(t, err)
		requireEntry(t, e, idx)
	}
}

func TestReopenRecoversEntriesAndHardState(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, WithSegmentSize(200))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, l.StoreEntries(mustEntries(uint64(i*5+1), 5)))
	}
	require.NoError(t, l.SaveHardState(metadb.HardState{CurrentTerm: 7, VotedFor: "node-2"}))
	require.NoError(t, l.Close())

	l2, err := Open(dir, WithSegmentSize(200))
	require.NoError(t, err)
	defer l2.Close()

	require.Equal(t, uint64(1), l2.FirstIndex())
	require.Equal(t, uint64(250), l2.LastIndex())
	for idx := uint64(1); idx <= 250; idx++ {
		e, err := l2.GetEntry(idx)
		require.NoError(t, err)
		requireEntry(t, e, idx)
	}

	hs, err := l2.HardState()
	require.NoError(t, err)
	require.Equal(t, uint64(7), hs.CurrentTerm)
	require.Equal(t, "node-2", hs.VotedFor)

	// The recovered tail must still accept further appends.
	require.NoError(t, l2.StoreEntries(mustEntries(251, 5)))
	require.Equal(t, uint64(255), l2.LastIndex())
}

func TestTruncateFrontAtBoundary(t *testing.T) {
	l, err := Open(t.TempDir(), WithSegmentSize(200))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.StoreEntries(mustEntries(uint64(i*5+1), 5)))
	}
	require.NoError(t, l.TruncateFront(21))
	require.Equal(t, uint64(21), l.FirstIndex())
	require.Equal(t, uint64(50), l.LastIndex())

	_, err = l.GetEntry(20)
	require.ErrorIs(t, err, ErrNotFound)
	e, err := l.GetEntry(21)
	require.NoError(t, err)
	requireEntry(t, e, 21)

	require.NoError(t, l.StoreEntries(mustEntries(51, 5)))
	require.Equal(t, uint64(55), l.LastIndex())
}

func TestTruncateFrontMidSegment(t *testing.T) {
	l, err := Open(t.TempDir(), WithSegmentSize(200))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.StoreEntries(mustEntries(uint64(i*5+1), 5)))
	}
	// 23 lands inside whichever segment holds indexes 21..25.
	require.NoError(t, l.TruncateFront(23))
	require.Equal(t, uint64(23), l.FirstIndex())

	_, err = l.GetEntry(22)
	require.ErrorIs(t, err, ErrNotFound)
	e, err := l.GetEntry(23)
	require.NoError(t, err)
	requireEntry(t, e, 23)
	e, err = l.GetEntry(25)
	require.NoError(t, err)
	requireEntry(t, e, 25)
}

func TestTruncateFrontWipesWholeLogCreatesFreshTail(t *testing.T) {
	l, err := Open(t.TempDir(), WithSegmentSize(200))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.StoreEntries(mustEntries(1, 5)))
	require.NoError(t, l.TruncateFront(10))
	require.Equal(t, uint64(0), l.LastIndex())

	require.NoError(t, l.StoreEntries(mustEntries(10, 3)))
	require.Equal(t, uint64(12), l.LastIndex())
	e, err := l.GetEntry(10)
	require.NoError(t, err)
	requireEntry(t, e, 10)
}

func TestTruncateBackWithinActiveTail(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.StoreEntries(mustEntries(1, 10)))
	require.NoError(t, l.TruncateBack(6))
	require.Equal(t, uint64(6), l.LastIndex())

	_, err = l.GetEntry(7)
	require.ErrorIs(t, err, ErrNotFound)
	e, err := l.GetEntry(6)
	require.NoError(t, err)
	requireEntry(t, e, 6)

	// The new tail must accept writes continuing from the truncated point,
	// and the masked entries from the old tail must not resurface.
	require.NoError(t, l.StoreEntries(mustEntries(7, 2)))
	require.Equal(t, uint64(8), l.LastIndex())
	e, err = l.GetEntry(7)
	require.NoError(t, err)
	require.Equal(t, "entry 7", string(e.Data))
}

func TestTruncateBackAcrossSealedSegments(t *testing.T) {
	l, err := Open(t.TempDir(), WithSegmentSize(200))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.StoreEntries(mustEntries(uint64(i*5+1), 5)))
	}
	require.Equal(t, uint64(50), l.LastIndex())

	// 33 lands inside a sealed segment well before the active tail.
	require.NoError(t, l.TruncateBack(33))
	require.Equal(t, uint64(33), l.LastIndex())

	for idx := uint64(34); idx <= 50; idx++ {
		_, err := l.GetEntry(idx)
		require.ErrorIs(t, err, ErrNotFound)
	}
	e, err := l.GetEntry(33)
	require.NoError(t, err)
	requireEntry(t, e, 33)

	require.NoError(t, l.StoreEntries(mustEntries(34, 3)))
	require.Equal(t, uint64(36), l.LastIndex())
	e, err = l.GetEntry(34)
	require.NoError(t, err)
	require.Equal(t, "entry 34", string(e.Data))
}

func TestTruncateBackNoopWhenAtOrAfterLast(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.StoreEntries(mustEntries(1, 5)))
	require.NoError(t, l.TruncateBack(10))
	require.Equal(t, uint64(5), l.LastIndex())
}
