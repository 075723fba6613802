package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftkv/riftkv/internal/raftlog"
)

func mustAppend(t *testing.T, plog *raftlog.Log, index, term uint64, cmd kvCommand) raftlog.Entry {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	e := raftlog.Entry{Index: index, Term: term, Data: data}
	require.NoError(t, plog.StoreEntries([]raftlog.Entry{e}))
	return e
}

func TestSupervisorSnapshotsAndTruncatesOnceThresholdReached(t *testing.T) {
	plog, err := raftlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = plog.Close() })

	kv := NewKV()
	for i := uint64(1); i <= 5; i++ {
		e := mustAppend(t, plog, i, 1, kvCommand{Op: "set", Key: "k", Value: "v"})
		_, err := kv.Apply(e.Index, e.Data)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(5), kv.LastApplied())
	require.Equal(t, uint64(1), plog.FirstIndex())

	sup := NewSupervisor(t.TempDir(), kv, plog, 3)
	require.NoError(t, sup.MaybeSnapshot())

	require.Equal(t, uint64(6), plog.FirstIndex())
	_, err = plog.GetEntry(5)
	require.Error(t, err)
}

func TestSupervisorMaybeSnapshotNoopBelowThreshold(t *testing.T) {
	plog, err := raftlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = plog.Close() })

	kv := NewKV()
	e := mustAppend(t, plog, 1, 1, kvCommand{Op: "set", Key: "k", Value: "v"})
	_, err = kv.Apply(e.Index, e.Data)
	require.NoError(t, err)

	sup := NewSupervisor(t.TempDir(), kv, plog, 10)
	require.NoError(t, sup.MaybeSnapshot())

	require.Equal(t, uint64(1), plog.FirstIndex())
}

func TestSupervisorRestoreRehydratesMachineAndReportsCoveredIndex(t *testing.T) {
	plog, err := raftlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = plog.Close() })

	kv := NewKV()
	for i := uint64(1); i <= 3; i++ {
		e := mustAppend(t, plog, i, 1, kvCommand{Op: "set", Key: "k", Value: "v"})
		_, err := kv.Apply(e.Index, e.Data)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	sup := NewSupervisor(dir, kv, plog, 1)
	require.NoError(t, sup.MaybeSnapshot())

	restoredKV := NewKV()
	restoredSup := NewSupervisor(dir, restoredKV, plog, 1)
	covered, err := restoredSup.Restore()
	require.NoError(t, err)
	require.Equal(t, uint64(3), covered)

	v, ok := restoredKV.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
	require.Equal(t, uint64(3), restoredKV.LastApplied())
}

func TestSupervisorRestoreWithNoSnapshotIsNoop(t *testing.T) {
	plog, err := raftlog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = plog.Close() })

	kv := NewKV()
	sup := NewSupervisor(t.TempDir(), kv, plog, 1)
	covered, err := sup.Restore()
	require.NoError(t, err)
	require.Equal(t, uint64(0), covered)
}
