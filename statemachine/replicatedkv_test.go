package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftkv/riftkv/mvcc"
	"github.com/riftkv/riftkv/storage"
	"github.com/riftkv/riftkv/txn"
)

func newTestReplicatedKV(t *testing.T) *ReplicatedKV {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), storage.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	store := mvcc.NewStore(mvcc.Snapshot)
	txns := txn.NewManager(store, mvcc.Snapshot)
	return NewReplicatedKV(txns, engine)
}

func mustEncode(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestReplicatedKVSetGetRoundTrip(t *testing.T) {
	m := newTestReplicatedKV(t)

	res, err := m.Apply(1, mustEncode(t, map[string]string{"op": "set", "key": "a", "value": "1"}))
	require.NoError(t, err)
	require.True(t, res.(KVResult).OK)

	res, err = m.Apply(2, mustEncode(t, map[string]string{"op": "get", "key": "a"}))
	require.NoError(t, err)
	got := res.(KVResult)
	require.True(t, got.Found)
	require.Equal(t, "1", got.Value)
	require.EqualValues(t, 2, m.LastApplied())
}

func TestReplicatedKVSetMirrorsIntoStorageEngine(t *testing.T) {
	m := newTestReplicatedKV(t)
	_, err := m.Apply(1, mustEncode(t, map[string]string{"op": "set", "key": "a", "value": "1"}))
	require.NoError(t, err)

	v, found, err := m.engine.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))
}

func TestReplicatedKVDeleteRemovesFromStorage(t *testing.T) {
	m := newTestReplicatedKV(t)
	_, err := m.Apply(1, mustEncode(t, map[string]string{"op": "set", "key": "a", "value": "1"}))
	require.NoError(t, err)
	_, err = m.Apply(2, mustEncode(t, map[string]string{"op": "delete", "key": "a"}))
	require.NoError(t, err)

	_, found, err := m.engine.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestReplicatedKVCompareAndSwap(t *testing.T) {
	m := newTestReplicatedKV(t)
	_, err := m.Apply(1, mustEncode(t, map[string]string{"op": "set", "key": "a", "value": "1"}))
	require.NoError(t, err)

	res, err := m.Apply(2, mustEncode(t, map[string]string{"op": "cas", "key": "a", "expected": "1", "value": "2"}))
	require.NoError(t, err)
	got := res.(KVResult)
	require.True(t, got.Swapped)

	res, err = m.Apply(3, mustEncode(t, map[string]string{"op": "cas", "key": "a", "expected": "1", "value": "3"}))
	require.NoError(t, err)
	got = res.(KVResult)
	require.False(t, got.Swapped)
	require.Equal(t, "2", got.Current)
}

func TestReplicatedKVSnapshotRestoreRoundTrip(t *testing.T) {
	m := newTestReplicatedKV(t)
	_, err := m.Apply(1, mustEncode(t, map[string]string{"op": "set", "key": "a", "value": "1"}))
	require.NoError(t, err)
	_, err = m.Apply(2, mustEncode(t, map[string]string{"op": "set", "key": "b", "value": "2"}))
	require.NoError(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	m2 := newTestReplicatedKV(t)
	require.NoError(t, m2.Restore(snap))

	v, found, err := m2.engine.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))

	v, found, err = m2.engine.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", string(v))
}
