package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func applyKV(t *testing.T, m *KV, index uint64, cmd kvCommand) KVResult {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	res, err := m.Apply(index, data)
	require.NoError(t, err)
	r, ok := res.(KVResult)
	require.True(t, ok)
	return r
}

func TestKVSetGet(t *testing.T) {
	m := NewKV()
	r := applyKV(t, m, 1, kvCommand{Op: "set", Key: "a", Value: "1"})
	require.True(t, r.OK)

	r = applyKV(t, m, 2, kvCommand{Op: "get", Key: "a"})
	require.True(t, r.OK)
	require.True(t, r.Found)
	require.Equal(t, "1", r.Value)
	require.Equal(t, uint64(2), m.LastApplied())
}

func TestKVGetMissingKeyReportsNotFound(t *testing.T) {
	m := NewKV()
	r := applyKV(t, m, 1, kvCommand{Op: "get", Key: "missing"})
	require.True(t, r.OK)
	require.False(t, r.Found)
	require.Empty(t, r.Value)
}

func TestKVDelete(t *testing.T) {
	m := NewKV()
	applyKV(t, m, 1, kvCommand{Op: "set", Key: "a", Value: "1"})
	applyKV(t, m, 2, kvCommand{Op: "delete", Key: "a"})

	r := applyKV(t, m, 3, kvCommand{Op: "get", Key: "a"})
	require.False(t, r.Found)
}

func TestKVCompareAndSwap(t *testing.T) {
	m := NewKV()
	applyKV(t, m, 1, kvCommand{Op: "set", Key: "a", Value: "1"})

	r := applyKV(t, m, 2, kvCommand{Op: "cas", Key: "a", Expected: "wrong", Value: "2"})
	require.True(t, r.OK)
	require.False(t, r.Swapped)
	require.Equal(t, "1", r.Current)

	r = applyKV(t, m, 3, kvCommand{Op: "cas", Key: "a", Expected: "1", Value: "2"})
	require.True(t, r.OK)
	require.True(t, r.Swapped)

	r = applyKV(t, m, 4, kvCommand{Op: "get", Key: "a"})
	require.Equal(t, "2", r.Value)
}

func TestKVUnknownOp(t *testing.T) {
	m := NewKV()
	r := applyKV(t, m, 1, kvCommand{Op: "bogus"})
	require.False(t, r.OK)
	require.NotEmpty(t, r.Error)
}

func TestKVSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewKV()
	applyKV(t, m, 1, kvCommand{Op: "set", Key: "a", Value: "1"})
	applyKV(t, m, 2, kvCommand{Op: "set", Key: "b", Value: "2"})

	snap, err := m.Snapshot()
	require.NoError(t, err)

	restored := NewKV()
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, uint64(2), restored.LastApplied())

	v, ok := restored.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
	v, ok = restored.Get("b")
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func TestKVDirectGetBypassesApply(t *testing.T) {
	m := NewKV()
	applyKV(t, m, 1, kvCommand{Op: "set", Key: "a", Value: "1"})

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	_, ok = m.Get("missing")
	require.False(t, ok)
}
