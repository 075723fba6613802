package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func applyConfig(t *testing.T, m *ConfigStore, index uint64, cmd configCommand) ConfigResult {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	res, err := m.Apply(index, data)
	require.NoError(t, err)
	r, ok := res.(ConfigResult)
	require.True(t, ok)
	return r
}

func TestConfigSetGetBumpsVersion(t *testing.T) {
	m := NewConfigStore()
	r := applyConfig(t, m, 1, configCommand{Op: "set", Key: "a.b", Value: "1"})
	require.True(t, r.OK)
	require.Equal(t, uint64(1), r.Version)

	r = applyConfig(t, m, 2, configCommand{Op: "get", Key: "a.b"})
	require.True(t, r.Found)
	require.Equal(t, "1", r.Value)
	require.Equal(t, uint64(1), r.Version)
}

func TestConfigListByPrefix(t *testing.T) {
	m := NewConfigStore()
	applyConfig(t, m, 1, configCommand{Op: "set", Key: "a.x", Value: "1"})
	applyConfig(t, m, 2, configCommand{Op: "set", Key: "a.y", Value: "2"})
	applyConfig(t, m, 3, configCommand{Op: "set", Key: "b.z", Value: "3"})

	r := applyConfig(t, m, 4, configCommand{Op: "list", Prefix: "a."})
	require.Len(t, r.Config, 2)
	require.Equal(t, "1", r.Config["a.x"])
	require.Equal(t, "2", r.Config["a.y"])
}

func TestConfigBatchAppliesAllOpsAsOneVersionBump(t *testing.T) {
	m := NewConfigStore()
	applyConfig(t, m, 1, configCommand{Op: "set", Key: "a", Value: "1"})

	r := applyConfig(t, m, 2, configCommand{Op: "batch", Ops: []configOp{
		{Op: "set", Key: "b", Value: "2"},
		{Op: "delete", Key: "a"},
	}})
	require.True(t, r.OK)
	require.Equal(t, uint64(2), r.Version)

	get := applyConfig(t, m, 3, configCommand{Op: "get", Key: "a"})
	require.False(t, get.Found)
	get = applyConfig(t, m, 4, configCommand{Op: "get", Key: "b"})
	require.True(t, get.Found)
	require.Equal(t, "2", get.Value)
}

func TestConfigDelete(t *testing.T) {
	m := NewConfigStore()
	applyConfig(t, m, 1, configCommand{Op: "set", Key: "a", Value: "1"})
	applyConfig(t, m, 2, configCommand{Op: "delete", Key: "a"})

	r := applyConfig(t, m, 3, configCommand{Op: "get", Key: "a"})
	require.False(t, r.Found)
}

func TestConfigSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewConfigStore()
	applyConfig(t, m, 1, configCommand{Op: "set", Key: "a", Value: "1"})
	applyConfig(t, m, 2, configCommand{Op: "set", Key: "b", Value: "2"})

	snap, err := m.Snapshot()
	require.NoError(t, err)

	restored := NewConfigStore()
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, uint64(2), restored.LastApplied())

	r := applyConfig(t, restored, 3, configCommand{Op: "get", Key: "a"})
	require.Equal(t, "1", r.Value)
	require.Equal(t, uint64(2), r.Version)
}
