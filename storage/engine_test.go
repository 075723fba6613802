package storage

import (
	"fmt"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestStorageRecoveryAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	e, err := Open(dir, cfg, nil, nil)
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Put([]byte("c"), []byte("3")))
	require.NoError(t, e.Delete([]byte("b")))
	require.NoError(t, e.Close())

	e2, err := Open(dir, cfg, nil, nil)
	require.NoError(t, err)
	defer e2.Close()

	v, ok, err := e2.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	_, ok, err = e2.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err = e2.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", string(v))
}

func TestStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultConfig(), nil, nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	v, ok, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v), "get after put of the same key must return the new value")
}

func TestTombstoneIdempotence(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultConfig(), nil, nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, mustExists(t, e, "k"))
}

func TestCompactionPreservesSemanticsAndShrinksSegmentCount(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SegmentMaxSize = 4096

	e, err := Open(dir, cfg, nil, nil)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 1000; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("key_%04d", i)), []byte("v0")))
	}
	for _, v := range []string{"x", "y", "z"} {
		require.NoError(t, e.Put([]byte("key_0100"), []byte(v)))
	}
	require.NoError(t, e.Delete([]byte("key_0500")))

	before := e.Stats()
	require.NoError(t, e.ForceCompaction())
	after := e.Stats()

	require.Less(t, after.SegmentCount, before.SegmentCount)
	require.Equal(t, 999, after.LiveKeys)

	v, ok, err := e.Get([]byte("key_0100"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "z", string(v))

	_, ok, err = e.Get([]byte("key_0500"))
	require.NoError(t, err)
	require.False(t, ok)
}

func mustExists(t *testing.T, e *Engine, key string) bool {
	t.Helper()
	ok, err := e.Exists([]byte(key))
	require.NoError(t, err)
	return ok
}

// TestRandomizedPutGetDeleteAgreesWithReferenceMap fuzzes a sequence of
// put/delete operations and checks the engine against an in-memory
// reference map after each one, the same property spec §8 asks for
// (read-after-write and read-after-delete hold for every key at every
// point in the operation sequence).
func TestRandomizedPutGetDeleteAgreesWithReferenceMap(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultConfig(), nil, nil)
	require.NoError(t, err)
	defer e.Close()

	f := fuzz.New().NilChance(0).NumElements(1, 8)
	reference := make(map[string]string)
	keyspace := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7"}

	for i := 0; i < 300; i++ {
		key := keyspace[i%len(keyspace)]

		var value string
		f.Fuzz(&value)

		if i%5 == 0 {
			require.NoError(t, e.Delete([]byte(key)))
			delete(reference, key)
		} else {
			require.NoError(t, e.Put([]byte(key), []byte(value)))
			reference[key] = value
		}

		want, wantOK := reference[key]
		got, gotOK, err := e.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, wantOK, gotOK)
		if wantOK {
			require.Equal(t, want, string(got))
		}
	}
}
