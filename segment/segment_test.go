package segment

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerAppendAndReadAt(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	sid, off, err := m.Append(Record{Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)

	rec, err := m.ReadAt(sid, off)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rec.Key)
	require.Equal(t, []byte("1"), rec.Value)
	require.False(t, rec.Deleted)
}

func TestManagerRotatesOnOverflow(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, WithMaxSize(64))
	require.NoError(t, err)
	defer m.Close()

	firstActive := m.Active().ID()
	for i := 0; i < 20; i++ {
		_, _, err := m.Append(Record{Key: []byte("key-padding-value"), Value: []byte("value-padding-value")})
		require.NoError(t, err)
	}
	require.Greater(t, m.Active().ID(), firstActive, "expected at least one rotation")
	require.True(t, len(m.Segments(false)) >= 1, "sealed segments should exist after rotation")
}

func TestTombstoneRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	sid, off, err := m.Append(Record{Key: []byte("b"), Deleted: true})
	require.NoError(t, err)

	rec, err := m.ReadAt(sid, off)
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	require.Empty(t, rec.Value)
}

func TestIterateStopsOnTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)

	_, _, err = m.Append(Record{Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	_, _, err = m.Append(Record{Key: []byte("b"), Value: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// Corrupt the tail of the active segment file by truncating mid-record to
	// simulate a crash during an append.
	path := finalPath(dir, 0)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-3))

	m2, err := Open(dir)
	require.NoError(t, err)
	defer m2.Close()

	seg := m2.Get(0)
	require.NotNil(t, seg)

	var seen []string
	err = seg.Iterate(func(offset uint64, rec Record) bool {
		seen = append(seen, string(rec.Key))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, seen, "torn trailing record must be dropped, not surfaced as an error")
}

func TestReplaceSwapsSegmentsAtomically(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, WithMaxSize(1))
	require.NoError(t, err)
	defer m.Close()

	// Force two sealed segments.
	_, _, err = m.Append(Record{Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	_, _, err = m.Append(Record{Key: []byte("b"), Value: []byte("2")})
	require.NoError(t, err)

	sealed := m.Segments(false)
	require.GreaterOrEqual(t, len(sealed), 1)

	newID := m.NextID()
	tmp := m.TempPath(newID)
	merged, err := create(newID, tmp)
	require.NoError(t, err)
	_, err = merged.Append(Record{Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	require.NoError(t, merged.Seal())
	require.NoError(t, merged.Close())

	require.NoError(t, m.Replace(sealed, newID, tmp))

	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err), "temp file must not remain after replace")

	for _, id := range sealed {
		_, err := os.Stat(finalPath(dir, id))
		require.True(t, os.IsNotExist(err), "old segment file should be unlinked after replace")
	}
}
