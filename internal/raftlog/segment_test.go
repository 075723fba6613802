package raftlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentAppendAndGet(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 1, 1)
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.Append(mustEntries(1, 5)))
	require.Equal(t, uint64(5), seg.MaxIndex())
	require.Equal(t, 5, seg.Count())

	e, err := seg.Get(3)
	require.NoError(t, err)
	requireEntry(t, e, 3)

	_, err = seg.Get(6)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSegmentSealRejectsAppend(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 1, 1)
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.Append(mustEntries(1, 2)))
	seg.Seal()
	err = seg.Append(mustEntries(3, 1))
	require.Error(t, err)
}

func TestOpenSegmentRecoversOffsetsAndTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 1, 1)
	require.NoError(t, err)
	require.NoError(t, seg.Append(mustEntries(1, 5)))
	goodSize := seg.Size()
	// Simulate a torn trailing write: a few extra garbage bytes past the
	// last good frame.
	_, err = seg.file.Write([]byte{0xde, 0xad, 0xbe})
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	reopened, err := openSegment(dir, 1, 1, 1, 5, true)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 5, reopened.Count())
	require.Equal(t, goodSize, reopened.Size())
	e, err := reopened.Get(5)
	require.NoError(t, err)
	requireEntry(t, e, 5)
}

func TestSegmentSetMinIndexMasksFrontTruncatedEntries(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 1, 1)
	require.NoError(t, err)
	defer seg.Close()
	require.NoError(t, seg.Append(mustEntries(1, 5)))

	seg.SetMinIndex(3)
	_, err = seg.Get(2)
	require.ErrorIs(t, err, ErrNotFound)
	e, err := seg.Get(3)
	require.NoError(t, err)
	requireEntry(t, e, 3)
}

func TestSegmentSetMaxIndexMasksBackTruncatedEntries(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 1, 1)
	require.NoError(t, err)
	defer seg.Close()
	require.NoError(t, seg.Append(mustEntries(1, 5)))

	seg.SetMaxIndex(3)
	require.Equal(t, uint64(3), seg.MaxIndex())
	_, err = seg.Get(4)
	require.ErrorIs(t, err, ErrNotFound)
	e, err := seg.Get(3)
	require.NoError(t, err)
	requireEntry(t, e, 3)
}
