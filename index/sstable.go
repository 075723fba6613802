package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// sstHeaderLen is the fixed-width prefix of an SSTable record:
// key_len(4) | value_len(4) | deleted(1).
const sstHeaderLen = 4 + 4 + 1

// SSTableWriter streams strictly-increasing sorted records to a data file
// while incrementally building a sparse index and a bloom filter, per §4.2 /
// §4.3's leveled-compaction output format.
type SSTableWriter struct {
	f       *os.File
	w       *bufio.Writer
	offset  uint64
	sparse  *Sparse
	bloom   *Bloom
	lastKey []byte
	started bool
}

// NewSSTableWriter opens path for writing. sparseEvery controls the sparse
// index sampling rate; bloomExpectedKeys/bloomFPRate size the paired bloom
// filter.
func NewSSTableWriter(path string, sparseEvery int, bloomExpectedKeys int, bloomFPRate float64) (*SSTableWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &SSTableWriter{
		f:      f,
		w:      bufio.NewWriter(f),
		sparse: NewSparse(sparseEvery),
		bloom:  NewBloom(bloomExpectedKeys, bloomFPRate),
	}, nil
}

// Append writes the next record. Keys must be supplied in strictly
// increasing order.
func (w *SSTableWriter) Append(key, value []byte, deleted bool) error {
	if w.started && string(key) <= string(w.lastKey) {
		return fmt.Errorf("index: sstable keys must be strictly increasing, got %q after %q", key, w.lastKey)
	}
	w.started = true
	w.lastKey = append([]byte(nil), key...)

	hdr := make([]byte, sstHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(key)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(value)))
	if deleted {
		hdr[8] = 1
	}
	if _, err := w.w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.w.Write(key); err != nil {
		return err
	}
	if _, err := w.w.Write(value); err != nil {
		return err
	}

	w.sparse.Observe(key, Location{Offset: w.offset})
	w.bloom.Add(key)
	w.offset += uint64(sstHeaderLen + len(key) + len(value))
	return nil
}

// Close flushes and closes the data file. It returns the built sparse index
// and bloom filter for the caller to persist or keep in memory.
func (w *SSTableWriter) Close() (*Sparse, *Bloom, error) {
	if err := w.w.Flush(); err != nil {
		return nil, nil, err
	}
	if err := w.f.Sync(); err != nil {
		return nil, nil, err
	}
	if err := w.f.Close(); err != nil {
		return nil, nil, err
	}
	return w.sparse, w.bloom, nil
}

// SSTable is a persistent sorted data file paired with an in-memory sparse
// index, opened for point lookups and range scans (§4.2).
type SSTable struct {
	path   string
	f      *os.File
	size   int64
	sparse *Sparse
	bloom  *Bloom
}

// OpenSSTable opens an existing data file with its (already loaded) sparse
// index and bloom filter.
func OpenSSTable(path string, sparse *Sparse, bloom *Bloom) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &SSTable{path: path, f: f, size: fi.Size(), sparse: sparse, bloom: bloom}, nil
}

// Close releases the file handle.
func (t *SSTable) Close() error { return t.f.Close() }

// Get bisects the sparse index to find the bounding window for k, then scans
// the data file forward within that window: stopping when k is found, a
// larger key is seen (miss), or the next sparse entry's offset is reached.
func (t *SSTable) Get(k []byte) (value []byte, deleted bool, found bool, err error) {
	if t.bloom != nil && !t.bloom.MightContain(k) {
		return nil, false, false, nil
	}

	lo, ok, hi, hiOK := t.sparse.FindRange(k)
	start := int64(0)
	limit := t.size
	if ok {
		start = int64(lo.Loc.Offset)
	}
	if hiOK {
		limit = int64(hi.Loc.Offset)
	}

	r := io.NewSectionReader(t.f, start, limit-start)
	br := bufio.NewReader(r)
	for {
		key, val, del, _, rerr := readSSTRecord(br)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, false, false, rerr
		}
		cmp := compareBytes(key, k)
		if cmp == 0 {
			return val, del, true, nil
		}
		if cmp > 0 {
			return nil, false, false, nil
		}
	}
	return nil, false, false, nil
}

// RangeScan streams every live (non-deleted) record with lo <= key <= hi,
// calling fn for each in ascending order. It stops as soon as a key > hi is
// seen.
func (t *SSTable) RangeScan(lo, hi []byte, fn func(key, value []byte) bool) error {
	start := int64(0)
	if lo != nil {
		if entry, ok, _, _ := t.sparse.FindRange(lo); ok {
			start = int64(entry.Loc.Offset)
		}
	}
	br := bufio.NewReader(io.NewSectionReader(t.f, start, t.size-start))
	for {
		key, val, del, _, err := readSSTRecord(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if lo != nil && compareBytes(key, lo) < 0 {
			continue
		}
		if hi != nil && compareBytes(key, hi) > 0 {
			return nil
		}
		if !del {
			if !fn(key, val) {
				return nil
			}
		}
	}
}

func readSSTRecord(r io.Reader) (key, value []byte, deleted bool, n int, err error) {
	hdr := make([]byte, sstHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, false, 0, err
	}
	keyLen := binary.BigEndian.Uint32(hdr[0:4])
	valLen := binary.BigEndian.Uint32(hdr[4:8])
	deleted = hdr[8] != 0

	key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, nil, false, 0, err
	}
	value = make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, nil, false, 0, err
	}
	return key, value, deleted, sstHeaderLen + len(key) + len(value), nil
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}
