package index

import "sort"

// SparseEntry is one (key, location) pair sampled every Nth record of a
// sorted data file.
type SparseEntry struct {
	Key []byte
	Loc Location
}

// Sparse is an in-memory sparse index over a sorted file: entries are taken
// every Nth record and kept sorted by key, bounding the scan window for any
// lookup to at most N records (spec §4.2).
type Sparse struct {
	every   int
	entries []SparseEntry
	count   int
}

// NewSparse creates a sparse index that will sample every N-th record
// appended via Observe.
func NewSparse(every int) *Sparse {
	if every < 1 {
		every = 1
	}
	return &Sparse{every: every}
}

// Observe is called once per record written to the sorted file, in order. It
// records a sparse entry for every `every`-th record.
func (s *Sparse) Observe(key []byte, loc Location) {
	if s.count%s.every == 0 {
		k := make([]byte, len(key))
		copy(k, key)
		s.entries = append(s.entries, SparseEntry{Key: k, Loc: loc})
	}
	s.count++
}

// FindRange returns the sparse entry with the largest key <= k (lo, ok) and,
// if one exists, the very next sparse entry (hi, hiOK) — the window a caller
// must scan within the backing sorted file to resolve k.
func (s *Sparse) FindRange(k []byte) (lo SparseEntry, ok bool, hi SparseEntry, hiOK bool) {
	// sort.Search finds the first index i such that entries[i].Key > k; the
	// candidate floor entry is i-1.
	i := sort.Search(len(s.entries), func(i int) bool {
		return string(s.entries[i].Key) > string(k)
	})
	if i == 0 {
		return SparseEntry{}, false, SparseEntry{}, false
	}
	lo = s.entries[i-1]
	if i < len(s.entries) {
		return lo, true, s.entries[i], true
	}
	return lo, true, SparseEntry{}, false
}

// Entries returns the sparse entries in ascending key order.
func (s *Sparse) Entries() []SparseEntry { return s.entries }
