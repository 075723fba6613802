package index

import "sync"

// Location points at a specific record: a segment id and the byte offset of
// the record within it.
type Location struct {
	SegmentID uint64
	Offset    uint64
}

// Hash is the in-memory, authoritative point-lookup index (spec §4.2): for
// any key it points at the most recent live record, or is absent. It is
// rebuilt by a full scan of all segments at startup, applying records in
// segment/offset order so later writes overwrite earlier ones and tombstones
// remove the entry entirely.
type Hash struct {
	mu    sync.RWMutex
	table map[string]Location
}

// NewHash creates an empty hash index.
func NewHash() *Hash {
	return &Hash{table: make(map[string]Location)}
}

// Put records (or overwrites) the location for key.
func (h *Hash) Put(key []byte, loc Location) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.table[string(key)] = loc
}

// Delete removes any index entry for key (used on tombstone application).
func (h *Hash) Delete(key []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.table, string(key))
}

// Get returns the location of key's most recent live record, if any.
func (h *Hash) Get(key []byte) (Location, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	loc, ok := h.table[string(key)]
	return loc, ok
}

// Len returns the number of live keys tracked.
func (h *Hash) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.table)
}

// Keys returns a snapshot slice of every live key. The index may continue to
// mutate after this call returns; callers needing a consistent range should
// hold their own higher-level lock.
func (h *Hash) Keys() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, 0, len(h.table))
	for k := range h.table {
		out = append(out, []byte(k))
	}
	return out
}
