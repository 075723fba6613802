package segment

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// DefaultMaxSize is the seal threshold for the active segment (spec §3,
// segment_max_size default).
const DefaultMaxSize = 1 << 20 // 1 MiB

// Manager owns the set of segments living in one directory: it tracks which
// segment is active (the only one ever appended to), seals segments on
// overflow, and lets a compactor atomically replace a set of segments with
// one merged output (§4.1 replace).
//
// Concurrency: a single writer mutex protects segment-list mutation and
// active-segment selection. The segment list is an immutable sorted map
// (benbjohnson/immutable) replaced copy-on-write under that mutex; Active,
// Get and Segments take the same mutex to look a segment up.
type Manager struct {
	dir     string
	maxSize uint64
	logger  log.Logger
	metrics *Metrics

	writeMu  sync.Mutex
	state    *immutable.SortedMap[uint64, *Segment] // keyed by segment ID
	activeID uint64
	nextID   uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n uint64) Option {
	return func(m *Manager) { m.maxSize = n }
}

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Open loads (or creates) the segment set rooted at dir.
func Open(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:     dir,
		maxSize: DefaultMaxSize,
		logger:  log.NewNopLogger(),
		state:   immutable.NewSortedMap[uint64, *Segment](nil),
	}
	for _, o := range opts {
		o(m)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: read dir %s: %w", dir, err)
	}

	var ids []uint64
	for _, e := range entries {
		id, ok := parseSegmentFilename(e.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		seg, err := openSealed(id, finalPath(dir, id))
		if err != nil {
			return nil, err
		}
		m.state = m.state.Set(id, seg)
		if id >= m.nextID {
			m.nextID = id + 1
		}
	}

	if len(ids) == 0 {
		if err := m.createActiveLocked(0); err != nil {
			return nil, err
		}
	} else {
		// The newest-by-id segment becomes active by reopening it read-write; a
		// freshly loaded store always treats its highest-id segment as the
		// still-appendable tail, matching the invariant that only the newest
		// segment is ever active.
		it := m.state.Iterator()
		it.Last()
		maxID, seg, _ := it.Next()
		seg.Close()
		activePath := finalPath(dir, maxID)
		f, err := os.OpenFile(activePath, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("segment: reopen %s: %w", activePath, err)
		}
		active := &Segment{info: Info{ID: maxID, Path: activePath}, file: f}
		// Re-append any bytes already on disk so size accounting is correct; the
		// file was opened O_RDWR so existing bytes are intact, just re-stat them.
		if fi, err := os.Stat(active.info.Path); err == nil {
			active.size.Store(uint64(fi.Size()))
		}
		m.state = m.state.Set(maxID, active)
		m.activeID = maxID
	}
	return m, nil
}

func (m *Manager) createActiveLocked(minID uint64) error {
	id := m.nextID
	if id < minID {
		id = minID
	}
	seg, err := create(id, finalPath(m.dir, id))
	if err != nil {
		return err
	}
	m.state = m.state.Set(id, seg)
	m.activeID = id
	m.nextID = id + 1
	level.Debug(m.logger).Log("msg", "created active segment", "id", id)
	return nil
}

// Active returns the current appendable segment.
func (m *Manager) Active() *Segment {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	seg, _ := m.state.Get(m.activeID)
	return seg
}

// Append writes a record to the active segment, sealing and rotating to a new
// segment first if the active segment has reached its size limit.
func (m *Manager) Append(r Record) (segmentID uint64, offset uint64, err error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	active, _ := m.state.Get(m.activeID)
	if active.Size() >= m.maxSize {
		if err := active.Seal(); err != nil {
			return 0, 0, err
		}
		level.Info(m.logger).Log("msg", "sealed segment", "id", active.ID(), "size", active.Size())
		if m.metrics != nil {
			m.metrics.segmentRotations.Inc()
		}
		if err := m.createActiveLocked(0); err != nil {
			return 0, 0, err
		}
		active, _ = m.state.Get(m.activeID)
	}

	off, err := active.Append(r)
	if err != nil {
		return 0, 0, err
	}
	if m.metrics != nil {
		m.metrics.bytesWritten.Add(float64(r.encodedLen()))
		m.metrics.recordsWritten.Inc()
	}
	return active.ID(), off, nil
}

// Get returns the segment with the given id, or nil if absent.
func (m *Manager) Get(id uint64) *Segment {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	seg, _ := m.state.Get(id)
	return seg
}

// ReadAt is a convenience wrapper locating the segment then decoding the
// record at offset.
func (m *Manager) ReadAt(segmentID uint64, offset uint64) (Record, error) {
	seg := m.Get(segmentID)
	if seg == nil {
		return Record{}, ErrNotFound
	}
	rec, err := seg.ReadAt(offset)
	if err == nil && m.metrics != nil {
		m.metrics.recordsRead.Inc()
	}
	return rec, err
}

// Segments returns the ids of every segment, oldest first, excluding the
// active one if includeActive is false.
func (m *Manager) Segments(includeActive bool) []uint64 {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var ids []uint64
	it := m.state.Iterator()
	for !it.Done() {
		id, _, _ := it.Next()
		if !includeActive && id == m.activeID {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Replace atomically swaps a compacted output segment in for a set of
// (sealed, inactive) input segments. newSegment must already be durably
// written under a temporary name; Replace renames it into place, updates the
// in-memory segment list, and only then unlinks the old files, per §4.1.
func (m *Manager) Replace(oldIDs []uint64, newID uint64, tmpPath string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	for _, id := range oldIDs {
		if id == m.activeID {
			return fmt.Errorf("segment: refusing to compact active segment %d", id)
		}
	}

	finalP := finalPath(m.dir, newID)
	if err := os.Rename(tmpPath, finalP); err != nil {
		return fmt.Errorf("segment: rename compacted output: %w", err)
	}
	newSeg, err := openSealed(newID, finalP)
	if err != nil {
		return err
	}

	oldSegs := make(map[uint64]*Segment, len(oldIDs))
	for _, id := range oldIDs {
		if seg, ok := m.state.Get(id); ok {
			oldSegs[id] = seg
		}
	}

	newState := m.state
	for _, id := range oldIDs {
		newState = newState.Delete(id)
	}
	newState = newState.Set(newID, newSeg)
	m.state = newState

	// Old files are unlinked only after the in-memory segment list has been
	// updated, per §4.1's Replace precondition.
	for _, id := range oldIDs {
		if id == newID {
			continue // new segment reused an old id; don't close/delete what we just wrote
		}
		if seg, ok := oldSegs[id]; ok {
			seg.Close()
		}
		if err := os.Remove(finalPath(m.dir, id)); err != nil && !os.IsNotExist(err) {
			level.Warn(m.logger).Log("msg", "failed to unlink compacted segment", "id", id, "err", err)
		}
	}
	level.Info(m.logger).Log("msg", "compaction replaced segments", "old", fmt.Sprint(oldIDs), "new", newID)
	return nil
}

// TempPath exposes the manager's directory-scoped temp filename convention so
// a compactor can write its output before calling Replace.
func (m *Manager) TempPath(id uint64) string { return tempPath(m.dir, id) }

// NextID hands out a fresh, strictly increasing segment id for the
// compactor's output file when the merge cannot reuse min(inputs) (e.g. the
// leveled compactor always writes into the target level under a new id).
func (m *Manager) NextID() uint64 {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	id := m.nextID
	m.nextID++
	return id
}

// Close closes every open segment file handle.
func (m *Manager) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	var firstErr error
	it := m.state.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseSegmentFilename(name string) (uint64, bool) {
	const suffix = ".seg"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return 0, false
	}
	id, err := strconv.ParseUint(name[:len(name)-len(suffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
