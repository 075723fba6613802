// Package raftlog is the persistent, segmented raft log (§4.10, C11):
// entries are appended to a sealed series of segment files, addressed by
// monotonic index rather than by key, with the same copy-on-write state
// snapshot discipline the storage engine's segment manager uses — a single
// writer mutates an immutable.SortedMap under writeMu, readers load an
// atomic.Value snapshot without taking any lock.
//
// Adapted from a HashiCorp-style raft WAL: this package keeps that WAL's
// segment-rotation and truncate-front/truncate-back shape but drops its
// generic pluggable-filer abstraction (SegmentFiler/MetaStore interfaces)
// in favor of concrete os.File segments and a bbolt-backed metadb, and
// trades its asynchronous background rotation goroutine for synchronous
// rotation under writeMu — simpler to reason about, and rotation is already
// bounded by the segment size (DefaultSegmentSize, or WithSegmentSize) so
// it's not a hot path worth the extra concurrency.
package raftlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/internal/raftlog/metadb"
)

// DefaultSegmentSize seals a segment once it exceeds this many bytes.
const DefaultSegmentSize = 16 * 1024 * 1024

type state struct {
	segments *immutable.SortedMap[uint64, *segment] // keyed by BaseIndex
	tailID   uint64
}

func (s *state) tail() *segment {
	seg, _ := s.segments.Get(s.tailID)
	return seg
}

func (s *state) firstIndex() uint64 {
	it := s.segments.Iterator()
	if it.Done() {
		return 0
	}
	_, seg, _ := it.Next()
	if seg.Count() == 0 {
		return 0
	}
	return seg.MinIndex()
}

func (s *state) lastIndex() uint64 {
	tail := s.tail()
	if tail == nil {
		return 0
	}
	if tail.Count() == 0 {
		// Tail empty: the previous segment (if any) holds the last entry.
		it := s.segments.Iterator()
		it.Last()
		var last uint64
		for !it.Done() {
			_, seg, _ := it.Prev()
			if seg.ID() == tail.ID() {
				continue
			}
			last = seg.MaxIndex()
			break
		}
		return last
	}
	return tail.MaxIndex()
}

// Log is the persistent raft log.
type Log struct {
	dir     string
	meta    *metadb.DB
	segSize int
	logger  log.Logger
	metrics *Metrics

	s atomic.Value // *state

	writeMu   sync.Mutex
	nextSegID uint64
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the log's logger.
func WithLogger(l log.Logger) Option { return func(lg *Log) { lg.logger = l } }

// WithSegmentSize overrides DefaultSegmentSize.
func WithSegmentSize(n int) Option { return func(lg *Log) { lg.segSize = n } }

// WithMetrics installs a Metrics instance (see NewMetrics).
func WithMetrics(m *Metrics) Option { return func(lg *Log) { lg.metrics = m } }

// Open opens (or creates) the raft log stored under dir, recovering from
// metadb's manifest and scanning segment files to rebuild in-memory offset
// indices.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Log{
		dir:     dir,
		segSize: DefaultSegmentSize,
		logger:  log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil)
	}

	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, err
	}
	l.meta = meta

	manifest, err := meta.LoadManifest()
	if err != nil {
		return nil, err
	}

	segments := immutable.NewSortedMap[uint64, *segment](nil)
	var maxSegID, tailID uint64
	for _, si := range manifest {
		seg, err := openSegment(dir, si.ID, si.BaseIndex, si.MinIndex, si.MaxIndex, !si.Sealed)
		if err != nil {
			return nil, fmt.Errorf("raftlog: recover segment %d: %w", si.ID, err)
		}
		if !si.Sealed {
			tailID = si.ID
		}
		segments = segments.Set(si.BaseIndex, seg)
		if si.ID > maxSegID {
			maxSegID = si.ID
		}
	}

	if tailID == 0 {
		// No unsealed tail recovered (empty log, or every segment sealed after
		// a truncate that removed the tail). Create a fresh one.
		nextBase := uint64(1)
		if it := segments.Iterator(); !it.Done() {
			it.Last()
			if _, seg, ok := it.Prev(); ok {
				nextBase = seg.MaxIndex() + 1
			}
		}
		maxSegID++
		seg, err := createSegment(dir, maxSegID, nextBase)
		if err != nil {
			return nil, err
		}
		segments = segments.Set(nextBase, seg)
		tailID = maxSegID
		if err := l.persistManifestLocked(segments); err != nil {
			return nil, err
		}
	}

	l.nextSegID = maxSegID + 1
	l.s.Store(&state{segments: segments, tailID: tailID})
	return l, nil
}

func (l *Log) loadState() *state { return l.s.Load().(*state) }

// HardState returns the persisted current_term/voted_for.
func (l *Log) HardState() (metadb.HardState, error) { return l.meta.LoadHardState() }

// SaveHardState persists current_term/voted_for.
func (l *Log) SaveHardState(hs metadb.HardState) error { return l.meta.SaveHardState(hs) }

// FirstIndex returns the first index stored, 0 if the log is empty.
func (l *Log) FirstIndex() uint64 { return l.loadState().firstIndex() }

// LastIndex returns the last index stored, 0 if the log is empty.
func (l *Log) LastIndex() uint64 { return l.loadState().lastIndex() }

// GetEntry returns the entry at index.
func (l *Log) GetEntry(index uint64) (Entry, error) {
	s := l.loadState()
	seg := segmentFor(s, index)
	if seg == nil {
		return Entry{}, ErrNotFound
	}
	e, err := seg.Get(index)
	if err == nil {
		l.metrics.entriesRead.Inc()
	}
	return e, err
}

func segmentFor(s *state, index uint64) *segment {
	var found *segment
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		if index < seg.BaseIndex() {
			break
		}
		found = seg
	}
	return found
}

// StoreEntries appends entries, which must be strictly sequential and
// continue from LastIndex()+1 (or be the first entries of an empty log).
func (l *Log) StoreEntries(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	lastIdx := s.lastIndex()
	for i, e := range entries {
		if lastIdx > 0 && e.Index != lastIdx+1 {
			return fmt.Errorf("raftlog: non-monotonic append: index %d after %d", e.Index, lastIdx)
		}
		lastIdx = e.Index
		_ = i
	}

	tail := s.tail()
	if tail.Count() == 0 && entries[0].Index != tail.BaseIndex() {
		// First entries of a fresh (or post-truncate) tail landed on a
		// different index than assumed when the segment was created.
		// Recreate it with the right BaseIndex before appending.
		newState, err := l.resetEmptyTailBaseIndexLocked(s, entries[0].Index)
		if err != nil {
			return err
		}
		s = newState
		tail = s.tail()
	}

	nBytes := int64(0)
	for _, e := range entries {
		nBytes += encodedLen(e)
	}
	if err := tail.Append(entries); err != nil {
		return err
	}
	l.metrics.appends.Inc()
	l.metrics.entriesWritten.Add(float64(len(entries)))
	l.metrics.bytesWritten.Add(float64(nBytes))

	if tail.Size() >= uint64(l.segSize) {
		if err := l.rotateLocked(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) resetEmptyTailBaseIndexLocked(s *state, newBase uint64) (*state, error) {
	tail := s.tail()
	segments := s.segments
	if tail != nil {
		segments = segments.Delete(tail.BaseIndex())
		tail.Close()
		os.Remove(tail.path)
	}
	seg, err := createSegment(l.dir, l.nextSegID, newBase)
	if err != nil {
		return nil, err
	}
	l.nextSegID++
	segments = segments.Set(newBase, seg)
	newS := &state{segments: segments, tailID: seg.ID()}
	if err := l.persistManifestLocked(segments); err != nil {
		return nil, err
	}
	l.s.Store(newS)
	return newS, nil
}

// rotateLocked seals the current tail and opens a fresh one. Must be called
// with writeMu held.
func (l *Log) rotateLocked(s *state) error {
	tail := s.tail()
	tail.Seal()

	seg, err := createSegment(l.dir, l.nextSegID, tail.MaxIndex()+1)
	if err != nil {
		return err
	}
	l.nextSegID++

	segments := s.segments.Set(seg.BaseIndex(), seg)
	newS := &state{segments: segments, tailID: seg.ID()}
	if err := l.persistManifestLocked(segments); err != nil {
		return err
	}
	l.s.Store(newS)
	l.metrics.segmentRotations.Inc()
	level.Debug(l.logger).Log("msg", "sealed segment and rotated", "sealed_id", tail.ID(), "new_id", seg.ID(), "new_base", seg.BaseIndex())
	return nil
}

// TruncateFront drops all entries before index (index becomes the new first
// entry). A no-op if index is already <= the current first index.
func (l *Log) TruncateFront(index uint64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	if index < s.firstIndex() {
		return nil
	}

	segments := s.segments
	it := segments.Iterator()
	toClose := make([]*segment, 0)
	toDelete := make([]uint64, 0)
	foundHead := false
	for !it.Done() {
		base, seg, _ := it.Next()
		if seg.MaxIndex() >= index {
			seg.SetMinIndex(index)
			foundHead = true
			break
		}
		toClose = append(toClose, seg)
		toDelete = append(toDelete, base)
	}

	for _, base := range toDelete {
		segments = segments.Delete(base)
	}

	// The append tail (the unsealed segment accepting writes) always has the
	// highest MaxIndex, so it's never in toDelete unless the truncation wipes
	// the whole log — in which case a fresh empty tail is needed.
	newTailID := s.tailID
	if !foundHead {
		lastIdx := s.lastIndex()
		l.nextSegID++
		seg, err := createSegment(l.dir, l.nextSegID-1, lastIdx+1)
		if err != nil {
			return err
		}
		segments = segments.Set(seg.BaseIndex(), seg)
		newTailID = seg.ID()
	}

	newS := &state{segments: segments, tailID: newTailID}
	if err := l.persistManifestLocked(segments); err != nil {
		return err
	}
	l.s.Store(newS)

	for _, seg := range toClose {
		seg.Close()
		os.Remove(seg.path)
	}
	l.metrics.entriesTruncated.WithLabelValues("front").Inc()
	return nil
}

// TruncateBack drops all entries after index (index becomes the new last
// entry). A no-op if index is already >= the current last index.
func (l *Log) TruncateBack(index uint64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	s := l.loadState()
	first, last := s.firstIndex(), s.lastIndex()
	if index >= last {
		return nil
	}
	if first > 0 && index < first {
		return fmt.Errorf("%w: truncate back index=%d first=%d last=%d", ErrOutOfRange, index, first, last)
	}

	segments := s.segments
	it := segments.Iterator()
	it.Last()
	toClose := make([]*segment, 0)
	toDelete := make([]uint64, 0)
	var boundary *segment
	for !it.Done() {
		base, seg, _ := it.Prev()
		if seg.BaseIndex() <= index {
			boundary = seg
			break
		}
		toClose = append(toClose, seg)
		toDelete = append(toDelete, base)
	}
	for _, base := range toDelete {
		segments = segments.Delete(base)
	}
	// The boundary segment (the one index falls inside) is kept, not
	// deleted: it may hold entries 1..index that must stay readable. Cap its
	// logical max and seal it so it stops being the append target; the
	// frames it physically holds past index are left on disk and masked by
	// the cap, same as a front-truncation landing mid-segment.
	if boundary != nil {
		boundary.SetMaxIndex(index)
		boundary.Seal()
	}

	l.nextSegID++
	newTailBase := index + 1
	seg, err := createSegment(l.dir, l.nextSegID-1, newTailBase)
	if err != nil {
		return err
	}
	segments = segments.Set(newTailBase, seg)

	newS := &state{segments: segments, tailID: seg.ID()}
	if err := l.persistManifestLocked(segments); err != nil {
		return err
	}
	l.s.Store(newS)

	for _, seg := range toClose {
		seg.Close()
		os.Remove(seg.path)
	}
	l.metrics.entriesTruncated.WithLabelValues("back").Inc()
	return nil
}

func (l *Log) persistManifestLocked(segments *immutable.SortedMap[uint64, *segment]) error {
	manifest := make([]metadb.SegmentInfo, 0, segments.Len())
	it := segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		manifest = append(manifest, metadb.SegmentInfo{
			ID:        seg.ID(),
			BaseIndex: seg.BaseIndex(),
			MinIndex:  seg.MinIndex(),
			MaxIndex:  seg.MaxIndex(),
			Sealed:    seg.sealed.Load(),
		})
	}
	return l.meta.SaveManifest(manifest)
}

// Close closes every open segment file and the metadata database.
func (l *Log) Close() error {
	s := l.loadState()
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		seg.Close()
	}
	return l.meta.Close()
}
