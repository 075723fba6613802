package raftlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// segment is one append-only file holding a contiguous run of log entries
// starting at baseIndex. While unsealed it is the active tail and accepts
// appends; once sealed it is read-only and eligible for truncation or
// deletion. Segment files follow an unsealed-tail/sealed-body lifecycle
// without an on-disk index-block trailer — offsets are rebuilt by a single
// sequential scan at open time instead.
type segment struct {
	mu sync.RWMutex

	id        uint64
	baseIndex uint64
	minIndex  uint64 // logical first valid index; >= baseIndex after a front-truncate
	path      string
	file      *os.File
	size      atomic.Uint64
	sealed    atomic.Bool

	// offsets[i] is the byte offset of the frame for index baseIndex+i.
	offsets []uint32

	// maxCap, when capped, lowers MaxIndex below what offsets would naturally
	// report — set by a back-truncation that lands inside this segment
	// rather than at a boundary. The physical frames past maxCap are left on
	// disk (this segment may be the append tail's predecessor, not writable)
	// but Get and MaxIndex both treat them as gone.
	capped bool
	maxCap uint64
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("%020d.rlog", id)
}

func createSegment(dir string, id, baseIndex uint64) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &segment{id: id, baseIndex: baseIndex, minIndex: baseIndex, path: path, file: f}, nil
}

// openSegment reopens an existing segment file and rebuilds its offset
// index by scanning every frame. baseIndex is trusted from the manifest;
// scanning stops (without error) at the first header that fails to decode
// or whose recorded length runs past EOF, treating that as a torn trailing
// write from a crash mid-append. For a sealed segment, maxIndex, if it is
// lower than what the scan naturally finds, caps the segment the way
// SetMaxIndex does (a back-truncation that landed inside this segment before
// the crash). The writable tail is never capped: its manifest maxIndex is not
// updated on append, so every complete frame the scan finds stays visible.
func openSegment(dir string, id, baseIndex, minIndex, maxIndex uint64, writable bool) (*segment, error) {
	path := filepath.Join(dir, segmentFileName(id))
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	if minIndex < baseIndex {
		minIndex = baseIndex
	}
	s := &segment{id: id, baseIndex: baseIndex, minIndex: minIndex, path: path, file: f}
	if !writable {
		s.sealed.Store(true)
	}

	var off int64
	for {
		e, err := readEntryAt(f, off)
		if err != nil {
			break
		}
		s.offsets = append(s.offsets, uint32(off))
		off += encodedLen(e)
	}
	s.size.Store(uint64(off))
	if writable {
		// Truncate away any torn trailing bytes past the last good frame so
		// subsequent appends start from a clean offset.
		if err := f.Truncate(off); err != nil {
			f.Close()
			return nil, err
		}
	}
	if !writable && len(s.offsets) > 0 && maxIndex < baseIndex+uint64(len(s.offsets))-1 {
		s.capped = true
		s.maxCap = maxIndex
	}
	return s, nil
}

func (s *segment) ID() uint64        { return s.id }
func (s *segment) BaseIndex() uint64 { return s.baseIndex }
func (s *segment) Size() uint64      { return s.size.Load() }

// MinIndex returns the logical first valid index in this segment: equal to
// BaseIndex unless a front-truncation landed inside it.
func (s *segment) MinIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minIndex
}

// SetMinIndex raises the segment's logical first valid index, used when a
// front-truncation lands inside this segment rather than at a boundary.
func (s *segment) SetMinIndex(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx > s.minIndex {
		s.minIndex = idx
	}
}
func (s *segment) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}

// MaxIndex returns the highest index stored, or baseIndex-1 if empty. A
// back-truncation landing inside this segment (see SetMaxIndex) lowers this
// below what the physical frame count would otherwise report.
func (s *segment) MaxIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxIndexLocked()
}

func (s *segment) maxIndexLocked() uint64 {
	var natural uint64
	if len(s.offsets) == 0 {
		if s.baseIndex == 0 {
			natural = 0
		} else {
			natural = s.baseIndex - 1
		}
	} else {
		natural = s.baseIndex + uint64(len(s.offsets)) - 1
	}
	if s.capped && s.maxCap < natural {
		return s.maxCap
	}
	return natural
}

// SetMaxIndex caps the segment's logical last valid index at idx, used
// when a back-truncation lands inside this segment rather than at a
// boundary. The frames past idx remain on disk but are no longer visible
// through Get or MaxIndex.
func (s *segment) SetMaxIndex(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capped = true
	s.maxCap = idx
}

// Append writes entries in order, fsyncing once per call. entries must have
// strictly sequential Index values continuing from the segment's current
// tail (checked by the caller, Log.StoreEntries).
func (s *segment) Append(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed.Load() {
		return fmt.Errorf("raftlog: cannot append to sealed segment %d", s.id)
	}

	off := int64(s.size.Load())
	for _, e := range entries {
		n, err := writeEntry(s.file, e)
		if err != nil {
			return err
		}
		s.offsets = append(s.offsets, uint32(off))
		off += n
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.size.Store(uint64(off))
	return nil
}

// Get returns the entry at index, which must lie within [baseIndex,
// baseIndex+Count()).
func (s *segment) Get(index uint64) (Entry, error) {
	s.mu.RLock()
	if index < s.minIndex || index-s.baseIndex >= uint64(len(s.offsets)) || index > s.maxIndexLocked() {
		s.mu.RUnlock()
		return Entry{}, ErrNotFound
	}
	off := int64(s.offsets[index-s.baseIndex])
	s.mu.RUnlock()
	return readEntryAt(s.file, off)
}

// Seal marks the segment read-only; no further Append calls are accepted.
func (s *segment) Seal() {
	s.sealed.Store(true)
}

func (s *segment) Close() error {
	return s.file.Close()
}
