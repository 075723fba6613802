package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Info describes a segment's identity and on-disk location, independent of
// whether it is currently open for writing. Segment ids are strictly
// increasing in creation order (§3); compaction may mint a segment whose id
// equals the minimum id of its inputs, so Info.ID is not always larger than
// every previously-seen id — only larger than every id it was *originally*
// created after.
type Info struct {
	ID   uint64
	Path string
}

// Segment is a single data file. The newest segment held by a Manager is the
// "active" segment and is the only one ever appended to; all others are
// immutable once sealed.
type Segment struct {
	info Info

	mu     sync.RWMutex // serializes file handle access on the read path
	file   *os.File
	size   atomic.Uint64
	sealed atomic.Bool
}

// CreateStandalone opens a brand new, empty segment file at path, for use by
// compactors writing a merged-output segment before it is handed to
// Manager.Replace. Use Manager.TempPath to pick path and Manager.NextID (or
// an input segment's own id, per the "min(ids of inputs)" rule) for id.
func CreateStandalone(id uint64, path string) (*Segment, error) {
	return create(id, path)
}

// create opens a brand new, empty segment file at path for both reading and
// appending.
func create(id uint64, path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	return &Segment{info: Info{ID: id, Path: path}, file: f}, nil
}

// openSealed opens an existing, sealed segment file for reading only.
func openSealed(id uint64, path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &Segment{info: Info{ID: id, Path: path}, file: f}
	s.size.Store(uint64(fi.Size()))
	s.sealed.Store(true)
	return s, nil
}

// ID returns the segment's identifier.
func (s *Segment) ID() uint64 { return s.info.ID }

// Size returns the current size in bytes of the segment's data.
func (s *Segment) Size() uint64 { return s.size.Load() }

// Sealed reports whether the segment has been sealed against further writes.
func (s *Segment) Sealed() bool { return s.sealed.Load() }

// Append writes a single record to the segment and fsyncs it, returning the
// byte offset at which it was written. Append must only ever be called by the
// single writer owning this (unsealed) segment; Manager enforces that.
func (s *Segment) Append(r Record) (offset uint64, err error) {
	if s.sealed.Load() {
		return 0, fmt.Errorf("segment: cannot append to sealed segment %d", s.info.ID)
	}
	buf := encode(make([]byte, 0, r.encodedLen()), r)

	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.size.Load()
	if _, err := s.file.WriteAt(buf, int64(off)); err != nil {
		return 0, fmt.Errorf("segment: append to %d: %w", s.info.ID, err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("segment: fsync %d: %w", s.info.ID, err)
	}
	s.size.Add(uint64(len(buf)))
	return off, nil
}

// ReadAt decodes the record at the given byte offset.
func (s *Segment) ReadAt(offset uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, _, err := readRecordAt(s.file, int64(offset))
	return rec, err
}

// Seal marks the segment read-only. Callers must ensure no further Append
// calls race with Seal; Manager serializes this under its write mutex.
func (s *Segment) Seal() error {
	s.sealed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close releases the underlying file handle.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Iterate walks every record in the segment from the start, invoking fn with
// the byte offset and the decoded record. Iteration is lazy, finite and
// restartable: callers may stop early by returning false from fn. A torn
// trailing record (ErrTornRecord) ends iteration without it being reported to
// the caller as a failure, matching §4.1's torn-write tolerance.
func (s *Segment) Iterate(fn func(offset uint64, rec Record) (cont bool)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var off uint64
	size := s.size.Load()
	for off < size {
		rec, n, err := readRecordAt(s.file, int64(off))
		if err != nil {
			if isTorn(err) {
				return nil
			}
			return err
		}
		if !fn(off, rec) {
			return nil
		}
		off += uint64(n)
	}
	return nil
}

func isTorn(err error) bool {
	return err != nil && (err == ErrTornRecord || unwrapIsTorn(err))
}

func unwrapIsTorn(err error) bool {
	type unwrapper interface{ Unwrap() error }
	for {
		if err == ErrTornRecord {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}

// tempPath returns the temporary filename used while a compactor writes a new
// sealed segment before atomically renaming it into place (§4.1 Replace
// precondition).
func tempPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.seg.tmp", id))
}

// finalPath returns the canonical filename for segment id within dir.
func finalPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.seg", id))
}
