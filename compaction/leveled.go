package compaction

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/segment"
)

// keyRange is the [min, max] key span covered by a segment, computed by
// scanning its keys (L0 segments included). An empty segment has no known
// range and is considered to overlap everything.
type keyRange struct {
	min, max []byte
	known    bool
}

func (r keyRange) overlaps(o keyRange) bool {
	if !r.known || !o.known {
		return true
	}
	return string(r.min) <= string(o.max) && string(o.min) <= string(r.max)
}

// Leveled implements the leveled compactor of §4.3: segments are grouped by
// level, level L's size budget is ratio^(L+1)*base, and overflow triggers a
// merge of one segment from L with every overlapping segment in L+1.
type Leveled struct {
	mgr    *segment.Manager
	ratio  float64
	base   uint64
	logger log.Logger

	mu      sync.Mutex
	levelOf map[uint64]int
	ranges  map[uint64]keyRange
}

// NewLeveled creates a leveled compactor. base is the byte budget of level 0
// before ratio scaling (spec §4.3 / §9 configuration).
func NewLeveled(mgr *segment.Manager, ratio float64, base uint64, logger log.Logger) *Leveled {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if ratio <= 1 {
		ratio = 10
	}
	l := &Leveled{
		mgr:     mgr,
		ratio:   ratio,
		base:    base,
		logger:  logger,
		levelOf: make(map[uint64]int),
		ranges:  make(map[uint64]keyRange),
	}
	// Newly discovered sealed segments default to level 0 until classified by
	// a Run() pass; AssignLevel lets a storage engine place segments produced
	// outside the compactor (e.g. flushed memtables) directly.
	for _, id := range mgr.Segments(false) {
		l.levelOf[id] = 0
	}
	return l
}

// AssignLevel records which level a segment (typically a freshly sealed one)
// belongs to.
func (l *Leveled) AssignLevel(id uint64, lvl int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levelOf[id] = lvl
}

// sizeLimit returns the byte budget of level lvl: ratio^(lvl+1) * base.
func (l *Leveled) sizeLimit(lvl int) uint64 {
	limit := l.base
	for i := 0; i <= lvl; i++ {
		limit = uint64(float64(limit) * l.ratio)
	}
	return limit
}

func (l *Leveled) segmentsAt(lvl int) []uint64 {
	var ids []uint64
	for id, lv := range l.levelOf {
		if lv == lvl {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Leveled) levelSize(lvl int) uint64 {
	var total uint64
	for _, id := range l.segmentsAt(lvl) {
		if seg := l.mgr.Get(id); seg != nil {
			total += seg.Size()
		}
	}
	return total
}

// Run checks every level from 0 upward and performs at most one merge for the
// first overflowing level found. Callers loop Run until it returns
// (false, nil) to fully drain overflow, matching a background compactor's
// typical incremental cadence.
func (l *Leveled) Run(maxLevel int) (didWork bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for lvl := 0; lvl < maxLevel; lvl++ {
		if l.levelSize(lvl) <= l.sizeLimit(lvl) {
			continue
		}
		ids := l.segmentsAt(lvl)
		if len(ids) == 0 {
			continue
		}
		pick := ids[0] // oldest segment in the overflowing level
		if err := l.mergeDownLocked(pick, lvl); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// mergeDownLocked merges segment srcID (at level lvl) with every segment at
// lvl+1 whose key range overlaps it, writing the result into lvl+1. Callers
// must hold l.mu.
func (l *Leveled) mergeDownLocked(srcID uint64, lvl int) error {
	srcRange, err := l.rangeOf(srcID)
	if err != nil {
		return err
	}

	var overlapping []uint64
	for _, id := range l.segmentsAt(lvl + 1) {
		r, err := l.rangeOf(id)
		if err != nil {
			return err
		}
		if srcRange.overlaps(r) {
			overlapping = append(overlapping, id)
		}
	}

	inputs := append([]uint64{srcID}, overlapping...)

	// Fold records: a key in the (newer) source level shadows the same key in
	// L+1; tombstones in the source mask L+1. Tombstones are dropped from the
	// output only when L+1 is the bottom level (bottomLevelHint) and are
	// carried forward otherwise (§4.3).
	type entry struct {
		value   []byte
		deleted bool
	}
	merged := make(map[string]entry)
	var order []string

	applyLevel := func(id uint64, isSource bool) error {
		seg := l.mgr.Get(id)
		if seg == nil {
			return nil
		}
		return seg.Iterate(func(offset uint64, rec segment.Record) bool {
			key := string(rec.Key)
			if _, exists := merged[key]; !exists {
				order = append(order, key)
			} else if !isSource {
				// Within L+1 the first record seen for a key is kept; the
				// source level is applied afterwards and overwrites it.
				return true
			}
			merged[key] = entry{value: rec.Value, deleted: rec.Deleted}
			return true
		})
	}

	// L+1 first (older), then the source level overwrites shared keys.
	for _, id := range overlapping {
		if err := applyLevel(id, false); err != nil {
			return err
		}
	}
	if err := applyLevel(srcID, true); err != nil {
		return err
	}

	sort.Strings(order)

	newID := l.mgr.NextID()
	tmpPath := l.mgr.TempPath(newID)
	w, err := segment.CreateStandalone(newID, tmpPath)
	if err != nil {
		return err
	}

	dropBottom := lvl+1 >= bottomLevelHint
	liveCount := 0
	for _, key := range order {
		e := merged[key]
		if e.deleted {
			if dropBottom {
				continue
			}
			if _, _, err := w.Append(segment.Record{Key: []byte(key), Deleted: true}); err != nil {
				w.Close()
				return err
			}
			continue
		}
		if _, _, err := w.Append(segment.Record{Key: []byte(key), Value: e.value}); err != nil {
			w.Close()
			return err
		}
		liveCount++
	}
	if err := w.Seal(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := l.mgr.Replace(inputs, newID, tmpPath); err != nil {
		return err
	}

	for _, id := range inputs {
		delete(l.levelOf, id)
		delete(l.ranges, id)
	}
	l.levelOf[newID] = lvl + 1

	level.Info(l.logger).Log("msg", "leveled compaction merged down", "src", srcID, "level", lvl,
		"overlapping", len(overlapping), "live_keys", liveCount, "output", newID)
	return nil
}

// bottomLevelHint caps how deep tombstones are retained; beyond this, a
// tombstone merging into the next level is assumed to have reached the
// bottom of the tree and is dropped outright.
const bottomLevelHint = 6

func (l *Leveled) rangeOf(id uint64) (keyRange, error) {
	if r, ok := l.ranges[id]; ok {
		return r, nil
	}
	seg := l.mgr.Get(id)
	if seg == nil {
		return keyRange{}, fmt.Errorf("compaction: unknown segment %d", id)
	}
	var r keyRange
	err := seg.Iterate(func(offset uint64, rec segment.Record) bool {
		if !r.known {
			r.min = append([]byte(nil), rec.Key...)
			r.max = append([]byte(nil), rec.Key...)
			r.known = true
			return true
		}
		if string(rec.Key) < string(r.min) {
			r.min = append([]byte(nil), rec.Key...)
		}
		if string(rec.Key) > string(r.max) {
			r.max = append([]byte(nil), rec.Key...)
		}
		return true
	})
	if err != nil {
		return keyRange{}, err
	}
	l.ranges[id] = r
	return r, nil
}
