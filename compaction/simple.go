// Package compaction implements the simple and leveled segment compactors
// (spec component C3) that reclaim space by folding superseded values and
// tombstones out of the segmented log.
package compaction

import (
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/segment"
)

// Simple implements the "pick N inactive segments, fold in commit order,
// write the survivors sorted under the smallest input id" compactor of §4.3.
type Simple struct {
	mgr    *segment.Manager
	logger log.Logger
}

// NewSimple builds a simple compactor bound to mgr.
func NewSimple(mgr *segment.Manager, logger log.Logger) *Simple {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Simple{mgr: mgr, logger: logger}
}

// Run compacts every inactive segment into one. It is a no-op if fewer than
// minSegments (at least 2) inactive segments exist.
func (s *Simple) Run(minSegments int) error {
	if minSegments < 2 {
		minSegments = 2
	}
	ids := s.mgr.Segments(false) // excludes active, sorted ascending by manager's snapshot order
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) < minSegments {
		return nil
	}

	// merged retains, for each live key, the value from the highest segment id
	// that wrote it (tie-break rule: higher segment id wins within a
	// compaction, §4.3).
	type entry struct {
		value   []byte
		deleted bool
		fromID  uint64
	}
	merged := make(map[string]entry)
	var order []string

	for _, id := range ids {
		seg := s.mgr.Get(id)
		if seg == nil {
			continue
		}
		err := seg.Iterate(func(offset uint64, rec segment.Record) bool {
			key := string(rec.Key)
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = entry{value: rec.Value, deleted: rec.Deleted, fromID: id}
			return true
		})
		if err != nil {
			return fmt.Errorf("compaction: iterate segment %d: %w", id, err)
		}
	}

	sort.Strings(order)

	newID := ids[0] // compaction output id = min(ids of inputs), per §3 segment invariant
	tmpPath := s.mgr.TempPath(newID)
	w, err := segment.CreateStandalone(newID, tmpPath)
	if err != nil {
		return err
	}

	liveCount := 0
	for _, key := range order {
		e := merged[key]
		if e.deleted {
			continue // tombstone is consumed here; it is not carried into the output
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

	if err := s.mgr.Replace(ids, newID, tmpPath); err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "simple compaction complete", "inputs", len(ids), "live_keys", liveCount, "output", newID)
	return nil
}
