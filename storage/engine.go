// Package storage binds the segmented log, its indices, and the compactor
// into a single put/get/delete/exists/keys key-value engine (spec component
// C4). It has no range scan.
package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/compaction"
	"github.com/riftkv/riftkv/index"
	"github.com/riftkv/riftkv/segment"
)

// Config holds the tunables named in spec §9 that bear on the storage
// engine.
type Config struct {
	SegmentMaxSize     uint64
	CompactionMinFiles int
	BloomSize          uint64
	BloomHashes        uint32
}

// DefaultConfig returns sensible defaults matching spec §3/§9.
func DefaultConfig() Config {
	return Config{
		SegmentMaxSize:     segment.DefaultMaxSize,
		CompactionMinFiles: 2,
		BloomSize:          1 << 20,
		BloomHashes:        4,
	}
}

// Engine is the public storage contract: put, get, delete, exists, keys,
// force_compaction, stats.
type Engine struct {
	cfg     Config
	mgr     *segment.Manager
	hash    *index.Hash
	bloom   *index.Bloom
	simple  *compaction.Simple
	logger  log.Logger
	metrics *Metrics

	mu sync.Mutex // serializes put/delete/compaction against each other
}

// Open opens (or creates) a storage engine rooted at dir.
func Open(dir string, cfg Config, logger log.Logger, reg MetricsRegisterer) (*Engine, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mgr, err := segment.Open(dir, segment.WithMaxSize(cfg.SegmentMaxSize), segment.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("storage: open segments: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		mgr:    mgr,
		hash:   index.NewHash(),
		bloom:  index.NewBloomSized(cfg.BloomSize, cfg.BloomHashes),
		logger: logger,
	}
	e.simple = compaction.NewSimple(mgr, logger)
	if reg != nil {
		e.metrics = newMetrics(reg)
	}

	if err := e.rebuildIndices(); err != nil {
		return nil, err
	}
	return e, nil
}

// rebuildIndices performs the full-scan hash-index (and bloom) rebuild
// described in §4.2: records are applied in ascending segment-id, ascending
// offset order so later writes shadow earlier ones and tombstones remove the
// key.
func (e *Engine) rebuildIndices() error {
	ids := e.mgr.Segments(true)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		seg := e.mgr.Get(id)
		if seg == nil {
			continue
		}
		err := seg.Iterate(func(offset uint64, rec segment.Record) bool {
			if rec.Deleted {
				e.hash.Delete(rec.Key)
			} else {
				e.hash.Put(rec.Key, index.Location{SegmentID: id, Offset: offset})
				e.bloom.Add(rec.Key)
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("storage: rebuild index from segment %d: %w", id, err)
		}
	}
	level.Info(e.logger).Log("msg", "rebuilt indices", "live_keys", e.hash.Len(), "segments", len(ids))
	return nil
}

// Put writes key=value, making it immediately visible to Get.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	segID, offset, err := e.mgr.Append(segment.Record{Key: key, Value: value})
	if err != nil {
		return err
	}
	e.hash.Put(key, index.Location{SegmentID: segID, Offset: offset})
	e.bloom.Add(key)
	if e.metrics != nil {
		e.metrics.puts.Inc()
	}
	return nil
}

// Get looks up key: bloom check (advisory) -> hash-index lookup (authoritative)
// -> read_at -> verify the read key matches and isn't a tombstone, per §4.4.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.metrics != nil {
		e.metrics.gets.Inc()
	}
	if !e.bloom.MightContain(key) {
		return nil, false, nil
	}
	loc, ok := e.hash.Get(key)
	if !ok {
		return nil, false, nil
	}
	rec, err := e.mgr.ReadAt(loc.SegmentID, loc.Offset)
	if err != nil {
		return nil, false, err
	}
	if string(rec.Key) != string(key) || rec.Deleted {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Exists reports whether key currently has a live value.
func (e *Engine) Exists(key []byte) (bool, error) {
	_, ok, err := e.Get(key)
	return ok, err
}

// Delete writes a tombstone for key and removes it from the index; the
// tombstone itself persists on disk until compaction erases shadowed live
// records (§4.4).
func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, _, err := e.mgr.Append(segment.Record{Key: key, Deleted: true}); err != nil {
		return err
	}
	e.hash.Delete(key)
	if e.metrics != nil {
		e.metrics.deletes.Inc()
	}
	return nil
}

// Keys returns a snapshot of every live key.
func (e *Engine) Keys() [][]byte {
	return e.hash.Keys()
}

// ForceCompaction synchronously runs the simple compactor once, ignoring the
// configured cadence.
func (e *Engine) ForceCompaction() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.simple.Run(e.cfg.CompactionMinFiles); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.compactions.Inc()
	}
	// Compaction rewrites segment ids/offsets for every surviving key, so the
	// index must be rebuilt from the new segment set rather than patched
	// incrementally.
	e.hash = index.NewHash()
	e.bloom = index.NewBloomSized(e.cfg.BloomSize, e.cfg.BloomHashes)
	return e.rebuildIndices()
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	LiveKeys     int
	SegmentCount int
}

// Stats reports engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		LiveKeys:     e.hash.Len(),
		SegmentCount: len(e.mgr.Segments(true)),
	}
}

// Close releases all open file handles.
func (e *Engine) Close() error {
	return e.mgr.Close()
}
