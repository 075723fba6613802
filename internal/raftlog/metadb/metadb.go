// Package metadb persists the raft log's metadata — current_term,
// voted_for, and the sealed-segment manifest — in a single bbolt file so
// that both survive a crash with the same fsync guarantees as the segment
// files themselves (§4.8, §4.10).
package metadb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	hardStateBucket = []byte("hardstate")
	manifestBucket  = []byte("manifest")

	currentTermKey = []byte("current_term")
	votedForKey    = []byte("voted_for")
	segmentsKey    = []byte("segments")
)

// HardState is the durable subset of raft node state that must survive a
// restart (§4.8): the term a node has seen and who it voted for in that
// term.
type HardState struct {
	CurrentTerm uint64
	VotedFor    string
}

// SegmentInfo is one entry in the sealed-segment manifest.
type SegmentInfo struct {
	ID        uint64
	BaseIndex uint64
	MinIndex  uint64
	MaxIndex  uint64
	Sealed    bool
}

// DB wraps a bbolt file holding hard state and the segment manifest.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if needed) the metadata database at path.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metadb: open %s: %w", path, err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(hardStateBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(manifestBucket)
		return err
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return &DB{bolt: b}, nil
}

// LoadHardState reads the persisted term/vote, returning the zero value if
// none has ever been saved.
func (d *DB) LoadHardState() (HardState, error) {
	var hs HardState
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(hardStateBucket)
		if v := b.Get(currentTermKey); v != nil {
			hs.CurrentTerm = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(votedForKey); v != nil {
			hs.VotedFor = string(v)
		}
		return nil
	})
	return hs, err
}

// SaveHardState persists term/vote in one fsync'd transaction.
func (d *DB) SaveHardState(hs HardState) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(hardStateBucket)
		var termBuf [8]byte
		binary.BigEndian.PutUint64(termBuf[:], hs.CurrentTerm)
		if err := b.Put(currentTermKey, termBuf[:]); err != nil {
			return err
		}
		return b.Put(votedForKey, []byte(hs.VotedFor))
	})
}

// LoadManifest reads the persisted segment list, in the order it was saved.
func (d *DB) LoadManifest() ([]SegmentInfo, error) {
	var segs []SegmentInfo
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(manifestBucket).Get(segmentsKey)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &segs)
	})
	return segs, err
}

// SaveManifest overwrites the persisted segment list.
func (d *DB) SaveManifest(segs []SegmentInfo) error {
	buf, err := json.Marshal(segs)
	if err != nil {
		return err
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).Put(segmentsKey, buf)
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error {
	return d.bolt.Close()
}
