// Package segment implements the durable, crash-safe append-only record
// stream that backs a single storage engine replica (spec component C1).
//
// A segment is an immutable file once sealed; only the newest ("active")
// segment in a manager is ever appended to. Records are packed
// big-endian as:
//
//	key_len(4) | value_len(4) | deleted(1) | key | value
//
// A tombstone has deleted=1 and value_len=0. Offsets are stable once
// written: a record's byte offset never changes for the lifetime of the
// segment file.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// headerLen is the fixed-width prefix of every record: key_len, value_len,
// deleted.
const headerLen = 4 + 4 + 1

// ErrNotFound is returned by Manager.ReadAt when no segment has the requested
// id.
var ErrNotFound = errors.New("segment: record not found")

// ErrTornRecord indicates a record was truncated mid-write, most likely by a
// crash. Callers iterating a segment should stop (not fail) on this error.
var ErrTornRecord = errors.New("segment: torn record at tail")

// Record is a single decoded key/value entry, or a tombstone when Deleted is
// set.
type Record struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// encodedLen returns the on-disk size of the record.
func (r Record) encodedLen() int {
	return headerLen + len(r.Key) + len(r.Value)
}

// encode appends the wire representation of r to buf and returns the result.
func encode(buf []byte, r Record) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, headerLen)...)
	binary.BigEndian.PutUint32(buf[start:], uint32(len(r.Key)))
	binary.BigEndian.PutUint32(buf[start+4:], uint32(len(r.Value)))
	if r.Deleted {
		buf[start+8] = 1
	}
	buf = append(buf, r.Key...)
	buf = append(buf, r.Value...)
	return buf
}

// decodeHeader parses the fixed header from hdr (must be exactly headerLen
// bytes) and returns the key and value lengths and the deleted flag.
func decodeHeader(hdr []byte) (keyLen, valLen uint32, deleted bool, err error) {
	if len(hdr) != headerLen {
		return 0, 0, false, fmt.Errorf("segment: short header (%d bytes)", len(hdr))
	}
	keyLen = binary.BigEndian.Uint32(hdr[0:4])
	valLen = binary.BigEndian.Uint32(hdr[4:8])
	deleted = hdr[8] != 0
	return keyLen, valLen, deleted, nil
}

// readRecordAt decodes one record starting at offset off in r, which must
// support random access reads (io.ReaderAt). It returns an error matching
// ErrTornRecord if the header or the declared length runs past the readable data,
// which callers iterating a segment should treat as "stop, don't fail".
func readRecordAt(r io.ReaderAt, off int64) (Record, int, error) {
	hdr := make([]byte, headerLen)
	n, err := r.ReadAt(hdr, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == headerLen) {
		if errors.Is(err, io.EOF) {
			return Record{}, 0, fmt.Errorf("%w: %v", ErrTornRecord, err)
		}
		return Record{}, 0, err
	}
	keyLen, valLen, deleted, err := decodeHeader(hdr)
	if err != nil {
		return Record{}, 0, fmt.Errorf("%w: %v", ErrTornRecord, err)
	}

	body := make([]byte, int(keyLen)+int(valLen))
	n, err = r.ReadAt(body, off+headerLen)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// A short read here is a torn trailing record: the header promised
			// more bytes than the file actually contains. Drop it silently per
			// §4.1 crash-safety rules rather than failing the whole iteration.
			if n < len(body) {
				return Record{}, 0, ErrTornRecord
			}
		} else {
			return Record{}, 0, err
		}
	}

	rec := Record{
		Key:     body[:keyLen],
		Value:   body[keyLen:],
		Deleted: deleted,
	}
	return rec, headerLen + len(body), nil
}
