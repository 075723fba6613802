// Package codec implements the versioned tagged-field encoding of spec §6
// (VENC): an 8-byte header (magic, version, schema-name length), the schema
// name, then a sequence of varint-tagged fields terminated by a zero tag.
// It exists for state-machine commands that opt into a binary wire form
// instead of statemachine's default JSON — e.g. a future schema needing
// forward/backward compatibility guarantees JSON-with-struct-tags doesn't
// give for free.
//
// There is no teacher or pack library for this: it's a from-scratch wire
// format specified byte-for-byte, not a generic serialization problem a
// library like protobuf or msgpack would solve more idiomatically — see
// DESIGN.md.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic identifies a VENC-encoded record.
var Magic = [4]byte{'V', 'E', 'N', 'C'}

// FieldType tells the decoder how to parse (or skip) a tagged field's
// payload when it doesn't know the field's Go type any other way.
type FieldType int

const (
	FieldUint64 FieldType = iota
	FieldString
	FieldBytes
	FieldStringArray
	FieldStringMap
	FieldNested
)

// Schema maps a field tag to its wire type, letting Decode skip unknown
// tags using the source schema's type per §6's forward-compatibility rule.
type Schema map[uint64]FieldType

// ErrCorrupt is returned for any structurally invalid VENC record.
var ErrCorrupt = errors.New("codec: corrupt VENC record")

// Encoder builds one VENC record: a header, then tagged fields, finished by
// a terminating zero tag.
type Encoder struct {
	name string
	buf  bytes.Buffer
}

// NewEncoder starts a record for the given schema name.
func NewEncoder(schemaName string) *Encoder {
	return &Encoder{name: schemaName}
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// WriteUint64 appends a fixed-width big-endian numeric field.
func (e *Encoder) WriteUint64(tag uint64, v uint64) {
	putUvarint(&e.buf, tag)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf.Write(tmp[:])
}

// WriteString appends a length-prefixed string field.
func (e *Encoder) WriteString(tag uint64, s string) {
	putUvarint(&e.buf, tag)
	putUvarint(&e.buf, uint64(len(s)))
	e.buf.WriteString(s)
}

// WriteBytes appends a length-prefixed byte-slice field.
func (e *Encoder) WriteBytes(tag uint64, b []byte) {
	putUvarint(&e.buf, tag)
	putUvarint(&e.buf, uint64(len(b)))
	e.buf.Write(b)
}

// WriteStringArray appends a count-prefixed array of strings.
func (e *Encoder) WriteStringArray(tag uint64, items []string) {
	putUvarint(&e.buf, tag)
	putUvarint(&e.buf, uint64(len(items)))
	for _, s := range items {
		putUvarint(&e.buf, uint64(len(s)))
		e.buf.WriteString(s)
	}
}

// WriteStringMap appends a count-prefixed sequence of (string,string) pairs.
func (e *Encoder) WriteStringMap(tag uint64, m map[string]string) {
	putUvarint(&e.buf, tag)
	putUvarint(&e.buf, uint64(len(m)))
	for k, v := range m {
		putUvarint(&e.buf, uint64(len(k)))
		e.buf.WriteString(k)
		putUvarint(&e.buf, uint64(len(v)))
		e.buf.WriteString(v)
	}
}

// WriteNested appends a length-prefixed, already-encoded inner record (e.g.
// the output of another Encoder's Finish).
func (e *Encoder) WriteNested(tag uint64, inner []byte) {
	putUvarint(&e.buf, tag)
	putUvarint(&e.buf, uint64(len(inner)))
	e.buf.Write(inner)
}

// Finish terminates the field sequence with a zero tag and returns the
// complete record: header, schema name, fields, terminator.
func (e *Encoder) Finish(version uint16) []byte {
	var out bytes.Buffer
	out.Write(Magic[:])
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], version)
	out.Write(v[:])
	binary.BigEndian.PutUint16(v[:], uint16(len(e.name)))
	out.Write(v[:])
	out.WriteString(e.name)
	out.Write(e.buf.Bytes())
	putUvarint(&out, 0)
	return out.Bytes()
}

// Value is one decoded field: its wire type and typed payload, accessed via
// the matching AsXxx accessor.
type Value struct {
	Type FieldType
	raw  interface{}
}

func (v Value) AsUint64() (uint64, bool)            { u, ok := v.raw.(uint64); return u, ok }
func (v Value) AsString() (string, bool)            { s, ok := v.raw.(string); return s, ok }
func (v Value) AsBytes() ([]byte, bool)              { b, ok := v.raw.([]byte); return b, ok }
func (v Value) AsStringArray() ([]string, bool)      { a, ok := v.raw.([]string); return a, ok }
func (v Value) AsStringMap() (map[string]string, bool) { m, ok := v.raw.(map[string]string); return m, ok }

// Record is a fully decoded VENC record.
type Record struct {
	Version uint16
	Name    string
	Fields  map[uint64]Value
}

// Decode parses a VENC record, using schema to interpret (or skip) each
// tagged field. A tag absent from schema is skipped via the length-prefix
// convention (§6's fallback for a type-less unknown field): fixed fields
// (FieldUint64) have no embedded length, so an unknown tag is assumed to be
// length-prefixed unless schema says otherwise.
func Decode(data []byte, schema Schema) (Record, error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != Magic {
		return Record{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	var v [2]byte
	if _, err := io.ReadFull(r, v[:]); err != nil {
		return Record{}, fmt.Errorf("%w: short version", ErrCorrupt)
	}
	version := binary.BigEndian.Uint16(v[:])
	if _, err := io.ReadFull(r, v[:]); err != nil {
		return Record{}, fmt.Errorf("%w: short name length", ErrCorrupt)
	}
	nameLen := binary.BigEndian.Uint16(v[:])
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return Record{}, fmt.Errorf("%w: short schema name", ErrCorrupt)
	}

	fields := make(map[uint64]Value)
	for {
		tag, err := binary.ReadUvarint(r)
		if err != nil {
			return Record{}, fmt.Errorf("%w: reading tag: %v", ErrCorrupt, err)
		}
		if tag == 0 {
			break
		}
		ft, known := schema[tag]
		if !known {
			ft = FieldBytes // unknown tag: fall back to the length-prefix convention
		}
		val, err := readField(r, ft)
		if err != nil {
			return Record{}, err
		}
		if known {
			fields[tag] = val
		}
	}

	return Record{Version: version, Name: string(nameBuf), Fields: fields}, nil
}

func readField(r *bytes.Reader, ft FieldType) (Value, error) {
	switch ft {
	case FieldUint64:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, fmt.Errorf("%w: short uint64 field", ErrCorrupt)
		}
		return Value{Type: ft, raw: binary.BigEndian.Uint64(buf[:])}, nil
	case FieldString:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ft, raw: string(b)}, nil
	case FieldBytes:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ft, raw: b}, nil
	case FieldStringArray:
		count, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, fmt.Errorf("%w: short array count", ErrCorrupt)
		}
		items := make([]string, 0, count)
		for i := uint64(0); i < count; i++ {
			b, err := readLenPrefixed(r)
			if err != nil {
				return Value{}, err
			}
			items = append(items, string(b))
		}
		return Value{Type: ft, raw: items}, nil
	case FieldStringMap:
		count, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, fmt.Errorf("%w: short map count", ErrCorrupt)
		}
		m := make(map[string]string, count)
		for i := uint64(0); i < count; i++ {
			k, err := readLenPrefixed(r)
			if err != nil {
				return Value{}, err
			}
			v, err := readLenPrefixed(r)
			if err != nil {
				return Value{}, err
			}
			m[string(k)] = string(v)
		}
		return Value{Type: ft, raw: m}, nil
	case FieldNested:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ft, raw: b}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown field type %d", ErrCorrupt, ft)
	}
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: short length prefix", ErrCorrupt)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: short payload", ErrCorrupt)
	}
	return b, nil
}
