// Package pagedstore implements an unbounded, append-only record log built
// from chained fixed-size pages. Aggregation state that outgrows a fixed
// state block (trajectories, collected sequences) lives here.
package pagedstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FieldType is the physical type of a fixed-width field.
type FieldType uint8

const (
	Int64 FieldType = iota + 1
	Float64
)

// String returns the type name.
func (t FieldType) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Field is one column of a Layout.
type Field struct {
	Name string
	Type FieldType
}

// Layout describes the fixed-width row format of a Store.
type Layout struct {
	fields  []Field
	offsets []int
	rowSize int
}

// NewLayout builds a layout from fields. Every field is eight bytes wide.
func NewLayout(fields ...Field) (*Layout, error) {
	if len(fields) == 0 {
		return nil, errors.New("pagedstore: layout needs at least one field")
	}
	l := &Layout{fields: append([]Field(nil), fields...), offsets: make([]int, len(fields))}
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		if f.Type != Int64 && f.Type != Float64 {
			return nil, fmt.Errorf("pagedstore: field %q has unsupported type %d", f.Name, f.Type)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("pagedstore: duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		l.offsets[i] = l.rowSize
		l.rowSize += 8
	}
	return l, nil
}

// RowSize returns the number of bytes per row.
func (l *Layout) RowSize() int { return l.rowSize }

// Fields returns the layout's fields.
func (l *Layout) Fields() []Field { return l.fields }

// Index returns the position of the named field, or -1.
func (l *Layout) Index(name string) int {
	for i, f := range l.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Equal reports whether two layouts describe the same row format.
func (l *Layout) Equal(o *Layout) bool {
	if l == o {
		return true
	}
	if l == nil || o == nil || len(l.fields) != len(o.fields) {
		return false
	}
	for i := range l.fields {
		if l.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// Row is a view of one stored record. It aliases page memory and must not be
// kept after the store is released or spliced away.
type Row struct {
	layout *Layout
	data   []byte
}

func (r Row) word(i int) []byte {
	off := r.layout.offsets[i]
	return r.data[off : off+8]
}

// Int64 reads field i.
func (r Row) Int64(i int) int64 {
	return int64(binary.LittleEndian.Uint64(r.word(i)))
}

// Float64 reads field i.
func (r Row) Float64(i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(r.word(i)))
}

// SetInt64 writes field i.
func (r Row) SetInt64(i int, v int64) {
	binary.LittleEndian.PutUint64(r.word(i), uint64(v))
}

// SetFloat64 writes field i.
func (r Row) SetFloat64(i int, v float64) {
	binary.LittleEndian.PutUint64(r.word(i), math.Float64bits(v))
}
