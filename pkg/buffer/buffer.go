// Package buffer defines the record buffer, the unit of flow between sources,
// compiled pipeline stages and sinks.
package buffer

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"
)

// InvalidTimestamp marks a buffer whose creation timestamp was never set.
const InvalidTimestamp int64 = 0

// Buffer is a bounded batch of records plus the metadata needed to order and
// account for it. A Buffer is reference counted: every stage that keeps a
// buffer beyond the call that handed it over must Retain it, and Release it
// when done. The payload is released and the pool slot returned when the
// count drops to zero.
type Buffer struct {
	// Record is the columnar payload. It may be nil for control buffers.
	Record arrow.Record

	// Capacity is the maximum number of tuples this buffer may carry.
	Capacity int

	// SequenceNumber is unique per origin and strictly increasing in
	// production order.
	SequenceNumber uint64

	// CreationTimestamp is the ingress time in milliseconds since epoch.
	CreationTimestamp int64

	// Watermark is the event-time watermark in milliseconds carried by this buffer.
	Watermark int64

	// OriginID identifies the producing source partition.
	OriginID uint32

	refs   atomic.Int32
	onFree func()
}

// New wraps rec in a buffer with a reference count of one. The buffer takes
// ownership of rec's reference.
func New(rec arrow.Record, capacity int) *Buffer {
	b := &Buffer{Record: rec, Capacity: capacity}
	b.refs.Store(1)
	return b
}

// TupleCount returns the number of records in the buffer.
func (b *Buffer) TupleCount() int {
	if b.Record == nil {
		return 0
	}
	return int(b.Record.NumRows())
}

// Retain increments the reference count.
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Release decrements the reference count and frees the payload when it
// reaches zero.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("buffer: release of already released buffer")
	}
	if b.Record != nil {
		b.Record.Release()
		b.Record = nil
	}
	if b.onFree != nil {
		b.onFree()
		b.onFree = nil
	}
}

// RefCount returns the current reference count.
func (b *Buffer) RefCount() int32 {
	return b.refs.Load()
}

// CopyMetadata copies ordering and timing metadata from src.
func (b *Buffer) CopyMetadata(src *Buffer) {
	b.SequenceNumber = src.SequenceNumber
	b.CreationTimestamp = src.CreationTimestamp
	b.Watermark = src.Watermark
	b.OriginID = src.OriginID
}

// Fingerprint hashes the payload's row count and column buffers. Two buffers
// with equal fingerprints carry the same content for all practical purposes.
func (b *Buffer) Fingerprint() uint64 {
	h := xxhash.New()
	if b.Record == nil {
		return h.Sum64()
	}
	var scratch [8]byte
	putUint64(scratch[:], uint64(b.Record.NumRows()))
	h.Write(scratch[:])
	for _, col := range b.Record.Columns() {
		hashData(h, col.Data(), scratch[:])
	}
	return h.Sum64()
}

func hashData(h *xxhash.Digest, data arrow.ArrayData, scratch []byte) {
	putUint64(scratch, uint64(data.Offset())<<32|uint64(data.Len()))
	h.Write(scratch)
	for _, buf := range data.Buffers() {
		if buf == nil {
			continue
		}
		h.Write(buf.Bytes())
	}
	for _, child := range data.Children() {
		hashData(h, child, scratch)
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
