package buffer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func makeRecord(alloc memory.Allocator, vals []int64) arrow.Record {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	arr := bldr.NewArray()
	defer arr.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	return array.NewRecord(schema, []arrow.Array{arr}, int64(len(vals)))
}

func TestPoolExhaustionAndReturn(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	pool := NewPool(alloc, 2, 16)

	b1, err := pool.TryAcquire(makeRecord(alloc, []int64{1}))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := pool.TryAcquire(makeRecord(alloc, []int64{2}))
	if err != nil {
		t.Fatal(err)
	}

	rec := makeRecord(alloc, []int64{3})
	if _, err := pool.TryAcquire(rec); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if pool.InUse() != 2 {
		t.Errorf("expected 2 buffers in use, got %d", pool.InUse())
	}

	b1.Release()
	b3, err := pool.TryAcquire(rec)
	if err != nil {
		t.Fatalf("expected slot after release, got %v", err)
	}
	b2.Release()
	b3.Release()

	if pool.InUse() != 0 {
		t.Errorf("expected 0 buffers in use, got %d", pool.InUse())
	}
}

func TestPoolAcquireBlocksUntilContextDone(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	pool := NewPool(alloc, 1, 16)
	held, err := pool.Acquire(context.Background(), makeRecord(alloc, []int64{1}))
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec := makeRecord(alloc, []int64{2})
	defer rec.Release()
	if _, err := pool.Acquire(ctx, rec); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted after timeout, got %v", err)
	}
}

func TestPoolRejectsOversizedPayload(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	pool := NewPool(alloc, 4, 2)
	rec := makeRecord(alloc, []int64{1, 2, 3})
	defer rec.Release()

	if _, err := pool.TryAcquire(rec); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestReferenceCounting(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	b := New(makeRecord(alloc, []int64{1, 2}), 8)
	b.Retain()
	b.Release()
	if b.Record == nil {
		t.Fatal("payload released while a reference was still held")
	}
	if b.TupleCount() != 2 {
		t.Errorf("expected 2 tuples, got %d", b.TupleCount())
	}
	b.Release()
	if b.Record != nil {
		t.Error("expected payload to be released")
	}
}

func TestFingerprint(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	a := New(makeRecord(alloc, []int64{1, 2, 3}), 8)
	defer a.Release()
	same := New(makeRecord(alloc, []int64{1, 2, 3}), 8)
	defer same.Release()
	other := New(makeRecord(alloc, []int64{1, 2, 4}), 8)
	defer other.Release()

	if a.Fingerprint() != same.Fingerprint() {
		t.Error("expected equal fingerprints for equal content")
	}
	if a.Fingerprint() == other.Fingerprint() {
		t.Error("expected different fingerprints for different content")
	}
}

func TestStamperPerOrigin(t *testing.T) {
	s := NewStamper()
	s.now = func() time.Time { return time.UnixMilli(42) }

	var got []uint64
	for _, origin := range []uint32{1, 2, 1, 1, 2} {
		b := &Buffer{OriginID: origin}
		s.Stamp(b)
		got = append(got, b.SequenceNumber)
		if b.CreationTimestamp != 42 {
			t.Errorf("expected creation timestamp 42, got %d", b.CreationTimestamp)
		}
	}

	want := []uint64{0, 0, 1, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence numbers: expected %v, got %v", want, got)
		}
	}
}
