package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolExhausted is returned when no buffer slot is free. It is retryable.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrCapacityExceeded is returned when a payload has more rows than a buffer can hold.
	ErrCapacityExceeded = errors.New("payload exceeds buffer capacity")
)

// Provider hands out buffers from a shared, thread-safe pool.
//
// On error the caller keeps ownership of rec and must release it.
type Provider interface {
	// Acquire wraps rec in a pooled buffer, blocking until a slot is free or ctx is done.
	Acquire(ctx context.Context, rec arrow.Record) (*Buffer, error)

	// TryAcquire wraps rec in a pooled buffer or fails with ErrPoolExhausted.
	TryAcquire(rec arrow.Record) (*Buffer, error)

	// Allocator is the memory allocator payloads should be built with.
	Allocator() memory.Allocator

	// BufferCapacity is the tuple capacity of every buffer.
	BufferCapacity() int
}

// Pool is a fixed-size Provider. Slots are returned when a buffer's
// reference count reaches zero.
type Pool struct {
	alloc    memory.Allocator
	capacity int
	size     int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

// NewPool creates a pool of numBuffers slots, each holding up to capacity tuples.
func NewPool(alloc memory.Allocator, numBuffers, capacity int) *Pool {
	if numBuffers <= 0 {
		numBuffers = 1
	}
	return &Pool{
		alloc:    alloc,
		capacity: capacity,
		size:     int64(numBuffers),
		sem:      semaphore.NewWeighted(int64(numBuffers)),
	}
}

func (p *Pool) Acquire(ctx context.Context, rec arrow.Record) (*Buffer, error) {
	if err := p.checkCapacity(rec); err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
	}
	return p.wrap(rec), nil
}

func (p *Pool) TryAcquire(rec arrow.Record) (*Buffer, error) {
	if err := p.checkCapacity(rec); err != nil {
		return nil, err
	}
	if !p.sem.TryAcquire(1) {
		return nil, ErrPoolExhausted
	}
	return p.wrap(rec), nil
}

func (p *Pool) Allocator() memory.Allocator { return p.alloc }

func (p *Pool) BufferCapacity() int { return p.capacity }

// InUse returns the number of buffers currently handed out.
func (p *Pool) InUse() int64 { return p.inUse.Load() }

// Size returns the total number of slots.
func (p *Pool) Size() int64 { return p.size }

func (p *Pool) checkCapacity(rec arrow.Record) error {
	if rec != nil && p.capacity > 0 && rec.NumRows() > int64(p.capacity) {
		return fmt.Errorf("%w: %d rows, capacity %d", ErrCapacityExceeded, rec.NumRows(), p.capacity)
	}
	return nil
}

func (p *Pool) wrap(rec arrow.Record) *Buffer {
	p.inUse.Add(1)
	b := New(rec, p.capacity)
	b.onFree = func() {
		p.inUse.Add(-1)
		p.sem.Release(1)
	}
	return b
}
