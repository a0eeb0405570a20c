package helpers

import (
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator creates a CheckedAllocator that tracks allocations.
// Call AssertNoLeaks at the end of the test to verify all memory was released.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	t.Helper()
	return memory.NewCheckedAllocator(memory.DefaultAllocator)
}

// AssertNoLeaks fails the test if any Arrow memory is still allocated.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if alloc.CurrentAlloc() > 0 {
		t.Fatalf("Arrow memory leak detected: %d bytes still allocated", alloc.CurrentAlloc())
	}
}

// CountingAllocator wraps an allocator and keeps byte counts for a single
// owner. It is not safe for concurrent use; arenas own one each.
type CountingAllocator struct {
	inner       memory.Allocator
	allocated   int64
	freed       int64
	currentUsed int64
	peak        int64
}

// NewCountingAllocator wraps inner.
func NewCountingAllocator(inner memory.Allocator) *CountingAllocator {
	return &CountingAllocator{inner: inner}
}

func (c *CountingAllocator) Allocate(size int) []byte {
	c.allocated += int64(size)
	c.grow(int64(size))
	return c.inner.Allocate(size)
}

func (c *CountingAllocator) Reallocate(size int, b []byte) []byte {
	c.allocated += int64(size)
	c.freed += int64(len(b))
	c.grow(int64(size) - int64(len(b)))
	return c.inner.Reallocate(size, b)
}

func (c *CountingAllocator) Free(b []byte) {
	c.freed += int64(len(b))
	c.currentUsed -= int64(len(b))
	c.inner.Free(b)
}

func (c *CountingAllocator) grow(delta int64) {
	c.currentUsed += delta
	if c.currentUsed > c.peak {
		c.peak = c.currentUsed
	}
}

// CurrentUsed returns the number of bytes currently allocated and not freed.
func (c *CountingAllocator) CurrentUsed() int64 { return c.currentUsed }

// Peak returns the high-water mark of CurrentUsed.
func (c *CountingAllocator) Peak() int64 { return c.peak }

// CheckBalanced returns an error if allocations and frees do not match.
func (c *CountingAllocator) CheckBalanced() error {
	if c.currentUsed != 0 {
		return fmt.Errorf("memory leak: %d bytes allocated, %d bytes freed, %d bytes still in use",
			c.allocated, c.freed, c.currentUsed)
	}
	return nil
}
