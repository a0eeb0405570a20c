package pagedstore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 4096

// ErrPageBudgetExhausted is returned when a page allocation would exceed the
// allocator's budget. It is retryable once state has been released.
var ErrPageBudgetExhausted = errors.New("pagedstore: page budget exhausted")

// PageAllocator hands out fixed-size pages from a shared Arrow allocator. It
// is safe for concurrent use by every store of a handler.
type PageAllocator struct {
	alloc    memory.Allocator
	pageSize int
	maxPages int64
	live     atomic.Int64
}

// NewPageAllocator creates a page allocator. maxPages <= 0 means unbounded.
func NewPageAllocator(alloc memory.Allocator, pageSize int, maxPages int64) *PageAllocator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PageAllocator{alloc: alloc, pageSize: pageSize, maxPages: maxPages}
}

// PageSize returns the configured page size in bytes.
func (p *PageAllocator) PageSize() int { return p.pageSize }

// LivePages returns the number of pages currently allocated.
func (p *PageAllocator) LivePages() int64 { return p.live.Load() }

func (p *PageAllocator) allocate(size int) ([]byte, error) {
	n := p.live.Add(1)
	if p.maxPages > 0 && n > p.maxPages {
		p.live.Add(-1)
		return nil, fmt.Errorf("%w: %d pages live", ErrPageBudgetExhausted, p.maxPages)
	}
	return p.alloc.Allocate(size), nil
}

func (p *PageAllocator) free(b []byte) {
	p.alloc.Free(b)
	p.live.Add(-1)
}

type page struct {
	data     []byte
	count    int
	capacity int
}
