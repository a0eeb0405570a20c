package pagedstore

import (
	"errors"
	"fmt"
)

// ErrLayoutMismatch is returned when splicing stores with different layouts
// or page allocators.
var ErrLayoutMismatch = errors.New("pagedstore: layout mismatch")

// Store is an append-only sequence of rows spread over chained pages.
// The total row count always equals the sum of the page counts.
//
// A Store is not safe for concurrent use; the owning handler serializes
// access per aggregation state.
type Store struct {
	layout *Layout
	pages  *PageAllocator
	chain  []*page
	total  int
}

// New creates an empty store. The header is cheap; pages are allocated on
// first append.
func New(layout *Layout, pages *PageAllocator) *Store {
	return &Store{layout: layout, pages: pages}
}

// Layout returns the store's row layout.
func (s *Store) Layout() *Layout { return s.layout }

// Len returns the total number of rows.
func (s *Store) Len() int { return s.total }

// NumPages returns the number of pages in the chain.
func (s *Store) NumPages() int { return len(s.chain) }

// Append reserves a row at the tail and returns a writable view of it. The
// row is zeroed.
func (s *Store) Append() (Row, error) {
	tail := s.tail()
	if tail == nil || tail.count == tail.capacity {
		p, err := s.newPage()
		if err != nil {
			return Row{}, err
		}
		s.chain = append(s.chain, p)
		tail = p
	}
	rs := s.layout.rowSize
	data := tail.data[tail.count*rs : (tail.count+1)*rs]
	clear(data)
	tail.count++
	s.total++
	return Row{layout: s.layout, data: data}, nil
}

// Scan calls fn for every row in append order until fn returns false.
func (s *Store) Scan(fn func(Row) bool) {
	rs := s.layout.rowSize
	for _, p := range s.chain {
		for i := 0; i < p.count; i++ {
			if !fn(Row{layout: s.layout, data: p.data[i*rs : (i+1)*rs]}) {
				return
			}
		}
	}
}

// Splice moves every page of other onto the tail of s. Ownership of the
// pages transfers to s; other is left empty and valid.
func (s *Store) Splice(other *Store) error {
	if other == s {
		return errors.New("pagedstore: cannot splice a store into itself")
	}
	if !s.layout.Equal(other.layout) || s.pages != other.pages {
		return fmt.Errorf("%w: cannot splice %d rows", ErrLayoutMismatch, other.total)
	}
	s.chain = append(s.chain, other.chain...)
	s.total += other.total
	other.chain = nil
	other.total = 0
	return nil
}

// Release frees all pages. The store is empty and reusable afterwards.
func (s *Store) Release() {
	for _, p := range s.chain {
		s.pages.free(p.data)
	}
	s.chain = nil
	s.total = 0
}

func (s *Store) tail() *page {
	if len(s.chain) == 0 {
		return nil
	}
	return s.chain[len(s.chain)-1]
}

func (s *Store) newPage() (*page, error) {
	size := s.pages.pageSize
	if size < s.layout.rowSize {
		size = s.layout.rowSize
	}
	capacity := size / s.layout.rowSize
	data, err := s.pages.allocate(capacity * s.layout.rowSize)
	if err != nil {
		return nil, err
	}
	return &page{data: data, capacity: capacity}, nil
}
