// Package arena provides the invocation-scoped allocator used for
// variable-length values produced while one buffer is executed.
//
// An Arena is owned by exactly one Execute/Start/Stop call and is never
// shared. Everything allocated from it is freed by Release; values that must
// outlive the call have to be copied into an output buffer first.
package arena

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"

	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
)

// ErrReleased is returned when an arena is used after Release.
var ErrReleased = errors.New("arena: use after release")

// Arena hands out byte slices from an allocator and frees them all at once.
type Arena struct {
	alloc    *helpers.CountingAllocator
	chunks   [][]byte
	released bool
}

// New creates an arena backed by alloc.
func New(alloc memory.Allocator) *Arena {
	return &Arena{alloc: helpers.NewCountingAllocator(alloc)}
}

// Allocate returns a zeroed slice of n bytes that lives until Release.
func (a *Arena) Allocate(n int) ([]byte, error) {
	if a.released {
		return nil, ErrReleased
	}
	if n < 0 {
		return nil, fmt.Errorf("arena: negative allocation size %d", n)
	}
	b := a.alloc.Allocate(n)
	a.chunks = append(a.chunks, b)
	return b[:n], nil
}

// AllocateVarSized copies data into arena memory.
func (a *Arena) AllocateVarSized(data []byte) ([]byte, error) {
	b, err := a.Allocate(len(data))
	if err != nil {
		return nil, err
	}
	copy(b, data)
	return b, nil
}

// Bytes returns the number of bytes currently held.
func (a *Arena) Bytes() int64 { return a.alloc.CurrentUsed() }

// Peak returns the largest number of bytes held at once.
func (a *Arena) Peak() int64 { return a.alloc.Peak() }

// Release frees every allocation. Calling Release twice is a no-op.
func (a *Arena) Release() error {
	if a.released {
		return nil
	}
	a.released = true
	for _, b := range a.chunks {
		a.alloc.Free(b)
	}
	a.chunks = nil
	return a.alloc.CheckBalanced()
}
