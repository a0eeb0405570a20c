package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by Execute outside the Started state.
var ErrNotRunning = errors.New("pipeline: stage is not running")

// ErrIllegalState is returned by lifecycle calls made in the wrong state.
var ErrIllegalState = errors.New("pipeline: illegal state transition")

// CompilationError reports a pipeline that could not be compiled.
type CompilationError struct {
	Pipeline string
	Err      error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile pipeline %q: %v", e.Pipeline, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// ExecutionError reports a failed Execute call. Panics raised by operators
// are recovered into an ExecutionError with Panicked set.
type ExecutionError struct {
	Pipeline string
	Worker   int
	Origin   uint32
	Sequence uint64
	Panicked bool
	Err      error
}

func (e *ExecutionError) Error() string {
	what := "execute"
	if e.Panicked {
		what = "panic in"
	}
	return fmt.Sprintf("%s pipeline %q (worker %d, origin %d, seq %d): %v",
		what, e.Pipeline, e.Worker, e.Origin, e.Sequence, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
