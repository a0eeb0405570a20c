// Package aggregation defines the incremental aggregation protocol
// (reset, lift, combine, lower, destroy) and the built-in aggregate kinds.
//
// Every operation works on a state slot whose block size is fixed per
// aggregate kind, so the memory footprint of a group does not depend on how
// many groups exist. Holistic aggregates keep their records in a paged store
// whose header hangs off the slot; the pages themselves come from a shared
// page allocator.
//
// None of the operations synchronize. The handler owning a state must make
// sure no Lift races a Combine or Lower on the same state.
package aggregation

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/arena"
	"github.com/sandboxws/tributary/pkg/state"
)

var (
	// ErrMalformedInput is returned by Lift when a record's field cannot be
	// interpreted by the aggregate. The record is not incorporated.
	ErrMalformedInput = errors.New("aggregation: malformed input")

	// ErrNotBound is returned when a function is used before Bind.
	ErrNotBound = errors.New("aggregation: function not bound to a schema")
)

// State is one accumulator. It is a slot handed out by a state.Slab sized
// with the function's StateSize.
type State = state.Slot

// Function is one aggregate kind bound to its input fields.
type Function interface {
	// Name returns the output column name.
	Name() string

	// Kind returns the registered aggregate kind, e.g. "count".
	Kind() string

	// StateSize returns the fixed number of bytes a state block needs.
	StateSize() int

	// Bind resolves input fields against the input schema. It must be
	// called once before Lift.
	Bind(schema *arrow.Schema) error

	// ResultType is the Arrow type of Lower's result.
	ResultType() arrow.DataType

	// Reset constructs a fresh, empty accumulator in st.
	Reset(st *State) error

	// Lift incorporates row of rec into st.
	Lift(st *State, rec arrow.Record, row int) error

	// Combine merges src into dst. src is left valid and empty.
	Combine(dst, src *State) error

	// Lower returns the finalized value: nil for SQL NULL, otherwise int64,
	// float64 or []byte. Variable-sized results are allocated from a. Lower
	// does not invalidate st for Destroy.
	Lower(st *State, a *arena.Arena) (any, error)

	// Destroy releases resources held by st. The slot itself is reclaimed
	// by the caller.
	Destroy(st *State)
}

// Spec describes one aggregate in a query.
type Spec struct {
	Kind   string
	Fields []string
	As     string
}

func (s Spec) outputName() string {
	if s.As != "" {
		return s.As
	}
	if len(s.Fields) == 0 {
		return s.Kind
	}
	return s.Kind + "_" + s.Fields[0]
}

// EmptyResult documents what Lower returns for a state that never saw a Lift.
func EmptyResult(kind string) any {
	switch kind {
	case KindCount:
		return int64(0)
	case KindSum:
		return int64(0)
	case KindTemporalSequence:
		return ZeroPointTrajectory()
	default:
		return nil
	}
}
