package aggregation

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/arena"
)

// varFunc computes the population variance. block = [n, mean, m2] using
// Welford's update; Combine uses Chan et al.'s pairwise merge so partial
// states can be merged in any grouping.
type varFunc struct {
	name  string
	input field
	bound bool
}

func newVar(spec Spec) *varFunc {
	return &varFunc{name: spec.outputName(), input: field{name: spec.Fields[0], index: -1}}
}

func (v *varFunc) Name() string               { return v.name }
func (v *varFunc) Kind() string               { return KindVar }
func (v *varFunc) StateSize() int             { return 24 }
func (v *varFunc) ResultType() arrow.DataType { return arrow.PrimitiveTypes.Float64 }
func (v *varFunc) Destroy(*State)             {}

func (v *varFunc) Reset(st *State) error {
	clear(st.Block[:24])
	return nil
}

func (v *varFunc) Bind(schema *arrow.Schema) error {
	if err := v.input.bind(schema); err != nil {
		return err
	}
	v.bound = true
	return nil
}

func (v *varFunc) Lift(st *State, rec arrow.Record, row int) error {
	if !v.bound {
		return ErrNotBound
	}
	x, err := v.input.read(rec, row)
	if err != nil {
		return err
	}
	n := getI64(st.Block, 0) + 1
	mean := getF64(st.Block, 1)
	delta := x - mean
	mean += delta / float64(n)
	m2 := getF64(st.Block, 2) + delta*(x-mean)
	putI64(st.Block, 0, n)
	putF64(st.Block, 1, mean)
	putF64(st.Block, 2, m2)
	return nil
}

func (v *varFunc) Combine(dst, src *State) error {
	nb := getI64(src.Block, 0)
	if nb == 0 {
		return nil
	}
	na := getI64(dst.Block, 0)
	if na == 0 {
		copy(dst.Block[:24], src.Block[:24])
		clear(src.Block[:24])
		return nil
	}
	ma, mb := getF64(dst.Block, 1), getF64(src.Block, 1)
	n := na + nb
	delta := mb - ma
	mean := ma + delta*float64(nb)/float64(n)
	m2 := getF64(dst.Block, 2) + getF64(src.Block, 2) + delta*delta*float64(na)*float64(nb)/float64(n)
	putI64(dst.Block, 0, n)
	putF64(dst.Block, 1, mean)
	putF64(dst.Block, 2, m2)
	clear(src.Block[:24])
	return nil
}

func (v *varFunc) Lower(st *State, _ *arena.Arena) (any, error) {
	n := getI64(st.Block, 0)
	if n == 0 {
		return nil, nil
	}
	return getF64(st.Block, 2) / float64(n), nil
}
