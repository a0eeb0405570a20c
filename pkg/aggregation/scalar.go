package aggregation

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/arena"
	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
)

// Built-in aggregate kinds.
const (
	KindCount            = "count"
	KindSum              = "sum"
	KindMin              = "min"
	KindMax              = "max"
	KindAvg              = "avg"
	KindVar              = "var"
	KindTemporalSequence = "temporal_sequence"
)

func getU64(b []byte, i int) uint64    { return binary.LittleEndian.Uint64(b[i*8:]) }
func putU64(b []byte, i int, v uint64) { binary.LittleEndian.PutUint64(b[i*8:], v) }
func getI64(b []byte, i int) int64     { return int64(getU64(b, i)) }
func putI64(b []byte, i int, v int64)  { putU64(b, i, uint64(v)) }
func getF64(b []byte, i int) float64   { return math.Float64frombits(getU64(b, i)) }
func putF64(b []byte, i int, v float64) {
	putU64(b, i, math.Float64bits(v))
}

// field is a bound input column.
type field struct {
	name    string
	index   int
	integer bool
}

func (f *field) bind(schema *arrow.Schema) error {
	f.index = helpers.ColumnIndex(schema, f.name)
	if f.index < 0 {
		return fmt.Errorf("aggregation: field %q not in input schema", f.name)
	}
	switch schema.Field(f.index).Type.ID() {
	case arrow.INT32, arrow.INT64, arrow.UINT64, arrow.TIMESTAMP:
		f.integer = true
	case arrow.FLOAT32, arrow.FLOAT64:
		f.integer = false
	default:
		return fmt.Errorf("aggregation: field %q has non-numeric type %s", f.name, schema.Field(f.index).Type)
	}
	return nil
}

func (f *field) read(rec arrow.Record, row int) (float64, error) {
	if f.index < 0 {
		return 0, ErrNotBound
	}
	v, ok := helpers.Float64At(rec.Column(f.index), row)
	if !ok {
		return 0, fmt.Errorf("%w: field %q row %d", ErrMalformedInput, f.name, row)
	}
	return v, nil
}

// readInt reads an integer column without going through float64. Floating
// columns are truncated.
func (f *field) readInt(rec arrow.Record, row int) (int64, error) {
	if f.index < 0 {
		return 0, ErrNotBound
	}
	switch n := helpers.Value(rec.Column(f.index), row).(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("%w: field %q row %d", ErrMalformedInput, f.name, row)
}

// count: block = [n]. Without an input field every record counts; with one,
// nulls are skipped.
type countFunc struct {
	name  string
	input *field
	bound bool
}

func newCount(spec Spec) *countFunc {
	c := &countFunc{name: spec.outputName()}
	if len(spec.Fields) == 1 {
		c.input = &field{name: spec.Fields[0], index: -1}
	}
	return c
}

func (c *countFunc) Name() string               { return c.name }
func (c *countFunc) Kind() string               { return KindCount }
func (c *countFunc) StateSize() int             { return 8 }
func (c *countFunc) ResultType() arrow.DataType { return arrow.PrimitiveTypes.Int64 }

func (c *countFunc) Bind(schema *arrow.Schema) error {
	if c.input != nil {
		c.input.index = helpers.ColumnIndex(schema, c.input.name)
		if c.input.index < 0 {
			return fmt.Errorf("aggregation: field %q not in input schema", c.input.name)
		}
	}
	c.bound = true
	return nil
}

func (c *countFunc) Reset(st *State) error {
	putI64(st.Block, 0, 0)
	return nil
}

func (c *countFunc) Lift(st *State, rec arrow.Record, row int) error {
	if !c.bound {
		return ErrNotBound
	}
	if c.input != nil && rec.Column(c.input.index).IsNull(row) {
		return nil
	}
	putI64(st.Block, 0, getI64(st.Block, 0)+1)
	return nil
}

func (c *countFunc) Combine(dst, src *State) error {
	putI64(dst.Block, 0, getI64(dst.Block, 0)+getI64(src.Block, 0))
	putI64(src.Block, 0, 0)
	return nil
}

func (c *countFunc) Lower(st *State, _ *arena.Arena) (any, error) {
	return getI64(st.Block, 0), nil
}

func (c *countFunc) Destroy(*State) {}

// sum: block = [sum]. Integer inputs sum exactly as int64, floating inputs as float64.
type sumFunc struct {
	name  string
	input field
	bound bool
}

func newSum(spec Spec) *sumFunc {
	return &sumFunc{name: spec.outputName(), input: field{name: spec.Fields[0], index: -1}}
}

func (s *sumFunc) Name() string   { return s.name }
func (s *sumFunc) Kind() string   { return KindSum }
func (s *sumFunc) StateSize() int { return 8 }

func (s *sumFunc) Bind(schema *arrow.Schema) error {
	if err := s.input.bind(schema); err != nil {
		return err
	}
	s.bound = true
	return nil
}

func (s *sumFunc) ResultType() arrow.DataType {
	if s.input.integer {
		return arrow.PrimitiveTypes.Int64
	}
	return arrow.PrimitiveTypes.Float64
}

func (s *sumFunc) Reset(st *State) error {
	putU64(st.Block, 0, 0)
	return nil
}

func (s *sumFunc) Lift(st *State, rec arrow.Record, row int) error {
	if !s.bound {
		return ErrNotBound
	}
	if s.input.integer {
		x, err := s.input.readInt(rec, row)
		if err != nil {
			return err
		}
		putI64(st.Block, 0, getI64(st.Block, 0)+x)
		return nil
	}
	v, err := s.input.read(rec, row)
	if err != nil {
		return err
	}
	putF64(st.Block, 0, getF64(st.Block, 0)+v)
	return nil
}

func (s *sumFunc) Combine(dst, src *State) error {
	if s.input.integer {
		putI64(dst.Block, 0, getI64(dst.Block, 0)+getI64(src.Block, 0))
	} else {
		putF64(dst.Block, 0, getF64(dst.Block, 0)+getF64(src.Block, 0))
	}
	putU64(src.Block, 0, 0)
	return nil
}

func (s *sumFunc) Lower(st *State, _ *arena.Arena) (any, error) {
	if s.input.integer {
		return getI64(st.Block, 0), nil
	}
	return getF64(st.Block, 0), nil
}

func (s *sumFunc) Destroy(*State) {}

// min/max: block = [value, seen]. Integer inputs compare as int64, floating
// inputs as float64. Empty lowers to NULL.
type extremeFunc struct {
	name  string
	kind  string
	input field
	bound bool
}

func newExtreme(kind string, spec Spec) *extremeFunc {
	return &extremeFunc{name: spec.outputName(), kind: kind, input: field{name: spec.Fields[0], index: -1}}
}

func (e *extremeFunc) Name() string   { return e.name }
func (e *extremeFunc) Kind() string   { return e.kind }
func (e *extremeFunc) StateSize() int { return 16 }
func (e *extremeFunc) Destroy(*State) {}

func (e *extremeFunc) ResultType() arrow.DataType {
	if e.input.integer {
		return arrow.PrimitiveTypes.Int64
	}
	return arrow.PrimitiveTypes.Float64
}

// better reports whether candidate replaces cur, where both are the raw
// 8-byte slot encoding.
func (e *extremeFunc) better(candidate, cur uint64) bool {
	if e.input.integer {
		return extremeBetter(e.kind, int64(candidate), int64(cur))
	}
	return extremeBetter(e.kind, math.Float64frombits(candidate), math.Float64frombits(cur))
}

func extremeBetter[T int64 | float64](kind string, candidate, cur T) bool {
	if kind == KindMin {
		return candidate < cur
	}
	return candidate > cur
}

func (e *extremeFunc) Reset(st *State) error {
	clear(st.Block[:16])
	return nil
}

func (e *extremeFunc) Bind(schema *arrow.Schema) error {
	if err := e.input.bind(schema); err != nil {
		return err
	}
	e.bound = true
	return nil
}

func (e *extremeFunc) observe(st *State, raw uint64) {
	if getU64(st.Block, 1) == 0 || e.better(raw, getU64(st.Block, 0)) {
		putU64(st.Block, 0, raw)
		putU64(st.Block, 1, 1)
	}
}

func (e *extremeFunc) Lift(st *State, rec arrow.Record, row int) error {
	if !e.bound {
		return ErrNotBound
	}
	if e.input.integer {
		x, err := e.input.readInt(rec, row)
		if err != nil {
			return err
		}
		e.observe(st, uint64(x))
		return nil
	}
	v, err := e.input.read(rec, row)
	if err != nil {
		return err
	}
	e.observe(st, math.Float64bits(v))
	return nil
}

func (e *extremeFunc) Combine(dst, src *State) error {
	if getU64(src.Block, 1) != 0 {
		e.observe(dst, getU64(src.Block, 0))
	}
	clear(src.Block[:16])
	return nil
}

func (e *extremeFunc) Lower(st *State, _ *arena.Arena) (any, error) {
	if getU64(st.Block, 1) == 0 {
		return nil, nil
	}
	if e.input.integer {
		return getI64(st.Block, 0), nil
	}
	return getF64(st.Block, 0), nil
}

// avg: block = [sum, n]. Empty lowers to NULL.
type avgFunc struct {
	name  string
	input field
	bound bool
}

func newAvg(spec Spec) *avgFunc {
	return &avgFunc{name: spec.outputName(), input: field{name: spec.Fields[0], index: -1}}
}

func (a *avgFunc) Name() string               { return a.name }
func (a *avgFunc) Kind() string               { return KindAvg }
func (a *avgFunc) StateSize() int             { return 16 }
func (a *avgFunc) ResultType() arrow.DataType { return arrow.PrimitiveTypes.Float64 }
func (a *avgFunc) Destroy(*State)             {}

func (a *avgFunc) Reset(st *State) error {
	clear(st.Block[:16])
	return nil
}

func (a *avgFunc) Bind(schema *arrow.Schema) error {
	if err := a.input.bind(schema); err != nil {
		return err
	}
	a.bound = true
	return nil
}

func (a *avgFunc) Lift(st *State, rec arrow.Record, row int) error {
	if !a.bound {
		return ErrNotBound
	}
	v, err := a.input.read(rec, row)
	if err != nil {
		return err
	}
	putF64(st.Block, 0, getF64(st.Block, 0)+v)
	putI64(st.Block, 1, getI64(st.Block, 1)+1)
	return nil
}

func (a *avgFunc) Combine(dst, src *State) error {
	putF64(dst.Block, 0, getF64(dst.Block, 0)+getF64(src.Block, 0))
	putI64(dst.Block, 1, getI64(dst.Block, 1)+getI64(src.Block, 1))
	clear(src.Block[:16])
	return nil
}

func (a *avgFunc) Lower(st *State, _ *arena.Arena) (any, error) {
	n := getI64(st.Block, 1)
	if n == 0 {
		return nil, nil
	}
	return getF64(st.Block, 0) / float64(n), nil
}
