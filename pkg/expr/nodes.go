package expr

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
)

type env struct {
	ctx   context.Context
	alloc memory.Allocator
	rec   arrow.Record
}

func (e *env) rows() int { return int(e.rec.NumRows()) }

// node evaluates to an array with one value per input row. The caller owns
// the returned array.
type node interface {
	eval(e *env) (arrow.Array, error)
}

// evalAll evaluates ns, releasing partial results on failure.
func evalAll(e *env, ns []node) ([]arrow.Array, error) {
	out := make([]arrow.Array, 0, len(ns))
	for _, n := range ns {
		a, err := n.eval(e)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func releaseAll(as []arrow.Array) {
	for _, a := range as {
		if a != nil {
			a.Release()
		}
	}
}

type column struct{ name string }

func (c *column) eval(e *env) (arrow.Array, error) {
	idx := e.rec.Schema().FieldIndices(c.name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found", c.name)
	}
	arr := e.rec.Column(idx[0])
	arr.Retain()
	return arr, nil
}

// literal broadcasts a scalar; a nil scalar is SQL NULL.
type literal struct{ sc scalar.Scalar }

func (l *literal) eval(e *env) (arrow.Array, error) {
	if l.sc == nil {
		return array.MakeArrayOfNull(e.alloc, arrow.PrimitiveTypes.Int64, e.rows()), nil
	}
	return scalar.MakeArrayFromScalar(l.sc, e.rows(), e.alloc)
}

type binary struct {
	fn   string
	l, r node
}

func (b *binary) eval(e *env) (arrow.Array, error) {
	l, err := b.l.eval(e)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	r, err := b.r.eval(e)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	cl, cr, err := coerce(e, l, r)
	if err != nil {
		return nil, err
	}
	defer cl.Release()
	defer cr.Release()

	out, err := compute.CallFunction(e.ctx, b.fn, nil,
		compute.NewDatumWithoutOwning(cl), compute.NewDatumWithoutOwning(cr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.fn, err)
	}
	return toArray(out)
}

type negate struct{ v node }

func (n *negate) eval(e *env) (arrow.Array, error) {
	v, err := n.v.eval(e)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	out, err := compute.Negate(e.ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(v))
	if err != nil {
		return nil, fmt.Errorf("negate: %w", err)
	}
	return toArray(out)
}

type abs struct{ v node }

func (n *abs) eval(e *env) (arrow.Array, error) {
	v, err := n.v.eval(e)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	out, err := compute.AbsoluteValue(e.ctx, compute.ArithmeticOptions{}, compute.NewDatumWithoutOwning(v))
	if err != nil {
		return nil, fmt.Errorf("abs: %w", err)
	}
	return toArray(out)
}

type not struct{ v node }

func (n *not) eval(e *env) (arrow.Array, error) {
	v, err := n.v.eval(e)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	b, ok := v.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("NOT needs a bool operand, got %s", v.DataType())
	}
	bldr := array.NewBooleanBuilder(e.alloc)
	defer bldr.Release()
	bldr.Reserve(b.Len())
	for i := 0; i < b.Len(); i++ {
		if b.IsNull(i) {
			bldr.AppendNull()
		} else {
			bldr.UnsafeAppend(!b.Value(i))
		}
	}
	return bldr.NewArray(), nil
}

type isNull struct {
	v       node
	negated bool
}

func (n *isNull) eval(e *env) (arrow.Array, error) {
	v, err := n.v.eval(e)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	bldr := array.NewBooleanBuilder(e.alloc)
	defer bldr.Release()
	bldr.Reserve(v.Len())
	for i := 0; i < v.Len(); i++ {
		bldr.UnsafeAppend(v.IsNull(i) != n.negated)
	}
	return bldr.NewArray(), nil
}

// caseWhen is a searched CASE; simple CASE is rewritten to equalities at
// build time. The result type is the type of the first THEN value.
type caseWhen struct {
	conds, vals []node
	otherwise   node
}

func (c *caseWhen) eval(e *env) (arrow.Array, error) {
	conds, err := evalAll(e, c.conds)
	if err != nil {
		return nil, err
	}
	defer releaseAll(conds)
	vals, err := evalAll(e, c.vals)
	if err != nil {
		return nil, err
	}
	defer releaseAll(vals)
	var otherwise arrow.Array
	if c.otherwise != nil {
		if otherwise, err = c.otherwise.eval(e); err != nil {
			return nil, err
		}
		defer otherwise.Release()
	}

	bldr := array.NewBuilder(e.alloc, vals[0].DataType())
	defer bldr.Release()
	for row := 0; row < e.rows(); row++ {
		src := otherwise
		for i, cond := range conds {
			if b, ok := cond.(*array.Boolean); ok && b.IsValid(row) && b.Value(row) {
				src = vals[i]
				break
			}
		}
		if src == nil {
			bldr.AppendNull()
			continue
		}
		helpers.AppendValue(bldr, helpers.Value(src, row))
	}
	return bldr.NewArray(), nil
}

type coalesce struct{ args []node }

func (c *coalesce) eval(e *env) (arrow.Array, error) {
	args, err := evalAll(e, c.args)
	if err != nil {
		return nil, err
	}
	defer releaseAll(args)
	bldr := array.NewBuilder(e.alloc, args[0].DataType())
	defer bldr.Release()
	for row := 0; row < e.rows(); row++ {
		var v any
		for _, a := range args {
			if a.IsValid(row) {
				v = helpers.Value(a, row)
				break
			}
		}
		helpers.AppendValue(bldr, v)
	}
	return bldr.NewArray(), nil
}

type stringMap struct {
	name string
	v    node
}

func (s *stringMap) eval(e *env) (arrow.Array, error) {
	v, err := s.v.eval(e)
	if err != nil {
		return nil, err
	}
	defer v.Release()
	fn := strings.ToUpper
	if s.name == "lower" {
		fn = strings.ToLower
	}
	bldr := array.NewStringBuilder(e.alloc)
	defer bldr.Release()
	for row := 0; row < v.Len(); row++ {
		if v.IsNull(row) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(fn(text(v, row)))
	}
	return bldr.NewArray(), nil
}

type concat struct{ args []node }

func (c *concat) eval(e *env) (arrow.Array, error) {
	args, err := evalAll(e, c.args)
	if err != nil {
		return nil, err
	}
	defer releaseAll(args)
	bldr := array.NewStringBuilder(e.alloc)
	defer bldr.Release()
	var sb strings.Builder
	for row := 0; row < e.rows(); row++ {
		sb.Reset()
		null := false
		for _, a := range args {
			if a.IsNull(row) {
				null = true
				break
			}
			sb.WriteString(text(a, row))
		}
		if null {
			bldr.AppendNull()
		} else {
			bldr.Append(sb.String())
		}
	}
	return bldr.NewArray(), nil
}

// text renders a non-null value as SQL would when concatenating.
func text(a arrow.Array, row int) string {
	switch v := helpers.Value(a, row).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func toArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	ad, ok := d.(*compute.ArrayDatum)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result", d.Kind())
	}
	return ad.MakeArray(), nil
}
