package expr

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

type numericClass int

const (
	notNumeric numericClass = iota
	integral
	floating
)

func classify(t arrow.DataType) numericClass {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64, arrow.TIMESTAMP:
		return integral
	case arrow.FLOAT32, arrow.FLOAT64:
		return floating
	default:
		return notNumeric
	}
}

// coerce brings two operands to a common type: any float makes both
// float64, otherwise mixed integer widths (and timestamps) become int64.
// Operands that are not both numeric are returned unchanged for the kernel
// to accept or reject. Both results must be released.
func coerce(e *env, l, r arrow.Array) (arrow.Array, arrow.Array, error) {
	lc, rc := classify(l.DataType()), classify(r.DataType())
	if arrow.TypeEqual(l.DataType(), r.DataType()) || lc == notNumeric || rc == notNumeric {
		l.Retain()
		r.Retain()
		return l, r, nil
	}
	var target arrow.DataType = arrow.PrimitiveTypes.Int64
	if lc == floating || rc == floating {
		target = arrow.PrimitiveTypes.Float64
	}
	cl, err := castTo(e, l, target)
	if err != nil {
		return nil, nil, err
	}
	cr, err := castTo(e, r, target)
	if err != nil {
		cl.Release()
		return nil, nil, err
	}
	return cl, cr, nil
}

func castTo(e *env, a arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(a.DataType(), target) {
		a.Retain()
		return a, nil
	}
	out, err := compute.CastArray(e.ctx, a, compute.UnsafeCastOptions(target))
	if err != nil {
		return nil, fmt.Errorf("cast %s to %s: %w", a.DataType(), target, err)
	}
	return out, nil
}
