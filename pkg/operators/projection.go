package operators

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/tributary/pkg/expr"
	"github.com/sandboxws/tributary/pkg/operator"
)

// Column is one projected output column.
type Column struct {
	Name string
	Expr string
}

type projected struct {
	name string
	expr *expr.Expr
}

// Projection evaluates SQL expressions into a new record with one column
// per expression, in declaration order.
type Projection struct {
	operator.Base
	cols []projected
}

// NewProjection compiles every column expression.
func NewProjection(cols []Column) (*Projection, error) {
	if len(cols) == 0 {
		return nil, errors.New("projection: no columns")
	}
	p := &Projection{}
	for _, c := range cols {
		e, err := expr.Compile(c.Expr)
		if err != nil {
			return nil, err
		}
		p.cols = append(p.cols, projected{name: c.Name, expr: e})
	}
	return p, nil
}

func (p *Projection) Name() string { return "Projection" }

func (p *Projection) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	alloc := ectx.Alloc()
	fields := make([]arrow.Field, 0, len(p.cols))
	arrays := make([]arrow.Array, 0, len(p.cols))
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()
	for _, c := range p.cols {
		arr, err := c.expr.Eval(ectx.Ctx, alloc, rec)
		if err != nil {
			return err
		}
		fields = append(fields, arrow.Field{Name: c.name, Type: arr.DataType(), Nullable: arr.NullN() > 0})
		arrays = append(arrays, arr)
	}
	out := array.NewRecord(arrow.NewSchema(fields, nil), arrays, rec.NumRows())
	defer out.Release()
	return p.Base.Open(ectx, out)
}
