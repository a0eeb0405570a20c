package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"

	"github.com/sandboxws/tributary/pkg/operator"
)

// CastColumn names a column and its target type.
type CastColumn struct {
	Name       string
	TargetType arrow.DataType
}

// Cast converts columns to new Arrow types with Arrow's cast kernels.
type Cast struct {
	operator.Base
	targets map[string]arrow.DataType
}

// NewCast creates a Cast operator.
func NewCast(columns []CastColumn) *Cast {
	targets := make(map[string]arrow.DataType, len(columns))
	for _, c := range columns {
		targets[c.Name] = c.TargetType
	}
	return &Cast{targets: targets}
}

func (c *Cast) Name() string { return "Cast" }

func (c *Cast) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	schema := rec.Schema()
	fields := make([]arrow.Field, schema.NumFields())
	arrays := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, a := range arrays {
			if a != nil {
				a.Release()
			}
		}
	}()
	ctx := compute.WithAllocator(ectx.Ctx, ectx.Alloc())
	for i := range fields {
		f := schema.Field(i)
		col := rec.Column(i)
		target, ok := c.targets[f.Name]
		if !ok || arrow.TypeEqual(col.DataType(), target) {
			col.Retain()
			fields[i], arrays[i] = f, col
			continue
		}
		out, err := compute.CastArray(ctx, col, compute.SafeCastOptions(target))
		if err != nil {
			return fmt.Errorf("cast %s to %s: %w", f.Name, target, err)
		}
		f.Type = target
		fields[i], arrays[i] = f, out
	}
	out := array.NewRecord(arrow.NewSchema(fields, nil), arrays, rec.NumRows())
	defer out.Release()
	return c.Base.Open(ectx, out)
}
