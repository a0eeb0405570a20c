package operators

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/tributary/pkg/operator"
)

// Drop removes columns by name.
type Drop struct {
	operator.Base
	columns map[string]bool
}

// NewDrop creates a Drop operator.
func NewDrop(columns []string) *Drop {
	set := make(map[string]bool, len(columns))
	for _, c := range columns {
		set[c] = true
	}
	return &Drop{columns: set}
}

func (d *Drop) Name() string { return "Drop" }

func (d *Drop) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	schema := rec.Schema()
	var (
		fields []arrow.Field
		arrays []arrow.Array
	)
	for i := 0; i < schema.NumFields(); i++ {
		f := schema.Field(i)
		if d.columns[f.Name] {
			continue
		}
		fields = append(fields, f)
		arrays = append(arrays, rec.Column(i))
	}
	out := array.NewRecord(arrow.NewSchema(fields, nil), arrays, rec.NumRows())
	defer out.Release()
	return d.Base.Open(ectx, out)
}
