package operators

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/tributary/pkg/operator"
)

// Rename renames columns. Columns not in the map keep their names.
type Rename struct {
	operator.Base
	columns map[string]string // old -> new
}

// NewRename creates a Rename operator.
func NewRename(columns map[string]string) *Rename {
	return &Rename{columns: columns}
}

func (r *Rename) Name() string { return "Rename" }

func (r *Rename) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	schema := rec.Schema()
	fields := make([]arrow.Field, schema.NumFields())
	for i := range fields {
		f := schema.Field(i)
		if to, ok := r.columns[f.Name]; ok {
			f.Name = to
		}
		fields[i] = f
	}
	out := array.NewRecord(arrow.NewSchema(fields, nil), rec.Columns(), rec.NumRows())
	defer out.Release()
	return r.Base.Open(ectx, out)
}
