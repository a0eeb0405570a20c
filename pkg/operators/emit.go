package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/operator"
)

// Emit is the last operator of a chain. It wraps the record into pooled
// buffers of at most the provider's capacity and hands them downstream.
type Emit struct {
	operator.Base
}

// NewEmit creates an Emit operator.
func NewEmit() *Emit { return &Emit{} }

func (e *Emit) Name() string { return "Emit" }

func (e *Emit) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	provider := ectx.Pipeline.Buffers()
	n := rec.NumRows()
	if n == 0 {
		return nil
	}
	chunk := int64(provider.BufferCapacity())
	if chunk <= 0 {
		chunk = n
	}
	for off := int64(0); off < n; off += chunk {
		end := min(off+chunk, n)
		slice := rec.NewSlice(off, end)
		buf, err := provider.Acquire(ectx.Ctx, slice)
		if err != nil {
			slice.Release()
			return fmt.Errorf("emit: %w", err)
		}
		if err := ectx.Emit(buf); err != nil {
			return err
		}
	}
	if ectx.Metrics != nil {
		ectx.Metrics.RowsProcessed.WithLabelValues(ectx.Label, "emit").Add(float64(n))
	}
	return nil
}
