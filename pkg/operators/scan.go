// Package operators implements the built-in physical operators of the
// tributary runtime.
package operators

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/operator"
)

// Scan is the root of every pipeline. It hands the input record to its
// child and accounts for it.
type Scan struct {
	operator.Base
}

// NewScan creates a Scan.
func NewScan() *Scan { return &Scan{} }

func (s *Scan) Name() string { return "Scan" }

func (s *Scan) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	if ectx.Metrics != nil {
		ectx.Metrics.BatchesProcessed.WithLabelValues(ectx.Label, "scan").Inc()
		ectx.Metrics.RowsProcessed.WithLabelValues(ectx.Label, "scan").Add(float64(rec.NumRows()))
	}
	return s.Base.Open(ectx, rec)
}
