package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/expr"
	"github.com/sandboxws/tributary/pkg/operator"
)

// Selection keeps the rows matching a SQL predicate. Empty results stop the
// chain for this buffer.
type Selection struct {
	operator.Base
	pred *expr.Expr
}

// NewSelection compiles predicate, e.g. "amount > 100".
func NewSelection(predicate string) (*Selection, error) {
	e, err := expr.Compile(predicate)
	if err != nil {
		return nil, err
	}
	return &Selection{pred: e}, nil
}

func (s *Selection) Name() string { return "Selection(" + s.pred.String() + ")" }

func (s *Selection) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	alloc := ectx.Alloc()
	mask, err := s.pred.EvalBool(ectx.Ctx, alloc, rec)
	if err != nil {
		return err
	}
	defer mask.Release()

	out, err := helpers.Filter(ectx.Ctx, rec, mask)
	if err != nil {
		return fmt.Errorf("selection: %w", err)
	}
	defer out.Release()
	if out.NumRows() == 0 {
		return nil
	}
	return s.Base.Open(ectx, out)
}
