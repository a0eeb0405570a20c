package handler

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownHandler is returned when an operator references an index that
// is not in the table.
var ErrUnknownHandler = errors.New("handler: unknown handler index")

// ErrHandlerType is returned by Resolve when the handler at an index is not
// of the requested type.
var ErrHandlerType = errors.New("handler: unexpected handler type")

// Table is the indexed handler list shared by all workers of one pipeline.
// It is filled while the plan is built and read-only afterwards.
type Table struct {
	handlers []Handler
}

// NewTable creates a table holding hs at indices 0..len(hs)-1.
func NewTable(hs ...Handler) *Table {
	return &Table{handlers: hs}
}

// Add appends h and returns its index.
func (t *Table) Add(h Handler) int {
	t.handlers = append(t.handlers, h)
	return len(t.handlers) - 1
}

// Len returns the number of handlers.
func (t *Table) Len() int { return len(t.handlers) }

// At returns the handler at index i.
func (t *Table) At(i int) (Handler, error) {
	if i < 0 || i >= len(t.handlers) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownHandler, i, len(t.handlers))
	}
	return t.handlers[i], nil
}

// Resolve returns the handler at index i as a T. Operators call it once
// during setup and keep the typed pointer, so buffers never pay for a type
// check.
func Resolve[T Handler](t *Table, i int) (T, error) {
	var zero T
	h, err := t.At(i)
	if err != nil {
		return zero, err
	}
	typed, ok := h.(T)
	if !ok {
		return zero, fmt.Errorf("%w: index %d holds %T, want %T", ErrHandlerType, i, h, zero)
	}
	return typed, nil
}

// StartAll starts every handler in index order. If one fails, the handlers
// already started are stopped with HardStop in reverse order.
func (t *Table) StartAll(ctx context.Context, pctx PipelineContext) error {
	for i, h := range t.handlers {
		if err := h.Start(ctx, pctx, i); err != nil {
			errs := []error{fmt.Errorf("start handler %d: %w", i, err)}
			for j := i - 1; j >= 0; j-- {
				if err := t.handlers[j].Stop(ctx, HardStop, pctx); err != nil {
					errs = append(errs, fmt.Errorf("stop handler %d: %w", j, err))
				}
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

// StopAll stops every handler in index order. All handlers are stopped
// even if some fail; the errors are joined.
func (t *Table) StopAll(ctx context.Context, kind TerminationKind, pctx PipelineContext) error {
	var errs []error
	for i, h := range t.handlers {
		if err := h.Stop(ctx, kind, pctx); err != nil {
			errs = append(errs, fmt.Errorf("stop handler %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// TerminateAll terminates every handler in index order.
func (t *Table) TerminateAll(ctx context.Context, pctx PipelineContext) error {
	var errs []error
	for i, h := range t.handlers {
		if err := h.Terminate(ctx, pctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate handler %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
