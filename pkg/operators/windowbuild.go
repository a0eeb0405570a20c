package operators

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/operator"
	"github.com/sandboxws/tributary/pkg/window"
)

// WindowBuild lifts records into a window handler. After each buffer it
// advances the watermark and pushes every triggered window batch down the
// chain. A graceful Terminate flushes all open windows.
type WindowBuild struct {
	operator.Base
	index int
	win   *window.Handler
}

// NewWindowBuild creates a WindowBuild bound to the window handler at index.
func NewWindowBuild(index int) *WindowBuild { return &WindowBuild{index: index} }

func (w *WindowBuild) Name() string { return "WindowBuild" }

func (w *WindowBuild) Setup(sctx *operator.SetupContext) error {
	h, err := handler.Resolve[*window.Handler](sctx.Handlers, w.index)
	if err != nil {
		return fmt.Errorf("window build: %w", err)
	}
	w.win = h
	return w.Base.Setup(sctx)
}

// Open lifts rec into the calling worker's partial state. Nothing is
// forwarded until a window triggers.
func (w *WindowBuild) Open(ectx *operator.ExecutionContext, rec arrow.Record) error {
	return w.win.Lift(ectx.WorkerID, rec)
}

func (w *WindowBuild) Close(ectx *operator.ExecutionContext) error {
	if ectx.Input != nil && ectx.Input.Watermark != 0 {
		w.win.ObserveWatermark(ectx.Input.OriginID, ectx.Input.Watermark)
	}
	out, err := w.win.Trigger(ectx.Alloc(), ectx.Arena)
	if err != nil {
		return err
	}
	return w.forward(ectx, out)
}

func (w *WindowBuild) Terminate(ectx *operator.ExecutionContext, kind handler.TerminationKind) error {
	var errs []error
	if w.win != nil {
		if kind == handler.Graceful {
			out, err := w.win.Flush(ectx.Alloc(), ectx.Arena)
			if err != nil {
				errs = append(errs, err)
				if errors.Is(err, window.ErrInconsistent) {
					w.win.Discard()
				}
			} else if err := w.forward(ectx, out); err != nil {
				errs = append(errs, err)
			}
		} else if n := w.win.Discard(); n > 0 && ectx.Logger != nil {
			ectx.Logger.Warn("discarded open windows", "groups", n, "kind", kind.String())
		}
	}
	errs = append(errs, w.Base.Terminate(ectx, kind))
	return errors.Join(errs...)
}

func (w *WindowBuild) forward(ectx *operator.ExecutionContext, out arrow.Record) error {
	if out == nil {
		return nil
	}
	defer out.Release()
	if ectx.Metrics != nil {
		ectx.Metrics.RowsProcessed.WithLabelValues(ectx.Label, "window").Add(float64(out.NumRows()))
	}
	if err := w.Base.Open(ectx, out); err != nil {
		return err
	}
	return w.Base.Close(ectx)
}
