package operator

import (
	"context"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/tributary/pkg/arena"
	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/handler"
	"github.com/sandboxws/tributary/pkg/metrics"
)

// SetupContext is passed to Setup once per pipeline.
type SetupContext struct {
	Ctx      context.Context
	Pipeline handler.PipelineContext
	Handlers *handler.Table
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	// Label is the pipeline's metrics label.
	Label string
}

// ExecutionContext carries everything one Execute (or Stop) call needs. A
// fresh context is built per call and never shared between goroutines.
type ExecutionContext struct {
	Ctx      context.Context
	Pipeline handler.PipelineContext
	Arena    *arena.Arena
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Label    string

	// WorkerID is the index of the worker running this call, in
	// [0, Pipeline.NumWorkers()).
	WorkerID int

	// Input is the buffer being executed, nil during Stop.
	Input *buffer.Buffer

	// IngressTimestamp is the creation timestamp propagated to every
	// buffer emitted during this call.
	IngressTimestamp int64
}

// Alloc returns the allocator for output records.
func (c *ExecutionContext) Alloc() memory.Allocator {
	return c.Pipeline.Buffers().Allocator()
}

// Emit wraps metadata onto buf and hands it downstream. The downstream
// consumer takes ownership.
func (c *ExecutionContext) Emit(buf *buffer.Buffer) error {
	if buf.CreationTimestamp == buffer.InvalidTimestamp {
		buf.CreationTimestamp = c.IngressTimestamp
	}
	if c.Input != nil && buf.Watermark == 0 {
		buf.Watermark = c.Input.Watermark
	}
	return c.Pipeline.Emit(c.Ctx, buf)
}
