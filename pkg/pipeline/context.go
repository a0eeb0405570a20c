package pipeline

import (
	"context"
	"log/slog"

	"github.com/sandboxws/tributary/pkg/buffer"
)

// EmitFunc receives a stage's output buffers. It takes ownership of buf,
// also on error.
type EmitFunc func(ctx context.Context, buf *buffer.Buffer) error

// ContextOptions configures a Context.
type ContextOptions struct {
	ID      uint64
	Workers int
	// Buffers provides output buffers. Give every stage its own pool so a
	// slow consumer of one stage cannot starve another.
	Buffers buffer.Provider
	// Origin is stamped on every output buffer; output sequence numbers
	// are assigned per stage in emission order.
	Origin uint32
	Emit   EmitFunc
	Logger *slog.Logger
}

// Context is the handler.PipelineContext of one running stage.
type Context struct {
	opts    ContextOptions
	stamper *buffer.Stamper
	logger  *slog.Logger
}

// NewContext creates a pipeline context. A nil Emit discards output.
func NewContext(opts ContextOptions) *Context {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		opts:    opts,
		stamper: buffer.NewStamper(),
		logger:  logger.With("pipeline_id", opts.ID),
	}
}

func (c *Context) PipelineID() uint64       { return c.opts.ID }
func (c *Context) NumWorkers() int          { return c.opts.Workers }
func (c *Context) Buffers() buffer.Provider { return c.opts.Buffers }
func (c *Context) Logger() *slog.Logger     { return c.logger }

// Emit stamps origin and sequence number on buf and hands it downstream.
func (c *Context) Emit(ctx context.Context, buf *buffer.Buffer) error {
	buf.OriginID = c.opts.Origin
	c.stamper.Stamp(buf)
	if c.opts.Emit == nil {
		buf.Release()
		return nil
	}
	return c.opts.Emit(ctx, buf)
}
