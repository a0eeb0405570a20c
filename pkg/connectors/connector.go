// Package connectors implements source and sink connectors for the
// tributary runtime.
package connectors

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandboxws/tributary/pkg/buffer"
	"github.com/sandboxws/tributary/pkg/metrics"
)

const defaultBatchSize = 1024

// Context is handed to connectors when they open.
type Context struct {
	context.Context

	// Name identifies the connector in logs and metrics.
	Name    string
	Buffers buffer.Provider
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Source produces buffers into out and closes it when done. Buffers sent on
// out are owned by the receiver.
type Source interface {
	Open(ctx *Context) error
	Run(ctx *Context, out chan<- *buffer.Buffer) error
	Close() error
}

// Sink consumes buffers. Write borrows buf; the caller releases it.
type Sink interface {
	Open(ctx *Context) error
	Write(buf *buffer.Buffer) error
	Close() error
}

// observe accounts a written buffer on the sink metrics: rows out and the
// ingress-to-sink latency.
func observe(ctx *Context, buf *buffer.Buffer) {
	if ctx == nil || ctx.Metrics == nil {
		return
	}
	ctx.Metrics.SinkOut.WithLabelValues(ctx.Name).Add(float64(buf.TupleCount()))
	if buf.CreationTimestamp != buffer.InvalidTimestamp {
		ctx.Metrics.ObserveSinkLatency(ctx.Name, time.Since(time.UnixMilli(buf.CreationTimestamp)))
	}
}

// send delivers buf on out or releases it when ctx is done first.
func send(ctx context.Context, out chan<- *buffer.Buffer, buf *buffer.Buffer) bool {
	select {
	case out <- buf:
		return true
	case <-ctx.Done():
		buf.Release()
		return false
	}
}
