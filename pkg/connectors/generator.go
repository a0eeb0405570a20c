package connectors

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/tributary/pkg/buffer"
)

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	Schema *arrow.Schema
	// RowsPerSecond throttles output; <= 0 generates as fast as the
	// pipeline accepts.
	RowsPerSecond int64
	// MaxRows stops the generator; <= 0 runs until cancelled.
	MaxRows int64
	// BatchSize is the number of rows per buffer, capped at the buffer
	// capacity.
	BatchSize int
	// Origins spreads batches round robin over this many origins.
	Origins int
	// Keys cycles string columns through this many distinct values, so
	// grouped aggregations see repeated keys. 0 makes every value unique.
	Keys int
}

// Generator produces synthetic rows. Integer columns carry the row's
// global sequence, which doubles as event time: every buffer's watermark is
// the sequence of the next row to be generated.
type Generator struct {
	opts    GeneratorOptions
	alloc   memory.Allocator
	stamper *buffer.Stamper
}

// NewGenerator creates a Generator source.
func NewGenerator(opts GeneratorOptions) *Generator {
	if opts.Origins <= 0 {
		opts.Origins = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Generator{opts: opts, stamper: buffer.NewStamper()}
}

func (g *Generator) Open(ctx *Context) error {
	if g.opts.Schema == nil {
		return fmt.Errorf("generator: schema is required")
	}
	g.alloc = ctx.Buffers.Allocator()
	if c := ctx.Buffers.BufferCapacity(); c > 0 && g.opts.BatchSize > c {
		g.opts.BatchSize = c
	}
	return nil
}

func (g *Generator) Run(ctx *Context, out chan<- *buffer.Buffer) error {
	defer close(out)

	batchSize := g.opts.BatchSize
	var tick <-chan time.Time
	if rps := g.opts.RowsPerSecond; rps > 0 {
		if int64(batchSize) > rps {
			batchSize = int(rps)
		}
		interval := time.Duration(float64(time.Second) * float64(batchSize) / float64(rps))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var seq int64
	for batch := 0; ; batch++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		n := int64(batchSize)
		if g.opts.MaxRows > 0 {
			left := g.opts.MaxRows - seq
			if left <= 0 {
				return nil
			}
			n = min(n, left)
		}

		rec := g.generateBatch(seq, int(n))
		buf, err := ctx.Buffers.Acquire(ctx, rec)
		if err != nil {
			rec.Release()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("generator: %w", err)
		}
		buf.OriginID = uint32(batch % g.opts.Origins)
		buf.Watermark = seq + n
		g.stamper.Stamp(buf)
		if !send(ctx, out, buf) {
			return nil
		}
		seq += n
		if ctx.Metrics != nil {
			ctx.Metrics.RowsProcessed.WithLabelValues(ctx.Name, "generator").Add(float64(n))
		}
	}
}

func (g *Generator) Close() error { return nil }

func (g *Generator) generateBatch(startSeq int64, numRows int) arrow.Record {
	schema := g.opts.Schema
	bldr := array.NewRecordBuilder(g.alloc, schema)
	defer bldr.Release()

	now := time.Now().UnixMilli()

	for row := 0; row < numRows; row++ {
		seq := startSeq + int64(row)
		key := seq
		if g.opts.Keys > 0 {
			key = seq % int64(g.opts.Keys)
		}
		for i := 0; i < schema.NumFields(); i++ {
			f := schema.Field(i)
			switch b := bldr.Field(i).(type) {
			case *array.Int64Builder:
				b.Append(seq)
			case *array.Int32Builder:
				b.Append(int32(seq))
			case *array.Float64Builder:
				b.Append(float64(seq) * 1.1)
			case *array.Float32Builder:
				b.Append(float32(seq) * 1.1)
			case *array.StringBuilder:
				b.Append(fmt.Sprintf("%s_%d", f.Name, key))
			case *array.BinaryBuilder:
				b.Append([]byte(fmt.Sprintf("%s_%d", f.Name, key)))
			case *array.BooleanBuilder:
				b.Append(seq%2 == 0)
			case *array.TimestampBuilder:
				b.Append(arrow.Timestamp(now + seq))
			default:
				b.AppendNull()
			}
		}
	}
	return bldr.NewRecord()
}
