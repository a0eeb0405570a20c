package connectors

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	json "github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/buffer"
)

// KafkaOptions configures Kafka sources and sinks.
type KafkaOptions struct {
	Brokers []string
	Topic   string

	// Source only.
	Group       string
	StartOffset string // earliest or latest
	Schema      *arrow.Schema
	// WatermarkField names an Int64 or Timestamp column whose maximum
	// becomes the buffer watermark. Without it the largest record
	// timestamp is used.
	WatermarkField string
	BatchSize      int

	// Sink only: columns whose values form the record key.
	KeyBy []string
}

// KafkaSource consumes JSON records. Each partition is an origin; every
// buffer cut from a partition gets the next sequence number of that
// origin, so per-partition order survives parallel execution.
type KafkaSource struct {
	opts   KafkaOptions
	client *kgo.Client
	ctx    *Context

	mu   sync.Mutex
	next map[int32]uint64
}

// NewKafkaSource creates a Kafka source connector.
func NewKafkaSource(opts KafkaOptions) *KafkaSource {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &KafkaSource{opts: opts, next: make(map[int32]uint64)}
}

func (k *KafkaSource) Open(ctx *Context) error {
	if k.opts.Schema == nil {
		return errors.New("kafka source: schema is required")
	}
	if c := ctx.Buffers.BufferCapacity(); c > 0 && k.opts.BatchSize > c {
		k.opts.BatchSize = c
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(k.opts.Brokers...),
		kgo.ConsumeTopics(k.opts.Topic),
	}
	if k.opts.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(k.opts.Group))
	}
	switch k.opts.StartOffset {
	case "latest-offset", "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka source: create client: %w", err)
	}
	k.client = client
	k.ctx = ctx
	return nil
}

func (k *KafkaSource) Run(ctx *Context, out chan<- *buffer.Buffer) error {
	defer close(out)

	for {
		fetches := k.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			ctx.Logger.Error("kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var runErr error
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for start := 0; start < len(p.Records) && runErr == nil; start += k.opts.BatchSize {
				end := min(start+k.opts.BatchSize, len(p.Records))
				buf, err := k.toBuffer(ctx, p.Partition, p.Records[start:end])
				if err != nil {
					runErr = err
					return
				}
				if buf == nil {
					continue
				}
				if !send(ctx, out, buf) {
					runErr = ctx.Err()
					return
				}
			}
		})
		if runErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return runErr
		}
	}
}

// toBuffer decodes one partition chunk. Records that are not valid JSON
// are logged and skipped; a chunk with none left returns nil.
func (k *KafkaSource) toBuffer(ctx *Context, partition int32, recs []*kgo.Record) (*buffer.Buffer, error) {
	rows := make([][]byte, 0, len(recs))
	var ts int64
	for _, r := range recs {
		if !json.Valid(r.Value) {
			ctx.Logger.Warn("skipping malformed kafka record", "partition", partition, "offset", r.Offset)
			continue
		}
		rows = append(rows, r.Value)
		ts = max(ts, r.Timestamp.UnixMilli())
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec, err := DecodeJSONRows(ctx.Buffers.Allocator(), k.opts.Schema, rows)
	if err != nil {
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	buf, err := ctx.Buffers.Acquire(ctx, rec)
	if err != nil {
		rec.Release()
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	buf.OriginID = uint32(partition)
	buf.CreationTimestamp = ts
	buf.Watermark = ts
	if k.opts.WatermarkField != "" {
		if col, err := helpers.Column(rec, k.opts.WatermarkField); err == nil {
			var wm int64
			for i := 0; i < col.Len(); i++ {
				if v, ok := helpers.Value(col, i).(int64); ok {
					wm = max(wm, v)
				}
			}
			buf.Watermark = wm
		}
	}

	k.mu.Lock()
	buf.SequenceNumber = k.next[partition]
	k.next[partition]++
	k.mu.Unlock()
	return buf, nil
}

func (k *KafkaSource) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}
