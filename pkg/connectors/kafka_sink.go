package connectors

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/tributary/pkg/buffer"
)

// KafkaSink produces one JSON record per row to a topic.
type KafkaSink struct {
	opts   KafkaOptions
	client *kgo.Client
	ctx    *Context
}

// NewKafkaSink creates a Kafka sink connector.
func NewKafkaSink(opts KafkaOptions) *KafkaSink {
	return &KafkaSink{opts: opts}
}

func (k *KafkaSink) Open(ctx *Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.opts.Brokers...),
		kgo.DefaultProduceTopic(k.opts.Topic),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	k.ctx = ctx
	return nil
}

func (k *KafkaSink) Write(buf *buffer.Buffer) error {
	recs, err := k.toRecords(buf)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	if err := k.client.ProduceSync(k.ctx, recs...).FirstErr(); err != nil {
		return fmt.Errorf("kafka sink: produce: %w", err)
	}
	observe(k.ctx, buf)
	return nil
}

func (k *KafkaSink) toRecords(buf *buffer.Buffer) ([]*kgo.Record, error) {
	if buf.Record == nil {
		return nil, nil
	}
	batch := buf.Record
	out := make([]*kgo.Record, 0, batch.NumRows())
	for row := 0; row < int(batch.NumRows()); row++ {
		obj := RowObject(batch, row)
		value, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: marshal row %d: %w", row, err)
		}
		rec := &kgo.Record{Topic: k.opts.Topic, Value: value}

		// Set key for partitioning.
		if len(k.opts.KeyBy) > 0 {
			keyParts := make(map[string]any, len(k.opts.KeyBy))
			for _, col := range k.opts.KeyBy {
				if v, ok := obj[col]; ok {
					keyParts[col] = v
				}
			}
			if rec.Key, err = json.Marshal(keyParts); err != nil {
				return nil, fmt.Errorf("kafka sink: marshal key of row %d: %w", row, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}
