package connectors

import (
	"fmt"
	"strconv"

	helpers "github.com/sandboxws/tributary/pkg/arrow/helpers"
	"github.com/sandboxws/tributary/pkg/config"
	"github.com/sandboxws/tributary/pkg/plan"
)

// NewSource builds the source a plan node describes.
func NewSource(n *plan.Node, cfg config.Config) (Source, error) {
	o := n.Options
	switch n.Type {
	case "generator":
		schema, err := helpers.ParseSchema(o.String("schema", "id:int64"))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", n.ID, err)
		}
		opts := GeneratorOptions{Schema: schema}
		for _, f := range []struct {
			key string
			dst *int
		}{
			{"batch_size", &opts.BatchSize},
			{"origins", &opts.Origins},
			{"keys", &opts.Keys},
		} {
			if *f.dst, err = o.Int(f.key, 0); err != nil {
				return nil, fmt.Errorf("source %s: %w", n.ID, err)
			}
		}
		if opts.RowsPerSecond, err = int64Option(o, "rate"); err != nil {
			return nil, fmt.Errorf("source %s: %w", n.ID, err)
		}
		if opts.MaxRows, err = int64Option(o, "rows"); err != nil {
			return nil, fmt.Errorf("source %s: %w", n.ID, err)
		}
		return NewGenerator(opts), nil

	case "kafka":
		schema, err := helpers.ParseSchema(o.String("schema", ""))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", n.ID, err)
		}
		batch, err := o.Int("batch_size", 0)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", n.ID, err)
		}
		return NewKafkaSource(KafkaOptions{
			Brokers:        brokers(o, cfg),
			Topic:          o.String("topic", n.ID),
			Group:          o.String("group", cfg.Kafka.Group),
			StartOffset:    o.String("start_offset", "earliest"),
			Schema:         schema,
			WatermarkField: o.String("watermark_field", ""),
			BatchSize:      batch,
		}), nil
	}
	return nil, fmt.Errorf("source %s: unknown type %q", n.ID, n.Type)
}

// NewSink builds the sink a plan node describes.
func NewSink(n *plan.Node, cfg config.Config) (Sink, error) {
	o := n.Options
	switch n.Type {
	case "console", "print":
		rows, err := o.Int("max_rows", 20)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", n.ID, err)
		}
		return NewConsole(rows), nil
	case "file":
		path := o.String("path", "")
		if path == "" {
			return nil, fmt.Errorf("sink %s: path is required", n.ID)
		}
		return NewFileSink(path), nil
	case "kafka":
		return NewKafkaSink(KafkaOptions{
			Brokers: brokers(o, cfg),
			Topic:   o.String("topic", n.ID),
			KeyBy:   o.List("key_by"),
		}), nil
	case "memory":
		return NewMemorySink(), nil
	}
	return nil, fmt.Errorf("sink %s: unknown type %q", n.ID, n.Type)
}

func brokers(o plan.Options, cfg config.Config) []string {
	if b := o.List("brokers"); len(b) > 0 {
		return b
	}
	return cfg.Kafka.Brokers
}

func int64Option(o plan.Options, key string) (int64, error) {
	v, ok := o[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return n, nil
}
