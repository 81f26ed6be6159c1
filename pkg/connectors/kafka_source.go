package connectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/strata/pkg/record"
)

const defaultKafkaPollTimeout = 100 * time.Millisecond

// KafkaConfig configures the Kafka connectors.
type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	StartupMode   string        `mapstructure:"startup_mode"`
	KeyColumn     string        `mapstructure:"key_column"`
	TimeColumn    string        `mapstructure:"time_column"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	KeyBy         []string      `mapstructure:"key_by"`
}

// KafkaSource consumes JSON records from a Kafka topic. Values are coerced
// to the declared schema. With a consumer group, offsets are committed only
// on Ack, after the batch holding the records has committed.
type KafkaSource struct {
	cfg    KafkaConfig
	schema record.Schema
	client *kgo.Client
	logger *slog.Logger
}

// NewKafkaSource creates a Kafka source connector.
func NewKafkaSource(cfg KafkaConfig, schema record.Schema, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source: brokers and topic are required")
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultKafkaPollTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
	}
	if cfg.ConsumerGroup != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.ConsumerGroup), kgo.DisableAutoCommit())
	}
	switch cfg.StartupMode {
	case "latest-offset", "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka source: create client: %w", err)
	}
	return &KafkaSource{
		cfg:    cfg,
		schema: schema,
		client: client,
		logger: logger.With("topic", cfg.Topic),
	}, nil
}

// Poll fetches up to max records, waiting at most the configured poll
// timeout. Undecodable payloads are logged and skipped.
func (k *KafkaSource) Poll(ctx context.Context, max int) ([]record.Record, error) {
	pctx, cancel := context.WithTimeout(ctx, k.cfg.PollTimeout)
	defer cancel()

	fetches := k.client.PollRecords(pctx, max)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	var fetchErr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		k.logger.Error("kafka fetch error", "partition", partition, "error", err)
		if fetchErr == nil {
			fetchErr = fmt.Errorf("kafka fetch %s/%d: %w", topic, partition, err)
		}
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []record.Record
	fetches.EachRecord(func(kr *kgo.Record) {
		rec, err := k.decode(kr)
		if err != nil {
			k.logger.Error("kafka json decode error", "partition", kr.Partition, "offset", kr.Offset, "error", err)
			return
		}
		out = append(out, rec)
	})
	if len(out) == 0 && fetchErr != nil {
		return nil, fetchErr
	}
	return out, nil
}

func (k *KafkaSource) decode(kr *kgo.Record) (record.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(kr.Value))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return record.Record{}, err
	}
	vals, err := k.schema.Conform(raw)
	if err != nil {
		return record.Record{}, err
	}

	rec := record.Record{Key: string(kr.Key), EventTime: kr.Timestamp.UTC(), Values: vals}
	if k.cfg.KeyColumn != "" {
		if v := vals[k.cfg.KeyColumn]; v != nil {
			s, _ := record.Coerce(v, record.String)
			rec.Key = s.(string)
		}
	}
	if k.cfg.TimeColumn != "" {
		if v := vals[k.cfg.TimeColumn]; v != nil {
			ts, err := record.Coerce(v, record.Timestamp)
			if err != nil {
				return record.Record{}, fmt.Errorf("time column %q: %w", k.cfg.TimeColumn, err)
			}
			rec.EventTime = ts.(time.Time)
		}
	}
	return rec, nil
}

// Ack commits the offsets of every record polled so far.
func (k *KafkaSource) Ack(ctx context.Context) error {
	if k.cfg.ConsumerGroup == "" {
		return nil
	}
	if err := k.client.CommitUncommittedOffsets(ctx); err != nil {
		return fmt.Errorf("kafka source: commit offsets: %w", err)
	}
	return nil
}

func (k *KafkaSource) Close() error {
	k.client.Close()
	return nil
}
