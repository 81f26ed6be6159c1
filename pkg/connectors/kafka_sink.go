package connectors

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/strata/pkg/record"
)

// KafkaSink publishes the rows of each committed version to a Kafka topic
// as JSON. Every message carries the table version and batch id as headers
// so consumers can drop duplicates after a restart.
type KafkaSink struct {
	topic  string
	keyBy  []string
	client *kgo.Client
}

// NewKafkaSink creates a Kafka sink connector.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: brokers and topic are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: create client: %w", err)
	}
	return &KafkaSink{topic: cfg.Topic, keyBy: cfg.KeyBy, client: client}, nil
}

func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

func (k *KafkaSink) WriteCommitted(ctx context.Context, c Committed) error {
	recs, err := encodeCommitted(c, k.keyBy)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		k.client.Produce(ctx, rec, nil)
	}

	// Flush to ensure delivery.
	if err := k.client.Flush(ctx); err != nil {
		return fmt.Errorf("kafka sink: flush: %w", err)
	}
	return nil
}

// encodeCommitted builds one Kafka record per row.
func encodeCommitted(c Committed, keyBy []string) ([]*kgo.Record, error) {
	headers := []kgo.RecordHeader{
		{Key: "strata-table", Value: []byte(c.Table)},
		{Key: "strata-version", Value: []byte(strconv.FormatInt(c.Version, 10))},
		{Key: "strata-batch-id", Value: []byte(strconv.FormatInt(c.BatchID, 10))},
	}

	out := make([]*kgo.Record, 0, len(c.Rows))
	for i, row := range c.Rows {
		value, err := json.Marshal(jsonRow(row))
		if err != nil {
			return nil, fmt.Errorf("kafka sink: marshal row %d: %w", i, err)
		}
		rec := &kgo.Record{Value: value, Headers: headers}

		// Set key for partitioning.
		if len(keyBy) > 0 {
			keyParts := make(map[string]any, len(keyBy))
			for _, keyCol := range keyBy {
				if v, ok := row[keyCol]; ok {
					keyParts[keyCol] = v
				}
			}
			keyBytes, _ := json.Marshal(jsonRow(keyParts))
			rec.Key = keyBytes
		}
		out = append(out, rec)
	}
	return out, nil
}

// jsonRow renders timestamps as epoch milliseconds.
func jsonRow(row record.Values) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if _, isTime := v.(interface{ UnixMilli() int64 }); isTime {
			ms, _ := record.Coerce(v, record.Int64)
			v = ms
		}
		out[k] = v
	}
	return out
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}
