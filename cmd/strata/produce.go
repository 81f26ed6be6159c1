package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/strata/pkg/config"
	"github.com/sandboxws/strata/pkg/connectors"
)

const produceBatch = 1000

func produceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Write synthetic records to the pipeline's Kafka source topic",
		Long: `Generate records matching source.schema and produce them as JSON to
the topic of the kafka source in --config, at a fixed rate.

Example:
  strata produce --config pipeline.yaml --rate 5000 --duration 1m
`,
		Args: cobra.NoArgs,
		RunE: runProduce,
	}
	cmd.Flags().Int64("rate", 1000, "records per second")
	cmd.Flags().Int64("keys", 100, "number of distinct record keys")
	cmd.Flags().Duration("duration", 0, "how long to produce (0 = until interrupted)")
	return cmd
}

func runProduce(cmd *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Source.Type != "kafka" {
		return fmt.Errorf("produce needs a kafka source, config has %q", cfg.Source.Type)
	}
	rate, _ := cmd.Flags().GetInt64("rate")
	keys, _ := cmd.Flags().GetInt64("keys")
	duration, _ := cmd.Flags().GetDuration("duration")
	if rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", rate)
	}

	schema, err := config.ParseSchema(cfg.Source.Schema)
	if err != nil {
		return err
	}
	gen, err := connectors.NewGenerator(connectors.GeneratorConfig{
		Schema:      schema,
		RowsPerPoll: produceBatch,
		Keys:        keys,
	})
	if err != nil {
		return err
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Source.Kafka.Brokers...),
		kgo.DefaultProduceTopic(cfg.Source.Kafka.Topic),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.MaxBufferedRecords(100_000),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Info("producing records",
		"brokers", cfg.Source.Kafka.Brokers,
		"topic", cfg.Source.Kafka.Topic,
		"rate", rate,
	)

	var sent, failed atomic.Int64
	onDone := func(_ *kgo.Record, err error) {
		if err != nil {
			failed.Add(1)
		}
	}

	interval := time.Duration(float64(time.Second) * produceBatch / float64(rate))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			if err := client.Flush(context.Background()); err != nil {
				logger.Warn("flush failed", "error", err)
			}
			logger.Info("producer stopped", "total", sent.Load(), "failed", failed.Load())
			return nil
		case <-report.C:
			cur := sent.Load()
			logger.Info("producer throughput", "records/sec", cur-last, "total", cur)
			last = cur
		case <-ticker.C:
			recs, err := gen.Poll(ctx, produceBatch)
			if err != nil {
				continue
			}
			for _, rec := range recs {
				value, err := json.Marshal(rec.Values)
				if err != nil {
					return fmt.Errorf("encode record: %w", err)
				}
				client.Produce(ctx, &kgo.Record{
					Key:       []byte(rec.Key),
					Value:     value,
					Timestamp: rec.EventTime,
				}, onDone)
			}
			sent.Add(int64(len(recs)))
		}
	}
}
