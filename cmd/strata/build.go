package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sandboxws/strata/pkg/backend"
	"github.com/sandboxws/strata/pkg/config"
	"github.com/sandboxws/strata/pkg/connectors"
	"github.com/sandboxws/strata/pkg/duckdb"
	"github.com/sandboxws/strata/pkg/engine"
	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/operators"
	"github.com/sandboxws/strata/pkg/partition"
	"github.com/sandboxws/strata/pkg/record"
	"github.com/sandboxws/strata/pkg/stateful"
	"github.com/sandboxws/strata/pkg/storage"
	"github.com/sandboxws/strata/pkg/table"
)

const sqliteLogName = "_log.db"

// built is a pipeline assembled from config together with the resources
// it holds open.
type built struct {
	Pipeline engine.Pipeline
	closers  []io.Closer
}

// Close releases the source, sinks and transaction log in reverse order
// of creation.
func (b *built) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	return errors.Join(errs...)
}

func (b *built) hold(c io.Closer) { b.closers = append(b.closers, c) }

func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *built, err error) {
	b := &built{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	p := &b.Pipeline
	p.Name = cfg.Pipeline.Name
	p.Partitions = cfg.Pipeline.Partitions
	p.AllowSchemaEvolution = cfg.Table.AllowSchemaEvolution

	if p.Partitioner, err = buildPartitioner(cfg.Pipeline); err != nil {
		return nil, err
	}

	tbl, log, err := openTable(ctx, cfg.Table, logger)
	if err != nil {
		return nil, err
	}
	b.hold(log)
	p.Table = tbl

	if p.Source, err = buildSource(cfg.Source, logger); err != nil {
		return nil, err
	}
	b.hold(p.Source)

	sourceSchema, err := config.ParseSchema(cfg.Source.Schema)
	if err != nil {
		return nil, err
	}
	if p.Stages, err = buildStages(cfg.Transforms, sourceSchema); err != nil {
		return nil, err
	}

	if cfg.Aggregate != nil {
		if p.Aggregate, err = buildAggregate(*cfg.Aggregate, cfg.Pipeline.Partitions, p.Partitioner, logger); err != nil {
			return nil, err
		}
	} else if p.Schema, err = config.ParseSchema(cfg.Table.Schema); err != nil {
		return nil, err
	}

	for i, sc := range cfg.Sinks {
		sink, err := buildSink(sc)
		if err != nil {
			return nil, fmt.Errorf("sinks[%d]: %w", i, err)
		}
		b.hold(sink)
		p.Sinks = append(p.Sinks, sink)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func buildPartitioner(cfg config.PipelineConfig) (partition.Partitioner, error) {
	if cfg.Partitioner == "range" {
		return partition.NewRangePartitioner(cfg.RangeBounds...)
	}
	return partition.HashPartitioner{}, nil
}

// openTable opens the table's object store and transaction log. The log is
// returned so the caller can close it.
func openTable(ctx context.Context, cfg config.TableConfig, logger *slog.Logger) (*table.Table, storage.LogStore, error) {
	var (
		objects storage.ObjectStore
		err     error
	)
	switch cfg.ObjectStore {
	case "memory":
		objects = storage.NewMemoryObjectStore()
	case "minio":
		objects, err = storage.NewMinioObjectStore(ctx, cfg.Minio)
	default:
		objects, err = storage.NewLocalObjectStore(cfg.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open object store: %w", err)
	}

	var log storage.LogStore
	switch cfg.Log {
	case "memory":
		log = storage.NewMemoryLog()
	case "sqlite":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create table dir: %w", err)
		}
		log, err = storage.NewSQLiteLog(filepath.Join(cfg.Path, sqliteLogName))
	default:
		log, err = storage.NewFileLog(cfg.Path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open transaction log: %w", err)
	}

	tbl, err := table.Open(ctx, cfg.Name, objects, log, table.Options{
		Logger:      logger,
		Compression: table.ParseCompression(cfg.Compression),
		CacheSize:   cfg.CacheSize,
	})
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return tbl, log, nil
}

func buildSource(cfg config.SourceConfig, logger *slog.Logger) (connectors.Source, error) {
	schema, err := config.ParseSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "generator":
		return connectors.NewGenerator(connectors.GeneratorConfig{
			Schema:      schema,
			RowsPerPoll: cfg.Generator.RowsPerPoll,
			MaxRows:     cfg.Generator.MaxRows,
			Keys:        cfg.Generator.Keys,
		})
	case "kafka":
		return connectors.NewKafkaSource(cfg.Kafka, schema, logger)
	case "union":
		sources := make([]connectors.Source, 0, len(cfg.Union))
		for i, sc := range cfg.Union {
			s, err := buildSource(sc, logger)
			if err != nil {
				for _, opened := range sources {
					opened.Close()
				}
				return nil, fmt.Errorf("union[%d]: %w", i, err)
			}
			sources = append(sources, s)
		}
		return connectors.NewUnion(sources...), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// named gives a fixed-name transform the name chosen in the config, so
// that several stages of the same kind can coexist.
type named struct {
	operator.Transform
	name string
}

func (n named) Name() string { return n.name }

func buildStages(cfgs []config.TransformConfig, sourceSchema record.Schema) ([]backend.Stage, error) {
	stages := make([]backend.Stage, 0, len(cfgs))
	for i, t := range cfgs {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", t.Type, i)
		}
		stage, err := buildStage(name, t, sourceSchema)
		if err != nil {
			return nil, fmt.Errorf("transforms[%d] (%s): %w", i, name, err)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func buildStage(name string, t config.TransformConfig, sourceSchema record.Schema) (backend.Stage, error) {
	switch t.Type {
	case "filter":
		pred, err := operators.Compare(t.Column, t.Op, t.Value)
		if err != nil {
			return nil, err
		}
		return operators.NewFilter(name, pred), nil
	case "set":
		return operators.NewMap(name, operators.SetConst(t.Column, t.Value)), nil
	case "key_by":
		return operators.NewMap(name, operators.KeyBy(t.Column)), nil
	case "flatmap":
		return operators.NewFlatMap(name, t.Column), nil
	case "rename":
		renames := make(map[string]string, len(t.Renames))
		for _, r := range t.Renames {
			renames[r.From] = r.To
		}
		return named{operators.NewRename(renames), name}, nil
	case "drop":
		return named{operators.NewDrop(t.Columns), name}, nil
	case "cast":
		cols := make([]operators.CastColumn, 0, len(t.Cast))
		for _, f := range t.Cast {
			typ, err := record.ParseType(f.Type)
			if err != nil {
				return nil, err
			}
			cols = append(cols, operators.CastColumn{Name: f.Name, TargetType: typ})
		}
		return named{operators.NewCast(cols), name}, nil
	case "sql":
		input := sourceSchema
		if len(t.Schema) > 0 {
			s, err := config.ParseSchema(t.Schema)
			if err != nil {
				return nil, err
			}
			input = s
		}
		var opts []duckdb.Option
		if t.KeyColumn != "" {
			opts = append(opts, duckdb.WithKeyColumn(t.KeyColumn))
		}
		if t.TimeColumn != "" {
			opts = append(opts, duckdb.WithTimeColumn(t.TimeColumn))
		}
		return duckdb.NewQuery(name, t.SQL, input, opts...)
	default:
		return nil, fmt.Errorf("unknown transform type %q", t.Type)
	}
}

func buildAggregate(cfg config.AggregateConfig, partitions int, p partition.Partitioner, logger *slog.Logger) (*stateful.Runtime, error) {
	fn, err := operators.ParseAggFunc(cfg.Function)
	if err != nil {
		return nil, err
	}
	var opts []operators.AggregateOption
	switch {
	case cfg.GroupByKey:
		opts = append(opts, operators.WithGroupByKey())
	case cfg.GroupBy != "":
		opts = append(opts, operators.WithGroupBy(cfg.GroupBy))
	}
	if cfg.Window > 0 {
		opts = append(opts, operators.WithWindow(cfg.Window))
	}
	if cfg.ValueType != "" {
		typ, err := record.ParseType(cfg.ValueType)
		if err != nil {
			return nil, err
		}
		opts = append(opts, operators.WithValueType(typ))
	}
	if cfg.OutputName != "" {
		opts = append(opts, operators.WithOutputName(cfg.OutputName))
	}
	agg, err := operators.NewAggregate(fn, cfg.Field, opts...)
	if err != nil {
		return nil, err
	}

	mode := stateful.Update
	if cfg.OutputMode != "" {
		if mode, err = stateful.ParseOutputMode(cfg.OutputMode); err != nil {
			return nil, err
		}
	}
	return stateful.New(agg, mode, partitions, stateful.WithLogger(logger), stateful.WithPartitioner(p))
}

func buildSink(cfg config.SinkConfig) (connectors.Sink, error) {
	switch cfg.Type {
	case "console":
		return connectors.NewConsole(cfg.MaxRows), nil
	case "kafka":
		return connectors.NewKafkaSink(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

func schedulerOptions(cfg config.SchedulerConfig, logger *slog.Logger) engine.Options {
	return engine.Options{
		TriggerInterval:    cfg.TriggerInterval,
		MaxRecordsPerBatch: cfg.MaxRecordsPerBatch,
		MaxRetries:         cfg.MaxRetries,
		InitialBackoff:     cfg.InitialBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		BatchTimeout:       cfg.BatchTimeout,
		Workers:            cfg.Workers,
		Logger:             logger,
	}
}
