// Package config loads pipeline configuration from a YAML file with
// STRATA_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sandboxws/strata/pkg/connectors"
	"github.com/sandboxws/strata/pkg/operators"
	"github.com/sandboxws/strata/pkg/record"
	"github.com/sandboxws/strata/pkg/stateful"
	"github.com/sandboxws/strata/pkg/storage"
)

// EnvPrefix prefixes environment overrides: STRATA_SCHEDULER_MAX_RETRIES
// overrides scheduler.max_retries.
const EnvPrefix = "STRATA"

// Config is the complete configuration of one pipeline run.
type Config struct {
	Pipeline   PipelineConfig    `mapstructure:"pipeline"`
	Source     SourceConfig      `mapstructure:"source"`
	Transforms []TransformConfig `mapstructure:"transforms"`
	Aggregate  *AggregateConfig  `mapstructure:"aggregate"`
	Table      TableConfig       `mapstructure:"table"`
	Scheduler  SchedulerConfig   `mapstructure:"scheduler"`
	Sinks      []SinkConfig      `mapstructure:"sinks"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
}

type PipelineConfig struct {
	Name        string   `mapstructure:"name"`
	Partitions  int      `mapstructure:"partitions"`
	Partitioner string   `mapstructure:"partitioner"`
	RangeBounds []string `mapstructure:"range_bounds"`
}

// FieldConfig declares one schema column.
type FieldConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Nullable bool   `mapstructure:"nullable"`
}

// SourceConfig selects a generator, a Kafka topic or a union of sources.
type SourceConfig struct {
	Type      string                 `mapstructure:"type"`
	Schema    []FieldConfig          `mapstructure:"schema"`
	Generator GeneratorConfig        `mapstructure:"generator"`
	Kafka     connectors.KafkaConfig `mapstructure:"kafka"`
	Union     []SourceConfig         `mapstructure:"union"`
}

type GeneratorConfig struct {
	RowsPerPoll int   `mapstructure:"rows_per_poll"`
	MaxRows     int64 `mapstructure:"max_rows"`
	Keys        int64 `mapstructure:"keys"`
}

// TransformConfig is one stateless stage. Type selects the operator and
// the fields it reads:
//
//	filter:  column, op, value
//	set:     column, value
//	key_by:  column
//	flatmap: column
//	rename:  renames
//	drop:    columns
//	cast:    cast
//	sql:     sql, schema, key_column, time_column
//
// The schema of a sql stage describes its input and defaults to the source
// schema.
type TransformConfig struct {
	Type       string         `mapstructure:"type"`
	Name       string         `mapstructure:"name"`
	Column     string         `mapstructure:"column"`
	Op         string         `mapstructure:"op"`
	Value      any            `mapstructure:"value"`
	Columns    []string       `mapstructure:"columns"`
	Renames    []RenameConfig `mapstructure:"renames"`
	Cast       []FieldConfig  `mapstructure:"cast"`
	SQL        string         `mapstructure:"sql"`
	Schema     []FieldConfig  `mapstructure:"schema"`
	KeyColumn  string         `mapstructure:"key_column"`
	TimeColumn string         `mapstructure:"time_column"`
}

type RenameConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

type AggregateConfig struct {
	Function   string        `mapstructure:"function"`
	Field      string        `mapstructure:"field"`
	GroupBy    string        `mapstructure:"group_by"`
	GroupByKey bool          `mapstructure:"group_by_key"`
	Window     time.Duration `mapstructure:"window"`
	ValueType  string        `mapstructure:"value_type"`
	OutputName string        `mapstructure:"output_name"`
	OutputMode string        `mapstructure:"output_mode"`
}

type TableConfig struct {
	Name                 string              `mapstructure:"name"`
	Path                 string              `mapstructure:"path"`
	ObjectStore          string              `mapstructure:"object_store"`
	Log                  string              `mapstructure:"log"`
	Minio                storage.MinioConfig `mapstructure:"minio"`
	Schema               []FieldConfig       `mapstructure:"schema"`
	AllowSchemaEvolution bool                `mapstructure:"allow_schema_evolution"`
	Compression          string              `mapstructure:"compression"`
	CacheSize            int                 `mapstructure:"cache_size"`
}

type SchedulerConfig struct {
	TriggerInterval    time.Duration `mapstructure:"trigger_interval"`
	MaxRecordsPerBatch int           `mapstructure:"max_records_per_batch"`
	MaxRetries         int           `mapstructure:"max_retries"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	Workers            int           `mapstructure:"workers"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type SinkConfig struct {
	Type    string                 `mapstructure:"type"`
	MaxRows int                    `mapstructure:"max_rows"`
	Kafka   connectors.KafkaConfig `mapstructure:"kafka"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.name", "strata")
	v.SetDefault("pipeline.partitions", 4)
	v.SetDefault("pipeline.partitioner", "hash")

	v.SetDefault("source.type", "generator")
	v.SetDefault("source.generator.rows_per_poll", 100)
	v.SetDefault("source.generator.max_rows", 0)
	v.SetDefault("source.generator.keys", 10)
	v.SetDefault("source.kafka.startup_mode", "latest")
	v.SetDefault("source.kafka.poll_timeout", 100*time.Millisecond)

	v.SetDefault("table.name", "output")
	v.SetDefault("table.path", "./strata-data")
	v.SetDefault("table.object_store", "local")
	v.SetDefault("table.log", "file")
	v.SetDefault("table.compression", "snappy")
	v.SetDefault("table.cache_size", 128)
	v.SetDefault("table.allow_schema_evolution", false)

	v.SetDefault("scheduler.trigger_interval", time.Second)
	v.SetDefault("scheduler.max_records_per_batch", 10000)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.initial_backoff", 100*time.Millisecond)
	v.SetDefault("scheduler.max_backoff", 10*time.Second)
	v.SetDefault("scheduler.batch_timeout", 0)
	v.SetDefault("scheduler.workers", 0)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)

	v.SetDefault("metrics.addr", "")
}

// Load reads the config file at path, applies defaults and environment
// overrides, and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Pipeline.Name == "" {
		add("pipeline.name is required")
	}
	if c.Pipeline.Partitions <= 0 {
		add("pipeline.partitions must be positive, got %d", c.Pipeline.Partitions)
	}
	switch c.Pipeline.Partitioner {
	case "hash":
	case "range":
		if len(c.Pipeline.RangeBounds)+1 != c.Pipeline.Partitions {
			add("pipeline.range_bounds: %d bounds need %d partitions, got %d",
				len(c.Pipeline.RangeBounds), len(c.Pipeline.RangeBounds)+1, c.Pipeline.Partitions)
		}
	default:
		add("pipeline.partitioner: unknown partitioner %q", c.Pipeline.Partitioner)
	}

	errs = append(errs, c.Source.validate("source")...)

	for i, t := range c.Transforms {
		if err := t.validate(); err != nil {
			add("transforms[%d]: %w", i, err)
		}
	}

	if a := c.Aggregate; a != nil {
		if _, err := operators.ParseAggFunc(a.Function); err != nil {
			add("aggregate.function: %w", err)
		}
		if a.ValueType != "" {
			if _, err := record.ParseType(a.ValueType); err != nil {
				add("aggregate.value_type: %w", err)
			}
		}
		if a.Window < 0 {
			add("aggregate.window must not be negative")
		}
		if a.GroupBy != "" && a.GroupByKey {
			add("aggregate: group_by and group_by_key are exclusive")
		}
		mode := a.OutputMode
		if mode == "" {
			mode = string(stateful.Update)
		}
		if m, err := stateful.ParseOutputMode(mode); err != nil {
			add("aggregate.output_mode: %w", err)
		} else if m == stateful.Append && a.Window == 0 {
			add("aggregate.output_mode append requires a window")
		}
	} else {
		if len(c.Table.Schema) == 0 {
			add("table.schema is required without an aggregate")
		}
		if _, err := ParseSchema(c.Table.Schema); err != nil {
			add("table.schema: %w", err)
		}
	}

	if c.Table.Name == "" {
		add("table.name is required")
	}
	switch c.Table.ObjectStore {
	case "memory":
	case "local":
		if c.Table.Path == "" {
			add("table.path is required for the local object store")
		}
	case "minio":
		if c.Table.Minio.Endpoint == "" || c.Table.Minio.Bucket == "" {
			add("table.minio: endpoint and bucket are required")
		}
	default:
		add("table.object_store: unknown store %q", c.Table.ObjectStore)
	}
	switch c.Table.Log {
	case "memory":
	case "file", "sqlite":
		if c.Table.Path == "" {
			add("table.path is required for the %s log", c.Table.Log)
		}
	default:
		add("table.log: unknown log %q", c.Table.Log)
	}

	s := c.Scheduler
	if s.TriggerInterval <= 0 {
		add("scheduler.trigger_interval must be positive")
	}
	if s.MaxRecordsPerBatch <= 0 {
		add("scheduler.max_records_per_batch must be positive")
	}
	if s.MaxRetries < 0 {
		add("scheduler.max_retries must not be negative")
	}
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		add("scheduler: need 0 < initial_backoff <= max_backoff")
	}
	if s.Workers < 0 {
		add("scheduler.workers must not be negative")
	}

	for i, sink := range c.Sinks {
		switch sink.Type {
		case "console":
		case "kafka":
			if len(sink.Kafka.Brokers) == 0 || sink.Kafka.Topic == "" {
				add("sinks[%d]: kafka needs brokers and topic", i)
			}
		default:
			add("sinks[%d]: unknown sink type %q", i, sink.Type)
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format: unknown format %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

func (s *SourceConfig) validate(path string) []error {
	var errs []error
	switch s.Type {
	case "generator":
		if len(s.Schema) == 0 {
			errs = append(errs, fmt.Errorf("%s.schema is required for the generator", path))
		}
	case "kafka":
		if len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
			errs = append(errs, fmt.Errorf("%s.kafka: brokers and topic are required", path))
		}
		if len(s.Schema) == 0 {
			errs = append(errs, fmt.Errorf("%s.schema is required for kafka", path))
		}
	case "union":
		if len(s.Union) == 0 {
			errs = append(errs, fmt.Errorf("%s.union: at least one source is required", path))
		}
		for i := range s.Union {
			errs = append(errs, s.Union[i].validate(fmt.Sprintf("%s.union[%d]", path, i))...)
		}
	default:
		errs = append(errs, fmt.Errorf("%s.type: unknown source %q", path, s.Type))
	}
	if _, err := ParseSchema(s.Schema); err != nil {
		errs = append(errs, fmt.Errorf("%s.schema: %w", path, err))
	}
	return errs
}

func (t *TransformConfig) validate() error {
	switch t.Type {
	case "filter":
		if t.Column == "" || t.Op == "" {
			return fmt.Errorf("filter needs column and op")
		}
	case "set", "key_by", "flatmap":
		if t.Column == "" {
			return fmt.Errorf("%s needs a column", t.Type)
		}
	case "rename":
		if len(t.Renames) == 0 {
			return fmt.Errorf("rename needs renames")
		}
	case "drop":
		if len(t.Columns) == 0 {
			return fmt.Errorf("drop needs columns")
		}
	case "cast":
		if len(t.Cast) == 0 {
			return fmt.Errorf("cast needs columns")
		}
		if _, err := ParseSchema(t.Cast); err != nil {
			return err
		}
	case "sql":
		if t.SQL == "" {
			return fmt.Errorf("sql needs a query")
		}
		if _, err := ParseSchema(t.Schema); err != nil {
			return fmt.Errorf("sql schema: %w", err)
		}
	default:
		return fmt.Errorf("unknown transform type %q", t.Type)
	}
	return nil
}

// ParseSchema converts field declarations to a schema.
func ParseSchema(fields []FieldConfig) (record.Schema, error) {
	var s record.Schema
	for _, f := range fields {
		t, err := record.ParseType(f.Type)
		if err != nil {
			return record.Schema{}, fmt.Errorf("field %q: %w", f.Name, err)
		}
		s.Fields = append(s.Fields, record.Field{Name: f.Name, Type: t, Nullable: f.Nullable})
	}
	if s.Len() == 0 {
		return s, nil
	}
	if err := s.Validate(); err != nil {
		return record.Schema{}, err
	}
	return s, nil
}
