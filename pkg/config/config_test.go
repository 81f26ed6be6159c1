package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sandboxws/strata/pkg/record"
)

const sampleYAML = `
pipeline:
  name: clicks
  partitions: 3
source:
  type: generator
  schema:
    - {name: user, type: string}
    - {name: amount, type: int64}
  generator:
    rows_per_poll: 50
transforms:
  - {type: filter, column: amount, op: ">", value: 10}
  - {type: key_by, column: user}
aggregate:
  function: sum
  field: amount
  group_by_key: true
  window: 1m
  output_mode: append
table:
  name: totals
  path: /tmp/strata
  log: sqlite
scheduler:
  trigger_interval: 250ms
sinks:
  - {type: console, max_rows: 5}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Pipeline.Name != "clicks" || cfg.Pipeline.Partitions != 3 || cfg.Pipeline.Partitioner != "hash" {
		t.Errorf("unexpected pipeline config %+v", cfg.Pipeline)
	}
	if cfg.Source.Generator.RowsPerPoll != 50 || cfg.Source.Generator.Keys != 10 {
		t.Errorf("unexpected generator config %+v", cfg.Source.Generator)
	}
	if len(cfg.Transforms) != 2 || cfg.Transforms[0].Op != ">" || cfg.Transforms[1].Type != "key_by" {
		t.Errorf("unexpected transforms %+v", cfg.Transforms)
	}
	if cfg.Aggregate == nil || cfg.Aggregate.Window != time.Minute || !cfg.Aggregate.GroupByKey {
		t.Errorf("unexpected aggregate %+v", cfg.Aggregate)
	}
	if cfg.Table.Log != "sqlite" || cfg.Table.ObjectStore != "local" {
		t.Errorf("unexpected table config %+v", cfg.Table)
	}
	if cfg.Scheduler.TriggerInterval != 250*time.Millisecond || cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("unexpected scheduler config %+v", cfg.Scheduler)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].MaxRows != 5 {
		t.Errorf("unexpected sinks %+v", cfg.Sinks)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STRATA_SCHEDULER_MAX_RETRIES", "7")
	t.Setenv("STRATA_TABLE_NAME", "from-env")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.MaxRetries != 7 {
		t.Errorf("max_retries = %d, want 7", cfg.Scheduler.MaxRetries)
	}
	if cfg.Table.Name != "from-env" {
		t.Errorf("table name = %q, want from-env", cfg.Table.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Pipeline: PipelineConfig{Name: "p", Partitions: 2, Partitioner: "hash"},
		Source: SourceConfig{
			Type:   "generator",
			Schema: []FieldConfig{{Name: "n", Type: "int64"}},
		},
		Table: TableConfig{
			Name: "t", Path: "/tmp/t", ObjectStore: "local", Log: "file",
			Schema: []FieldConfig{{Name: "n", Type: "int64"}},
		},
		Scheduler: SchedulerConfig{
			TriggerInterval: time.Second, MaxRecordsPerBatch: 10, MaxRetries: 3,
			InitialBackoff: time.Millisecond, MaxBackoff: time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	base := validConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"NoName", func(c *Config) { c.Pipeline.Name = "" }, "pipeline.name"},
		{"ZeroPartitions", func(c *Config) { c.Pipeline.Partitions = 0 }, "pipeline.partitions"},
		{"RangeBounds", func(c *Config) {
			c.Pipeline.Partitioner = "range"
			c.Pipeline.RangeBounds = []string{"a", "m"}
		}, "range_bounds"},
		{"UnknownSource", func(c *Config) { c.Source.Type = "carrier-pigeon" }, "unknown source"},
		{"KafkaWithoutTopic", func(c *Config) { c.Source.Type = "kafka" }, "brokers and topic"},
		{"BadFieldType", func(c *Config) { c.Source.Schema[0].Type = "decimal" }, "source.schema"},
		{"UnknownTransform", func(c *Config) {
			c.Transforms = []TransformConfig{{Type: "teleport"}}
		}, "transforms[0]"},
		{"AppendWithoutWindow", func(c *Config) {
			c.Aggregate = &AggregateConfig{Function: "sum", Field: "n", OutputMode: "append"}
		}, "requires a window"},
		{"UnknownAggregate", func(c *Config) {
			c.Aggregate = &AggregateConfig{Function: "median", Field: "n"}
		}, "aggregate.function"},
		{"StatelessWithoutSchema", func(c *Config) { c.Table.Schema = nil }, "table.schema"},
		{"MinioWithoutBucket", func(c *Config) { c.Table.ObjectStore = "minio" }, "table.minio"},
		{"UnknownLog", func(c *Config) { c.Table.Log = "papyrus" }, "table.log"},
		{"BackoffOrder", func(c *Config) { c.Scheduler.MaxBackoff = 0 }, "initial_backoff"},
		{"UnknownSink", func(c *Config) { c.Sinks = []SinkConfig{{Type: "fax"}} }, "sinks[0]"},
		{"LogFormat", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema([]FieldConfig{
		{Name: "id", Type: "int64"},
		{Name: "note", Type: "string", Nullable: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := record.NewSchema(
		record.Field{Name: "id", Type: record.Int64},
		record.Field{Name: "note", Type: record.String, Nullable: true},
	)
	if !s.Equal(want) {
		t.Errorf("got %s, want %s", s, want)
	}
	if _, err := ParseSchema([]FieldConfig{{Name: "a", Type: "int64"}, {Name: "a", Type: "int64"}}); err == nil {
		t.Error("expected duplicate field error")
	}
}
