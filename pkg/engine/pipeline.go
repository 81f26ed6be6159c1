package engine

import (
	"fmt"
	"reflect"

	"github.com/sandboxws/strata/pkg/backend"
	"github.com/sandboxws/strata/pkg/connectors"
	"github.com/sandboxws/strata/pkg/partition"
	"github.com/sandboxws/strata/pkg/record"
	"github.com/sandboxws/strata/pkg/stateful"
	"github.com/sandboxws/strata/pkg/table"
)

// Pipeline is a linear streaming job: records from Source pass through the
// stateless Stages, then through Aggregate if set, and every batch's output
// is committed to Table as one version.
type Pipeline struct {
	Name   string
	Source connectors.Source
	Stages []backend.Stage

	// Aggregate is the stateful operator. Nil for stateless pipelines.
	Aggregate *stateful.Runtime

	Table *table.Table

	// Schema is the output schema of a stateless pipeline. Stateful
	// pipelines use the aggregate's output schema.
	Schema               record.Schema
	AllowSchemaEvolution bool

	Partitions  int
	Partitioner partition.Partitioner

	// Sinks receive every committed version.
	Sinks []connectors.Sink
}

// OutputSchema returns the schema of the rows committed to the table.
func (p *Pipeline) OutputSchema() record.Schema {
	if p.Aggregate != nil {
		return p.Aggregate.Aggregator().OutputSchema()
	}
	return p.Schema
}

// Validate checks the pipeline for structural integrity.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if p.Source == nil {
		return fmt.Errorf("pipeline %s: source is required", p.Name)
	}
	if p.Table == nil {
		return fmt.Errorf("pipeline %s: table is required", p.Name)
	}
	if p.Partitions <= 0 {
		return fmt.Errorf("pipeline %s: %w: %d", p.Name, partition.ErrInvalidPartitionCount, p.Partitions)
	}

	names := make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		if s == nil {
			return fmt.Errorf("pipeline %s: stage %d is nil", p.Name, i)
		}
		if prev, ok := names[s.Name()]; ok {
			return fmt.Errorf("pipeline %s: duplicate stage name %q (stages %d and %d)", p.Name, s.Name(), prev, i)
		}
		names[s.Name()] = i
	}
	if err := backend.Validate(p.Stages); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.Name, err)
	}

	if p.Aggregate != nil && p.Aggregate.Partitions() != p.Partitions {
		return fmt.Errorf("pipeline %s: aggregate has %d state shards, pipeline has %d partitions",
			p.Name, p.Aggregate.Partitions(), p.Partitions)
	}
	if p.Aggregate != nil && !samePartitioner(p.Aggregate.Partitioner(), p.Partitioner) {
		return fmt.Errorf("pipeline %s: aggregate places state with %T, pipeline routes records with %T",
			p.Name, p.Aggregate.Partitioner(), p.Partitioner)
	}

	schema := p.OutputSchema()
	if schema.Len() == 0 {
		return fmt.Errorf("pipeline %s: output schema is required for stateless pipelines", p.Name)
	}
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("pipeline %s: output schema: %w", p.Name, err)
	}
	return nil
}

// samePartitioner reports whether a and b assign keys identically. A nil
// partitioner means hash partitioning.
func samePartitioner(a, b partition.Partitioner) bool {
	if a == nil {
		a = partition.HashPartitioner{}
	}
	if b == nil {
		b = partition.HashPartitioner{}
	}
	return reflect.DeepEqual(a, b)
}
