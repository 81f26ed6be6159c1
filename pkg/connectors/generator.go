package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxws/strata/pkg/record"
)

// Generator produces synthetic keyed records. Each poll emits up to
// RowsPerPoll rows until MaxRows (if set) have been produced.
type Generator struct {
	schema      record.Schema
	rowsPerPoll int
	maxRows     int64
	keys        int64
	clock       func() time.Time

	seq int64
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Schema      record.Schema
	RowsPerPoll int
	MaxRows     int64
	// Keys is the number of distinct record keys, cycled in order.
	Keys  int64
	Clock func() time.Time
}

// NewGenerator creates a Generator source.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}
	if cfg.RowsPerPoll <= 0 {
		cfg.RowsPerPoll = 100
	}
	if cfg.Keys <= 0 {
		cfg.Keys = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Generator{
		schema:      cfg.Schema,
		rowsPerPoll: cfg.RowsPerPoll,
		maxRows:     cfg.MaxRows,
		keys:        cfg.Keys,
		clock:       cfg.Clock,
	}, nil
}

func (g *Generator) Poll(ctx context.Context, max int) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := g.rowsPerPoll
	if max > 0 && n > max {
		n = max
	}
	if g.maxRows > 0 {
		left := g.maxRows - g.seq
		if left <= 0 {
			return nil, nil
		}
		if int64(n) > left {
			n = int(left)
		}
	}

	now := g.clock().UTC()
	out := make([]record.Record, n)
	for i := range out {
		out[i] = g.row(g.seq, now)
		g.seq++
	}
	return out, nil
}

func (g *Generator) row(seq int64, now time.Time) record.Record {
	vals := make(record.Values, g.schema.Len())
	for _, f := range g.schema.Fields {
		switch f.Type {
		case record.Int64:
			vals[f.Name] = seq
		case record.Int32:
			vals[f.Name] = int32(seq)
		case record.Float64:
			vals[f.Name] = float64(seq) * 1.1
		case record.Float32:
			vals[f.Name] = float32(seq) * 1.1
		case record.String:
			vals[f.Name] = fmt.Sprintf("%s_%d", f.Name, seq)
		case record.Bool:
			vals[f.Name] = seq%2 == 0
		case record.Timestamp:
			vals[f.Name] = now
		}
	}
	return record.Record{
		Key:       fmt.Sprintf("key-%d", seq%g.keys),
		EventTime: now,
		Values:    vals,
	}
}

// Emitted returns the number of rows produced so far.
func (g *Generator) Emitted() int64 { return g.seq }

func (g *Generator) Close() error { return nil }
