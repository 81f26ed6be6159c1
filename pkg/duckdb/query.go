//go:build duckdb

package duckdb

import (
	"fmt"
	"time"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// Query is a batch transform that runs a SQL statement over one partition.
// The partition is visible to the statement as the view "input".
type Query struct {
	config
	name  string
	sql   string
	input record.Schema
}

// NewQuery creates a SQL transform over records conforming to input.
func NewQuery(name, sql string, input record.Schema, opts ...Option) (*Query, error) {
	if sql == "" {
		return nil, fmt.Errorf("duckdb query %s: empty sql", name)
	}
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("duckdb query %s: %w", name, err)
	}
	return &Query{config: newConfig(opts), name: name, sql: sql, input: input}, nil
}

func (q *Query) Name() string { return q.name }

// ApplyBatch implements operator.BatchTransform.
func (q *Query) ApplyBatch(ctx *operator.Context, recs []record.Record) ([]record.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	rows := make([]record.Values, len(recs))
	for i, r := range recs {
		rows[i] = r.Values
	}
	in, err := record.ToArrow(ctx.Alloc, q.input, rows)
	if err != nil {
		return nil, fmt.Errorf("convert input: %w", err)
	}
	defer in.Release()

	inst, err := NewInstance(ctx.Ctx, ctx.Alloc, q.memoryLimit)
	if err != nil {
		return nil, err
	}
	defer inst.Close()

	if err := inst.RegisterView(in, "input"); err != nil {
		return nil, err
	}
	res, err := inst.Query(ctx.Ctx, q.sql)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	values, err := record.FromArrow(res)
	if err != nil {
		return nil, fmt.Errorf("convert result: %w", err)
	}

	out := make([]record.Record, len(values))
	for i, v := range values {
		out[i] = q.toRecord(v)
	}
	ctx.Logger.Debug("duckdb query done", "operator", q.name, "rows_in", len(recs), "rows_out", len(out))
	return out, nil
}

func (q *Query) toRecord(v record.Values) record.Record {
	r := record.Record{Values: v}
	if q.keyColumn != "" {
		if k, ok := v[q.keyColumn]; ok && k != nil {
			r.Key = fmt.Sprint(k)
		}
	}
	if q.timeColumn != "" {
		if ts, err := record.Coerce(v[q.timeColumn], record.Timestamp); err == nil && ts != nil {
			r.EventTime = ts.(time.Time)
		}
	}
	return r
}
