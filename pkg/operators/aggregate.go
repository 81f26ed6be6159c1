package operators

import (
	"fmt"
	"time"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// AggFunc is a built-in aggregate function.
type AggFunc string

const (
	Sum   AggFunc = "sum"
	Count AggFunc = "count"
	Min   AggFunc = "min"
	Max   AggFunc = "max"
	Avg   AggFunc = "avg"
)

// ParseAggFunc parses an aggregate function name.
func ParseAggFunc(s string) (AggFunc, error) {
	switch f := AggFunc(s); f {
	case Sum, Count, Min, Max, Avg:
		return f, nil
	}
	return "", fmt.Errorf("unknown aggregate function %q", s)
}

// Output column names added for windowed and grouped aggregates.
const (
	WindowStartColumn = "window_start"
	WindowEndColumn   = "window_end"
)

// Aggregate is a keyed aggregate over one input column. Without a group-by
// it keeps a single global accumulator; with a window size it keeps one
// accumulator per key and tumbling window.
type Aggregate struct {
	name      string
	fn        AggFunc
	field     string
	valueType record.Type
	output    string

	groupBy    string
	groupByKey bool
	window     time.Duration
}

var _ operator.Aggregator = (*Aggregate)(nil)

// AggregateOption configures an Aggregate.
type AggregateOption func(*Aggregate)

// WithGroupByKey groups by the record key. The output carries it in a "key"
// column.
func WithGroupByKey() AggregateOption {
	return func(a *Aggregate) { a.groupByKey = true; a.groupBy = "key" }
}

// WithGroupBy groups by the string form of a column, which is also the name
// of the output group column.
func WithGroupBy(column string) AggregateOption {
	return func(a *Aggregate) { a.groupByKey = false; a.groupBy = column }
}

// WithWindow aggregates over tumbling windows of the given size.
func WithWindow(size time.Duration) AggregateOption {
	return func(a *Aggregate) { a.window = size }
}

// WithValueType sets the numeric type of the input column for sum, min and
// max. The default is int64.
func WithValueType(t record.Type) AggregateOption {
	return func(a *Aggregate) { a.valueType = t }
}

// WithOutputName overrides the result column name, which defaults to the
// function name.
func WithOutputName(name string) AggregateOption {
	return func(a *Aggregate) { a.output = name }
}

// NewAggregate creates an aggregate of fn over field. field may be empty for
// count, which then counts records.
func NewAggregate(fn AggFunc, field string, opts ...AggregateOption) (*Aggregate, error) {
	a := &Aggregate{fn: fn, field: field, valueType: record.Int64, output: string(fn)}
	for _, opt := range opts {
		opt(a)
	}
	if _, err := ParseAggFunc(string(fn)); err != nil {
		return nil, err
	}
	if field == "" && fn != Count {
		return nil, fmt.Errorf("%s needs an input column", fn)
	}
	switch a.valueType {
	case record.Int32, record.Int64, record.Float32, record.Float64:
	default:
		return nil, fmt.Errorf("%s over non-numeric type %s", fn, a.valueType)
	}
	if a.window < 0 {
		return nil, fmt.Errorf("negative window size %s", a.window)
	}
	a.name = string(fn)
	if field != "" {
		a.name += "(" + field + ")"
	}
	return a, nil
}

func (a *Aggregate) Name() string { return a.name }

func (a *Aggregate) WindowSize() time.Duration { return a.window }

// Key implements operator.Aggregator.
func (a *Aggregate) Key(rec record.Record) string {
	switch {
	case a.groupByKey:
		return rec.Key
	case a.groupBy != "":
		v := rec.Values[a.groupBy]
		if v == nil {
			return ""
		}
		s, _ := record.Coerce(v, record.String)
		return s.(string)
	}
	return ""
}

// accType is the stored type of sum, min and max accumulators. Narrow input
// types are accumulated at full width.
func (a *Aggregate) accType() record.Type {
	if a.fn == Avg || a.valueType == record.Float32 || a.valueType == record.Float64 {
		return record.Float64
	}
	return record.Int64
}

func (a *Aggregate) StateSchema() record.Schema {
	switch a.fn {
	case Count:
		return record.NewSchema(record.Field{Name: "count", Type: record.Int64})
	case Avg:
		return record.NewSchema(
			record.Field{Name: "avg_sum", Type: record.Float64},
			record.Field{Name: "avg_count", Type: record.Int64},
		)
	case Sum:
		return record.NewSchema(record.Field{Name: "sum", Type: a.accType()})
	default:
		return record.NewSchema(record.Field{Name: string(a.fn), Type: a.accType(), Nullable: true})
	}
}

func (a *Aggregate) OutputSchema() record.Schema {
	var fields []record.Field
	if a.groupBy != "" {
		fields = append(fields, record.Field{Name: a.groupBy, Type: record.String})
	}
	if a.window > 0 {
		fields = append(fields,
			record.Field{Name: WindowStartColumn, Type: record.Timestamp},
			record.Field{Name: WindowEndColumn, Type: record.Timestamp},
		)
	}
	switch a.fn {
	case Count:
		fields = append(fields, record.Field{Name: a.output, Type: record.Int64})
	case Avg:
		fields = append(fields, record.Field{Name: a.output, Type: record.Float64, Nullable: true})
	case Sum:
		fields = append(fields, record.Field{Name: a.output, Type: a.accType()})
	default:
		fields = append(fields, record.Field{Name: a.output, Type: a.accType(), Nullable: true})
	}
	return record.NewSchema(fields...)
}

func (a *Aggregate) Init() record.Values {
	switch a.fn {
	case Count:
		return record.Values{"count": int64(0)}
	case Avg:
		return record.Values{"avg_sum": float64(0), "avg_count": int64(0)}
	case Sum:
		if a.accType() == record.Float64 {
			return record.Values{"sum": float64(0)}
		}
		return record.Values{"sum": int64(0)}
	default:
		return record.Values{string(a.fn): nil}
	}
}

// Update implements operator.Aggregator. Null inputs leave the accumulator
// unchanged; a value that cannot be read as the input type is an error.
func (a *Aggregate) Update(_ *operator.Context, acc record.Values, rec record.Record) (record.Values, error) {
	if a.fn == Count && a.field == "" {
		return record.Values{"count": acc["count"].(int64) + 1}, nil
	}
	raw, ok := rec.Values[a.field]
	if !ok || raw == nil {
		return acc, nil
	}
	if a.fn == Count {
		return record.Values{"count": acc["count"].(int64) + 1}, nil
	}

	v, err := record.Coerce(raw, a.accType())
	if err != nil {
		return nil, fmt.Errorf("%s: column %s: %w", a.name, a.field, err)
	}

	switch a.fn {
	case Avg:
		f, _ := record.Coerce(v, record.Float64)
		return record.Values{
			"avg_sum":   acc["avg_sum"].(float64) + f.(float64),
			"avg_count": acc["avg_count"].(int64) + 1,
		}, nil
	case Sum:
		if n, ok := v.(int64); ok {
			return record.Values{"sum": acc["sum"].(int64) + n}, nil
		}
		return record.Values{"sum": acc["sum"].(float64) + v.(float64)}, nil
	default:
		cur := acc[string(a.fn)]
		if cur == nil {
			return record.Values{string(a.fn): v}, nil
		}
		c := record.Compare(v, cur)
		if (a.fn == Min && c < 0) || (a.fn == Max && c > 0) {
			return record.Values{string(a.fn): v}, nil
		}
		return acc, nil
	}
}

func (a *Aggregate) Result(key string, w operator.Window, acc record.Values) record.Values {
	out := record.Values{}
	if a.groupBy != "" {
		out[a.groupBy] = key
	}
	if a.window > 0 {
		out[WindowStartColumn] = w.Start
		out[WindowEndColumn] = w.End
	}
	switch a.fn {
	case Avg:
		n := acc["avg_count"].(int64)
		if n == 0 {
			out[a.output] = nil
		} else {
			out[a.output] = acc["avg_sum"].(float64) / float64(n)
		}
	case Count:
		out[a.output] = acc["count"]
	case Sum:
		out[a.output] = acc["sum"]
	default:
		out[a.output] = acc[string(a.fn)]
	}
	return out
}
