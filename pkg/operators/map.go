package operators

import (
	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// MapFunc rewrites a record. It receives a clone and may modify it.
type MapFunc func(rec record.Record) (record.Record, error)

// Map applies a function to every record.
type Map struct {
	name string
	fn   MapFunc
}

// NewMap creates a Map operator.
func NewMap(name string, fn MapFunc) *Map {
	return &Map{name: name, fn: fn}
}

func (m *Map) Name() string { return m.name }

func (m *Map) Apply(_ *operator.Context, rec record.Record) ([]record.Record, error) {
	out, err := m.fn(rec.Clone())
	if err != nil {
		return nil, err
	}
	return []record.Record{out}, nil
}

// SetConst returns a MapFunc that sets column to a constant on every record.
func SetConst(column string, value any) MapFunc {
	return func(rec record.Record) (record.Record, error) {
		if rec.Values == nil {
			rec.Values = record.Values{}
		}
		rec.Values[column] = value
		return rec, nil
	}
}

// KeyBy returns a MapFunc that replaces the record key with the string form
// of a column. Records missing the column keep their key.
func KeyBy(column string) MapFunc {
	return func(rec record.Record) (record.Record, error) {
		if v, ok := rec.Values[column]; ok && v != nil {
			s, err := record.Coerce(v, record.String)
			if err != nil {
				return rec, err
			}
			rec.Key = s.(string)
		}
		return rec, nil
	}
}
