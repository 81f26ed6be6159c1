package operators

import (
	"fmt"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// CastColumn specifies a column to cast and its target type.
type CastColumn struct {
	Name       string
	TargetType record.Type
}

// Cast converts the specified columns to new types. Null and missing values
// are left alone.
type Cast struct {
	columns []CastColumn
}

// NewCast creates a Cast operator.
func NewCast(columns []CastColumn) *Cast {
	return &Cast{columns: columns}
}

func (c *Cast) Name() string { return "cast" }

func (c *Cast) Apply(_ *operator.Context, rec record.Record) ([]record.Record, error) {
	rec = rec.Clone()
	for _, col := range c.columns {
		v, ok := rec.Values[col.Name]
		if !ok || v == nil {
			continue
		}
		casted, err := record.Coerce(v, col.TargetType)
		if err != nil {
			return nil, fmt.Errorf("cast %s to %s: %w", col.Name, col.TargetType, err)
		}
		rec.Values[col.Name] = casted
	}
	return []record.Record{rec}, nil
}
