package operators

import (
	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// Drop removes columns from every record.
type Drop struct {
	columns map[string]struct{}
}

// NewDrop creates a Drop operator.
func NewDrop(columns []string) *Drop {
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[c] = struct{}{}
	}
	return &Drop{columns: set}
}

func (d *Drop) Name() string { return "drop" }

func (d *Drop) Apply(_ *operator.Context, rec record.Record) ([]record.Record, error) {
	vals := make(record.Values, len(rec.Values))
	for k, v := range rec.Values {
		if _, drop := d.columns[k]; !drop {
			vals[k] = v
		}
	}
	rec.Values = vals
	return []record.Record{rec}, nil
}
