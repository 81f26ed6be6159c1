package operators

import (
	"fmt"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// FlatMap unnests a list column, producing one record per element. All other
// columns are repeated. Records whose column is null or empty produce
// nothing.
type FlatMap struct {
	name   string
	column string
}

// NewFlatMap creates a FlatMap operator for the given list column.
func NewFlatMap(name, column string) *FlatMap {
	return &FlatMap{name: name, column: column}
}

func (f *FlatMap) Name() string { return f.name }

func (f *FlatMap) Apply(_ *operator.Context, rec record.Record) ([]record.Record, error) {
	v, ok := rec.Values[f.column]
	if !ok || v == nil {
		return nil, nil
	}

	var elems []any
	switch list := v.(type) {
	case []any:
		elems = list
	case []string:
		for _, s := range list {
			elems = append(elems, s)
		}
	case []int64:
		for _, n := range list {
			elems = append(elems, n)
		}
	case []float64:
		for _, n := range list {
			elems = append(elems, n)
		}
	default:
		return nil, fmt.Errorf("column %q is %T, not a list", f.column, v)
	}

	out := make([]record.Record, 0, len(elems))
	for _, e := range elems {
		r := rec.Clone()
		r.Values[f.column] = e
		out = append(out, r)
	}
	return out, nil
}
