// Package operators implements the built-in stream operators: stateless
// record transforms and the keyed aggregate.
package operators

import (
	"fmt"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// Predicate decides whether a record is kept.
type Predicate func(rec record.Record) (bool, error)

// Filter keeps only records matching a predicate.
type Filter struct {
	name string
	pred Predicate
}

// NewFilter creates a Filter operator.
func NewFilter(name string, pred Predicate) *Filter {
	return &Filter{name: name, pred: pred}
}

func (f *Filter) Name() string { return f.name }

func (f *Filter) Apply(_ *operator.Context, rec record.Record) ([]record.Record, error) {
	ok, err := f.pred(rec)
	if err != nil || !ok {
		return nil, err
	}
	return []record.Record{rec}, nil
}

// Compare builds a predicate comparing a column against a constant. op is
// one of = != < <= > >=. Records with a null column never match.
func Compare(column, op string, value any) (Predicate, error) {
	var match func(c int) bool
	switch op {
	case "=", "==":
		match = func(c int) bool { return c == 0 }
	case "!=", "<>":
		match = func(c int) bool { return c != 0 }
	case "<":
		match = func(c int) bool { return c < 0 }
	case "<=":
		match = func(c int) bool { return c <= 0 }
	case ">":
		match = func(c int) bool { return c > 0 }
	case ">=":
		match = func(c int) bool { return c >= 0 }
	default:
		return nil, fmt.Errorf("unsupported comparison %q", op)
	}
	return func(rec record.Record) (bool, error) {
		v, ok := rec.Values[column]
		if !ok || v == nil {
			return false, nil
		}
		return match(record.Compare(v, value)), nil
	}, nil
}
