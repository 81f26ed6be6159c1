//go:build !duckdb

package duckdb

import (
	"errors"
	"fmt"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// ErrDuckDBNotAvailable is returned when the binary was built without the
// duckdb build tag.
var ErrDuckDBNotAvailable = errors.New("SQL transforms require building with -tags duckdb")

// Query is a stub for the SQL batch transform.
type Query struct {
	config
	name string
}

// NewQuery returns ErrDuckDBNotAvailable.
func NewQuery(name, _ string, _ record.Schema, _ ...Option) (*Query, error) {
	return nil, fmt.Errorf("duckdb query %s: %w", name, ErrDuckDBNotAvailable)
}

func (q *Query) Name() string { return q.name }

// ApplyBatch always fails.
func (q *Query) ApplyBatch(_ *operator.Context, _ []record.Record) ([]record.Record, error) {
	return nil, ErrDuckDBNotAvailable
}
