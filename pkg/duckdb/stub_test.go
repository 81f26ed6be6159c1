//go:build !duckdb

package duckdb

import (
	"context"
	"errors"
	"testing"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

func TestStubNewQuery(t *testing.T) {
	schema := record.NewSchema(record.Field{Name: "x", Type: record.Int64})
	_, err := NewQuery("sql", "SELECT * FROM input", schema, WithKeyColumn("x"))
	if !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}

func TestStubApplyBatch(t *testing.T) {
	q := &Query{name: "sql"}
	ctx := operator.NewContext(context.Background(), nil, 1, 0)
	if _, err := q.ApplyBatch(ctx, nil); !errors.Is(err, ErrDuckDBNotAvailable) {
		t.Errorf("expected ErrDuckDBNotAvailable, got: %v", err)
	}
}
