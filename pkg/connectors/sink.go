package connectors

import (
	"context"

	"github.com/sandboxws/strata/pkg/record"
)

// Committed describes a committed table version as seen by sinks: the rows
// that the version added.
type Committed struct {
	Table   string
	Version int64
	BatchID int64
	Schema  record.Schema
	Rows    []record.Values
}

// Sink receives committed output. Sinks run after the table commit, so a
// sink failure never undoes a version.
type Sink interface {
	Name() string
	WriteCommitted(ctx context.Context, c Committed) error
	Close() error
}
