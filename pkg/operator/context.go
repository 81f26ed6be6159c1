package operator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Metrics tracks basic per-invocation counters.
type Metrics struct {
	RecordsIn  atomic.Int64
	RecordsOut atomic.Int64
	Dropped    atomic.Int64
	Errors     atomic.Int64
}

// Context provides the execution environment for one partition of one batch.
type Context struct {
	// Go context for cancellation and shutdown.
	Ctx context.Context

	// Logger scoped to this batch and partition.
	Logger *slog.Logger

	// Metrics for this invocation.
	Metrics *Metrics

	// Alloc is the Arrow memory allocator for operators that build columnar
	// data.
	Alloc memory.Allocator

	// BatchID is the id of the batch being processed.
	BatchID int64

	// Partition is the index of the partition being processed (0-based).
	Partition int

	// Parallelism is the total number of partitions in the batch.
	Parallelism int

	// ArrivalTime is the end of the batch's arrival window.
	ArrivalTime time.Time
}

// NewContext creates a new operator context with defaults.
func NewContext(ctx context.Context, alloc memory.Allocator, batchID int64, partition int) *Context {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Context{
		Ctx:         ctx,
		Logger:      slog.Default().With("batch_id", batchID, "partition", partition),
		Metrics:     &Metrics{},
		Alloc:       alloc,
		BatchID:     batchID,
		Partition:   partition,
		Parallelism: 1,
	}
}

// Done returns the context's Done channel for shutdown signaling.
func (c *Context) Done() <-chan struct{} {
	return c.Ctx.Done()
}

// Err reports whether the invocation was cancelled. Operators call it
// between records, never in the middle of one.
func (c *Context) Err() error {
	return c.Ctx.Err()
}
