package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sandboxws/strata/pkg/partition"
)

// ErrBatchProcessingFailed marks a batch that failed after all retries or
// with a non-retryable error.
var ErrBatchProcessingFailed = errors.New("batch processing failed")

// ArrivalWindow is the wall-clock interval in which a batch's records were
// collected.
type ArrivalWindow struct {
	Start time.Time
	End   time.Time
}

// Batch is one unit of work: the records collected in one tick, split into
// partitions. A batch is immutable once built; a retry replays the same
// partitions under the same id.
type Batch struct {
	ID            int64
	ArrivalWindow ArrivalWindow
	Partitions    []partition.Partition
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int { return partition.Count(b.Partitions) }

// BatchProcessingFailed is the fatal error reported when the scheduler stops
// on a batch. It matches ErrBatchProcessingFailed and the cause with
// errors.Is.
type BatchProcessingFailed struct {
	BatchID  int64
	Attempts int
	Cause    error
}

func (e *BatchProcessingFailed) Error() string {
	return fmt.Sprintf("batch %d failed after %d attempt(s): %v", e.BatchID, e.Attempts, e.Cause)
}

// Unwrap returns both the cause and ErrBatchProcessingFailed.
func (e *BatchProcessingFailed) Unwrap() []error {
	return []error{e.Cause, ErrBatchProcessingFailed}
}
