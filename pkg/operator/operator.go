// Package operator defines the interfaces implemented by stream operators:
// stateless record transforms handed to the execution backend and keyed
// aggregators run by the stateful runtime.
package operator

import (
	"errors"
	"fmt"
	"time"

	"github.com/sandboxws/strata/pkg/record"
)

// Transform is a stateless record-at-a-time operator. It may emit zero or
// more records per input.
type Transform interface {
	Name() string
	Apply(ctx *Context, rec record.Record) ([]record.Record, error)
}

// BatchTransform is a stateless operator that needs the whole partition at
// once, such as a SQL query over the partition.
type BatchTransform interface {
	Name() string
	ApplyBatch(ctx *Context, recs []record.Record) ([]record.Record, error)
}

// Aggregator is a keyed, stateful operator. The runtime keeps one
// accumulator per (key, window) and calls Update for every record.
type Aggregator interface {
	Name() string

	// Key returns the grouping key of rec. Records are partitioned by this
	// key so that a key's state always lives in one shard.
	Key(rec record.Record) string

	// WindowSize is the tumbling window length, or 0 for a global
	// (unwindowed) aggregation.
	WindowSize() time.Duration

	// StateSchema describes the accumulator. Restored state that does not
	// match it is rejected.
	StateSchema() record.Schema

	// OutputSchema describes the rows produced by Result.
	OutputSchema() record.Schema

	// Init returns a fresh accumulator.
	Init() record.Values

	// Update folds rec into acc and returns the new accumulator. acc must
	// not be modified in place.
	Update(ctx *Context, acc record.Values, rec record.Record) (record.Values, error)

	// Result renders the output row for a key and window.
	Result(key string, w Window, acc record.Values) record.Values
}

// Window is a half-open time interval [Start, End). The zero Window stands
// for "no window".
type Window struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether w is the zero window.
func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

// Contains reports whether t falls inside w.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	if w.IsZero() {
		return "[global]"
	}
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// TumblingWindow returns the window of the given size that contains t.
// Windows are aligned to the Unix epoch.
func TumblingWindow(t time.Time, size time.Duration) Window {
	ns, d := t.UnixNano(), int64(size)
	start := time.Unix(0, ns-((ns%d)+d)%d).UTC()
	return Window{Start: start, End: start.Add(size)}
}

// ErrOperator marks failures raised by user transformation code.
var ErrOperator = errors.New("operator failed")

// Error is a failure of a user operator on one partition. It matches both
// ErrOperator and the underlying cause with errors.Is.
type Error struct {
	Operator  string
	Partition int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operator %s failed on partition %d: %v", e.Operator, e.Partition, e.Err)
}

// Unwrap returns both the cause and ErrOperator.
func (e *Error) Unwrap() []error {
	return []error{e.Err, ErrOperator}
}

// Wrap converts err into an *Error unless it already is one.
func Wrap(name string, partition int, err error) error {
	if err == nil {
		return nil
	}
	var opErr *Error
	if errors.As(err, &opErr) {
		return err
	}
	return &Error{Operator: name, Partition: partition, Err: err}
}

// Recover turns a panic in user code into an *Error. Use it as
// `defer operator.Recover(name, partition, &err)`.
func Recover(name string, partition int, errp *error) {
	if r := recover(); r != nil {
		*errp = &Error{Operator: name, Partition: partition, Err: fmt.Errorf("panic: %v", r)}
	}
}
