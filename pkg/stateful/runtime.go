// Package stateful runs keyed aggregations across micro-batches. State is
// kept in shards indexed by partition and is only mutated between batches:
// Apply computes output and a delta from the committed state, and Install
// makes the delta visible once the batch has committed.
package stateful

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sandboxws/strata/pkg/metrics"
	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/partition"
	"github.com/sandboxws/strata/pkg/record"
)

// ErrStateIncompatible is returned when restored state does not match the
// operator's declared state schema. It is not retryable.
var ErrStateIncompatible = errors.New("state incompatible with operator")

// OutputMode controls which aggregate rows a batch emits.
type OutputMode string

const (
	// Append emits each window once, when it closes. Only valid for
	// windowed aggregates.
	Append OutputMode = "append"
	// Update emits the rows whose accumulator changed in the batch, plus
	// the final row of every window the batch closes.
	Update OutputMode = "update"
	// Complete emits every live row on every batch. Windows are never
	// evicted in this mode.
	Complete OutputMode = "complete"
)

// ParseOutputMode parses an output mode name.
func ParseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(s); m {
	case Append, Update, Complete:
		return m, nil
	}
	return "", fmt.Errorf("unknown output mode %q", s)
}

// StateKey identifies one accumulator. Window is zero for unwindowed
// aggregates.
type StateKey struct {
	Key    string
	Window operator.Window
}

func (k StateKey) less(o StateKey) bool {
	if k.Key != o.Key {
		return k.Key < o.Key
	}
	return k.Window.Start.Before(o.Window.Start)
}

// Delta is the state change produced by one partition of one batch.
type Delta struct {
	Partition int
	Upserts   map[StateKey]record.Values
	Evict     []StateKey

	// ClosedUpTo is the arrival time up to which windows are closed after
	// this batch. Zero when the operator is not windowed.
	ClosedUpTo  time.Time
	LateDropped int
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Upserts) == 0 && len(d.Evict) == 0 && d.ClosedUpTo.IsZero()
}

// Result is the output of applying one partition.
type Result struct {
	Output partition.Partition
	Delta  Delta
}

// Runtime runs one Aggregator over partitioned batches.
type Runtime struct {
	agg         operator.Aggregator
	mode        OutputMode
	partitioner partition.Partitioner
	logger      *slog.Logger

	mu         sync.RWMutex
	shards     []map[StateKey]record.Values
	closedUpTo time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithPartitioner sets the partitioner used to place restored state. It must
// match the one that routes records to partitions. Defaults to hashing.
func WithPartitioner(p partition.Partitioner) Option {
	return func(r *Runtime) { r.partitioner = p }
}

// New creates a runtime for agg with one state shard per partition.
func New(agg operator.Aggregator, mode OutputMode, partitions int, opts ...Option) (*Runtime, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("%w: %d", partition.ErrInvalidPartitionCount, partitions)
	}
	if mode == Append && agg.WindowSize() == 0 {
		return nil, fmt.Errorf("output mode %s requires a windowed aggregate", mode)
	}
	if err := agg.StateSchema().Validate(); err != nil {
		return nil, fmt.Errorf("operator %s: state schema: %w", agg.Name(), err)
	}
	r := &Runtime{
		agg:         agg,
		mode:        mode,
		partitioner: partition.HashPartitioner{},
		logger:      slog.Default(),
		shards:      make([]map[StateKey]record.Values, partitions),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = make(map[StateKey]record.Values)
	}
	r.logger = r.logger.With("operator", agg.Name())
	return r, nil
}

// Aggregator returns the operator run by r.
func (r *Runtime) Aggregator() operator.Aggregator { return r.agg }

// Mode returns the output mode.
func (r *Runtime) Mode() OutputMode { return r.mode }

// Partitions returns the number of state shards.
func (r *Runtime) Partitions() int { return len(r.shards) }

// KeyFunc returns the routing key used to partition input records so that a
// key's state always lives in one shard.
func (r *Runtime) KeyFunc() partition.KeyFunc { return r.agg.Key }

// Partitioner returns the partitioner restored state is placed with.
func (r *Runtime) Partitioner() partition.Partitioner { return r.partitioner }

func (r *Runtime) evicts() bool {
	return r.agg.WindowSize() > 0 && r.mode != Complete
}

// WindowsDue reports whether a batch arriving at arrival would close at
// least one window, so that a batch is worth running even without input.
func (r *Runtime) WindowsDue(arrival time.Time) bool {
	if !r.evicts() {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, shard := range r.shards {
		for sk := range shard {
			if !sk.Window.End.After(arrival) {
				return true
			}
		}
	}
	return false
}

// Apply folds a partition into the committed state of its shard and returns
// the output rows and the state delta. Committed state is not modified.
func (r *Runtime) Apply(ctx *operator.Context, part partition.Partition) (res Result, err error) {
	if part.Index < 0 || part.Index >= len(r.shards) {
		return Result{}, fmt.Errorf("%w: partition %d outside %d shards",
			partition.ErrInvalidPartitionCount, part.Index, len(r.shards))
	}
	defer operator.Recover(r.agg.Name(), part.Index, &err)

	r.mu.RLock()
	defer r.mu.RUnlock()
	shard := r.shards[part.Index]

	arrival := ctx.ArrivalTime
	size := r.agg.WindowSize()
	touched := make(map[StateKey]record.Values)
	late := 0

	for _, rec := range part.Records {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		sk := StateKey{Key: r.agg.Key(rec)}
		if size > 0 {
			ts := rec.EventTime
			if ts.IsZero() {
				ts = arrival
			}
			sk.Window = operator.TumblingWindow(ts, size)
			if r.evicts() && !r.closedUpTo.IsZero() && !sk.Window.End.After(r.closedUpTo) {
				late++
				continue
			}
		}

		acc, ok := touched[sk]
		if !ok {
			if acc, ok = shard[sk]; !ok {
				acc = r.agg.Init()
			}
		}
		next, err := r.agg.Update(ctx, acc, rec)
		if err != nil {
			return Result{}, operator.Wrap(r.agg.Name(), part.Index, err)
		}
		touched[sk] = next
	}

	delta := Delta{Partition: part.Index, Upserts: touched, LateDropped: late}
	if late > 0 {
		ctx.Metrics.Dropped.Add(int64(late))
		metrics.LateRecordsDropped.WithLabelValues(r.agg.Name()).Add(float64(late))
		ctx.Logger.Debug("dropped late records", "operator", r.agg.Name(), "count", late)
	}

	var emit []StateKey
	switch {
	case r.mode == Complete:
		emit = mergedKeys(shard, touched)
	case r.evicts():
		delta.ClosedUpTo = arrival
		final := make(map[StateKey]record.Values, len(touched))
		for sk, acc := range touched {
			final[sk] = acc
		}
		for _, sk := range mergedKeys(shard, touched) {
			if sk.Window.End.After(arrival) {
				continue
			}
			delta.Evict = append(delta.Evict, sk)
			if _, ok := final[sk]; !ok {
				final[sk] = shard[sk]
			}
			if r.mode == Append {
				emit = append(emit, sk)
			}
		}
		// A closing window is emitted once more in Update mode even when
		// the batch left it untouched, carrying its final value.
		if r.mode == Update {
			emit = sortedKeys(final)
		}
	default:
		emit = sortedKeys(touched)
	}

	out := make([]record.Record, 0, len(emit))
	for _, sk := range emit {
		acc, ok := touched[sk]
		if !ok {
			acc = shard[sk]
		}
		out = append(out, record.Record{
			Key:       sk.Key,
			EventTime: sk.Window.Start,
			Values:    r.agg.Result(sk.Key, sk.Window, acc),
		})
	}
	ctx.Metrics.RecordsOut.Add(int64(len(out)))

	return Result{
		Output: partition.Partition{Index: part.Index, Records: out},
		Delta:  delta,
	}, nil
}

func sortedKeys(m map[StateKey]record.Values) []StateKey {
	keys := make([]StateKey, 0, len(m))
	for sk := range m {
		keys = append(keys, sk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

func mergedKeys(shard, touched map[StateKey]record.Values) []StateKey {
	keys := sortedKeys(shard)
	for sk := range touched {
		if _, ok := shard[sk]; !ok {
			keys = append(keys, sk)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}

// Install applies the deltas of a committed batch. Deltas of a batch that
// did not commit must be discarded instead.
func (r *Runtime) Install(deltas ...Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closedUpTo = applyDeltas(r.shards, r.closedUpTo, deltas)
	metrics.StateKeys.WithLabelValues(r.agg.Name()).Set(float64(r.sizeLocked()))
}

func applyDeltas(shards []map[StateKey]record.Values, closedUpTo time.Time, deltas []Delta) time.Time {
	for _, d := range deltas {
		shard := shards[d.Partition]
		for sk, acc := range d.Upserts {
			shard[sk] = acc
		}
		for _, sk := range d.Evict {
			delete(shard, sk)
		}
		if d.ClosedUpTo.After(closedUpTo) {
			closedUpTo = d.ClosedUpTo
		}
	}
	return closedUpTo
}

// Len returns the number of live state entries across all shards.
func (r *Runtime) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sizeLocked()
}

func (r *Runtime) sizeLocked() int {
	n := 0
	for _, s := range r.shards {
		n += len(s)
	}
	return n
}

// Get returns the committed accumulator for sk.
func (r *Runtime) Get(sk StateKey) (record.Values, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shards {
		if acc, ok := s[sk]; ok {
			return acc.Clone(), true
		}
	}
	return nil, false
}

// Reset drops all state.
func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.shards {
		r.shards[i] = make(map[StateKey]record.Values)
	}
	r.closedUpTo = time.Time{}
}
