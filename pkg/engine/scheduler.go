// Package engine drives micro-batches: a single driver goroutine advances an
// explicit state machine, polls the source once per tick, runs every
// partition on a bounded worker pool and commits each batch as one table
// version.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/strata/pkg/backend"
	"github.com/sandboxws/strata/pkg/connectors"
	"github.com/sandboxws/strata/pkg/metrics"
	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/partition"
	"github.com/sandboxws/strata/pkg/record"
	"github.com/sandboxws/strata/pkg/stateful"
	"github.com/sandboxws/strata/pkg/storage"
	"github.com/sandboxws/strata/pkg/table"
)

const (
	defaultTriggerInterval    = time.Second
	defaultMaxRecordsPerBatch = 10000
	defaultInitialBackoff     = 100 * time.Millisecond
	defaultMaxBackoff         = 10 * time.Second
)

// ErrRunning is returned by Start on a scheduler that is already running.
var ErrRunning = errors.New("scheduler already running")

// Options configures a Scheduler.
type Options struct {
	TriggerInterval    time.Duration
	MaxRecordsPerBatch int

	// MaxRetries is the number of times a failed batch is retried before
	// the scheduler stops.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BatchTimeout bounds the dispatch of one attempt. Zero means no limit.
	BatchTimeout time.Duration

	// Workers bounds the partitions processed concurrently. Defaults to the
	// pipeline's partition count.
	Workers int

	Logger  *slog.Logger
	Alloc   memory.Allocator
	Backend backend.Backend
	Clock   func() time.Time

	// OnRetry is called before each retry of a batch.
	OnRetry func(batchID int64, err error, wait time.Duration)
}

func (o *Options) setDefaults(p *Pipeline) {
	if o.TriggerInterval <= 0 {
		o.TriggerInterval = defaultTriggerInterval
	}
	if o.MaxRecordsPerBatch <= 0 {
		o.MaxRecordsPerBatch = defaultMaxRecordsPerBatch
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(defaultMaxBackoff, o.InitialBackoff)
	}
	if o.Workers <= 0 {
		o.Workers = p.Partitions
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Alloc == nil {
		o.Alloc = memory.DefaultAllocator
	}
	if o.Backend == nil {
		o.Backend = backend.NewLocal(o.Logger)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	State               State
	CurrentBatchID      int64
	CurrentTableVersion int64
	LastError           error
}

// CommitListener observes committed versions. It runs on the driver
// goroutine after the commit, so it must not block for long.
type CommitListener func(ctx context.Context, c connectors.Committed)

// Scheduler runs one pipeline. Batches are processed strictly in order:
// batch N+1 is not polled before batch N has committed or the scheduler
// has stopped.
type Scheduler struct {
	pipeline  Pipeline
	opts      Options
	logger    *slog.Logger
	partition partition.Partitioner
	listeners []CommitListener

	mu          sync.Mutex
	state       State
	batchID     int64
	pending     *Batch
	lastArrival time.Time
	lastErr     error
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewScheduler validates p and creates a scheduler in the IDLE state.
func NewScheduler(p Pipeline, opts Options) (*Scheduler, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults(&p)
	s := &Scheduler{
		pipeline:  p,
		opts:      opts,
		logger:    opts.Logger.With("pipeline", p.Name),
		partition: p.Partitioner,
		state:     Idle,
	}
	if s.partition == nil {
		s.partition = partition.HashPartitioner{}
	}
	for _, sink := range p.Sinks {
		s.OnCommit(s.sinkListener(sink))
	}
	return s, nil
}

// OnCommit registers a listener called after every committed batch.
func (s *Scheduler) OnCommit(l CommitListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Scheduler) sinkListener(sink connectors.Sink) CommitListener {
	return func(ctx context.Context, c connectors.Committed) {
		if err := sink.WriteCommitted(ctx, c); err != nil {
			s.logger.Error("sink write failed", "sink", sink.Name(), "version", c.Version, "batch_id", c.BatchID, "error", err)
		}
	}
}

// Status returns the current state, the last assigned batch id, the table
// head version and the error that stopped the scheduler, if any.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:               s.state,
		CurrentBatchID:      s.batchID,
		CurrentTableVersion: -1,
		LastError:           s.lastErr,
	}
	if head := s.pipeline.Table.Head(); head != nil {
		st.CurrentTableVersion = head.Version
	}
	return st
}

// Start recovers from the table head and starts the driver goroutine. A
// stopped scheduler may be started again; a batch that was pending when it
// stopped is replayed first under its original id.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Idle:
	case Stopped:
		s.state = Idle
	default:
		s.mu.Unlock()
		return ErrRunning
	}
	s.lastErr = nil
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		s.stopWith(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	if err := s.advance(runCtx, WaitingForTick); err != nil {
		cancel()
		close(done)
		return err
	}
	go s.loop(runCtx, done)
	return nil
}

// Stop cancels in-flight work and waits for the driver to exit. A batch
// interrupted by Stop is kept and replayed on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if s.state == Idle {
		s.state = Stopped
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Wait blocks until the driver exits and returns the error that stopped it,
// or nil after Stop.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Run starts the scheduler and blocks until it stops.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// advance moves to the next state. Cancellation is checked on every
// transition.
func (s *Scheduler) advance(ctx context.Context, to State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

func (s *Scheduler) stopWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Stopped
	if err != nil && !errors.Is(err, context.Canceled) {
		s.lastErr = err
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.TriggerInterval)
	defer ticker.Stop()

	s.mu.Lock()
	replay := s.pending != nil
	s.mu.Unlock()

	for {
		if !replay {
			select {
			case <-ctx.Done():
				s.stopWith(nil)
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
			}
		}
		replay = false

		if err := s.tick(ctx); err != nil {
			s.stopWith(err)
			if errors.Is(err, context.Canceled) {
				s.logger.Info("scheduler stopped")
			} else {
				s.logger.Error("scheduler stopped", "error", err)
			}
			return
		}
	}
}

// recover reads the table head: the next batch id follows the head's batch
// id and operator state is restored from the head's checkpoint.
func (s *Scheduler) recover(ctx context.Context) error {
	head, err := s.pipeline.Table.EnsureCreated(ctx, s.pipeline.OutputSchema())
	if err != nil {
		return fmt.Errorf("open table %s: %w", s.pipeline.Table.Name(), err)
	}

	if rt := s.pipeline.Aggregate; rt != nil {
		data, err := s.pipeline.Table.ReadCheckpoint(ctx, head)
		if err != nil {
			return fmt.Errorf("read state checkpoint: %w", err)
		}
		if data == nil {
			rt.Reset()
		} else if err := rt.Restore(data); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchID = max(s.batchID, head.BatchID)
	s.logger.Info("recovered from table head",
		"table", s.pipeline.Table.Name(), "version", head.Version, "batch_id", head.BatchID,
		"pending_batch", s.pending != nil)
	return nil
}

// tick runs one pass of the state machine from WAITING_FOR_TICK back to
// WAITING_FOR_TICK.
func (s *Scheduler) tick(ctx context.Context) error {
	if err := s.advance(ctx, Collecting); err != nil {
		return err
	}
	b, err := s.collect(ctx)
	if err != nil {
		return err
	}
	if b == nil {
		return s.advance(ctx, WaitingForTick)
	}
	if err := s.process(ctx, b); err != nil {
		return err
	}
	return s.advance(ctx, WaitingForTick)
}

// collect returns the pending batch if there is one, otherwise drains the
// source into a new batch. It returns nil when there is nothing to do.
func (s *Scheduler) collect(ctx context.Context) (*Batch, error) {
	s.mu.Lock()
	if b := s.pending; b != nil {
		s.mu.Unlock()
		s.logger.Info("replaying pending batch", "batch_id", b.ID, "records", b.Len())
		return b, nil
	}
	s.mu.Unlock()

	arrival := s.opts.Clock().UTC()
	recs, err := s.pipeline.Source.Poll(ctx, s.opts.MaxRecordsPerBatch)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("source poll failed", "error", err)
		return nil, nil
	}
	rt := s.pipeline.Aggregate
	if len(recs) == 0 && (rt == nil || !rt.WindowsDue(arrival)) {
		return nil, nil
	}

	keyFn := partition.ByRecordKey
	if rt != nil && len(s.pipeline.Stages) == 0 {
		keyFn = rt.KeyFunc()
	}
	parts, err := partition.Split(recs, s.pipeline.Partitions, s.partition, keyFn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchID++
	start := s.lastArrival
	if start.IsZero() {
		start = arrival
	}
	b := &Batch{
		ID:            s.batchID,
		ArrivalWindow: ArrivalWindow{Start: start, End: arrival},
		Partitions:    parts,
	}
	s.lastArrival = arrival
	s.pending = b
	return b, nil
}

// process runs and commits b, retrying the whole batch with exponential
// backoff. Errors that cannot succeed on retry stop immediately.
func (s *Scheduler) process(ctx context.Context, b *Batch) error {
	logger := s.logger.With("batch_id", b.ID)
	start := time.Now()
	attempts := 0

	op := func() error {
		attempts++
		if err := s.advance(ctx, Dispatching); err != nil {
			return backoff.Permanent(err)
		}
		return classify(ctx, s.attempt(ctx, b, logger))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff
	policy.MaxInterval = s.opts.MaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		metrics.BatchRetries.WithLabelValues(s.pipeline.Name).Inc()
		logger.Warn("retrying batch", "attempt", attempts, "backoff", wait, "error", err)
		if s.opts.OnRetry != nil {
			s.opts.OnRetry(b.ID, err, wait)
		}
	}

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.MaxRetries)), ctx),
		notify)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.BatchFailures.WithLabelValues(s.pipeline.Name).Inc()
		return &BatchProcessingFailed{BatchID: b.ID, Attempts: attempts, Cause: err}
	}

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	metrics.BatchLatency.WithLabelValues(s.pipeline.Name).Observe(time.Since(start).Seconds())
	return nil
}

// classify marks errors that a retry cannot fix as permanent.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil,
		errors.Is(err, stateful.ErrStateIncompatible),
		errors.Is(err, table.ErrSchemaIncompatible),
		errors.Is(err, table.ErrTableNotFound),
		errors.Is(err, ErrInvalidTransition):
		return backoff.Permanent(err)
	}
	return err
}

// attempt runs one try of a batch: dispatch against the current head, then
// commit. State deltas are installed only when the commit succeeds.
func (s *Scheduler) attempt(ctx context.Context, b *Batch, logger *slog.Logger) error {
	tbl := s.pipeline.Table
	base := tbl.Head()
	if base == nil {
		return table.ErrTableNotFound
	}

	parts, deltas, err := s.dispatch(ctx, b)
	if err != nil {
		return err
	}

	if err := s.advance(ctx, Committing); err != nil {
		return err
	}
	attempt, rows, err := s.prepareCommit(ctx, b, base, parts, deltas)
	if err != nil {
		return err
	}
	v, err := tbl.Commit(ctx, attempt)
	if err != nil {
		// The head moved under us. The retry recomputes against it, so the
		// state has to match it as well.
		if errors.Is(err, table.ErrCommitConflict) && s.pipeline.Aggregate != nil {
			if head := tbl.Head(); head != nil && head.Version != base.Version {
				if rerr := s.restoreFrom(ctx, head); rerr != nil {
					return backoff.Permanent(rerr)
				}
			}
		}
		return err
	}

	// A different checkpoint means the batch id was already committed by an
	// earlier run, whose state is the one to continue from.
	if rt := s.pipeline.Aggregate; rt != nil {
		if v.StateCheckpoint == attempt.StateCheckpoint {
			rt.Install(deltas...)
		} else if err := s.restoreFrom(ctx, v); err != nil {
			return backoff.Permanent(err)
		}
	}

	if ack, ok := s.pipeline.Source.(connectors.Acknowledger); ok {
		if err := ack.Ack(ctx); err != nil {
			logger.Warn("source ack failed", "version", v.Version, "error", err)
		}
	}

	metrics.BatchesCommitted.WithLabelValues(s.pipeline.Name).Inc()
	metrics.RecordsProcessed.WithLabelValues(s.pipeline.Name).Add(float64(b.Len()))
	logger.Info("batch committed", "version", v.Version, "records", b.Len(), "rows_out", len(rows))

	s.notify(ctx, connectors.Committed{
		Table:   tbl.Name(),
		Version: v.Version,
		BatchID: b.ID,
		Schema:  v.Schema,
		Rows:    rows,
	})
	return nil
}

func (s *Scheduler) restoreFrom(ctx context.Context, v *table.TableVersion) error {
	data, err := s.pipeline.Table.ReadCheckpoint(ctx, v)
	if err != nil {
		return err
	}
	if data == nil {
		s.pipeline.Aggregate.Reset()
		return nil
	}
	return s.pipeline.Aggregate.Restore(data)
}

func (s *Scheduler) notify(ctx context.Context, c connectors.Committed) {
	s.mu.Lock()
	listeners := append([]CommitListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ctx, c)
	}
}

// dispatch runs the stateless stages and the aggregate over every partition
// of b. When stages run before an aggregate, their output is shuffled by the
// aggregate key so that each key reaches its state shard.
func (s *Scheduler) dispatch(ctx context.Context, b *Batch) ([]partition.Partition, []stateful.Delta, error) {
	if s.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.BatchTimeout)
		defer cancel()
	}

	parts := b.Partitions
	rt := s.pipeline.Aggregate
	if len(s.pipeline.Stages) > 0 {
		var err error
		parts, err = s.runPartitions(ctx, b, parts, func(opCtx *operator.Context, p partition.Partition) (partition.Partition, error) {
			return s.opts.Backend.Execute(opCtx, s.pipeline.Stages, p)
		})
		if err != nil {
			return nil, nil, err
		}
		if rt != nil {
			if parts, err = partition.Repartition(parts, s.pipeline.Partitions, s.partition, rt.KeyFunc()); err != nil {
				return nil, nil, err
			}
		}
	}
	if rt == nil {
		return parts, nil, nil
	}

	deltas := make([]stateful.Delta, len(parts))
	parts, err := s.runPartitions(ctx, b, parts, func(opCtx *operator.Context, p partition.Partition) (partition.Partition, error) {
		res, err := rt.Apply(opCtx, p)
		if err != nil {
			return partition.Partition{}, err
		}
		deltas[p.Index] = res.Delta
		return res.Output, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return parts, deltas, nil
}

type partitionFunc func(ctx *operator.Context, p partition.Partition) (partition.Partition, error)

// runPartitions applies fn to every partition on the worker pool and waits
// for all of them. The first failure cancels the rest.
func (s *Scheduler) runPartitions(ctx context.Context, b *Batch, parts []partition.Partition, fn partitionFunc) ([]partition.Partition, error) {
	out := make([]partition.Partition, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i, p := range parts {
		g.Go(func() error {
			opCtx := operator.NewContext(gctx, s.opts.Alloc, b.ID, p.Index)
			opCtx.Logger = s.logger.With("batch_id", b.ID, "partition", p.Index)
			opCtx.Parallelism = len(parts)
			opCtx.ArrivalTime = b.ArrivalWindow.End

			res, err := fn(opCtx, p)
			if err != nil {
				if gctx.Err() == nil || !errors.Is(err, context.Canceled) {
					s.logger.Warn("partition failed", "batch_id", b.ID, "partition", p.Index, "error", err)
				}
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// prepareCommit writes one data file per non-empty output partition and the
// state checkpoint, and builds the commit attempt against base. In complete
// mode the previous live files are removed.
func (s *Scheduler) prepareCommit(ctx context.Context, b *Batch, base *table.TableVersion, parts []partition.Partition, deltas []stateful.Delta) (table.CommitAttempt, []record.Values, error) {
	tbl := s.pipeline.Table
	schema := s.pipeline.OutputSchema()
	attempt := table.CommitAttempt{
		BaseVersion:          base.Version,
		BatchID:              b.ID,
		Schema:               schema,
		AllowSchemaEvolution: s.pipeline.AllowSchemaEvolution,
	}

	var rows []record.Values
	for _, p := range parts {
		if p.Len() == 0 {
			continue
		}
		vals := lo.Map(p.Records, func(r record.Record, _ int) record.Values { return r.Values })
		f, err := tbl.WriteFile(ctx, schema, vals)
		if err != nil {
			return attempt, nil, fmt.Errorf("write partition %d: %w", p.Index, err)
		}
		attempt.Add = append(attempt.Add, f)
		rows = append(rows, vals...)
	}

	rt := s.pipeline.Aggregate
	if rt == nil {
		return attempt, rows, nil
	}
	if rt.Mode() == stateful.Complete {
		attempt.Remove = lo.Map(base.Files, func(f storage.DataFile, _ int) string { return f.Path })
	}
	data, err := rt.Checkpoint(deltas...)
	if err != nil {
		return attempt, nil, err
	}
	if attempt.StateCheckpoint, err = tbl.WriteCheckpoint(ctx, b.ID, data); err != nil {
		return attempt, nil, err
	}
	return attempt, rows, nil
}
