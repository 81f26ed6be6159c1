package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandboxws/strata/pkg/backend"
	"github.com/sandboxws/strata/pkg/connectors"
	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/operators"
	"github.com/sandboxws/strata/pkg/partition"
	"github.com/sandboxws/strata/pkg/record"
	"github.com/sandboxws/strata/pkg/stateful"
	"github.com/sandboxws/strata/pkg/storage"
	"github.com/sandboxws/strata/pkg/table"
)

var seqSchema = record.NewSchema(record.Field{Name: "seq", Type: record.Int64})

// hook is a record transform backed by a test function.
type hook struct {
	name string
	fn   func(ctx *operator.Context, rec record.Record) ([]record.Record, error)
}

func (h *hook) Name() string { return h.name }

func (h *hook) Apply(ctx *operator.Context, rec record.Record) ([]record.Record, error) {
	return h.fn(ctx, rec)
}

func seq(n int64) record.Record {
	return record.New(fmt.Sprintf("k%d", n), record.Values{"seq": n, "n": n})
}

func newMemoryTable(t *testing.T, name string) *table.Table {
	t.Helper()
	tbl, err := table.Open(context.Background(), name, storage.NewMemoryObjectStore(), storage.NewMemoryLog(), table.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func globalSum(t *testing.T, partitions int) *stateful.Runtime {
	t.Helper()
	agg, err := operators.NewAggregate(operators.Sum, "n")
	if err != nil {
		t.Fatal(err)
	}
	rt, err := stateful.New(agg, stateful.Complete, partitions)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

func fastOptions() Options {
	return Options{
		TriggerInterval: time.Millisecond,
		MaxRetries:      3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      time.Second,
	}
}

// begin recovers and enters WAITING_FOR_TICK without starting the driver, so
// tests can step the state machine with tick.
func begin(t *testing.T, s *Scheduler) context.Context {
	t.Helper()
	ctx := context.Background()
	if err := s.recover(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.advance(ctx, WaitingForTick); err != nil {
		t.Fatal(err)
	}
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func readSum(t *testing.T, tbl *table.Table, version int64) []int64 {
	t.Helper()
	ds, err := tbl.Read(context.Background(), version)
	if err != nil {
		t.Fatal(err)
	}
	var out []int64
	for _, row := range ds.Rows {
		out = append(out, row["sum"].(int64))
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{Idle, WaitingForTick},
		{WaitingForTick, Collecting},
		{Collecting, Dispatching},
		{Collecting, WaitingForTick},
		{Dispatching, Committing},
		{Committing, WaitingForTick},
		{Committing, Dispatching},
		{Stopped, Idle},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{Idle, Dispatching},
		{WaitingForTick, Committing},
		{Collecting, Committing},
		{Committing, Collecting},
		{Stopped, WaitingForTick},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}

	for _, s := range []State{Idle, WaitingForTick, Collecting, Dispatching, Committing} {
		if !CanTransition(s, Stopped) {
			t.Errorf("%s cannot stop", s)
		}
	}
	if Committing.String() != "COMMITTING" || State(42).String() != "State(42)" {
		t.Errorf("unexpected state names %s, %s", Committing, State(42))
	}
}

func TestSumAcrossBatches(t *testing.T) {
	src := connectors.NewMemorySource(seq(1), seq(2), seq(3))
	tbl := newMemoryTable(t, "sums")
	s, err := NewScheduler(Pipeline{
		Name:       "sum",
		Source:     src,
		Aggregate:  globalSum(t, 4),
		Table:      tbl,
		Partitions: 4,
	}, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	ctx := begin(t, s)

	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := readSum(t, tbl, table.Latest); !slices.Equal(got, []int64{6}) {
		t.Fatalf("after batch 1: %v, want [6]", got)
	}

	src.Push(seq(4), seq(5))
	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := readSum(t, tbl, 2); !slices.Equal(got, []int64{15}) {
		t.Fatalf("version 2: %v, want [15]", got)
	}
	if got := readSum(t, tbl, 1); !slices.Equal(got, []int64{6}) {
		t.Fatalf("version 1 after batch 2: %v, want [6]", got)
	}

	st := s.Status()
	if st.State != WaitingForTick || st.CurrentBatchID != 2 || st.CurrentTableVersion != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	if src.Acks() != 2 {
		t.Errorf("source acked %d times, want 2", src.Acks())
	}
	head := tbl.Head()
	if head.BatchID != 2 || head.StateCheckpoint == "" {
		t.Errorf("head %d has batch %d, checkpoint %q", head.Version, head.BatchID, head.StateCheckpoint)
	}
}

func TestEmptyTickDoesNotCommit(t *testing.T) {
	tbl := newMemoryTable(t, "empty")
	s, err := NewScheduler(Pipeline{
		Name:       "empty",
		Source:     connectors.NewMemorySource(),
		Table:      tbl,
		Schema:     seqSchema,
		Partitions: 2,
	}, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	ctx := begin(t, s)

	for range 3 {
		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	st := s.Status()
	if st.State != WaitingForTick || st.CurrentBatchID != 0 || st.CurrentTableVersion != 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestWindowClosesWithoutInput(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(10 * time.Second)

	agg, err := operators.NewAggregate(operators.Count, "",
		operators.WithGroupByKey(), operators.WithWindow(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	rt, err := stateful.New(agg, stateful.Append, 2)
	if err != nil {
		t.Fatal(err)
	}

	click := func(key string, ts time.Time) record.Record {
		r := record.New(key, record.Values{})
		r.EventTime = ts
		return r
	}
	src := connectors.NewMemorySource(click("a", t0.Add(5*time.Second)), click("a", t0.Add(6*time.Second)))
	tbl := newMemoryTable(t, "clicks")

	opts := fastOptions()
	opts.Clock = func() time.Time { return now }
	s, err := NewScheduler(Pipeline{Name: "clicks", Source: src, Aggregate: rt, Table: tbl, Partitions: 2}, opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx := begin(t, s)

	// The window is still open: batch 1 commits state but no rows.
	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if head := tbl.Head(); head.Version != 1 || head.Rows() != 0 {
		t.Fatalf("batch 1: version %d with %d rows", head.Version, head.Rows())
	}

	// Nothing arrives and no window is due.
	now = t0.Add(30 * time.Second)
	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if tbl.Head().Version != 1 {
		t.Fatalf("empty tick committed version %d", tbl.Head().Version)
	}

	// Arrival crosses the window end: the window is emitted and evicted.
	now = t0.Add(70 * time.Second)
	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}
	ds, err := tbl.Read(ctx, table.Latest)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Version != 2 || ds.Len() != 1 {
		t.Fatalf("expected one closed window at version 2, got %d rows at %d", ds.Len(), ds.Version)
	}
	row := ds.Rows[0]
	if row["key"] != "a" || row["count"] != int64(2) || !row[operators.WindowStartColumn].(time.Time).Equal(t0) {
		t.Errorf("unexpected window row %v", row)
	}
	if rt.Len() != 0 {
		t.Errorf("window state not evicted: %d entries", rt.Len())
	}
}

func TestRetryExhaustionStopsScheduler(t *testing.T) {
	var poisoned atomic.Bool
	poisoned.Store(true)
	failOnFive := &hook{name: "fail-on-5", fn: func(_ *operator.Context, rec record.Record) ([]record.Record, error) {
		if rec.Values["seq"] == int64(5) && poisoned.Load() {
			return nil, errors.New("poison record")
		}
		return []record.Record{rec}, nil
	}}

	src := connectors.NewMemorySource(seq(1), seq(2), seq(3), seq(4), seq(5))
	tbl := newMemoryTable(t, "out")

	var waits []time.Duration
	opts := fastOptions()
	opts.MaxRecordsPerBatch = 1
	opts.OnRetry = func(batchID int64, err error, wait time.Duration) {
		if batchID != 5 {
			t.Errorf("retry of batch %d", batchID)
		}
		waits = append(waits, wait)
	}
	s, err := NewScheduler(Pipeline{
		Name:       "retry",
		Source:     src,
		Stages:     []backend.Stage{failOnFive},
		Table:      tbl,
		Schema:     seqSchema,
		Partitions: 2,
	}, opts)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.Run(ctx)

	var failed *BatchProcessingFailed
	if !errors.As(err, &failed) {
		t.Fatalf("expected BatchProcessingFailed, got %v", err)
	}
	if failed.BatchID != 5 || failed.Attempts != 4 {
		t.Errorf("failed batch %d after %d attempts, want batch 5 after 4", failed.BatchID, failed.Attempts)
	}
	if !errors.Is(err, ErrBatchProcessingFailed) || !errors.Is(err, operator.ErrOperator) {
		t.Errorf("error does not match its sentinels: %v", err)
	}
	if want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}; !slices.Equal(waits, want) {
		t.Errorf("backoff waits %v, want %v", waits, want)
	}

	st := s.Status()
	if st.State != Stopped || !errors.Is(st.LastError, ErrBatchProcessingFailed) || st.CurrentBatchID != 5 {
		t.Errorf("unexpected status %+v", st)
	}
	for _, v := range tbl.History() {
		if v.BatchID > 4 {
			t.Errorf("version %d committed batch %d", v.Version, v.BatchID)
		}
	}
	if head := tbl.Head(); head.Version != 4 || head.BatchID != 4 {
		t.Fatalf("head is version %d batch %d, want 4/4", head.Version, head.BatchID)
	}

	// Restart replays batch 5 under its original id.
	poisoned.Store(false)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "batch 5", func() bool { return tbl.Head().BatchID == 5 })
	s.Stop()

	head := tbl.Head()
	if head.Version != 5 || head.Rows() != 5 {
		t.Errorf("after replay: version %d with %d rows", head.Version, head.Rows())
	}
	if st := s.Status(); st.State != Stopped || st.LastError != nil {
		t.Errorf("unexpected status after stop %+v", st)
	}
}

func TestBatchesCommitInOrder(t *testing.T) {
	slow := &hook{name: "slow", fn: func(_ *operator.Context, rec record.Record) ([]record.Record, error) {
		time.Sleep(time.Duration(rec.Values["seq"].(int64)%4) * time.Millisecond)
		return []record.Record{rec}, nil
	}}

	src := connectors.NewMemorySource()
	for i := range int64(30) {
		src.Push(seq(i))
	}
	tbl := newMemoryTable(t, "ordered")

	opts := fastOptions()
	opts.MaxRecordsPerBatch = 3
	opts.Workers = 2
	s, err := NewScheduler(Pipeline{
		Name:       "ordered",
		Source:     src,
		Stages:     []backend.Stage{slow},
		Table:      tbl,
		Schema:     seqSchema,
		Partitions: 4,
	}, opts)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		batches []int64
	)
	s.OnCommit(func(_ context.Context, c connectors.Committed) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, c.BatchID)
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "10 batches", func() bool { return tbl.Head().BatchID == 10 })
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, id := range batches {
		if id != int64(i+1) {
			t.Fatalf("commit order %v", batches)
		}
	}
	for _, v := range tbl.History()[1:] {
		if v.BatchID != v.Version {
			t.Errorf("version %d holds batch %d", v.Version, v.BatchID)
		}
		if v.Rows() != 3*v.Version {
			t.Errorf("version %d has %d rows, want %d", v.Version, v.Rows(), 3*v.Version)
		}
	}
}

func TestCommitConflictIsRecomputed(t *testing.T) {
	tbl := newMemoryTable(t, "shared")
	var once sync.Once
	interfere := &hook{name: "interfere", fn: func(ctx *operator.Context, rec record.Record) ([]record.Record, error) {
		if ctx.BatchID == 2 {
			once.Do(func() {
				// Another writer commits while batch 2 is being computed.
				if _, err := tbl.Commit(context.Background(), table.CommitAttempt{BaseVersion: tbl.Head().Version}); err != nil {
					t.Error(err)
				}
			})
		}
		return []record.Record{rec}, nil
	}}

	src := connectors.NewMemorySource(seq(1))
	var conflicts int
	opts := fastOptions()
	opts.OnRetry = func(_ int64, err error, _ time.Duration) {
		if errors.Is(err, table.ErrCommitConflict) {
			conflicts++
		}
	}
	s, err := NewScheduler(Pipeline{
		Name:       "conflict",
		Source:     src,
		Stages:     []backend.Stage{interfere},
		Table:      tbl,
		Schema:     seqSchema,
		Partitions: 1,
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx := begin(t, s)

	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}
	src.Push(seq(2))
	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}

	if conflicts != 1 {
		t.Errorf("saw %d conflicts, want 1", conflicts)
	}
	head := tbl.Head()
	if head.Version != 3 || head.BatchID != 2 {
		t.Errorf("head is version %d batch %d, want 3/2", head.Version, head.BatchID)
	}
	if head.Rows() != 2 {
		t.Errorf("head has %d rows, want 2", head.Rows())
	}
}

func TestCommitConflictFromAnotherHandle(t *testing.T) {
	objects, log := storage.NewMemoryObjectStore(), storage.NewMemoryLog()
	open := func() *table.Table {
		tbl, err := table.Open(context.Background(), "shared", objects, log, table.Options{})
		if err != nil {
			t.Fatal(err)
		}
		return tbl
	}
	tbl := open()

	var once sync.Once
	interfere := &hook{name: "interfere", fn: func(ctx *operator.Context, rec record.Record) ([]record.Record, error) {
		if ctx.BatchID == 2 {
			once.Do(func() {
				// A second process commits through its own handle.
				other := open()
				if _, err := other.Commit(context.Background(), table.CommitAttempt{BaseVersion: other.Head().Version}); err != nil {
					t.Error(err)
				}
			})
		}
		return []record.Record{rec}, nil
	}}

	src := connectors.NewMemorySource(seq(1))
	var conflicts int
	opts := fastOptions()
	opts.OnRetry = func(_ int64, err error, _ time.Duration) {
		if errors.Is(err, table.ErrCommitConflict) {
			conflicts++
		}
	}
	s, err := NewScheduler(Pipeline{
		Name:       "conflict",
		Source:     src,
		Stages:     []backend.Stage{interfere},
		Table:      tbl,
		Schema:     seqSchema,
		Partitions: 1,
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx := begin(t, s)

	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}
	src.Push(seq(2))
	if err := s.tick(ctx); err != nil {
		t.Fatal(err)
	}

	if conflicts != 1 {
		t.Errorf("saw %d conflicts, want 1", conflicts)
	}
	head := tbl.Head()
	if head.Version != 3 || head.BatchID != 2 {
		t.Errorf("head is version %d batch %d, want 3/2", head.Version, head.BatchID)
	}
	if head.Rows() != 2 {
		t.Errorf("head has %d rows, want 2", head.Rows())
	}
}

func TestBatchTimeoutRetries(t *testing.T) {
	var attempts atomic.Int32
	slow := &hook{name: "slow", fn: func(ctx *operator.Context, rec record.Record) ([]record.Record, error) {
		if rec.Values["seq"] == int64(1) {
			attempts.Add(1)
		}
		if attempts.Load() <= 2 {
			select {
			case <-time.After(30 * time.Millisecond):
			case <-ctx.Ctx.Done():
				return nil, ctx.Ctx.Err()
			}
		}
		return []record.Record{rec}, nil
	}}

	var retries int
	opts := fastOptions()
	opts.BatchTimeout = 50 * time.Millisecond
	opts.OnRetry = func(_ int64, err error, _ time.Duration) {
		retries++
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("retry caused by %v, want a deadline", err)
		}
	}
	tbl := newMemoryTable(t, "slow")
	s, err := NewScheduler(Pipeline{
		Name:       "slow",
		Source:     connectors.NewMemorySource(seq(1), seq(2), seq(3), seq(4), seq(5)),
		Stages:     []backend.Stage{slow},
		Table:      tbl,
		Schema:     seqSchema,
		Partitions: 1,
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.tick(begin(t, s)); err != nil {
		t.Fatal(err)
	}

	if retries != 2 {
		t.Errorf("retried %d times, want 2", retries)
	}
	head := tbl.Head()
	if head.Version != 1 || head.Rows() != 5 {
		t.Errorf("head is version %d with %d rows, want 1/5", head.Version, head.Rows())
	}
}

func TestValidateRejectsMismatchedPartitioner(t *testing.T) {
	agg, err := operators.NewAggregate(operators.Sum, "n", operators.WithGroupByKey())
	if err != nil {
		t.Fatal(err)
	}
	ranges, err := partition.NewRangePartitioner("m")
	if err != nil {
		t.Fatal(err)
	}
	rt, err := stateful.New(agg, stateful.Update, 2, stateful.WithPartitioner(ranges))
	if err != nil {
		t.Fatal(err)
	}
	p := Pipeline{
		Name: "sum", Source: connectors.NewMemorySource(),
		Aggregate: rt, Table: newMemoryTable(t, "sum"), Partitions: 2,
	}

	if err := p.Validate(); err == nil {
		t.Error("hash routing accepted for range-placed state")
	}
	p.Partitioner = partition.HashPartitioner{}
	if err := p.Validate(); err == nil {
		t.Error("explicit hash routing accepted for range-placed state")
	}
	other, _ := partition.NewRangePartitioner("f")
	p.Partitioner = other
	if err := p.Validate(); err == nil {
		t.Error("range routing with different bounds accepted")
	}
	same, _ := partition.NewRangePartitioner("m")
	p.Partitioner = same
	if err := p.Validate(); err != nil {
		t.Errorf("matching partitioner rejected: %v", err)
	}

	// Both sides default to hash partitioning.
	if err := (&Pipeline{
		Name: "sum", Source: connectors.NewMemorySource(),
		Aggregate: globalSum(t, 2), Table: newMemoryTable(t, "sum"), Partitions: 2,
	}).Validate(); err != nil {
		t.Errorf("default partitioners rejected: %v", err)
	}
}

func TestRecoverFromTableHead(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	open := func() *table.Table {
		objects, err := storage.NewLocalObjectStore(filepath.Join(dir, "data"))
		if err != nil {
			t.Fatal(err)
		}
		log, err := storage.NewFileLog(filepath.Join(dir, "log"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { log.Close() })
		tbl, err := table.Open(ctx, "sums", objects, log, table.Options{})
		if err != nil {
			t.Fatal(err)
		}
		return tbl
	}

	src := connectors.NewMemorySource(seq(1), seq(2), seq(3))
	first, err := NewScheduler(Pipeline{Name: "sum", Source: src, Aggregate: globalSum(t, 2), Table: open(), Partitions: 2}, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	fctx := begin(t, first)
	if err := first.tick(fctx); err != nil {
		t.Fatal(err)
	}

	// A new process with a different partition count picks up the state.
	src.Push(seq(4), seq(5))
	tbl := open()
	second, err := NewScheduler(Pipeline{Name: "sum", Source: src, Aggregate: globalSum(t, 3), Table: tbl, Partitions: 3}, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	sctx := begin(t, second)
	if err := second.tick(sctx); err != nil {
		t.Fatal(err)
	}

	if got := readSum(t, tbl, table.Latest); !slices.Equal(got, []int64{15}) {
		t.Fatalf("after recovery: %v, want [15]", got)
	}
	if head := tbl.Head(); head.BatchID != 2 || head.Version != 2 {
		t.Errorf("head is version %d batch %d, want 2/2", head.Version, head.BatchID)
	}
}

func TestIncompatibleStateFailsStart(t *testing.T) {
	objects, log := storage.NewMemoryObjectStore(), storage.NewMemoryLog()
	ctx := context.Background()

	tbl, err := table.Open(ctx, "sums", objects, log, table.Options{})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewScheduler(Pipeline{
		Name: "sum", Source: connectors.NewMemorySource(seq(1)),
		Aggregate: globalSum(t, 1), Table: tbl, Partitions: 1,
	}, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.tick(begin(t, s)); err != nil {
		t.Fatal(err)
	}

	count, err := operators.NewAggregate(operators.Count, "", operators.WithOutputName("sum"))
	if err != nil {
		t.Fatal(err)
	}
	rt, err := stateful.New(count, stateful.Complete, 1)
	if err != nil {
		t.Fatal(err)
	}
	reopened, err := table.Open(ctx, "sums", objects, log, table.Options{})
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewScheduler(Pipeline{
		Name: "count", Source: connectors.NewMemorySource(),
		Aggregate: rt, Table: reopened, Partitions: 1,
	}, fastOptions())
	if err != nil {
		t.Fatal(err)
	}

	err = other.Start(ctx)
	if !errors.Is(err, stateful.ErrStateIncompatible) {
		t.Fatalf("expected ErrStateIncompatible, got %v", err)
	}
	if st := other.Status(); st.State != Stopped || !errors.Is(st.LastError, stateful.ErrStateIncompatible) {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStartTwice(t *testing.T) {
	s, err := NewScheduler(Pipeline{
		Name: "twice", Source: connectors.NewMemorySource(),
		Table: newMemoryTable(t, "twice"), Schema: seqSchema, Partitions: 1,
	}, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}
}
