package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/operators"
	"github.com/sandboxws/strata/pkg/partition"
	"github.com/sandboxws/strata/pkg/record"
)

type countingTransform struct {
	name  string
	calls *[]string
}

func (c countingTransform) Name() string { return c.name }

func (c countingTransform) Apply(_ *operator.Context, rec record.Record) ([]record.Record, error) {
	*c.calls = append(*c.calls, c.name+":"+rec.Key)
	return []record.Record{rec}, nil
}

type reverse struct{}

func (reverse) Name() string { return "reverse" }

func (reverse) ApplyBatch(_ *operator.Context, recs []record.Record) ([]record.Record, error) {
	out := make([]record.Record, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r
	}
	return out, nil
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }

func (panicky) Apply(*operator.Context, record.Record) ([]record.Record, error) {
	panic("boom")
}

func newCtx(ctx context.Context) *operator.Context {
	return operator.NewContext(ctx, nil, 7, 2)
}

func testPartition() partition.Partition {
	return partition.Partition{Index: 2, Records: []record.Record{
		record.New("a", record.Values{"n": int64(1)}),
		record.New("b", record.Values{"n": int64(2)}),
		record.New("c", record.Values{"n": int64(3)}),
	}}
}

func TestLocalFusesConsecutiveTransforms(t *testing.T) {
	var calls []string
	stages := []Stage{
		countingTransform{"first", &calls},
		countingTransform{"second", &calls},
	}

	out, err := NewLocal(nil).Execute(newCtx(context.Background()), stages, testPartition())
	if err != nil {
		t.Fatal(err)
	}
	if out.Index != 2 || out.Len() != 3 {
		t.Fatalf("unexpected output partition %d with %d records", out.Index, out.Len())
	}

	// Each record passes the whole chain before the next record starts.
	want := []string{"first:a", "second:a", "first:b", "second:b", "first:c", "second:c"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestLocalMixedStages(t *testing.T) {
	pred, _ := operators.Compare("n", ">=", 2)
	stages := []Stage{
		operators.NewFilter("n>=2", pred),
		reverse{},
		operators.NewRename(map[string]string{"n": "value"}),
	}

	ctx := newCtx(context.Background())
	part := testPartition()
	out, err := NewLocal(nil).Execute(ctx, stages, part)
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 2 || out.Records[0].Key != "c" || out.Records[1].Key != "b" {
		t.Fatalf("unexpected output %v", out.Records)
	}
	if out.Records[0].Values["value"] != int64(3) {
		t.Errorf("rename not applied: %s", out.Records[0].Values)
	}
	if part.Records[0].Key != "a" || part.Len() != 3 {
		t.Error("input partition was modified")
	}
	if ctx.Metrics.RecordsIn.Load() != 3 || ctx.Metrics.RecordsOut.Load() != 2 || ctx.Metrics.Dropped.Load() != 1 {
		t.Errorf("metrics in=%d out=%d dropped=%d",
			ctx.Metrics.RecordsIn.Load(), ctx.Metrics.RecordsOut.Load(), ctx.Metrics.Dropped.Load())
	}
}

func TestLocalWrapsOperatorErrors(t *testing.T) {
	cause := errors.New("bad row")
	failing := operators.NewMap("explode", func(r record.Record) (record.Record, error) {
		return r, cause
	})

	_, err := NewLocal(nil).Execute(newCtx(context.Background()), []Stage{failing}, testPartition())
	var opErr *operator.Error
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *operator.Error, got %v", err)
	}
	if opErr.Operator != "explode" || opErr.Partition != 2 || !errors.Is(err, cause) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestLocalRecoversPanics(t *testing.T) {
	_, err := NewLocal(nil).Execute(newCtx(context.Background()), []Stage{panicky{}}, testPartition())
	if !errors.Is(err, operator.ErrOperator) {
		t.Fatalf("expected operator error, got %v", err)
	}
}

func TestLocalStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []string
	_, err := NewLocal(nil).Execute(newCtx(ctx), []Stage{countingTransform{"t", &calls}}, testPartition())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("transform ran after cancellation: %v", calls)
	}
}

type notAnOperator struct{}

func (notAnOperator) Name() string { return "nope" }

func TestValidateRejectsUnknownStages(t *testing.T) {
	if err := Validate([]Stage{notAnOperator{}}); err == nil {
		t.Fatal("expected error")
	}
}
