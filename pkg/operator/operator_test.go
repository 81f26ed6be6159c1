package operator

import (
	"errors"
	"testing"
	"time"
)

func TestTumblingWindow(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	w := TumblingWindow(base.Add(90*time.Second), time.Minute)
	if !w.Start.Equal(base.Add(time.Minute)) || !w.End.Equal(base.Add(2*time.Minute)) {
		t.Errorf("unexpected window %s", w)
	}
	if !w.Contains(base.Add(90 * time.Second)) {
		t.Error("window should contain its timestamp")
	}
	if w.Contains(w.End) {
		t.Error("window end is exclusive")
	}

	// Boundary timestamps open a new window.
	w2 := TumblingWindow(base.Add(2*time.Minute), time.Minute)
	if !w2.Start.Equal(w.End) {
		t.Errorf("expected next window to start at %s, got %s", w.End, w2.Start)
	}
}

func TestErrorMatchesCauseAndSentinel(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap("sum", 3, cause)

	if !errors.Is(err, ErrOperator) {
		t.Error("expected errors.Is(err, ErrOperator)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
	var opErr *Error
	if !errors.As(err, &opErr) || opErr.Partition != 3 || opErr.Operator != "sum" {
		t.Errorf("unexpected error detail: %v", err)
	}

	// Wrapping twice keeps the innermost operator.
	if again := Wrap("other", 1, err); again != err {
		t.Errorf("expected Wrap to keep existing operator error, got %v", again)
	}
	if Wrap("x", 0, nil) != nil {
		t.Error("Wrap(nil) must be nil")
	}
}

func TestRecover(t *testing.T) {
	run := func() (err error) {
		defer Recover("map", 2, &err)
		panic("bad input")
	}
	err := run()
	if !errors.Is(err, ErrOperator) {
		t.Fatalf("expected operator error from panic, got %v", err)
	}
}
