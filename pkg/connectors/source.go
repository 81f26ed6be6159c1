// Package connectors implements source and sink connectors for the strata
// engine.
package connectors

import (
	"context"
	"sync"

	"github.com/sandboxws/strata/pkg/record"
)

// Source is a non-blocking record source polled by the scheduler once per
// tick. Poll returns at most max records and an empty slice when nothing is
// available.
type Source interface {
	Poll(ctx context.Context, max int) ([]record.Record, error)
	Close() error
}

// Acknowledger is implemented by sources that can release polled records
// once the batch containing them has committed.
type Acknowledger interface {
	Ack(ctx context.Context) error
}

// MemorySource is an in-memory queue, used by tests and demos.
type MemorySource struct {
	mu      sync.Mutex
	pending []record.Record
	closed  bool
	acks    int
}

// NewMemorySource creates a source holding recs.
func NewMemorySource(recs ...record.Record) *MemorySource {
	return &MemorySource{pending: recs}
}

// Push appends records to the queue.
func (m *MemorySource) Push(recs ...record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, recs...)
}

func (m *MemorySource) Poll(_ context.Context, max int) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.pending) == 0 {
		return nil, nil
	}
	n := len(m.pending)
	if max > 0 && n > max {
		n = max
	}
	out := m.pending[:n:n]
	m.pending = m.pending[n:]
	return out, nil
}

// Pending returns the number of queued records.
func (m *MemorySource) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *MemorySource) Ack(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

// Acks returns how many times Ack was called.
func (m *MemorySource) Acks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Union merges several sources. Each poll starts with the source after the
// one that started the previous poll, so no source is starved when max is
// reached early.
type Union struct {
	sources []Source
	next    int
}

// NewUnion creates a Union over sources.
func NewUnion(sources ...Source) *Union {
	return &Union{sources: sources}
}

func (u *Union) Poll(ctx context.Context, max int) ([]record.Record, error) {
	var out []record.Record
	n := len(u.sources)
	for i := 0; i < n; i++ {
		remaining := 0
		if max > 0 {
			if remaining = max - len(out); remaining <= 0 {
				break
			}
		}
		recs, err := u.sources[(u.next+i)%n].Poll(ctx, remaining)
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
	}
	if n > 0 {
		u.next = (u.next + 1) % n
	}
	return out, nil
}

// Ack acknowledges every source that supports it.
func (u *Union) Ack(ctx context.Context) error {
	for _, s := range u.sources {
		if a, ok := s.(Acknowledger); ok {
			if err := a.Ack(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *Union) Close() error {
	var first error
	for _, s := range u.sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
