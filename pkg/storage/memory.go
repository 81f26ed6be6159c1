package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryObjectStore is an in-process ObjectStore.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryObjectStore creates an empty in-memory object store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func (s *MemoryObjectStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	s.objects[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryObjectStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, nil
}

func (s *MemoryObjectStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[name]
	return ok, nil
}

// Len returns the number of stored objects.
func (s *MemoryObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// MemoryLog is an in-process LogStore.
type MemoryLog struct {
	mu      sync.Mutex
	entries map[int64][]byte
	head    int64
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[int64][]byte), head: -1}
}

func (l *MemoryLog) Put(_ context.Context, e *LogEntry) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[e.Version]; ok {
		return fmt.Errorf("%w: %d", ErrVersionExists, e.Version)
	}
	l.entries[e.Version] = data
	return nil
}

func (l *MemoryLog) List(_ context.Context) ([]*LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	versions := make([]int64, 0, len(l.entries))
	for v := range l.entries {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	out := make([]*LogEntry, 0, len(versions))
	for _, v := range versions {
		e, err := DecodeLogEntry(l.entries[v])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLog) SetHead(_ context.Context, version int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = version
	return nil
}

func (l *MemoryLog) Head(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, nil
}

func (l *MemoryLog) Close() error { return nil }
