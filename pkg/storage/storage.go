// Package storage provides the persistence primitives under the table
// store: create-only object stores for data files and checkpoints, and
// transaction log stores holding one entry per table version plus a head
// pointer.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/sandboxws/strata/pkg/record"
)

var (
	// ErrExists is returned when writing an object name that already exists.
	ErrExists = errors.New("object already exists")
	// ErrNotFound is returned when reading a missing object.
	ErrNotFound = errors.New("object not found")
	// ErrVersionExists is returned when a log entry for the version is
	// already present.
	ErrVersionExists = errors.New("log version already exists")
)

// ObjectStore holds immutable blobs. Objects are written once and never
// overwritten.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// DataFile describes one immutable data file referenced by the log.
type DataFile struct {
	Path     string `json:"path"`
	Rows     int64  `json:"rows"`
	Size     int64  `json:"size"`
	Checksum uint64 `json:"checksum"`
}

// Log operations.
const (
	OpCreate = "CREATE"
	OpAppend = "APPEND"
	OpWrite  = "WRITE"
)

// LogEntry is the persisted form of one table version.
type LogEntry struct {
	Version         int64         `json:"version"`
	BatchID         int64         `json:"batch_id"`
	Operation       string        `json:"operation"`
	Schema          record.Schema `json:"schema"`
	Add             []DataFile    `json:"add"`
	Remove          []string      `json:"remove"`
	CommitTime      time.Time     `json:"commit_time"`
	StateCheckpoint string        `json:"state_checkpoint,omitempty"`
}

// Encode serializes e as JSON.
func (e *LogEntry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeLogEntry parses a JSON log entry.
func DecodeLogEntry(data []byte) (*LogEntry, error) {
	var e LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode log entry: %w", err)
	}
	return &e, nil
}

// LogStore persists log entries and the head pointer. Put is
// put-if-absent on the version; List returns entries in version order; Head
// returns -1 when no head has been set.
type LogStore interface {
	Put(ctx context.Context, e *LogEntry) error
	List(ctx context.Context) ([]*LogEntry, error)
	SetHead(ctx context.Context, version int64) error
	Head(ctx context.Context) (int64, error)
	Close() error
}
