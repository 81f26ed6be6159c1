// Package table implements a transactional, versioned table over an object
// store and a transaction log. Every commit adds one immutable version;
// reads resolve the log up to any committed version.
package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/sandboxws/strata/pkg/metrics"
	"github.com/sandboxws/strata/pkg/record"
	"github.com/sandboxws/strata/pkg/storage"
)

// Latest selects the head version in Read.
const Latest int64 = -1

var (
	// ErrCommitConflict is returned when a commit's base version is not the
	// current head. The caller must re-read and recompute.
	ErrCommitConflict = errors.New("commit conflict")
	// ErrTableNotFound is returned when committing to a table that has not
	// been created.
	ErrTableNotFound = errors.New("table not found")
	// ErrTableExists is returned by Create on an existing table.
	ErrTableExists = errors.New("table already exists")
	// ErrVersionNotFound is returned when reading an unknown version.
	ErrVersionNotFound = errors.New("version not found")
)

// TableVersion is an immutable committed version. Files is the live file
// set after applying this version's actions.
type TableVersion struct {
	Version         int64
	BatchID         int64
	Operation       string
	Schema          record.Schema
	Files           []storage.DataFile
	Added           []storage.DataFile
	Removed         []string
	CommitTime      time.Time
	StateCheckpoint string
}

// Rows returns the number of live rows in the version.
func (v *TableVersion) Rows() int64 {
	return lo.SumBy(v.Files, func(f storage.DataFile) int64 { return f.Rows })
}

// CommitAttempt is one proposed version. BaseVersion must be the head the
// attempt was computed against. A zero Schema keeps the table schema.
type CommitAttempt struct {
	BaseVersion          int64
	BatchID              int64
	Add                  []storage.DataFile
	Remove               []string
	Schema               record.Schema
	AllowSchemaEvolution bool
	StateCheckpoint      string
}

// Dataset is the content of one version.
type Dataset struct {
	Version int64
	Schema  record.Schema
	Rows    []record.Values
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Rows) }

// Options configures a Table.
type Options struct {
	Logger      *slog.Logger
	Alloc       memory.Allocator
	// Compression of data files. The zero value selects snappy.
	Compression compress.Compression
	// CacheSize is the number of decoded data files kept in memory.
	CacheSize int
	// Clock returns commit timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// Table is a handle on one table. All writers of a table within a process
// must share one handle; writers in other processes are detected through
// the log's put-if-absent.
type Table struct {
	name    string
	objects storage.ObjectStore
	log     storage.LogStore
	logger  *slog.Logger
	alloc   memory.Allocator
	codec   compress.Compression
	clock   func() time.Time
	cache   *lru.Cache[string, []record.Values]

	// mu is the commit lock. Readers only take it briefly to look up
	// versions; the head pointer itself is read without locking.
	mu       sync.RWMutex
	head     atomic.Pointer[TableVersion]
	versions []*TableVersion
	byBatch  map[int64]*TableVersion
}

// Open loads a table from its log. A table with an empty log has no head
// until Create is called. If a crash left the head pointer behind the last
// logged version, the pointer is moved forward.
func Open(ctx context.Context, name string, objects storage.ObjectStore, log storage.LogStore, opts Options) (*Table, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Alloc == nil {
		opts.Alloc = memory.DefaultAllocator
	}
	if opts.Compression == 0 {
		opts.Compression = compress.Codecs.Snappy
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	cache, err := lru.New[string, []record.Values](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	t := &Table{
		name:    name,
		objects: objects,
		log:     log,
		logger:  opts.Logger.With("table", name),
		alloc:   opts.Alloc,
		codec:   opts.Compression,
		clock:   opts.Clock,
		cache:   cache,
		byBatch: make(map[int64]*TableVersion),
	}
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) load(ctx context.Context) error {
	if err := t.catchUp(ctx); err != nil {
		return err
	}
	last := t.head.Load()
	if last == nil {
		return nil
	}

	headPtr, err := t.log.Head(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if headPtr != last.Version {
		t.logger.Warn("head pointer behind log, advancing", "head", headPtr, "last_version", last.Version)
		if err := t.log.SetHead(ctx, last.Version); err != nil {
			return fmt.Errorf("repair head: %w", err)
		}
	}
	return nil
}

// catchUp applies the log entries this handle has not seen yet, such as
// versions committed by another process. Callers hold mu, except load.
func (t *Table) catchUp(ctx context.Context) error {
	entries, err := t.log.List(ctx)
	if err != nil {
		return fmt.Errorf("list log: %w", err)
	}

	prev := t.head.Load()
	known := int64(len(t.versions))
	for _, e := range entries {
		if e.Version < known {
			continue
		}
		if e.Version != int64(len(t.versions)) {
			return fmt.Errorf("log gap: expected version %d, found %d", len(t.versions), e.Version)
		}
		v := apply(prev, e)
		t.versions = append(t.versions, v)
		if v.BatchID > 0 {
			t.byBatch[v.BatchID] = v
		}
		prev = v
	}
	if prev != nil && int64(len(t.versions)) > known {
		t.head.Store(prev)
		metrics.TableVersion.WithLabelValues(t.name).Set(float64(prev.Version))
		if known > 0 {
			t.logger.Info("caught up with log", "from", known-1, "head", prev.Version)
		}
	}
	return nil
}

// apply derives the version described by e on top of prev.
func apply(prev *TableVersion, e *storage.LogEntry) *TableVersion {
	var live []storage.DataFile
	if prev != nil {
		removed := lo.SliceToMap(e.Remove, func(p string) (string, struct{}) { return p, struct{}{} })
		live = lo.Filter(prev.Files, func(f storage.DataFile, _ int) bool {
			_, gone := removed[f.Path]
			return !gone
		})
	}
	live = append(live, e.Add...)
	return &TableVersion{
		Version:         e.Version,
		BatchID:         e.BatchID,
		Operation:       e.Operation,
		Schema:          e.Schema,
		Files:           live,
		Added:           e.Add,
		Removed:         e.Remove,
		CommitTime:      e.CommitTime,
		StateCheckpoint: e.StateCheckpoint,
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Head returns the current head version, or nil before Create.
func (t *Table) Head() *TableVersion { return t.head.Load() }

// Create writes version 0 with the given schema and no data.
func (t *Table) Create(ctx context.Context, schema record.Schema) (*TableVersion, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaIncompatible, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.head.Load() != nil {
		return nil, ErrTableExists
	}
	e := &storage.LogEntry{
		Version:    0,
		Operation:  storage.OpCreate,
		Schema:     schema,
		CommitTime: t.clock().UTC(),
	}
	return t.publish(ctx, nil, e)
}

// EnsureCreated creates the table with schema unless it already exists.
func (t *Table) EnsureCreated(ctx context.Context, schema record.Schema) (*TableVersion, error) {
	if head := t.Head(); head != nil {
		return head, nil
	}
	v, err := t.Create(ctx, schema)
	if errors.Is(err, ErrTableExists) {
		return t.Head(), nil
	}
	return v, err
}

// Commit publishes a new version. A batch id already in the log returns the
// version it produced without writing anything. Otherwise the attempt must
// be based on the current head.
func (t *Table) Commit(ctx context.Context, a CommitAttempt) (*TableVersion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	head := t.head.Load()
	if head == nil {
		// The table may have been created through another handle.
		if err := t.catchUp(ctx); err != nil {
			return nil, err
		}
		if head = t.head.Load(); head == nil {
			return nil, ErrTableNotFound
		}
	}
	if a.BatchID > 0 {
		if v, ok := t.byBatch[a.BatchID]; ok {
			t.logger.Info("batch already committed", "batch_id", a.BatchID, "version", v.Version)
			return v, nil
		}
	}
	if a.BaseVersion != head.Version {
		if err := t.catchUp(ctx); err != nil {
			return nil, err
		}
		if v, ok := t.byBatch[a.BatchID]; ok && a.BatchID > 0 {
			t.logger.Info("batch already committed", "batch_id", a.BatchID, "version", v.Version)
			return v, nil
		}
		metrics.CommitConflicts.WithLabelValues(t.name).Inc()
		return nil, fmt.Errorf("%w: base version %d, head is %d", ErrCommitConflict, a.BaseVersion, t.head.Load().Version)
	}

	schema := head.Schema
	if a.Schema.Len() > 0 {
		if err := CheckSchema(head.Schema, a.Schema, a.AllowSchemaEvolution); err != nil {
			return nil, err
		}
		schema = a.Schema
	}

	live := lo.SliceToMap(head.Files, func(f storage.DataFile) (string, struct{}) { return f.Path, struct{}{} })
	for _, p := range a.Remove {
		if _, ok := live[p]; !ok {
			return nil, fmt.Errorf("remove %s: not a live file of version %d", p, head.Version)
		}
	}
	for _, f := range a.Add {
		ok, err := t.objects.Exists(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("check data file %s: %w", f.Path, err)
		}
		if !ok {
			return nil, fmt.Errorf("add %s: %w", f.Path, storage.ErrNotFound)
		}
	}

	op := storage.OpAppend
	if len(a.Remove) > 0 {
		op = storage.OpWrite
	}
	e := &storage.LogEntry{
		Version:         head.Version + 1,
		BatchID:         a.BatchID,
		Operation:       op,
		Schema:          schema,
		Add:             a.Add,
		Remove:          a.Remove,
		CommitTime:      t.clock().UTC(),
		StateCheckpoint: a.StateCheckpoint,
	}
	return t.publish(ctx, head, e)
}

// publish writes e to the log and advances the head. Callers hold mu.
func (t *Table) publish(ctx context.Context, prev *TableVersion, e *storage.LogEntry) (*TableVersion, error) {
	if err := t.log.Put(ctx, e); err != nil {
		if errors.Is(err, storage.ErrVersionExists) {
			// Another writer took the version. Catch up so the caller can
			// recompute against the new head.
			if err := t.catchUp(ctx); err != nil {
				return nil, err
			}
			if prev == nil {
				return nil, ErrTableExists
			}
			if v, ok := t.byBatch[e.BatchID]; ok && e.BatchID > 0 {
				t.logger.Info("batch committed by another writer", "batch_id", e.BatchID, "version", v.Version)
				return v, nil
			}
			metrics.CommitConflicts.WithLabelValues(t.name).Inc()
			return nil, fmt.Errorf("%w: version %d written by another writer", ErrCommitConflict, e.Version)
		}
		return nil, fmt.Errorf("write log entry: %w", err)
	}

	v := apply(prev, e)
	t.versions = append(t.versions, v)
	if v.BatchID > 0 {
		t.byBatch[v.BatchID] = v
	}
	t.head.Store(v)
	metrics.TableVersion.WithLabelValues(t.name).Set(float64(v.Version))

	// The log entry is the commit point; a stale head pointer is repaired
	// on the next Open.
	if err := t.log.SetHead(ctx, v.Version); err != nil {
		t.logger.Warn("failed to advance head pointer", "version", v.Version, "error", err)
	}
	t.logger.Info("committed version",
		"version", v.Version, "batch_id", v.BatchID, "operation", v.Operation,
		"added", len(v.Added), "removed", len(v.Removed))
	return v, nil
}

// Version returns a committed version.
func (t *Table) Version(version int64) (*TableVersion, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if version == Latest {
		if head := t.head.Load(); head != nil {
			return head, nil
		}
		return nil, ErrTableNotFound
	}
	if version < 0 || version >= int64(len(t.versions)) {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	return t.versions[version], nil
}

// History returns all committed versions in version order.
func (t *Table) History() []*TableVersion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*TableVersion(nil), t.versions...)
}

// WriteFile writes rows as a new data file. The file is not part of the
// table until a commit adds it.
func (t *Table) WriteFile(ctx context.Context, schema record.Schema, rows []record.Values) (storage.DataFile, error) {
	data, err := encodeParquet(t.alloc, schema, rows, t.codec)
	if err != nil {
		return storage.DataFile{}, err
	}
	path := fmt.Sprintf("data/part-%s.parquet", uuid.NewString())
	if err := t.objects.Put(ctx, path, data); err != nil {
		return storage.DataFile{}, err
	}
	return storage.DataFile{
		Path:     path,
		Rows:     int64(len(rows)),
		Size:     int64(len(data)),
		Checksum: checksum(data),
	}, nil
}

// WriteCheckpoint stores an operator state checkpoint and returns its name
// for CommitAttempt.StateCheckpoint.
func (t *Table) WriteCheckpoint(ctx context.Context, batchID int64, data []byte) (string, error) {
	name := fmt.Sprintf("_state/batch-%020d-%s.pb", batchID, uuid.NewString())
	if err := t.objects.Put(ctx, name, data); err != nil {
		return "", fmt.Errorf("write state checkpoint: %w", err)
	}
	return name, nil
}

// ReadCheckpoint returns the state checkpoint referenced by v, or nil if it
// has none.
func (t *Table) ReadCheckpoint(ctx context.Context, v *TableVersion) ([]byte, error) {
	if v == nil || v.StateCheckpoint == "" {
		return nil, nil
	}
	return t.objects.Get(ctx, v.StateCheckpoint)
}

// Read returns the rows of a version, or of the head for Latest. Rows of
// files written under an older schema are conformed to the version's
// schema.
func (t *Table) Read(ctx context.Context, version int64) (*Dataset, error) {
	v, err := t.Version(version)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{Version: v.Version, Schema: v.Schema}
	for _, f := range v.Files {
		rows, err := t.readFile(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			conformed, err := v.Schema.Conform(row)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Path, err)
			}
			ds.Rows = append(ds.Rows, conformed)
		}
	}
	return ds, nil
}

func (t *Table) readFile(ctx context.Context, f storage.DataFile) ([]record.Values, error) {
	if rows, ok := t.cache.Get(f.Path); ok {
		return rows, nil
	}
	data, err := t.objects.Get(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	if sum := checksum(data); sum != f.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Path)
	}
	rows, err := decodeParquet(ctx, t.alloc, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	t.cache.Add(f.Path, rows)
	return rows, nil
}
