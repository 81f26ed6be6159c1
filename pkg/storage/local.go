package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// LocalObjectStore stores objects as files under a root directory. Objects
// are written to a temporary file and published with a hard link, which
// fails if the name is taken.
type LocalObjectStore struct {
	root string
}

// NewLocalObjectStore creates the root directory if needed.
func NewLocalObjectStore(root string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &LocalObjectStore{root: root}, nil
}

func (s *LocalObjectStore) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalObjectStore) Put(_ context.Context, name string, data []byte) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := publish(dst, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

func (s *LocalObjectStore) Get(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

func (s *LocalObjectStore) Exists(_ context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, err
}

// publish writes data to a synced temp file next to dst and links it into
// place. The link fails with fs.ErrExist if dst already exists.
func publish(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), dst)
}

// FileLog is a LogStore keeping one JSON file per version under
// <dir>/_log/ and the head version in <dir>/_log/_head. Writers across
// processes are serialized with a file lock.
type FileLog struct {
	dir  string
	lock *flock.Flock
}

const lockRetryDelay = 10 * time.Millisecond

const (
	logDirName  = "_log"
	headName    = "_head"
	lockName    = ".lock"
	entrySuffix = ".json"
)

// NewFileLog opens or creates a file log rooted at dir.
func NewFileLog(dir string) (*FileLog, error) {
	logDir := filepath.Join(dir, logDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileLog{dir: logDir, lock: flock.New(filepath.Join(logDir, lockName))}, nil
}

func (l *FileLog) entryPath(version int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%020d%s", version, entrySuffix))
}

func (l *FileLog) withLock(ctx context.Context, fn func() error) error {
	locked, err := l.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock log: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock log: not acquired")
	}
	defer l.lock.Unlock()
	return fn()
}

func (l *FileLog) Put(ctx context.Context, e *LogEntry) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	return l.withLock(ctx, func() error {
		if err := publish(l.entryPath(e.Version), data); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%w: %d", ErrVersionExists, e.Version)
			}
			return fmt.Errorf("write log entry %d: %w", e.Version, err)
		}
		return nil
	})
}

func (l *FileLog) List(_ context.Context) ([]*LogEntry, error) {
	names, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var out []*LogEntry
	// Zero-padded names sort in version order.
	for _, de := range names {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, entrySuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := strconv.ParseInt(strings.TrimSuffix(name, entrySuffix), 10, 64); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, err
		}
		e, err := DecodeLogEntry(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *FileLog) SetHead(ctx context.Context, version int64) error {
	return l.withLock(ctx, func() error {
		tmp, err := os.CreateTemp(l.dir, ".head-*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(strconv.FormatInt(version, 10)); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), filepath.Join(l.dir, headName))
	})
}

func (l *FileLog) Head(_ context.Context) (int64, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, headName))
	if errors.Is(err, fs.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return -1, fmt.Errorf("corrupt head pointer: %w", err)
	}
	return v, nil
}

func (l *FileLog) Close() error { return nil }
