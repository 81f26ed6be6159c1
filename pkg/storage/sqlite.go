package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a LogStore backed by a SQLite database. The version column
// is the primary key, so concurrent writers of the same version cannot both
// succeed.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (and initializes) the database at path.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite log path is empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite log: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers within the process.
	db.SetMaxOpenConns(1)

	l := &SQLiteLog{db: db}
	if err := l.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) init() error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, p := range pragmas {
		if _, err := l.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma failed (%s): %w", p, err)
		}
	}
	_, err := l.db.Exec(`
CREATE TABLE IF NOT EXISTS log_versions (
	version INTEGER PRIMARY KEY,
	batch_id INTEGER NOT NULL,
	entry BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS log_head (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("create log schema: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Put(ctx context.Context, e *LogEntry) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO log_versions(version, batch_id, entry) VALUES (?, ?, ?) ON CONFLICT(version) DO NOTHING`,
		e.Version, e.BatchID, data)
	if err != nil {
		return fmt.Errorf("append log entry %d: %w", e.Version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrVersionExists, e.Version)
	}
	return nil
}

func (l *SQLiteLog) List(ctx context.Context) ([]*LogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT entry FROM log_versions ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := DecodeLogEntry(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) SetHead(ctx context.Context, version int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO log_head(id, version) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET version = excluded.version`,
		version)
	if err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Head(ctx context.Context) (int64, error) {
	var v int64
	err := l.db.QueryRowContext(ctx, `SELECT version FROM log_head WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("read head: %w", err)
	}
	return v, nil
}

func (l *SQLiteLog) Close() error { return l.db.Close() }
