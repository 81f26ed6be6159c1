//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"
)

const defaultMemoryLimit = 256 * 1024 * 1024

// Instance is an isolated in-memory DuckDB database bound to one connection.
// It is not safe for concurrent use; every partition gets its own.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	releaseView func()
}

// NewInstance opens an in-memory DuckDB database. A memoryLimit of 0 uses
// 256MB.
func NewInstance(ctx context.Context, alloc memory.Allocator, memoryLimit int64) (*Instance, error) {
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimit
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}

	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}

	limitMB := max(memoryLimit/(1024*1024), 1)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("duckdb: set memory_limit: %w", err)
	}

	return &Instance{db: db, conn: conn, alloc: alloc}, nil
}

// Close drops the registered view and the database.
func (inst *Instance) Close() error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
	if inst.conn != nil {
		inst.conn.Close()
	}
	if inst.db != nil {
		return inst.db.Close()
	}
	return nil
}

// RegisterView exposes rec to SQL under name. Registering a new view
// releases the previous one.
func (inst *Instance) RegisterView(rec arrow.Record, name string) error {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}

	return inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}

		rdr, err := array.NewRecordReader(rec.Schema(), []arrow.Record{rec})
		if err != nil {
			return fmt.Errorf("duckdb: record reader: %w", err)
		}

		release, err := arrowConn.RegisterView(rdr, name)
		if err != nil {
			return fmt.Errorf("duckdb: register view %s: %w", name, err)
		}
		inst.releaseView = release
		return nil
	})
}

// Query runs querySQL and returns the whole result as one record. The
// caller releases it.
func (inst *Instance) Query(ctx context.Context, querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}

		rdr, err := arrowConn.QueryContext(ctx, querySQL)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()

		var chunks []arrow.Record
		defer func() {
			for _, c := range chunks {
				c.Release()
			}
		}()
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			chunks = append(chunks, rec)
		}
		if err := rdr.Err(); err != nil {
			return fmt.Errorf("duckdb: read results: %w", err)
		}

		result, err = concat(inst.alloc, rdr.Schema(), chunks)
		return err
	})
	return result, err
}

// concat merges result chunks column by column.
func concat(alloc memory.Allocator, schema *arrow.Schema, chunks []arrow.Record) (arrow.Record, error) {
	switch len(chunks) {
	case 0:
		return array.NewRecord(schema, nil, 0), nil
	case 1:
		chunks[0].Retain()
		return chunks[0], nil
	}

	var rows int64
	for _, c := range chunks {
		rows += c.NumRows()
	}

	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i := range cols {
		parts := make([]arrow.Array, len(chunks))
		for j, c := range chunks {
			parts[j] = c.Column(i)
		}
		merged, err := array.Concatenate(parts, alloc)
		if err != nil {
			return nil, fmt.Errorf("duckdb: concatenate column %s: %w", schema.Field(i).Name, err)
		}
		cols[i] = merged
	}
	return array.NewRecord(schema, cols, rows), nil
}
