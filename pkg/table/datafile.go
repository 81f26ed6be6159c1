package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/cespare/xxhash/v2"

	"github.com/sandboxws/strata/pkg/record"
)

// ErrChecksumMismatch is returned when a data file's content does not match
// the checksum recorded in the log.
var ErrChecksumMismatch = errors.New("data file checksum mismatch")

// ParseCompression maps a codec name to a Parquet compression codec.
// Unknown names fall back to snappy.
func ParseCompression(s string) compress.Compression {
	switch s {
	case "zstd":
		return compress.Codecs.Zstd
	case "gzip":
		return compress.Codecs.Gzip
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}

// encodeParquet writes rows conforming to schema as one Parquet file.
func encodeParquet(alloc memory.Allocator, schema record.Schema, rows []record.Values, codec compress.Compression) ([]byte, error) {
	rec, err := record.ToArrow(alloc, schema, rows)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithCompression(codec))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	w, err := pqarrow.NewFileWriter(rec.Schema(), &buf, props, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeParquet reads all rows of a Parquet file.
func decodeParquet(ctx context.Context, alloc memory.Allocator, data []byte) ([]record.Values, error) {
	rdr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 1024}, alloc)
	if err != nil {
		return nil, fmt.Errorf("parquet arrow reader: %w", err)
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("parquet record reader: %w", err)
	}
	defer rr.Release()

	var rows []record.Values
	for rr.Next() {
		vals, err := record.FromArrow(rr.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, vals...)
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return rows, nil
}

func checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}
