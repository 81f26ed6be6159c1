// Package duckdb runs SQL over a partition with an embedded DuckDB database.
// Without the "duckdb" build tag every constructor returns
// ErrDuckDBNotAvailable.
package duckdb

type config struct {
	keyColumn   string
	timeColumn  string
	memoryLimit int64
}

// Option configures a Query.
type Option func(*config)

// WithKeyColumn sets the result column whose value becomes the record key.
func WithKeyColumn(col string) Option {
	return func(c *config) { c.keyColumn = col }
}

// WithTimeColumn sets the result column read back as the event time.
func WithTimeColumn(col string) Option {
	return func(c *config) { c.timeColumn = col }
}

// WithMemoryLimit caps the DuckDB memory per partition, in bytes.
func WithMemoryLimit(bytes int64) Option {
	return func(c *config) { c.memoryLimit = bytes }
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
