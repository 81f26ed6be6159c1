// Package record defines the row model that flows through the engine and its
// conversion to and from Arrow record batches.
package record

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Values holds the named column values of one row.
type Values map[string]any

// Clone returns a shallow copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// String renders v with keys in sorted order, which makes it usable as a
// canonical identity in tests and logs.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", k, v[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Record is a single input or output row.
type Record struct {
	// Key routes the record to a partition and to its state shard.
	Key string

	// EventTime is the time the event happened. Zero means unknown, in which
	// case windowed operators fall back to the batch arrival time.
	EventTime time.Time

	Values Values
}

// New creates a record with the given key and values.
func New(key string, values Values) Record {
	return Record{Key: key, Values: values}
}

// Clone returns a copy of r whose Values map can be modified independently.
func (r Record) Clone() Record {
	return Record{Key: r.Key, EventTime: r.EventTime, Values: r.Values.Clone()}
}

// String renders the record for logs and test failure messages.
func (r Record) String() string {
	return fmt.Sprintf("%s=%s", r.Key, r.Values)
}
