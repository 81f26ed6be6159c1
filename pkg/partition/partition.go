// Package partition splits record sequences into ordered partitions and
// redistributes them: hash or range placement, re-hash shuffles and narrow
// coalescing.
package partition

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/sandboxws/strata/pkg/record"
)

// ErrInvalidPartitionCount is returned when a partition count is not positive.
var ErrInvalidPartitionCount = errors.New("invalid partition count")

// Partition is an ordered, immutable run of records with its index in the
// partition set. Transformations return new partitions.
type Partition struct {
	Index   int
	Records []record.Record
}

// Len returns the number of records in the partition.
func (p Partition) Len() int { return len(p.Records) }

// KeyFunc extracts the routing key of a record.
type KeyFunc func(record.Record) string

// ByRecordKey routes records by their Key field.
func ByRecordKey(r record.Record) string { return r.Key }

// Partitioner assigns a key to one of n partitions.
type Partitioner interface {
	Assign(key string, n int) int
}

// HashPartitioner places keys by xxhash64 modulo n.
type HashPartitioner struct{}

// Assign implements Partitioner.
func (HashPartitioner) Assign(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// RangePartitioner places keys by sorted, exclusive upper bounds:
// partition i holds keys in [Bounds[i-1], Bounds[i]) and the last partition
// holds everything from the last bound upwards. It requires n == len(Bounds)+1.
type RangePartitioner struct {
	Bounds []string
}

// NewRangePartitioner validates and sorts the bounds.
func NewRangePartitioner(bounds ...string) (*RangePartitioner, error) {
	sorted := append([]string(nil), bounds...)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("duplicate range bound %q", sorted[i])
		}
	}
	return &RangePartitioner{Bounds: sorted}, nil
}

// Assign implements Partitioner. Keys beyond n-1 ranges collapse into the
// last partition, which only happens when n does not match the bounds;
// Split rejects that case up front.
func (r *RangePartitioner) Assign(key string, n int) int {
	idx := sort.Search(len(r.Bounds), func(i int) bool { return key < r.Bounds[i] })
	if idx >= n {
		return n - 1
	}
	return idx
}

func checkCount(p Partitioner, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPartitionCount, n)
	}
	if rp, ok := p.(*RangePartitioner); ok && n != len(rp.Bounds)+1 {
		return fmt.Errorf("%w: range partitioner with %d bounds needs %d partitions, got %d",
			ErrInvalidPartitionCount, len(rp.Bounds), len(rp.Bounds)+1, n)
	}
	return nil
}

// Split distributes records into exactly n partitions. Records that land in
// the same partition keep their relative input order.
func Split(records []record.Record, n int, p Partitioner, keyFn KeyFunc) ([]Partition, error) {
	if err := checkCount(p, n); err != nil {
		return nil, err
	}
	if keyFn == nil {
		keyFn = ByRecordKey
	}

	parts := make([]Partition, n)
	for i := range parts {
		parts[i].Index = i
	}
	for _, r := range records {
		idx := p.Assign(keyFn(r), n)
		parts[idx].Records = append(parts[idx].Records, r)
	}
	return parts, nil
}

// Repartition shuffles records into exactly n new partitions by re-assigning
// every key. No record is lost or duplicated; order across partitions is
// unspecified.
func Repartition(parts []Partition, n int, p Partitioner, keyFn KeyFunc) ([]Partition, error) {
	if err := checkCount(p, n); err != nil {
		return nil, err
	}
	total := 0
	for _, part := range parts {
		total += part.Len()
	}
	all := make([]record.Record, 0, total)
	for _, part := range parts {
		all = append(all, part.Records...)
	}
	return Split(all, n, p, keyFn)
}

// Coalesce merges adjacent partitions into m partitions without moving
// records across runs: every output is the concatenation of a contiguous run
// of inputs. When m >= len(parts) the input is returned unchanged.
func Coalesce(parts []Partition, m int) ([]Partition, error) {
	if m <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartitionCount, m)
	}
	if m >= len(parts) {
		return parts, nil
	}

	out := make([]Partition, m)
	size, extra := len(parts)/m, len(parts)%m
	next := 0
	for i := 0; i < m; i++ {
		// The first `extra` outputs take one more input each.
		run := size
		if i < extra {
			run++
		}
		total := 0
		for _, p := range parts[next : next+run] {
			total += p.Len()
		}
		recs := make([]record.Record, 0, total)
		for _, p := range parts[next : next+run] {
			recs = append(recs, p.Records...)
		}
		out[i] = Partition{Index: i, Records: recs}
		next += run
	}
	return out, nil
}

// Count returns the total number of records across parts.
func Count(parts []Partition) int {
	total := 0
	for _, p := range parts {
		total += p.Len()
	}
	return total
}
