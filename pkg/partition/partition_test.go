package partition

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sandboxws/strata/pkg/record"
)

func makeRecords(n int) []record.Record {
	recs := make([]record.Record, n)
	for i := range recs {
		recs[i] = record.New(fmt.Sprintf("k%d", i%7), record.Values{"seq": int64(i)})
	}
	return recs
}

func multiset(parts []Partition) []string {
	var out []string
	for _, p := range parts {
		for _, r := range p.Records {
			out = append(out, r.String())
		}
	}
	sort.Strings(out)
	return out
}

func TestSplitDeterministic(t *testing.T) {
	recs := makeRecords(100)
	a, err := Split(recs, 4, HashPartitioner{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Split(recs, 4, HashPartitioner{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i].Index != i {
			t.Errorf("partition %d has index %d", i, a[i].Index)
		}
		if a[i].Len() != b[i].Len() {
			t.Errorf("partition %d: split is not deterministic (%d vs %d)", i, a[i].Len(), b[i].Len())
		}
	}

	// Same key always lands in the same partition.
	for _, p := range a {
		for _, r := range p.Records {
			if got := (HashPartitioner{}).Assign(r.Key, 4); got != p.Index {
				t.Fatalf("key %s in partition %d, assigned %d", r.Key, p.Index, got)
			}
		}
	}
}

func TestSplitPreservesOrderWithinPartition(t *testing.T) {
	parts, err := Split(makeRecords(50), 3, HashPartitioner{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range parts {
		for i := 1; i < p.Len(); i++ {
			prev := p.Records[i-1].Values["seq"].(int64)
			cur := p.Records[i].Values["seq"].(int64)
			if prev >= cur {
				t.Fatalf("partition %d out of order: %d before %d", p.Index, prev, cur)
			}
		}
	}
}

func TestInvalidPartitionCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := Split(makeRecords(3), n, HashPartitioner{}, nil); !errors.Is(err, ErrInvalidPartitionCount) {
			t.Errorf("Split(n=%d): expected ErrInvalidPartitionCount, got %v", n, err)
		}
		if _, err := Repartition(nil, n, HashPartitioner{}, nil); !errors.Is(err, ErrInvalidPartitionCount) {
			t.Errorf("Repartition(n=%d): expected ErrInvalidPartitionCount, got %v", n, err)
		}
		if _, err := Coalesce(nil, n); !errors.Is(err, ErrInvalidPartitionCount) {
			t.Errorf("Coalesce(m=%d): expected ErrInvalidPartitionCount, got %v", n, err)
		}
	}
}

func TestRepartitionPreservesMultiset(t *testing.T) {
	src, err := Split(makeRecords(257), 5, HashPartitioner{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := multiset(src)

	for _, n := range []int{1, 2, 3, 8, 16, 300} {
		got, err := Repartition(src, n, HashPartitioner{}, func(r record.Record) string {
			return fmt.Sprint(r.Values["seq"])
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != n {
			t.Fatalf("n=%d: got %d partitions", n, len(got))
		}
		if Count(got) != 257 {
			t.Errorf("n=%d: record count %d, want 257", n, Count(got))
		}
		gotSet := multiset(got)
		for i := range want {
			if gotSet[i] != want[i] {
				t.Fatalf("n=%d: multiset differs at %d: %s vs %s", n, i, gotSet[i], want[i])
			}
		}
	}
}

func TestCoalesce(t *testing.T) {
	src := make([]Partition, 5)
	for i := range src {
		src[i] = Partition{Index: i, Records: []record.Record{
			record.New("a", record.Values{"p": int64(i), "n": int64(0)}),
			record.New("b", record.Values{"p": int64(i), "n": int64(1)}),
		}}
	}

	t.Run("NoOpWhenMNotSmaller", func(t *testing.T) {
		for _, m := range []int{5, 6, 100} {
			got, err := Coalesce(src, m)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(src) {
				t.Fatalf("m=%d: expected %d partitions, got %d", m, len(src), len(got))
			}
			for i := range got {
				if got[i].Index != src[i].Index || got[i].Len() != src[i].Len() {
					t.Errorf("m=%d: partition %d changed", m, i)
				}
			}
		}
	})

	t.Run("ContiguousRuns", func(t *testing.T) {
		got, err := Coalesce(src, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 partitions, got %d", len(got))
		}
		// 5 inputs into 2 outputs: [0,1,2] and [3,4].
		wantRuns := [][]int64{{0, 0, 1, 1, 2, 2}, {3, 3, 4, 4}}
		for i, p := range got {
			if p.Index != i {
				t.Errorf("output %d has index %d", i, p.Index)
			}
			if p.Len() != len(wantRuns[i]) {
				t.Fatalf("output %d: expected %d records, got %d", i, len(wantRuns[i]), p.Len())
			}
			for j, r := range p.Records {
				if r.Values["p"] != wantRuns[i][j] {
					t.Errorf("output %d record %d: from input %v, want %d", i, j, r.Values["p"], wantRuns[i][j])
				}
				if r.Values["n"] != int64(j%2) {
					t.Errorf("output %d record %d: order within input not preserved", i, j)
				}
			}
		}
	})
}

func TestRangePartitioner(t *testing.T) {
	rp, err := NewRangePartitioner("m", "f")
	if err != nil {
		t.Fatal(err)
	}
	recs := []record.Record{
		record.New("apple", nil),
		record.New("grape", nil),
		record.New("zebra", nil),
		record.New("f", nil),
	}
	parts, err := Split(recs, 3, rp, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"apple"}, {"grape", "f"}, {"zebra"}}
	for i, p := range parts {
		if p.Len() != len(want[i]) {
			t.Fatalf("partition %d: got %d records, want %d", i, p.Len(), len(want[i]))
		}
		for j, r := range p.Records {
			if r.Key != want[i][j] {
				t.Errorf("partition %d[%d] = %s, want %s", i, j, r.Key, want[i][j])
			}
		}
	}

	if _, err := Split(recs, 2, rp, nil); !errors.Is(err, ErrInvalidPartitionCount) {
		t.Errorf("expected ErrInvalidPartitionCount for mismatched range count, got %v", err)
	}
	if _, err := NewRangePartitioner("a", "a"); err == nil {
		t.Error("expected duplicate bound error")
	}
}
