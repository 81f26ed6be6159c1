// Package backend runs stateless operator pipelines over a single partition.
package backend

import (
	"fmt"
	"log/slog"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/partition"
	"github.com/sandboxws/strata/pkg/record"
)

// Stage is one step of a pipeline: an operator.Transform or an
// operator.BatchTransform.
type Stage interface {
	Name() string
}

// Backend executes a pipeline of stages over one partition and returns the
// transformed partition. The input partition is never modified.
type Backend interface {
	Execute(ctx *operator.Context, stages []Stage, part partition.Partition) (partition.Partition, error)
}

// Validate checks that every stage is a supported operator kind.
func Validate(stages []Stage) error {
	for i, s := range stages {
		switch s.(type) {
		case operator.Transform, operator.BatchTransform:
		default:
			return fmt.Errorf("stage %d (%s): unsupported operator type %T", i, s.Name(), s)
		}
	}
	return nil
}

// Local runs pipelines in the calling goroutine. Consecutive record
// transforms are fused into a single pass: each record flows through the
// whole chain before the next one is read.
type Local struct {
	logger *slog.Logger
}

// NewLocal creates a Local backend.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger}
}

// segment is either a fused run of record transforms or a single batch
// transform.
type segment struct {
	chain []operator.Transform
	batch operator.BatchTransform
}

func fuse(stages []Stage) ([]segment, error) {
	if err := Validate(stages); err != nil {
		return nil, err
	}
	var segs []segment
	for _, s := range stages {
		if t, ok := s.(operator.Transform); ok {
			if n := len(segs); n > 0 && segs[n-1].batch == nil {
				segs[n-1].chain = append(segs[n-1].chain, t)
				continue
			}
			segs = append(segs, segment{chain: []operator.Transform{t}})
			continue
		}
		segs = append(segs, segment{batch: s.(operator.BatchTransform)})
	}
	return segs, nil
}

// Execute implements Backend.
func (l *Local) Execute(ctx *operator.Context, stages []Stage, part partition.Partition) (partition.Partition, error) {
	segs, err := fuse(stages)
	if err != nil {
		return partition.Partition{}, err
	}

	recs := part.Records
	ctx.Metrics.RecordsIn.Add(int64(len(recs)))
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return partition.Partition{}, err
		}
		if seg.batch != nil {
			recs, err = runBatch(ctx, seg.batch, recs)
		} else {
			recs, err = runChain(ctx, seg.chain, recs)
		}
		if err != nil {
			ctx.Metrics.Errors.Add(1)
			return partition.Partition{}, err
		}
	}
	ctx.Metrics.RecordsOut.Add(int64(len(recs)))

	l.logger.Debug("partition executed",
		"batch_id", ctx.BatchID, "partition", part.Index,
		"records_in", part.Len(), "records_out", len(recs))
	return partition.Partition{Index: part.Index, Records: recs}, nil
}

func runBatch(ctx *operator.Context, bt operator.BatchTransform, recs []record.Record) (out []record.Record, err error) {
	defer operator.Recover(bt.Name(), ctx.Partition, &err)
	out, err = bt.ApplyBatch(ctx, recs)
	return out, operator.Wrap(bt.Name(), ctx.Partition, err)
}

func runChain(ctx *operator.Context, chain []operator.Transform, recs []record.Record) ([]record.Record, error) {
	out := make([]record.Record, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pending := []record.Record{rec}
		for _, t := range chain {
			var next []record.Record
			for _, r := range pending {
				res, err := apply(ctx, t, r)
				if err != nil {
					return nil, err
				}
				next = append(next, res...)
			}
			pending = next
			if len(pending) == 0 {
				ctx.Metrics.Dropped.Add(1)
				break
			}
		}
		out = append(out, pending...)
	}
	return out, nil
}

func apply(ctx *operator.Context, t operator.Transform, rec record.Record) (out []record.Record, err error) {
	defer operator.Recover(t.Name(), ctx.Partition, &err)
	out, err = t.Apply(ctx, rec)
	return out, operator.Wrap(t.Name(), ctx.Partition, err)
}
