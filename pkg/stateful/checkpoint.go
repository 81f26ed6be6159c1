package stateful

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// Checkpoint encodes the committed state, with pending applied on top, as a
// protobuf Struct:
//
//	{operator, state_schema: [{name, type, nullable}], closed_up_to,
//	 entries: [{key, window_start, window_end, acc: {...}}]}
//
// int64 values and timestamps are stored as strings; Restore converts them
// back using the state schema. The scheduler checkpoints the deltas of a
// batch before committing it, so the checkpoint lands in the same version.
func (r *Runtime) Checkpoint(pending ...Delta) ([]byte, error) {
	r.mu.RLock()
	shards := r.shards
	closedUpTo := r.closedUpTo
	if len(pending) > 0 {
		shards = make([]map[StateKey]record.Values, len(r.shards))
		for i, s := range r.shards {
			shards[i] = make(map[StateKey]record.Values, len(s))
			for sk, acc := range s {
				shards[i][sk] = acc
			}
		}
		closedUpTo = applyDeltas(shards, closedUpTo, pending)
	}
	defer r.mu.RUnlock()

	schema := r.agg.StateSchema()
	fields := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		fields[i] = map[string]any{"name": f.Name, "type": string(f.Type), "nullable": f.Nullable}
	}

	var entries []any
	for _, shard := range shards {
		for _, sk := range sortedKeys(shard) {
			acc := make(map[string]any, len(shard[sk]))
			for k, v := range shard[sk] {
				acc[k] = encodeValue(v)
			}
			e := map[string]any{"key": sk.Key, "acc": acc}
			if !sk.Window.IsZero() {
				e["window_start"] = encodeValue(sk.Window.Start)
				e["window_end"] = encodeValue(sk.Window.End)
			}
			entries = append(entries, e)
		}
	}

	m := map[string]any{
		"operator":     r.agg.Name(),
		"state_schema": fields,
		"entries":      entries,
	}
	if !closedUpTo.IsZero() {
		m["closed_up_to"] = encodeValue(closedUpTo)
	}

	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return proto.Marshal(st)
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// Restore replaces all state with a checkpoint produced by Checkpoint.
// Entries are placed into shards by the runtime's partitioner, so the
// partition count may differ from the one that wrote the checkpoint. It
// returns ErrStateIncompatible when the stored state schema differs from the
// operator's.
func (r *Runtime) Restore(data []byte) error {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrStateIncompatible, err)
	}
	m := st.AsMap()

	stored, err := decodeSchema(m["state_schema"])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateIncompatible, err)
	}
	want := r.agg.StateSchema()
	if !stored.Equal(want) {
		return fmt.Errorf("%w: stored %s, operator %s declares %s",
			ErrStateIncompatible, stored, r.agg.Name(), want)
	}

	shards := make([]map[StateKey]record.Values, len(r.shards))
	for i := range shards {
		shards[i] = make(map[StateKey]record.Values)
	}
	entries, _ := m["entries"].([]any)
	for i, raw := range entries {
		e, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: entry %d is %T", ErrStateIncompatible, i, raw)
		}
		sk, err := decodeKey(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrStateIncompatible, i, err)
		}
		accMap, _ := e["acc"].(map[string]any)
		acc, err := want.Conform(record.Values(accMap))
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrStateIncompatible, i, err)
		}
		idx := r.partitioner.Assign(sk.Key, len(shards))
		shards[idx][sk] = acc
	}

	var closed time.Time
	if v, ok := m["closed_up_to"]; ok {
		t, err := record.Coerce(v, record.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: closed_up_to: %v", ErrStateIncompatible, err)
		}
		closed = t.(time.Time)
	}

	r.mu.Lock()
	r.shards = shards
	r.closedUpTo = closed
	r.mu.Unlock()

	r.logger.Info("state restored", "entries", len(entries), "closed_up_to", closed)
	return nil
}

func decodeSchema(raw any) (record.Schema, error) {
	list, ok := raw.([]any)
	if !ok {
		return record.Schema{}, fmt.Errorf("missing state schema")
	}
	var s record.Schema
	for i, item := range list {
		f, ok := item.(map[string]any)
		if !ok {
			return record.Schema{}, fmt.Errorf("state schema field %d is %T", i, item)
		}
		name, _ := f["name"].(string)
		typ, _ := f["type"].(string)
		nullable, _ := f["nullable"].(bool)
		s.Fields = append(s.Fields, record.Field{Name: name, Type: record.Type(typ), Nullable: nullable})
	}
	return s, nil
}

func decodeKey(e map[string]any) (StateKey, error) {
	key, _ := e["key"].(string)
	sk := StateKey{Key: key}
	if _, ok := e["window_start"]; !ok {
		return sk, nil
	}
	start, err := record.Coerce(e["window_start"], record.Timestamp)
	if err != nil {
		return sk, err
	}
	end, err := record.Coerce(e["window_end"], record.Timestamp)
	if err != nil {
		return sk, err
	}
	sk.Window = operator.Window{Start: start.(time.Time), End: end.(time.Time)}
	return sk, nil
}
