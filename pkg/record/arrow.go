package record

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ArrowType returns the Arrow data type used to store t.
func ArrowType(t Type) (arrow.DataType, error) {
	switch t {
	case Int32:
		return arrow.PrimitiveTypes.Int32, nil
	case Int64:
		return arrow.PrimitiveTypes.Int64, nil
	case Float32:
		return arrow.PrimitiveTypes.Float32, nil
	case Float64:
		return arrow.PrimitiveTypes.Float64, nil
	case String:
		return arrow.BinaryTypes.String, nil
	case Bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case Timestamp:
		return arrow.FixedWidthTypes.Timestamp_ms, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// ToArrowSchema converts s to an Arrow schema.
func ToArrowSchema(s Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		dt, err := ArrowType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// FromArrowSchema converts an Arrow schema to a Schema. Narrow integer and
// large string types are mapped onto the closest supported type.
func FromArrowSchema(as *arrow.Schema) (Schema, error) {
	fields := make([]Field, as.NumFields())
	for i := 0; i < as.NumFields(); i++ {
		f := as.Field(i)
		var t Type
		switch f.Type.ID() {
		case arrow.INT8, arrow.INT16, arrow.INT32, arrow.UINT8, arrow.UINT16:
			t = Int32
		case arrow.INT64, arrow.UINT32, arrow.UINT64:
			t = Int64
		case arrow.FLOAT32:
			t = Float32
		case arrow.FLOAT64:
			t = Float64
		case arrow.STRING, arrow.LARGE_STRING:
			t = String
		case arrow.BOOL:
			t = Bool
		case arrow.TIMESTAMP:
			t = Timestamp
		default:
			return Schema{}, fmt.Errorf("field %q: unsupported arrow type %s", f.Name, f.Type)
		}
		fields[i] = Field{Name: f.Name, Type: t, Nullable: f.Nullable}
	}
	return Schema{Fields: fields}, nil
}

// ToArrow builds an Arrow record from rows conforming to s.
// The caller is responsible for releasing the returned Record.
func ToArrow(alloc memory.Allocator, s Schema, rows []Values) (arrow.Record, error) {
	as, err := ToArrowSchema(s)
	if err != nil {
		return nil, err
	}

	numCols := as.NumFields()
	builders := make([]array.Builder, numCols)
	for i := 0; i < numCols; i++ {
		builders[i] = array.NewBuilder(alloc, as.Field(i).Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for r, row := range rows {
		for i, f := range s.Fields {
			val, ok := row[f.Name]
			if !ok || val == nil {
				if !f.Nullable {
					return nil, fmt.Errorf("row %d: field %q: required value is missing", r, f.Name)
				}
				builders[i].AppendNull()
				continue
			}
			if err := appendValue(builders[i], f.Type, val); err != nil {
				return nil, fmt.Errorf("row %d: field %q: %w", r, f.Name, err)
			}
		}
	}

	arrays := make([]arrow.Array, numCols)
	for i, b := range builders {
		arrays[i] = b.NewArray()
	}

	rec := array.NewRecord(as, arrays, int64(len(rows)))
	// NewRecord retains each array; release our references.
	for _, a := range arrays {
		a.Release()
	}
	return rec, nil
}

func appendValue(bldr array.Builder, t Type, val any) error {
	cv, err := Coerce(val, t)
	if err != nil {
		return err
	}
	switch b := bldr.(type) {
	case *array.Int32Builder:
		b.Append(cv.(int32))
	case *array.Int64Builder:
		b.Append(cv.(int64))
	case *array.Float32Builder:
		b.Append(cv.(float32))
	case *array.Float64Builder:
		b.Append(cv.(float64))
	case *array.StringBuilder:
		b.Append(cv.(string))
	case *array.BooleanBuilder:
		b.Append(cv.(bool))
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(cv.(time.Time).UnixMilli()))
	default:
		return fmt.Errorf("unsupported builder %T", bldr)
	}
	return nil
}

// FromArrow converts every row of rec to Values keyed by column name.
func FromArrow(rec arrow.Record) ([]Values, error) {
	numRows := int(rec.NumRows())
	rows := make([]Values, numRows)
	for i := range rows {
		rows[i] = make(Values, rec.NumCols())
	}

	schema := rec.Schema()
	for col := 0; col < int(rec.NumCols()); col++ {
		name := schema.Field(col).Name
		arr := rec.Column(col)
		for row := 0; row < numRows; row++ {
			if arr.IsNull(row) {
				rows[row][name] = nil
				continue
			}
			v, err := arrowValue(arr, row)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			rows[row][name] = v
		}
	}
	return rows, nil
}

func arrowValue(arr arrow.Array, i int) (any, error) {
	switch a := arr.(type) {
	case *array.Int8:
		return int32(a.Value(i)), nil
	case *array.Int16:
		return int32(a.Value(i)), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return int32(a.Value(i)), nil
	case *array.Uint16:
		return int32(a.Value(i)), nil
	case *array.Uint32:
		return int64(a.Value(i)), nil
	case *array.Uint64:
		return int64(a.Value(i)), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported arrow array %T", arr)
	}
}
