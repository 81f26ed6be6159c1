package record

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// number matches decoded JSON numbers (encoding/json and go-json both
// produce a type with this method set when UseNumber is enabled).
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

// Coerce converts v to the Go representation of t:
// int32, int64, float32, float64, string, bool or time.Time.
// nil passes through unchanged.
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Int32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d overflows int32", n)
		}
		return int32(n), nil
	case Int64:
		return toInt64(v)
	case Float32:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case Float64:
		return toFloat64(v)
	case String:
		return toString(v), nil
	case Bool:
		return toBool(v)
	case Timestamp:
		return toTime(v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return floatToInt64(float64(x))
	case float64:
		return floatToInt64(x)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to int64", x)
		}
		return n, nil
	case time.Time:
		return x.UnixMilli(), nil
	case number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("cannot convert %s to int64", x.String())
		}
		return floatToInt64(f)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

// floatToInt64 accepts only whole numbers within the int64 range.
func floatToInt64(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("value %v is not a whole number", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("value %v overflows int64", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to float64", x)
		}
		return f, nil
	case number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("cannot convert %s to float64", x.String())
		}
		return f, nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to float64", v)
		}
		return float64(n), nil
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("cannot convert %q to bool", x)
		}
		return b, nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert %T to bool", v)
		}
		return n != 0, nil
	}
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err == nil {
			return t.UTC(), nil
		}
		ms, perr := strconv.ParseInt(x, 10, 64)
		if perr != nil {
			return time.Time{}, fmt.Errorf("cannot convert %q to timestamp", x)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		// Numeric timestamps are milliseconds since the epoch.
		ms, err := toInt64(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", v)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
}

// Compare orders two non-nil values of the same column type. Mixed numeric
// values are compared as float64.
func Compare(a, b any) int {
	switch x := a.(type) {
	case string:
		y := toString(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case time.Time:
		y, err := toTime(b)
		if err != nil {
			return 0
		}
		return x.Compare(y)
	case bool:
		y, _ := toBool(b)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	}
	if ai, aok := a.(int64); aok {
		if bi, bok := b.(int64); bok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		}
	}
	fa, errA := toFloat64(a)
	fb, errB := toFloat64(b)
	if errA != nil || errB != nil {
		return 0
	}
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}
