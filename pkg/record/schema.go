package record

import (
	"errors"
	"fmt"
	"strings"
)

// Type is a column type.
type Type string

const (
	Int32     Type = "int32"
	Int64     Type = "int64"
	Float32   Type = "float32"
	Float64   Type = "float64"
	String    Type = "string"
	Bool      Type = "bool"
	Timestamp Type = "timestamp"
)

// ErrUnknownType is returned when a type name cannot be parsed.
var ErrUnknownType = errors.New("unknown column type")

// ParseType parses a type name as it appears in configuration files.
// A few common aliases are accepted.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int32", "int":
		return Int32, nil
	case "int64", "long", "bigint":
		return Int64, nil
	case "float32", "float":
		return Float32, nil
	case "float64", "double":
		return Float64, nil
	case "string", "utf8", "text":
		return String, nil
	case "bool", "boolean":
		return Bool, nil
	case "timestamp", "timestamp_ms":
		return Timestamp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// Widens reports whether a column of type from can be read as type to
// without losing information.
func Widens(from, to Type) bool {
	if from == to {
		return true
	}
	switch from {
	case Int32:
		return to == Int64 || to == Float64
	case Float32:
		return to == Float64
	}
	return false
}

// Field describes one column.
type Field struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
}

func (f Field) String() string {
	if f.Nullable {
		return fmt.Sprintf("%s %s", f.Name, f.Type)
	}
	return fmt.Sprintf("%s %s not null", f.Name, f.Type)
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field `json:"fields"`
}

// NewSchema creates a schema from fields.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// Len returns the number of fields.
func (s Schema) Len() int { return len(s.Fields) }

// Index returns the position of the named field, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Fields[i], true
	}
	return Field{}, false
}

// Names returns the field names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Equal reports whether both schemas have the same fields in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Validate checks that the schema is usable: non-empty, unique names and
// known types.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return errors.New("schema has no fields")
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field[%d]: empty name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if _, err := ParseType(string(f.Type)); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

// Conform coerces v to the schema: every field is converted to its declared
// type, missing nullable fields become nil and fields not in the schema are
// dropped. A missing or null value for a required field is an error.
func (s Schema) Conform(v Values) (Values, error) {
	out := make(Values, len(s.Fields))
	for _, f := range s.Fields {
		raw, ok := v[f.Name]
		if !ok || raw == nil {
			if !f.Nullable {
				return nil, fmt.Errorf("field %q: required value is missing", f.Name)
			}
			out[f.Name] = nil
			continue
		}
		cv, err := Coerce(raw, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[f.Name] = cv
	}
	return out, nil
}
