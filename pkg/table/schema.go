package table

import (
	"errors"
	"fmt"

	"github.com/sandboxws/strata/pkg/record"
)

// ErrSchemaIncompatible is returned when a commit's schema cannot replace
// the table schema.
var ErrSchemaIncompatible = errors.New("schema incompatible")

// CheckSchema reports whether next may replace current. Without evolution
// the schemas must be identical. With evolution, nullable columns may be
// added, types may widen and required columns may become nullable; removing
// a column, narrowing a type or adding a required column is always
// rejected.
func CheckSchema(current, next record.Schema, allowEvolution bool) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaIncompatible, err)
	}
	if current.Equal(next) {
		return nil
	}
	if !allowEvolution {
		return fmt.Errorf("%w: table has %s, commit has %s", ErrSchemaIncompatible, current, next)
	}

	for _, old := range current.Fields {
		f, ok := next.Field(old.Name)
		if !ok {
			return fmt.Errorf("%w: column %q removed", ErrSchemaIncompatible, old.Name)
		}
		if !record.Widens(old.Type, f.Type) {
			return fmt.Errorf("%w: column %q changes type %s -> %s", ErrSchemaIncompatible, old.Name, old.Type, f.Type)
		}
		if old.Nullable && !f.Nullable {
			return fmt.Errorf("%w: column %q becomes required", ErrSchemaIncompatible, old.Name)
		}
	}
	for _, f := range next.Fields {
		if current.Index(f.Name) < 0 && !f.Nullable {
			return fmt.Errorf("%w: added column %q must be nullable", ErrSchemaIncompatible, f.Name)
		}
	}
	return nil
}
