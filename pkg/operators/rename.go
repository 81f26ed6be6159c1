package operators

import (
	"github.com/sandboxws/strata/pkg/operator"
	"github.com/sandboxws/strata/pkg/record"
)

// Rename renames columns. Columns not in the rename map keep their names.
type Rename struct {
	columns map[string]string // old_name -> new_name
}

// NewRename creates a Rename operator.
func NewRename(columns map[string]string) *Rename {
	return &Rename{columns: columns}
}

func (r *Rename) Name() string { return "rename" }

func (r *Rename) Apply(_ *operator.Context, rec record.Record) ([]record.Record, error) {
	vals := make(record.Values, len(rec.Values))
	for k, v := range rec.Values {
		if newName, ok := r.columns[k]; ok {
			k = newName
		}
		vals[k] = v
	}
	rec.Values = vals
	return []record.Record{rec}, nil
}
