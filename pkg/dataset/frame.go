package dataset

import (
	"fmt"
	"reflect"
	"time"
)

// Column is a named, ordered list of cell values.
type Column struct {
	Name   string
	Values []any
}

// Dtype pairs a column name with its inferred type label.
type Dtype struct {
	Name  string `json:"name"`
	Dtype string `json:"dtype"`
}

// Frame is a column-major table. Every column holds the same number of values.
type Frame struct {
	Columns []Column
}

// New builds a frame from columns, rejecting ragged or duplicate columns.
func New(cols ...Column) (*Frame, error) {
	seen := make(map[string]struct{}, len(cols))
	for i, col := range cols {
		if _, dup := seen[col.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
		if i > 0 && len(col.Values) != len(cols[0].Values) {
			return nil, fmt.Errorf("column %q has %d values, expected %d", col.Name, len(col.Values), len(cols[0].Values))
		}
	}
	return &Frame{Columns: cols}, nil
}

// MustNew is New for literals in tests and fixtures.
func MustNew(cols ...Column) *Frame {
	f, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return f
}

// NumRows returns the row count. A nil frame has zero rows.
func (f *Frame) NumRows() int {
	if f == nil || len(f.Columns) == 0 {
		return 0
	}
	return len(f.Columns[0].Values)
}

// NumCols returns the column count.
func (f *Frame) NumCols() int {
	if f == nil {
		return 0
	}
	return len(f.Columns)
}

// Column looks up a column by name.
func (f *Frame) Column(name string) (Column, bool) {
	if f == nil {
		return Column{}, false
	}
	for _, col := range f.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Head returns a copy holding at most the first n rows.
func (f *Frame) Head(n int) *Frame {
	if f == nil {
		return nil
	}
	if n < 0 || n > f.NumRows() {
		n = f.NumRows()
	}
	out := &Frame{Columns: make([]Column, len(f.Columns))}
	for i, col := range f.Columns {
		values := make([]any, n)
		copy(values, col.Values[:n])
		out.Columns[i] = Column{Name: col.Name, Values: values}
	}
	return out
}

// Dtypes infers a type label for every column from its first non-nil value.
func (f *Frame) Dtypes() []Dtype {
	if f == nil {
		return []Dtype{}
	}
	dtypes := make([]Dtype, len(f.Columns))
	for i, col := range f.Columns {
		dtypes[i] = Dtype{Name: col.Name, Dtype: InferDtype(col.Values)}
	}
	return dtypes
}

// Equal reports whether two frames hold the same columns and cells.
func (f *Frame) Equal(other *Frame) bool {
	if f == nil || other == nil {
		return f == other
	}
	return reflect.DeepEqual(f.Columns, other.Columns)
}

// InferDtype labels a column by the first non-nil value it holds.
func InferDtype(values []any) string {
	for _, v := range values {
		if v == nil {
			continue
		}
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return "int64"
		case float32, float64:
			return "float64"
		case string:
			return "string"
		case bool:
			return "bool"
		case time.Time:
			return "datetime"
		default:
			return "object"
		}
	}
	return "object"
}
