package dataset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("valid columns", func(t *testing.T) {
		f, err := New(
			Column{Name: "a", Values: []any{1, 2}},
			Column{Name: "b", Values: []any{"x", "y"}},
		)
		require.NoError(t, err)
		assert.Equal(t, 2, f.NumRows())
		assert.Equal(t, 2, f.NumCols())
	})

	t.Run("ragged columns", func(t *testing.T) {
		_, err := New(
			Column{Name: "a", Values: []any{1, 2}},
			Column{Name: "b", Values: []any{"x"}},
		)
		assert.Error(t, err)
	})

	t.Run("duplicate columns", func(t *testing.T) {
		_, err := New(
			Column{Name: "a", Values: []any{1}},
			Column{Name: "a", Values: []any{2}},
		)
		assert.Error(t, err)
	})
}

func TestNilFrame(t *testing.T) {
	var f *Frame
	assert.Equal(t, 0, f.NumRows())
	assert.Equal(t, 0, f.NumCols())
	assert.Nil(t, f.Head(1))
	assert.Empty(t, f.Dtypes())
	assert.True(t, f.Equal(nil))
}

func TestHead(t *testing.T) {
	f := MustNew(Column{Name: "a", Values: []any{int64(1), int64(2), int64(3)}})

	head := f.Head(1)
	assert.Equal(t, 1, head.NumRows())
	assert.Equal(t, []any{int64(1)}, head.Columns[0].Values)

	// copy, not a view
	head.Columns[0].Values[0] = int64(9)
	assert.Equal(t, int64(1), f.Columns[0].Values[0])

	assert.Equal(t, 3, f.Head(10).NumRows())
}

func TestDtypes(t *testing.T) {
	f := MustNew(
		Column{Name: "i", Values: []any{nil, 1}},
		Column{Name: "f", Values: []any{1.5, 2.5}},
		Column{Name: "s", Values: []any{"x", nil}},
		Column{Name: "b", Values: []any{true, false}},
		Column{Name: "t", Values: []any{time.Unix(0, 0), time.Unix(1, 0)}},
		Column{Name: "o", Values: []any{[]int{1}, nil}},
	)

	assert.Equal(t, []Dtype{
		{Name: "i", Dtype: "int64"},
		{Name: "f", Dtype: "float64"},
		{Name: "s", Dtype: "string"},
		{Name: "b", Dtype: "bool"},
		{Name: "t", Dtype: "datetime"},
		{Name: "o", Dtype: "object"},
	}, f.Dtypes())
}

func TestColumnLookup(t *testing.T) {
	f := MustNew(Column{Name: "a", Values: []any{1}})

	col, ok := f.Column("a")
	require.True(t, ok)
	assert.Equal(t, []any{1}, col.Values)

	_, ok = f.Column("missing")
	assert.False(t, ok)
}
