package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/tabula/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	frame    *dataset.Frame
	writeErr error
	writes   int
}

func (s *stubSource) Read(ctx context.Context) (*dataset.Frame, error) {
	return s.frame, nil
}

func (s *stubSource) Write(ctx context.Context, f *dataset.Frame) (Shape, error) {
	if s.writeErr != nil {
		return Shape{}, s.writeErr
	}
	s.writes++
	s.frame = f
	return Shape{Rows: int64(f.NumRows()), Dtypes: f.Dtypes(), Large: f.NumRows() > 1}, nil
}

func TestNewSession(t *testing.T) {
	s := New("1")

	assert.Equal(t, "1", s.ID)
	assert.NotNil(t, s.Settings)
	assert.NotNil(t, s.ContextVariables)
	assert.NotNil(t, s.Metadata)
	assert.NotNil(t, s.DatasetDim)
	assert.Empty(t, s.History)
	assert.False(t, s.Created.IsZero())
}

func TestMergeSettings(t *testing.T) {
	s := New("1")
	s.MergeSettings(map[string]any{"a": 1})
	s.MergeSettings(map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, s.Settings)

	s.MergeSettings(map[string]any{"a": 3})
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, s.Settings)
}

func TestClone(t *testing.T) {
	s := New("1")
	s.MergeSettings(map[string]any{"a": 1})
	s.AppendHistory("step 1")

	c := s.Clone()
	c.MergeSettings(map[string]any{"b": 2})
	c.AppendHistory("step 2")

	assert.Equal(t, map[string]any{"a": 1}, s.Settings)
	assert.Equal(t, []string{"step 1"}, s.History)
	assert.Equal(t, []string{"step 1", "step 2"}, c.History)
}

func TestLoadStoreData(t *testing.T) {
	ctx := context.Background()
	f := dataset.MustNew(dataset.Column{Name: "a", Values: []any{1, 2}})

	t.Run("local payload", func(t *testing.T) {
		s := New("1")
		require.NoError(t, s.StoreData(ctx, f))

		got, err := s.LoadData(ctx)
		require.NoError(t, err)
		assert.Same(t, f, got)
	})

	t.Run("bound payload", func(t *testing.T) {
		src := &stubSource{}
		s := New("1")
		s.Bind(src)

		require.NoError(t, s.StoreData(ctx, f))
		assert.Nil(t, s.Data)
		assert.True(t, s.Large)
		assert.Equal(t, int64(2), s.Metadata["rows"])
		assert.Equal(t, f.Dtypes(), s.Dtypes)
		assert.Equal(t, 1, src.writes)

		got, err := s.LoadData(ctx)
		require.NoError(t, err)
		assert.Same(t, f, got)
	})

	t.Run("failed write-back leaves session untouched", func(t *testing.T) {
		src := &stubSource{writeErr: errors.New("disk full")}
		s := New("1")
		s.Bind(src)

		err := s.StoreData(ctx, f)
		assert.Error(t, err)
		assert.False(t, s.Large)
		assert.Nil(t, s.Data)
		assert.Empty(t, s.Dtypes)
		assert.NotContains(t, s.Metadata, "rows")
	})
}

func TestCodecRoundTrip(t *testing.T) {
	s := New("7")
	s.Name = "prices"
	s.Data = dataset.MustNew(
		dataset.Column{Name: "a", Values: []any{1, nil, 3}},
		dataset.Column{Name: "b", Values: []any{"x", "y", "z"}},
	)
	s.Dtypes = s.Data.Dtypes()
	s.MergeSettings(map[string]any{
		"sort":    []any{"a", "ASC"},
		"filters": map[string]any{"a": "> 1"},
	})
	s.AppendHistory("df = df[df.a > 1]")
	s.ContextVariables["threshold"] = 1.5
	s.Metadata["loaded"] = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Bind(&stubSource{})

	b, err := Encode(s)
	require.NoError(t, err)

	back, err := Decode(b)
	require.NoError(t, err)

	assert.Nil(t, back.Source())
	back.Bind(s.Source())
	assert.Equal(t, s, back)
}

func TestCodecNormalizesEmptyCollections(t *testing.T) {
	s := New("1")

	b, err := Encode(s)
	require.NoError(t, err)
	back, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, s, back)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not gob"))
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestEncodeUnregisteredType(t *testing.T) {
	type opaque struct{ X int }
	s := New("1")
	s.Metadata["handle"] = opaque{X: 1}

	_, err := Encode(s)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestCodecCompositeSettings(t *testing.T) {
	type direction string

	s := New("1")
	s.MergeSettings(map[string]any{
		"sortInfo":   [][]string{{"a", "ASC"}, {"b", "DESC"}},
		"formats":    map[string]string{"a": "0.00"},
		"columns":    []string{"a", "b"},
		"widths":     map[string]int{"a": 10},
		"filters":    []map[string]any{{"col": "a", "op": ">"}},
		"dir":        direction("ASC"),
		"precision":  &[]int32{2}[0],
		"nestedList": []any{[]int16{1, 2}, map[string]direction{"x": "y"}},
	})
	s.Data = dataset.MustNew(dataset.Column{Name: "tags", Values: []any{[]string{"a"}, [2]int{1, 2}}})

	b, err := Encode(s)
	require.NoError(t, err)
	back, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "ASC"}, {"b", "DESC"}}, back.Settings["sortInfo"])
	assert.Equal(t, map[string]string{"a": "0.00"}, back.Settings["formats"])
	assert.Equal(t, []string{"a", "b"}, back.Settings["columns"])
	assert.Equal(t, map[string]int{"a": 10}, back.Settings["widths"])
	assert.Equal(t, []any{map[string]any{"col": "a", "op": ">"}}, back.Settings["filters"])
	assert.Equal(t, "ASC", back.Settings["dir"])
	assert.Equal(t, int32(2), back.Settings["precision"])
	assert.Equal(t, []any{[]int16{1, 2}, map[string]any{"x": "y"}}, back.Settings["nestedList"])
	assert.Equal(t, []any{[]string{"a"}, []any{1, 2}}, back.Data.Columns[0].Values)

	// The caller's session keeps its original values.
	assert.IsType(t, direction(""), s.Settings["dir"])
	assert.IsType(t, [2]int{}, s.Data.Columns[0].Values[1])
}

func TestEncodeRejectsNonStringMapKeys(t *testing.T) {
	s := New("1")
	s.Settings["byIndex"] = map[int]string{1: "a"}

	_, err := Encode(s)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestSortKeys(t *testing.T) {
	keys := []string{"10", "b", "2", "lib|sym", "1", "a"}
	SortKeys(keys)
	assert.Equal(t, []string{"1", "2", "10", "a", "b", "lib|sym"}, keys)
}

func TestErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, &NameConflictError{Name: "n", OwnerID: "1"}, ErrNameExists)
	assert.ErrorIs(t, &SymbolNotFoundError{Symbol: "s", Library: "l"}, ErrSymbolNotFound)

	cause := errors.New("boom")
	be := &BackendError{Backend: "bolt", Op: "put", Key: "1", Err: cause}
	assert.ErrorIs(t, be, ErrBackend)
	assert.ErrorIs(t, be, cause)

	me := &MigrationError{From: "memory", To: "bolt", Err: be}
	assert.ErrorIs(t, me, ErrMigration)
	assert.ErrorIs(t, me, ErrBackend)

	assert.Contains(t, (&SymbolNotFoundError{Symbol: "s", Library: "l"}).Error(), `"s"`)
	assert.Contains(t, (&SymbolNotFoundError{Symbol: "s", Library: "l"}).Error(), `"l"`)
}
