package columnar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/harun/tabula/pkg/dataset"
	"github.com/harun/tabula/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps frames in memory. Describe reports estRows when set.
type fakeStore struct {
	mu       sync.Mutex
	frames   map[string]map[string]*dataset.Frame
	estRows  map[string]int64
	writeErr error

	describeCalls int
	closed        bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		frames:  make(map[string]map[string]*dataset.Frame),
		estRows: make(map[string]int64),
	}
}

func (f *fakeStore) add(library, symbol string, fr *dataset.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames[library] == nil {
		f.frames[library] = make(map[string]*dataset.Frame)
	}
	f.frames[library][symbol] = fr
}

func (f *fakeStore) Libraries(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var libs []string
	for lib := range f.frames {
		libs = append(libs, lib)
	}
	sort.Strings(libs)
	return libs, nil
}

func (f *fakeStore) Symbols(ctx context.Context, library string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	syms := []string{}
	for sym := range f.frames[library] {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms, nil
}

func (f *fakeStore) Read(ctx context.Context, library, symbol string, limit int) (*dataset.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.frames[library][symbol]
	if !ok {
		return nil, fmt.Errorf("no symbol %s/%s", library, symbol)
	}
	if limit > 0 {
		return fr.Head(limit), nil
	}
	return fr, nil
}

func (f *fakeStore) Write(ctx context.Context, library, symbol string, fr *dataset.Frame) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.add(library, symbol, fr)
	return nil
}

func (f *fakeStore) Describe(ctx context.Context, library, symbol string) (Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	fr, ok := f.frames[library][symbol]
	if !ok {
		return Descriptor{}, fmt.Errorf("no symbol %s/%s", library, symbol)
	}
	d := Descriptor{Rows: int64(fr.NumRows())}
	for _, c := range fr.Columns {
		d.Columns = append(d.Columns, c.Name)
	}
	if n, ok := f.estRows[library+"/"+symbol]; ok {
		d.Rows = n
	}
	return d, nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

// countingStore adds a fast row count that may refuse.
type countingStore struct {
	*fakeStore
	fastErr   error
	fastCalls int
}

func (c *countingStore) RowCount(ctx context.Context, library, symbol string) (int64, error) {
	c.fastCalls++
	if c.fastErr != nil {
		return 0, c.fastErr
	}
	fr, err := c.Read(ctx, library, symbol, 0)
	if err != nil {
		return 0, err
	}
	return int64(fr.NumRows()), nil
}

func smallFrame() *dataset.Frame {
	return dataset.MustNew(
		dataset.Column{Name: "id", Values: []any{int64(1), int64(2), int64(3)}},
		dataset.Column{Name: "price", Values: []any{1.5, 2.5, 3.5}},
	)
}

func wideFrame(cols int) *dataset.Frame {
	columns := make([]dataset.Column, cols)
	for i := range columns {
		columns[i] = dataset.Column{Name: fmt.Sprintf("c%d", i), Values: []any{int64(i)}}
	}
	return dataset.MustNew(columns...)
}

func setupTestAdapter(t *testing.T, store Store, library string) *Adapter {
	t.Helper()
	a, err := New(context.Background(), store, library, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewDefaultLibrary(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store uses default", func(t *testing.T) {
		a, err := New(ctx, newFakeStore(), "", Options{})
		require.NoError(t, err)
		assert.Equal(t, DefaultLibrary, a.Library())
	})

	t.Run("first listed library", func(t *testing.T) {
		store := newFakeStore()
		store.add("zeta", "s", smallFrame())
		store.add("alpha", "s", smallFrame())

		a, err := New(ctx, store, "", Options{})
		require.NoError(t, err)
		assert.Equal(t, "alpha", a.Library())
	})

	t.Run("explicit library", func(t *testing.T) {
		a, err := New(ctx, newFakeStore(), "prices", Options{})
		require.NoError(t, err)
		assert.Equal(t, "prices", a.Library())
	})
}

func TestGetBuildsBoundSession(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("lib", "trades", smallFrame())
	a := setupTestAdapter(t, store, "lib")

	s, ok, err := a.Get(ctx, "trades")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "trades", s.ID)
	assert.False(t, s.Large)
	assert.Nil(t, s.Data)
	assert.NotNil(t, s.Source())
	assert.Equal(t, "lib", s.Metadata["library"])
	assert.Equal(t, "trades", s.Metadata["symbol"])
	assert.Equal(t, int64(3), s.Metadata["rows"])
	assert.Equal(t, []dataset.Dtype{{Name: "id", Dtype: "int64"}, {Name: "price", Dtype: "float64"}}, s.Dtypes)

	data, err := s.LoadData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, data.NumRows())

	has, _ := a.Contains(ctx, "trades")
	assert.True(t, has)
}

func TestGetUnknownSymbol(t *testing.T) {
	ctx := context.Background()
	a := setupTestAdapter(t, newFakeStore(), "lib")

	_, _, err := a.Get(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSymbolNotFound)

	var nf *session.SymbolNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.Symbol)
	assert.Equal(t, "lib", nf.Library)

	size, _ := a.Size(ctx)
	assert.Equal(t, 0, size)
	has, _ := a.Contains(ctx, "missing")
	assert.False(t, has)
}

func TestLargeThresholds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		rows  int64
		cols  int
		large bool
	}{
		{"rows below threshold", 999_999, 1, false},
		{"rows at threshold", 1_000_000, 1, false},
		{"rows above threshold", 1_000_001, 1, true},
		{"cols at threshold", 1, 50, false},
		{"cols above threshold", 1, 51, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.add("lib", "sym", wideFrame(tt.cols))
			store.estRows["lib/sym"] = tt.rows
			a := setupTestAdapter(t, store, "lib")

			s, _, err := a.Get(ctx, "sym")
			require.NoError(t, err)
			assert.Equal(t, tt.large, s.Large)
			assert.Equal(t, tt.large, IsLarge(tt.rows, tt.cols))
		})
	}
}

func TestRowCountFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("no fast path uses descriptor", func(t *testing.T) {
		store := newFakeStore()
		store.add("lib", "sym", smallFrame())
		a := setupTestAdapter(t, store, "lib")

		_, _, err := a.Get(ctx, "sym")
		require.NoError(t, err)
		assert.Equal(t, 1, store.describeCalls)
	})

	t.Run("fast path skips descriptor", func(t *testing.T) {
		store := &countingStore{fakeStore: newFakeStore()}
		store.add("lib", "sym", smallFrame())
		a := setupTestAdapter(t, store, "lib")

		s, _, err := a.Get(ctx, "sym")
		require.NoError(t, err)
		assert.Equal(t, 1, store.fastCalls)
		assert.Equal(t, 0, store.describeCalls)
		assert.Equal(t, int64(3), s.Metadata["rows"])
	})

	t.Run("unsupported fast path falls back", func(t *testing.T) {
		store := &countingStore{fakeStore: newFakeStore(), fastErr: ErrRowCountUnsupported}
		store.add("lib", "sym", smallFrame())
		store.estRows["lib/sym"] = 2_000_000
		a := setupTestAdapter(t, store, "lib")

		s, _, err := a.Get(ctx, "sym")
		require.NoError(t, err)
		assert.Equal(t, 1, store.fastCalls)
		assert.Equal(t, 1, store.describeCalls)
		assert.True(t, s.Large)
	})

	t.Run("other fast path errors propagate", func(t *testing.T) {
		store := &countingStore{fakeStore: newFakeStore(), fastErr: errors.New("corrupt footer")}
		store.add("lib", "sym", smallFrame())
		a := setupTestAdapter(t, store, "lib")

		_, _, err := a.Get(ctx, "sym")
		assert.ErrorIs(t, err, session.ErrBackend)
		size, _ := a.Size(ctx)
		assert.Equal(t, 0, size)
	})
}

func TestUpdateLibrary(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("a", "x", smallFrame())
	store.add("b", "y", smallFrame())
	a := setupTestAdapter(t, store, "a")

	changed, err := a.UpdateLibrary(ctx, "a")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = a.UpdateLibrary(ctx, "b")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "b", a.Library())
	assert.Equal(t, []string{"y"}, a.Symbols())

	_, err = a.UpdateLibrary(ctx, "../etc")
	assert.Error(t, err)
	assert.Equal(t, "b", a.Library())
}

func TestCompoundKeySwitchesLibrary(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("a", "x", smallFrame())
	store.add("b", "y", smallFrame())
	a := setupTestAdapter(t, store, "a")

	s, ok, err := a.Get(ctx, "b|y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", a.Library())
	assert.Equal(t, "b", s.Metadata["library"])

	_, _, err = a.Get(ctx, "x")
	assert.ErrorIs(t, err, session.ErrSymbolNotFound, "x lives in library a")

	keys, _ := a.Keys(ctx)
	assert.Equal(t, []string{"b|y"}, keys)
}

func TestCachedCompoundKeySwitchesLibrary(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("a", "x", smallFrame())
	store.add("b", "y", smallFrame())
	a := setupTestAdapter(t, store, "a")

	_, _, err := a.Get(ctx, "b|y")
	require.NoError(t, err)
	_, err = a.UpdateLibrary(ctx, "a")
	require.NoError(t, err)

	s, ok, err := a.Get(ctx, "b|y")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", a.Library(), "a cached session still switches the library")
	assert.Equal(t, "b", s.Metadata["library"])
	assert.Equal(t, []string{"y"}, a.Symbols())
}

func TestWriteBackRefreshesShape(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("lib", "sym", smallFrame())
	a := setupTestAdapter(t, store, "lib")

	s, _, err := a.Get(ctx, "sym")
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Metadata["rows"])

	bigger := dataset.MustNew(
		dataset.Column{Name: "label", Values: []any{"a", "b", "c", "d", "e"}},
		dataset.Column{Name: "score", Values: []any{1.5, 2.5, 3.5, 4.5, 5.5}},
	)
	c := s.Clone()
	require.NoError(t, c.StoreData(ctx, bigger))
	require.NoError(t, a.Put(ctx, "sym", c))

	got, _, err := a.Get(ctx, "sym")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Metadata["rows"])
	assert.Equal(t, bigger.Dtypes(), got.Dtypes)
	assert.Equal(t, "sym", got.Metadata["symbol"])
}

func TestPutUnboundWritesSymbol(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a := setupTestAdapter(t, store, "lib")

	s := session.New("fresh")
	s.Data = smallFrame()
	s.Name = "fresh frame"
	require.NoError(t, a.Put(ctx, "fresh", s))

	assert.NotNil(t, s.Data, "caller's session is not mutated")
	assert.Contains(t, a.Symbols(), "fresh")

	got, ok, err := a.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, got.Data)
	assert.NotNil(t, got.Source())
	assert.Equal(t, "fresh frame", got.Name)

	data, err := got.LoadData(ctx)
	require.NoError(t, err)
	assert.True(t, smallFrame().Equal(data))
}

func TestWriteBackFailureLeavesBookkeeping(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("lib", "sym", smallFrame())
	a := setupTestAdapter(t, store, "lib")

	s, _, err := a.Get(ctx, "sym")
	require.NoError(t, err)

	store.writeErr = errors.New("read-only")
	c := s.Clone()
	err = c.StoreData(ctx, wideFrame(60))
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrBackend)
	assert.False(t, c.Large)

	got, _, _ := a.Get(ctx, "sym")
	assert.False(t, got.Large)
	data, _ := got.LoadData(ctx)
	assert.Equal(t, 3, data.NumRows())
}

func TestWriteBackUpdatesLarge(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("lib", "sym", smallFrame())
	a := setupTestAdapter(t, store, "lib")

	s, _, err := a.Get(ctx, "sym")
	require.NoError(t, err)

	c := s.Clone()
	require.NoError(t, c.StoreData(ctx, wideFrame(51)))
	assert.True(t, c.Large)
	require.NoError(t, a.Put(ctx, "sym", c))

	got, _, _ := a.Get(ctx, "sym")
	assert.True(t, got.Large)
}

func TestDeleteAndClearKeepSymbols(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("lib", "a", smallFrame())
	store.add("lib", "b", smallFrame())
	a := setupTestAdapter(t, store, "lib")

	_, _, err := a.Get(ctx, "a")
	require.NoError(t, err)
	_, _, err = a.Get(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, "a"))
	has, _ := a.Contains(ctx, "a")
	assert.False(t, has)

	require.NoError(t, a.Clear(ctx))
	size, _ := a.Size(ctx)
	assert.Equal(t, 0, size)

	syms, _ := store.Symbols(ctx, "lib")
	assert.Equal(t, []string{"a", "b"}, syms)
}

func TestExportMaterializes(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("lib", "sym", smallFrame())
	a := setupTestAdapter(t, store, "lib")

	_, _, err := a.Get(ctx, "sym")
	require.NoError(t, err)

	snap, err := a.Export(ctx)
	require.NoError(t, err)
	require.Contains(t, snap, "sym")
	assert.Nil(t, snap["sym"].Source())
	assert.True(t, smallFrame().Equal(snap["sym"].Data))
}

func TestNewSession(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.add("lib", "sym", smallFrame())
	a := setupTestAdapter(t, store, "lib")

	bound, err := a.NewSession(ctx, "sym")
	require.NoError(t, err)
	assert.NotNil(t, bound.Source())

	plain, err := a.NewSession(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, plain.Source())

	size, _ := a.Size(ctx)
	assert.Equal(t, 0, size, "NewSession does not store")
}

func TestCloseClosesStore(t *testing.T) {
	store := newFakeStore()
	a, err := New(context.Background(), store, "lib", Options{})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.True(t, store.closed)
}
