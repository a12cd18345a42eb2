package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/tabula/pkg/dataset"
	"github.com/harun/tabula/pkg/session"
	"github.com/harun/tabula/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(context.Background(), memory.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func frameOf(name string, values ...any) *dataset.Frame {
	return dataset.MustNew(dataset.Column{Name: name, Values: values})
}

func TestIDAllocation(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	next := func() string {
		id, err := r.NewSession(ctx, "")
		require.NoError(t, err)
		return id
	}

	assert.Equal(t, "1", next())
	assert.Equal(t, "2", next())
	assert.Equal(t, "3", next())

	require.NoError(t, r.Delete(ctx, "2"))
	assert.Equal(t, "4", next(), "allocation continues above the maximum, not into gaps")

	require.NoError(t, r.Delete(ctx, "4"))
	assert.Equal(t, "4", next())

	_, err := r.NewSession(ctx, "lib|sym")
	require.NoError(t, err)
	_, err = r.NewSession(ctx, "10")
	require.NoError(t, err)
	assert.Equal(t, "11", next(), "non-numeric IDs are ignored")

	require.NoError(t, r.Clear(ctx))
	assert.Equal(t, "1", next())
}

func TestConcurrentAllocationIsUnique(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.NewSession(ctx, "")
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	size, _ := r.Size(ctx)
	assert.Equal(t, n, size)
}

func TestReadsOfAbsentIDs(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	data, err := r.Data(ctx, "99")
	require.NoError(t, err)
	assert.Nil(t, data)

	settings, err := r.Settings(ctx, "99")
	require.NoError(t, err)
	assert.Empty(t, settings)

	history, err := r.History(ctx, "99")
	require.NoError(t, err)
	assert.Empty(t, history)

	name, err := r.Name(ctx, "99")
	require.NoError(t, err)
	assert.Empty(t, name)

	large, err := r.IsLarge(ctx, "99")
	require.NoError(t, err)
	assert.False(t, large)

	s, err := r.Session(ctx, "99")
	require.NoError(t, err)
	assert.Equal(t, "99", s.ID)

	has, _ := r.Contains(ctx, "99")
	assert.False(t, has, "reads never create sessions")
}

func TestSettersCreateSession(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	f := frameOf("a", 1)
	require.NoError(t, r.SetData(ctx, "5", f))

	has, _ := r.Contains(ctx, "5")
	assert.True(t, has)

	got, err := r.Data(ctx, "5")
	require.NoError(t, err)
	assert.Same(t, f, got)
}

func TestFieldRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)
	id, err := r.NewSession(ctx, "")
	require.NoError(t, err)

	dtypes := []dataset.Dtype{{Name: "a", Dtype: "int64"}}
	require.NoError(t, r.SetDtypes(ctx, id, dtypes))
	got, _ := r.Dtypes(ctx, id)
	assert.Equal(t, dtypes, got)

	require.NoError(t, r.SetContextVariables(ctx, id, map[string]any{"x": 1}))
	vars, _ := r.ContextVariables(ctx, id)
	assert.Equal(t, map[string]any{"x": 1}, vars)

	require.NoError(t, r.AppendHistory(ctx, id, "step 1"))
	require.NoError(t, r.AppendHistory(ctx, id, "step 2", "step 3"))
	history, _ := r.History(ctx, id)
	assert.Equal(t, []string{"step 1", "step 2", "step 3"}, history)

	require.NoError(t, r.SetMetadata(ctx, id, map[string]any{"source": "upload"}))
	meta, _ := r.Metadata(ctx, id)
	assert.Equal(t, map[string]any{"source": "upload"}, meta)

	orig := frameOf("a", 1, 2, 3)
	require.NoError(t, r.SetDataset(ctx, id, orig))
	ds, _ := r.Dataset(ctx, id)
	assert.Same(t, orig, ds)

	require.NoError(t, r.SetDatasetDim(ctx, id, map[string]any{"rows": 3, "cols": 1}))
	dim, _ := r.DatasetDim(ctx, id)
	assert.Equal(t, map[string]any{"rows": 3, "cols": 1}, dim)
}

func TestReturnedCollectionsAreCopies(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	require.NoError(t, r.SetSettings(ctx, "1", map[string]any{"a": 1}))
	settings, _ := r.Settings(ctx, "1")
	settings["b"] = 2

	again, _ := r.Settings(ctx, "1")
	assert.Equal(t, map[string]any{"a": 1}, again)
}

func TestSettingsMerge(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	require.NoError(t, r.SetSettings(ctx, "1", map[string]any{"a": 1}))
	require.NoError(t, r.SetSettings(ctx, "1", map[string]any{"b": 2}))

	settings, err := r.Settings(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, settings)

	require.NoError(t, r.SetSettings(ctx, "1", map[string]any{"a": 3}))
	settings, _ = r.Settings(ctx, "1")
	assert.Equal(t, map[string]any{"a": 3, "b": 2}, settings)

	require.NoError(t, r.ReplaceSettings(ctx, "1", map[string]any{"c": 4}))
	settings, _ = r.Settings(ctx, "1")
	assert.Equal(t, map[string]any{"c": 4}, settings)
}

func TestConcurrentSettingsMerge(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.SetSettings(ctx, "1", map[string]any{fmt.Sprintf("k%d", i): i}))
		}(i)
	}
	wg.Wait()

	settings, err := r.Settings(ctx, "1")
	require.NoError(t, err)
	assert.Len(t, settings, 40, "no merge is lost")
}

func TestSetName(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	require.NoError(t, r.SetName(ctx, "1", "prices"))
	require.NoError(t, r.SetData(ctx, "2", frameOf("a", 1)))

	name, _ := r.Name(ctx, "1")
	assert.Equal(t, "prices", name)
	id, ok := r.IDByName("prices")
	require.True(t, ok)
	assert.Equal(t, "1", id)

	t.Run("collision is rejected without changes", func(t *testing.T) {
		before, err := r.Session(ctx, "2")
		require.NoError(t, err)

		err = r.SetName(ctx, "2", "prices")
		require.Error(t, err)
		assert.ErrorIs(t, err, session.ErrNameExists)

		var conflict *session.NameConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "1", conflict.OwnerID)

		after, err := r.Session(ctx, "2")
		require.NoError(t, err)
		assert.Equal(t, before, after)

		owner, _ := r.IDByName("prices")
		assert.Equal(t, "1", owner)
	})

	t.Run("renaming to the same name is allowed", func(t *testing.T) {
		assert.NoError(t, r.SetName(ctx, "1", "prices"))
	})

	t.Run("rename frees the old name", func(t *testing.T) {
		require.NoError(t, r.SetName(ctx, "1", "quotes"))
		_, ok := r.IDByName("prices")
		assert.False(t, ok)
		require.NoError(t, r.SetName(ctx, "2", "prices"))
	})

	t.Run("delete frees the name", func(t *testing.T) {
		require.NoError(t, r.Delete(ctx, "1"))
		_, ok := r.IDByName("quotes")
		assert.False(t, ok)
		assert.NoError(t, r.SetName(ctx, "2", "quotes"))
	})

	t.Run("clear empties the index", func(t *testing.T) {
		require.NoError(t, r.Clear(ctx))
		_, ok := r.IDByName("quotes")
		assert.False(t, ok)
	})
}

func TestConcurrentSetNameSingleWinner(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		conflict int
	)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := r.SetName(ctx, id, "shared")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, session.ErrNameExists):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprint(i))
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 19, conflict)
}

func TestNewSessionReplacesExisting(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	require.NoError(t, r.SetData(ctx, "1", frameOf("a", 1)))
	require.NoError(t, r.SetName(ctx, "1", "old"))

	id, err := r.NewSession(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	data, _ := r.Data(ctx, "1")
	assert.Nil(t, data)
	_, ok := r.IDByName("old")
	assert.False(t, ok)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	r := setupTestRegistry(t)
	assert.NoError(t, r.Delete(context.Background(), "nope"))
}

func TestDataRoundTripInProcess(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	f := frameOf("a", 1, 2)
	require.NoError(t, r.SetData(ctx, "1", f))
	got, err := r.Data(ctx, "1")
	require.NoError(t, err)
	assert.True(t, f.Equal(got))
}

func TestSelectLibraryUnsupported(t *testing.T) {
	r := setupTestRegistry(t)

	_, err := r.SelectLibrary(context.Background(), "lib")
	assert.ErrorIs(t, err, session.ErrUnsupported)
	assert.Empty(t, r.Library())
}

func TestNewIndexesExistingNames(t *testing.T) {
	ctx := context.Background()
	a := memory.New()

	s := session.New("3")
	s.Name = "kept"
	require.NoError(t, a.Put(ctx, "3", s))

	r, err := New(ctx, a)
	require.NoError(t, err)
	defer r.Close()

	id, ok := r.IDByName("kept")
	require.True(t, ok)
	assert.Equal(t, "3", id)
}

func TestCloseIsIdempotent(t *testing.T) {
	r, err := New(context.Background(), memory.New())
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestWriteLocksArePruned(t *testing.T) {
	ctx := context.Background()
	r := setupTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprint(i % 5)
			assert.NoError(t, r.SetSettings(ctx, id, map[string]any{"i": i}))
			assert.NoError(t, r.SetName(ctx, id, "n"+id))
		}(i)
	}
	wg.Wait()

	_, err := r.NewSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "3"))
	require.NoError(t, r.Delete(ctx, "never-existed"))

	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	assert.Empty(t, r.writeLocks)
}

// parkedAdapter blocks Get until release is closed.
type parkedAdapter struct {
	*memory.Adapter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *parkedAdapter) Get(ctx context.Context, key string) (*session.Session, bool, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return p.Adapter.Get(ctx, key)
}

func TestSlowReadDoesNotStallMigration(t *testing.T) {
	ctx := context.Background()

	mem := memory.New()
	s := session.New("1")
	s.Settings["k"] = "v"
	require.NoError(t, mem.Put(ctx, "1", s))

	parked := &parkedAdapter{Adapter: mem, entered: make(chan struct{}), release: make(chan struct{})}
	r, err := New(ctx, parked)
	require.NoError(t, err)
	defer r.Close()

	type result struct {
		settings map[string]any
		err      error
	}
	read := make(chan result, 1)
	go func() {
		settings, err := r.Settings(ctx, "1")
		read <- result{settings, err}
	}()
	<-parked.entered

	migrated := make(chan error, 1)
	go func() { migrated <- r.UseInProcess(ctx) }()

	select {
	case err := <-migrated:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(parked.release)
		t.Fatal("migration waited on an in-flight read")
	}

	sizeDone := make(chan int, 1)
	go func() {
		size, _ := r.Size(ctx)
		sizeDone <- size
	}()
	select {
	case size := <-sizeDone:
		assert.Equal(t, 1, size)
	case <-time.After(5 * time.Second):
		close(parked.release)
		t.Fatal("size waited on an in-flight read")
	}

	close(parked.release)
	got := <-read
	require.NoError(t, got.err)
	assert.Equal(t, "v", got.settings["k"], "the read retries against the new backend")
}
