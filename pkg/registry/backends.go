package registry

import (
	"context"

	"github.com/harun/tabula/pkg/session"
	"github.com/harun/tabula/pkg/store/bolt"
	"github.com/harun/tabula/pkg/store/columnar"
	"github.com/harun/tabula/pkg/store/etcd"
	"github.com/harun/tabula/pkg/store/memory"
)

// UseInProcess migrates every session back into process memory.
func (r *Registry) UseInProcess(ctx context.Context) error {
	return r.Migrate(ctx, memory.Factory())
}

// UseDurableFile migrates every session into the durable file store in dir.
// It does nothing when that store is already active.
func (r *Registry) UseDurableFile(ctx context.Context, dir string) error {
	if r.activeAt(bolt.Location(dir)) {
		return nil
	}
	return r.Migrate(ctx, bolt.Factory(dir, r.durableOpts))
}

// UseDistributedCache migrates every session into the etcd cluster at
// endpoints.
func (r *Registry) UseDistributedCache(ctx context.Context, endpoints []string) error {
	if r.activeAt(etcd.Location(endpoints, r.cacheOpts.Prefix)) {
		return nil
	}
	return r.Migrate(ctx, etcd.Factory(endpoints, r.cacheOpts))
}

// UseColumnarDatabase migrates every session into the columnar store named
// by uri, with library as the current library.
func (r *Registry) UseColumnarDatabase(ctx context.Context, uri, library string) error {
	return r.Migrate(ctx, columnar.Factory(uri, library, r.columnarOpts))
}

func locationOf(a session.Adapter) string {
	if l, ok := a.(session.Locator); ok {
		return l.Location()
	}
	return ""
}

// activeAt reports whether the active adapter already holds the store at
// location.
func (r *Registry) activeAt(location string) bool {
	active := locationOf(r.Adapter())
	if active == "" || active != location {
		return false
	}
	r.logger.Info().Str("location", location).Msg("Backend already active")
	return true
}

// SelectLibrary switches the current library of a library-addressed
// backend. It reports false when library was already current and returns
// ErrUnsupported for other backends.
func (r *Registry) SelectLibrary(ctx context.Context, library string) (changed bool, err error) {
	ctx, end := r.begin(ctx, "select_library", "")
	defer func() { end(err) }()

	return onActive(r, func(a session.Adapter) (bool, error) {
		sel, ok := a.(session.LibrarySelector)
		if !ok {
			return false, session.ErrUnsupported
		}
		return sel.UpdateLibrary(ctx, library)
	}, nil)
}

// Library returns the current library, or "" for backends without one.
func (r *Registry) Library() string {
	if sel, ok := r.Adapter().(session.LibrarySelector); ok {
		return sel.Library()
	}
	return ""
}
