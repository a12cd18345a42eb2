package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/harun/tabula/internal/observability"
	"github.com/harun/tabula/internal/tracing"
	"github.com/harun/tabula/pkg/session"
	"github.com/harun/tabula/pkg/store/bolt"
	"github.com/harun/tabula/pkg/store/columnar"
	"github.com/harun/tabula/pkg/store/etcd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned by Migrate after Close.
var ErrClosed = errors.New("registry is closed")

// Registry owns the active adapter and exposes session operations on top
// of it. It is safe for concurrent use.
type Registry struct {
	// mu guards the adapter reference. Operations hold it only to confirm
	// their adapter is still active; Migrate takes it exclusively.
	mu      sync.RWMutex
	adapter session.Adapter
	closed  bool

	// namesMu guards names.
	namesMu sync.Mutex
	names   map[string]string

	// allocMu serializes automatic ID allocation.
	allocMu sync.Mutex

	// renameMu serializes SetName between its conflict check and commit.
	renameMu sync.Mutex

	locksMu    sync.Mutex
	writeLocks map[string]*idLock

	logger          zerolog.Logger
	copyConcurrency int
	durableOpts     bolt.Options
	cacheOpts       etcd.Options
	columnarOpts    columnar.Options
}

// idLock is a per-session mutex shared by every caller holding or waiting
// on it.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// New builds a registry around adapter and indexes the names of the
// sessions it already holds.
func New(ctx context.Context, adapter session.Adapter, opts ...Option) (*Registry, error) {
	observability.EnsureRegistered()

	r := &Registry{
		adapter:         adapter,
		names:           make(map[string]string),
		writeLocks:      make(map[string]*idLock),
		logger:          log.Logger,
		copyConcurrency: defaultCopyConcurrency(),
	}
	for _, opt := range opts {
		opt(r)
	}

	items, err := adapter.Items(ctx)
	if err != nil {
		return nil, err
	}
	r.indexNames(items)

	r.logger.Info().
		Str("backend", adapter.Name()).
		Int("sessions", len(items)).
		Msg("Session registry initialized")
	r.updateActiveSessionsMetric(ctx, adapter)

	return r, nil
}

// indexNames rebuilds the name index. On duplicate names the lowest ID wins.
func (r *Registry) indexNames(items []session.Item) {
	r.namesMu.Lock()
	defer r.namesMu.Unlock()

	r.names = make(map[string]string)
	for _, it := range items {
		name := it.Session.Name
		if name == "" {
			continue
		}
		if owner, ok := r.names[name]; ok {
			r.logger.Warn().
				Str("name", name).
				Str("owner", owner).
				Str("duplicate", it.Key).
				Msg("Duplicate session name ignored")
			continue
		}
		r.names[name] = it.Key
	}
}

// Backend returns the active adapter's name.
func (r *Registry) Backend() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapter.Name()
}

// Adapter returns the active adapter.
func (r *Registry) Adapter() session.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapter
}

// Close tears the registry down, closing the active adapter.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	backend := r.adapter.Name()
	if err := r.adapter.Close(); err != nil {
		return err
	}

	r.logger.Info().Str("backend", backend).Msg("Session registry closed")
	return nil
}

// onActive runs fn against the active adapter without holding mu and
// repeats it when a migration swapped the adapter in the meantime. Once the
// adapter is confirmed, commit runs under the read lock on success. Writes
// made through a confirmed adapter are part of any later migration.
func onActive[T any](r *Registry, fn func(session.Adapter) (T, error), commit func(T)) (T, error) {
	for {
		a := r.Adapter()
		v, err := fn(a)

		r.mu.RLock()
		if r.adapter != a {
			r.mu.RUnlock()
			continue
		}
		if err == nil && commit != nil {
			commit(v)
		}
		r.mu.RUnlock()
		return v, err
	}
}

// begin starts the span and timer for an operation.
func (r *Registry) begin(ctx context.Context, op, id string) (context.Context, func(error)) {
	backend := r.Backend()
	attrs := []attribute.KeyValue{attribute.String("backend", backend)}
	if id != "" {
		attrs = append(attrs, attribute.String("session.id", id))
		ctx = tracing.WithSessionID(ctx, id)
	}
	ctx = tracing.WithBackend(ctx, backend)

	ctx, span := tracing.StartSpan(ctx, tracing.RegistryTracer, "registry."+op, attrs...)
	start := time.Now()

	return ctx, func(err error) {
		tracing.EndSpan(span, err)
		observability.RecordRegistryOp(op, backend, time.Since(start), err == nil)
	}
}

func (r *Registry) updateActiveSessionsMetric(ctx context.Context, a session.Adapter) {
	size, err := a.Size(ctx)
	if err != nil {
		return
	}
	observability.SetActiveSessions(a.Name(), size)
}

// lockID serializes read-modify-write updates of one ID and returns the
// unlock func. The entry is dropped once nobody holds or awaits it.
func (r *Registry) lockID(id string) func() {
	r.locksMu.Lock()
	l, ok := r.writeLocks[id]
	if !ok {
		l = &idLock{}
		r.writeLocks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		defer r.locksMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(r.writeLocks, id)
		}
	}
}

// nextID returns max(numeric IDs)+1, or "1" when none are numeric.
func nextID(keys []string) string {
	highest := 0
	for _, k := range keys {
		if n, err := strconv.Atoi(k); err == nil && n > highest {
			highest = n
		}
	}
	return strconv.Itoa(highest + 1)
}

// NewSession stores a fresh session and returns its ID. An empty id
// allocates one; an existing id is replaced and loses its name.
func (r *Registry) NewSession(ctx context.Context, id string) (_ string, err error) {
	if id == "" {
		r.allocMu.Lock()
		defer r.allocMu.Unlock()

		keys, err := r.Keys(ctx)
		if err != nil {
			return "", err
		}
		id = nextID(keys)
	}

	ctx, end := r.begin(ctx, "new_session", id)
	defer func() { end(err) }()

	unlock := r.lockID(id)
	defer unlock()

	a, err := onActive(r, func(a session.Adapter) (session.Adapter, error) {
		s, err := a.NewSession(ctx, id)
		if err != nil {
			return a, err
		}
		return a, a.Put(ctx, id, s)
	}, func(session.Adapter) { r.dropName(id) })
	if err != nil {
		return "", err
	}

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Debug().Msg("Session created")
	r.updateActiveSessionsMetric(ctx, a)
	return id, nil
}

// dropName removes any name entry owned by id.
func (r *Registry) dropName(id string) {
	r.namesMu.Lock()
	defer r.namesMu.Unlock()

	for name, owner := range r.names {
		if owner == id {
			delete(r.names, name)
		}
	}
}

// view returns the stored session or an empty default. Nothing is stored
// for absent IDs.
func (r *Registry) view(ctx context.Context, op, id string) (_ *session.Session, err error) {
	ctx, end := r.begin(ctx, op, id)
	defer func() { end(err) }()

	return onActive(r, func(a session.Adapter) (*session.Session, error) {
		s, ok, err := a.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return session.New(id), nil
		}
		return s, nil
	}, nil)
}

// update applies fn to a copy of the session, creating it through the
// adapter's factory when absent, and stores the result. fn may run again
// on a fresh copy if a migration lands while it works.
func (r *Registry) update(ctx context.Context, op, id string, fn func(context.Context, *session.Session) error) (err error) {
	ctx, end := r.begin(ctx, op, id)
	defer func() { end(err) }()

	unlock := r.lockID(id)
	defer unlock()

	_, err = onActive(r, func(a session.Adapter) (struct{}, error) {
		s, err := getOrCreate(ctx, a, id)
		if err != nil {
			return struct{}{}, err
		}
		if err := fn(ctx, s); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, a.Put(ctx, id, s)
	}, nil)
	return err
}

// getOrCreate treats a missing columnar symbol as absent: writers create
// what readers cannot find.
func getOrCreate(ctx context.Context, a session.Adapter, id string) (*session.Session, error) {
	s, ok, err := a.Get(ctx, id)
	if err != nil && !errors.Is(err, session.ErrSymbolNotFound) {
		return nil, err
	}
	if ok {
		return s.Clone(), nil
	}
	return a.NewSession(ctx, id)
}

// Session returns a copy of the session, or an empty default when absent.
func (r *Registry) Session(ctx context.Context, id string) (*session.Session, error) {
	s, err := r.view(ctx, "get", id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Delete removes the session and its name. Absent IDs are a no-op.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	ctx, end := r.begin(ctx, "delete", id)
	defer func() { end(err) }()

	unlock := r.lockID(id)
	defer unlock()

	a, err := onActive(r, func(a session.Adapter) (session.Adapter, error) {
		return a, a.Delete(ctx, id)
	}, func(session.Adapter) { r.dropName(id) })
	observability.RecordSessionAudit(ctx, "delete", id, err == nil, map[string]interface{}{
		"backend": a.Name(),
	})
	if err != nil {
		return err
	}

	r.updateActiveSessionsMetric(ctx, a)
	return nil
}

// Clear removes every session and the whole name index.
func (r *Registry) Clear(ctx context.Context) (err error) {
	ctx, end := r.begin(ctx, "clear", "")
	defer func() { end(err) }()

	a, err := onActive(r, func(a session.Adapter) (session.Adapter, error) {
		return a, a.Clear(ctx)
	}, func(session.Adapter) {
		r.namesMu.Lock()
		r.names = make(map[string]string)
		r.namesMu.Unlock()
	})
	observability.RecordBackendAudit(ctx, "clear", a.Name(), err == nil, nil)
	if err != nil {
		return err
	}

	r.updateActiveSessionsMetric(ctx, a)
	return nil
}

func (r *Registry) Contains(ctx context.Context, id string) (bool, error) {
	return onActive(r, func(a session.Adapter) (bool, error) {
		return a.Contains(ctx, id)
	}, nil)
}

// Keys returns every session ID, numeric IDs first in numeric order.
func (r *Registry) Keys(ctx context.Context) ([]string, error) {
	return onActive(r, func(a session.Adapter) ([]string, error) {
		return a.Keys(ctx)
	}, nil)
}

func (r *Registry) Size(ctx context.Context) (int, error) {
	return onActive(r, func(a session.Adapter) (int, error) {
		return a.Size(ctx)
	}, nil)
}

// IDByName returns the ID owning name.
func (r *Registry) IDByName(name string) (string, bool) {
	r.namesMu.Lock()
	defer r.namesMu.Unlock()
	id, ok := r.names[name]
	return id, ok
}
