// Package memory implements the in-process session adapter.
//
// It is the default backend and the fallback every registry can migrate
// back to. State is lost when the process exits.
package memory

import (
	"context"
	"sync"

	"github.com/harun/tabula/pkg/session"
)

// Name is the backend name reported in logs and metrics.
const Name = "memory"

// Adapter stores sessions in a map guarded by a RWMutex.
type Adapter struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates an empty in-process adapter.
func New() *Adapter {
	return &Adapter{
		sessions: make(map[string]*session.Session),
	}
}

// Factory returns an AdapterFactory for migrations.
func Factory() session.AdapterFactory {
	return func(ctx context.Context) (session.Adapter, error) {
		return New(), nil
	}
}

func (a *Adapter) Name() string { return Name }

// NewSession returns a plain empty session.
func (a *Adapter) NewSession(ctx context.Context, id string) (*session.Session, error) {
	return session.New(id), nil
}

// Get returns the stored session. Callers clone before mutating.
func (a *Adapter) Get(ctx context.Context, key string) (*session.Session, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.sessions[key]
	return s, ok, nil
}

// Put stores the session under key, replacing any previous value.
func (a *Adapter) Put(ctx context.Context, key string, s *session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sessions[key] = s
	return nil
}

// Delete removes key. No error if the key doesn't exist.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.sessions, key)
	return nil
}

func (a *Adapter) Contains(ctx context.Context, key string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, ok := a.sessions[key]
	return ok, nil
}

// Keys returns every stored key in registry order.
func (a *Adapter) Keys(ctx context.Context) ([]string, error) {
	a.mu.RLock()
	keys := make([]string, 0, len(a.sessions))
	for key := range a.sessions {
		keys = append(keys, key)
	}
	a.mu.RUnlock()

	session.SortKeys(keys)
	return keys, nil
}

func (a *Adapter) Items(ctx context.Context) ([]session.Item, error) {
	keys, _ := a.Keys(ctx)

	a.mu.RLock()
	defer a.mu.RUnlock()

	items := make([]session.Item, 0, len(keys))
	for _, key := range keys {
		if s, ok := a.sessions[key]; ok {
			items = append(items, session.Item{Key: key, Session: s})
		}
	}
	return items, nil
}

func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sessions = make(map[string]*session.Session)
	return nil
}

func (a *Adapter) Size(ctx context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.sessions), nil
}

// Export returns a copy of the map. Sessions are cloned so the snapshot
// stays stable after the adapter is cleared.
func (a *Adapter) Export(ctx context.Context) (map[string]*session.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]*session.Session, len(a.sessions))
	for key, s := range a.sessions {
		out[key] = s.Clone()
	}
	return out, nil
}

func (a *Adapter) Close() error { return nil }
