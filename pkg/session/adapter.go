package session

import (
	"context"
	"sort"
	"strconv"

	"github.com/harun/tabula/pkg/dataset"
)

// SessionFactory builds the empty session a backend wants stored for a new
// ID. Backends that keep payloads elsewhere return sessions bound to a
// DataSource.
type SessionFactory interface {
	NewSession(ctx context.Context, id string) (*Session, error)
}

// Adapter is the key-value contract every storage backend implements.
// Implementations are safe for concurrent use and own the atomicity of
// their own Put and Delete.
type Adapter interface {
	SessionFactory

	// Name identifies the backend in logs and metrics.
	Name() string

	// Get returns the session stored under key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) (*Session, bool, error)

	// Put upserts the session under key.
	Put(ctx context.Context, key string, s *Session) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Contains(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Items(ctx context.Context) ([]Item, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)

	// Export snapshots every session with its payload materialized.
	// Only migration uses it.
	Export(ctx context.Context) (map[string]*Session, error)

	Close() error
}

// AdapterFactory constructs an adapter, typically as a migration target.
type AdapterFactory func(ctx context.Context) (Adapter, error)

// Item is one key/session pair.
type Item struct {
	Key     string
	Session *Session
}

// Shape describes a payload after a write-back.
type Shape struct {
	Rows   int64
	Dtypes []dataset.Dtype
	Large  bool
}

// DataSource backs the payload of a session that is stored outside the
// adapter.
type DataSource interface {
	Read(ctx context.Context) (*dataset.Frame, error)
	Write(ctx context.Context, f *dataset.Frame) (Shape, error)
}

// Locator is implemented by adapters that can name the store behind them.
// Adapters reporting the same location share their contents.
type Locator interface {
	Location() string
}

// LibrarySelector is implemented by adapters that address datasets through
// a current library.
type LibrarySelector interface {
	Library() string
	// UpdateLibrary switches the current library. It reports false and does
	// nothing when library is already current.
	UpdateLibrary(ctx context.Context, library string) (bool, error)
}

// SortKeys orders session IDs numerically where they parse as integers,
// ahead of the remaining IDs in lexical order.
func SortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}

// SortItems orders items by key the way SortKeys does.
func SortItems(items []Item) {
	keys := make([]string, len(items))
	byKey := make(map[string]Item, len(items))
	for i, it := range items {
		keys[i] = it.Key
		byKey[it.Key] = it
	}
	SortKeys(keys)
	for i, k := range keys {
		items[i] = byKey[k]
	}
}
