package columnar

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/tabula/pkg/session"
)

const (
	SchemeParquet = "parquet"
	SchemeSQLite  = "sqlite"
)

// OpenStore picks a store from the URI scheme: parquet://<dir> or a bare
// directory for Parquet, sqlite://<file> for SQLite.
func OpenStore(uri string) (Store, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		scheme, rest = SchemeParquet, uri
	}
	if rest == "" {
		return nil, fmt.Errorf("empty location in uri %q", uri)
	}

	switch scheme {
	case SchemeParquet:
		return NewParquetStore(rest)
	case SchemeSQLite:
		return OpenSQLiteStore(rest)
	default:
		return nil, fmt.Errorf("unsupported columnar scheme %q", scheme)
	}
}

// Open opens the store named by uri and wraps it in an adapter.
func Open(ctx context.Context, uri, library string, opts Options) (*Adapter, error) {
	store, err := OpenStore(uri)
	if err != nil {
		return nil, backendErr("open", "", err)
	}

	a, err := New(ctx, store, library, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// Factory returns an AdapterFactory that opens uri on demand.
func Factory(uri, library string, opts Options) session.AdapterFactory {
	return func(ctx context.Context) (session.Adapter, error) {
		return Open(ctx, uri, library, opts)
	}
}
