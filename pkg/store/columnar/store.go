package columnar

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/tabula/pkg/dataset"
)

// ErrRowCountUnsupported is returned by a RowCounter that cannot answer
// for a particular symbol. Callers fall back to Describe.
var ErrRowCountUnsupported = errors.New("row count not supported")

// Descriptor is the read-planning metadata a store returns for a symbol
// without reading its data.
type Descriptor struct {
	Columns []string
	// Rows is an estimate taken from the store's metadata.
	Rows int64
}

// Store addresses tabular datasets by library and symbol.
type Store interface {
	Libraries(ctx context.Context) ([]string, error)
	Symbols(ctx context.Context, library string) ([]string, error)

	// Read returns the first limit rows, or every row when limit <= 0.
	Read(ctx context.Context, library, symbol string, limit int) (*dataset.Frame, error)

	// Write replaces the symbol's contents with f.
	Write(ctx context.Context, library, symbol string, f *dataset.Frame) error

	Describe(ctx context.Context, library, symbol string) (Descriptor, error)

	Close() error
}

// RowCounter is implemented by stores with a fast exact row count.
type RowCounter interface {
	RowCount(ctx context.Context, library, symbol string) (int64, error)
}

// Watcher is implemented by stores that can report changes to a library's
// symbol list. The returned function stops watching.
type Watcher interface {
	WatchLibrary(library string, onChange func()) (stop func() error, err error)
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%s cannot contain '..'", kind)
	}
	if strings.ContainsAny(name, "/\\|") {
		return fmt.Errorf("%s cannot contain path or key separators", kind)
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("%s cannot contain null bytes", kind)
	}
	return nil
}
