package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNameExists matches NameConflictError.
	ErrNameExists = errors.New("name already exists")
	// ErrSymbolNotFound matches SymbolNotFoundError.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrBackend matches BackendError.
	ErrBackend = errors.New("backend failure")
	// ErrMigration matches MigrationError.
	ErrMigration = errors.New("migration failed")
	// ErrUnsupported is returned when the active adapter lacks a capability.
	ErrUnsupported = errors.New("not supported by the active backend")
)

// NameConflictError is returned when a display name is already taken.
type NameConflictError struct {
	Name    string
	OwnerID string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("name %q already exists (session %s)", e.Name, e.OwnerID)
}

func (e *NameConflictError) Is(target error) bool { return target == ErrNameExists }

// SymbolNotFoundError is returned when a columnar key names a symbol that
// the library does not hold.
type SymbolNotFoundError struct {
	Symbol  string
	Library string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found in library %q", e.Symbol, e.Library)
}

func (e *SymbolNotFoundError) Is(target error) bool { return target == ErrSymbolNotFound }

// BackendError reports an I/O or serialization failure inside an adapter.
type BackendError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// MigrationError reports a migration that did not complete. The source
// adapter stays active when it is returned.
type MigrationError struct {
	From string
	To   string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Is(target error) bool { return target == ErrMigration }
