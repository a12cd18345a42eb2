// Package columnar implements the columnar database session adapter.
//
// Datasets live in an external Store addressed by library and symbol. The
// adapter keeps only bookkeeping sessions; their payload is bound to the
// symbol and read or written through on demand. Keys are either a bare
// symbol in the current library or "library|symbol", which switches the
// current library first.
package columnar

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/harun/tabula/internal/observability"
	"github.com/harun/tabula/pkg/dataset"
	"github.com/harun/tabula/pkg/session"
	"github.com/rs/zerolog/log"
)

// Name is the backend name reported in logs and metrics.
const Name = "columnar"

const (
	// DefaultLibrary is used when the store holds no libraries yet.
	DefaultLibrary = "default"

	// KeySeparator splits "library|symbol" keys.
	KeySeparator = "|"

	LargeRowThreshold    = 1_000_000
	LargeColumnThreshold = 50
)

// IsLarge reports whether a dataset of the given shape is too big to keep
// in memory.
func IsLarge(rows int64, cols int) bool {
	return rows > LargeRowThreshold || cols > LargeColumnThreshold
}

// Options configures the adapter.
type Options struct {
	// Watch reloads the current library's symbols when the store reports
	// changes. Ignored for stores that cannot watch.
	Watch bool
}

// Adapter is the columnar session adapter.
type Adapter struct {
	store Store
	opts  Options

	mu        sync.RWMutex
	library   string
	symbols   map[string]struct{}
	sessions  map[string]*session.Session
	stopWatch func() error
}

// New wraps store. An empty library selects the first library the store
// lists, or DefaultLibrary.
func New(ctx context.Context, store Store, library string, opts Options) (*Adapter, error) {
	if library == "" {
		libs, err := store.Libraries(ctx)
		if err != nil {
			return nil, backendErr("open", "", err)
		}
		library = DefaultLibrary
		if len(libs) > 0 {
			library = libs[0]
		}
	}

	a := &Adapter{
		store:    store,
		opts:     opts,
		sessions: make(map[string]*session.Session),
	}

	if _, err := a.UpdateLibrary(ctx, library); err != nil {
		return nil, err
	}

	log.Info().
		Str("library", library).
		Int("symbols", len(a.symbols)).
		Msg("Columnar session store opened")

	return a, nil
}

func (a *Adapter) Name() string { return Name }

// Location names the store and current library. It is empty when the store
// cannot name itself.
func (a *Adapter) Location() string {
	loc, ok := a.store.(session.Locator)
	if !ok {
		return ""
	}
	return loc.Location() + "#" + a.Library()
}

// Store returns the underlying store.
func (a *Adapter) Store() Store { return a.store }

// Library returns the current library.
func (a *Adapter) Library() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.library
}

// UpdateLibrary makes library current and reloads its symbol list. It
// returns false without reloading when library is already current.
func (a *Adapter) UpdateLibrary(ctx context.Context, library string) (bool, error) {
	if err := validateName("library", library); err != nil {
		return false, backendErr("update_library", library, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.library == library && a.symbols != nil {
		return false, nil
	}

	syms, err := a.store.Symbols(ctx, library)
	if err != nil {
		return false, backendErr("update_library", library, err)
	}

	prev := a.library
	a.library = library
	a.setSymbolsLocked(syms)

	if a.opts.Watch {
		a.rewatchLocked()
	}

	if prev != "" {
		log.Info().
			Str("from", prev).
			Str("to", library).
			Int("symbols", len(syms)).
			Msg("Library switched")
	}
	return true, nil
}

func (a *Adapter) setSymbolsLocked(syms []string) {
	a.symbols = make(map[string]struct{}, len(syms))
	for _, s := range syms {
		a.symbols[s] = struct{}{}
	}
}

func (a *Adapter) rewatchLocked() {
	w, ok := a.store.(Watcher)
	if !ok {
		return
	}

	if a.stopWatch != nil {
		if err := a.stopWatch(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop library watcher")
		}
		a.stopWatch = nil
	}

	library := a.library
	stop, err := w.WatchLibrary(library, func() { a.reloadSymbols(library) })
	if err != nil {
		log.Warn().Err(err).Str("library", library).Msg("Failed to watch library")
		return
	}
	a.stopWatch = stop
}

// reloadSymbols refreshes the symbol list if library is still current.
func (a *Adapter) reloadSymbols(library string) {
	syms, err := a.store.Symbols(context.Background(), library)
	if err != nil {
		log.Error().Err(err).Str("library", library).Msg("Failed to reload symbols")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.library != library {
		return
	}
	a.setSymbolsLocked(syms)

	log.Debug().Str("library", library).Int("symbols", len(syms)).Msg("Symbols reloaded")
}

// Symbols lists the current library's symbols.
func (a *Adapter) Symbols() []string {
	a.mu.RLock()
	syms := make([]string, 0, len(a.symbols))
	for s := range a.symbols {
		syms = append(syms, s)
	}
	a.mu.RUnlock()

	session.SortKeys(syms)
	return syms
}

// Libraries lists every library in the store.
func (a *Adapter) Libraries(ctx context.Context) ([]string, error) {
	libs, err := a.store.Libraries(ctx)
	if err != nil {
		return nil, backendErr("libraries", "", err)
	}
	return libs, nil
}

// resolve maps a key to its library and symbol, switching the current
// library for compound keys.
func (a *Adapter) resolve(ctx context.Context, key string) (library, symbol string, err error) {
	if lib, sym, ok := strings.Cut(key, KeySeparator); ok {
		if _, err := a.UpdateLibrary(ctx, lib); err != nil {
			return "", "", err
		}
		return lib, sym, nil
	}
	return a.Library(), key, nil
}

func (a *Adapter) hasSymbol(symbol string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.symbols[symbol]
	return ok
}

// rowCount uses the fast path when the store has one.
func (a *Adapter) rowCount(ctx context.Context, library, symbol string) (int64, error) {
	if rc, ok := a.store.(RowCounter); ok {
		n, err := rc.RowCount(ctx, library, symbol)
		if err == nil {
			observability.RecordRowCountQuery("fast")
			return n, nil
		}
		if !errors.Is(err, ErrRowCountUnsupported) {
			return 0, err
		}
	}

	observability.RecordRowCountQuery("descriptor")
	d, err := a.store.Describe(ctx, library, symbol)
	if err != nil {
		return 0, err
	}
	return d.Rows, nil
}

// describe builds a session bound to an existing symbol.
func (a *Adapter) describe(ctx context.Context, key, library, symbol string) (*session.Session, error) {
	rows, err := a.rowCount(ctx, library, symbol)
	if err != nil {
		return nil, backendErr("describe", key, err)
	}

	preview, err := a.store.Read(ctx, library, symbol, 1)
	if err != nil {
		return nil, backendErr("describe", key, err)
	}

	s := session.New(key)
	s.Dtypes = preview.Dtypes()
	s.Large = IsLarge(rows, preview.NumCols())
	s.Metadata["library"] = library
	s.Metadata["symbol"] = symbol
	s.Metadata["rows"] = rows
	s.Bind(&symbolSource{store: a.store, library: library, symbol: symbol, key: key})
	return s, nil
}

// NewSession returns a session bound to the key's symbol when it exists,
// otherwise an unbound session whose data is written on Put.
func (a *Adapter) NewSession(ctx context.Context, id string) (*session.Session, error) {
	library, symbol, err := a.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateName("symbol", symbol); err != nil {
		return nil, backendErr("new_session", id, err)
	}
	if a.hasSymbol(symbol) {
		return a.describe(ctx, id, library, symbol)
	}
	return session.New(id), nil
}

// Get returns the bookkeeping session, constructing it from the symbol on
// first access. Unknown symbols are SymbolNotFoundError and leave nothing
// behind. Compound keys switch the current library on every access.
func (a *Adapter) Get(ctx context.Context, key string) (*session.Session, bool, error) {
	library, symbol, err := a.resolve(ctx, key)
	if err != nil {
		return nil, false, err
	}

	a.mu.RLock()
	s, ok := a.sessions[key]
	a.mu.RUnlock()
	if ok {
		return s, true, nil
	}

	if !a.hasSymbol(symbol) {
		return nil, false, &session.SymbolNotFoundError{Symbol: symbol, Library: library}
	}

	s, err = a.describe(ctx, key, library, symbol)
	if err != nil {
		return nil, false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.sessions[key]; ok {
		return existing, true, nil
	}
	a.sessions[key] = s
	return s, true, nil
}

// stage writes an unbound session's payload to its symbol and returns a
// bound copy without the in-memory payload. Other sessions come back as
// they are.
func (a *Adapter) stage(ctx context.Context, key string, s *session.Session) (*session.Session, error) {
	library, symbol, err := a.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.Source() != nil || s.Data == nil {
		return s, nil
	}

	src := &symbolSource{store: a.store, library: library, symbol: symbol, key: key}
	shape, err := src.Write(ctx, s.Data)
	if err != nil {
		return nil, err
	}

	s = s.Clone()
	s.Data = nil
	s.ApplyShape(shape)
	s.Metadata["library"] = library
	s.Metadata["symbol"] = symbol
	s.Bind(src)

	a.mu.Lock()
	if a.library == library {
		a.symbols[symbol] = struct{}{}
	}
	a.mu.Unlock()
	return s, nil
}

// Put records the session, staging its payload first.
func (a *Adapter) Put(ctx context.Context, key string, s *session.Session) error {
	s, err := a.stage(ctx, key, s)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[key] = s
	return nil
}

// Delete forgets the session. The symbol stays in the store.
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

// Clear forgets every session. Symbols stay in the store.
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

// Export materializes every session's payload from the store.
func (a *Adapter) Export(ctx context.Context) (map[string]*session.Session, error) {
	items, _ := a.Items(ctx)

	out := make(map[string]*session.Session, len(items))
	for _, it := range items {
		data, err := it.Session.LoadData(ctx)
		if err != nil {
			return nil, err
		}
		c := it.Session.Clone()
		c.Bind(nil)
		c.Data = data
		out[it.Key] = c
	}
	return out, nil
}

// Close stops the watcher and closes the store.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopWatch != nil {
		if err := a.stopWatch(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop library watcher")
		}
		a.stopWatch = nil
	}

	if err := a.store.Close(); err != nil {
		return backendErr("close", "", err)
	}
	return nil
}

// symbolSource reads and writes a session payload through the store.
type symbolSource struct {
	store   Store
	library string
	symbol  string
	key     string
}

func (s *symbolSource) Read(ctx context.Context) (*dataset.Frame, error) {
	f, err := s.store.Read(ctx, s.library, s.symbol, 0)
	if err != nil {
		return nil, backendErr("read", s.key, err)
	}
	return f, nil
}

func (s *symbolSource) Write(ctx context.Context, f *dataset.Frame) (session.Shape, error) {
	if err := s.store.Write(ctx, s.library, s.symbol, f); err != nil {
		return session.Shape{}, backendErr("write", s.key, err)
	}
	rows := int64(f.NumRows())
	return session.Shape{
		Rows:   rows,
		Dtypes: f.Dtypes(),
		Large:  IsLarge(rows, f.NumCols()),
	}, nil
}

func backendErr(op, key string, err error) error {
	return &session.BackendError{Backend: Name, Op: op, Key: key, Err: err}
}
