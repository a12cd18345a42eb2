// Package bolt implements the durable file session adapter on bbolt.
//
// Sessions live in a single file, <dir>/sessions.db, inside one bucket.
// The adapter keeps an in-memory copy loaded on open; every Put and Delete
// commits the key to the file before the copy changes, and a background
// flusher fsyncs the file when writes are pending.
package bolt

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/tabula/internal/observability"
	"github.com/harun/tabula/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// Name is the backend name reported in logs and metrics.
const Name = "bolt"

const (
	// FileName is the database file created inside the adapter directory.
	FileName = "sessions.db"

	DefaultFlushInterval = 5 * time.Second
	DefaultOpenTimeout   = time.Second
)

var bucketName = []byte("sessions")

// Options configures the durable file adapter.
type Options struct {
	// FlushInterval is how often pending writes are fsynced.
	FlushInterval time.Duration
	// Fsync makes every commit sync the file. When false the database runs
	// with NoSync and durability comes from the flusher.
	Fsync bool
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultOpenTimeout
	}
	return o
}

// Adapter is a bbolt-backed session store.
type Adapter struct {
	path string
	db   *bolt.DB

	mu       sync.RWMutex
	sessions map[string]*session.Session
	dirty    bool

	flusher *Flusher
	closed  bool
}

// Open opens or creates the session file in dir and loads its contents.
func Open(dir string, opts Options) (*Adapter, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, backendErr("open", "", errors.Wrapf(err, "create directory %s", dir))
	}

	path := filePath(dir)
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: opts.Timeout,
		NoSync:  !opts.Fsync,
	})
	if err != nil {
		return nil, backendErr("open", "", errors.Wrapf(err, "open %s", path))
	}

	a := &Adapter{
		path:     path,
		db:       db,
		sessions: make(map[string]*session.Session),
	}

	if err := a.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	a.flusher = NewFlusher(a, opts.FlushInterval)
	if err := a.flusher.Start(); err != nil {
		_ = db.Close()
		return nil, backendErr("open", "", errors.Wrap(err, "start flusher"))
	}

	log.Info().
		Str("path", path).
		Int("sessions", len(a.sessions)).
		Dur("flush_interval", opts.FlushInterval).
		Msg("Durable session store opened")

	return a, nil
}

func filePath(dir string) string {
	path := filepath.Join(dir, FileName)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Location names the session file Open(dir) uses.
func Location(dir string) string {
	return "bolt://" + filePath(dir)
}

// Factory returns an AdapterFactory that opens dir on demand.
func Factory(dir string, opts Options) session.AdapterFactory {
	return func(ctx context.Context) (session.Adapter, error) {
		return Open(dir, opts)
	}
}

func (a *Adapter) load() error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return backendErr("load", "", errors.Wrap(err, "create bucket"))
		}
		return b.ForEach(func(k, v []byte) error {
			s, err := session.Decode(v)
			if err != nil {
				observability.RecordCodecError(Name)
				return backendErr("load", string(k), err)
			}
			a.sessions[string(k)] = s
			return nil
		})
	})
}

// Path returns the database file path.
func (a *Adapter) Path() string { return a.path }

func (a *Adapter) Location() string { return "bolt://" + a.path }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) NewSession(ctx context.Context, id string) (*session.Session, error) {
	return session.New(id), nil
}

func (a *Adapter) Get(ctx context.Context, key string) (*session.Session, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.sessions[key]
	return s, ok, nil
}

// Put encodes the session and commits it before updating the in-memory copy.
func (a *Adapter) Put(ctx context.Context, key string, s *session.Session) error {
	b, err := session.Encode(s)
	if err != nil {
		observability.RecordCodecError(Name)
		return backendErr("put", key, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err = a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), b)
	})
	if err != nil {
		return backendErr("put", key, errors.Wrap(err, "commit"))
	}

	a.sessions[key] = s
	a.dirty = true
	return nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[key]; !ok {
		return nil
	}

	err := a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return backendErr("delete", key, errors.Wrap(err, "commit"))
	}

	delete(a.sessions, key)
	a.dirty = true
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

// Clear drops and recreates the bucket.
func (a *Adapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return backendErr("clear", "", errors.Wrap(err, "reset bucket"))
	}

	a.sessions = make(map[string]*session.Session)
	a.dirty = true
	return nil
}

func (a *Adapter) Size(ctx context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.sessions), nil
}

func (a *Adapter) Export(ctx context.Context) (map[string]*session.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]*session.Session, len(a.sessions))
	for key, s := range a.sessions {
		out[key] = s.Clone()
	}
	return out, nil
}

// Flush fsyncs the file when writes are pending.
func (a *Adapter) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.flushLocked()
}

func (a *Adapter) flushLocked() error {
	if !a.dirty || a.closed {
		return nil
	}

	start := time.Now()
	if err := a.db.Sync(); err != nil {
		observability.RecordFlush(time.Since(start), false)
		return backendErr("flush", "", errors.Wrap(err, "sync"))
	}
	observability.RecordFlush(time.Since(start), true)

	a.dirty = false
	return nil
}

// Dirty reports whether writes are waiting for the next flush.
func (a *Adapter) Dirty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dirty
}

// Close stops the flusher, flushes pending writes and closes the file.
func (a *Adapter) Close() error {
	if err := a.flusher.Stop(); err != nil {
		log.Debug().Err(err).Msg("Flusher already stopped")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	flushErr := a.flushLocked()
	a.closed = true

	if err := a.db.Close(); err != nil {
		return backendErr("close", "", errors.Wrap(err, "close database"))
	}

	log.Info().Str("path", a.path).Msg("Durable session store closed")
	return flushErr
}

func backendErr(op, key string, err error) error {
	return &session.BackendError{Backend: Name, Op: op, Key: key, Err: err}
}
