// Package etcd implements the distributed cache session adapter on the
// etcd v3 key-value API.
//
// Every session is stored under <prefix><id> as a codec-encoded value.
// Remote keys are decoded back to IDs by stripping the prefix.
package etcd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/tabula/internal/observability"
	"github.com/harun/tabula/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Name is the backend name reported in logs and metrics.
const Name = "etcd"

const (
	DefaultPrefix         = "/tabula/sessions/"
	DefaultRequestTimeout = 5 * time.Second
	DefaultDialTimeout    = 5 * time.Second
)

// Options configures the distributed cache adapter.
type Options struct {
	Prefix         string
	RequestTimeout time.Duration
	DialTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(o.Prefix, "/") {
		o.Prefix += "/"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// Adapter stores sessions in etcd.
type Adapter struct {
	kv        clientv3.KV
	client    *clientv3.Client
	endpoints []string
	opts      Options
}

// New wraps an existing KV. The caller keeps ownership of the connection.
func New(kv clientv3.KV, opts Options) *Adapter {
	return &Adapter{
		kv:   kv,
		opts: opts.withDefaults(),
	}
}

// Open dials the cluster and returns an adapter that owns the client.
func Open(endpoints []string, opts Options) (*Adapter, error) {
	opts = opts.withDefaults()

	if len(endpoints) == 0 {
		return nil, backendErr("open", "", errors.New("no endpoints configured"))
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, backendErr("open", "", errors.Wrapf(err, "dial %s", strings.Join(endpoints, ",")))
	}

	a := New(cli.KV, opts)
	a.client = cli
	a.endpoints = append([]string(nil), endpoints...)

	log.Info().
		Strs("endpoints", endpoints).
		Str("prefix", opts.Prefix).
		Msg("Distributed session cache connected")

	return a, nil
}

// Factory returns an AdapterFactory that dials endpoints on demand.
func Factory(endpoints []string, opts Options) session.AdapterFactory {
	return func(ctx context.Context) (session.Adapter, error) {
		return Open(endpoints, opts)
	}
}

// Location names the keyspace Open(endpoints, opts) addresses.
func Location(endpoints []string, prefix string) string {
	eps := append([]string(nil), endpoints...)
	sort.Strings(eps)
	return "etcd://" + strings.Join(eps, ",") + Options{Prefix: prefix}.withDefaults().Prefix
}

// Location identifies the keyspace. Adapters built with New are keyed by
// their KV value.
func (a *Adapter) Location() string {
	if len(a.endpoints) == 0 {
		return fmt.Sprintf("etcd://%p%s", a.kv, a.opts.Prefix)
	}
	return Location(a.endpoints, a.opts.Prefix)
}

// Prefix returns the key prefix sessions are stored under.
func (a *Adapter) Prefix() string { return a.opts.Prefix }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) NewSession(ctx context.Context, id string) (*session.Session, error) {
	return session.New(id), nil
}

func (a *Adapter) remoteKey(key string) string {
	return a.opts.Prefix + key
}

func (a *Adapter) localKey(remote []byte) string {
	return strings.TrimPrefix(string(remote), a.opts.Prefix)
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.opts.RequestTimeout)
}

func (a *Adapter) Get(ctx context.Context, key string) (*session.Session, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	resp, err := a.kv.Get(ctx, a.remoteKey(key))
	if err != nil {
		return nil, false, backendErr("get", key, errors.Wrap(err, "range"))
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}

	s, err := session.Decode(resp.Kvs[0].Value)
	if err != nil {
		observability.RecordCodecError(Name)
		return nil, false, backendErr("get", key, err)
	}
	return s, true, nil
}

func (a *Adapter) Put(ctx context.Context, key string, s *session.Session) error {
	b, err := session.Encode(s)
	if err != nil {
		observability.RecordCodecError(Name)
		return backendErr("put", key, err)
	}

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if _, err := a.kv.Put(ctx, a.remoteKey(key), string(b)); err != nil {
		return backendErr("put", key, errors.Wrap(err, "put"))
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if _, err := a.kv.Delete(ctx, a.remoteKey(key)); err != nil {
		return backendErr("delete", key, errors.Wrap(err, "delete"))
	}
	return nil
}

func (a *Adapter) Contains(ctx context.Context, key string) (bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	resp, err := a.kv.Get(ctx, a.remoteKey(key), clientv3.WithCountOnly())
	if err != nil {
		return false, backendErr("contains", key, errors.Wrap(err, "count"))
	}
	return resp.Count > 0, nil
}

func (a *Adapter) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	resp, err := a.kv.Get(ctx, a.opts.Prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, backendErr("keys", "", errors.Wrap(err, "range keys"))
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, a.localKey(kv.Key))
	}
	session.SortKeys(keys)
	return keys, nil
}

// scan decodes every session under the prefix.
func (a *Adapter) scan(ctx context.Context, op string) (map[string]*session.Session, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	resp, err := a.kv.Get(ctx, a.opts.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, backendErr(op, "", errors.Wrap(err, "range"))
	}

	out := make(map[string]*session.Session, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := a.localKey(kv.Key)
		s, err := session.Decode(kv.Value)
		if err != nil {
			observability.RecordCodecError(Name)
			return nil, backendErr(op, key, err)
		}
		out[key] = s
	}
	return out, nil
}

func (a *Adapter) Items(ctx context.Context) ([]session.Item, error) {
	all, err := a.scan(ctx, "items")
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(all))
	for key := range all {
		keys = append(keys, key)
	}
	session.SortKeys(keys)

	items := make([]session.Item, 0, len(keys))
	for _, key := range keys {
		items = append(items, session.Item{Key: key, Session: all[key]})
	}
	return items, nil
}

// Clear deletes every key under the prefix.
func (a *Adapter) Clear(ctx context.Context) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if _, err := a.kv.Delete(ctx, a.opts.Prefix, clientv3.WithPrefix()); err != nil {
		return backendErr("clear", "", errors.Wrap(err, "delete prefix"))
	}
	return nil
}

func (a *Adapter) Size(ctx context.Context) (int, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	resp, err := a.kv.Get(ctx, a.opts.Prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, backendErr("size", "", errors.Wrap(err, "count"))
	}
	return int(resp.Count), nil
}

// Export decodes a fresh copy of every session.
func (a *Adapter) Export(ctx context.Context) (map[string]*session.Session, error) {
	return a.scan(ctx, "export")
}

// Close releases the client when the adapter dialed it.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	if err := a.client.Close(); err != nil {
		return backendErr("close", "", errors.Wrap(err, "close client"))
	}
	a.client = nil
	return nil
}

func backendErr(op, key string, err error) error {
	return &session.BackendError{Backend: Name, Op: op, Key: key, Err: err}
}
