// Package etcdtest provides an in-memory clientv3.KV for tests that need a
// distributed cache adapter without a running cluster.
package etcdtest

import (
	"context"
	"sort"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV implements the subset of clientv3.KV the session adapter uses: Get,
// Put and Delete with prefix, keys-only and count-only options. Other
// methods panic through the nil embedded interface.
type KV struct {
	clientv3.KV

	mu   sync.Mutex
	data map[string][]byte
	rev  int64

	// Err, when set, is returned by every call.
	Err error
}

// NewKV returns an empty store.
func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

func inRange(k, key, end string) bool {
	switch end {
	case "":
		return k == key
	case "\x00":
		return k >= key
	default:
		return k >= key && k < end
	}
}

func (m *KV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	op := clientv3.OpGet(key, opts...)
	end := string(op.RangeBytes())

	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if inRange(k, key, end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	resp := &clientv3.GetResponse{Count: int64(len(keys))}
	if op.IsCountOnly() {
		return resp, nil
	}
	for _, k := range keys {
		kv := &mvccpb.KeyValue{Key: []byte(k), ModRevision: m.rev}
		if !op.IsKeysOnly() {
			kv.Value = append([]byte(nil), m.data[k]...)
		}
		resp.Kvs = append(resp.Kvs, kv)
	}
	return resp, nil
}

func (m *KV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rev++
	m.data[key] = []byte(val)
	return &clientv3.PutResponse{}, nil
}

func (m *KV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	op := clientv3.OpDelete(key, opts...)
	end := string(op.RangeBytes())

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for k := range m.data {
		if inRange(k, key, end) {
			delete(m.data, k)
			deleted++
		}
	}
	if deleted > 0 {
		m.rev++
	}
	return &clientv3.DeleteResponse{Deleted: deleted}, nil
}

// Len returns the number of stored keys across all prefixes.
func (m *KV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Raw returns the stored bytes for a remote key.
func (m *KV) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}
