package mock

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jobdeck/jobdeck/pkg/meta"
)

type record struct {
	value    string
	revision int64
}

// KV is an in-memory meta.KV with the same conditional-update semantics as
// the etcd backend. It backs tests and single-node deployments.
type KV struct {
	mu       sync.Mutex
	data     map[string]record
	revision int64
}

// NewKV creates an empty in-memory store.
func NewKV() *KV {
	return &KV{data: make(map[string]record)}
}

func (kv *KV) Get(ctx context.Context, key string) (*meta.KeyValue, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	rec, ok := kv.data[key]
	if !ok {
		return nil, nil
	}
	return &meta.KeyValue{Key: key, Value: rec.value, Revision: rec.revision}, nil
}

func (kv *KV) Scan(ctx context.Context, prefix string) ([]*meta.KeyValue, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var kvs []*meta.KeyValue
	for key, rec := range kv.data {
		if strings.HasPrefix(key, prefix) {
			kvs = append(kvs, &meta.KeyValue{Key: key, Value: rec.value, Revision: rec.revision})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (kv *KV) Put(ctx context.Context, key string, value string) (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.revision++
	kv.data[key] = record{value: value, revision: kv.revision}
	return kv.revision, nil
}

func (kv *KV) PutIf(ctx context.Context, key string, value string, expectRev int64) (int64, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	rec, exists := kv.data[key]
	if expectRev == 0 {
		if exists {
			return 0, false, nil
		}
	} else if !exists || rec.revision != expectRev {
		return 0, false, nil
	}

	kv.revision++
	kv.data[key] = record{value: value, revision: kv.revision}
	return kv.revision, true, nil
}

func (kv *KV) Delete(ctx context.Context, key string, expectRev int64) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	rec, exists := kv.data[key]
	if !exists {
		return expectRev == 0, nil
	}
	if expectRev != 0 && rec.revision != expectRev {
		return false, nil
	}
	delete(kv.data, key)
	kv.revision++
	return true, nil
}

func (kv *KV) Close() error {
	return nil
}
