package etcdkv

import (
	"context"
	"time"

	"go.etcd.io/etcd/clientv3"

	derrors "github.com/jobdeck/jobdeck/pkg/errors"
	"github.com/jobdeck/jobdeck/pkg/meta"
)

// KV implements meta.KV on top of an etcd cluster. Conditional updates map
// to single-key transactions comparing ModRevision, so claim arbitration
// needs no locking above the store.
type KV struct {
	cli *clientv3.Client
}

// Config carries the etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// NewKV dials the etcd cluster.
func NewKV(cfg Config) (*KV, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, derrors.Wrap(derrors.ErrMetaOp, err)
	}
	return &KV{cli: cli}, nil
}

// NewKVWithClient wraps an existing client, mostly for tests.
func NewKVWithClient(cli *clientv3.Client) *KV {
	return &KV{cli: cli}
}

func (kv *KV) Get(ctx context.Context, key string) (*meta.KeyValue, error) {
	resp, err := kv.cli.Get(ctx, key)
	if err != nil {
		return nil, derrors.Wrap(derrors.ErrMetaOp, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	item := resp.Kvs[0]
	return &meta.KeyValue{
		Key:      string(item.Key),
		Value:    string(item.Value),
		Revision: item.ModRevision,
	}, nil
}

func (kv *KV) Scan(ctx context.Context, prefix string) ([]*meta.KeyValue, error) {
	resp, err := kv.cli.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, derrors.Wrap(derrors.ErrMetaOp, err)
	}
	kvs := make([]*meta.KeyValue, 0, len(resp.Kvs))
	for _, item := range resp.Kvs {
		kvs = append(kvs, &meta.KeyValue{
			Key:      string(item.Key),
			Value:    string(item.Value),
			Revision: item.ModRevision,
		})
	}
	return kvs, nil
}

func (kv *KV) Put(ctx context.Context, key string, value string) (int64, error) {
	resp, err := kv.cli.Put(ctx, key, value)
	if err != nil {
		return 0, derrors.Wrap(derrors.ErrMetaOp, err)
	}
	return resp.Header.Revision, nil
}

func (kv *KV) PutIf(ctx context.Context, key string, value string, expectRev int64) (int64, bool, error) {
	var cmp clientv3.Cmp
	if expectRev == 0 {
		// create-only: the key must have no creation revision yet.
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", expectRev)
	}
	resp, err := kv.cli.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, value)).Commit()
	if err != nil {
		return 0, false, derrors.Wrap(derrors.ErrMetaOp, err)
	}
	if !resp.Succeeded {
		return 0, false, nil
	}
	return resp.Header.Revision, true, nil
}

func (kv *KV) Delete(ctx context.Context, key string, expectRev int64) (bool, error) {
	if expectRev == 0 {
		if _, err := kv.cli.Delete(ctx, key); err != nil {
			return false, derrors.Wrap(derrors.ErrMetaOp, err)
		}
		return true, nil
	}
	resp, err := kv.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expectRev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, derrors.Wrap(derrors.ErrMetaOp, err)
	}
	return resp.Succeeded, nil
}

func (kv *KV) Close() error {
	return kv.cli.Close()
}
