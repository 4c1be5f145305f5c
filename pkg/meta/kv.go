package meta

import (
	"context"
)

// KeyValue is one stored record together with its mod revision.
type KeyValue struct {
	Key   string
	Value string
	// Revision is the revision of the last modification on this key,
	// modeled on etcd's ModRevision. It is the token conditional updates
	// compare against.
	Revision int64
}

// KV is the durable keyed store backing the submission registry and the
// application store. Implementations must provide per-key conditional
// updates; the registry relies on them for all claim arbitration.
type KV interface {
	// Get returns the record at key, or nil when the key does not exist.
	Get(ctx context.Context, key string) (*KeyValue, error)

	// Scan returns all records whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]*KeyValue, error)

	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value string) (int64, error)

	// PutIf writes only when the key's current revision equals expectRev.
	// expectRev == 0 means the key must not exist (create-only). Returns
	// ok == false, with no error, when the comparison fails.
	PutIf(ctx context.Context, key string, value string, expectRev int64) (rev int64, ok bool, err error)

	// Delete removes the key when its revision equals expectRev, or
	// unconditionally when expectRev == 0. Returns false when the
	// comparison fails.
	Delete(ctx context.Context, key string, expectRev int64) (bool, error)

	Close() error
}
