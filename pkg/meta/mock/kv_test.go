package mock

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKVPutGet(t *testing.T) {
	t.Parallel()

	kv := NewKV()
	ctx := context.Background()

	got, err := kv.Get(ctx, "/a")
	require.NoError(t, err)
	require.Nil(t, got)

	rev, err := kv.Put(ctx, "/a", "1")
	require.NoError(t, err)
	require.Greater(t, rev, int64(0))

	got, err = kv.Get(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, "1", got.Value)
	require.Equal(t, rev, got.Revision)
}

func TestKVPutIfCreateOnly(t *testing.T) {
	t.Parallel()

	kv := NewKV()
	ctx := context.Background()

	_, ok, err := kv.PutIf(ctx, "/a", "1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = kv.PutIf(ctx, "/a", "2", 0)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := kv.Get(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, "1", got.Value)
}

func TestKVPutIfRevisionMismatch(t *testing.T) {
	t.Parallel()

	kv := NewKV()
	ctx := context.Background()

	rev, err := kv.Put(ctx, "/a", "1")
	require.NoError(t, err)

	newRev, ok, err := kv.PutIf(ctx, "/a", "2", rev)
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, newRev, rev)

	// stale revision loses.
	_, ok, err = kv.PutIf(ctx, "/a", "3", rev)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVScanOrdered(t *testing.T) {
	t.Parallel()

	kv := NewKV()
	ctx := context.Background()

	_, err := kv.Put(ctx, "/s/b", "2")
	require.NoError(t, err)
	_, err = kv.Put(ctx, "/s/a", "1")
	require.NoError(t, err)
	_, err = kv.Put(ctx, "/t/c", "3")
	require.NoError(t, err)

	kvs, err := kv.Scan(ctx, "/s/")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "/s/a", kvs[0].Key)
	require.Equal(t, "/s/b", kvs[1].Key)
}

func TestKVConcurrentCASSingleWinner(t *testing.T) {
	t.Parallel()

	kv := NewKV()
	ctx := context.Background()

	rev, err := kv.Put(ctx, "/contended", "init")
	require.NoError(t, err)

	const racers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := kv.PutIf(ctx, "/contended", "winner", rev)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
