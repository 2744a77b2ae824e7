package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisLease(t *testing.T) (*RedisLeaseRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLeaseRepository(client, ""), mr
}

func TestRedisLease_AcquireRenewRelease(t *testing.T) {
	repo, mr := setupRedisLease(t)
	ctx := context.Background()

	l, ok, err := repo.TryAcquireOrRenew(ctx, "poll-master", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", l.Owner)
	assert.Equal(t, "a", mr.HGet("outbox:lease:poll-master", "owner"))

	l, ok, err = repo.TryAcquireOrRenew(ctx, "poll-master", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "a", l.Owner)

	_, ok, err = repo.TryAcquireOrRenew(ctx, "poll-master", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.Release(ctx, "poll-master", "b"), "releasing someone else's lease is a no-op")
	assert.True(t, mr.Exists("outbox:lease:poll-master"))

	require.NoError(t, repo.Release(ctx, "poll-master", "a"))
	assert.False(t, mr.Exists("outbox:lease:poll-master"))

	_, ok, err = repo.TryAcquireOrRenew(ctx, "poll-master", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease_TakeoverAfterExpiry(t *testing.T) {
	repo, mr := setupRedisLease(t)
	ctx := context.Background()

	_, ok, err := repo.TryAcquireOrRenew(ctx, "poll-master", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(4 * time.Second)
	_, ok, err = repo.TryAcquireOrRenew(ctx, "poll-master", "b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Second)
	l, ok, err := repo.TryAcquireOrRenew(ctx, "poll-master", "b", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", l.Owner)
}

func TestRedisLease_ConcurrentAcquire(t *testing.T) {
	repo, _ := setupRedisLease(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := repo.TryAcquireOrRenew(ctx, "poll-master", fmt.Sprintf("relay-%d", i), 10*time.Second)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestRedisLease_StoreError(t *testing.T) {
	repo, mr := setupRedisLease(t)
	mr.Close()

	_, _, err := repo.TryAcquireOrRenew(context.Background(), "poll-master", "a", time.Second)
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
}
