package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/property-catalog/internal/config"
	apperrors "github.com/property-catalog/internal/errors"
)

func newMiniredisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestNewRedisCache(t *testing.T) {
	_, mr := newMiniredisClient(t)
	host, port, _ := splitAddr(mr.Addr())

	cache, err := NewRedisCache(&config.RedisConfig{Host: host, Port: port, MaxConnections: 2})
	require.NoError(t, err)
	defer func() { _ = cache.Close() }()

	assert.NoError(t, cache.Ping(testContext(t)))
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	_, err := NewRedisCache(&config.RedisConfig{Host: "127.0.0.1", Port: "1", MaxConnections: 1})
	assert.Error(t, err)
}

func TestCacheService_SetGet(t *testing.T) {
	client, _ := newMiniredisClient(t)
	cache := NewCacheService(NewRedisCacheFromClient(client), time.Minute)
	ctx := testContext(t)

	key, err := cache.GenerateCacheKey(ctx, CacheKeyQuery, "abc")
	require.NoError(t, err)
	assert.Equal(t, "catalog:0:query:abc", key)

	var got map[string]int
	found, err := cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cache.Set(ctx, key, map[string]int{"total": 3}))
	found, err = cache.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got["total"])
}

func TestCacheService_RedisFailuresAreCacheErrors(t *testing.T) {
	client, mr := newMiniredisClient(t)
	cache := NewCacheService(NewRedisCacheFromClient(client), time.Minute)
	ctx := testContext(t)
	mr.SetError("ERR cache offline")

	_, err := cache.GenerateCacheKey(ctx, CacheKeyQuery, "abc")
	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryCache, apperrors.Categorize(err).Category)
	assert.True(t, apperrors.IsRetryable(err))

	var got map[string]int
	_, err = cache.Get(ctx, "catalog:0:query:abc", &got)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeCache))
	assert.True(t, apperrors.HasCode(cache.Set(ctx, "catalog:0:query:abc", got), apperrors.CodeCache))
	assert.True(t, apperrors.HasCode(cache.InvalidateAll(ctx), apperrors.CodeCache))
}

func TestCacheService_InvalidateAllChangesNamespace(t *testing.T) {
	client, _ := newMiniredisClient(t)
	cache := NewCacheService(NewRedisCacheFromClient(client), time.Minute)
	ctx := testContext(t)

	before, err := cache.GenerateCacheKey(ctx, CacheKeyQuery, "abc")
	require.NoError(t, err)
	require.NoError(t, cache.Set(ctx, before, "v"))

	require.NoError(t, cache.InvalidateAll(ctx))

	after, err := cache.GenerateCacheKey(ctx, CacheKeyQuery, "abc")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	var v string
	found, err := cache.Get(ctx, after, &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheService_ExpiresWithTTL(t *testing.T) {
	client, mr := newMiniredisClient(t)
	cache := NewCacheService(NewRedisCacheFromClient(client), 10*time.Second)
	ctx := testContext(t)

	require.NoError(t, cache.Set(ctx, "k", 1))
	mr.FastForward(11 * time.Second)

	var v int
	found, err := cache.Get(ctx, "k", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSyncLock_SingleHolder(t *testing.T) {
	client, _ := newMiniredisClient(t)
	lock := NewSyncLock(client, time.Minute)
	ctx := testContext(t)

	h1, holder, err := lock.Acquire(ctx, "latest", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", holder)

	_, holder, err = lock.Acquire(ctx, "latest", "run-2")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Equal(t, "run-1", holder)

	// Other feeds are independent.
	other, _, err := lock.Acquire(ctx, "archive", "run-3")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, h1.Release(ctx))
	h2, _, err := lock.Acquire(ctx, "latest", "run-2")
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestSyncLock_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	client, mr := newMiniredisClient(t)
	lock := NewSyncLock(client, time.Minute)
	ctx := testContext(t)

	stale, _, err := lock.Acquire(ctx, "latest", "run-1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	fresh, _, err := lock.Acquire(ctx, "latest", "run-2")
	require.NoError(t, err)

	ok, err := stale.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, stale.Release(ctx))

	_, holder, err := lock.Acquire(ctx, "latest", "run-3")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Equal(t, "run-2", holder)

	ok, err = fresh.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

// releaseAfterSet frees the lock key right after the first SET, as a holder
// finishing between another process's SETNX and GET would.
type releaseAfterSet struct {
	mr   *miniredis.Miniredis
	key  string
	once sync.Once
}

func (h *releaseAfterSet) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *releaseAfterSet) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "set" {
			h.once.Do(func() { h.mr.Del(h.key) })
		}
		return err
	}
}

func (h *releaseAfterSet) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestSyncLock_HolderReleasingDuringAcquire(t *testing.T) {
	client, mr := newMiniredisClient(t)
	ctx := testContext(t)

	holder, _, err := NewSyncLock(client, time.Minute).Acquire(ctx, "latest", "run-1")
	require.NoError(t, err)
	defer func() { _ = holder.Release(ctx) }()

	contender := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer contender.Close()
	contender.AddHook(&releaseAfterSet{mr: mr, key: lockKey("latest")})

	lease, runID, err := NewSyncLock(contender, time.Minute).Acquire(ctx, "latest", "run-2")
	require.NoError(t, err)
	assert.Equal(t, "run-2", runID)
	require.NoError(t, lease.Release(ctx))
}
