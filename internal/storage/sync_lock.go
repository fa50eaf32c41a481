package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another process holds the sync lock
var ErrLockHeld = errors.New("sync lock held by another process")

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if we still own it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// SyncLock keeps sync runs for one feed single-flight across processes
type SyncLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSyncLock creates a lock backed by Redis. The TTL bounds how long a
// crashed holder can block other processes.
func NewSyncLock(client *redis.Client, ttl time.Duration) *SyncLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SyncLock{client: client, ttl: ttl}
}

// Lease is a held sync lock. Refresh reports false once the lock has been
// lost to another process.
type Lease interface {
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockHandle is an acquired Redis lock
type LockHandle struct {
	lock  *SyncLock
	key   string
	token string
}

func lockKey(feed string) string {
	return "catalog:sync-lock:" + feed
}

// Acquire takes the lock for feed or returns ErrLockHeld along with the
// current holder's run id.
func (l *SyncLock) Acquire(ctx context.Context, feed, runID string) (Lease, string, error) {
	key := lockKey(feed)
	token := runID + "/" + uuid.NewString()

	// A holder releasing between SETNX and GET leaves nobody to report, so
	// the acquire is tried once more in that case.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, "", fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		if ok {
			return &LockHandle{lock: l, key: key, token: token}, runID, nil
		}
		holder, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read sync lock holder: %w", err)
		}
		return nil, holderRunID(holder), ErrLockHeld
	}
	return nil, "", ErrLockHeld
}

// Refresh extends the lock; false means it was lost
func (h *LockHandle) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, h.lock.client, []string{h.key}, h.token, h.lock.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to refresh sync lock: %w", err)
	}
	return n == 1, nil
}

// Release gives the lock up if it is still ours
func (h *LockHandle) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.lock.client, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

func holderRunID(token string) string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '/' {
			return token[:i]
		}
	}
	return token
}
