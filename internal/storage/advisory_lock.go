package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock keeps sync runs single-flight through a Postgres session
// advisory lock. The lock lives as long as the pooled connection that took
// it, so a crashed holder frees it when its session ends. Unlike SyncLock it
// cannot name the holder's run.
type AdvisoryLock struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLock creates a lock on the catalog database
func NewAdvisoryLock(db *PostgresDB) *AdvisoryLock {
	return &AdvisoryLock{pool: db.Pool()}
}

func advisoryKey(feed string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(lockKey(feed)))
	return int64(h.Sum64())
}

// Acquire takes the lock for feed on a dedicated connection, or returns
// ErrLockHeld with an empty holder.
func (l *AdvisoryLock) Acquire(ctx context.Context, feed, runID string) (Lease, string, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to acquire connection for sync lock: %w", err)
	}

	key := advisoryKey(feed)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, "", fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, "", ErrLockHeld
	}
	return &advisoryLease{conn: conn, key: key}, runID, nil
}

type advisoryLease struct {
	mu   sync.Mutex
	conn *pgxpool.Conn
	key  int64
}

// Refresh checks that the session holding the lock is still alive
func (a *advisoryLease) Refresh(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return false, nil
	}
	if err := a.conn.Ping(ctx); err != nil {
		if a.conn.Conn().IsClosed() {
			return false, nil
		}
		return false, fmt.Errorf("failed to check sync lock session: %w", err)
	}
	return true, nil
}

// Release unlocks and returns the connection to the pool. If the unlock
// fails the connection is closed instead, which drops the lock with it.
func (a *advisoryLease) Release(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	conn := a.conn
	a.conn = nil

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, a.key); err != nil {
		_ = conn.Hijack().Close(ctx)
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	conn.Release()
	return nil
}
