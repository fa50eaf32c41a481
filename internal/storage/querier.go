package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EnsureResult reports what resolving a related entity did
type EnsureResult struct {
	ID int64
	// Created is set when the row did not exist before.
	Created bool
	// Enriched is set when inline detail replaced stub or stale values.
	Enriched bool
}
