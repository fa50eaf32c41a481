package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/types"
)

// SyncRunRepository handles sync run bookkeeping
type SyncRunRepository struct {
	db *PostgresDB
}

// NewSyncRunRepository creates a new sync run repository
func NewSyncRunRepository(db *PostgresDB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

const syncRunColumns = `
	id, feed, mode, state, started_at, finished_at, cursor_start, cursor_committed,
	pages_fetched, created_count, updated_count, unchanged_count, skipped_count,
	failed_count, duplicate_count, enriched_count, exhausted, error
`

// Create inserts a new sync run
func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	query := `
		INSERT INTO sync_runs (` + syncRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := r.db.Pool().Exec(ctx, query, syncRunArgs(run)...)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// Update persists the run's state, checkpoint and counters
func (r *SyncRunRepository) Update(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync_runs SET
			feed = $2, mode = $3, state = $4, started_at = $5, finished_at = $6,
			cursor_start = $7, cursor_committed = $8, pages_fetched = $9,
			created_count = $10, updated_count = $11, unchanged_count = $12,
			skipped_count = $13, failed_count = $14, duplicate_count = $15,
			enriched_count = $16, exhausted = $17, error = $18
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query, syncRunArgs(run)...)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("sync run", run.ID)
	}
	return nil
}

// Get retrieves a sync run by id
func (r *SyncRunRepository) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	run, err := scanSyncRun(r.db.Pool().QueryRow(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE id::text = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("sync run", id)
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

// Latest returns the most recent run for a feed, or nil when there is none
func (r *SyncRunRepository) Latest(ctx context.Context, feed string) (*models.SyncRun, error) {
	run, err := scanSyncRun(r.db.Pool().QueryRow(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE feed = $1 ORDER BY started_at DESC LIMIT 1`, feed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}
	return run, nil
}

// List returns recent runs for a feed, newest first
func (r *SyncRunRepository) List(ctx context.Context, feed string, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE feed = $1 ORDER BY started_at DESC LIMIT $2`, feed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AbandonStale marks runs left non-terminal by a crashed process as aborted
func (r *SyncRunRepository) AbandonStale(ctx context.Context, feed string, activeID string) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE sync_runs
		SET state = $3, finished_at = NOW(), error = 'abandoned: process exited mid-run'
		WHERE feed = $1 AND id::text <> $2 AND state NOT IN ($3, $4)
	`, feed, activeID, string(types.RunStateAborted), string(types.RunStateCompleted))
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale sync runs: %w", err)
	}
	return result.RowsAffected(), nil
}

func syncRunArgs(run *models.SyncRun) []any {
	return []any{
		run.ID,
		run.Feed,
		string(run.Mode),
		string(run.State),
		run.StartedAt,
		run.FinishedAt,
		run.CursorStart,
		run.CursorCommitted,
		run.PagesFetched,
		run.Created,
		run.Updated,
		run.Unchanged,
		run.Skipped,
		run.Failed,
		run.Duplicates,
		run.Enriched,
		run.Exhausted,
		run.Error,
	}
}

func scanSyncRun(row pgx.Row) (*models.SyncRun, error) {
	var (
		run   models.SyncRun
		mode  string
		state string
	)
	err := row.Scan(
		&run.ID,
		&run.Feed,
		&mode,
		&state,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CursorStart,
		&run.CursorCommitted,
		&run.PagesFetched,
		&run.Created,
		&run.Updated,
		&run.Unchanged,
		&run.Skipped,
		&run.Failed,
		&run.Duplicates,
		&run.Enriched,
		&run.Exhausted,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	run.Mode = types.SyncMode(mode)
	run.State = types.RunState(state)
	return &run, nil
}
