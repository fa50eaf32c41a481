package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/models"
)

// DeveloperRepository handles developer persistence
type DeveloperRepository struct {
	db *PostgresDB
}

// NewDeveloperRepository creates a new developer repository
func NewDeveloperRepository(db *PostgresDB) *DeveloperRepository {
	return &DeveloperRepository{db: db}
}

// Ensure resolves a developer by external id, creating a stub when it does
// not exist. Inline detail, when present, enriches the row. Concurrent calls
// for the same id converge on one row.
func (r *DeveloperRepository) Ensure(ctx context.Context, ref models.DeveloperRef) (*EnsureResult, error) {
	return ensureDeveloper(ctx, r.db.Pool(), ref)
}

// Enrich applies lookup detail to an existing developer
func (r *DeveloperRepository) Enrich(ctx context.Context, ref models.DeveloperRef) (bool, error) {
	if !ref.HasDetail() {
		return false, nil
	}
	res, err := ensureDeveloper(ctx, r.db.Pool(), ref)
	if err != nil {
		return false, err
	}
	return res.Enriched, nil
}

func ensureDeveloper(ctx context.Context, q querier, ref models.DeveloperRef) (*EnsureResult, error) {
	// The update branch only fires for real detail that differs, so stub
	// resolution of a known developer never rewrites the row.
	query := `
		INSERT INTO developers (external_id, slug, name, logo_url, is_stub)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			logo_url = COALESCE(EXCLUDED.logo_url, developers.logo_url),
			is_stub = FALSE,
			updated_at = NOW()
		WHERE NOT EXCLUDED.is_stub AND (
			developers.is_stub
			OR developers.name IS DISTINCT FROM EXCLUDED.name
			OR developers.slug IS DISTINCT FROM EXCLUDED.slug
			OR (EXCLUDED.logo_url IS NOT NULL AND developers.logo_url IS DISTINCT FROM EXCLUDED.logo_url)
		)
		RETURNING id, (xmax = 0) AS inserted
	`

	var res EnsureResult
	var inserted bool
	err := q.QueryRow(ctx, query,
		ref.ExternalID,
		ref.Slug,
		ref.Name,
		ref.LogoURL,
		!ref.HasDetail(),
	).Scan(&res.ID, &inserted)

	switch {
	case err == nil:
		res.Created = inserted
		res.Enriched = !inserted
		return &res, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Exists and nothing to change.
		if err := q.QueryRow(ctx, `SELECT id FROM developers WHERE external_id = $1`, ref.ExternalID).Scan(&res.ID); err != nil {
			return nil, wrapWriteErr("developer", ref.ExternalID, "resolve developer", err)
		}
		return &res, nil
	default:
		return nil, wrapWriteErr("developer", ref.ExternalID, "ensure developer", err)
	}
}

// StubExternalIDs returns which of the given external ids are still stubs
func (r *DeveloperRepository) StubExternalIDs(ctx context.Context, externalIDs []string) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Pool().Query(ctx,
		`SELECT external_id FROM developers WHERE is_stub AND external_id = ANY($1) ORDER BY id`,
		externalIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stub developers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetByExternalID retrieves a developer by its provider id
func (r *DeveloperRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Developer, error) {
	query := `
		SELECT d.id, d.external_id, d.slug, d.name, d.logo_url, d.is_stub, d.created_at, d.updated_at,
			   (SELECT COUNT(*) FROM properties p WHERE p.developer_id = d.id)
		FROM developers d
		WHERE d.external_id = $1
	`
	dev, err := scanDeveloper(r.db.Pool().QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("developer", externalID)
		}
		return nil, fmt.Errorf("failed to get developer: %w", err)
	}
	return dev, nil
}

// Count returns the number of developers and how many are still stubs
func (r *DeveloperRepository) Count(ctx context.Context) (total, stubs int64, err error) {
	err = r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_stub) FROM developers`,
	).Scan(&total, &stubs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count developers: %w", err)
	}
	return total, stubs, nil
}

func scanDeveloper(row pgx.Row) (*models.Developer, error) {
	var d models.Developer
	err := row.Scan(
		&d.ID,
		&d.ExternalID,
		&d.Slug,
		&d.Name,
		&d.LogoURL,
		&d.IsStub,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.PropertyCount,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
