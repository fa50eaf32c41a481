package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/property-catalog/internal/models"
)

// CityRepository handles city persistence
type CityRepository struct {
	db *PostgresDB
}

// NewCityRepository creates a new city repository
func NewCityRepository(db *PostgresDB) *CityRepository {
	return &CityRepository{db: db}
}

// Ensure resolves a city by external id, creating a stub when absent
func (r *CityRepository) Ensure(ctx context.Context, ref models.CityRef) (*EnsureResult, error) {
	return ensureCity(ctx, r.db.Pool(), ref)
}

// Enrich applies lookup detail to an existing city
func (r *CityRepository) Enrich(ctx context.Context, ref models.CityRef) (bool, error) {
	if !ref.HasDetail() {
		return false, nil
	}
	res, err := ensureCity(ctx, r.db.Pool(), ref)
	if err != nil {
		return false, err
	}
	return res.Enriched, nil
}

func ensureCity(ctx context.Context, q querier, ref models.CityRef) (*EnsureResult, error) {
	query := `
		INSERT INTO cities (external_id, name, country, region, is_stub)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			country = CASE WHEN EXCLUDED.country = '' THEN cities.country ELSE EXCLUDED.country END,
			region = CASE WHEN EXCLUDED.region = '' THEN cities.region ELSE EXCLUDED.region END,
			is_stub = FALSE,
			updated_at = NOW()
		WHERE NOT EXCLUDED.is_stub AND (
			cities.is_stub
			OR cities.name IS DISTINCT FROM EXCLUDED.name
			OR (EXCLUDED.country <> '' AND cities.country IS DISTINCT FROM EXCLUDED.country)
			OR (EXCLUDED.region <> '' AND cities.region IS DISTINCT FROM EXCLUDED.region)
		)
		RETURNING id, (xmax = 0) AS inserted
	`

	var res EnsureResult
	var inserted bool
	err := q.QueryRow(ctx, query,
		ref.ExternalID,
		ref.Name,
		ref.Country,
		ref.Region,
		!ref.HasDetail(),
	).Scan(&res.ID, &inserted)

	switch {
	case err == nil:
		res.Created = inserted
		res.Enriched = !inserted
		return &res, nil
	case errors.Is(err, pgx.ErrNoRows):
		if err := q.QueryRow(ctx, `SELECT id FROM cities WHERE external_id = $1`, ref.ExternalID).Scan(&res.ID); err != nil {
			return nil, wrapWriteErr("city", ref.ExternalID, "resolve city", err)
		}
		return &res, nil
	default:
		return nil, wrapWriteErr("city", ref.ExternalID, "ensure city", err)
	}
}

// StubExternalIDs returns which of the given external ids are still stubs
func (r *CityRepository) StubExternalIDs(ctx context.Context, externalIDs []string) ([]string, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Pool().Query(ctx,
		`SELECT external_id FROM cities WHERE is_stub AND external_id = ANY($1) ORDER BY id`,
		externalIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stub cities: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Count returns the number of cities and how many are still stubs
func (r *CityRepository) Count(ctx context.Context) (total, stubs int64, err error) {
	err = r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_stub) FROM cities`,
	).Scan(&total, &stubs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count cities: %w", err)
	}
	return total, stubs, nil
}

func scanCity(row pgx.Row) (*models.City, error) {
	var c models.City
	err := row.Scan(
		&c.ID,
		&c.ExternalID,
		&c.Name,
		&c.Country,
		&c.Region,
		&c.IsStub,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
