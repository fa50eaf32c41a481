package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/types"
)

// PropertyRepository handles property and image writes
type PropertyRepository struct {
	db *PostgresDB
}

// NewPropertyRepository creates a new property repository
func NewPropertyRepository(db *PostgresDB) *PropertyRepository {
	return &PropertyRepository{db: db}
}

// UpsertResult describes one property upsert
type UpsertResult struct {
	ID       int64
	Outcome  models.UpsertOutcome
	SyncedAt time.Time
	// PriceChanged is set when the stored price band differs from before.
	PriceChanged bool
}

type storedProperty struct {
	id                int64
	providerUpdatedAt *time.Time
	syncedAt          time.Time
	contentHash       string
	minPrice          *string
	maxPrice          *string
	currency          string
}

// Upsert applies a normalized property keyed by external id. The property
// row and its images change together or not at all. A record whose provider
// timestamp is not newer than the stored one, or whose content is identical,
// leaves the row untouched. synced_at never moves backwards.
func (r *PropertyRepository) Upsert(ctx context.Context, np *models.NormalizedProperty, developerID, cityID int64, now time.Time) (*UpsertResult, error) {
	if !np.Price.Valid() {
		return nil, apperrors.NewNormalizationError(np.ExternalID, "min price exceeds max price")
	}

	var result *UpsertResult
	err := r.db.InTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		stored, err := lockProperty(ctx, tx, np.ExternalID)
		if err != nil {
			return err
		}

		if stored == nil {
			result, err = insertProperty(ctx, tx, np, developerID, cityID, now)
			return err
		}

		switch {
		case np.ProviderUpdatedAt != nil && stored.providerUpdatedAt != nil && !np.ProviderUpdatedAt.After(*stored.providerUpdatedAt):
			result = &UpsertResult{ID: stored.id, Outcome: models.OutcomeUnchanged, SyncedAt: stored.syncedAt}
			return nil
		case np.ContentHash == stored.contentHash:
			result = &UpsertResult{ID: stored.id, Outcome: models.OutcomeUnchanged, SyncedAt: stored.syncedAt}
			if np.ProviderUpdatedAt != nil {
				// Same content, newer provider stamp: remember the stamp only.
				_, err := tx.Exec(ctx, `
					UPDATE properties
					SET provider_updated_at = GREATEST(COALESCE(provider_updated_at, $2), $2)
					WHERE id = $1
				`, stored.id, *np.ProviderUpdatedAt)
				return err
			}
			return nil
		}

		result, err = updateProperty(ctx, tx, stored, np, developerID, cityID, now)
		return err
	})
	if err != nil {
		return nil, wrapWriteErr("property", np.ExternalID, "upsert property", err)
	}
	return result, nil
}

func lockProperty(ctx context.Context, tx pgx.Tx, externalID string) (*storedProperty, error) {
	query := `
		SELECT id, provider_updated_at, synced_at, content_hash,
			   min_price::text, max_price::text, currency
		FROM properties
		WHERE external_id = $1
		FOR UPDATE
	`
	var s storedProperty
	err := tx.QueryRow(ctx, query, externalID).Scan(
		&s.id,
		&s.providerUpdatedAt,
		&s.syncedAt,
		&s.contentHash,
		&s.minPrice,
		&s.maxPrice,
		&s.currency,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock property: %w", err)
	}
	return &s, nil
}

func insertProperty(ctx context.Context, tx pgx.Tx, np *models.NormalizedProperty, developerID, cityID int64, now time.Time) (*UpsertResult, error) {
	// A slug already taken by another listing gets a stable suffix.
	query := `
		INSERT INTO properties (
			external_id, slug, title, status, min_price, max_price, currency,
			developer_id, city_id, provider_updated_at, synced_at, content_hash, removed_at
		)
		VALUES (
			$1,
			CASE WHEN EXISTS (SELECT 1 FROM properties WHERE slug = $2) THEN $2 || '-' || left(md5($1), 8) ELSE $2 END,
			$3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12,
			CASE WHEN $13 THEN $11::timestamptz ELSE NULL END
		)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id, synced_at
	`

	res := &UpsertResult{Outcome: models.OutcomeCreated}
	err := tx.QueryRow(ctx, query,
		np.ExternalID,
		np.Slug,
		np.Title,
		string(np.Status),
		priceArg(np.Price.Min),
		priceArg(np.Price.Max),
		np.Price.Currency,
		developerID,
		cityID,
		np.ProviderUpdatedAt,
		now,
		np.ContentHash,
		np.Removed,
	).Scan(&res.ID, &res.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Another writer inserted the same external id after our locking read.
		return nil, apperrors.NewStorageConflictError("property", np.ExternalID, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert property: %w", err)
	}

	if err := replaceImages(ctx, tx, res.ID, np.Images, false); err != nil {
		return nil, err
	}
	res.PriceChanged = np.Price.Min != nil || np.Price.Max != nil
	return res, nil
}

func updateProperty(ctx context.Context, tx pgx.Tx, stored *storedProperty, np *models.NormalizedProperty, developerID, cityID int64, now time.Time) (*UpsertResult, error) {
	query := `
		UPDATE properties SET
			slug = CASE
				WHEN slug = $2 THEN slug
				WHEN EXISTS (SELECT 1 FROM properties o WHERE o.slug = $2 AND o.id <> $1) THEN $2 || '-' || left(md5(external_id), 8)
				ELSE $2
			END,
			title = $3,
			status = $4,
			min_price = $5::numeric,
			max_price = $6::numeric,
			currency = $7,
			developer_id = $8,
			city_id = $9,
			provider_updated_at = COALESCE($10, provider_updated_at),
			synced_at = GREATEST(synced_at, $11),
			content_hash = $12,
			removed_at = CASE WHEN $13 THEN COALESCE(removed_at, $11::timestamptz) ELSE NULL END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING synced_at
	`

	res := &UpsertResult{ID: stored.id, Outcome: models.OutcomeUpdated}
	err := tx.QueryRow(ctx, query,
		stored.id,
		np.Slug,
		np.Title,
		string(np.Status),
		priceArg(np.Price.Min),
		priceArg(np.Price.Max),
		np.Price.Currency,
		developerID,
		cityID,
		np.ProviderUpdatedAt,
		now,
		np.ContentHash,
		np.Removed,
	).Scan(&res.SyncedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update property: %w", err)
	}

	if err := replaceImages(ctx, tx, stored.id, np.Images, true); err != nil {
		return nil, err
	}

	res.PriceChanged = !samePrice(stored.minPrice, np.Price.Min) ||
		!samePrice(stored.maxPrice, np.Price.Max) ||
		stored.currency != np.Price.Currency
	return res, nil
}

func replaceImages(ctx context.Context, tx pgx.Tx, propertyID int64, images []models.ImageInput, clear bool) error {
	if clear {
		if _, err := tx.Exec(ctx, `DELETE FROM property_images WHERE property_id = $1`, propertyID); err != nil {
			return fmt.Errorf("failed to clear images: %w", err)
		}
	}
	if len(images) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(images))
	for _, img := range images {
		rows = append(rows, []any{propertyID, img.URL, img.Position, img.Blurhash})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"property_images"},
		[]string{"property_id", "url", "position", "blurhash"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert images: %w", err)
	}
	return nil
}

// Count returns the number of properties per status
func (r *PropertyRepository) Count(ctx context.Context) (map[types.PropertyStatus]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM properties GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count properties: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.PropertyStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan property count: %w", err)
		}
		counts[types.PropertyStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountImages returns the total number of stored images
func (r *PropertyRepository) CountImages(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM property_images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}

func priceArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(2)
	return &s
}

func parsePrice(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("invalid stored price %q: %w", *s, err)
	}
	return &d, nil
}

func samePrice(stored *string, incoming *decimal.Decimal) bool {
	if stored == nil || incoming == nil {
		return stored == nil && incoming == nil
	}
	d, err := decimal.NewFromString(*stored)
	return err == nil && d.Equal(*incoming)
}
