package storage

import (
	"context"
	"fmt"

	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/types"
)

// PriceHistoryRepository appends price observations to ClickHouse
type PriceHistoryRepository struct {
	db *ClickHouseDB
}

// NewPriceHistoryRepository creates a new price history repository
func NewPriceHistoryRepository(db *ClickHouseDB) *PriceHistoryRepository {
	return &PriceHistoryRepository{db: db}
}

// BatchInsert writes observations in one batch
func (r *PriceHistoryRepository) BatchInsert(ctx context.Context, observations []*models.PriceObservation) error {
	if len(observations) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO price_history (
			external_id, property_id, status, min_price, max_price, currency, run_id, observed_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, o := range observations {
		err := batch.Append(
			o.ExternalID,
			o.PropertyID,
			string(o.Status),
			o.MinPrice,
			o.MaxPrice,
			o.Currency,
			o.RunID,
			o.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append observation for %s: %w", o.ExternalID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// History returns the newest observations for one property
func (r *PriceHistoryRepository) History(ctx context.Context, externalID string, limit int) ([]*models.PriceObservation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT external_id, property_id, status, min_price, max_price, currency, run_id, observed_at
		FROM price_history
		WHERE external_id = ?
		ORDER BY observed_at DESC
		LIMIT ?
	`, externalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var out []*models.PriceObservation
	for rows.Next() {
		var (
			o      models.PriceObservation
			status string
		)
		if err := rows.Scan(&o.ExternalID, &o.PropertyID, &status, &o.MinPrice, &o.MaxPrice, &o.Currency, &o.RunID, &o.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price observation: %w", err)
		}
		o.Status = types.PropertyStatus(status)
		out = append(out, &o)
	}
	return out, rows.Err()
}
