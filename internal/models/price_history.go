package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/property-catalog/internal/types"
)

// PriceObservation is a property's price band as seen by one sync run.
// Observations are appended only when the band changes.
type PriceObservation struct {
	ExternalID string               `json:"externalId" ch:"external_id"`
	PropertyID int64                `json:"propertyId" ch:"property_id"`
	Status     types.PropertyStatus `json:"status" ch:"status"`
	MinPrice   *decimal.Decimal     `json:"minPrice,omitempty" ch:"min_price"`
	MaxPrice   *decimal.Decimal     `json:"maxPrice,omitempty" ch:"max_price"`
	Currency   string               `json:"currency" ch:"currency"`
	RunID      string               `json:"runId" ch:"run_id"`
	ObservedAt time.Time            `json:"observedAt" ch:"observed_at"`
}
