package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/property-catalog/internal/types"
)

// PriceRange is a listing's asking price band. Either bound may be absent.
type PriceRange struct {
	Min      *decimal.Decimal `json:"min,omitempty" db:"min_price"`
	Max      *decimal.Decimal `json:"max,omitempty" db:"max_price"`
	Currency string           `json:"currency,omitempty" db:"currency"`
}

// Valid reports whether min <= max when both are present
func (p PriceRange) Valid() bool {
	if p.Min == nil || p.Max == nil {
		return true
	}
	return p.Min.LessThanOrEqual(*p.Max)
}

// Overlaps reports whether the range intersects [lo, hi]. Nil bounds on the
// query side are open; a range with no price at all never overlaps.
func (p PriceRange) Overlaps(lo, hi *decimal.Decimal) bool {
	low, high := p.Min, p.Max
	if low == nil {
		low = high
	}
	if high == nil {
		high = low
	}
	if low == nil {
		return lo == nil && hi == nil
	}
	if hi != nil && low.GreaterThan(*hi) {
		return false
	}
	if lo != nil && high.LessThan(*lo) {
		return false
	}
	return true
}

// Property is a listing mirrored from the provider
type Property struct {
	ID                int64                `json:"id" db:"id"`
	ExternalID        string               `json:"externalId" db:"external_id"`
	Slug              string               `json:"slug" db:"slug"`
	Title             string               `json:"title" db:"title"`
	Status            types.PropertyStatus `json:"status" db:"status"`
	Price             PriceRange           `json:"price"`
	DeveloperID       int64                `json:"developerId" db:"developer_id"`
	CityID            int64                `json:"cityId" db:"city_id"`
	ProviderUpdatedAt *time.Time           `json:"providerUpdatedAt,omitempty" db:"provider_updated_at"`
	SyncedAt          time.Time            `json:"syncedAt" db:"synced_at"`
	ContentHash       string               `json:"-" db:"content_hash"`
	RemovedAt         *time.Time           `json:"removedAt,omitempty" db:"removed_at"`
	CreatedAt         time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time            `json:"updatedAt" db:"updated_at"`

	// Populated only when the caller asks for them.
	Developer *Developer `json:"developer,omitempty"`
	City      *City      `json:"city,omitempty"`
	Images    []Image    `json:"images,omitempty"`
}

// Image belongs to a property; Position is unique per property.
type Image struct {
	ID         int64   `json:"id" db:"id"`
	PropertyID int64   `json:"-" db:"property_id"`
	URL        string  `json:"url" db:"url"`
	Position   int     `json:"position" db:"position"`
	Blurhash   *string `json:"blurhash,omitempty" db:"blurhash"`
}
