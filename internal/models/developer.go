package models

import "time"

// Developer is the company building a property.
// A stub row carries only the external id until enriched.
type Developer struct {
	ID         int64     `json:"id" db:"id"`
	ExternalID string    `json:"externalId" db:"external_id"`
	Slug       string    `json:"slug" db:"slug"`
	Name       string    `json:"name" db:"name"`
	LogoURL    *string   `json:"logoUrl,omitempty" db:"logo_url"`
	IsStub     bool      `json:"isStub" db:"is_stub"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`

	// PropertyCount is computed when read, never stored.
	PropertyCount int64 `json:"propertyCount"`
}

// City is where a property is located
type City struct {
	ID         int64     `json:"id" db:"id"`
	ExternalID string    `json:"externalId" db:"external_id"`
	Name       string    `json:"name" db:"name"`
	Country    string    `json:"country,omitempty" db:"country"`
	Region     string    `json:"region,omitempty" db:"region"`
	IsStub     bool      `json:"isStub" db:"is_stub"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}
