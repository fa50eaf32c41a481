package models

import (
	"time"

	"github.com/property-catalog/internal/types"
)

// DeveloperRef identifies a developer by external id, with whatever detail
// the provider supplied inline. An empty Name means "stub only".
type DeveloperRef struct {
	ExternalID string
	Slug       string
	Name       string
	LogoURL    *string
}

// HasDetail reports whether the reference can enrich a stub
func (r DeveloperRef) HasDetail() bool {
	return r.Name != ""
}

// CityRef identifies a city by external id, with optional inline detail
type CityRef struct {
	ExternalID string
	Name       string
	Country    string
	Region     string
}

// HasDetail reports whether the reference can enrich a stub
func (r CityRef) HasDetail() bool {
	return r.Name != ""
}

// ImageInput is a normalized image awaiting insertion
type ImageInput struct {
	URL      string
	Position int
	Blurhash *string
}

// NormalizedProperty is a provider record mapped onto the local schema
type NormalizedProperty struct {
	ExternalID        string
	Slug              string
	Title             string
	Status            types.PropertyStatus
	Price             PriceRange
	Developer         DeveloperRef
	City              CityRef
	Images            []ImageInput
	ProviderUpdatedAt *time.Time
	ContentHash       string
	// Removed is set when the provider explicitly flags the listing as deleted.
	Removed bool
}

// UpsertOutcome describes what an upsert did to the store
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)
