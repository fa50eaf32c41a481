// Package normalizer maps raw provider records onto the local catalog schema.
package normalizer

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/property-catalog/internal/adapter"
	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/types"
)

//go:embed schemas/raw_property.json
var schemaFS embed.FS

const (
	rawPropertySchema = "raw_property.json"
	maxTitleRunes     = 500
)

// Normalizer validates raw records and converts them to NormalizedProperty.
// It is safe for concurrent use.
type Normalizer struct {
	schema          *jsonschema.Schema
	defaultCurrency string
}

// New compiles the raw record schema
func New(defaultCurrency string) (*Normalizer, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	f, err := schemaFS.Open("schemas/" + rawPropertySchema)
	if err != nil {
		return nil, fmt.Errorf("open raw property schema: %w", err)
	}
	defer f.Close()

	if err := compiler.AddResource(rawPropertySchema, f); err != nil {
		return nil, fmt.Errorf("add raw property schema: %w", err)
	}
	schema, err := compiler.Compile(rawPropertySchema)
	if err != nil {
		return nil, fmt.Errorf("compile raw property schema: %w", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(defaultCurrency))
	if !isCurrencyCode(currency) {
		currency = ""
	}
	return &Normalizer{schema: schema, defaultCurrency: currency}, nil
}

// Normalize validates one raw record and maps it to the local shape.
// Every failure is a NormalizationError.
func (n *Normalizer) Normalize(raw adapter.RawProperty) (*models.NormalizedProperty, error) {
	externalID := strings.TrimSpace(raw.ID.String())

	if err := raw.DecodeErr(); err != nil {
		return nil, apperrors.NewNormalizationError(externalID, "malformed record: "+err.Error())
	}
	if err := n.validate(raw.Bytes()); err != nil {
		return nil, apperrors.NewNormalizationError(externalID, err.Error())
	}

	title := strings.Join(strings.Fields(raw.Title), " ")
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}

	status, removed := MapStatus(raw.SaleStatus.String(), raw.Status.String(), raw.Deleted.String())

	out := &models.NormalizedProperty{
		ExternalID:        externalID,
		Slug:              PropertySlug(title, externalID),
		Title:             title,
		Status:            status,
		Price:             n.normalizePrice(raw),
		Developer:         n.developerRef(strings.TrimSpace(raw.DeveloperCompanyID.String()), raw.Developer),
		City:              cityRef(strings.TrimSpace(raw.CityID.String()), raw.City),
		Images:            normalizeImages(raw),
		ProviderUpdatedAt: ParseTimestamp(raw.UpdatedAt.String()),
		Removed:           removed,
	}
	out.ContentHash = ContentHash(out)
	return out, nil
}

// NormalizeDeveloper converts a lookup result into an enrichment reference
func (n *Normalizer) NormalizeDeveloper(externalID string, raw *adapter.RawDeveloper) models.DeveloperRef {
	return n.developerRef(externalID, raw)
}

// NormalizeCity converts a lookup result into an enrichment reference
func (n *Normalizer) NormalizeCity(externalID string, raw *adapter.RawCity) models.CityRef {
	return cityRef(externalID, raw)
}

func (n *Normalizer) validate(b []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("record is not valid JSON: %w", err)
	}
	if err := n.schema.Validate(v); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("missing or invalid required fields: %s", leafMessage(ve))
		}
		return err
	}
	return nil
}

// leafMessage returns the most specific validation failure.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return ve.InstanceLocation + ": " + ve.Message
}

func (n *Normalizer) developerRef(externalID string, raw *adapter.RawDeveloper) models.DeveloperRef {
	ref := models.DeveloperRef{ExternalID: externalID, Slug: DeveloperSlug("", externalID)}
	if raw == nil {
		return ref
	}
	if id := strings.TrimSpace(raw.ID.String()); id != "" && id != externalID {
		// Inline detail for some other developer is ignored.
		return ref
	}
	ref.Name = strings.Join(strings.Fields(raw.Name), " ")
	ref.Slug = DeveloperSlug(ref.Name, externalID)
	if logo, ok := ResolveImageURL(raw.LogoRef()); ok {
		ref.LogoURL = &logo
	}
	return ref
}

func cityRef(externalID string, raw *adapter.RawCity) models.CityRef {
	ref := models.CityRef{ExternalID: externalID}
	if raw == nil {
		return ref
	}
	if id := strings.TrimSpace(raw.ID.String()); id != "" && id != externalID {
		return ref
	}
	ref.Name = strings.TrimSpace(raw.Name)
	ref.Country = strings.TrimSpace(raw.CountryName())
	ref.Region = strings.TrimSpace(raw.RegionName())
	return ref
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// ParseTimestamp parses the provider modified time. Unparseable values
// yield nil. Results are UTC with microsecond precision to match the store.
func ParseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return nil
		}
		var t time.Time
		if n > 1e12 {
			t = time.UnixMilli(n)
		} else {
			t = time.Unix(n, 0)
		}
		t = t.UTC().Truncate(time.Microsecond)
		return &t
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC().Truncate(time.Microsecond)
			return &t
		}
	}
	return nil
}

// ContentHash fingerprints the fields a listing page shows. Timestamps are
// excluded so that a re-sent identical record hashes the same.
func ContentHash(p *models.NormalizedProperty) string {
	type imageKey struct {
		URL      string  `json:"u"`
		Blurhash *string `json:"b,omitempty"`
	}
	canonical := struct {
		Title     string               `json:"title"`
		Status    types.PropertyStatus `json:"status"`
		Min       string               `json:"min"`
		Max       string               `json:"max"`
		Currency  string               `json:"currency"`
		Developer models.DeveloperRef  `json:"developer"`
		City      models.CityRef       `json:"city"`
		Images    []imageKey           `json:"images"`
		Removed   bool                 `json:"removed"`
	}{
		Title:     p.Title,
		Status:    p.Status,
		Currency:  p.Price.Currency,
		Developer: p.Developer,
		City:      p.City,
		Removed:   p.Removed,
	}
	if p.Price.Min != nil {
		canonical.Min = p.Price.Min.String()
	}
	if p.Price.Max != nil {
		canonical.Max = p.Price.Max.String()
	}
	for _, img := range p.Images {
		canonical.Images = append(canonical.Images, imageKey{URL: img.URL, Blurhash: img.Blurhash})
	}

	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
