package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlexString decodes a JSON string, number or boolean into its text form.
// Providers are inconsistent about quoting ids and prices.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case b[0] == '{' || b[0] == '[':
		return fmt.Errorf("expected scalar, got %c", b[0])
	default:
		*f = FlexString(b)
	}
	return nil
}

// String returns the text form
func (f FlexString) String() string { return string(f) }

// flexName accepts either "Dubai" or {"name": "Dubai"}.
type flexName string

func (n *flexName) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*n = flexName(obj.Name)
		return nil
	}
	var s FlexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*n = flexName(s)
	return nil
}

// RawImage is an image reference as the provider sends it: either a bare URL
// string or an object with url, order and blurhash.
type RawImage struct {
	URL      string
	Order    *int
	Blurhash string
}

// UnmarshalJSON implements json.Unmarshaler. It never fails: a reference of
// any other shape decodes to an image without a URL, which the normalizer
// drops.
func (r *RawImage) UnmarshalJSON(b []byte) error {
	*r = RawImage{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if json.Unmarshal(b, &s) == nil {
			r.URL = s
		}
	case '{':
		var obj struct {
			URL      string     `json:"url"`
			Src      string     `json:"src"`
			Original string     `json:"original"`
			Order    FlexString `json:"order"`
			Position FlexString `json:"position"`
			Blurhash string     `json:"blurhash"`
		}
		if json.Unmarshal(b, &obj) != nil {
			return nil
		}
		r.URL = firstNonEmpty(obj.URL, obj.Src, obj.Original)
		r.Order = parseOrder(obj.Order)
		if r.Order == nil {
			r.Order = parseOrder(obj.Position)
		}
		r.Blurhash = obj.Blurhash
	}
	return nil
}

// parseOrder reads an integral gallery position, quoted or not
func parseOrder(f FlexString) *int {
	s := strings.TrimSpace(f.String())
	if s == "" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return &n
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
		return nil
	}
	n := int(v)
	return &n
}

// decodeImages accepts a list of references or a single one, keeping only
// the elements that carry a URL.
func decodeImages(b json.RawMessage) []RawImage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	elems := []json.RawMessage{b}
	if b[0] == '[' {
		if json.Unmarshal(b, &elems) != nil {
			return nil
		}
	}

	var out []RawImage
	for _, e := range elems {
		var img RawImage
		_ = img.UnmarshalJSON(e)
		if img.URL != "" {
			out = append(out, img)
		}
	}
	return out
}

// inlineObject decodes b as a T only when it is a well-formed JSON object
func inlineObject[T any](b json.RawMessage) *T {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var v T
	if json.Unmarshal(b, &v) != nil {
		return nil
	}
	return &v
}

// RawDeveloper is a developer record, inline or from a lookup
type RawDeveloper struct {
	ID      FlexString `json:"id"`
	Name    string     `json:"name"`
	Logo    *RawImage  `json:"logo,omitempty"`
	LogoURL string     `json:"logo_url"`
}

// LogoRef returns the best logo URL the provider supplied
func (d *RawDeveloper) LogoRef() string {
	if d.LogoURL != "" {
		return d.LogoURL
	}
	if d.Logo != nil {
		return d.Logo.URL
	}
	return ""
}

// RawCity is a city record, inline or from a lookup
type RawCity struct {
	ID      FlexString `json:"id"`
	Name    string     `json:"name"`
	Country flexName   `json:"country"`
	Region  flexName   `json:"region"`
}

// CountryName returns the country as plain text
func (c *RawCity) CountryName() string { return string(c.Country) }

// RegionName returns the region as plain text
func (c *RawCity) RegionName() string { return string(c.Region) }

// RawProperty is one listing as it appears in the provider feed. Nothing in
// it is trusted until the normalizer has validated it.
type RawProperty struct {
	ID                 FlexString    `json:"id"`
	Title              string        `json:"title"`
	DeveloperCompanyID FlexString    `json:"developer_company_id"`
	Developer          *RawDeveloper `json:"developer,omitempty"`
	CityID             FlexString    `json:"city_id"`
	City               *RawCity      `json:"city,omitempty"`
	Status             FlexString    `json:"status"`
	SaleStatus         FlexString    `json:"sale_status"`
	MinPrice           FlexString    `json:"min_price"`
	MaxPrice           FlexString    `json:"max_price"`
	Currency           string        `json:"currency"`
	UpdatedAt          FlexString    `json:"updated_at"`
	CoverImageURL      string        `json:"cover_image_url"`
	CoverImage         *RawImage     `json:"cover_image,omitempty"`
	Images             []RawImage    `json:"images"`
	Deleted            FlexString    `json:"is_deleted"`

	raw       json.RawMessage
	decodeErr error
}

// UnmarshalJSON implements json.Unmarshaler. Images and the inline developer
// and city are optional extras: a shape that cannot be used is ignored
// rather than failing the record.
func (r *RawProperty) UnmarshalJSON(b []byte) error {
	type plain RawProperty
	var aux struct {
		plain
		Developer  json.RawMessage `json:"developer"`
		City       json.RawMessage `json:"city"`
		CoverImage json.RawMessage `json:"cover_image"`
		Images     json.RawMessage `json:"images"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	*r = RawProperty(aux.plain)
	r.Developer = inlineObject[RawDeveloper](aux.Developer)
	r.City = inlineObject[RawCity](aux.City)
	r.Images = decodeImages(aux.Images)
	if cover := decodeImages(aux.CoverImage); len(cover) > 0 {
		r.CoverImage = &cover[0]
	}
	return nil
}

// NewRawProperty keeps the original bytes and decodes what it can. A record
// that does not decode is still returned so that it can be counted.
func NewRawProperty(b json.RawMessage) RawProperty {
	var rp RawProperty
	if err := json.Unmarshal(b, &rp); err != nil {
		rp = RawProperty{decodeErr: err}
		// Salvage the id for reporting when the rest is malformed.
		var idOnly struct {
			ID FlexString `json:"id"`
		}
		if json.Unmarshal(b, &idOnly) == nil {
			rp.ID = idOnly.ID
		}
	}
	rp.raw = append(json.RawMessage(nil), b...)
	return rp
}

// Bytes returns the record as received
func (r RawProperty) Bytes() json.RawMessage { return r.raw }

// DecodeErr returns the error from decoding the record, if any
func (r RawProperty) DecodeErr() error { return r.decodeErr }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
