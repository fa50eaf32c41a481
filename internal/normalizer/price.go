package normalizer

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/property-catalog/internal/adapter"
	"github.com/property-catalog/internal/models"
)

const priceScale = 2

// ParsePrice coerces a provider price into a decimal. Thousands separators,
// currency symbols and codes are stripped. Values that are zero or negative
// once rounded to cents, and unparseable ones, are treated as absent.
func ParsePrice(s string) *decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) || r == '.' || r == '-' {
				return r
			}
			return -1
		}, s)
		if cleaned == "" {
			return nil
		}
		if d, err = decimal.NewFromString(cleaned); err != nil {
			return nil
		}
	}

	d = d.Round(priceScale)
	if !d.IsPositive() {
		return nil
	}
	return &d
}

func (n *Normalizer) normalizePrice(raw adapter.RawProperty) models.PriceRange {
	pr := models.PriceRange{
		Min: ParsePrice(raw.MinPrice.String()),
		Max: ParsePrice(raw.MaxPrice.String()),
	}
	if pr.Min != nil && pr.Max != nil && pr.Min.GreaterThan(*pr.Max) {
		pr.Min, pr.Max = pr.Max, pr.Min
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if !isCurrencyCode(currency) {
		currency = ""
	}
	if currency == "" && (pr.Min != nil || pr.Max != nil) {
		currency = n.defaultCurrency
	}
	pr.Currency = currency
	return pr
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
