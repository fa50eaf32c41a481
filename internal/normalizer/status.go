package normalizer

import (
	"strings"

	"github.com/property-catalog/internal/types"
)

// Provider status vocabulary. Anything not listed maps to unspecified.
var statusAliases = map[string]types.PropertyStatus{
	"draft":       types.StatusDraft,
	"pending":     types.StatusDraft,
	"upcoming":    types.StatusDraft,
	"coming_soon": types.StatusDraft,
	"announced":   types.StatusDraft,

	"available": types.StatusAvailable,
	"on_sale":   types.StatusAvailable,
	"for_sale":  types.StatusAvailable,
	"presale":   types.StatusAvailable,
	"pre_sale":  types.StatusAvailable,
	"pre_sales": types.StatusAvailable,
	"launch":    types.StatusAvailable,
	"launched":  types.StatusAvailable,
	"selling":   types.StatusAvailable,
	"active":    types.StatusAvailable,
	"open":      types.StatusAvailable,

	"sold_out": types.StatusSoldOut,
	"soldout":  types.StatusSoldOut,
	"sold":     types.StatusSoldOut,

	"off_market": types.StatusOffMarket,
	"offmarket":  types.StatusOffMarket,
	"withdrawn":  types.StatusOffMarket,
	"inactive":   types.StatusOffMarket,
	"archived":   types.StatusOffMarket,
	"hidden":     types.StatusOffMarket,
	"on_hold":    types.StatusOffMarket,

	"unspecified": types.StatusUnspecified,
}

var removalCodes = map[string]bool{
	"deleted": true,
	"removed": true,
}

func statusKey(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "_", " ", "_").Replace(code)
}

// MapStatus maps provider status codes onto the internal enum. The sale
// status wins over the generic status when both are present. removed is true
// when the provider explicitly flags the listing as deleted; such listings
// are reported off-market.
func MapStatus(saleStatus, status, deletedFlag string) (mapped types.PropertyStatus, removed bool) {
	if truthy(deletedFlag) {
		return types.StatusOffMarket, true
	}

	for _, code := range []string{saleStatus, status} {
		key := statusKey(code)
		if key == "" {
			continue
		}
		if removalCodes[key] {
			return types.StatusOffMarket, true
		}
		if st, ok := statusAliases[key]; ok {
			return st, false
		}
	}
	return types.StatusUnspecified, false
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
