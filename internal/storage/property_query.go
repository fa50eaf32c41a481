package storage

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/property-catalog/internal/types"
)

// PropertyFilter is the closed set of criteria the catalog can be queried by.
// Zero values mean "no constraint".
type PropertyFilter struct {
	Statuses    []types.PropertyStatus
	CityID      *int64
	DeveloperID *int64
	// MinPrice and MaxPrice select listings whose price band overlaps
	// [MinPrice, MaxPrice]. Unpriced listings never match a price bound.
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Currency string
	// Search is a case-insensitive substring match on the title.
	Search string
}

// PropertySort orders a property listing; ties are broken by id.
type PropertySort struct {
	Field types.SortField
	Order types.SortOrder
}

// DefaultPropertySort lists the most recently synced listings first
var DefaultPropertySort = PropertySort{Field: types.SortBySynced, Order: types.SortDesc}

// whereClause builds the WHERE clause for f with positional args starting at
// $1. Values are always bound, never interpolated.
func (f *PropertyFilter) whereClause() (string, []any) {
	conditions := []string{"TRUE"}
	args := []any{}
	argPos := 1

	if f == nil {
		return "WHERE TRUE", args
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("p.status = ANY($%d)", argPos))
		args = append(args, statuses)
		argPos++
	}
	if f.CityID != nil {
		conditions = append(conditions, fmt.Sprintf("p.city_id = $%d", argPos))
		args = append(args, *f.CityID)
		argPos++
	}
	if f.DeveloperID != nil {
		conditions = append(conditions, fmt.Sprintf("p.developer_id = $%d", argPos))
		args = append(args, *f.DeveloperID)
		argPos++
	}
	if f.MinPrice != nil {
		conditions = append(conditions, fmt.Sprintf("COALESCE(p.max_price, p.min_price) >= $%d::numeric", argPos))
		args = append(args, f.MinPrice.String())
		argPos++
	}
	if f.MaxPrice != nil {
		conditions = append(conditions, fmt.Sprintf("COALESCE(p.min_price, p.max_price) <= $%d::numeric", argPos))
		args = append(args, f.MaxPrice.String())
		argPos++
	}
	if f.Currency != "" {
		conditions = append(conditions, fmt.Sprintf("p.currency = $%d", argPos))
		args = append(args, strings.ToUpper(f.Currency))
		argPos++
	}
	if f.Search != "" {
		conditions = append(conditions, fmt.Sprintf("p.title ILIKE $%d ESCAPE '\\'", argPos))
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// orderClause is built from a whitelist only.
func (s PropertySort) orderClause() string {
	dir := "DESC"
	if s.Order == types.SortAsc {
		dir = "ASC"
	}

	switch s.Field {
	case types.SortByPrice:
		// Unpriced listings sort last in either direction.
		return fmt.Sprintf("ORDER BY COALESCE(p.min_price, p.max_price) %s NULLS LAST, p.id %s", dir, dir)
	case types.SortByCreated:
		return fmt.Sprintf("ORDER BY p.created_at %s, p.id %s", dir, dir)
	default:
		return fmt.Sprintf("ORDER BY p.synced_at %s, p.id %s", dir, dir)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
