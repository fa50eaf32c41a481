package storage

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/property-catalog/internal/types"
)

func TestWhereClause_Empty(t *testing.T) {
	where, args := (&PropertyFilter{}).whereClause()
	assert.Equal(t, "WHERE TRUE", where)
	assert.Empty(t, args)

	var nilFilter *PropertyFilter
	where, args = nilFilter.whereClause()
	assert.Equal(t, "WHERE TRUE", where)
	assert.Empty(t, args)
}

func TestWhereClause_AllCriteria(t *testing.T) {
	city, dev := int64(7), int64(3)
	lo, hi := decimal.RequireFromString("100000"), decimal.RequireFromString("250000.5")

	where, args := (&PropertyFilter{
		Statuses:    []types.PropertyStatus{types.StatusAvailable, types.StatusDraft},
		CityID:      &city,
		DeveloperID: &dev,
		MinPrice:    &lo,
		MaxPrice:    &hi,
		Currency:    "aed",
		Search:      "50%_off",
	}).whereClause()

	assert.Equal(t,
		"WHERE TRUE AND p.status = ANY($1) AND p.city_id = $2 AND p.developer_id = $3"+
			" AND COALESCE(p.max_price, p.min_price) >= $4::numeric"+
			" AND COALESCE(p.min_price, p.max_price) <= $5::numeric"+
			" AND p.currency = $6 AND p.title ILIKE $7 ESCAPE '\\'",
		where)
	assert.Equal(t, []any{
		[]string{"available", "draft"},
		int64(7),
		int64(3),
		"100000",
		"250000.5",
		"AED",
		`%50\%\_off%`,
	}, args)
}

func TestOrderClause(t *testing.T) {
	tests := []struct {
		sort PropertySort
		want string
	}{
		{DefaultPropertySort, "ORDER BY p.synced_at DESC, p.id DESC"},
		{PropertySort{Field: types.SortByCreated, Order: types.SortAsc}, "ORDER BY p.created_at ASC, p.id ASC"},
		{PropertySort{Field: types.SortByPrice, Order: types.SortAsc}, "ORDER BY COALESCE(p.min_price, p.max_price) ASC NULLS LAST, p.id ASC"},
		{PropertySort{Field: "'; DROP TABLE properties; --"}, "ORDER BY p.synced_at DESC, p.id DESC"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.sort.orderClause())
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\\b\%c\_d`, escapeLike(`a\b%c_d`))
}
