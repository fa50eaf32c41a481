package service

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/property-catalog/internal/config"
	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/storage"
	"github.com/property-catalog/internal/types"
)

var testQueryConfig = config.QueryConfig{DefaultLimit: 20, MaxLimit: 100}

// seedCatalog builds a store with 3 available listings in city 7 and 2 that
// do not match status=available&city=7.
func seedCatalog() *fakeCatalog {
	f := newFakeCatalog()
	f.addDeveloper(1, "Emaar")
	f.addDeveloper(2, "Damac")
	f.addCity(7, "Dubai")
	f.addCity(8, "Abu Dhabi")

	f.addProperty(&models.Property{ID: 1, Title: "Marina Heights", Status: types.StatusAvailable, DeveloperID: 1, CityID: 7,
		Price: models.PriceRange{Min: price("950000"), Max: price("1200000"), Currency: "AED"}})
	f.addProperty(&models.Property{ID: 2, Title: "Creek Vista", Status: types.StatusAvailable, DeveloperID: 2, CityID: 7,
		Price: models.PriceRange{Min: price("400000"), Currency: "AED"}})
	f.addProperty(&models.Property{ID: 3, Title: "Downtown Loft", Status: types.StatusAvailable, DeveloperID: 1, CityID: 7})
	f.addProperty(&models.Property{ID: 4, Title: "Marina Sold", Status: types.StatusSoldOut, DeveloperID: 1, CityID: 7,
		Price: models.PriceRange{Min: price("800000"), Currency: "AED"}})
	f.addProperty(&models.Property{ID: 5, Title: "Yas Bay", Status: types.StatusAvailable, DeveloperID: 2, CityID: 8,
		Price: models.PriceRange{Max: price("2500000"), Currency: "AED"}})

	f.images[1] = []models.Image{
		{ID: 10, PropertyID: 1, URL: "https://cdn.example/1a.jpg", Position: 0},
		{ID: 11, PropertyID: 1, URL: "https://cdn.example/1b.jpg", Position: 1},
	}
	return f
}

func TestQuery_StatusAndCity(t *testing.T) {
	svc := NewQueryService(seedCatalog(), nil, testQueryConfig, nil)

	values, err := url.ParseQuery("status=available&city=7")
	require.NoError(t, err)

	result, err := svc.Query(context.Background(), ParseQueryParams(values))
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.Pagination.TotalCount)
	require.Len(t, result.Items, 3)
	for _, p := range result.Items {
		assert.Equal(t, types.StatusAvailable, p.Status)
		assert.Equal(t, int64(7), p.CityID)
	}
	// synced desc by default
	assert.Equal(t, []int64{3, 2, 1}, propertyIDs(result.Items))
	assert.Equal(t, 1, result.Pagination.Page)
	assert.Equal(t, 1, result.Pagination.TotalPages)
	assert.False(t, result.Pagination.HasMore)
}

func TestQuery_EmptyStore(t *testing.T) {
	svc := NewQueryService(newFakeCatalog(), nil, testQueryConfig, nil)

	result, err := svc.Query(context.Background(), &QueryInput{Include: Include{Developer: true}})
	require.NoError(t, err)
	assert.NotNil(t, result.Items)
	assert.Empty(t, result.Items)
	assert.Equal(t, int64(0), result.Pagination.TotalCount)
	assert.Equal(t, 0, result.Pagination.TotalPages)
}

func TestQuery_ClampsPagination(t *testing.T) {
	tests := []struct {
		name       string
		input      QueryInput
		wantLimit  int
		wantOffset int
	}{
		{"default limit", QueryInput{}, 20, 0},
		{"limit above max", QueryInput{Limit: 1000}, 100, 0},
		{"negative limit", QueryInput{Limit: -5}, 1, 0},
		{"negative offset", QueryInput{Limit: 2, Offset: -3}, 2, 0},
		{"page wins over offset", QueryInput{Limit: 2, Offset: 1, Page: 2}, 2, 2},
		{"huge page", QueryInput{Limit: 10, Page: math.MaxInt}, 10, maxQueryOffset / 10 * 10},
		{"huge offset", QueryInput{Limit: 10, Offset: math.MaxInt}, 10, maxQueryOffset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewQueryService(seedCatalog(), nil, testQueryConfig, nil)
			input := tt.input
			result, err := svc.Query(context.Background(), &input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, result.Pagination.Limit)
			assert.Equal(t, tt.wantOffset, result.Pagination.Offset)
			assert.Equal(t, int64(5), result.Pagination.TotalCount)
			assert.LessOrEqual(t, len(result.Items), tt.wantLimit)
		})
	}
}

func TestQuery_OffsetPastEnd(t *testing.T) {
	svc := NewQueryService(seedCatalog(), nil, testQueryConfig, nil)
	result, err := svc.Query(context.Background(), &QueryInput{Offset: 50})
	require.NoError(t, err)
	assert.Empty(t, result.Items)
	assert.Equal(t, int64(5), result.Pagination.TotalCount)
	assert.False(t, result.Pagination.HasMore)
}

func TestPaginate_DeepOffsetHasNoMore(t *testing.T) {
	p := paginate(5, 100, maxQueryOffset)
	assert.False(t, p.HasMore)
	assert.Equal(t, maxQueryOffset/100+1, p.Page)

	p = paginate(math.MaxInt64, 100, maxQueryOffset)
	assert.True(t, p.HasMore)
}

func TestQuery_CoalescedCallerSurvivesFirstCallerCancel(t *testing.T) {
	f := seedCatalog()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 1)
	svc := NewQueryService(f, nil, testQueryConfig, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Query(firstCtx, &QueryInput{})
		firstErr <- err
	}()
	<-f.entered

	type outcome struct {
		result *QueryResult
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		r, err := svc.Query(context.Background(), &QueryInput{})
		second <- outcome{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(f.gate)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, int64(5), got.result.Pagination.TotalCount)
	assert.Len(t, got.result.Items, 5)
}

func TestQuery_PriceSortPutsUnpricedLast(t *testing.T) {
	svc := NewQueryService(seedCatalog(), nil, testQueryConfig, nil)

	result, err := svc.Query(context.Background(), &QueryInput{SortBy: types.SortByPrice})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 1, 5, 3}, propertyIDs(result.Items))

	result, err = svc.Query(context.Background(), &QueryInput{SortBy: types.SortByPrice, SortOrder: types.SortDesc})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 1, 4, 2, 3}, propertyIDs(result.Items))
}

func TestQuery_EagerLoadsAreBatched(t *testing.T) {
	catalog := seedCatalog()
	svc := NewQueryService(catalog, nil, testQueryConfig, nil)

	result, err := svc.Query(context.Background(), &QueryInput{
		Include: Include{Developer: true, City: true, Images: true},
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 5)

	assert.Equal(t, 1, catalog.callCount("DevelopersByIDs"))
	assert.Equal(t, 1, catalog.callCount("CitiesByIDs"))
	assert.Equal(t, 1, catalog.callCount("ImagesByPropertyIDs"))
	assert.Equal(t, 1, catalog.snapshots)

	for _, p := range result.Items {
		require.NotNil(t, p.Developer)
		require.NotNil(t, p.City)
		assert.NotNil(t, p.Images)
	}
}

func TestQuery_NoEagerLoadsUnlessRequested(t *testing.T) {
	catalog := seedCatalog()
	svc := NewQueryService(catalog, nil, testQueryConfig, nil)

	result, err := svc.Query(context.Background(), &QueryInput{})
	require.NoError(t, err)
	assert.Zero(t, catalog.callCount("DevelopersByIDs"))
	for _, p := range result.Items {
		assert.Nil(t, p.Developer)
		assert.Nil(t, p.City)
		assert.Nil(t, p.Images)
	}
}

func TestQuery_EagerLoadEquivalence(t *testing.T) {
	catalog := seedCatalog()
	svc := NewQueryService(catalog, nil, testQueryConfig, nil)

	result, err := svc.Query(context.Background(), &QueryInput{Include: Include{Developer: true}})
	require.NoError(t, err)

	for _, p := range result.Items {
		direct, err := catalog.DevelopersByIDs(context.Background(), []int64{p.DeveloperID})
		require.NoError(t, err)
		assert.Equal(t, direct[p.DeveloperID], p.Developer)
	}
	assert.Equal(t, int64(3), result.Items[len(result.Items)-1].Developer.PropertyCount)
}

func TestQuery_StorageFailure(t *testing.T) {
	catalog := seedCatalog()
	catalog.err = errors.New("connection refused")
	svc := NewQueryService(catalog, nil, testQueryConfig, nil)

	_, err := svc.Query(context.Background(), &QueryInput{})
	require.Error(t, err)
	assert.Equal(t, int64(1), svc.PerformanceMonitor().GetStats().Failures)
}

func TestQuery_CacheServesRepeatsUntilInvalidated(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(client), time.Minute)
	catalog := seedCatalog()
	svc := NewQueryService(catalog, cache, testQueryConfig, nil)
	ctx := context.Background()
	input := &QueryInput{Statuses: []types.PropertyStatus{types.StatusAvailable}, Include: Include{Developer: true}}

	first, err := svc.Query(ctx, input)
	require.NoError(t, err)
	second, err := svc.Query(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, 1, catalog.snapshots)
	assert.Equal(t, first.Pagination, second.Pagination)
	assert.Equal(t, propertyIDs(first.Items), propertyIDs(second.Items))
	assert.Equal(t, "Emaar", second.Items[len(second.Items)-1].Developer.Name)
	assert.Equal(t, int64(1), svc.PerformanceMonitor().GetStats().CacheHits)

	require.NoError(t, cache.InvalidateAll(ctx))
	_, err = svc.Query(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.snapshots)
}

func TestGetProperty(t *testing.T) {
	svc := NewQueryService(seedCatalog(), nil, testQueryConfig, nil)
	ctx := context.Background()

	byID, err := svc.GetProperty(ctx, "1", Include{Images: true, City: true})
	require.NoError(t, err)
	assert.Equal(t, "Marina Heights", byID.Title)
	assert.Len(t, byID.Images, 2)
	assert.Equal(t, "Dubai", byID.City.Name)

	bySlug, err := svc.GetProperty(ctx, "property-2", Include{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), bySlug.ID)

	_, err = svc.GetProperty(ctx, "nope", Include{})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListDevelopersAndCities(t *testing.T) {
	svc := NewQueryService(seedCatalog(), nil, testQueryConfig, nil)
	ctx := context.Background()

	devs, err := svc.ListDevelopers(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, devs.Items, 2)
	assert.Equal(t, int64(3), devs.Items[0].PropertyCount)
	assert.Equal(t, int64(2), devs.Items[1].PropertyCount)
	assert.Equal(t, int64(2), devs.Pagination.TotalCount)
	assert.Equal(t, 20, devs.Pagination.Limit)

	cities, err := svc.ListCities(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, cities.Items, 1)
	assert.Equal(t, "Abu Dhabi", cities.Items[0].Name)
	assert.False(t, cities.Pagination.HasMore)
}

func TestParseQueryParams(t *testing.T) {
	values, err := url.ParseQuery("status=available,sold-out&status=bogus&city=7&developer_id=x" +
		"&min_price=500000&max_price=abc&currency=aed&q=%20marina%20&sort=-price&per_page=5&page=3" +
		"&include_developer=true&include=city,images&unknown=1")
	require.NoError(t, err)

	in := ParseQueryParams(values)
	assert.Equal(t, []types.PropertyStatus{types.StatusAvailable, types.StatusSoldOut}, in.Statuses)
	require.NotNil(t, in.CityID)
	assert.Equal(t, int64(7), *in.CityID)
	assert.Nil(t, in.DeveloperID)
	require.NotNil(t, in.MinPrice)
	assert.Equal(t, "500000", in.MinPrice.String())
	assert.Nil(t, in.MaxPrice)
	assert.Equal(t, "AED", in.Currency)
	assert.Equal(t, "marina", in.Search)
	assert.Equal(t, types.SortByPrice, in.SortBy)
	assert.Equal(t, types.SortDesc, in.SortOrder)
	assert.Equal(t, 5, in.Limit)
	assert.Equal(t, 3, in.Page)
	assert.Equal(t, Include{Developer: true, City: true, Images: true}, in.Include)
}

func TestParseQueryParams_SortForms(t *testing.T) {
	tests := []struct {
		query     string
		wantField types.SortField
		wantOrder types.SortOrder
	}{
		{"sort=created&order=asc", types.SortByCreated, types.SortAsc},
		{"sort=price:desc", types.SortByPrice, types.SortDesc},
		{"sort=nonsense", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			values, _ := url.ParseQuery(tt.query)
			in := ParseQueryParams(values)
			assert.Equal(t, tt.wantField, in.SortBy)
			assert.Equal(t, tt.wantOrder, in.SortOrder)
		})
	}
}

func TestQuery_SwapsInvertedPriceBounds(t *testing.T) {
	svc := NewQueryService(seedCatalog(), nil, testQueryConfig, nil)
	result, err := svc.Query(context.Background(), &QueryInput{MinPrice: price("1000000"), MaxPrice: price("500000")})
	require.NoError(t, err)
	// bands overlapping [500000, 1000000]
	assert.ElementsMatch(t, []int64{1, 4}, propertyIDs(result.Items))
}

func TestQueryCorrectnessProperties(t *testing.T) {
	catalog := seedCatalog()
	for i := int64(6); i <= 30; i++ {
		st := types.AllPropertyStatuses[i%int64(len(types.AllPropertyStatuses))]
		p := &models.Property{ID: i, Title: "Tower " + string(rune('A'+i%5)), Status: st, DeveloperID: 1 + i%2, CityID: 7 + i%2}
		if i%3 != 0 {
			p.Price = models.PriceRange{Min: price(strconv.FormatInt(i*100000, 10)), Currency: "AED"}
		}
		catalog.addProperty(p)
	}
	svc := NewQueryService(catalog, nil, testQueryConfig, nil)

	properties := gopter.NewProperties(nil)
	properties.Property("every returned item satisfies the filter and totalCount is page independent", prop.ForAll(
		func(statusIdx, cityIdx, minIdx, limit, offset int) bool {
			in := &QueryInput{Limit: limit, Offset: offset}
			if statusIdx < len(types.AllPropertyStatuses) {
				in.Statuses = []types.PropertyStatus{types.AllPropertyStatuses[statusIdx]}
			}
			if cityIdx > 0 {
				id := int64(6 + cityIdx)
				in.CityID = &id
			}
			if minIdx > 0 {
				in.MinPrice = price(strconv.Itoa(minIdx * 250000))
			}

			result, err := svc.Query(context.Background(), in)
			if err != nil {
				return false
			}
			flt := in.filter()
			for _, p := range result.Items {
				if !matchesFilter(p, flt) {
					return false
				}
			}
			want := int64(len(catalog.matching(flt)))
			if result.Pagination.TotalCount != want {
				return false
			}
			clampedLimit := result.Pagination.Limit
			if clampedLimit < 1 || clampedLimit > testQueryConfig.MaxLimit {
				return false
			}
			return len(result.Items) <= clampedLimit
		},
		gen.IntRange(0, len(types.AllPropertyStatuses)),
		gen.IntRange(0, 2),
		gen.IntRange(0, 8),
		gen.IntRange(-2, 150),
		gen.IntRange(-2, 40),
	))

	properties.TestingRun(t)
}

func propertyIDs(items []*models.Property) []int64 {
	ids := make([]int64, 0, len(items))
	for _, p := range items {
		ids = append(ids, p.ID)
	}
	return ids
}
