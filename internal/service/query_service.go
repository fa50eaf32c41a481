package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/property-catalog/internal/config"
	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/storage"
	"github.com/property-catalog/internal/types"
)

const (
	// flightTimeout bounds a load shared by coalesced callers
	flightTimeout = 30 * time.Second
	// maxQueryOffset bounds how deep a listing can page
	maxQueryOffset = math.MaxInt32
)

// CatalogReader opens consistent read snapshots of the catalog
type CatalogReader interface {
	ReadSnapshot(ctx context.Context, fn func(storage.SnapshotReader) error) error
}

// QueryCache stores serialized read results
type QueryCache interface {
	GenerateCacheKey(ctx context.Context, keyType storage.CacheKeyType, params ...string) (string, error)
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// Include selects which related entities are loaded with each property
type Include struct {
	Developer bool `json:"developer"`
	City      bool `json:"city"`
	Images    bool `json:"images"`
}

// Any reports whether any relation is requested
func (i Include) Any() bool {
	return i.Developer || i.City || i.Images
}

// QueryInput represents input for a catalog query.
// Zero values mean "not supplied"; Query fills in defaults.
type QueryInput struct {
	Statuses    []types.PropertyStatus `json:"statuses,omitempty"`
	CityID      *int64                 `json:"cityId,omitempty"`
	DeveloperID *int64                 `json:"developerId,omitempty"`
	MinPrice    *decimal.Decimal       `json:"minPrice,omitempty"`
	MaxPrice    *decimal.Decimal       `json:"maxPrice,omitempty"`
	Currency    string                 `json:"currency,omitempty"`
	Search      string                 `json:"search,omitempty"`
	SortBy      types.SortField        `json:"sortBy,omitempty"`
	SortOrder   types.SortOrder        `json:"sortOrder,omitempty"`
	Limit       int                    `json:"limit"`
	Offset      int                    `json:"offset"`
	// Page is 1-based; when set it takes precedence over Offset.
	Page    int     `json:"page,omitempty"`
	Include Include `json:"include"`
}

// QueryResult represents the result of a catalog query
type QueryResult struct {
	Items      []*models.Property `json:"data"`
	Pagination PaginationInfo     `json:"pagination"`
}

// PaginationInfo contains pagination metadata
type PaginationInfo struct {
	TotalCount int64 `json:"totalCount"`
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
	Page       int   `json:"page"`
	TotalPages int   `json:"totalPages"`
	HasMore    bool  `json:"hasMore"`
}

// DeveloperList is one page of developers with their property counts
type DeveloperList struct {
	Items      []*models.Developer `json:"data"`
	Pagination PaginationInfo      `json:"pagination"`
}

// CityList is one page of cities
type CityList struct {
	Items      []*models.City `json:"data"`
	Pagination PaginationInfo `json:"pagination"`
}

// QueryService answers filtered, paginated catalog reads. It never writes.
type QueryService struct {
	reader      CatalogReader
	cache       QueryCache
	perfMonitor *PerformanceMonitor
	group       singleflight.Group

	defaultLimit int
	maxLimit     int
}

// NewQueryService creates a new query service. cache may be nil.
func NewQueryService(reader CatalogReader, cache QueryCache, cfg config.QueryConfig, perfMonitor *PerformanceMonitor) *QueryService {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.DefaultLimit <= 0 || cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = min(20, cfg.MaxLimit)
	}
	if perfMonitor == nil {
		perfMonitor = NewPerformanceMonitor()
	}
	return &QueryService{
		reader:       reader,
		cache:        cache,
		perfMonitor:  perfMonitor,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
	}
}

// PerformanceMonitor returns the monitor shared with the inspection surface
func (s *QueryService) PerformanceMonitor() *PerformanceMonitor {
	return s.perfMonitor
}

// Query executes a catalog query. Count, page and related rows are read
// from one snapshot, so totalCount always agrees with the page.
func (s *QueryService) Query(ctx context.Context, input *QueryInput) (*QueryResult, error) {
	startTime := time.Now()

	if input == nil {
		input = &QueryInput{}
	}
	in := s.applyDefaults(ctx, input)

	key := in.fingerprint()
	result, cached, err := s.cached(ctx, storage.CacheKeyQuery, key, func(ctx context.Context) (interface{}, error) {
		return s.loadQuery(ctx, in)
	}, func() interface{} { return &QueryResult{} })
	if err != nil {
		s.perfMonitor.RecordFailure()
		return nil, err
	}

	s.perfMonitor.RecordQuery(time.Since(startTime), cached)
	return result.(*QueryResult), nil
}

func (s *QueryService) loadQuery(ctx context.Context, in *QueryInput) (*QueryResult, error) {
	filter := in.filter()
	sort := storage.PropertySort{Field: in.SortBy, Order: in.SortOrder}

	result := &QueryResult{Items: []*models.Property{}}
	err := s.reader.ReadSnapshot(ctx, func(snap storage.SnapshotReader) error {
		total, err := snap.CountProperties(ctx, filter)
		if err != nil {
			return err
		}
		result.Pagination = paginate(total, in.Limit, in.Offset)
		if total == 0 || int64(in.Offset) >= total {
			return nil
		}

		items, err := snap.FindProperties(ctx, filter, sort, in.Limit, in.Offset)
		if err != nil {
			return err
		}
		if err := attachRelated(ctx, snap, items, in.Include); err != nil {
			return err
		}
		result.Items = items
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}
	return result, nil
}

// attachRelated eager-loads relations for a page with at most one batched
// lookup per relation.
func attachRelated(ctx context.Context, snap storage.SnapshotReader, items []*models.Property, include Include) error {
	if len(items) == 0 || !include.Any() {
		return nil
	}

	var developerIDs, cityIDs, propertyIDs []int64
	seenDev := make(map[int64]bool)
	seenCity := make(map[int64]bool)
	for _, p := range items {
		propertyIDs = append(propertyIDs, p.ID)
		if !seenDev[p.DeveloperID] {
			seenDev[p.DeveloperID] = true
			developerIDs = append(developerIDs, p.DeveloperID)
		}
		if !seenCity[p.CityID] {
			seenCity[p.CityID] = true
			cityIDs = append(cityIDs, p.CityID)
		}
	}

	if include.Developer {
		developers, err := snap.DevelopersByIDs(ctx, developerIDs)
		if err != nil {
			return fmt.Errorf("failed to load developers: %w", err)
		}
		for _, p := range items {
			p.Developer = developers[p.DeveloperID]
		}
	}
	if include.City {
		cities, err := snap.CitiesByIDs(ctx, cityIDs)
		if err != nil {
			return fmt.Errorf("failed to load cities: %w", err)
		}
		for _, p := range items {
			p.City = cities[p.CityID]
		}
	}
	if include.Images {
		images, err := snap.ImagesByPropertyIDs(ctx, propertyIDs)
		if err != nil {
			return fmt.Errorf("failed to load images: %w", err)
		}
		for _, p := range items {
			p.Images = images[p.ID]
			if p.Images == nil {
				p.Images = []models.Image{}
			}
		}
	}
	return nil
}

// GetProperty looks a property up by local id or slug
func (s *QueryService) GetProperty(ctx context.Context, key string, include Include) (*models.Property, error) {
	startTime := time.Now()
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperrors.NewNotFoundError("property", key)
	}

	includeKey := fmt.Sprintf("%t,%t,%t", include.Developer, include.City, include.Images)
	result, cached, err := s.cached(ctx, storage.CacheKeyProperty, key+":"+includeKey, func(ctx context.Context) (interface{}, error) {
		var property *models.Property
		err := s.reader.ReadSnapshot(ctx, func(snap storage.SnapshotReader) error {
			p, err := snap.PropertyByKey(ctx, key)
			if err != nil || p == nil {
				return err
			}
			if err := attachRelated(ctx, snap, []*models.Property{p}, include); err != nil {
				return err
			}
			property = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get property: %w", err)
		}
		if property == nil {
			return nil, apperrors.NewNotFoundError("property", key)
		}
		return property, nil
	}, func() interface{} { return &models.Property{} })
	if err != nil {
		if !apperrors.IsNotFound(err) {
			s.perfMonitor.RecordFailure()
		}
		return nil, err
	}

	s.perfMonitor.RecordQuery(time.Since(startTime), cached)
	return result.(*models.Property), nil
}

// ListDevelopers returns developers with their property counts
func (s *QueryService) ListDevelopers(ctx context.Context, limit, offset int) (*DeveloperList, error) {
	limit, offset = s.clampPage(limit, offset)
	result, _, err := s.cached(ctx, storage.CacheKeyDevelopers, fmt.Sprintf("%d:%d", limit, offset), func(ctx context.Context) (interface{}, error) {
		list := &DeveloperList{Items: []*models.Developer{}}
		err := s.reader.ReadSnapshot(ctx, func(snap storage.SnapshotReader) error {
			items, total, err := snap.ListDevelopers(ctx, limit, offset)
			if err != nil {
				return err
			}
			if items != nil {
				list.Items = items
			}
			list.Pagination = paginate(total, limit, offset)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list developers: %w", err)
		}
		return list, nil
	}, func() interface{} { return &DeveloperList{} })
	if err != nil {
		return nil, err
	}
	return result.(*DeveloperList), nil
}

// ListCities returns cities ordered by name
func (s *QueryService) ListCities(ctx context.Context, limit, offset int) (*CityList, error) {
	limit, offset = s.clampPage(limit, offset)
	result, _, err := s.cached(ctx, storage.CacheKeyCities, fmt.Sprintf("%d:%d", limit, offset), func(ctx context.Context) (interface{}, error) {
		list := &CityList{Items: []*models.City{}}
		err := s.reader.ReadSnapshot(ctx, func(snap storage.SnapshotReader) error {
			items, total, err := snap.ListCities(ctx, limit, offset)
			if err != nil {
				return err
			}
			if items != nil {
				list.Items = items
			}
			list.Pagination = paginate(total, limit, offset)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list cities: %w", err)
		}
		return list, nil
	}, func() interface{} { return &CityList{} })
	if err != nil {
		return nil, err
	}
	return result.(*CityList), nil
}

// cached serves a read from the query cache, falling back to load. Concurrent
// misses for the same key share one load. Cache failures only cost latency.
func (s *QueryService) cached(
	ctx context.Context,
	keyType storage.CacheKeyType,
	param string,
	load func(ctx context.Context) (interface{}, error),
	newDest func() interface{},
) (interface{}, bool, error) {
	logger := logging.FromContext(ctx)

	cacheKey := ""
	if s.cache != nil {
		key, err := s.cache.GenerateCacheKey(ctx, keyType, param)
		if err != nil {
			logger.WithError(err).Warn("Query cache unavailable")
		} else {
			cacheKey = key
			dest := newDest()
			found, err := s.cache.Get(ctx, cacheKey, dest)
			if err != nil {
				logger.WithError(err).Warn("Query cache read failed")
			} else if found {
				return dest, true, nil
			}
		}
	}

	flightKey := cacheKey
	if flightKey == "" {
		flightKey = string(keyType) + ":" + param
	}
	// The load is shared by every waiter, so it runs detached from the
	// caller that happened to start it.
	ch := s.group.DoChan(flightKey, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()

		value, err := load(fctx)
		if err != nil {
			return nil, err
		}
		if cacheKey != "" {
			if err := s.cache.Set(fctx, cacheKey, value); err != nil {
				logger.WithError(err).Warn("Query cache write failed")
			}
		}
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// applyDefaults returns a copy of input with clamped limits, a resolved
// offset and a whitelisted sort. Adjustments are logged, never returned.
func (s *QueryService) applyDefaults(ctx context.Context, input *QueryInput) *QueryInput {
	in := *input
	var notes []error

	switch {
	case in.Limit == 0:
		in.Limit = s.defaultLimit
	case in.Limit < 0:
		notes = append(notes, apperrors.NewQueryValidationError("limit", "must be positive"))
		in.Limit = 1
	case in.Limit > s.maxLimit:
		notes = append(notes, apperrors.NewQueryValidationError("limit", fmt.Sprintf("clamped to %d", s.maxLimit)))
		in.Limit = s.maxLimit
	}

	if in.Page > 0 {
		if maxPage := maxQueryOffset/in.Limit + 1; in.Page > maxPage {
			notes = append(notes, apperrors.NewQueryValidationError("page", fmt.Sprintf("clamped to %d", maxPage)))
			in.Page = maxPage
		}
		in.Offset = (in.Page - 1) * in.Limit
	}
	switch {
	case in.Offset < 0:
		notes = append(notes, apperrors.NewQueryValidationError("offset", "must not be negative"))
		in.Offset = 0
	case in.Offset > maxQueryOffset:
		notes = append(notes, apperrors.NewQueryValidationError("offset", fmt.Sprintf("clamped to %d", maxQueryOffset)))
		in.Offset = maxQueryOffset
	}
	in.Page = 0

	if in.SortBy == "" {
		in.SortBy = storage.DefaultPropertySort.Field
		if in.SortOrder == "" {
			in.SortOrder = storage.DefaultPropertySort.Order
		}
	}
	if in.SortOrder != types.SortAsc && in.SortOrder != types.SortDesc {
		in.SortOrder = types.SortDesc
		if in.SortBy == types.SortByPrice {
			in.SortOrder = types.SortAsc
		}
	}

	if in.MinPrice != nil && in.MaxPrice != nil && in.MinPrice.GreaterThan(*in.MaxPrice) {
		notes = append(notes, apperrors.NewQueryValidationError("min_price", "greater than max_price, bounds swapped"))
		in.MinPrice, in.MaxPrice = in.MaxPrice, in.MinPrice
	}

	if len(notes) > 0 {
		logger := logging.FromContext(ctx)
		for _, n := range notes {
			logger.Debug(n.Error())
		}
	}
	return &in
}

// EmptyResult is the page returned in place of a failed query
func (s *QueryService) EmptyResult(ctx context.Context, input *QueryInput) *QueryResult {
	if input == nil {
		input = &QueryInput{}
	}
	in := s.applyDefaults(ctx, input)
	return &QueryResult{Items: []*models.Property{}, Pagination: paginate(0, in.Limit, in.Offset)}
}

func (s *QueryService) clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset > maxQueryOffset {
		offset = maxQueryOffset
	}
	return limit, offset
}

func (in *QueryInput) filter() *storage.PropertyFilter {
	return &storage.PropertyFilter{
		Statuses:    in.Statuses,
		CityID:      in.CityID,
		DeveloperID: in.DeveloperID,
		MinPrice:    in.MinPrice,
		MaxPrice:    in.MaxPrice,
		Currency:    in.Currency,
		Search:      in.Search,
	}
}

// fingerprint identifies a normalized input for caching
func (in *QueryInput) fingerprint() string {
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

func paginate(total int64, limit, offset int) PaginationInfo {
	p := PaginationInfo{
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
		Page:       offset/limit + 1,
		HasMore:    int64(offset)+int64(limit) < total,
	}
	if total > 0 {
		p.TotalPages = int((total-1)/int64(limit) + 1)
	}
	return p
}

// ParseQueryParams builds a QueryInput from flat query-string parameters.
// Unknown keys are ignored and malformed values are dropped.
func ParseQueryParams(values url.Values) *QueryInput {
	in := &QueryInput{}

	for _, raw := range multiValues(values, "status") {
		if st, ok := types.ParsePropertyStatus(raw); ok && !containsStatus(in.Statuses, st) {
			in.Statuses = append(in.Statuses, st)
		}
	}

	in.CityID = firstID(values, "city_id", "city")
	in.DeveloperID = firstID(values, "developer_id", "developer")
	in.MinPrice = firstPrice(values, "min_price", "price_min")
	in.MaxPrice = firstPrice(values, "max_price", "price_max")

	if c := strings.ToUpper(strings.TrimSpace(first(values, "currency"))); len(c) == 3 && isLetters(c) {
		in.Currency = c
	}
	in.Search = strings.TrimSpace(first(values, "q", "search", "title"))

	sortParam := strings.TrimSpace(first(values, "sort", "sort_by"))
	if strings.HasPrefix(sortParam, "-") {
		in.SortOrder = types.SortDesc
		sortParam = sortParam[1:]
	} else if field, dir, ok := strings.Cut(sortParam, ":"); ok {
		sortParam = field
		in.SortOrder = parseOrder(dir)
	}
	if field, ok := types.ParseSortField(sortParam); ok {
		in.SortBy = field
	}
	if o := parseOrder(first(values, "order", "sort_order", "direction")); o != "" {
		in.SortOrder = o
	}

	in.Limit = firstInt(values, "limit", "per_page", "page_size")
	in.Offset = firstInt(values, "offset")
	in.Page = firstInt(values, "page")

	in.Include.Developer = parseBool(first(values, "include_developer"))
	in.Include.City = parseBool(first(values, "include_city"))
	in.Include.Images = parseBool(first(values, "include_images"))
	for _, rel := range multiValues(values, "include") {
		switch strings.ToLower(rel) {
		case "developer":
			in.Include.Developer = true
		case "city":
			in.Include.City = true
		case "images":
			in.Include.Images = true
		}
	}

	return in
}

func first(values url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(values.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// multiValues accepts both repeated keys and comma separated lists
func multiValues(values url.Values, key string) []string {
	var out []string
	for _, v := range values[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func firstID(values url.Values, keys ...string) *int64 {
	raw := first(values, keys...)
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

func firstPrice(values url.Values, keys ...string) *decimal.Decimal {
	raw := first(values, keys...)
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}

func firstInt(values url.Values, keys ...string) int {
	n, err := strconv.Atoi(first(values, keys...))
	if err != nil {
		return 0
	}
	return n
}

func parseOrder(s string) types.SortOrder {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending":
		return types.SortAsc
	case "desc", "descending":
		return types.SortDesc
	}
	return ""
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func containsStatus(list []types.PropertyStatus, st types.PropertyStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
