package service

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/storage"
	"github.com/property-catalog/internal/types"
)

// fakeCatalog is an in-memory catalog implementing both CatalogReader and
// storage.SnapshotReader, with the same filter and order semantics as SQL.
type fakeCatalog struct {
	mu         sync.Mutex
	properties []*models.Property
	developers map[int64]*models.Developer
	cities     map[int64]*models.City
	images     map[int64][]models.Image
	err        error
	// gate, when set, holds every snapshot until it is closed or ctx ends
	gate    chan struct{}
	entered chan struct{}

	snapshots int
	calls     map[string]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		developers: make(map[int64]*models.Developer),
		cities:     make(map[int64]*models.City),
		images:     make(map[int64][]models.Image),
		calls:      make(map[string]int),
	}
}

func (f *fakeCatalog) addDeveloper(id int64, name string) {
	f.developers[id] = &models.Developer{ID: id, ExternalID: "d" + strconv.FormatInt(id, 10), Slug: strings.ToLower(name), Name: name}
}

func (f *fakeCatalog) addCity(id int64, name string) {
	f.cities[id] = &models.City{ID: id, ExternalID: "c" + strconv.FormatInt(id, 10), Name: name, Country: "UAE"}
}

func (f *fakeCatalog) addProperty(p *models.Property) {
	if p.Slug == "" {
		p.Slug = "property-" + strconv.FormatInt(p.ID, 10)
	}
	if p.ExternalID == "" {
		p.ExternalID = "ext-" + strconv.FormatInt(p.ID, 10)
	}
	if p.SyncedAt.IsZero() {
		p.SyncedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(p.ID) * time.Minute)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.SyncedAt
	}
	f.properties = append(f.properties, p)
}

func (f *fakeCatalog) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeCatalog) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeCatalog) ReadSnapshot(ctx context.Context, fn func(storage.SnapshotReader) error) error {
	f.mu.Lock()
	f.snapshots++
	err := f.err
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return fn(f)
}

func (f *fakeCatalog) matching(flt *storage.PropertyFilter) []*models.Property {
	var out []*models.Property
	for _, p := range f.properties {
		if matchesFilter(p, flt) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

func matchesFilter(p *models.Property, f *storage.PropertyFilter) bool {
	if f == nil {
		return true
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if p.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CityID != nil && p.CityID != *f.CityID {
		return false
	}
	if f.DeveloperID != nil && p.DeveloperID != *f.DeveloperID {
		return false
	}
	if (f.MinPrice != nil || f.MaxPrice != nil) && !p.Price.Overlaps(f.MinPrice, f.MaxPrice) {
		return false
	}
	if f.Currency != "" && p.Price.Currency != strings.ToUpper(f.Currency) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(p.Title), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func priceKey(p *models.Property) *decimal.Decimal {
	if p.Price.Min != nil {
		return p.Price.Min
	}
	return p.Price.Max
}

func sortProperties(items []*models.Property, s storage.PropertySort) {
	desc := s.Order != types.SortAsc
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		var cmp int
		switch s.Field {
		case types.SortByPrice:
			pa, pb := priceKey(a), priceKey(b)
			switch {
			case pa == nil && pb == nil:
			case pa == nil:
				return false
			case pb == nil:
				return true
			default:
				cmp = pa.Cmp(*pb)
			}
		case types.SortByCreated:
			cmp = a.CreatedAt.Compare(b.CreatedAt)
		default:
			cmp = a.SyncedAt.Compare(b.SyncedAt)
		}
		if cmp == 0 {
			if a.ID < b.ID {
				cmp = -1
			} else if a.ID > b.ID {
				cmp = 1
			}
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

func (f *fakeCatalog) CountProperties(ctx context.Context, flt *storage.PropertyFilter) (int64, error) {
	f.record("CountProperties")
	return int64(len(f.matching(flt))), nil
}

func (f *fakeCatalog) FindProperties(ctx context.Context, flt *storage.PropertyFilter, s storage.PropertySort, limit, offset int) ([]*models.Property, error) {
	f.record("FindProperties")
	items := f.matching(flt)
	sortProperties(items, s)
	if offset >= len(items) {
		return []*models.Property{}, nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeCatalog) PropertyByKey(ctx context.Context, key string) (*models.Property, error) {
	f.record("PropertyByKey")
	id, idErr := strconv.ParseInt(key, 10, 64)
	for _, p := range f.properties {
		if (idErr == nil && p.ID == id) || p.Slug == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCatalog) developerCopy(id int64) *models.Developer {
	d, ok := f.developers[id]
	if !ok {
		return nil
	}
	cp := *d
	for _, p := range f.properties {
		if p.DeveloperID == id {
			cp.PropertyCount++
		}
	}
	return &cp
}

func (f *fakeCatalog) DevelopersByIDs(ctx context.Context, ids []int64) (map[int64]*models.Developer, error) {
	f.record("DevelopersByIDs")
	out := make(map[int64]*models.Developer, len(ids))
	for _, id := range ids {
		if d := f.developerCopy(id); d != nil {
			out[id] = d
		}
	}
	return out, nil
}

func (f *fakeCatalog) CitiesByIDs(ctx context.Context, ids []int64) (map[int64]*models.City, error) {
	f.record("CitiesByIDs")
	out := make(map[int64]*models.City, len(ids))
	for _, id := range ids {
		if c, ok := f.cities[id]; ok {
			cp := *c
			out[id] = &cp
		}
	}
	return out, nil
}

func (f *fakeCatalog) ImagesByPropertyIDs(ctx context.Context, ids []int64) (map[int64][]models.Image, error) {
	f.record("ImagesByPropertyIDs")
	out := make(map[int64][]models.Image, len(ids))
	for _, id := range ids {
		if imgs, ok := f.images[id]; ok {
			out[id] = append([]models.Image(nil), imgs...)
		}
	}
	return out, nil
}

func (f *fakeCatalog) ListDevelopers(ctx context.Context, limit, offset int) ([]*models.Developer, int64, error) {
	f.record("ListDevelopers")
	ids := make([]int64, 0, len(f.developers))
	for id := range f.developers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*models.Developer
	for i, id := range ids {
		if i >= offset && len(out) < limit {
			out = append(out, f.developerCopy(id))
		}
	}
	return out, int64(len(ids)), nil
}

func (f *fakeCatalog) ListCities(ctx context.Context, limit, offset int) ([]*models.City, int64, error) {
	f.record("ListCities")
	ids := make([]int64, 0, len(f.cities))
	for id := range f.cities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*models.City
	for i, id := range ids {
		if i >= offset && len(out) < limit {
			cp := *f.cities[id]
			out = append(out, &cp)
		}
	}
	return out, int64(len(ids)), nil
}

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
