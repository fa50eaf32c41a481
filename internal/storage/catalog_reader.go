package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/types"
)

// SnapshotReader reads the catalog as of a single point in time. Every call
// made through one reader observes the same committed state.
type SnapshotReader interface {
	CountProperties(ctx context.Context, f *PropertyFilter) (int64, error)
	FindProperties(ctx context.Context, f *PropertyFilter, sort PropertySort, limit, offset int) ([]*models.Property, error)
	// PropertyByKey looks a property up by local id or slug; nil when absent.
	PropertyByKey(ctx context.Context, key string) (*models.Property, error)
	DevelopersByIDs(ctx context.Context, ids []int64) (map[int64]*models.Developer, error)
	CitiesByIDs(ctx context.Context, ids []int64) (map[int64]*models.City, error)
	ImagesByPropertyIDs(ctx context.Context, ids []int64) (map[int64][]models.Image, error)
	ListDevelopers(ctx context.Context, limit, offset int) ([]*models.Developer, int64, error)
	ListCities(ctx context.Context, limit, offset int) ([]*models.City, int64, error)
}

// CatalogReader opens read-only snapshots of the catalog
type CatalogReader struct {
	db *PostgresDB
}

// NewCatalogReader creates a new catalog reader
func NewCatalogReader(db *PostgresDB) *CatalogReader {
	return &CatalogReader{db: db}
}

// ReadSnapshot runs fn inside a read-only REPEATABLE READ transaction so that
// counts, pages and related rows agree with each other even while a sync run
// is writing.
func (r *CatalogReader) ReadSnapshot(ctx context.Context, fn func(SnapshotReader) error) error {
	return r.db.InTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		return fn(&pgSnapshot{tx: tx})
	})
}

type pgSnapshot struct {
	tx pgx.Tx
}

const propertyColumns = `
	p.id, p.external_id, p.slug, p.title, p.status,
	p.min_price::text, p.max_price::text, p.currency,
	p.developer_id, p.city_id, p.provider_updated_at, p.synced_at,
	p.content_hash, p.removed_at, p.created_at, p.updated_at
`

func (s *pgSnapshot) CountProperties(ctx context.Context, f *PropertyFilter) (int64, error) {
	where, args := f.whereClause()
	var n int64
	if err := s.tx.QueryRow(ctx, "SELECT COUNT(*) FROM properties p "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count properties: %w", err)
	}
	return n, nil
}

func (s *pgSnapshot) FindProperties(ctx context.Context, f *PropertyFilter, sort PropertySort, limit, offset int) ([]*models.Property, error) {
	where, args := f.whereClause()
	query := fmt.Sprintf("SELECT %s FROM properties p %s %s LIMIT $%d OFFSET $%d",
		propertyColumns, where, sort.orderClause(), len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}
	defer rows.Close()

	properties := make([]*models.Property, 0, limit)
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		properties = append(properties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate properties: %w", err)
	}
	return properties, nil
}

func (s *pgSnapshot) PropertyByKey(ctx context.Context, key string) (*models.Property, error) {
	query := "SELECT " + propertyColumns + " FROM properties p WHERE p.slug = $1"
	args := []any{key}
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		query = "SELECT " + propertyColumns + " FROM properties p WHERE p.id = $1 OR p.slug = $2 ORDER BY (p.id = $1) DESC LIMIT 1"
		args = []any{id, key}
	}

	p, err := scanProperty(s.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *pgSnapshot) DevelopersByIDs(ctx context.Context, ids []int64) (map[int64]*models.Developer, error) {
	out := make(map[int64]*models.Developer, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT d.id, d.external_id, d.slug, d.name, d.logo_url, d.is_stub, d.created_at, d.updated_at,
			   (SELECT COUNT(*) FROM properties p WHERE p.developer_id = d.id)
		FROM developers d
		WHERE d.id = ANY($1)
	`
	rows, err := s.tx.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load developers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDeveloper(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan developer: %w", err)
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func (s *pgSnapshot) CitiesByIDs(ctx context.Context, ids []int64) (map[int64]*models.City, error) {
	out := make(map[int64]*models.City, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.tx.Query(ctx, `
		SELECT id, external_id, name, country, region, is_stub, created_at, updated_at
		FROM cities
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load cities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan city: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (s *pgSnapshot) ImagesByPropertyIDs(ctx context.Context, ids []int64) (map[int64][]models.Image, error) {
	out := make(map[int64][]models.Image, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.tx.Query(ctx, `
		SELECT id, property_id, url, position, blurhash
		FROM property_images
		WHERE property_id = ANY($1)
		ORDER BY property_id, position
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var img models.Image
		if err := rows.Scan(&img.ID, &img.PropertyID, &img.URL, &img.Position, &img.Blurhash); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		out[img.PropertyID] = append(out[img.PropertyID], img)
	}
	return out, rows.Err()
}

func (s *pgSnapshot) ListDevelopers(ctx context.Context, limit, offset int) ([]*models.Developer, int64, error) {
	var total int64
	if err := s.tx.QueryRow(ctx, `SELECT COUNT(*) FROM developers`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count developers: %w", err)
	}

	rows, err := s.tx.Query(ctx, `
		SELECT d.id, d.external_id, d.slug, d.name, d.logo_url, d.is_stub, d.created_at, d.updated_at,
			   COUNT(p.id)
		FROM developers d
		LEFT JOIN properties p ON p.developer_id = d.id
		GROUP BY d.id
		ORDER BY d.name, d.id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list developers: %w", err)
	}
	defer rows.Close()

	var developers []*models.Developer
	for rows.Next() {
		d, err := scanDeveloper(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan developer: %w", err)
		}
		developers = append(developers, d)
	}
	return developers, total, rows.Err()
}

func (s *pgSnapshot) ListCities(ctx context.Context, limit, offset int) ([]*models.City, int64, error) {
	var total int64
	if err := s.tx.QueryRow(ctx, `SELECT COUNT(*) FROM cities`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count cities: %w", err)
	}

	rows, err := s.tx.Query(ctx, `
		SELECT id, external_id, name, country, region, is_stub, created_at, updated_at
		FROM cities
		ORDER BY name, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list cities: %w", err)
	}
	defer rows.Close()

	var cities []*models.City
	for rows.Next() {
		c, err := scanCity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan city: %w", err)
		}
		cities = append(cities, c)
	}
	return cities, total, rows.Err()
}

func scanProperty(row pgx.Row) (*models.Property, error) {
	var (
		p        models.Property
		status   string
		minPrice *string
		maxPrice *string
	)
	err := row.Scan(
		&p.ID,
		&p.ExternalID,
		&p.Slug,
		&p.Title,
		&status,
		&minPrice,
		&maxPrice,
		&p.Price.Currency,
		&p.DeveloperID,
		&p.CityID,
		&p.ProviderUpdatedAt,
		&p.SyncedAt,
		&p.ContentHash,
		&p.RemovedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan property: %w", err)
	}

	p.Status = types.PropertyStatus(status)
	if p.Price.Min, err = parsePrice(minPrice); err != nil {
		return nil, err
	}
	if p.Price.Max, err = parsePrice(maxPrice); err != nil {
		return nil, err
	}
	return &p, nil
}
