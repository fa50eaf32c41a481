package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/property-catalog/internal/errors"
)

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyQuery is for property listing results
	CacheKeyQuery CacheKeyType = "query"
	// CacheKeyProperty is for single property lookups
	CacheKeyProperty CacheKeyType = "property"
	// CacheKeyDevelopers is for developer listings
	CacheKeyDevelopers CacheKeyType = "developers"
	// CacheKeyCities is for city listings
	CacheKeyCities CacheKeyType = "cities"

	generationKey = "catalog:generation"
)

// CacheService caches catalog reads in Redis. Entries are namespaced by a
// catalog generation counter; bumping it invalidates every read at once
// without scanning the keyspace.
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: catalog:<generation>:<type>:<param1>:...
func (c *CacheService) GenerateCacheKey(ctx context.Context, keyType CacheKeyType, params ...string) (string, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return "", err
	}
	parts := append([]string{"catalog", strconv.FormatInt(gen, 10), string(keyType)}, params...)
	return strings.Join(parts, ":"), nil
}

func (c *CacheService) generation(ctx context.Context) (int64, error) {
	raw, err := c.redis.Get(ctx, generationKey)
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.NewCacheError("read generation", err)
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cache generation %q", raw)
	}
	return gen, nil
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.redis.Set(ctx, key, data, c.ttl); err != nil {
		return apperrors.NewCacheError("set", err)
	}
	return nil
}

// Get retrieves a value from cache and deserializes it
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		// Key not found is not an error, just a cache miss
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, apperrors.NewCacheError("get", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// InvalidateAll drops every cached catalog read
func (c *CacheService) InvalidateAll(ctx context.Context) error {
	if _, err := c.redis.Incr(ctx, generationKey); err != nil {
		return apperrors.NewCacheError("invalidate", err)
	}
	return nil
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}
