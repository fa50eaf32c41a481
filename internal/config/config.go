// Package config provides configuration management for the property catalog.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Provider  ProviderConfig
	Sync      SyncConfig
	Query     QueryConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Events    EventsConfig
	Ops       OpsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// URL overrides the discrete Postgres settings when set (DATABASE_URL).
	URL        string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration.
// An empty Host disables the price history sink.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration.
// Disabling it turns off query caching and the distributed sync lock.
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ProviderConfig holds the inventory provider API configuration
type ProviderConfig struct {
	BaseURL         string
	APIKey          string
	AuthHeader      string
	FeedPath        string
	Feed            string
	Timeout         time.Duration
	RequestsPerSec  float64
	PageSize        int
	DefaultCurrency string
	// BreakerThreshold is the number of consecutive unavailable responses
	// before the client stops calling the provider for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// SharedBudget is the requests per second the credential allows across
	// every process. 0 disables the Redis-coordinated budget.
	SharedBudget int
	// SharedFeedReserve is the part of SharedBudget only feed fetches may use.
	SharedFeedReserve int
	SharedMaxWait     time.Duration
}

// SyncConfig holds sync orchestrator and worker configuration
type SyncConfig struct {
	Interval          time.Duration
	Mode              string        // mode used by the scheduler: full, incremental or resume
	MaxPages          int           // 0 means no page budget
	MaxDuration       time.Duration // 0 means no time budget
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	MaxRateLimitPause time.Duration
	PrefetchPages     int
	EnrichLimit       int
	LockTTL           time.Duration
}

// QueryConfig holds query engine limits
type QueryConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// RateLimitConfig holds inbound API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSec float64
	Burst          int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	Color      bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// EventsConfig holds sync-run event publishing configuration.
// An empty AMQPURL disables publishing.
type EventsConfig struct {
	AMQPURL    string
	Exchange   string
	RoutingKey string
}

// OpsConfig holds operator endpoint configuration
type OpsConfig struct {
	Token string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "property_catalog"),
				User:           getEnv("POSTGRES_USER", "catalog"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "property_catalog"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", true),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Provider: ProviderConfig{
			BaseURL:           strings.TrimRight(getEnv("PROVIDER_BASE_URL", ""), "/"),
			APIKey:            getEnv("PROVIDER_API_KEY", ""),
			AuthHeader:        getEnv("PROVIDER_AUTH_HEADER", "X-API-Key"),
			FeedPath:          getEnv("PROVIDER_FEED_PATH", "/properties/latest"),
			Feed:              getEnv("PROVIDER_FEED", "latest"),
			Timeout:           getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second),
			RequestsPerSec:    getEnvAsFloat("PROVIDER_RPS", 2),
			PageSize:          getEnvAsInt("PROVIDER_PAGE_SIZE", 50),
			DefaultCurrency:   strings.ToUpper(getEnv("PROVIDER_DEFAULT_CURRENCY", "USD")),
			BreakerThreshold:  getEnvAsInt("PROVIDER_BREAKER_THRESHOLD", 5),
			BreakerCooldown:   getEnvAsDuration("PROVIDER_BREAKER_COOLDOWN", 30*time.Second),
			SharedBudget:      getEnvAsInt("PROVIDER_SHARED_BUDGET", 0),
			SharedFeedReserve: getEnvAsInt("PROVIDER_SHARED_FEED_RESERVE", 0),
			SharedMaxWait:     getEnvAsDuration("PROVIDER_SHARED_MAX_WAIT", 30*time.Second),
		},
		Sync: SyncConfig{
			Interval:          getEnvAsDuration("SYNC_INTERVAL", 15*time.Minute),
			Mode:              getEnv("SYNC_MODE", "resume"),
			MaxPages:          getEnvAsInt("SYNC_MAX_PAGES", 0),
			MaxDuration:       getEnvAsDuration("SYNC_MAX_DURATION", 0),
			MaxRetries:        getEnvAsInt("SYNC_MAX_RETRIES", 5),
			RetryInitialDelay: getEnvAsDuration("SYNC_RETRY_INITIAL_DELAY", time.Second),
			RetryMaxDelay:     getEnvAsDuration("SYNC_RETRY_MAX_DELAY", time.Minute),
			MaxRateLimitPause: getEnvAsDuration("SYNC_MAX_RATE_LIMIT_PAUSE", 5*time.Minute),
			PrefetchPages:     getEnvAsInt("SYNC_PREFETCH_PAGES", 1),
			EnrichLimit:       getEnvAsInt("SYNC_ENRICH_LIMIT", 100),
			LockTTL:           getEnvAsDuration("SYNC_LOCK_TTL", 30*time.Minute),
		},
		Query: QueryConfig{
			DefaultLimit: getEnvAsInt("QUERY_DEFAULT_LIMIT", 20),
			MaxLimit:     getEnvAsInt("QUERY_MAX_LIMIT", 100),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSec: getEnvAsFloat("RATE_LIMIT_RPS", 20),
			Burst:          getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Color:      getEnvAsBool("LOG_COLOR", false),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 28),
		},
		Events: EventsConfig{
			AMQPURL:    getEnv("EVENTS_AMQP_URL", ""),
			Exchange:   getEnv("EVENTS_EXCHANGE", "catalog.events"),
			RoutingKey: getEnv("EVENTS_ROUTING_KEY", "sync.run.finished"),
		},
		Ops: OpsConfig{
			Token: getEnv("OPS_TOKEN", ""),
		},
	}

	return config, nil
}

// Validate checks that everything the sync pipeline and the store need is present.
// Error messages name the missing setting, never its value.
func (c *Config) Validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	return c.ValidateProvider()
}

// ValidateStorage checks the storage connection settings only
func (c *Config) ValidateStorage() error {
	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			return fmt.Errorf("DATABASE_URL is not a valid URL")
		}
		return nil
	}
	if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
		return fmt.Errorf("POSTGRES_HOST and POSTGRES_DB are required")
	}
	return nil
}

// ValidateProvider checks the provider settings only
func (c *Config) ValidateProvider() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL is required")
	}
	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PROVIDER_BASE_URL must be an absolute http(s) URL")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required")
	}
	if c.Provider.AuthHeader == "" {
		return fmt.Errorf("PROVIDER_AUTH_HEADER must not be empty")
	}
	if c.Provider.PageSize <= 0 {
		return fmt.Errorf("PROVIDER_PAGE_SIZE must be positive")
	}
	if c.Provider.SharedBudget < 0 || c.Provider.SharedFeedReserve < 0 {
		return fmt.Errorf("PROVIDER_SHARED_BUDGET and PROVIDER_SHARED_FEED_RESERVE must not be negative")
	}
	if c.Provider.SharedFeedReserve > c.Provider.SharedBudget && c.Provider.SharedBudget > 0 {
		return fmt.Errorf("PROVIDER_SHARED_FEED_RESERVE cannot exceed PROVIDER_SHARED_BUDGET")
	}
	if c.Query.MaxLimit <= 0 {
		return fmt.Errorf("QUERY_MAX_LIMIT must be positive")
	}
	return nil
}

// DatabaseURL returns the Postgres connection string
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	pg := c.Database.Postgres
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(pg.User, pg.Password),
		Host:     pg.Host + ":" + pg.Port,
		Path:     "/" + pg.Database,
		RawQuery: "sslmode=" + pg.SSLMode,
	}
	return u.String()
}

// RedisEnabled reports whether a Redis host is configured
func (c *Config) RedisEnabled() bool {
	return c.Database.Redis.Enabled && c.Database.Redis.Host != ""
}

// ClickHouseEnabled reports whether a ClickHouse host is configured
func (c *Config) ClickHouseEnabled() bool {
	return c.Database.ClickHouse.Host != ""
}

// Presence reports which required settings are set, without their values.
func (c *Config) Presence() map[string]bool {
	return map[string]bool{
		"provider_base_url": c.Provider.BaseURL != "",
		"provider_api_key":  c.Provider.APIKey != "",
		"database":          c.Database.URL != "" || c.Database.Postgres.Host != "",
		"redis":             c.RedisEnabled(),
		"clickhouse":        c.ClickHouseEnabled(),
		"events":            c.Events.AMQPURL != "",
		"ops_token":         c.Ops.Token != "",
	}
}

// Redacted returns a log-safe summary of the configuration
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"server":             c.Server.Host + ":" + c.Server.Port,
		"postgres_host":      c.Database.Postgres.Host,
		"postgres_db":        c.Database.Postgres.Database,
		"database_url_set":   c.Database.URL != "",
		"redis_enabled":      c.RedisEnabled(),
		"clickhouse_enabled": c.ClickHouseEnabled(),
		"provider_base_url":  c.Provider.BaseURL,
		"provider_key_set":   c.Provider.APIKey != "",
		"provider_rps":       c.Provider.RequestsPerSec,
		"provider_budget":    c.Provider.SharedBudget,
		"sync_interval":      c.Sync.Interval.String(),
		"query_max_limit":    c.Query.MaxLimit,
		"log_level":          c.Logging.Level,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
