// Package app wires the catalog components from configuration. The server,
// the worker and the operator CLI all build the same graph through it.
package app

import (
	"context"
	"fmt"

	"github.com/property-catalog/internal/adapter"
	"github.com/property-catalog/internal/config"
	"github.com/property-catalog/internal/events"
	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/normalizer"
	"github.com/property-catalog/internal/ratelimit"
	"github.com/property-catalog/internal/service"
	"github.com/property-catalog/internal/storage"
)

// Options controls which parts of the graph are required
type Options struct {
	// RequireProvider fails New when the provider settings are invalid.
	// Otherwise the app is built read-only, without an orchestrator.
	RequireProvider bool
}

// App holds the wired components. Optional members are nil when disabled.
type App struct {
	Config *config.Config

	Postgres   *storage.PostgresDB
	Redis      *storage.RedisCache
	ClickHouse *storage.ClickHouseDB

	Properties *storage.PropertyRepository
	Developers *storage.DeveloperRepository
	Cities     *storage.CityRepository
	Runs       *storage.SyncRunRepository

	Provider     *adapter.ProviderClient
	Budget       *ratelimit.BudgetTracker
	Orchestrator *service.SyncOrchestrator
	Query        *service.QueryService
	Health       *service.HealthService

	publisher *events.AMQPPublisher
}

// New connects to the stores and builds every service. Postgres is
// mandatory; Redis, ClickHouse and the event broker degrade to disabled
// when they cannot be reached.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := logging.FromContext(ctx)

	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	providerErr := cfg.ValidateProvider()
	if providerErr != nil && opts.RequireProvider {
		return nil, providerErr
	}

	a := &App{Config: cfg}

	pg, err := storage.NewPostgresDB(cfg.DatabaseURL(), cfg.Database.Postgres.MaxConnections)
	if err != nil {
		return nil, err
	}
	a.Postgres = pg

	if cfg.RedisEnabled() {
		redisCache, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing without query cache; sync lock falls back to Postgres")
		} else {
			a.Redis = redisCache
		}
	}

	if cfg.ClickHouseEnabled() {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, continuing without price history")
		} else {
			a.ClickHouse = ch
		}
	}

	a.Properties = storage.NewPropertyRepository(pg)
	a.Developers = storage.NewDeveloperRepository(pg)
	a.Cities = storage.NewCityRepository(pg)
	a.Runs = storage.NewSyncRunRepository(pg)

	var cache *storage.CacheService
	var queryCache service.QueryCache
	if a.Redis != nil {
		cache = storage.NewCacheService(a.Redis, cfg.Cache.TTL)
		queryCache = cache
	}
	perf := service.NewPerformanceMonitor()
	a.Query = service.NewQueryService(storage.NewCatalogReader(pg), queryCache, cfg.Query, perf)

	if providerErr != nil {
		logger.WithError(providerErr).Warn("Provider not configured, sync is disabled")
	} else if err := a.buildSync(ctx, cache); err != nil {
		a.Close()
		return nil, err
	}

	a.Health = service.NewHealthService(a.healthDependencies(perf))
	return a, nil
}

func (a *App) buildSync(ctx context.Context, cache *storage.CacheService) error {
	cfg := a.Config
	logger := logging.FromContext(ctx)

	clientCfg := adapter.ClientConfig{
		BaseURL:          cfg.Provider.BaseURL,
		APIKey:           cfg.Provider.APIKey,
		AuthHeader:       cfg.Provider.AuthHeader,
		FeedPath:         cfg.Provider.FeedPath,
		PageSize:         cfg.Provider.PageSize,
		Timeout:          cfg.Provider.Timeout,
		RequestsPerSec:   cfg.Provider.RequestsPerSec,
		BreakerThreshold: cfg.Provider.BreakerThreshold,
		BreakerCooldown:  cfg.Provider.BreakerCooldown,
	}
	if cfg.Provider.SharedBudget > 0 && a.Redis != nil {
		tracker, err := ratelimit.NewBudgetTracker(&ratelimit.BudgetTrackerConfig{
			Redis:          a.Redis.Client(),
			TotalBudget:    cfg.Provider.SharedBudget,
			ReservedBudget: cfg.Provider.SharedFeedReserve,
		})
		if err != nil {
			return fmt.Errorf("provider budget: %w", err)
		}
		waiter, err := ratelimit.NewWaiter(&ratelimit.WaiterConfig{Tracker: tracker, MaxWait: cfg.Provider.SharedMaxWait})
		if err != nil {
			return fmt.Errorf("provider budget: %w", err)
		}
		a.Budget = tracker
		clientCfg.Budget = waiter
		logger.WithFields(map[string]interface{}{
			"budget":  cfg.Provider.SharedBudget,
			"reserve": cfg.Provider.SharedFeedReserve,
		}).Info("Shared provider budget enabled")
	}
	a.Provider = adapter.NewProviderClient(clientCfg)

	norm, err := normalizer.New(cfg.Provider.DefaultCurrency)
	if err != nil {
		return fmt.Errorf("failed to build normalizer: %w", err)
	}

	deps := service.SyncDependencies{
		Client:     a.Provider,
		Normalizer: norm,
		Developers: a.Developers,
		Cities:     a.Cities,
		Properties: a.Properties,
		Runs:       a.Runs,
	}
	if a.Redis != nil {
		deps.Lock = storage.NewSyncLock(a.Redis.Client(), cfg.Sync.LockTTL)
		deps.Cache = cache
	} else {
		deps.Lock = storage.NewAdvisoryLock(a.Postgres)
	}
	if a.ClickHouse != nil {
		deps.PriceHistory = storage.NewPriceHistoryRepository(a.ClickHouse)
	}

	reporters := events.MultiReporter{events.LogReporter{}}
	if cfg.Events.AMQPURL != "" {
		pub, err := events.DialAMQPPublisher(cfg.Events)
		if err != nil {
			logger.WithError(err).Warn("Event broker unavailable, run events are only logged")
		} else {
			a.publisher = pub
			reporters = append(reporters, pub)
		}
	}
	deps.Reporter = reporters

	a.Orchestrator = service.NewSyncOrchestrator(deps, service.NewOrchestratorConfig(cfg))
	return nil
}

// healthDependencies assigns interfaces only for live components so
// disabled ones stay nil rather than typed-nil.
func (a *App) healthDependencies(perf *service.PerformanceMonitor) service.HealthDependencies {
	deps := service.HealthDependencies{
		Postgres:   a.Postgres,
		Properties: a.Properties,
		Developers: a.Developers,
		Cities:     a.Cities,
		Query:      perf,
		Presence:   a.Config.Presence(),
	}
	if a.Redis != nil {
		deps.Redis = a.Redis
	}
	if a.ClickHouse != nil {
		deps.ClickHouse = a.ClickHouse
	}
	if a.Provider != nil {
		deps.Provider = a.Provider
	}
	if a.Budget != nil {
		deps.Budget = a.Budget
	}
	if a.Orchestrator != nil {
		deps.Sync = a.Orchestrator
	}
	return deps
}

// SyncEnabled reports whether the orchestrator was built
func (a *App) SyncEnabled() bool {
	return a.Orchestrator != nil
}

// Shutdown cancels background runs and waits for them to persist their state.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Orchestrator == nil {
		return nil
	}
	return a.Orchestrator.Shutdown(ctx)
}

// Close releases every connection. Call Shutdown first.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close event publisher")
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close ClickHouse")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close Redis")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}

// InitLogging configures the global logger from cfg
func InitLogging(cfg *config.Config) *logging.Logger {
	logging.InitGlobalLoggerWithOptions(logging.Options{
		Level:      logging.ParseLogLevel(cfg.Logging.Level),
		Format:     logging.ParseLogFormat(cfg.Logging.Format),
		Color:      cfg.Logging.Color,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	return logging.GetGlobalLogger()
}
