package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/property-catalog/internal/adapter"
	"github.com/property-catalog/internal/circuitbreaker"
	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/ratelimit"
	"github.com/property-catalog/internal/types"
)

const defaultCheckTimeout = 3 * time.Second

// Health status values
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	StatusDisabled = "disabled"
)

// Pinger is a backing service that can report connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// PropertyCounter reports catalog row counts
type PropertyCounter interface {
	Count(ctx context.Context) (map[types.PropertyStatus]int64, error)
	CountImages(ctx context.Context) (int64, error)
}

// EntityCounter reports totals and stub counts for developers or cities
type EntityCounter interface {
	Count(ctx context.Context) (total, stubs int64, err error)
}

// ProviderStatus exposes provider client health
type ProviderStatus interface {
	Health() *adapter.ProviderHealth
	BreakerState() circuitbreaker.State
}

// BudgetStatus exposes the shared provider request budget
type BudgetStatus interface {
	GetUsage(ctx context.Context) (*ratelimit.Usage, error)
}

// SyncStatus exposes the sync runs of one feed
type SyncStatus interface {
	Feed() string
	ActiveRun() *models.SyncRun
	ListRuns(ctx context.Context, limit int) ([]*models.SyncRun, error)
}

// HealthDependencies wires the health service. Nil members are reported as disabled.
type HealthDependencies struct {
	Postgres   Pinger
	Redis      Pinger
	ClickHouse Pinger
	Properties PropertyCounter
	Developers EntityCounter
	Cities     EntityCounter
	Provider   ProviderStatus
	Budget     BudgetStatus
	Sync       SyncStatus
	Query      *PerformanceMonitor
	// Presence lists which settings are configured, as booleans only.
	Presence map[string]bool
}

// ComponentHealth is the result of one connectivity check
type ComponentHealth struct {
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// CatalogCounts summarizes stored rows
type CatalogCounts struct {
	Properties     int64                          `json:"properties"`
	ByStatus       map[types.PropertyStatus]int64 `json:"byStatus"`
	Images         int64                          `json:"images"`
	Developers     int64                          `json:"developers"`
	DeveloperStubs int64                          `json:"developerStubs"`
	Cities         int64                          `json:"cities"`
	CityStubs      int64                          `json:"cityStubs"`
}

// ProviderReport describes the provider client
type ProviderReport struct {
	Breaker circuitbreaker.State    `json:"breaker"`
	Health  *adapter.ProviderHealth `json:"health"`
	Budget  *ratelimit.Usage        `json:"budget,omitempty"`
}

// HealthReport is the operator inspection view
type HealthReport struct {
	Status     string                     `json:"status"`
	CheckedAt  time.Time                  `json:"checkedAt"`
	Components map[string]ComponentHealth `json:"components"`
	Counts     *CatalogCounts             `json:"counts,omitempty"`
	Config     map[string]bool            `json:"config"`
	Provider   *ProviderReport            `json:"provider,omitempty"`
	ActiveRun  *models.SyncRun            `json:"activeRun,omitempty"`
	LastRun    *models.SyncRun            `json:"lastRun,omitempty"`
	Query      *PerformanceStats          `json:"query,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty"`
}

// HealthService gathers the inspection report
type HealthService struct {
	deps    HealthDependencies
	timeout time.Duration
}

// NewHealthService creates a new health service
func NewHealthService(deps HealthDependencies) *HealthService {
	return &HealthService{deps: deps, timeout: defaultCheckTimeout}
}

// Check runs every check concurrently. It never fails: broken components
// are reported in the result.
func (s *HealthService) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusOK,
		CheckedAt:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth),
		Config:     make(map[string]bool, len(s.deps.Presence)),
	}
	for k, v := range s.deps.Presence {
		report.Config[k] = v
	}

	var mu sync.Mutex
	record := func(name string, h ComponentHealth) {
		mu.Lock()
		report.Components[name] = h
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, p := range map[string]Pinger{
		"postgres":   s.deps.Postgres,
		"redis":      s.deps.Redis,
		"clickhouse": s.deps.ClickHouse,
	} {
		if p == nil {
			record(name, ComponentHealth{Status: StatusDisabled})
			continue
		}
		name, p := name, p
		g.Go(func() error {
			record(name, s.ping(gctx, p))
			return nil
		})
	}

	var counts *CatalogCounts
	var countErr error
	if s.deps.Properties != nil {
		g.Go(func() error {
			counts, countErr = s.counts(gctx)
			return nil
		})
	}
	_ = g.Wait()

	logger := logging.FromContext(ctx)
	if countErr != nil {
		logger.WithError(countErr).Warn("Failed to count catalog rows")
		report.Warnings = append(report.Warnings, "row counts unavailable")
	}
	report.Counts = counts

	if s.deps.Provider != nil {
		report.Provider = &ProviderReport{
			Breaker: s.deps.Provider.BreakerState(),
			Health:  s.deps.Provider.Health(),
		}
		if report.Provider.Breaker == circuitbreaker.StateOpen {
			report.Warnings = append(report.Warnings, "provider circuit breaker is open")
		}
		if s.deps.Budget != nil {
			usage, err := s.deps.Budget.GetUsage(ctx)
			if err != nil {
				logger.WithError(err).Warn("Failed to read provider budget")
			} else {
				report.Provider.Budget = usage
				if usage.TotalUsed >= usage.TotalBudget {
					report.Warnings = append(report.Warnings, "provider request budget exhausted")
				}
			}
		}
	}

	if s.deps.Sync != nil {
		report.ActiveRun = s.deps.Sync.ActiveRun()
		runs, err := s.deps.Sync.ListRuns(ctx, 1)
		if err != nil {
			logger.WithError(err).Warn("Failed to load last sync run")
		} else if len(runs) > 0 {
			report.LastRun = runs[0]
			if runs[0].State == types.RunStateAborted {
				report.Warnings = append(report.Warnings, "last sync run aborted")
			}
		}
	}

	if s.deps.Query != nil {
		report.Query = s.deps.Query.GetStats()
		report.Warnings = append(report.Warnings, s.deps.Query.CheckPerformance().Issues...)
	}

	report.Status = overallStatus(report.Components)
	return report
}

// Ready reports whether the primary store answers
func (s *HealthService) Ready(ctx context.Context) bool {
	if s.deps.Postgres == nil {
		return false
	}
	return s.ping(ctx, s.deps.Postgres).Status == StatusOK
}

func (s *HealthService) ping(ctx context.Context, p Pinger) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)
	latency := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return ComponentHealth{Status: StatusDown, LatencyMs: latency, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK, LatencyMs: latency}
}

func (s *HealthService) counts(ctx context.Context) (*CatalogCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	byStatus, err := s.deps.Properties.Count(ctx)
	if err != nil {
		return nil, err
	}
	out := &CatalogCounts{ByStatus: byStatus}
	for _, n := range byStatus {
		out.Properties += n
	}
	if out.Images, err = s.deps.Properties.CountImages(ctx); err != nil {
		return nil, err
	}
	if s.deps.Developers != nil {
		if out.Developers, out.DeveloperStubs, err = s.deps.Developers.Count(ctx); err != nil {
			return nil, err
		}
	}
	if s.deps.Cities != nil {
		if out.Cities, out.CityStubs, err = s.deps.Cities.Count(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// overallStatus is down when Postgres is down, degraded when any optional
// component is down.
func overallStatus(components map[string]ComponentHealth) string {
	if pg, ok := components["postgres"]; ok && pg.Status == StatusDown {
		return StatusDown
	}
	for _, c := range components {
		if c.Status == StatusDown {
			return StatusDegraded
		}
	}
	return StatusOK
}
