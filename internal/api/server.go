// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"

	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/service"
)

// Service interfaces for dependency injection and testing

// QueryServiceInterface defines the catalog read operations
type QueryServiceInterface interface {
	Query(ctx context.Context, input *service.QueryInput) (*service.QueryResult, error)
	EmptyResult(ctx context.Context, input *service.QueryInput) *service.QueryResult
	GetProperty(ctx context.Context, key string, include service.Include) (*models.Property, error)
	ListDevelopers(ctx context.Context, limit, offset int) (*service.DeveloperList, error)
	ListCities(ctx context.Context, limit, offset int) (*service.CityList, error)
}

// SyncServiceInterface defines the operator sync controls
type SyncServiceInterface interface {
	Trigger(ctx context.Context, req service.RunRequest) (*service.TriggerResult, error)
	Cancel(runID string) error
	GetRun(ctx context.Context, id string) (*models.SyncRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.SyncRun, error)
}

// HealthServiceInterface defines the operator inspection view
type HealthServiceInterface interface {
	Check(ctx context.Context) *service.HealthReport
}

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	handler       http.Handler
	httpServer    *http.Server
	queryService  QueryServiceInterface
	syncService   SyncServiceInterface
	healthService HealthServiceInterface
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RequestsPerSec  float64 // per client
	Burst           int
	// OpsToken guards the /api/ops routes when set.
	OpsToken string
}

// NewServer creates a new API server instance. syncService and
// healthService may be nil, in which case their routes answer 503.
func NewServer(
	config *ServerConfig,
	queryService QueryServiceInterface,
	syncService SyncServiceInterface,
	healthService HealthServiceInterface,
) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		queryService:  queryService,
		syncService:   syncService,
		healthService: healthService,
		config:        config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Set up middleware (order matters!)
	s.router.Use(RequestContextMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	// CORS wraps the router: mux only runs middleware on matched routes,
	// so preflight requests would never reach it.
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         3600,
	})(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Catalog endpoints
	api.HandleFunc("/properties", s.handleQueryProperties).Methods("GET")
	api.HandleFunc("/properties/{key}", s.handleGetProperty).Methods("GET")
	api.HandleFunc("/developers", s.handleListDevelopers).Methods("GET")
	api.HandleFunc("/cities", s.handleListCities).Methods("GET")

	// Operator endpoints
	ops := api.PathPrefix("/ops").Subrouter()
	ops.Use(OpsAuthMiddleware(s.config.OpsToken))
	ops.HandleFunc("/health", s.handleOpsHealth).Methods("GET")
	ops.HandleFunc("/sync", s.handleTriggerSync).Methods("POST")
	ops.HandleFunc("/sync/runs", s.handleListRuns).Methods("GET")
	ops.HandleFunc("/sync/runs/{id}", s.handleGetRun).Methods("GET")
	ops.HandleFunc("/sync/runs/{id}/cancel", s.handleCancelRun).Methods("POST")
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles liveness requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "property-catalog",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
