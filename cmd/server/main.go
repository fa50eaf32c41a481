// Package main provides the API server entry point for the property catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/property-catalog/internal/api"
	"github.com/property-catalog/internal/app"
	"github.com/property-catalog/internal/config"
	"github.com/property-catalog/internal/logging"
)

func main() {
	fmt.Println("Property Catalog API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.InitLogging(cfg)
	logger.WithFields(cfg.Redacted()).Info("Configuration loaded")

	ctx := logging.WithLogger(context.Background(), logger)

	logger.Info("Connecting to databases...")
	catalog, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize catalog")
	}
	defer catalog.Close()
	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RequestsPerSec:  cfg.RateLimit.RequestsPerSec,
		Burst:           cfg.RateLimit.Burst,
		OpsToken:        cfg.Ops.Token,
	}
	if cfg.Ops.Token == "" {
		logger.Warn("OPS_TOKEN is not set: operator endpoints are unauthenticated")
	}

	var syncService api.SyncServiceInterface
	if catalog.SyncEnabled() {
		syncService = catalog.Orchestrator
	}
	server := api.NewServer(serverConfig, catalog.Query, syncService, catalog.Health)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
		"sync": catalog.SyncEnabled(),
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	// background runs stop between pages and record themselves as aborted
	if err := catalog.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Sync runs did not stop in time")
	}

	logger.Info("Server exited")
}
