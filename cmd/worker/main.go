// Package main provides the sync worker entry point for the property catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/property-catalog/internal/app"
	"github.com/property-catalog/internal/config"
	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/service"
	"github.com/property-catalog/internal/types"
	"github.com/property-catalog/internal/worker"
)

func main() {
	var (
		once       = flag.Bool("once", false, "Run a single sync and exit")
		runOnStart = flag.Bool("run-on-start", true, "Sync immediately instead of waiting one interval")
	)
	flag.Parse()

	fmt.Println("Property Catalog Sync Worker")
	log.Println("Worker starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.InitLogging(cfg)
	logger.WithFields(cfg.Redacted()).Info("Configuration loaded")
	ctx := logging.WithLogger(context.Background(), logger)

	logging.Info("Connecting to databases...")
	catalog, err := app.New(ctx, cfg, app.Options{RequireProvider: true})
	if err != nil {
		logging.Fatalf("Failed to initialize catalog: %v", err)
	}
	defer catalog.Close()
	logging.Info("Database connections established")

	mode := types.ParseSyncMode(cfg.Sync.Mode)

	if *once {
		code := runOnce(ctx, catalog, mode)
		catalog.Close()
		os.Exit(code)
	}

	syncWorker, err := worker.NewSyncWorker(&worker.SyncWorkerConfig{
		Syncer:       catalog.Orchestrator,
		PollInterval: cfg.Sync.Interval,
		Mode:         mode,
		RunOnStart:   *runOnStart,
	})
	if err != nil {
		logging.Fatalf("Failed to create sync worker: %v", err)
	}

	if err := syncWorker.Start(ctx); err != nil {
		logging.Fatalf("Failed to start sync worker: %v", err)
	}
	logging.Infof("Sync worker started for feed %s", catalog.Orchestrator.Feed())

	// Set up graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigCh
	logging.Info("Shutdown signal received, stopping worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := syncWorker.Stop(shutdownCtx); err != nil {
		logging.Errorf("Error stopping sync worker: %v", err)
	}
	if err := catalog.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Error waiting for sync runs: %v", err)
	}

	status := syncWorker.Status()
	logging.Infof("Worker stopped after %d runs", status.RunsStarted)
}

// runOnce performs one blocking sync and returns the process exit code
func runOnce(ctx context.Context, catalog *app.App, mode types.SyncMode) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := catalog.Orchestrator.Run(ctx, service.RunRequest{Mode: mode})
	if run != nil {
		logging.Infof("Run %s finished in state %s: created=%d updated=%d unchanged=%d skipped=%d failed=%d duplicates=%d",
			run.ID, run.State, run.Created, run.Updated, run.Unchanged, run.Skipped, run.Failed, run.Duplicates)
	}
	if err != nil {
		logging.Errorf("Sync failed: %v", err)
		return 1
	}
	return 0
}
