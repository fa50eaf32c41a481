// Package worker schedules catalog sync runs.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/service"
	"github.com/property-catalog/internal/types"
)

const (
	defaultPollInterval = 15 * time.Minute
	minPollInterval     = 10 * time.Second
	stopTimeout         = 30 * time.Second
)

// Syncer runs one sync to completion
type Syncer interface {
	Run(ctx context.Context, req service.RunRequest) (*models.SyncRun, error)
	Feed() string
}

// SyncWorker triggers sync runs on a fixed interval
type SyncWorker struct {
	syncer       Syncer
	pollInterval time.Duration
	mode         types.SyncMode
	runOnStart   bool

	running     bool
	mu          sync.RWMutex
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastPollAt  time.Time
	lastRun     *models.SyncRun
	lastErr     error
	runsStarted int
}

// SyncWorkerConfig holds configuration for a sync worker
type SyncWorkerConfig struct {
	Syncer       Syncer
	PollInterval time.Duration
	Mode         types.SyncMode
	// RunOnStart runs a sync immediately instead of waiting one interval.
	RunOnStart bool
}

// WorkerStatus is a point-in-time view of the worker
type WorkerStatus struct {
	Feed         string          `json:"feed"`
	Running      bool            `json:"running"`
	PollInterval string          `json:"pollInterval"`
	Mode         types.SyncMode  `json:"mode"`
	LastPollAt   time.Time       `json:"lastPollAt"`
	LastRun      *models.SyncRun `json:"lastRun,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	RunsStarted  int             `json:"runsStarted"`
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(cfg *SyncWorkerConfig) (*SyncWorker, error) {
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	if pollInterval < minPollInterval {
		return nil, fmt.Errorf("poll interval must be at least %v, got %v", minPollInterval, pollInterval)
	}

	mode := cfg.Mode
	if mode == "" {
		mode = types.SyncModeResume
	}

	return &SyncWorker{
		syncer:       cfg.Syncer,
		pollInterval: pollInterval,
		mode:         mode,
		runOnStart:   cfg.RunOnStart,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start begins the polling loop
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker for feed %s is already running", w.syncer.Feed())
	}
	w.running = true
	w.mu.Unlock()

	log.Printf("[SyncWorker] Starting sync worker for feed %s with poll interval %v (mode %s)", w.syncer.Feed(), w.pollInterval, w.mode)

	go w.pollLoop(ctx)
	return nil
}

// Stop signals the loop and waits for the in-flight run to finish
func (w *SyncWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker for feed %s is not running", w.syncer.Feed())
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[SyncWorker] Stopping sync worker for feed %s", w.syncer.Feed())
	close(w.stopCh)

	select {
	case <-w.doneCh:
		log.Printf("[SyncWorker] Sync worker for feed %s stopped gracefully", w.syncer.Feed())
		return nil
	case <-ctx.Done():
		log.Printf("[SyncWorker] Sync worker for feed %s stop timed out", w.syncer.Feed())
		return ctx.Err()
	case <-time.After(stopTimeout):
		log.Printf("[SyncWorker] Sync worker for feed %s stop timed out after %v", w.syncer.Feed(), stopTimeout)
		return fmt.Errorf("stop timeout")
	}
}

// pollLoop is the main polling loop that runs in a goroutine
func (w *SyncWorker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	// a stop signal cancels the run in progress
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if w.runOnStart {
		w.poll(runCtx)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[SyncWorker] Feed %s: context cancelled", w.syncer.Feed())
			return
		case <-w.stopCh:
			log.Printf("[SyncWorker] Feed %s: stop signal received", w.syncer.Feed())
			return
		case <-ticker.C:
			w.poll(runCtx)
		}
	}
}

func (w *SyncWorker) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	run, err := w.RunOnce(ctx)
	if err != nil {
		// Continue polling despite errors
		log.Printf("[SyncWorker] Feed %s: sync error: %v", w.syncer.Feed(), err)
		return
	}
	if run != nil && run.Changed() {
		log.Printf("[SyncWorker] Feed %s: run %s created %d, updated %d, enriched %d over %d pages",
			w.syncer.Feed(), run.ID, run.Created, run.Updated, run.Enriched, run.PagesFetched)
	}
}

// RunOnce performs one sync run with the configured mode
func (w *SyncWorker) RunOnce(ctx context.Context) (*models.SyncRun, error) {
	w.mu.Lock()
	w.lastPollAt = time.Now()
	w.runsStarted++
	w.mu.Unlock()

	run, err := w.syncer.Run(ctx, service.RunRequest{Mode: w.mode})

	w.mu.Lock()
	if run != nil {
		w.lastRun = run
	}
	w.lastErr = err
	w.mu.Unlock()
	return run, err
}

// Status returns the worker's current state
func (w *SyncWorker) Status() *WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := &WorkerStatus{
		Feed:         w.syncer.Feed(),
		Running:      w.running,
		PollInterval: w.pollInterval.String(),
		Mode:         w.mode,
		LastPollAt:   w.lastPollAt,
		LastRun:      w.lastRun,
		RunsStarted:  w.runsStarted,
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}
