package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Default waiter configuration values.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
	DefaultMaxWait   = 30 * time.Second
)

// ErrMaxWaitExceeded is returned when no budget freed up within MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for provider budget")

// Waiter blocks callers until the shared budget admits them, backing off
// exponentially while the budget stays exhausted.
type Waiter struct {
	tracker   *BudgetTracker
	baseDelay time.Duration
	maxDelay  time.Duration
	maxWait   time.Duration

	mu               sync.Mutex
	currentDelay     time.Duration
	consecutiveFails int
	throttled        int64
}

// WaiterConfig holds configuration for the waiter.
type WaiterConfig struct {
	Tracker   *BudgetTracker
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxWait bounds one Wait call.
	MaxWait time.Duration
}

// Validate checks if the configuration is valid.
func (c *WaiterConfig) Validate() error {
	if c.Tracker == nil {
		return errors.New("tracker is required")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.MaxWait < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewWaiter creates a waiter over tracker.
func NewWaiter(cfg *WaiterConfig) (*Waiter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}

	return &Waiter{
		tracker:      cfg.Tracker,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		maxWait:      maxWait,
		currentDelay: baseDelay,
	}, nil
}

// Wait blocks until one request is admitted for priority. It returns
// ErrMaxWaitExceeded after MaxWait and ctx.Err() when ctx ends first.
func (w *Waiter) Wait(ctx context.Context, priority Priority) error {
	deadline := time.Now().Add(w.maxWait)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, windowWait := w.tracker.TryConsume(ctx, priority)
		if allowed {
			w.recordSuccess()
			return nil
		}

		delay := w.recordFailure()
		if windowWait > delay {
			delay = windowWait
		}
		if time.Now().Add(delay).After(deadline) {
			return ErrMaxWaitExceeded
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Waiter) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveFails = 0
	w.currentDelay = w.baseDelay
}

// recordFailure doubles the delay up to maxDelay and returns the delay to use now.
func (w *Waiter) recordFailure() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	delay := w.currentDelay
	w.consecutiveFails++
	w.throttled++

	next := w.currentDelay * 2
	if next > w.maxDelay {
		next = w.maxDelay
	}
	w.currentDelay = next
	return delay
}

// Throttled returns how many times a request found the budget exhausted.
func (w *Waiter) Throttled() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.throttled
}

// MaxWait returns the configured bound on one Wait call.
func (w *Waiter) MaxWait() time.Duration {
	return w.maxWait
}
