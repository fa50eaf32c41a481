package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/property-catalog/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name             string
	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int
	isFailure        func(error) bool
	now              func() time.Time

	mu               sync.Mutex
	state            State
	halfOpenCalls    int
	halfOpenSuccess  int
	consecutiveFails int
	totalCalls       int
	totalFailures    int
	lastStateChange  time.Time
	lastFailureTime  time.Time
}

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      int           // consecutive failures before opening
	Timeout          time.Duration // how long to stay open before probing
	HalfOpenMaxCalls int
	// IsFailure classifies results. Nil counts every non-nil error.
	IsFailure func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	isFailure := config.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:             config.Name,
		maxFailures:      config.MaxFailures,
		timeout:          config.Timeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		isFailure:        isFailure,
		now:              time.Now,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.name,
			"state":          StateHalfOpen,
		}).Info("Circuit breaker transitioning to half-open")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if cb.isFailure(err) {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveFails = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.halfOpenSuccess++
	if cb.halfOpenSuccess >= cb.halfOpenMaxCalls {
		cb.setState(StateClosed)
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.name,
			"state":          StateClosed,
		}).Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.totalFailures++
	cb.consecutiveFails++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= cb.maxFailures {
			cb.setState(StateOpen)
			logging.WithFields(map[string]interface{}{
				"circuitBreaker":   cb.name,
				"state":            StateOpen,
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("Circuit breaker opened due to failures")
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.name,
			"state":          StateOpen,
		}).Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.halfOpenCalls = 0
	cb.halfOpenSuccess = 0
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return &Stats{
		Name:             cb.name,
		State:            cb.state,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		ConsecutiveFails: cb.consecutiveFails,
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	TotalCalls       int       `json:"totalCalls"`
	TotalFailures    int       `json:"totalFailures"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	LastStateChange  time.Time `json:"lastStateChange"`
}
