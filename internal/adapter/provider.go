package adapter

import (
	"sync"
	"time"
)

// ProviderHealth represents the health status of the inventory provider
type ProviderHealth struct {
	TotalRequests    int64         `json:"totalRequests"`
	SuccessfulReqs   int64         `json:"successfulRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	RateLimited      int64         `json:"rateLimited"`
	SuccessRate      float64       `json:"successRate"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

// healthTracker records outcomes of provider calls
type healthTracker struct {
	mu sync.RWMutex

	totalRequests    int64
	successfulReqs   int64
	failedReqs       int64
	rateLimited      int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	maxConsecutiveFails int
}

func newHealthTracker(maxConsecutiveFails int) *healthTracker {
	if maxConsecutiveFails <= 0 {
		maxConsecutiveFails = 5
	}
	return &healthTracker{maxConsecutiveFails: maxConsecutiveFails}
}

func (h *healthTracker) recordSuccess(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.successfulReqs++
	h.totalLatency += d
	h.lastSuccess = time.Now()
	h.consecutiveFails = 0
}

func (h *healthTracker) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.failedReqs++
	h.lastFailure = time.Now()
	h.consecutiveFails++
}

// Throttling is not an outage; it does not touch the failure streak.
func (h *healthTracker) recordRateLimited() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.rateLimited++
}

func (h *healthTracker) snapshot() *ProviderHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health := &ProviderHealth{
		TotalRequests:    h.totalRequests,
		SuccessfulReqs:   h.successfulReqs,
		FailedReqs:       h.failedReqs,
		RateLimited:      h.rateLimited,
		LastSuccess:      h.lastSuccess,
		LastFailure:      h.lastFailure,
		ConsecutiveFails: h.consecutiveFails,
		IsHealthy:        h.consecutiveFails < h.maxConsecutiveFails,
	}
	if h.totalRequests > 0 {
		health.SuccessRate = float64(h.successfulReqs) / float64(h.totalRequests) * 100
	}
	if h.successfulReqs > 0 {
		health.AverageLatency = h.totalLatency / time.Duration(h.successfulReqs)
	}
	return health
}
