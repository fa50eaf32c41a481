package service

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultSlowQuery  = 250 * time.Millisecond
	defaultMaxSamples = 1000
)

// PerformanceMonitor tracks catalog read latency, split by whether the
// answer came from the query cache or from a database snapshot.
type PerformanceMonitor struct {
	mu            sync.RWMutex
	cachedSamples []time.Duration
	dbSamples     []time.Duration
	cacheHits     int64
	cacheMisses   int64
	slowQueries   int64
	failures      int64
	totalQueries  int64
	maxSamples    int
	slowThreshold time.Duration
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		cachedSamples: make([]time.Duration, 0, defaultMaxSamples),
		dbSamples:     make([]time.Duration, 0, defaultMaxSamples),
		maxSamples:    defaultMaxSamples,
		slowThreshold: defaultSlowQuery,
	}
}

// RecordQuery records one catalog read
func (pm *PerformanceMonitor) RecordQuery(duration time.Duration, cached bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalQueries++
	if cached {
		pm.cacheHits++
		pm.cachedSamples = appendSample(pm.cachedSamples, duration, pm.maxSamples)
	} else {
		pm.cacheMisses++
		pm.dbSamples = appendSample(pm.dbSamples, duration, pm.maxSamples)
	}
	if duration > pm.slowThreshold {
		pm.slowQueries++
	}
}

// RecordFailure counts a read that returned an error
func (pm *PerformanceMonitor) RecordFailure() {
	pm.mu.Lock()
	pm.totalQueries++
	pm.failures++
	pm.mu.Unlock()
}

func appendSample(samples []time.Duration, d time.Duration, max int) []time.Duration {
	samples = append(samples, d)
	if len(samples) > max {
		samples = samples[len(samples)-max:]
	}
	return samples
}

// GetStats returns current performance statistics
func (pm *PerformanceMonitor) GetStats() *PerformanceStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := &PerformanceStats{
		TotalQueries: pm.totalQueries,
		CacheHits:    pm.cacheHits,
		CacheMisses:  pm.cacheMisses,
		SlowQueries:  pm.slowQueries,
		Failures:     pm.failures,
	}
	if pm.totalQueries > 0 {
		stats.CacheHitRate = float64(pm.cacheHits) / float64(pm.totalQueries) * 100
	}

	stats.AvgCachedQueryMs = averageMs(pm.cachedSamples)
	stats.AvgDBQueryMs = averageMs(pm.dbSamples)
	stats.P95DBQueryMs = percentileMs(pm.dbSamples, 0.95)
	stats.P99DBQueryMs = percentileMs(pm.dbSamples, 0.99)
	return stats
}

func averageMs(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return float64(total.Milliseconds()) / float64(len(samples))
}

func percentileMs(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx].Milliseconds())
}

// Reset clears all samples and counters
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.cachedSamples = make([]time.Duration, 0, pm.maxSamples)
	pm.dbSamples = make([]time.Duration, 0, pm.maxSamples)
	pm.cacheHits = 0
	pm.cacheMisses = 0
	pm.slowQueries = 0
	pm.failures = 0
	pm.totalQueries = 0
}

// CheckPerformance flags latency or error rates an operator should look at
func (pm *PerformanceMonitor) CheckPerformance() *PerformanceCheck {
	stats := pm.GetStats()
	threshold := float64(pm.slowThreshold.Milliseconds())

	check := &PerformanceCheck{
		Passed: true,
		Issues: make([]string, 0),
	}

	if stats.P95DBQueryMs > threshold {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("P95 snapshot query time (%.2fms) exceeds %.0fms", stats.P95DBQueryMs, threshold))
	}
	if stats.AvgCachedQueryMs > threshold/2 {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("Average cached query time (%.2fms) suggests the cache is slow", stats.AvgCachedQueryMs))
	}
	if stats.TotalQueries > 0 && stats.Failures*10 > stats.TotalQueries {
		check.Passed = false
		check.Issues = append(check.Issues,
			fmt.Sprintf("%d of %d catalog reads failed", stats.Failures, stats.TotalQueries))
	}

	return check
}

// PerformanceStats contains performance statistics
type PerformanceStats struct {
	TotalQueries     int64   `json:"totalQueries"`
	CacheHits        int64   `json:"cacheHits"`
	CacheMisses      int64   `json:"cacheMisses"`
	SlowQueries      int64   `json:"slowQueries"`
	Failures         int64   `json:"failures"`
	CacheHitRate     float64 `json:"cacheHitRate"` // percent
	AvgCachedQueryMs float64 `json:"avgCachedQueryMs"`
	AvgDBQueryMs     float64 `json:"avgDbQueryMs"`
	P95DBQueryMs     float64 `json:"p95DbQueryMs"`
	P99DBQueryMs     float64 `json:"p99DbQueryMs"`
}

// PerformanceCheck contains performance check results
type PerformanceCheck struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}
