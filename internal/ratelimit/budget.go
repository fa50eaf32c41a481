// Package ratelimit coordinates the provider request quota across processes.
//
// The server and the worker share one provider credential, so both draw
// from a single per-second budget kept in Redis. Feed pages draw from a
// reserved pool; developer and city lookups draw from the remainder so
// enrichment can never starve the sync.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second
	DefaultKeyTTL     = 2 * time.Second
)

// Redis key prefixes for budget tracking.
const (
	KeyPrefixTotal    = "provider:budget:total:"
	KeyPrefixReserved = "provider:budget:feed:"
	KeyPrefixShared   = "provider:budget:lookup:"
)

// Priority selects the pool a request draws from.
type Priority int

const (
	// PriorityFeed is for feed page fetches (reserved pool).
	PriorityFeed Priority = iota
	// PriorityLookup is for developer and city lookups (shared pool).
	PriorityLookup
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityFeed:
		return "feed"
	case PriorityLookup:
		return "lookup"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and the pool counter and increments
// them together, so concurrent processes never overshoot the window.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + n > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + n > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, n)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + n, poolUsed + n}
`)

// BudgetTracker counts provider requests per window in Redis.
type BudgetTracker struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required; the budget only makes sense when shared.
	Redis redis.Cmdable

	// TotalBudget is the number of provider requests allowed per window.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only feed fetches may use.
	ReservedBudget int

	WindowSize time.Duration
	KeyTTL     time.Duration
}

// Usage is a snapshot of the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"feedUsed"`
	SharedUsed     int       `json:"lookupUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"feedBudget"`
	SharedBudget   int       `json:"lookupBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget <= 0 {
		return errors.New("total budget must be positive")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	if c.ReservedBudget > c.TotalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", c.ReservedBudget, c.TotalBudget)
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL < windowSize {
		keyTTL = 2 * windowSize
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		totalBudget:    cfg.TotalBudget,
		reservedBudget: cfg.ReservedBudget,
		// feed requests may also spill into the shared pool
		sharedBudget: cfg.TotalBudget - cfg.ReservedBudget,
		windowSize:   windowSize,
		keyTTL:       keyTTL,
		now:          time.Now,
	}, nil
}

func (t *BudgetTracker) windowTimestamp() int64 {
	return t.now().Truncate(t.windowSize).UnixMilli()
}

func (t *BudgetTracker) keys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume takes one request from the pool matching priority. Feed
// requests fall back to the shared pool once the reserved one is spent.
// When denied it returns the time until the next window.
func (t *BudgetTracker) TryConsume(ctx context.Context, priority Priority) (bool, time.Duration) {
	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	if priority == PriorityFeed && t.reservedBudget > 0 {
		ok, err := t.consume(ctx, totalKey, reservedKey, t.reservedBudget)
		if err != nil {
			return false, t.waitTime(windowTS)
		}
		if ok {
			return true, 0
		}
	}

	ok, err := t.consume(ctx, totalKey, sharedKey, t.sharedBudget)
	if err != nil || !ok {
		// deny on Redis errors too
		return false, t.waitTime(windowTS)
	}
	return true, 0
}

func (t *BudgetTracker) consume(ctx context.Context, totalKey, poolKey string, poolBudget int) (bool, error) {
	if poolBudget <= 0 {
		return false, nil
	}
	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		1, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, err
	}
	return result[0] == 1, nil
}

func (t *BudgetTracker) waitTime(windowTS int64) time.Duration {
	windowEnd := time.UnixMilli(windowTS).Add(t.windowSize)
	wait := windowEnd.Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns the counters of the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*Usage, error) {
	windowTS := t.windowTimestamp()
	totalKey, reservedKey, sharedKey := t.keys(windowTS)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read provider budget: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// TotalBudget returns the configured requests per window.
func (t *BudgetTracker) TotalBudget() int {
	return t.totalBudget
}

// WindowSize returns the configured window size.
func (t *BudgetTracker) WindowSize() time.Duration {
	return t.windowSize
}
