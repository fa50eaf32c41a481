package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/property-catalog/internal/circuitbreaker"
	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/ratelimit"
)

const (
	maxResponseBytes  = 16 << 20
	defaultRetryAfter = time.Second
	pageCursorPrefix  = "page:"
)

// ClientConfig configures the provider client. The credential is held here
// and nowhere else.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	AuthHeader     string
	FeedPath       string
	PageSize       int
	Timeout        time.Duration
	RequestsPerSec float64
	// Filters are sent with every feed request.
	Filters          map[string]interface{}
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
	// Budget, when set, gates every request on a quota shared with other
	// processes using the same credential.
	Budget RequestBudget
}

// RequestBudget admits one provider request at the given priority
type RequestBudget interface {
	Wait(ctx context.Context, priority ratelimit.Priority) error
}

// FeedPage is one page of the latest-properties feed
type FeedPage struct {
	Records []RawProperty
	// NextCursor is empty at the end of the feed.
	NextCursor string
}

// ProviderClient talks to the external inventory API
type ProviderClient struct {
	baseURL    string
	apiKey     string
	authHeader string
	feedPath   string
	pageSize   int
	timeout    time.Duration
	filters    map[string]interface{}

	client  *http.Client
	limiter *rate.Limiter
	budget  RequestBudget
	breaker *circuitbreaker.CircuitBreaker
	health  *healthTracker
}

// NewProviderClient creates a provider client
func NewProviderClient(cfg ClientConfig) *ProviderClient {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "X-API-Key"
	}
	if cfg.FeedPath == "" {
		cfg.FeedPath = "/properties/latest"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &ProviderClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		authHeader: cfg.AuthHeader,
		feedPath:   "/" + strings.TrimLeft(cfg.FeedPath, "/"),
		pageSize:   cfg.PageSize,
		timeout:    cfg.Timeout,
		filters:    cfg.Filters,
		client:     httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		budget:     cfg.Budget,
		breaker:    newProviderBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		health:     newHealthTracker(cfg.BreakerThreshold),
	}
}

// newProviderBreaker opens on transient provider failures only. Auth and
// rate limit responses prove the provider is up.
func newProviderBreaker(threshold int, cooldown time.Duration) *circuitbreaker.CircuitBreaker {
	bc := circuitbreaker.DefaultConfig("provider")
	if threshold > 0 {
		bc.MaxFailures = threshold
	}
	if cooldown > 0 {
		bc.Timeout = cooldown
	}
	bc.IsFailure = apperrors.IsProviderUnavailable
	return circuitbreaker.NewCircuitBreaker(bc)
}

type feedResponse struct {
	Properties []json.RawMessage `json:"properties"`
	NextCursor FlexString        `json:"next_cursor"`
	Pagination *struct {
		Page        int `json:"page"`
		CurrentPage int `json:"current_page"`
		TotalPages  int `json:"total_pages"`
		LastPage    int `json:"last_page"`
	} `json:"pagination"`
}

// FetchLatest fetches one page of the latest-properties feed. An empty cursor
// requests the first page.
func (c *ProviderClient) FetchLatest(ctx context.Context, cursor string) (*FeedPage, error) {
	body := make(map[string]interface{}, len(c.filters)+3)
	for k, v := range c.filters {
		body[k] = v
	}
	body["per_page"] = c.pageSize

	page := 1
	switch {
	case cursor == "":
	case strings.HasPrefix(cursor, pageCursorPrefix):
		n, err := strconv.Atoi(strings.TrimPrefix(cursor, pageCursorPrefix))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("malformed page cursor %q", cursor)
		}
		page = n
	default:
		body["cursor"] = cursor
	}
	if _, ok := body["cursor"]; !ok {
		body["page"] = page
	}

	raw, err := c.do(ctx, http.MethodPost, c.feedPath, body, "fetch latest", ratelimit.PriorityFeed)
	if err != nil {
		return nil, err
	}

	var resp feedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperrors.NewProviderUnavailableError("fetch latest", fmt.Errorf("decode feed: %w", err))
	}

	out := &FeedPage{Records: make([]RawProperty, 0, len(resp.Properties))}
	for _, rec := range resp.Properties {
		out.Records = append(out.Records, NewRawProperty(rec))
	}

	switch {
	case resp.NextCursor != "":
		out.NextCursor = resp.NextCursor.String()
	case resp.Pagination != nil:
		current := resp.Pagination.Page
		if current == 0 {
			current = resp.Pagination.CurrentPage
		}
		if current == 0 {
			current = page
		}
		last := resp.Pagination.TotalPages
		if last == 0 {
			last = resp.Pagination.LastPage
		}
		if current < last && len(resp.Properties) > 0 {
			out.NextCursor = pageCursorPrefix + strconv.Itoa(current+1)
		}
	}

	return out, nil
}

// FetchDeveloper looks up a single developer by external id
func (c *ProviderClient) FetchDeveloper(ctx context.Context, externalID string) (*RawDeveloper, error) {
	raw, err := c.do(ctx, http.MethodGet, "/developers/"+url.PathEscape(externalID), nil, "fetch developer", ratelimit.PriorityLookup)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Data      *RawDeveloper `json:"data"`
		Developer *RawDeveloper `json:"developer"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if wrapped.Data != nil {
			return wrapped.Data, nil
		}
		if wrapped.Developer != nil {
			return wrapped.Developer, nil
		}
	}

	var dev RawDeveloper
	if err := json.Unmarshal(raw, &dev); err != nil {
		return nil, fmt.Errorf("decode developer %s: %w", externalID, err)
	}
	return &dev, nil
}

// FetchCity looks up a single city by external id
func (c *ProviderClient) FetchCity(ctx context.Context, externalID string) (*RawCity, error) {
	raw, err := c.do(ctx, http.MethodGet, "/cities/"+url.PathEscape(externalID), nil, "fetch city", ratelimit.PriorityLookup)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Data *RawCity `json:"data"`
		City *RawCity `json:"city"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if wrapped.Data != nil {
			return wrapped.Data, nil
		}
		if wrapped.City != nil {
			return wrapped.City, nil
		}
	}

	var city RawCity
	if err := json.Unmarshal(raw, &city); err != nil {
		return nil, fmt.Errorf("decode city %s: %w", externalID, err)
	}
	return &city, nil
}

// Health returns request statistics for the operator surface
func (c *ProviderClient) Health() *ProviderHealth {
	return c.health.snapshot()
}

// BreakerState returns the circuit breaker state
func (c *ProviderClient) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// do sends one request. It never retries: pacing decisions belong to the caller.
func (c *ProviderClient) do(ctx context.Context, method, path string, payload interface{}, op string, priority ratelimit.Priority) ([]byte, error) {
	if c.budget != nil {
		if err := c.budget.Wait(ctx, priority); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// the shared quota is spent: same handling as a provider 429
			return nil, apperrors.NewProviderRateLimitedError(op, defaultRetryAfter)
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewProviderUnavailableError(op, err)
	}

	var body []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.roundTrip(ctx, method, path, payload, op)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, apperrors.NewProviderUnavailableError(op, err)
	}
	return body, err
}

func (c *ProviderClient) roundTrip(ctx context.Context, method, path string, payload interface{}, op string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(c.authHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.health.recordFailure()
		return nil, apperrors.NewProviderUnavailableError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.health.recordFailure()
		return nil, apperrors.NewProviderUnavailableError(op, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.health.recordSuccess(time.Since(start))
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.health.recordRateLimited()
		return nil, apperrors.NewProviderRateLimitedError(op, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.health.recordFailure()
		return nil, apperrors.NewProviderAuthError(resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		c.health.recordSuccess(time.Since(start))
		return nil, apperrors.NewNotFoundError("provider resource", path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		c.health.recordFailure()
		return nil, apperrors.NewProviderUnavailableError(op, fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		c.health.recordFailure()
		return nil, fmt.Errorf("provider rejected %s: HTTP %d", op, resp.StatusCode)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return defaultRetryAfter
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
