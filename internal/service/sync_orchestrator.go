package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/property-catalog/internal/adapter"
	"github.com/property-catalog/internal/config"
	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/retry"
	"github.com/property-catalog/internal/storage"
	"github.com/property-catalog/internal/types"
)

const (
	upsertAttempts   = 3
	finalizeTimeout  = 10 * time.Second
	conflictBackoff  = 20 * time.Millisecond
	defaultFeed      = "latest"
	defaultEnrichCap = 100
	defaultLockTTL   = 30 * time.Minute
)

// ErrLockLost is returned when another process took over the sync lock
var ErrLockLost = errors.New("sync lock lost during run")

// errBudgetSpent stops a run whose next rate limit pause would outlast its
// duration budget.
var errBudgetSpent = errors.New("run duration budget spent")

// FeedLock keeps runs of one feed single-flight across processes. Acquire
// returns storage.ErrLockHeld and the holder's run id, when known, if the
// feed is taken.
type FeedLock interface {
	Acquire(ctx context.Context, feed, runID string) (storage.Lease, string, error)
}

// FeedClient is the provider surface the orchestrator needs
type FeedClient interface {
	FetchLatest(ctx context.Context, cursor string) (*adapter.FeedPage, error)
	FetchDeveloper(ctx context.Context, externalID string) (*adapter.RawDeveloper, error)
	FetchCity(ctx context.Context, externalID string) (*adapter.RawCity, error)
}

// RecordNormalizer maps raw provider records onto the local schema
type RecordNormalizer interface {
	Normalize(raw adapter.RawProperty) (*models.NormalizedProperty, error)
	NormalizeDeveloper(externalID string, raw *adapter.RawDeveloper) models.DeveloperRef
	NormalizeCity(externalID string, raw *adapter.RawCity) models.CityRef
}

// DeveloperStore resolves developers by external id
type DeveloperStore interface {
	Ensure(ctx context.Context, ref models.DeveloperRef) (*storage.EnsureResult, error)
	Enrich(ctx context.Context, ref models.DeveloperRef) (bool, error)
	StubExternalIDs(ctx context.Context, externalIDs []string) ([]string, error)
}

// CityStore resolves cities by external id
type CityStore interface {
	Ensure(ctx context.Context, ref models.CityRef) (*storage.EnsureResult, error)
	Enrich(ctx context.Context, ref models.CityRef) (bool, error)
	StubExternalIDs(ctx context.Context, externalIDs []string) ([]string, error)
}

// PropertyStore applies normalized properties
type PropertyStore interface {
	Upsert(ctx context.Context, np *models.NormalizedProperty, developerID, cityID int64, now time.Time) (*storage.UpsertResult, error)
}

// RunStore persists sync run bookkeeping
type RunStore interface {
	Create(ctx context.Context, run *models.SyncRun) error
	Update(ctx context.Context, run *models.SyncRun) error
	Get(ctx context.Context, id string) (*models.SyncRun, error)
	Latest(ctx context.Context, feed string) (*models.SyncRun, error)
	List(ctx context.Context, feed string, limit int) ([]*models.SyncRun, error)
	AbandonStale(ctx context.Context, feed string, activeID string) (int64, error)
}

// CacheInvalidator drops cached reads after the catalog changes
type CacheInvalidator interface {
	InvalidateAll(ctx context.Context) error
}

// PriceHistorySink records price observations
type PriceHistorySink interface {
	BatchInsert(ctx context.Context, observations []*models.PriceObservation) error
}

// RunReporter is told about every finished run
type RunReporter interface {
	ReportRun(ctx context.Context, run *models.SyncRun) error
}

// SyncDependencies wires the orchestrator. Cache, PriceHistory and Reporter
// are optional. Without a Lock runs are single-flight within the process only.
type SyncDependencies struct {
	Client       FeedClient
	Normalizer   RecordNormalizer
	Developers   DeveloperStore
	Cities       CityStore
	Properties   PropertyStore
	Runs         RunStore
	Lock         FeedLock
	Cache        CacheInvalidator
	PriceHistory PriceHistorySink
	Reporter     RunReporter
}

// OrchestratorConfig holds run budgets and pacing
type OrchestratorConfig struct {
	Feed              string
	MaxPages          int
	MaxDuration       time.Duration
	MaxRetries        int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	MaxRateLimitPause time.Duration
	PrefetchPages     int
	EnrichLimit       int
	// LockTTL is how long the sync lock survives without a refresh. The
	// lease is refreshed every third of it while a run is active.
	LockTTL time.Duration
}

// NewOrchestratorConfig derives orchestrator settings from the application config
func NewOrchestratorConfig(cfg *config.Config) OrchestratorConfig {
	return OrchestratorConfig{
		Feed:              cfg.Provider.Feed,
		MaxPages:          cfg.Sync.MaxPages,
		MaxDuration:       cfg.Sync.MaxDuration,
		MaxRetries:        cfg.Sync.MaxRetries,
		RetryInitialDelay: cfg.Sync.RetryInitialDelay,
		RetryMaxDelay:     cfg.Sync.RetryMaxDelay,
		MaxRateLimitPause: cfg.Sync.MaxRateLimitPause,
		PrefetchPages:     cfg.Sync.PrefetchPages,
		EnrichLimit:       cfg.Sync.EnrichLimit,
		LockTTL:           cfg.Sync.LockTTL,
	}
}

// RunRequest asks for a sync run. Zero budgets fall back to the configured ones.
type RunRequest struct {
	Mode        types.SyncMode `json:"mode"`
	MaxPages    int            `json:"maxPages,omitempty"`
	MaxDuration time.Duration  `json:"maxDuration,omitempty"`
}

// TriggerResult identifies the run serving a request
type TriggerResult struct {
	RunID string `json:"runId"`
	// Joined is true when a run was already in progress.
	Joined bool            `json:"joined"`
	Run    *models.SyncRun `json:"run"`
}

// SyncOrchestrator drives sync runs: provider pages in, normalized upserts out.
// At most one run per feed is active at a time.
type SyncOrchestrator struct {
	deps SyncDependencies
	cfg  OrchestratorConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active *activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	mu     sync.Mutex
	run    *models.SyncRun
	lease  storage.Lease
	lost   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	final  error

	budgetPages    int
	budgetDuration time.Duration
	seen           map[string]struct{}
	developerIDs   map[string]struct{}
	cityIDs        map[string]struct{}
}

// NewSyncOrchestrator creates a new sync orchestrator
func NewSyncOrchestrator(deps SyncDependencies, cfg OrchestratorConfig) *SyncOrchestrator {
	if cfg.Feed == "" {
		cfg.Feed = defaultFeed
	}
	if cfg.PrefetchPages < 0 {
		cfg.PrefetchPages = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.EnrichLimit < 0 {
		cfg.EnrichLimit = defaultEnrichCap
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &SyncOrchestrator{
		deps:  deps,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		sleep: sleepContext,
	}
}

// Feed returns the feed this orchestrator syncs
func (o *SyncOrchestrator) Feed() string {
	return o.cfg.Feed
}

// Run performs a sync run and blocks until it finishes. If a run is already
// in progress in this process the call waits for it and returns its result;
// if another process holds the feed, the holder's run is returned as-is.
func (o *SyncOrchestrator) Run(ctx context.Context, req RunRequest) (*models.SyncRun, error) {
	ar, joined, remote, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		return remote, nil
	}
	if joined {
		select {
		case <-ar.done:
			return ar.snapshot(), ar.final
		case <-ctx.Done():
			return ar.snapshot(), ctx.Err()
		}
	}

	o.execute(ar)
	return ar.snapshot(), ar.final
}

// Trigger starts a run in the background, or joins the active one
func (o *SyncOrchestrator) Trigger(ctx context.Context, req RunRequest) (*TriggerResult, error) {
	// The run outlives the request that started it.
	parent := context.WithoutCancel(ctx)

	ar, joined, remote, err := o.begin(parent, req)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		return &TriggerResult{RunID: remote.ID, Joined: true, Run: remote}, nil
	}
	if joined {
		snap := ar.snapshot()
		return &TriggerResult{RunID: snap.ID, Joined: true, Run: snap}, nil
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ar)
	}()

	snap := ar.snapshot()
	return &TriggerResult{RunID: snap.ID, Run: snap}, nil
}

// Cancel asks the active run to stop after its current page
func (o *SyncOrchestrator) Cancel(runID string) error {
	o.mu.Lock()
	ar := o.active
	o.mu.Unlock()

	if ar == nil || ar.snapshot().ID != runID {
		return apperrors.NewNotFoundError("active sync run", runID)
	}
	ar.cancel()
	return nil
}

// ActiveRun returns a copy of the in-progress run, or nil
func (o *SyncOrchestrator) ActiveRun() *models.SyncRun {
	o.mu.Lock()
	ar := o.active
	o.mu.Unlock()
	if ar == nil {
		return nil
	}
	return ar.snapshot()
}

// GetRun returns a run by id, preferring the live copy of the active run
func (o *SyncOrchestrator) GetRun(ctx context.Context, id string) (*models.SyncRun, error) {
	if active := o.ActiveRun(); active != nil && active.ID == id {
		return active, nil
	}
	return o.deps.Runs.Get(ctx, id)
}

// ListRuns returns recent runs for this feed, newest first
func (o *SyncOrchestrator) ListRuns(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return o.deps.Runs.List(ctx, o.cfg.Feed, limit)
}

// Shutdown cancels the active run and waits for background runs to finish
func (o *SyncOrchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.active != nil {
		o.active.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin registers a new run, or reports the run that is already active.
// The in-process guard is held while the run row and the distributed lock
// are set up, so two callers can never both start.
func (o *SyncOrchestrator) begin(ctx context.Context, req RunRequest) (*activeRun, bool, *models.SyncRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return o.active, true, nil, nil
	}

	logger := logging.FromContext(ctx)
	mode := req.Mode
	if mode == "" {
		mode = types.SyncModeIncremental
	}

	run := &models.SyncRun{
		ID:        uuid.NewString(),
		Feed:      o.cfg.Feed,
		Mode:      mode,
		State:     types.RunStateIdle,
		StartedAt: o.now(),
	}

	var lease storage.Lease
	if o.deps.Lock != nil {
		handle, holder, err := o.deps.Lock.Acquire(ctx, o.cfg.Feed, run.ID)
		if errors.Is(err, storage.ErrLockHeld) {
			remote, err := o.remoteRun(ctx, holder)
			if err != nil {
				return nil, false, nil, err
			}
			logger.WithFields(map[string]interface{}{
				"feed":  o.cfg.Feed,
				"runId": remote.ID,
			}).Info("Sync already running in another process, joining")
			return nil, true, remote, nil
		}
		if err != nil {
			return nil, false, nil, err
		}
		lease = handle
	}

	release := func() {
		if lease != nil {
			_ = lease.Release(context.WithoutCancel(ctx))
		}
	}

	if mode == types.SyncModeResume {
		prev, err := o.deps.Runs.Latest(ctx, o.cfg.Feed)
		if err != nil {
			release()
			return nil, false, nil, fmt.Errorf("failed to load last sync run: %w", err)
		}
		if prev != nil && !prev.Exhausted && prev.CursorCommitted != "" {
			run.CursorStart = prev.CursorCommitted
		}
	}
	run.CursorCommitted = run.CursorStart

	// Without the cross-process lock a non-terminal row may belong to a
	// live run elsewhere, so only a lease holder may close them.
	if lease != nil {
		if n, err := o.deps.Runs.AbandonStale(ctx, o.cfg.Feed, run.ID); err != nil {
			logger.WithError(err).Warn("Failed to close stale sync runs")
		} else if n > 0 {
			logger.WithField("count", n).Warn("Marked stale sync runs as aborted")
		}
	}

	if err := o.deps.Runs.Create(ctx, run); err != nil {
		release()
		return nil, false, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ar := &activeRun{
		run:          run,
		lease:        lease,
		ctx:          runCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		seen:         make(map[string]struct{}),
		developerIDs: make(map[string]struct{}),
		cityIDs:      make(map[string]struct{}),
	}
	if mode != types.SyncModeFull {
		ar.budgetPages = firstPositive(req.MaxPages, o.cfg.MaxPages)
		ar.budgetDuration = firstPositiveDuration(req.MaxDuration, o.cfg.MaxDuration)
	}
	o.active = ar

	logger.WithFields(map[string]interface{}{
		"runId":       run.ID,
		"feed":        run.Feed,
		"mode":        run.Mode,
		"cursorStart": run.CursorStart,
		"maxPages":    ar.budgetPages,
	}).Info("Sync run started")
	return ar, false, nil, nil
}

// remoteRun identifies the run behind a lock held by another process. A
// lock that cannot name its holder is matched to the feed's newest run while
// that run is still in flight.
func (o *SyncOrchestrator) remoteRun(ctx context.Context, holder string) (*models.SyncRun, error) {
	if holder != "" {
		remote, err := o.deps.Runs.Get(ctx, holder)
		if err != nil {
			remote = &models.SyncRun{ID: holder, Feed: o.cfg.Feed, State: types.RunStateFetching}
		}
		return remote, nil
	}
	latest, err := o.deps.Runs.Latest(ctx, o.cfg.Feed)
	if err != nil {
		return nil, fmt.Errorf("failed to load running sync run: %w", err)
	}
	if latest == nil || latest.State.IsTerminal() {
		return nil, apperrors.NewSyncInProgressError(o.cfg.Feed)
	}
	return latest, nil
}

type fetchedPage struct {
	cursor string
	page   *adapter.FeedPage
}

// execute runs the pipeline for ar and finalizes it. It always clears the
// active run and closes ar.done.
func (o *SyncOrchestrator) execute(ar *activeRun) {
	defer ar.cancel()

	logger := logging.FromContext(ar.ctx).WithField("runId", ar.run.ID)
	ctx := logging.WithLogger(ar.ctx, logger)

	stopLease := o.keepLease(ctx, ar)

	ar.setState(types.RunStateFetching)
	err := o.pipeline(ctx, ar)

	switch {
	case ar.lost.Load():
		err = ErrLockLost
	case ctx.Err() != nil:
		err = apperrors.NewRunCancelledError(ar.run.ID)
	}
	if err == nil {
		o.enrichStubs(ctx, ar)
	}

	stopLease()
	if err == nil && ar.lost.Load() {
		err = ErrLockLost
	}

	o.finalize(context.WithoutCancel(ctx), ar, err)
}

// keepLease refreshes the run's lease in the background for as long as the
// run works. A lease reported gone, or one that could not be refreshed for a
// whole TTL, marks the run lost and cancels it. The returned func stops the
// refresher and waits for it.
func (o *SyncOrchestrator) keepLease(ctx context.Context, ar *activeRun) func() {
	if ar.lease == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		logger := logging.FromContext(ctx)
		ticker := time.NewTicker(o.cfg.LockTTL / 3)
		defer ticker.Stop()

		lastHeld := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			held, err := ar.lease.Refresh(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.WithError(err).Warn("Failed to refresh sync lock")
				if time.Since(lastHeld) < o.cfg.LockTTL {
					continue
				}
			} else if held {
				lastHeld = time.Now()
				continue
			}

			logger.Error("Sync lock lost, stopping run")
			ar.lost.Store(true)
			ar.cancel()
			return
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// pipeline fetches pages ahead of the consumer, which applies them strictly
// in cursor order.
func (o *SyncOrchestrator) pipeline(ctx context.Context, ar *activeRun) error {
	pages := make(chan fetchedPage, o.cfg.PrefetchPages)
	g, gctx := errgroup.WithContext(ctx)

	start := o.now()
	var deadline time.Time
	if ar.budgetDuration > 0 {
		deadline = start.Add(ar.budgetDuration)
	}
	g.Go(func() error {
		defer close(pages)
		cursor := ar.run.CursorStart
		for fetched := 0; ; fetched++ {
			if ar.budgetPages > 0 && fetched >= ar.budgetPages {
				return nil
			}
			if ar.budgetDuration > 0 && o.now().Sub(start) >= ar.budgetDuration {
				return nil
			}
			if gctx.Err() != nil {
				return nil
			}

			page, err := o.fetchPage(gctx, cursor, deadline)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, errBudgetSpent) {
					return nil
				}
				return err
			}

			select {
			case pages <- fetchedPage{cursor: cursor, page: page}:
			case <-gctx.Done():
				return nil
			}

			if page.NextCursor == "" {
				return nil
			}
			if page.NextCursor == cursor {
				return fmt.Errorf("provider returned the same cursor %q twice", cursor)
			}
			cursor = page.NextCursor
		}
	})

	g.Go(func() error {
		for fp := range pages {
			if ar.lost.Load() {
				return ErrLockLost
			}
			// Cancellation is honored between pages only.
			if ctx.Err() != nil {
				return nil
			}
			if err := o.applyPage(context.WithoutCancel(ctx), ar, fp); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// fetchPage fetches one page. Rate limiting pauses and retries the same
// cursor without using up a retry, unless the pause would run past deadline;
// unavailability backs off exponentially.
func (o *SyncOrchestrator) fetchPage(ctx context.Context, cursor string, deadline time.Time) (*adapter.FeedPage, error) {
	logger := logging.FromContext(ctx)

	for {
		var page *adapter.FeedPage
		result := retry.WithExponentialBackoff(ctx, &retry.RetryConfig{
			MaxAttempts:  o.cfg.MaxRetries + 1,
			InitialDelay: o.cfg.RetryInitialDelay,
			MaxDelay:     o.cfg.RetryMaxDelay,
			Multiplier:   2,
			ShouldRetry:  apperrors.IsProviderUnavailable,
		}, func(ctx context.Context, attempt int) error {
			p, err := o.deps.Client.FetchLatest(ctx, cursor)
			if err != nil {
				if _, limited := apperrors.RateLimited(err); limited {
					return retry.Permanent(err)
				}
				return err
			}
			page = p
			return nil
		})
		if result.Success {
			return page, nil
		}

		hint, limited := apperrors.RateLimited(result.LastError)
		if !limited {
			return nil, result.LastError
		}
		pause := hint
		if o.cfg.MaxRateLimitPause > 0 && pause > o.cfg.MaxRateLimitPause {
			pause = o.cfg.MaxRateLimitPause
		}
		if !deadline.IsZero() && o.now().Add(pause).After(deadline) {
			logger.WithFields(map[string]interface{}{
				"cursor": cursor,
				"pause":  pause.String(),
			}).Warn("Provider rate limited past the run's duration budget, stopping")
			return nil, errBudgetSpent
		}
		logger.WithFields(map[string]interface{}{
			"cursor": cursor,
			"pause":  pause.String(),
		}).Warn("Provider rate limited, pausing")
		if err := o.sleep(ctx, pause); err != nil {
			return nil, err
		}
	}
}

// pageCounts accumulates one page's effect on the run counters
type pageCounts struct {
	created, updated, unchanged, skipped, failed, duplicates, enriched int
}

func (o *SyncOrchestrator) applyPage(ctx context.Context, ar *activeRun, fp fetchedPage) error {
	logger := logging.FromContext(ctx)
	ar.setState(types.RunStateNormalizing)

	var counts pageCounts
	normalized := make([]*models.NormalizedProperty, 0, len(fp.page.Records))
	for _, raw := range fp.page.Records {
		np, err := o.deps.Normalizer.Normalize(raw)
		if err != nil {
			counts.skipped++
			logger.WithFields(map[string]interface{}{
				"externalId": raw.ID.String(),
				"error":      err.Error(),
			}).Warn("Skipping record")
			continue
		}
		normalized = append(normalized, np)
	}

	ar.setState(types.RunStateUpserting)
	var observations []*models.PriceObservation
	for _, np := range normalized {
		res, enriched, err := o.upsertOne(ctx, ar, np)
		counts.enriched += enriched
		if err != nil {
			if apperrors.IsNormalization(err) {
				counts.skipped++
			} else {
				counts.failed++
			}
			logger.WithFields(map[string]interface{}{
				"externalId": np.ExternalID,
				"error":      err.Error(),
			}).Error("Failed to upsert property")
			continue
		}

		// A repeat of an id already applied in this run still goes through
		// Upsert so the newest provider version wins; it only counts as a
		// duplicate when it changed nothing.
		_, repeat := ar.seen[np.ExternalID]
		ar.seen[np.ExternalID] = struct{}{}
		switch {
		case res.Outcome == models.OutcomeCreated:
			counts.created++
		case res.Outcome == models.OutcomeUpdated:
			counts.updated++
		case repeat:
			counts.duplicates++
		default:
			counts.unchanged++
		}
		if res.Outcome == models.OutcomeCreated || res.PriceChanged {
			observations = append(observations, &models.PriceObservation{
				ExternalID: np.ExternalID,
				PropertyID: res.ID,
				Status:     np.Status,
				MinPrice:   np.Price.Min,
				MaxPrice:   np.Price.Max,
				Currency:   np.Price.Currency,
				RunID:      ar.run.ID,
				ObservedAt: res.SyncedAt,
			})
		}
	}

	if o.deps.PriceHistory != nil && len(observations) > 0 {
		if err := o.deps.PriceHistory.BatchInsert(ctx, observations); err != nil {
			logger.WithError(err).Warn("Failed to record price history")
		}
	}

	snap := ar.commitPage(counts, fp.page.NextCursor)
	if err := o.deps.Runs.Update(ctx, snap); err != nil {
		return fmt.Errorf("failed to checkpoint sync run: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"page":      snap.PagesFetched,
		"records":   len(fp.page.Records),
		"created":   counts.created,
		"updated":   counts.updated,
		"unchanged": counts.unchanged,
		"skipped":   counts.skipped,
		"failed":    counts.failed,
	}).Debug("Applied feed page")

	if fp.page.NextCursor != "" {
		ar.setState(types.RunStateFetching)
	}
	return nil
}

// upsertOne resolves the related rows and upserts one property, retrying
// the whole unit on a storage conflict.
func (o *SyncOrchestrator) upsertOne(ctx context.Context, ar *activeRun, np *models.NormalizedProperty) (*storage.UpsertResult, int, error) {
	var (
		res      *storage.UpsertResult
		enriched int
	)
	result := retry.WithExponentialBackoff(ctx, &retry.RetryConfig{
		MaxAttempts:  upsertAttempts,
		InitialDelay: conflictBackoff,
		MaxDelay:     4 * conflictBackoff,
		Multiplier:   2,
		ShouldRetry:  apperrors.IsStorageConflict,
	}, func(ctx context.Context, attempt int) error {
		enriched = 0
		dev, err := o.deps.Developers.Ensure(ctx, np.Developer)
		if err != nil {
			return err
		}
		if dev.Enriched {
			enriched++
		}
		city, err := o.deps.Cities.Ensure(ctx, np.City)
		if err != nil {
			return err
		}
		if city.Enriched {
			enriched++
		}
		res, err = o.deps.Properties.Upsert(ctx, np, dev.ID, city.ID, o.now())
		return err
	})

	ar.developerIDs[np.Developer.ExternalID] = struct{}{}
	ar.cityIDs[np.City.ExternalID] = struct{}{}

	if !result.Success {
		return nil, enriched, result.LastError
	}
	return res, enriched, nil
}

// enrichStubs looks up developers and cities that are still stubs after the
// feed pass. Failures are logged and never fail the run.
func (o *SyncOrchestrator) enrichStubs(ctx context.Context, ar *activeRun) {
	limit := o.cfg.EnrichLimit
	if limit == 0 {
		return
	}
	logger := logging.FromContext(ctx)
	enriched := 0

	devStubs, err := o.deps.Developers.StubExternalIDs(ctx, sortedKeys(ar.developerIDs))
	if err != nil {
		logger.WithError(err).Warn("Failed to list developer stubs")
	}
	for _, id := range devStubs {
		if limit <= 0 || ctx.Err() != nil {
			break
		}
		limit--
		raw, err := o.deps.Client.FetchDeveloper(ctx, id)
		if err != nil {
			logger.WithFields(map[string]interface{}{"developerId": id, "error": err.Error()}).Warn("Developer lookup failed")
			if stopEnrichment(err) {
				limit = 0
				break
			}
			continue
		}
		ref := o.deps.Normalizer.NormalizeDeveloper(id, raw)
		if !ref.HasDetail() {
			continue
		}
		ok, err := o.deps.Developers.Enrich(ctx, ref)
		if err != nil {
			logger.WithFields(map[string]interface{}{"developerId": id, "error": err.Error()}).Warn("Developer enrichment failed")
			continue
		}
		if ok {
			enriched++
		}
	}

	cityStubs, err := o.deps.Cities.StubExternalIDs(ctx, sortedKeys(ar.cityIDs))
	if err != nil {
		logger.WithError(err).Warn("Failed to list city stubs")
	}
	for _, id := range cityStubs {
		if limit <= 0 || ctx.Err() != nil {
			break
		}
		limit--
		raw, err := o.deps.Client.FetchCity(ctx, id)
		if err != nil {
			logger.WithFields(map[string]interface{}{"cityId": id, "error": err.Error()}).Warn("City lookup failed")
			if stopEnrichment(err) {
				limit = 0
				break
			}
			continue
		}
		ref := o.deps.Normalizer.NormalizeCity(id, raw)
		if !ref.HasDetail() {
			continue
		}
		ok, err := o.deps.Cities.Enrich(ctx, ref)
		if err != nil {
			logger.WithFields(map[string]interface{}{"cityId": id, "error": err.Error()}).Warn("City enrichment failed")
			continue
		}
		if ok {
			enriched++
		}
	}

	if enriched > 0 {
		ar.mu.Lock()
		ar.run.Enriched += enriched
		ar.mu.Unlock()
	}
}

// stopEnrichment reports errors that would fail every further lookup too
func stopEnrichment(err error) bool {
	_, limited := apperrors.RateLimited(err)
	return limited || apperrors.IsProviderAuth(err)
}

func (o *SyncOrchestrator) finalize(ctx context.Context, ar *activeRun, runErr error) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()
	logger := logging.FromContext(ctx)

	ar.mu.Lock()
	finished := o.now()
	ar.run.FinishedAt = &finished
	if runErr != nil {
		msg := runErr.Error()
		ar.run.Error = &msg
		ar.transition(types.RunStateAborted)
	} else {
		ar.transition(types.RunStateCompleted)
	}
	ar.final = runErr
	snap := *ar.run
	ar.mu.Unlock()

	if err := o.deps.Runs.Update(ctx, &snap); err != nil {
		logger.WithError(err).Error("Failed to persist sync run result")
	}

	if snap.Changed() && o.deps.Cache != nil {
		if err := o.deps.Cache.InvalidateAll(ctx); err != nil {
			logger.WithError(err).Warn("Failed to invalidate query cache")
		}
	}
	if o.deps.Reporter != nil {
		if err := o.deps.Reporter.ReportRun(ctx, &snap); err != nil {
			logger.WithError(err).Warn("Failed to report sync run")
		}
	}
	if ar.lease != nil {
		if err := ar.lease.Release(ctx); err != nil {
			logger.WithError(err).Warn("Failed to release sync lock")
		}
	}

	fields := map[string]interface{}{
		"state":      snap.State,
		"pages":      snap.PagesFetched,
		"created":    snap.Created,
		"updated":    snap.Updated,
		"unchanged":  snap.Unchanged,
		"skipped":    snap.Skipped,
		"failed":     snap.Failed,
		"duplicates": snap.Duplicates,
		"enriched":   snap.Enriched,
		"exhausted":  snap.Exhausted,
		"duration":   snap.Duration().String(),
	}
	if runErr != nil {
		logger.WithFields(fields).WithError(runErr).Warn("Sync run aborted")
	} else {
		logger.WithFields(fields).Info("Sync run completed")
	}

	o.mu.Lock()
	if o.active == ar {
		o.active = nil
	}
	o.mu.Unlock()
	close(ar.done)
}

func (ar *activeRun) snapshot() *models.SyncRun {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	snap := *ar.run
	return &snap
}

func (ar *activeRun) setState(next types.RunState) {
	ar.mu.Lock()
	ar.transition(next)
	ar.mu.Unlock()
}

// transition must be called with ar.mu held
func (ar *activeRun) transition(next types.RunState) {
	if ar.run.State == next {
		return
	}
	if !ar.run.State.CanTransition(next) {
		logging.WithFields(map[string]interface{}{
			"runId": ar.run.ID,
			"from":  ar.run.State,
			"to":    next,
		}).Warn("Ignoring invalid sync run transition")
		return
	}
	ar.run.State = next
}

// commitPage folds a page into the run and advances the checkpoint
func (ar *activeRun) commitPage(c pageCounts, nextCursor string) *models.SyncRun {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	r := ar.run
	r.PagesFetched++
	r.Created += c.created
	r.Updated += c.updated
	r.Unchanged += c.unchanged
	r.Skipped += c.skipped
	r.Failed += c.failed
	r.Duplicates += c.duplicates
	r.Enriched += c.enriched
	r.CursorCommitted = nextCursor
	if nextCursor == "" {
		r.Exhausted = true
	}
	snap := *r
	return &snap
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
