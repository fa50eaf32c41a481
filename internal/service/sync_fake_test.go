package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/property-catalog/internal/adapter"
	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/storage"
	"github.com/property-catalog/internal/types"
)

// fakeFeed serves scripted pages keyed by cursor. Errors queued for a
// cursor are returned, in order, before its page.
type fakeFeed struct {
	mu         sync.Mutex
	pages      map[string]*adapter.FeedPage
	errs       map[string][]error
	developers map[string]*adapter.RawDeveloper
	cities     map[string]*adapter.RawCity
	lookupErr  error
	calls      []string
	lookups    int
	onFetch    func(cursor string)
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		pages:      make(map[string]*adapter.FeedPage),
		errs:       make(map[string][]error),
		developers: make(map[string]*adapter.RawDeveloper),
		cities:     make(map[string]*adapter.RawCity),
	}
}

// addPage registers the page served at cursor
func (f *fakeFeed) addPage(cursor, next string, records ...string) {
	page := &adapter.FeedPage{NextCursor: next}
	for _, rec := range records {
		page.Records = append(page.Records, adapter.NewRawProperty(json.RawMessage(rec)))
	}
	f.pages[cursor] = page
}

func (f *fakeFeed) failWith(cursor string, errs ...error) {
	f.mu.Lock()
	f.errs[cursor] = append(f.errs[cursor], errs...)
	f.mu.Unlock()
}

func (f *fakeFeed) fetchCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFeed) FetchLatest(ctx context.Context, cursor string) (*adapter.FeedPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cursor)
	hook := f.onFetch
	var err error
	if queued := f.errs[cursor]; len(queued) > 0 {
		err = queued[0]
		f.errs[cursor] = queued[1:]
	}
	page, ok := f.pages[cursor]
	f.mu.Unlock()

	if hook != nil {
		hook(cursor)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no page at cursor %q", cursor)
	}
	return page, nil
}

func (f *fakeFeed) FetchDeveloper(ctx context.Context, externalID string) (*adapter.RawDeveloper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if d, ok := f.developers[externalID]; ok {
		return d, nil
	}
	return nil, apperrors.NewNotFoundError("provider resource", "/developers/"+externalID)
}

func (f *fakeFeed) FetchCity(ctx context.Context, externalID string) (*adapter.RawCity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if c, ok := f.cities[externalID]; ok {
		return c, nil
	}
	return nil, apperrors.NewNotFoundError("provider resource", "/cities/"+externalID)
}

type fakeDeveloper struct {
	id  int64
	ref models.DeveloperRef
}

type fakeCity struct {
	id  int64
	ref models.CityRef
}

type fakeProperty struct {
	id  int64
	np  models.NormalizedProperty
	dev int64
	cty int64

	syncedAt time.Time
}

// fakeStore mirrors the repository semantics in memory
type fakeStore struct {
	mu         sync.Mutex
	nextID     int64
	developers map[string]*fakeDeveloper
	cities     map[string]*fakeCity
	properties map[string]*fakeProperty
	conflicts  map[string]int
	runs       []*models.SyncRun
	updates    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		developers: make(map[string]*fakeDeveloper),
		cities:     make(map[string]*fakeCity),
		properties: make(map[string]*fakeProperty),
		conflicts:  make(map[string]int),
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) property(externalID string) *fakeProperty {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[externalID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (s *fakeStore) propertyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.properties)
}

// contents is a comparable view of the catalog
func (s *fakeStore) contents() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for ext, p := range s.properties {
		out["property:"+ext] = p.np.ContentHash
	}
	for ext, d := range s.developers {
		out["developer:"+ext] = d.ref.Name
	}
	for ext, c := range s.cities {
		out["city:"+ext] = c.ref.Name
	}
	return out
}

func (s *fakeStore) developerStore() DeveloperStore { return (*fakeDeveloperStore)(s) }
func (s *fakeStore) cityStore() CityStore           { return (*fakeCityStore)(s) }

type fakeDeveloperStore fakeStore

func (d *fakeDeveloperStore) Ensure(ctx context.Context, ref models.DeveloperRef) (*storage.EnsureResult, error) {
	s := (*fakeStore)(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.developers[ref.ExternalID]
	if !ok {
		dev := &fakeDeveloper{id: s.id(), ref: ref}
		s.developers[ref.ExternalID] = dev
		return &storage.EnsureResult{ID: dev.id, Created: true}, nil
	}
	if ref.HasDetail() && existing.ref.Name != ref.Name {
		existing.ref = ref
		return &storage.EnsureResult{ID: existing.id, Enriched: true}, nil
	}
	return &storage.EnsureResult{ID: existing.id}, nil
}

func (d *fakeDeveloperStore) Enrich(ctx context.Context, ref models.DeveloperRef) (bool, error) {
	res, err := d.Ensure(ctx, ref)
	if err != nil {
		return false, err
	}
	return res.Enriched, nil
}

func (d *fakeDeveloperStore) StubExternalIDs(ctx context.Context, externalIDs []string) ([]string, error) {
	s := (*fakeStore)(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range externalIDs {
		if dev, ok := s.developers[id]; ok && !dev.ref.HasDetail() {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeCityStore fakeStore

func (c *fakeCityStore) Ensure(ctx context.Context, ref models.CityRef) (*storage.EnsureResult, error) {
	s := (*fakeStore)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cities[ref.ExternalID]
	if !ok {
		city := &fakeCity{id: s.id(), ref: ref}
		s.cities[ref.ExternalID] = city
		return &storage.EnsureResult{ID: city.id, Created: true}, nil
	}
	if ref.HasDetail() && existing.ref.Name != ref.Name {
		existing.ref = ref
		return &storage.EnsureResult{ID: existing.id, Enriched: true}, nil
	}
	return &storage.EnsureResult{ID: existing.id}, nil
}

func (c *fakeCityStore) Enrich(ctx context.Context, ref models.CityRef) (bool, error) {
	res, err := c.Ensure(ctx, ref)
	if err != nil {
		return false, err
	}
	return res.Enriched, nil
}

func (c *fakeCityStore) StubExternalIDs(ctx context.Context, externalIDs []string) ([]string, error) {
	s := (*fakeStore)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range externalIDs {
		if city, ok := s.cities[id]; ok && !city.ref.HasDetail() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, np *models.NormalizedProperty, developerID, cityID int64, now time.Time) (*storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.conflicts[np.ExternalID]; n > 0 {
		s.conflicts[np.ExternalID] = n - 1
		return nil, apperrors.NewStorageConflictError("property", np.ExternalID, nil)
	}

	stored, ok := s.properties[np.ExternalID]
	if !ok {
		p := &fakeProperty{id: s.id(), np: *np, dev: developerID, cty: cityID, syncedAt: now}
		s.properties[np.ExternalID] = p
		return &storage.UpsertResult{ID: p.id, Outcome: models.OutcomeCreated, SyncedAt: now}, nil
	}

	incoming, current := np.ProviderUpdatedAt, stored.np.ProviderUpdatedAt
	if incoming != nil && current != nil && !incoming.After(*current) {
		return &storage.UpsertResult{ID: stored.id, Outcome: models.OutcomeUnchanged, SyncedAt: stored.syncedAt}, nil
	}
	if np.ContentHash == stored.np.ContentHash {
		if incoming != nil {
			stored.np.ProviderUpdatedAt = incoming
		}
		return &storage.UpsertResult{ID: stored.id, Outcome: models.OutcomeUnchanged, SyncedAt: stored.syncedAt}, nil
	}

	priceChanged := stored.np.Price.Currency != np.Price.Currency ||
		!sameDecimal(stored.np.Price.Min, np.Price.Min) || !sameDecimal(stored.np.Price.Max, np.Price.Max)
	stored.np = *np
	stored.dev, stored.cty = developerID, cityID
	if now.After(stored.syncedAt) {
		stored.syncedAt = now
	}
	return &storage.UpsertResult{ID: stored.id, Outcome: models.OutcomeUpdated, SyncedAt: stored.syncedAt, PriceChanged: priceChanged}, nil
}

func sameDecimal(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *fakeStore) runStore() RunStore { return (*fakeRunStore)(s) }

type fakeRunStore fakeStore

func (r *fakeRunStore) Create(ctx context.Context, run *models.SyncRun) error {
	s := (*fakeStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs = append(s.runs, &cp)
	return nil
}

func (r *fakeRunStore) Update(ctx context.Context, run *models.SyncRun) error {
	s := (*fakeStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	for i, existing := range s.runs {
		if existing.ID == run.ID {
			cp := *run
			s.runs[i] = &cp
			return nil
		}
	}
	return apperrors.NewNotFoundError("sync run", run.ID)
}

func (r *fakeRunStore) Get(ctx context.Context, id string) (*models.SyncRun, error) {
	s := (*fakeStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.ID == id {
			cp := *existing
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError("sync run", id)
}

func (r *fakeRunStore) Latest(ctx context.Context, feed string) (*models.SyncRun, error) {
	s := (*fakeStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].Feed == feed {
			cp := *s.runs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRunStore) List(ctx context.Context, feed string, limit int) ([]*models.SyncRun, error) {
	s := (*fakeStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SyncRun
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.runs[i].Feed == feed {
			cp := *s.runs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRunStore) AbandonStale(ctx context.Context, feed string, activeID string) (int64, error) {
	s := (*fakeStore)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, run := range s.runs {
		if run.Feed == feed && run.ID != activeID && !run.State.IsTerminal() {
			run.State = types.RunStateAborted
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) latestRun() *models.SyncRun {
	run, _ := s.runStore().Latest(context.Background(), "latest")
	return run
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingInvalidator) InvalidateAll(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingSink struct {
	mu           sync.Mutex
	observations []*models.PriceObservation
}

func (r *recordingSink) BatchInsert(ctx context.Context, observations []*models.PriceObservation) error {
	r.mu.Lock()
	r.observations = append(r.observations, observations...)
	r.mu.Unlock()
	return nil
}

type recordingReporter struct {
	mu   sync.Mutex
	runs []*models.SyncRun
}

func (r *recordingReporter) ReportRun(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	cp := *run
	r.runs = append(r.runs, &cp)
	r.mu.Unlock()
	return nil
}

// stepClock returns strictly increasing times
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// sessionLock is an in-memory FeedLock that, like a database session lock,
// cannot name the run holding a feed.
type sessionLock struct {
	mu     sync.Mutex
	held   map[string]*sessionLease
	leases []*sessionLease
}

func newSessionLock() *sessionLock {
	return &sessionLock{held: make(map[string]*sessionLease)}
}

func (l *sessionLock) Acquire(ctx context.Context, feed, runID string) (storage.Lease, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[feed] != nil {
		return nil, "", storage.ErrLockHeld
	}
	lease := &sessionLease{lock: l, feed: feed}
	l.held[feed] = lease
	l.leases = append(l.leases, lease)
	return lease, runID, nil
}

// lastLease returns the most recently granted lease
func (l *sessionLock) lastLease() *sessionLease {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.leases) == 0 {
		return nil
	}
	return l.leases[len(l.leases)-1]
}

type sessionLease struct {
	lock *sessionLock
	feed string
	gone bool
}

// drop ends the lease as if its session died
func (s *sessionLease) drop() {
	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()
	s.gone = true
	if s.lock.held[s.feed] == s {
		delete(s.lock.held, s.feed)
	}
}

func (s *sessionLease) Refresh(ctx context.Context) (bool, error) {
	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()
	return !s.gone, nil
}

func (s *sessionLease) Release(ctx context.Context) error {
	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()
	s.gone = true
	if s.lock.held[s.feed] == s {
		delete(s.lock.held, s.feed)
	}
	return nil
}
