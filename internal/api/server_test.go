package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/models"
	"github.com/property-catalog/internal/service"
	"github.com/property-catalog/internal/types"
)

type fakeQueryService struct {
	lastInput *service.QueryInput
	result    *service.QueryResult
	err       error
	property  *models.Property
	listErr   error
}

func (f *fakeQueryService) Query(ctx context.Context, input *service.QueryInput) (*service.QueryResult, error) {
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeQueryService) EmptyResult(ctx context.Context, input *service.QueryInput) *service.QueryResult {
	return &service.QueryResult{
		Items:      []*models.Property{},
		Pagination: service.PaginationInfo{Limit: 20, Page: 1},
	}
}

func (f *fakeQueryService) GetProperty(ctx context.Context, key string, include service.Include) (*models.Property, error) {
	if f.property == nil || (key != f.property.Slug && key != "1") {
		return nil, apperrors.NewNotFoundError("property", key)
	}
	return f.property, nil
}

func (f *fakeQueryService) ListDevelopers(ctx context.Context, limit, offset int) (*service.DeveloperList, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &service.DeveloperList{
		Items:      []*models.Developer{{ID: 1, Name: "Emaar", PropertyCount: 3}},
		Pagination: service.PaginationInfo{TotalCount: 1, Limit: limit, Offset: offset},
	}, nil
}

func (f *fakeQueryService) ListCities(ctx context.Context, limit, offset int) (*service.CityList, error) {
	return &service.CityList{
		Items:      []*models.City{{ID: 7, Name: "Dubai"}},
		Pagination: service.PaginationInfo{TotalCount: 1, Limit: limit, Offset: offset},
	}, nil
}

type fakeSyncService struct {
	lastReq   service.RunRequest
	joined    bool
	cancelled []string
	runs      []*models.SyncRun
}

func (f *fakeSyncService) Trigger(ctx context.Context, req service.RunRequest) (*service.TriggerResult, error) {
	f.lastReq = req
	return &service.TriggerResult{RunID: "run-1", Joined: f.joined}, nil
}

func (f *fakeSyncService) Cancel(runID string) error {
	if runID != "run-1" {
		return apperrors.NewNotFoundError("active sync run", runID)
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeSyncService) GetRun(ctx context.Context, id string) (*models.SyncRun, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, apperrors.NewNotFoundError("sync run", id)
}

func (f *fakeSyncService) ListRuns(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	return f.runs, nil
}

type fakeHealthService struct{ report *service.HealthReport }

func (f *fakeHealthService) Check(ctx context.Context) *service.HealthReport { return f.report }

func createTestServer(q *fakeQueryService, s *fakeSyncService, opsToken string) *Server {
	cfg := &ServerConfig{Host: "localhost", Port: "0", RequestsPerSec: 1000, Burst: 1000, OpsToken: opsToken}
	var syncSvc SyncServiceInterface
	if s != nil {
		syncSvc = s
	}
	health := &fakeHealthService{report: &service.HealthReport{
		Status: service.StatusOK,
		Config: map[string]bool{"provider_api_key": true},
	}}
	return NewServer(cfg, q, syncSvc, health)
}

func serve(srv *Server, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	w := serve(createTestServer(&fakeQueryService{}, nil, ""), "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestQueryProperties_PassesParsedFilters(t *testing.T) {
	q := &fakeQueryService{result: &service.QueryResult{
		Items: []*models.Property{
			{ID: 3, Title: "Creek Vista", Status: types.StatusAvailable, CityID: 7},
		},
		Pagination: service.PaginationInfo{TotalCount: 3, Limit: 20, Page: 1, TotalPages: 1},
	}}
	w := serve(createTestServer(q, nil, ""), "GET", "/api/properties?status=available&city=7&include_developer=true&unknown=1", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, q.lastInput)
	assert.Equal(t, []types.PropertyStatus{types.StatusAvailable}, q.lastInput.Statuses)
	require.NotNil(t, q.lastInput.CityID)
	assert.Equal(t, int64(7), *q.lastInput.CityID)
	assert.True(t, q.lastInput.Include.Developer)

	body := decode(t, w)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, float64(3), body["pagination"].(map[string]interface{})["totalCount"])
}

func TestQueryProperties_FailureDegradesToEmptyPage(t *testing.T) {
	q := &fakeQueryService{err: apperrors.NewDatabaseError("count properties", errors.New("connection reset"))}
	w := serve(createTestServer(q, nil, ""), "GET", "/api/properties", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []interface{}{}, body["data"])
	assert.Equal(t, float64(0), body["pagination"].(map[string]interface{})["totalCount"])
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestGetProperty(t *testing.T) {
	q := &fakeQueryService{property: &models.Property{ID: 1, Slug: "creek-vista", Title: "Creek Vista"}}
	srv := createTestServer(q, nil, "")

	w := serve(srv, "GET", "/api/properties/creek-vista", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Creek Vista", decode(t, w)["data"].(map[string]interface{})["title"])

	w = serve(srv, "GET", "/api/properties/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.CodeNotFound, decode(t, w)["error"].(map[string]interface{})["code"])
}

func TestListDevelopersAndCities(t *testing.T) {
	srv := createTestServer(&fakeQueryService{}, nil, "")

	w := serve(srv, "GET", "/api/developers?limit=5&page=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	pagination := decode(t, w)["pagination"].(map[string]interface{})
	assert.Equal(t, float64(5), pagination["limit"])
	assert.Equal(t, float64(5), pagination["offset"])

	w = serve(srv, "GET", "/api/cities", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)
}

func TestListDevelopers_InternalErrorIsNotLeaked(t *testing.T) {
	q := &fakeQueryService{listErr: errors.New("pq: password authentication failed")}
	w := serve(createTestServer(q, nil, ""), "GET", "/api/developers", nil, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestOpsRoutes_RequireToken(t *testing.T) {
	srv := createTestServer(&fakeQueryService{}, &fakeSyncService{}, "s3cret")

	w := serve(srv, "GET", "/api/ops/health", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeUnauthorized, decode(t, w)["error"].(map[string]interface{})["code"])

	w = serve(srv, "GET", "/api/ops/health", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(srv, "GET", "/api/ops/health", nil, map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, service.StatusOK, body["status"])
	assert.Equal(t, true, body["config"].(map[string]interface{})["provider_api_key"])

	// the liveness check stays open
	w = serve(srv, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriggerSync(t *testing.T) {
	s := &fakeSyncService{}
	srv := createTestServer(&fakeQueryService{}, s, "")

	w := serve(srv, "POST", "/api/ops/sync", []byte(`{"mode":"full","maxPages":3,"maxDuration":"10m"}`), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "run-1", decode(t, w)["runId"])
	assert.Equal(t, types.SyncModeFull, s.lastReq.Mode)
	assert.Equal(t, 3, s.lastReq.MaxPages)
	assert.Equal(t, "10m0s", s.lastReq.MaxDuration.String())

	w = serve(srv, "POST", "/api/ops/sync", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, types.SyncMode(""), s.lastReq.Mode)

	s.joined = true
	w = serve(srv, "POST", "/api/ops/sync", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["joined"])
}

func TestTriggerSync_InvalidBody(t *testing.T) {
	srv := createTestServer(&fakeQueryService{}, &fakeSyncService{}, "")

	for _, body := range []string{`{"mode":"sideways"}`, `{"maxPages":-1}`, `{"maxDuration":"soon"}`, `not json`, `{"extra":1}`} {
		w := serve(srv, "POST", "/api/ops/sync", []byte(body), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestSyncRuns(t *testing.T) {
	s := &fakeSyncService{runs: []*models.SyncRun{{ID: "run-1", Feed: "latest", State: types.RunStateCompleted}}}
	srv := createTestServer(&fakeQueryService{}, s, "")

	w := serve(srv, "GET", "/api/ops/sync/runs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	w = serve(srv, "GET", "/api/ops/sync/runs/run-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(srv, "GET", "/api/ops/sync/runs/run-9", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(srv, "POST", "/api/ops/sync/runs/run-1/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"run-1"}, s.cancelled)

	w = serve(srv, "POST", "/api/ops/sync/runs/run-9/cancel", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncRoutes_WithoutSyncService(t *testing.T) {
	srv := createTestServer(&fakeQueryService{}, nil, "")
	w := serve(srv, "POST", "/api/ops/sync", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	apiErr := decode(t, w)["error"].(map[string]interface{})
	assert.Equal(t, ErrCodeServiceUnavailable, apiErr["code"])
	assert.Equal(t, "sync", apiErr["details"].(map[string]interface{})["service"])
}

func TestRateLimit(t *testing.T) {
	cfg := &ServerConfig{Host: "localhost", Port: "0", RequestsPerSec: 1, Burst: 1}
	srv := NewServer(cfg, &fakeQueryService{}, nil, nil)

	headers := map[string]string{"X-Forwarded-For": "203.0.113.9"}
	assert.Equal(t, http.StatusOK, serve(srv, "GET", "/health", nil, headers).Code)

	w := serve(srv, "GET", "/health", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	apiErr := decode(t, w)["error"].(map[string]interface{})
	assert.Equal(t, ErrCodeRateLimited, apiErr["code"])
	assert.Equal(t, float64(1), apiErr["details"].(map[string]interface{})["retryAfter"])

	other := map[string]string{"X-Forwarded-For": "198.51.100.4"}
	assert.Equal(t, http.StatusOK, serve(srv, "GET", "/health", nil, other).Code)
}

func TestCompressionAndCORS(t *testing.T) {
	srv := createTestServer(&fakeQueryService{}, nil, "")

	w := serve(srv, "GET", "/health", nil, map[string]string{"Accept-Encoding": "gzip"})
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	w = serve(srv, "OPTIONS", "/api/properties", nil, map[string]string{
		"Origin":                        "http://localhost:5173",
		"Access-Control-Request-Method": "GET",
	})
	assert.True(t, w.Code < 300, "preflight status %d", w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "GET"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
