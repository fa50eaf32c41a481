package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/property-catalog/internal/errors"
	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/service"
	"github.com/property-catalog/internal/types"
)

// TriggerSyncRequest is the optional body of POST /api/ops/sync
type TriggerSyncRequest struct {
	Mode        string `json:"mode"`
	MaxPages    int    `json:"maxPages"`
	MaxDuration string `json:"maxDuration"` // Go duration, e.g. "10m"
}

// handleOpsHealth handles GET /api/ops/health
func (s *Server) handleOpsHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthService == nil {
		respondCategorized(w, apperrors.NewServiceUnavailableError("health inspection"))
		return
	}

	report := s.healthService.Check(r.Context())
	status := http.StatusOK
	if report.Status == service.StatusDown {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// handleTriggerSync handles POST /api/ops/sync. A request made while a run
// is active joins it.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.syncService == nil {
		respondCategorized(w, apperrors.NewServiceUnavailableError("sync"))
		return
	}

	var body TriggerSyncRequest
	if err := parseJSONBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	req, err := body.toRunRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	result, err := s.syncService.Trigger(r.Context(), req)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Failed to start sync run")
		respondServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Joined {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

func (b TriggerSyncRequest) toRunRequest() (service.RunRequest, error) {
	req := service.RunRequest{MaxPages: b.MaxPages}

	switch mode := types.SyncMode(strings.ToLower(strings.TrimSpace(b.Mode))); mode {
	case "":
	case types.SyncModeFull, types.SyncModeIncremental, types.SyncModeResume:
		req.Mode = mode
	default:
		return req, errors.New("mode must be one of full, incremental, resume")
	}

	if b.MaxPages < 0 {
		return req, errors.New("maxPages must not be negative")
	}
	if b.MaxDuration != "" {
		d, err := time.ParseDuration(b.MaxDuration)
		if err != nil || d < 0 {
			return req, errors.New("maxDuration must be a positive duration such as 10m")
		}
		req.MaxDuration = d
	}
	return req, nil
}

// handleListRuns handles GET /api/ops/sync/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.syncService == nil {
		respondCategorized(w, apperrors.NewServiceUnavailableError("sync"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.syncService.ListRuns(r.Context(), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"data": runs})
}

// handleGetRun handles GET /api/ops/sync/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.syncService == nil {
		respondCategorized(w, apperrors.NewServiceUnavailableError("sync"))
		return
	}

	run, err := s.syncService.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"data": run})
}

// handleCancelRun handles POST /api/ops/sync/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if s.syncService == nil {
		respondCategorized(w, apperrors.NewServiceUnavailableError("sync"))
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.syncService.Cancel(id); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"runId":  id,
		"status": "cancelling",
	})
}
