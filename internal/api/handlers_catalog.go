package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/property-catalog/internal/logging"
	"github.com/property-catalog/internal/service"
)

// handleQueryProperties handles GET /api/properties. Any failure degrades
// to an empty page with status 200.
func (s *Server) handleQueryProperties(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	input := service.ParseQueryParams(r.URL.Query())

	result, err := s.queryService.Query(ctx, input)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Property query failed, returning empty page")
		result = s.queryService.EmptyResult(ctx, input)
	}

	respondJSON(w, http.StatusOK, result)
}

// handleGetProperty handles GET /api/properties/{key}, where key is an id or slug
func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	include := service.ParseQueryParams(r.URL.Query()).Include

	property, err := s.queryService.GetProperty(r.Context(), key, include)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"data": property})
}

// handleListDevelopers handles GET /api/developers
func (s *Server) handleListDevelopers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)

	list, err := s.queryService.ListDevelopers(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, list)
}

// handleListCities handles GET /api/cities
func (s *Server) handleListCities(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)

	list, err := s.queryService.ListCities(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, list)
}

// parsePage reads limit and offset; malformed values are left to the
// service defaults.
func parsePage(r *http.Request) (int, int) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 && limit > 0 {
		offset = (page - 1) * limit
	}
	return limit, offset
}
