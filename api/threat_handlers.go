package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aegis/core"
	"aegis/ingest"
	"aegis/storage"

	"github.com/gorilla/mux"
)

// threatListResponse is the paginated threat query body
type threatListResponse struct {
	Threats []core.ThreatRecord `json:"threats"`
	Total   int64               `json:"total"`
	HasMore bool                `json:"hasMore"`
}

// duplicateDetail explains a 409 duplicate rejection
type duplicateDetail struct {
	OriginalThreatID string  `json:"originalThreatId"`
	SimilarityScore  float64 `json:"similarityScore"`
	Reason           string  `json:"reason"`
}

// duplicateResponse is the 409 body for duplicate submissions
type duplicateResponse struct {
	Error     string          `json:"error"`
	Duplicate duplicateDetail `json:"duplicate"`
}

// handleSubmitThreat ingests one candidate.
// New records return 201; candidates merged into an existing record return 409
// with the canonical record's identity so the client can follow up.
func (s *Server) handleSubmitThreat(w http.ResponseWriter, r *http.Request) {
	var candidate core.ThreatCandidate
	if err := decodeJSONBody(w, r, &candidate); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, s.logger)
		return
	}

	result, err := s.gateway.Ingest(r.Context(), &candidate)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error(), nil, s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to ingest threat", err, s.logger)
		return
	}

	if result.IsDuplicate {
		writeJSON(w, http.StatusConflict, duplicateResponse{
			Error: "duplicate threat",
			Duplicate: duplicateDetail{
				OriginalThreatID: result.Record.ID,
				SimilarityScore:  result.Correlation.Score,
				Reason:           result.Correlation.Reason,
			},
		}, s.logger)
		return
	}

	writeJSON(w, http.StatusCreated, result.Record, s.logger)
}

// parseThreatFilter builds a query filter from request parameters
func parseThreatFilter(r *http.Request) *storage.ThreatQueryFilter {
	q := r.URL.Query()
	filter := &storage.ThreatQueryFilter{}

	for _, t := range splitParam(q.Get("type")) {
		filter.Types = append(filter.Types, core.ThreatType(t))
	}
	for _, sev := range splitParam(q.Get("severity")) {
		filter.Severities = append(filter.Severities, core.Severity(sev))
	}
	filter.Sources = splitParam(q.Get("source"))
	for _, st := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, core.ThreatStatus(st))
	}
	filter.TargetType = core.TargetType(q.Get("target_type"))
	filter.TargetValue = q.Get("target_value")
	filter.Tags = splitParam(q.Get("tags"))
	if mc := q.Get("min_confidence"); mc != "" {
		if parsed, err := strconv.Atoi(mc); err == nil {
			filter.MinConfidence = parsed
		}
	}
	if sd := q.Get("start_date"); sd != "" {
		if parsed, err := time.Parse(time.RFC3339, sd); err == nil {
			filter.StartDate = &parsed
		}
	}
	if ed := q.Get("end_date"); ed != "" {
		if parsed, err := time.Parse(time.RFC3339, ed); err == nil {
			filter.EndDate = &parsed
		}
	}
	filter.IncludeExpired = q.Get("include_expired") == "true"

	return filter
}

func splitParam(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// handleListThreats queries threats with filters, sorting and pagination
func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	filter := parseThreatFilter(r)
	page := parsePagination(r)
	opts := &storage.ThreatQueryOptions{
		SortBy:    r.URL.Query().Get("sort_by"),
		SortOrder: r.URL.Query().Get("sort_order"),
		Limit:     page.Limit,
		Offset:    page.Offset,
	}

	threats, total, err := s.threats.QueryThreats(r.Context(), filter, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query threats", err, s.logger)
		return
	}
	if threats == nil {
		threats = []core.ThreatRecord{}
	}

	writeJSON(w, http.StatusOK, threatListResponse{
		Threats: threats,
		Total:   total,
		HasMore: int64(page.Offset+len(threats)) < total,
	}, s.logger)
}

// handleSearchThreats performs text search over threat content and targets
func (s *Server) handleSearchThreats(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) < 2 {
		writeError(w, http.StatusBadRequest, "search query must be at least 2 characters", nil, s.logger)
		return
	}

	page := parsePagination(r)
	results, err := s.threats.SearchThreats(r.Context(), query, page.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed", err, s.logger)
		return
	}
	if results == nil {
		results = []core.ThreatRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threats": results,
		"query":   query,
	}, s.logger)
}

// handleGetThreat returns one threat by ID
func (s *Server) handleGetThreat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	threat, err := s.threats.GetThreat(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrThreatNotFound) {
			writeError(w, http.StatusNotFound, "threat not found", nil, s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load threat", err, s.logger)
		return
	}

	writeJSON(w, http.StatusOK, threat, s.logger)
}

// statusUpdateRequest is the body for status transitions
type statusUpdateRequest struct {
	Status core.ThreatStatus `json:"status"`
}

// handleUpdateThreatStatus transitions a threat's lifecycle status.
// The current status is read first and passed as the transition guard, so a
// concurrent transition surfaces as a conflict instead of silently winning.
func (s *Server) handleUpdateThreatStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req statusUpdateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, s.logger)
		return
	}
	if !req.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status", nil, s.logger)
		return
	}

	current, err := s.threats.GetThreat(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrThreatNotFound) {
			writeError(w, http.StatusNotFound, "threat not found", nil, s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load threat", err, s.logger)
		return
	}

	err = s.threats.UpdateThreatStatus(r.Context(), id, current.Status, req.Status)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error(), nil, s.logger)
			return
		}
		if errors.Is(err, storage.ErrThreatNotFound) {
			writeError(w, http.StatusNotFound, "threat not found", nil, s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update status", err, s.logger)
		return
	}

	updated, err := s.threats.GetThreat(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load threat", err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, updated, s.logger)
}
