package api

import (
	"errors"
	"net/http"

	"aegis/core"
	"aegis/feeds"
	"aegis/ingest"
	"aegis/storage"

	"github.com/gorilla/mux"
)

// broadcastRequest identifies or describes the threat to broadcast.
// Either an existing threat ID or an inline candidate must be provided.
type broadcastRequest struct {
	ThreatID  string                `json:"threat_id,omitempty"`
	Candidate *core.ThreatCandidate `json:"candidate,omitempty"`
}

// handleBroadcast pushes a threat to every active subscription, bypassing
// filters. Inline candidates still pass through the full ingestion path
// first, so a broadcast can never skip validation or dedup.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, s.logger)
		return
	}

	var threat *core.ThreatRecord
	switch {
	case req.ThreatID != "":
		var err error
		threat, err = s.threats.GetThreat(r.Context(), req.ThreatID)
		if err != nil {
			if errors.Is(err, storage.ErrThreatNotFound) {
				writeError(w, http.StatusNotFound, "threat not found", nil, s.logger)
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load threat", err, s.logger)
			return
		}
	case req.Candidate != nil:
		result, err := s.gateway.Ingest(r.Context(), req.Candidate)
		if err != nil {
			var verr *ingest.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Error(), nil, s.logger)
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to ingest broadcast candidate", err, s.logger)
			return
		}
		threat = result.Record
	default:
		writeError(w, http.StatusBadRequest, "either threat_id or candidate is required", nil, s.logger)
		return
	}

	if threat.DuplicateOf != "" {
		writeError(w, http.StatusConflict, "cannot broadcast a merged duplicate record", nil, s.logger)
		return
	}

	s.matcher.Broadcast(threat)
	s.logger.Infow("Emergency broadcast queued",
		"threat_id", threat.ID, "severity", threat.Severity)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"threat_id": threat.ID,
		"status":    "broadcast queued",
	}, s.logger)
}

// handleListSources returns the status of every registered feed source
func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	if s.feedManager == nil {
		writeError(w, http.StatusNotFound, "feeds are disabled", nil, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": s.feedManager.Status(),
	}, s.logger)
}

// handleFetchSource triggers an immediate fetch of one source
func (s *Server) handleFetchSource(w http.ResponseWriter, r *http.Request) {
	if s.feedManager == nil {
		writeError(w, http.StatusNotFound, "feeds are disabled", nil, s.logger)
		return
	}
	name := mux.Vars(r)["name"]

	result, err := s.feedManager.FetchSource(r.Context(), name)
	if err != nil {
		switch {
		case errors.Is(err, feeds.ErrSourceNotFound):
			writeError(w, http.StatusNotFound, "source not found", nil, s.logger)
		case errors.Is(err, feeds.ErrFetchInProgress):
			writeError(w, http.StatusConflict, "fetch already in progress", nil, s.logger)
		default:
			writeError(w, http.StatusBadGateway, "source fetch failed", err, s.logger)
		}
		return
	}

	writeJSON(w, http.StatusOK, result, s.logger)
}
