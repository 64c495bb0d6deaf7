package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/openportability/realtime/internal/domain/notify"
)

type refreshUserStatsRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (s *Server) refreshGlobalStats(w http.ResponseWriter, r *http.Request) {
	s.respondRefresh(w, "global stats", s.cache.RefreshGlobalStats(r.Context()))
}

func (s *Server) refreshUserStats(w http.ResponseWriter, r *http.Request) {
	var req refreshUserStatsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	s.respondRefresh(w, "user stats", s.cache.RefreshUserStats(r.Context(), req.UserID))
}

func (s *Server) refreshMastodonInstances(w http.ResponseWriter, r *http.Request) {
	s.respondRefresh(w, "mastodon instances", s.cache.RefreshMastodonInstances(r.Context()))
}

func (s *Server) respondRefresh(w http.ResponseWriter, what string, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": what + " refreshed",
		})
	case errors.Is(err, notify.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, notify.ErrInvalidPayload):
		respondError(w, http.StatusUnprocessableEntity, "INVALID_SOURCE", err.Error())
	default:
		s.logger.Error().Err(err).Str("cache", what).Msg("cache refresh failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) nodeTypeChanges(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "since must be a unix timestamp in milliseconds")
			return
		}
		since = v
	}

	changes, version, err := s.cache.NodeTypeChangesSince(r.Context(), since)
	if err != nil {
		s.logger.Error().Err(err).Msg("read node type changes failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "node type changes unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": version,
		"changes": changes,
	})
}
