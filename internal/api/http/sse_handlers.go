package httpapi

import (
	"errors"
	"net/http"

	"github.com/openportability/realtime/internal/infrastructure/sse"
)

func (s *Server) sseStream(w http.ResponseWriter, r *http.Request) {
	err := s.relay.Serve(w, r, viewerFromContext(r.Context()))
	switch {
	case err == nil:
	case errors.Is(err, sse.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream unavailable")
	default:
		s.logger.Debug().Err(err).Msg("sse stream ended with error")
	}
}
