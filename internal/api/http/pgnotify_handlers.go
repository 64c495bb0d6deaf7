package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/openportability/realtime/internal/domain/notify"
)

type pgNotifyStatus struct {
	Status            string           `json:"status"`
	State             notify.State     `json:"state"`
	Channels          []notify.Channel `json:"channels"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	LastError         string           `json:"last_error,omitempty"`
	Timestamp         time.Time        `json:"timestamp"`
}

type pgNotifyRequest struct {
	Action  string          `json:"action" validate:"required"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type pgNotifyResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Status  *pgNotifyStatus `json:"status,omitempty"`
}

// listenerStatus reports status "running" while the listener owns or is acquiring its
// connection (starting, running, reconnecting) and "stopped" otherwise; state carries the
// exact phase.
func (s *Server) listenerStatus() *pgNotifyStatus {
	st := s.manager.Status()
	label := "stopped"
	if st.State.Active() {
		label = "running"
	}
	return &pgNotifyStatus{
		Status:            label,
		State:             st.State,
		Channels:          st.Channels,
		ReconnectAttempts: st.ReconnectAttempts,
		LastError:         st.LastError,
		Timestamp:         st.Timestamp,
	}
}

func (s *Server) getPgNotify(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.listenerStatus())
}

func (s *Server) postPgNotify(w http.ResponseWriter, r *http.Request) {
	var req pgNotifyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := r.Context()

	switch req.Action {
	case "start":
		s.respondLifecycle(w, s.manager.Start(ctx), "listener started", "listener failed to start")
	case "restart":
		s.respondLifecycle(w, s.manager.Restart(ctx), "listener restarted", "listener failed to restart")
	case "stop":
		s.manager.Stop(ctx)
		s.respondLifecycle(w, true, "listener stopped", "")
	case "test":
		if err := s.manager.SendTest(ctx, req.Channel, req.Payload); err != nil {
			switch {
			case errors.Is(err, notify.ErrTestDisabled):
				respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
			case errors.Is(err, notify.ErrUnknownChannel), errors.Is(err, notify.ErrMalformedPayload):
				respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			default:
				s.logger.Error().Err(err).Str("channel", req.Channel).Msg("test notification failed")
				respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			}
			return
		}
		respondJSON(w, http.StatusOK, pgNotifyResult{Success: true, Message: "test notification sent on " + req.Channel})
	default:
		respondError(w, http.StatusBadRequest, "INVALID_ACTION", "action must be one of start, stop, restart, test")
	}
}

func (s *Server) respondLifecycle(w http.ResponseWriter, ok bool, okMsg, failMsg string) {
	status := http.StatusOK
	msg := okMsg
	if !ok {
		status = http.StatusServiceUnavailable
		msg = failMsg
	}
	respondJSON(w, status, pgNotifyResult{Success: ok, Message: msg, Status: s.listenerStatus()})
}
