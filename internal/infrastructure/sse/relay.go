package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openportability/realtime/internal/domain/realtime"
	"github.com/openportability/realtime/internal/metrics"
)

// ErrUnavailable is returned by Serve before anything was written to the response, when
// the stream cannot be set up. Callers answer with 503.
var ErrUnavailable = errors.New("event stream unavailable")

// Subscriber opens a dedicated pub/sub connection. *redis.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Relay streams the shared pub/sub channel to one browser per request.
type Relay struct {
	sub       Subscriber
	channel   string
	heartbeat time.Duration
	hub       *Hub
	logger    zerolog.Logger
}

func NewRelay(sub Subscriber, channel string, heartbeat time.Duration, hub *Hub, logger zerolog.Logger) *Relay {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Relay{
		sub:       sub,
		channel:   channel,
		heartbeat: heartbeat,
		hub:       hub,
		logger:    logger.With().Str("component", "sse_relay").Logger(),
	}
}

// Serve runs one stream until the client goes away, a write fails, the pub/sub connection
// closes or the hub stops. viewer decides which events the client may see.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, viewer realtime.Viewer) error {
	id := uuid.NewString()
	logger := r.logger.With().Str("stream_id", id).Bool("authenticated", !viewer.Anonymous()).Logger()
	logger.Debug().Str("state", "connecting").Msg("sse stream")

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug().Err(err).Msg("could not clear write deadline")
	}

	ps := r.sub.Subscribe(ctx, r.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		logger.Warn().Err(err).Msg("sse subscribe failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !r.hub.Register(id, viewer, cancel) {
		return fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	defer r.hub.Unregister(id)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger.Debug().Str("state", "streaming").Msg("sse stream")
	defer func() { logger.Debug().Str("state", "closed").Msg("sse stream") }()

	hello, err := connectedEvent(viewer)
	if err != nil {
		return err
	}
	if err := writeData(w, rc, hello); err != nil {
		return err
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	messages := ps.Channel(redis.WithChannelSize(256))

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str("state", "closing").Msg("sse stream")
			return nil
		case t := <-ticker.C:
			if err := writeComment(w, rc, "heartbeat "+strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
				return err
			}
		case msg, ok := <-messages:
			if !ok {
				logger.Info().Str("state", "closing").Msg("pub/sub channel closed")
				return nil
			}
			if err := r.forward(w, rc, viewer, msg.Payload, logger); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) forward(w http.ResponseWriter, rc *http.ResponseController, viewer realtime.Viewer, payload string, logger zerolog.Logger) error {
	var evt realtime.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		logger.Warn().Err(err).Msg("skipping undecodable pub/sub message")
		return nil
	}
	if !evt.VisibleTo(viewer) {
		metrics.SSEEventsFiltered.Inc()
		return nil
	}
	if err := writeData(w, rc, []byte(payload)); err != nil {
		return err
	}
	metrics.SSEEventsDelivered.WithLabelValues(string(evt.Type)).Inc()
	return nil
}

func connectedEvent(viewer realtime.Viewer) ([]byte, error) {
	payload, err := json.Marshal(map[string]bool{"authenticated": !viewer.Anonymous()})
	if err != nil {
		return nil, err
	}
	evt := realtime.NewEvent(realtime.EventConnected, payload)
	evt.UserID = viewer.UserID
	return json.Marshal(evt)
}

func writeData(w http.ResponseWriter, rc *http.ResponseController, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

func writeComment(w http.ResponseWriter, rc *http.ResponseController, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return err
	}
	return rc.Flush()
}
