package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	gojson "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openportability/realtime/internal/domain/notify"
	"github.com/openportability/realtime/internal/domain/realtime"
)

// NotifyManager controls the notification listener.
type NotifyManager interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context)
	Restart(ctx context.Context) bool
	IsRunning() bool
	Status() notify.Status
	SendTest(ctx context.Context, channel string, payload json.RawMessage) error
}

// CacheService exposes the refresh fallbacks and the node-type change log.
type CacheService interface {
	RefreshGlobalStats(ctx context.Context) error
	RefreshUserStats(ctx context.Context, userID string) error
	RefreshMastodonInstances(ctx context.Context) error
	NodeTypeChangesSince(ctx context.Context, since int64) ([]notify.NodeTypeChange, int64, error)
}

// StreamRelay serves one SSE stream.
type StreamRelay interface {
	Serve(w http.ResponseWriter, r *http.Request, viewer realtime.Viewer) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options carries the security settings of the HTTP surface.
type Options struct {
	// InternalAPIKey guards /internal/*. Empty disables the check.
	InternalAPIKey string
	// JWTSecret verifies bearer tokens on /sse. Empty treats every stream as anonymous.
	JWTSecret string
	// InternalRateLimit is the per-IP request budget per minute on /internal/*.
	InternalRateLimit int
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	manager     NotifyManager
	cache       CacheService
	relay       StreamRelay
	redisHealth HealthCheck
	opts        Options
	logger      zerolog.Logger
}

func NewServer(
	manager NotifyManager,
	cache CacheService,
	relay StreamRelay,
	redisHealth HealthCheck,
	opts Options,
	logger zerolog.Logger,
) *Server {
	if opts.InternalRateLimit <= 0 {
		opts.InternalRateLimit = 60
	}
	return &Server{
		manager:     manager,
		cache:       cache,
		relay:       relay,
		redisHealth: redisHealth,
		opts:        opts,
		logger:      logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	// Streams are long-lived and stay outside the request timeout.
	r.With(s.resolveViewer).Get("/sse", s.sseStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/graph/node-type-changes", s.nodeTypeChanges)

		r.Route("/internal", func(r chi.Router) {
			r.Use(httprate.LimitByIP(s.opts.InternalRateLimit, time.Minute))
			r.Use(s.requireInternalKey)

			r.Get("/pg-notify", s.getPgNotify)
			r.Post("/pg-notify", s.postPgNotify)

			r.Route("/cache", func(r chi.Router) {
				r.Post("/global-stats/refresh", s.refreshGlobalStats)
				r.Post("/user-stats/refresh", s.refreshUserStats)
				r.Post("/mastodon-instances/refresh", s.refreshMastodonInstances)
			})
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"status":   "ok",
		"listener": s.manager.Status().State,
		"redis":    "ok",
	}
	status := http.StatusOK
	if s.redisHealth != nil {
		if err := s.redisHealth(ctx); err != nil {
			resp["status"] = "degraded"
			resp["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if !s.manager.IsRunning() {
		resp["status"] = "degraded"
	}
	respondJSON(w, status, resp)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = gojson.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// decodeBody decodes a JSON body strictly and checks its validate tags. An empty body
// leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body != nil {
		dec := gojson.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return validate.Struct(v)
}
