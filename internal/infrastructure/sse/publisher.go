package sse

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/openportability/realtime/internal/domain/realtime"
	"github.com/openportability/realtime/internal/metrics"
)

const (
	publishTimeout = 2 * time.Second
	breakerName    = "sse-publish"
)

// Publisher sends events on the shared pub/sub channel read by every relay.
type Publisher struct {
	rdb     redis.Cmdable
	channel string
	cb      *gobreaker.CircuitBreaker[int64]
	logger  zerolog.Logger
}

// NewPublisher creates a publisher for channel. After five consecutive failures publishes
// are short-circuited for ten seconds.
func NewPublisher(rdb redis.Cmdable, channel string, logger zerolog.Logger) *Publisher {
	logger = logger.With().Str("component", "sse_publisher").Logger()
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("publish circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Publisher{
		rdb:     rdb,
		channel: channel,
		cb:      cb,
		logger:  logger,
	}
}

// Publish stamps and sends evt. Errors are logged and counted, never returned: a lost
// push only delays the browser until its next fetch.
func (p *Publisher) Publish(ctx context.Context, evt realtime.Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		metrics.SSEPublishErrors.Inc()
		p.logger.Error().Err(err).Str("type", string(evt.Type)).Msg("failed to encode sse event")
		return
	}

	receivers, err := p.cb.Execute(func() (int64, error) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return p.rdb.Publish(ctx, p.channel, data).Result()
	})
	if err != nil {
		metrics.SSEPublishErrors.Inc()
		ev := p.logger.Error()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			ev = p.logger.Debug()
		}
		ev.Err(err).Str("type", string(evt.Type)).Msg("failed to publish sse event")
		return
	}

	metrics.SSEEventsPublished.WithLabelValues(string(evt.Type)).Inc()
	p.logger.Debug().Str("type", string(evt.Type)).Int64("receivers", receivers).Msg("sse event published")
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
