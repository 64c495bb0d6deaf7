package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openportability/realtime/internal/domain/notify"
	"github.com/openportability/realtime/internal/metrics"
)

const queueSize = 1024

// dispatcher fans notifications out to one worker per channel, which keeps delivery FIFO
// within a channel while channels proceed independently.
type dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	queues map[notify.Channel]chan notify.Event
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher(registry *Registry, timeout time.Duration, logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		queues:   make(map[notify.Channel]chan notify.Event),
	}
}

// dispatch validates a raw notification and queues it. It blocks only when the channel's
// queue is full, and gives up when ctx ends.
func (d *dispatcher) dispatch(ctx context.Context, channel, payload string) {
	evt, err := notify.NewEvent(channel, payload)
	if err != nil {
		metrics.NotificationsDropped.WithLabelValues("malformed").Inc()
		d.logger.Warn().Str("channel", channel).Int("payload_bytes", len(payload)).Msg("dropping notification with malformed payload")
		return
	}
	if _, ok := d.registry.Lookup(evt.Channel); !ok {
		metrics.NotificationsDropped.WithLabelValues("unknown_channel").Inc()
		d.logger.Error().Str("channel", channel).Msg("no handler for channel, trigger and registry disagree")
		return
	}

	q := d.queue(evt.Channel)
	if q == nil {
		return
	}
	select {
	case q <- evt:
	case <-ctx.Done():
	}
}

func (d *dispatcher) queue(ch notify.Channel) chan notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	q, ok := d.queues[ch]
	if !ok {
		q = make(chan notify.Event, queueSize)
		d.queues[ch] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	return q
}

func (d *dispatcher) worker(q <-chan notify.Event) {
	defer d.wg.Done()
	for evt := range q {
		d.invoke(evt)
	}
}

func (d *dispatcher) invoke(evt notify.Event) {
	h, ok := d.registry.Lookup(evt.Channel)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err := safeHandle(ctx, h, evt)
	metrics.HandlerDuration.WithLabelValues(string(evt.Channel)).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	if errors.Is(err, notify.ErrInvalidPayload) {
		metrics.NotificationsDropped.WithLabelValues("invalid_payload").Inc()
		d.logger.Warn().Err(err).Str("channel", string(evt.Channel)).Str("payload", evt.Summary()).Msg("dropping notification with invalid payload")
		return
	}
	metrics.HandlerErrors.WithLabelValues(string(evt.Channel)).Inc()
	d.logger.Error().Err(err).Str("channel", string(evt.Channel)).Str("payload", evt.Summary()).Msg("notification handler failed")
}

// close stops accepting events and waits until queued events are handled.
// Only the receive goroutine calls dispatch and close.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func safeHandle(ctx context.Context, h Handler, evt notify.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}
