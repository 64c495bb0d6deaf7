package pgnotify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/openportability/realtime/internal/domain/notify"
	"github.com/openportability/realtime/internal/metrics"
)

// Conn is the subset of *pgx.Conn used by the listener.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// DialFunc opens a dedicated connection. It must never hand out a pooled connection:
// LISTEN state belongs to the session.
type DialFunc func(ctx context.Context) (Conn, error)

const releaseTimeout = 3 * time.Second

// Listener owns the LISTEN connection and its reconnect loop.
//
// States: stopped -> starting -> running <-> reconnecting, starting -> failed.
// Stop moves any state to stopped.
type Listener struct {
	dial           DialFunc
	registry       *Registry
	backoff        Backoff
	sleep          Sleeper
	handlerTimeout time.Duration
	logger         zerolog.Logger

	mu         sync.Mutex
	state      notify.State
	generation uint64
	attempts   int
	lastErr    error
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option configures a Listener.
type Option func(*Listener)

func WithBackoff(b Backoff) Option {
	return func(l *Listener) { l.backoff = b.normalized() }
}

func WithSleeper(s Sleeper) Option {
	return func(l *Listener) { l.sleep = s }
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.handlerTimeout = d
		}
	}
}

// NewListener creates a stopped listener for every channel in registry.
func NewListener(dial DialFunc, registry *Registry, logger zerolog.Logger, opts ...Option) *Listener {
	l := &Listener{
		dial:           dial,
		registry:       registry,
		backoff:        DefaultBackoff(),
		sleep:          SleepContext,
		handlerTimeout: 10 * time.Second,
		logger:         logger.With().Str("component", "pgnotify").Logger(),
		state:          notify.StateStopped,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start opens the connection and begins receiving. It returns true when the listener is
// running or already active; on failure the state is failed and the error is kept for Status.
func (l *Listener) Start(ctx context.Context) bool {
	l.mu.Lock()
	if l.state.Active() {
		l.mu.Unlock()
		return true
	}
	l.state = notify.StateStarting
	l.lastErr = nil
	l.generation++
	gen := l.generation
	l.mu.Unlock()

	conn, err := l.connect(ctx)

	l.mu.Lock()
	if l.generation != gen {
		l.mu.Unlock()
		if conn != nil {
			l.release(conn)
		}
		return false
	}
	if err != nil {
		l.state = notify.StateFailed
		l.lastErr = err
		l.mu.Unlock()
		l.logger.Error().Err(err).Msg("failed to start notify listener")
		return false
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.state = notify.StateRunning
	l.attempts = 0
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	metrics.ListenerRunning.Set(1)
	l.logger.Info().Int("channels", len(l.registry.Channels())).Msg("notify listener running")

	d := newDispatcher(l.registry, l.handlerTimeout, l.logger)
	go l.run(runCtx, gen, conn, d, done)
	return true
}

// Stop ends the receive loop, waits for queued handlers and closes the connection.
func (l *Listener) Stop(ctx context.Context) {
	l.mu.Lock()
	if l.state == notify.StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = notify.StateStopped
	l.generation++
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	metrics.ListenerRunning.Set(0)
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn().Msg("stop timed out waiting for notify handlers")
	}
	l.logger.Info().Msg("notify listener stopped")
}

func (l *Listener) IsRunning() bool {
	return l.State() == notify.StateRunning
}

func (l *Listener) State() notify.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) Status() notify.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := notify.Status{
		State:             l.state,
		Channels:          l.registry.Channels(),
		ReconnectAttempts: l.attempts,
		Timestamp:         time.Now().UTC(),
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	return s
}

func (l *Listener) run(ctx context.Context, gen uint64, conn Conn, d *dispatcher, done chan struct{}) {
	defer close(done)
	defer d.close()

	for {
		err := l.receive(ctx, conn, d)
		l.release(conn)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn().Err(err).Msg("listen connection lost")
		conn = l.reconnect(ctx, gen, err)
		if conn == nil {
			return
		}
	}
}

func (l *Listener) receive(ctx context.Context, conn Conn, d *dispatcher) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		metrics.NotificationsReceived.WithLabelValues(n.Channel).Inc()
		d.dispatch(ctx, n.Channel, n.Payload)
	}
}

// reconnect retries connect until it succeeds or the loop is cancelled. The delay starts
// from the seed on every call, so a successful reconnect resets the backoff.
func (l *Listener) reconnect(ctx context.Context, gen uint64, cause error) Conn {
	delay := l.backoff.Initial
	for {
		l.mu.Lock()
		if l.generation != gen {
			l.mu.Unlock()
			return nil
		}
		l.state = notify.StateReconnecting
		l.attempts++
		l.lastErr = cause
		attempt := l.attempts
		l.mu.Unlock()

		metrics.ListenerRunning.Set(0)
		metrics.ListenerReconnects.Inc()
		l.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting notify listener")

		if err := l.sleep(ctx, delay); err != nil {
			return nil
		}

		conn, err := l.connect(ctx)
		if err != nil {
			cause = err
			l.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			delay = l.backoff.Next(delay)
			continue
		}

		l.mu.Lock()
		if l.generation != gen {
			l.mu.Unlock()
			l.release(conn)
			return nil
		}
		l.state = notify.StateRunning
		l.attempts = 0
		l.lastErr = nil
		l.mu.Unlock()

		metrics.ListenerRunning.Set(1)
		l.logger.Info().Int("attempts", attempt).Msg("notify listener reconnected")
		return conn
	}
}

func (l *Listener) connect(ctx context.Context) (Conn, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial listen connection: %w", err)
	}
	for _, ch := range l.registry.Channels() {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{string(ch)}.Sanitize()); err != nil {
			l.release(conn)
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return conn, nil
}

// release drops every subscription and closes conn. Both steps are best effort: a
// connection that was already lost has nothing left to unlisten.
func (l *Listener) release(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		l.logger.Debug().Err(err).Msg("unlisten failed")
	}
	if err := conn.Close(ctx); err != nil {
		l.logger.Debug().Err(err).Msg("close listen connection failed")
	}
}
