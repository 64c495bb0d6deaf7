package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openportability/realtime/internal/domain/notify"
)

// NotifySender issues pg_notify on a regular (pooled) connection.
type NotifySender interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Manager is the process-wide owner of the listener. Build one in main and share it.
type Manager struct {
	listener  *Listener
	sender    NotifySender
	allowTest bool
	group     singleflight.Group
	logger    zerolog.Logger
}

// NewManager creates a manager. allowTest enables SendTest and should be false in production.
func NewManager(listener *Listener, sender NotifySender, allowTest bool, logger zerolog.Logger) *Manager {
	return &Manager{
		listener:  listener,
		sender:    sender,
		allowTest: allowTest,
		logger:    logger.With().Str("service", "pgnotify").Logger(),
	}
}

// Start starts the listener once. Concurrent callers share the in-flight attempt and its
// result; cancelling one caller's ctx does not abort the shared attempt.
func (m *Manager) Start(ctx context.Context) bool {
	v, _, _ := m.group.Do("start", func() (any, error) {
		return m.listener.Start(context.WithoutCancel(ctx)), nil
	})
	return v.(bool)
}

func (m *Manager) Stop(ctx context.Context) {
	m.listener.Stop(ctx)
}

// Restart stops the listener and starts it again on a fresh connection.
func (m *Manager) Restart(ctx context.Context) bool {
	m.listener.Stop(ctx)
	return m.Start(ctx)
}

func (m *Manager) IsRunning() bool {
	return m.listener.IsRunning()
}

func (m *Manager) Status() notify.Status {
	return m.listener.Status()
}

// SendTest emits a notification through Postgres for manual verification of the pipeline.
func (m *Manager) SendTest(ctx context.Context, channel string, payload json.RawMessage) error {
	if !m.allowTest {
		return notify.ErrTestDisabled
	}
	if channel == "" {
		return fmt.Errorf("%w: channel is required", notify.ErrUnknownChannel)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return notify.ErrMalformedPayload
	}
	if err := m.sender.Notify(ctx, channel, string(payload)); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}
	m.logger.Info().Str("channel", channel).Msg("test notification sent")
	return nil
}
