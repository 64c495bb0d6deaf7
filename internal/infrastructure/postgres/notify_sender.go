package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifySender emits notifications through the regular pool.
type NotifySender struct {
	pool *pgxpool.Pool
}

func NewNotifySender(pool *pgxpool.Pool) *NotifySender {
	return &NotifySender{pool: pool}
}

func (s *NotifySender) Notify(ctx context.Context, channel, payload string) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}
