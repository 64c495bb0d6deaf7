package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openportability/realtime/internal/domain/notify"
)

// StatsRepository implements notify.StatsRepository. Rows are rendered in the same shape
// the invalidation triggers emit.
type StatsRepository struct {
	pool *pgxpool.Pool
}

func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

func (r *StatsRepository) GlobalStats(ctx context.Context) (json.RawMessage, error) {
	return r.queryJSON(ctx, `
		SELECT json_build_object(
			'users', users,
			'connections', connections,
			'updated_at', updated_at
		)
		FROM global_stats_cache
		ORDER BY updated_at DESC
		LIMIT 1
	`)
}

func (r *StatsRepository) UserStats(ctx context.Context, userID string) (json.RawMessage, error) {
	return r.queryJSON(ctx, `
		SELECT json_build_object(
			'user_id', user_id,
			'stats', stats,
			'updated_at', updated_at
		)
		FROM user_stats_cache
		WHERE user_id::text=$1
	`, userID)
}

func (r *StatsRepository) queryJSON(ctx context.Context, sql string, args ...any) (json.RawMessage, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notify.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
