package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openportability/realtime/internal/domain/notify"
)

// NodeRepository implements notify.NodeRepository.
type NodeRepository struct {
	pool *pgxpool.Pool
}

func NewNodeRepository(pool *pgxpool.Pool) *NodeRepository {
	return &NodeRepository{pool: pool}
}

func (r *NodeRepository) SetNodeType(ctx context.Context, twitterID, nodeType string) (string, error) {
	var coordHash string
	err := r.pool.QueryRow(ctx, `
		UPDATE graph_nodes
		SET node_type=$2, updated_at=now()
		WHERE twitter_id=$1
		RETURNING coord_hash
	`, twitterID, nodeType).Scan(&coordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notify.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return coordHash, nil
}
