package notify

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . InstanceRepository,NodeRepository,StatsRepository

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrNotFound = errors.New("source row not found")

// InstanceRepository reads the Mastodon instances known to the app.
type InstanceRepository interface {
	ListInstances(ctx context.Context) ([]string, error)
}

// NodeRepository updates graph node rows.
type NodeRepository interface {
	// SetNodeType writes node_type for the node of a twitter account and returns its coord hash.
	SetNodeType(ctx context.Context, twitterID, nodeType string) (string, error)
}

// StatsRepository reads statistics rows used to bootstrap the cache.
type StatsRepository interface {
	GlobalStats(ctx context.Context) (json.RawMessage, error)
	UserStats(ctx context.Context, userID string) (json.RawMessage, error)
}
