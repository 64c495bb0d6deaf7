package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openportability/realtime/internal/application/pgnotify"
	"github.com/openportability/realtime/internal/domain/notify"
	"github.com/openportability/realtime/internal/domain/realtime"
)

// Publisher pushes an event to every connected SSE stream. Implementations log their
// own failures; a cache update never fails because a publish did.
type Publisher interface {
	Publish(ctx context.Context, evt realtime.Event)
}

// Service projects database notifications onto Redis. One handler per channel.
type Service struct {
	rdb       redis.Cmdable
	publisher Publisher
	instances notify.InstanceRepository
	nodes     notify.NodeRepository
	stats     notify.StatsRepository
	opTimeout time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	handlers map[notify.Channel]pgnotify.Handler
}

// Option configures a Service.
type Option func(*Service)

// WithOpTimeout bounds every Redis round trip.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the cache executors.
func NewService(
	rdb redis.Cmdable,
	publisher Publisher,
	instances notify.InstanceRepository,
	nodes notify.NodeRepository,
	stats notify.StatsRepository,
	logger zerolog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		rdb:       rdb,
		publisher: publisher,
		instances: instances,
		nodes:     nodes,
		stats:     stats,
		opTimeout: 3 * time.Second,
		now:       time.Now,
		logger:    logger.With().Str("service", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[notify.Channel]pgnotify.Handler{
		notify.ChannelGlobalStats:       pgnotify.Typed(s.globalStats),
		notify.ChannelUserStats:         pgnotify.Typed(s.userStats),
		notify.ChannelMastodonInstances: pgnotify.Typed(s.mastodonInstances),
		notify.ChannelIdentityMapping:   pgnotify.Typed(s.identityMapping),
		notify.ChannelPublicLabels:      pgnotify.Typed(s.publicLabels),
		notify.ChannelNodeConsent:       pgnotify.Typed(s.nodeConsent),
		notify.ChannelNodeTypeChange:    pgnotify.Typed(s.nodeTypeChange),
	}
	return s
}

// Register binds every executor to its channel.
func (s *Service) Register(reg *pgnotify.Registry) error {
	channels := make([]notify.Channel, 0, len(s.handlers))
	for ch := range s.handlers {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	for _, ch := range channels {
		if err := reg.Register(ch, s.handlers[ch]); err != nil {
			return err
		}
	}
	return nil
}

// Handle runs the executor for evt.Channel. Refresh paths go through here too, so a manual
// refresh and a notification produce the same cache state.
func (s *Service) Handle(ctx context.Context, evt notify.Event) error {
	h, ok := s.handlers[evt.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", notify.ErrUnknownChannel, evt.Channel)
	}
	return h.Handle(ctx, evt)
}

func (s *Service) globalStats(ctx context.Context, evt notify.Event, p notify.GlobalStatsPayload) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, KeyGlobalStats)
		pipe.Set(ctx, KeyGlobalStats, []byte(evt.Payload), GlobalStatsTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store global stats: %w", err)
	}

	updatedAt := p.UpdatedAt
	if updatedAt == "" {
		updatedAt = s.now().UTC().Format(time.RFC3339)
	}
	s.publish(ctx, realtime.EventGlobalStats, map[string]any{
		"users":       p.Users,
		"connections": p.Connections,
		"updated_at":  updatedAt,
	})
	s.logger.Debug().Msg("global stats cache updated")
	return nil
}

// userStats caches the row in the shape StatsRepository renders, so the NOTIFY path and
// RefreshUserStats write identical values.
func (s *Service) userStats(ctx context.Context, evt notify.Event, p notify.UserStatsPayload) error {
	value := []byte(evt.Payload)
	if len(p.Stats) == 0 {
		row, err := s.stats.UserStats(ctx, p.UserID)
		if errors.Is(err, notify.ErrNotFound) {
			s.logger.Debug().Str("user_id", p.UserID).Msg("user stats row gone, nothing to cache")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load user stats %s: %w", p.UserID, err)
		}
		value = []byte(row)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	key := UserStatsKey(p.UserID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Set(ctx, key, value, UserStatsTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store user stats %s: %w", p.UserID, err)
	}
	s.logger.Debug().Str("user_id", p.UserID).Msg("user stats cache updated")
	return nil
}

// mastodonInstances recomputes the whole list, so the payload only triggers the refresh.
func (s *Service) mastodonInstances(ctx context.Context, _ notify.Event, p notify.MastodonInstancePayload) error {
	list, err := s.instances.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list mastodon instances: %w", err)
	}
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, KeyMastodonInstances, data, 0).Err(); err != nil {
		return fmt.Errorf("store mastodon instances: %w", err)
	}
	s.logger.Debug().Str("operation", p.Operation).Str("instance", p.Instance).Int("count", len(list)).Msg("mastodon instances cache updated")
	return nil
}

func (s *Service) identityMapping(ctx context.Context, _ notify.Event, p notify.IdentityMappingPayload) error {
	var mastodon []byte
	if m := p.Mastodon(); m != nil {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		mastodon = data
	}
	bluesky := p.Bluesky()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if bluesky != "" {
			pipe.Set(ctx, BlueskyKey(p.TwitterID), bluesky, 0)
		} else {
			pipe.Del(ctx, BlueskyKey(p.TwitterID))
		}
		if mastodon != nil {
			pipe.Set(ctx, MastodonKey(p.TwitterID), mastodon, 0)
		} else {
			pipe.Del(ctx, MastodonKey(p.TwitterID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store identity mapping %s: %w", p.TwitterID, err)
	}
	s.logger.Debug().
		Str("twitter_id", p.TwitterID).
		Bool("bluesky", bluesky != "").
		Bool("mastodon", mastodon != nil).
		Msg("identity mapping cache updated")
	return nil
}

func (s *Service) publicLabels(ctx context.Context, _ notify.Event, p notify.PublicLabelsPayload) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, KeyPublicLabels).Err(); err != nil {
		return fmt.Errorf("invalidate public labels: %w", err)
	}
	s.publish(ctx, realtime.EventLabels, map[string]any{
		"version": s.now().UnixMilli(),
	})
	s.logger.Debug().Str("operation", p.Operation).Msg("public labels cache invalidated")
	return nil
}

func (s *Service) nodeConsent(ctx context.Context, _ notify.Event, p notify.NodeConsentPayload) error {
	nodeType := p.NodeType()
	coordHash, err := s.nodes.SetNodeType(ctx, p.TwitterID, nodeType)
	if errors.Is(err, notify.ErrNotFound) {
		s.logger.Debug().Str("twitter_id", p.TwitterID).Msg("no graph node for consent change")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update node type for %s: %w", p.TwitterID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	version, err := s.rdb.Incr(ctx, KeyNodesVersion).Result()
	if err != nil {
		return fmt.Errorf("bump nodes version: %w", err)
	}
	s.publish(ctx, realtime.EventNodeTypes, map[string]any{
		"version": version,
		"changes": []notify.NodeTypeChange{{CoordHash: coordHash, NodeType: nodeType}},
	})
	s.logger.Debug().Str("coord_hash", coordHash).Str("node_type", nodeType).Int64("version", version).Msg("node type updated")
	return nil
}

// nodeTypeChange appends to the polled change log. The record is derived only from the
// payload when changed_at is present, so LREM before LPUSH keeps a replay from duplicating it.
func (s *Service) nodeTypeChange(ctx context.Context, _ notify.Event, p notify.NodeTypeChangePayload) error {
	at := s.now()
	if p.ChangedAt != nil {
		at = *p.ChangedAt
	}
	rec, err := json.Marshal(notify.NodeTypeChange{
		CoordHash: p.CoordHash,
		NodeType:  p.NodeType,
		Timestamp: at.UnixMilli(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, KeyNodeTypeChanges, 0, rec)
		pipe.LPush(ctx, KeyNodeTypeChanges, rec)
		pipe.LTrim(ctx, KeyNodeTypeChanges, 0, MaxNodeTypeChanges-1)
		pipe.Expire(ctx, KeyNodeTypeChanges, NodeTypeChangesTTL)
		pipe.Incr(ctx, KeyNodeTypeVersion)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record node type change %s: %w", p.CoordHash, err)
	}
	return nil
}

// NodeTypeChangesSince returns the logged changes newer than since (unix ms), oldest
// first, with the current change-log version.
func (s *Service) NodeTypeChangesSince(ctx context.Context, since int64) ([]notify.NodeTypeChange, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var (
		items   *redis.StringSliceCmd
		version *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, KeyNodeTypeChanges, 0, -1)
		version = pipe.Get(ctx, KeyNodeTypeVersion)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("read node type changes: %w", err)
	}

	var v int64
	if n, err := version.Int64(); err == nil {
		v = n
	}

	raw := items.Val()
	changes := make([]notify.NodeTypeChange, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var c notify.NodeTypeChange
		if err := json.Unmarshal([]byte(raw[i]), &c); err != nil {
			s.logger.Warn().Err(err).Msg("skipping unreadable node type change record")
			continue
		}
		if c.Timestamp > since {
			changes = append(changes, c)
		}
	}
	return changes, v, nil
}

// RefreshGlobalStats reloads the global stats row and runs it through the notification path.
func (s *Service) RefreshGlobalStats(ctx context.Context) error {
	row, err := s.stats.GlobalStats(ctx)
	if err != nil {
		return fmt.Errorf("load global stats: %w", err)
	}
	return s.refresh(ctx, notify.ChannelGlobalStats, row)
}

func (s *Service) RefreshUserStats(ctx context.Context, userID string) error {
	row, err := s.stats.UserStats(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user stats %s: %w", userID, err)
	}
	return s.refresh(ctx, notify.ChannelUserStats, row)
}

func (s *Service) RefreshMastodonInstances(ctx context.Context) error {
	return s.refresh(ctx, notify.ChannelMastodonInstances, []byte(`{"operation":"UPDATE"}`))
}

func (s *Service) refresh(ctx context.Context, ch notify.Channel, payload []byte) error {
	evt, err := notify.NewEvent(string(ch), string(payload))
	if err != nil {
		return err
	}
	return s.Handle(ctx, evt)
}

func (s *Service) publish(ctx context.Context, t realtime.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Msg("failed to encode event payload")
		return
	}
	s.publisher.Publish(ctx, realtime.NewEvent(t, data))
}
