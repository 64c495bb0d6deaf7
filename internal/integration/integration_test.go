//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	httpapi "github.com/openportability/realtime/internal/api/http"
	"github.com/openportability/realtime/internal/application/cache"
	"github.com/openportability/realtime/internal/application/pgnotify"
	"github.com/openportability/realtime/internal/domain/realtime"
	"github.com/openportability/realtime/internal/infrastructure/postgres"
	"github.com/openportability/realtime/internal/infrastructure/redisclient"
	"github.com/openportability/realtime/internal/infrastructure/sse"
)

const (
	sseChannel = "sse:events"
	waitFor    = 8 * time.Second
	tick       = 50 * time.Millisecond
)

type env struct {
	pool    *pgxpool.Pool
	rdb     *redis.Client
	manager *pgnotify.Manager
	server  *httptest.Server
}

func TestGlobalStatsPipeline(t *testing.T) {
	e := newEnv(t)
	stream := openStream(t, e.server.URL)

	_, err := e.pool.Exec(context.Background(),
		`INSERT INTO global_stats_cache (id, users, connections) VALUES (1, '{"total":123}', '{"total":456}')
		 ON CONFLICT (id) DO UPDATE SET users = EXCLUDED.users, connections = EXCLUDED.connections, updated_at = now()`)
	require.NoError(t, err)

	var cached map[string]json.RawMessage
	require.Eventually(t, func() bool {
		raw, err := e.rdb.Get(context.Background(), cache.KeyGlobalStats).Bytes()
		return err == nil && json.Unmarshal(raw, &cached) == nil
	}, waitFor, tick)
	assert.JSONEq(t, `{"total":123}`, string(cached["users"]))
	assert.JSONEq(t, `{"total":456}`, string(cached["connections"]))

	ttl := e.rdb.TTL(context.Background(), cache.KeyGlobalStats).Val()
	assert.Greater(t, ttl, 23*time.Hour)

	evt := stream.waitEvent(t, realtime.EventGlobalStats)
	assert.Contains(t, string(evt.Payload), `"users"`)
}

func TestIdentityMappingPipeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pool.Exec(ctx,
		`INSERT INTO identity_mappings (twitter_id, bluesky_username, mastodon_id, mastodon_username, mastodon_instance)
		 VALUES ('42', 'alice.bsky.social', '7', 'alice', 'mastodon.social')`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.rdb.Get(ctx, cache.BlueskyKey("42")).Val() == "alice.bsky.social"
	}, waitFor, tick)
	assert.JSONEq(t, `{"id":"7","username":"alice","instance":"mastodon.social"}`,
		e.rdb.Get(ctx, cache.MastodonKey("42")).Val())

	_, err = e.pool.Exec(ctx, `DELETE FROM identity_mappings WHERE twitter_id = '42'`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.rdb.Exists(ctx, cache.BlueskyKey("42"), cache.MastodonKey("42")).Val() == 0
	}, waitFor, tick)
}

func TestMastodonInstancesPipeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pool.Exec(ctx, `INSERT INTO mastodon_app (instance) VALUES ('mastodon.social'), ('fosstodon.org')`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var instances []string
		raw, err := e.rdb.Get(ctx, cache.KeyMastodonInstances).Bytes()
		if err != nil || json.Unmarshal(raw, &instances) != nil {
			return false
		}
		return len(instances) == 2 && instances[0] == "fosstodon.org"
	}, waitFor, tick)
}

func TestNodeTypeChangePipeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.pool.Exec(ctx, `INSERT INTO graph_nodes (twitter_id, coord_hash) VALUES ('99', 'abc')`)
	require.NoError(t, err)
	_, err = e.pool.Exec(ctx, `UPDATE graph_nodes SET node_type = 'member', updated_at = now() WHERE twitter_id = '99'`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.rdb.LLen(ctx, cache.KeyNodeTypeChanges).Val() == 1
	}, waitFor, tick)

	resp, err := http.Get(e.server.URL + "/graph/node-type-changes?since=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Version int64 `json:"version"`
		Changes []struct {
			CoordHash string `json:"coord_hash"`
			NodeType  string `json:"node_type"`
		} `json:"changes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(1), body.Version)
	require.Len(t, body.Changes, 1)
	assert.Equal(t, "abc", body.Changes[0].CoordHash)
	assert.Equal(t, "member", body.Changes[0].NodeType)
}

func TestListenerReconnectsAfterBackendTermination(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tag, err := e.pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE pid <> pg_backend_pid() AND query ILIKE 'LISTEN%'`)
	require.NoError(t, err)
	require.Equal(t, int64(1), tag.RowsAffected())

	// the first notification after the drop may land before the new LISTEN, so keep writing
	require.Eventually(t, func() bool {
		_, err := e.pool.Exec(ctx,
			`INSERT INTO user_stats_cache (user_id, stats) VALUES ('00000000-0000-0000-0000-000000000001', '{"followers":3}')
			 ON CONFLICT (user_id) DO UPDATE SET stats = EXCLUDED.stats, updated_at = now()`)
		if err != nil {
			return false
		}
		return e.rdb.Exists(ctx, cache.UserStatsKey("00000000-0000-0000-0000-000000000001")).Val() == 1
	}, waitFor, 200*time.Millisecond)

	var cached struct {
		UserID string `json:"user_id"`
		Stats  struct {
			Followers int `json:"followers"`
		} `json:"stats"`
		UpdatedAt string `json:"updated_at"`
	}
	raw, err := e.rdb.Get(ctx, cache.UserStatsKey("00000000-0000-0000-0000-000000000001")).Bytes()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", cached.UserID)
	assert.Equal(t, 3, cached.Stats.Followers)
	assert.NotEmpty(t, cached.UpdatedAt)

	assert.True(t, e.manager.IsRunning())
}

func TestSendTestNotification(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.rdb.Set(context.Background(), cache.KeyPublicLabels, "stale", 0).Err())

	resp, err := http.Post(e.server.URL+"/internal/pg-notify", "application/json",
		strings.NewReader(`{"action":"test","channel":"public_labels_changed"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return e.rdb.Exists(context.Background(), cache.KeyPublicLabels).Val() == 0
	}, waitFor, tick)
}

// newEnv starts Postgres and Redis containers and wires the full pipeline against them.
func newEnv(t *testing.T) *env {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	dsn := startPostgres(t)
	redisURL := startRedis(t)

	pool, err := postgres.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	applied, err := postgres.RunMigrations(ctx, pool, os.DirFS(filepath.Join(repoRoot(t), "migrations")))
	require.NoError(t, err)
	require.Contains(t, applied, "001_realtime.sql")

	rdb, err := redisclient.New(ctx, redisURL, 3*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	logger := zerolog.Nop()
	if os.Getenv("INTEGRATION_LOGS") != "" {
		logger = zerolog.New(zerolog.NewTestWriter(t))
	}

	hub := sse.NewHub()
	t.Cleanup(hub.Stop)
	publisher := sse.NewPublisher(rdb, sseChannel, logger)
	relay := sse.NewRelay(rdb, sseChannel, time.Second, hub, logger)

	cacheSvc := cache.NewService(rdb, publisher,
		postgres.NewInstanceRepository(pool),
		postgres.NewNodeRepository(pool),
		postgres.NewStatsRepository(pool),
		logger,
	)
	registry := pgnotify.NewRegistry()
	require.NoError(t, cacheSvc.Register(registry))
	require.NoError(t, registry.Validate())

	listener := pgnotify.NewListener(
		func(ctx context.Context) (pgnotify.Conn, error) {
			conn, err := postgres.DialListen(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		registry,
		logger,
		pgnotify.WithBackoff(pgnotify.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}),
	)
	manager := pgnotify.NewManager(listener, postgres.NewNotifySender(pool), true, logger)
	require.True(t, manager.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Stop(stopCtx)
	})

	api := httpapi.NewServer(manager, cacheSvc, relay,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		httpapi.Options{},
		logger,
	)
	server := httptest.NewServer(api.Router())
	t.Cleanup(server.Close)

	return &env{pool: pool, rdb: rdb, manager: manager, server: server}
}

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "openportability",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/openportability?sslmode=disable", host, port.Port())
}

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("docker not available; skipping integration tests")
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

type sseStream struct {
	events chan realtime.Event
}

func openStream(t *testing.T, baseURL string) *sseStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s := &sseStream{events: make(chan realtime.Event, 32)}
	connected := make(chan struct{})
	go func() {
		defer close(s.events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt realtime.Event
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt) != nil {
				continue
			}
			if evt.Type == realtime.EventConnected {
				close(connected)
				continue
			}
			s.events <- evt
		}
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("sse stream did not connect")
	}
	return s
}

func (s *sseStream) waitEvent(t *testing.T, typ realtime.EventType) realtime.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case evt, ok := <-s.events:
			require.True(t, ok, "stream closed")
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event received", typ)
		}
	}
}
