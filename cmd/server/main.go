package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/openportability/realtime/internal/api/http"
	"github.com/openportability/realtime/internal/application/cache"
	"github.com/openportability/realtime/internal/application/pgnotify"
	"github.com/openportability/realtime/internal/config"
	"github.com/openportability/realtime/internal/infrastructure/postgres"
	"github.com/openportability/realtime/internal/infrastructure/redisclient"
	"github.com/openportability/realtime/internal/infrastructure/sse"
	"github.com/openportability/realtime/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("env", cfg.Env).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("db error")
	}
	defer pool.Close()

	if cfg.MigrationsDir != "" {
		applied, err := postgres.RunMigrations(ctx, pool, os.DirFS(cfg.MigrationsDir))
		if err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		logger.Info().Strs("files", applied).Msg("migrations applied")
	}

	rdb, err := redisclient.New(ctx, cfg.RedisURL, cfg.RedisOpTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis error")
	}
	defer rdb.Close()

	// repositories
	instanceRepo := postgres.NewInstanceRepository(pool)
	nodeRepo := postgres.NewNodeRepository(pool)
	statsRepo := postgres.NewStatsRepository(pool)

	// infrastructure
	sseHub := sse.NewHub()
	publisher := sse.NewPublisher(rdb, cfg.SSEChannel, logger)
	relay := sse.NewRelay(rdb, cfg.SSEChannel, cfg.HeartbeatInterval, sseHub, logger)

	// services
	cacheSvc := cache.NewService(rdb, publisher, instanceRepo, nodeRepo, statsRepo, logger,
		cache.WithOpTimeout(cfg.RedisOpTimeout),
	)
	registry := pgnotify.NewRegistry()
	if err := cacheSvc.Register(registry); err != nil {
		logger.Fatal().Err(err).Msg("handler registration failed")
	}
	if err := registry.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("notify registry incomplete")
	}

	dsn := cfg.DatabaseURL
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
		pgnotify.WithBackoff(pgnotify.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Multiplier: 2}),
		pgnotify.WithHandlerTimeout(cfg.HandlerTimeout),
	)
	manager := pgnotify.NewManager(listener, postgres.NewNotifySender(pool), !cfg.IsProduction(), logger)

	// API server
	apiServer := httpapi.NewServer(manager, cacheSvc, relay,
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		httpapi.Options{
			InternalAPIKey:    cfg.InternalAPIKey,
			JWTSecret:         cfg.JWTSecret,
			InternalRateLimit: cfg.InternalRateLimit,
		},
		logger,
	)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Open streams never finish on their own; end them so Shutdown can drain.
	httpServer.RegisterOnShutdown(sseHub.Stop)

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.Add(supervisor.NewHTTPService(httpServer, 10*time.Second))
	if cfg.AutoStartListener {
		tree.Add(supervisor.NewListenerService(manager, 10*time.Second))
	} else {
		logger.Info().Msg("listener autostart disabled, start it through /internal/pg-notify")
	}

	logger.Info().Str("addr", cfg.ServerAddr).Strs("channels", channelNames(registry)).Msg("realtime server starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("supervisor exited")
	}

	// covers a listener started by hand when autostart is off
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Stop(stopCtx)
	logger.Info().Msg("realtime server stopped")
}

func channelNames(reg *pgnotify.Registry) []string {
	chs := reg.Channels()
	out := make([]string, 0, len(chs))
	for _, ch := range chs {
		out = append(out, string(ch))
	}
	return out
}
