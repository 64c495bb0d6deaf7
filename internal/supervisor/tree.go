package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TreeConfig holds restart settings shared by every supervised service.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the process supervisor. Services that return from Serve are restarted.
type Tree struct {
	root *suture.Supervisor
}

func NewTree(logger zerolog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay <= 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	logger = logger.With().Str("component", "supervisor").Logger()
	root := suture.New("realtime", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Tree{root: root}
}

func (t *Tree) Add(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// Serve blocks until ctx is done and every service has stopped.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
