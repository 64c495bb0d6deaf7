package pgnotify

import (
	"context"
	"time"
)

// Backoff is a capped exponential delay policy for reconnect attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff waits 1s, 2s, 4s ... up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Next returns the delay that follows cur.
func (b Backoff) Next(cur time.Duration) time.Duration {
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	next := time.Duration(float64(cur) * mult)
	if b.Max > 0 && next > b.Max {
		return b.Max
	}
	return next
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier <= 1 {
		b.Multiplier = def.Multiplier
	}
	return b
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-time Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
