package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openportability/realtime/internal/domain/notify"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type received struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *received) add(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *received) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func newTestListener(t *testing.T, reg *Registry) (*Listener, *fakeDialer, *recordingSleeper) {
	t.Helper()
	dialer := &fakeDialer{}
	sleeper := &recordingSleeper{}
	l := NewListener(dialer.dial, reg, zerolog.Nop(),
		WithBackoff(Backoff{Initial: time.Second, Max: 8 * time.Second, Multiplier: 2}),
		WithSleeper(sleeper.sleep),
		WithHandlerTimeout(time.Second),
	)
	t.Cleanup(func() { l.Stop(context.Background()) })
	return l, dialer, sleeper
}

func recordingRegistry(t *testing.T, rec *received, channels ...notify.Channel) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, ch := range channels {
		require.NoError(t, reg.Register(ch, HandlerFunc(func(_ context.Context, evt notify.Event) error {
			rec.add(evt)
			return nil
		})))
	}
	return reg
}

func TestListener_StartListensAndDispatches(t *testing.T) {
	rec := &received{}
	reg := recordingRegistry(t, rec, notify.ChannelGlobalStats, notify.ChannelUserStats)
	l, dialer, _ := newTestListener(t, reg)

	require.True(t, l.Start(context.Background()))
	assert.Equal(t, notify.StateRunning, l.State())
	assert.True(t, l.IsRunning())

	conn := dialer.conn(0)
	require.NotNil(t, conn)
	assert.Equal(t, []string{
		`LISTEN "global_stats_cache_invalidation"`,
		`LISTEN "user_stats_cache_invalidation"`,
	}, conn.Execs())

	conn.send(string(notify.ChannelGlobalStats), `{"users":1,"connections":2}`)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, tick)
	evt := rec.all()[0]
	assert.Equal(t, notify.ChannelGlobalStats, evt.Channel)
	assert.JSONEq(t, `{"users":1,"connections":2}`, string(evt.Payload))
}

func TestListener_StartIsIdempotent(t *testing.T) {
	reg := recordingRegistry(t, &received{}, notify.ChannelGlobalStats)
	l, dialer, _ := newTestListener(t, reg)

	require.True(t, l.Start(context.Background()))
	require.True(t, l.Start(context.Background()))

	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestListener_DropsMalformedAndUnknown(t *testing.T) {
	rec := &received{}
	reg := recordingRegistry(t, rec, notify.ChannelGlobalStats)
	l, dialer, _ := newTestListener(t, reg)
	require.True(t, l.Start(context.Background()))

	conn := dialer.conn(0)
	conn.send(string(notify.ChannelGlobalStats), `{not json`)
	conn.send("some_other_channel", `{}`)
	conn.send(string(notify.ChannelGlobalStats), `{"ok":true}`)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"ok":true}`, string(rec.all()[0].Payload))
	assert.True(t, l.IsRunning())
}

func TestListener_HandlerFailuresDoNotStopLoop(t *testing.T) {
	rec := &received{}
	reg := NewRegistry()
	calls := 0
	var mu sync.Mutex
	require.NoError(t, reg.Register(notify.ChannelGlobalStats, HandlerFunc(func(_ context.Context, evt notify.Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("redis down")
		case 2:
			panic("boom")
		}
		rec.add(evt)
		return nil
	})))
	l, dialer, _ := newTestListener(t, reg)
	require.True(t, l.Start(context.Background()))

	conn := dialer.conn(0)
	for i := 0; i < 3; i++ {
		conn.send(string(notify.ChannelGlobalStats), fmt.Sprintf(`{"n":%d}`, i))
	}

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"n":2}`, string(rec.all()[0].Payload))
	assert.True(t, l.IsRunning())
}

func TestListener_PreservesOrderWithinChannel(t *testing.T) {
	rec := &received{}
	reg := recordingRegistry(t, rec, notify.ChannelNodeTypeChange)
	l, dialer, _ := newTestListener(t, reg)
	require.True(t, l.Start(context.Background()))

	conn := dialer.conn(0)
	for i := 0; i < 50; i++ {
		conn.send(string(notify.ChannelNodeTypeChange), strconv.Itoa(i))
	}

	require.Eventually(t, func() bool { return len(rec.all()) == 50 }, waitFor, tick)
	for i, evt := range rec.all() {
		assert.Equal(t, strconv.Itoa(i), string(evt.Payload))
	}
}

func TestListener_ReconnectsWithBackoff(t *testing.T) {
	rec := &received{}
	reg := recordingRegistry(t, rec, notify.ChannelGlobalStats)
	l, dialer, sleeper := newTestListener(t, reg)
	require.True(t, l.Start(context.Background()))

	dialer.failNext(errors.New("connection refused"), errors.New("connection refused"))
	dialer.conn(0).fail <- errors.New("server closed the connection unexpectedly")

	require.Eventually(t, func() bool { return dialer.connCount() == 2 && l.IsRunning() }, waitFor, tick)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.Delays())
	assert.True(t, dialer.conn(0).closed.Load())
	assert.Equal(t, 0, l.Status().ReconnectAttempts)
	assert.Empty(t, l.Status().LastError)

	dialer.conn(1).send(string(notify.ChannelGlobalStats), `{"after":"reconnect"}`)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, tick)

	// a second drop starts again from the seed delay
	dialer.conn(1).fail <- errors.New("terminating connection due to administrator command")
	require.Eventually(t, func() bool { return dialer.connCount() == 3 && l.IsRunning() }, waitFor, tick)
	assert.Equal(t, time.Second, sleeper.Delays()[3])
}

func TestListener_BackoffIsCapped(t *testing.T) {
	reg := recordingRegistry(t, &received{}, notify.ChannelGlobalStats)
	l, dialer, sleeper := newTestListener(t, reg)
	require.True(t, l.Start(context.Background()))

	errs := make([]error, 6)
	for i := range errs {
		errs[i] = errors.New("refused")
	}
	dialer.failNext(errs...)
	dialer.conn(0).fail <- errors.New("eof")

	require.Eventually(t, func() bool { return dialer.connCount() == 2 && l.IsRunning() }, waitFor, tick)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, sleeper.Delays())
}

func TestListener_StartFailure(t *testing.T) {
	reg := recordingRegistry(t, &received{}, notify.ChannelGlobalStats)
	l, dialer, _ := newTestListener(t, reg)
	dialer.failNext(errors.New("password authentication failed"))

	assert.False(t, l.Start(context.Background()))
	assert.Equal(t, notify.StateFailed, l.State())
	assert.Contains(t, l.Status().LastError, "password authentication failed")

	assert.True(t, l.Start(context.Background()))
	assert.Equal(t, notify.StateRunning, l.State())
}

func TestListener_Stop(t *testing.T) {
	reg := recordingRegistry(t, &received{}, notify.ChannelGlobalStats)
	l, dialer, _ := newTestListener(t, reg)

	l.Stop(context.Background())
	assert.Equal(t, notify.StateStopped, l.State())

	require.True(t, l.Start(context.Background()))
	conn := dialer.conn(0)

	l.Stop(context.Background())
	assert.Equal(t, notify.StateStopped, l.State())
	assert.True(t, conn.closed.Load())
	assert.Contains(t, conn.Execs(), "UNLISTEN *")

	l.Stop(context.Background())
	assert.Equal(t, notify.StateStopped, l.State())
}

func TestListener_StopDuringReconnect(t *testing.T) {
	reg := recordingRegistry(t, &received{}, notify.ChannelGlobalStats)
	dialer := &fakeDialer{}
	blocked := make(chan struct{})
	l := NewListener(dialer.dial, reg, zerolog.Nop(), WithSleeper(func(ctx context.Context, d time.Duration) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.True(t, l.Start(context.Background()))

	dialer.conn(0).fail <- errors.New("eof")
	<-blocked
	assert.Equal(t, notify.StateReconnecting, l.State())

	l.Stop(context.Background())
	assert.Equal(t, notify.StateStopped, l.State())
	assert.Equal(t, 1, dialer.connCount())
}
