package pgnotify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/openportability/realtime/internal/domain/notify"
)

// Handler reacts to one notification.
type Handler interface {
	Handle(ctx context.Context, evt notify.Event) error
}

type HandlerFunc func(ctx context.Context, evt notify.Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt notify.Event) error {
	return f(ctx, evt)
}

// Typed decodes and validates the payload into P before calling fn.
// Decode and validation failures wrap notify.ErrInvalidPayload.
func Typed[P any](fn func(ctx context.Context, evt notify.Event, p P) error) HandlerFunc {
	return func(ctx context.Context, evt notify.Event) error {
		var p P
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", notify.ErrInvalidPayload, err)
		}
		if err := notify.ValidatePayload(&p); err != nil {
			return err
		}
		return fn(ctx, evt, p)
	}
}

// Registry maps channels to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[notify.Channel]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[notify.Channel]Handler)}
}

// Register binds h to ch. A channel can only be bound once.
func (r *Registry) Register(ch notify.Channel, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[ch]; ok {
		return fmt.Errorf("handler already registered for %s", ch)
	}
	r.handlers[ch] = h
	return nil
}

func (r *Registry) Lookup(ch notify.Channel) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[ch]
	return h, ok
}

// Channels returns the registered channels in a stable order.
func (r *Registry) Channels() []notify.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]notify.Channel, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate fails when a trigger channel has no handler, so a wiring mistake surfaces at boot.
func (r *Registry) Validate() error {
	for _, ch := range notify.Channels() {
		if _, ok := r.Lookup(ch); !ok {
			return fmt.Errorf("%w: no handler for %s", notify.ErrUnknownChannel, ch)
		}
	}
	return nil
}
