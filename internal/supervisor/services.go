package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openportability/realtime/internal/domain/notify"
)

// HTTPServer is the subset of *http.Server run by HTTPService.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until its context ends, then shuts it down gracefully.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}

// ListenerControl is the part of the notify manager the supervisor drives.
type ListenerControl interface {
	Start(ctx context.Context) bool
	Stop(ctx context.Context)
	Status() notify.Status
}

// ListenerService starts the notify listener at boot. A failed start returns an error so
// the supervisor retries it with backoff; once running, reconnection is the listener's job.
type ListenerService struct {
	listener    ListenerControl
	stopTimeout time.Duration
}

func NewListenerService(listener ListenerControl, stopTimeout time.Duration) *ListenerService {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &ListenerService{listener: listener, stopTimeout: stopTimeout}
}

func (l *ListenerService) Serve(ctx context.Context) error {
	if !l.listener.Start(ctx) {
		return fmt.Errorf("notify listener failed to start: %s", l.listener.Status().LastError)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), l.stopTimeout)
	defer cancel()
	l.listener.Stop(stopCtx)
	return ctx.Err()
}

func (l *ListenerService) String() string {
	return "pgnotify-listener"
}
