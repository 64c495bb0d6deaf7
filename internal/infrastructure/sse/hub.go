package sse

import (
	"context"
	"sync"

	"github.com/openportability/realtime/internal/domain/realtime"
	"github.com/openportability/realtime/internal/metrics"
)

// stream is one open SSE response.
type stream struct {
	id     string
	viewer realtime.Viewer
	cancel context.CancelFunc
}

// Hub tracks the streams open on this process so they can be counted and shut down.
// Delivery itself goes through Redis, not through the hub.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream
	stopped bool
}

func NewHub() *Hub {
	return &Hub{
		streams: make(map[string]*stream),
	}
}

// Register adds a stream. It returns false once the hub is stopped.
func (h *Hub) Register(id string, viewer realtime.Viewer, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.streams[id] = &stream{id: id, viewer: viewer, cancel: cancel}
	metrics.SSEClients.Set(float64(len(h.streams)))
	return true
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[id]; ok {
		delete(h.streams, id)
		metrics.SSEClients.Set(float64(len(h.streams)))
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// GetUserCount returns how many open streams belong to an authenticated viewer.
func (h *Hub) GetUserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.streams {
		if !s.viewer.Anonymous() {
			n++
		}
	}
	return n
}

// Stop ends every open stream and refuses new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for _, s := range h.streams {
		s.cancel()
	}
}
