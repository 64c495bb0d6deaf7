package realtime

import (
	"encoding/json"
	"time"
)

// EventType discriminates SSE events.
type EventType string

const (
	EventLabels      EventType = "labels"
	EventNodeTypes   EventType = "nodeTypes"
	EventFollowers   EventType = "followers"
	EventFollowings  EventType = "followings"
	EventGlobalStats EventType = "stats:global"
	EventUserStats   EventType = "stats:user"
	EventConnected   EventType = "connected"
)

// AuthenticatedOnly reports whether anonymous viewers must never receive the type.
func (t EventType) AuthenticatedOnly() bool {
	switch t {
	case EventFollowers, EventFollowings, EventUserStats:
		return true
	}
	return false
}

// Event is the wire message relayed to browsers.
type Event struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event for everyone allowed to see its type.
func NewEvent(t EventType, payload json.RawMessage) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// NewUserEvent builds an event delivered only to userID.
func NewUserEvent(t EventType, userID string, payload json.RawMessage) Event {
	e := NewEvent(t, payload)
	e.UserID = userID
	return e
}

// Viewer identifies the client on the other end of a stream. A zero Viewer is anonymous.
type Viewer struct {
	UserID string
}

func (v Viewer) Anonymous() bool {
	return v.UserID == ""
}

// VisibleTo applies audience filtering for one viewer.
func (e Event) VisibleTo(v Viewer) bool {
	if e.UserID != "" && e.UserID != v.UserID {
		return false
	}
	if e.Type.AuthenticatedOnly() && v.Anonymous() {
		return false
	}
	return true
}
