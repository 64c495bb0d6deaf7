package notify

import (
	"encoding/json"
	"errors"
	"time"
)

// Channel is a Postgres NOTIFY channel watched by the listener.
type Channel string

const (
	ChannelGlobalStats       Channel = "global_stats_cache_invalidation"
	ChannelUserStats         Channel = "user_stats_cache_invalidation"
	ChannelMastodonInstances Channel = "mastodon_instances_changed"
	ChannelIdentityMapping   Channel = "identity_mapping_changed"
	ChannelPublicLabels      Channel = "public_labels_changed"
	ChannelNodeConsent       Channel = "node_consent_changed"
	ChannelNodeTypeChange    Channel = "node_type_changed"
)

// Channels lists every channel the triggers are expected to emit on.
func Channels() []Channel {
	return []Channel{
		ChannelGlobalStats,
		ChannelUserStats,
		ChannelMastodonInstances,
		ChannelIdentityMapping,
		ChannelPublicLabels,
		ChannelNodeConsent,
		ChannelNodeTypeChange,
	}
}

// IsKnown reports whether c is one of the fixed channels.
func (c Channel) IsKnown() bool {
	for _, k := range Channels() {
		if c == k {
			return true
		}
	}
	return false
}

var (
	ErrUnknownChannel   = errors.New("unknown notify channel")
	ErrMalformedPayload = errors.New("malformed notify payload")
	ErrInvalidPayload   = errors.New("invalid notify payload")
	ErrNotRunning       = errors.New("listener not running")
	ErrTestDisabled     = errors.New("test notifications are disabled in production")
)

// Event is a single notification received on the LISTEN connection.
type Event struct {
	Channel    Channel         `json:"channel"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// NewEvent builds an Event from a raw notification. The payload must be valid JSON.
func NewEvent(channel string, payload string) (Event, error) {
	raw := []byte(payload)
	if !json.Valid(raw) {
		return Event{}, ErrMalformedPayload
	}
	return Event{
		Channel:    Channel(channel),
		Payload:    json.RawMessage(raw),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Summary returns a bounded excerpt of the payload for log lines.
func (e Event) Summary() string {
	const max = 256
	if len(e.Payload) <= max {
		return string(e.Payload)
	}
	return string(e.Payload[:max]) + "..."
}

// State is the listener connection state.
type State string

const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Active reports whether the listener owns (or is acquiring) a connection.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateReconnecting
}

// Status is a point-in-time view of the listener.
type Status struct {
	State             State     `json:"state"`
	Channels          []Channel `json:"channels"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
