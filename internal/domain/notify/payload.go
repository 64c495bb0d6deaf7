package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePayload checks struct tags on a decoded payload.
func ValidatePayload(p any) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Row operations reported by triggers.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Graph node types.
const (
	NodeTypeMember  = "member"
	NodeTypeGeneric = "generic"
)

// GlobalStatsPayload carries the full global statistics row. Users and Connections are
// kept raw so the cached value mirrors whatever shape the trigger emits.
type GlobalStatsPayload struct {
	Users       json.RawMessage `json:"users" validate:"required"`
	Connections json.RawMessage `json:"connections" validate:"required"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

// UserStatsPayload is one user_stats_cache row. A payload without stats only names the
// user and the row is read back from Postgres.
type UserStatsPayload struct {
	UserID    string          `json:"user_id" validate:"required"`
	Stats     json.RawMessage `json:"stats,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

type MastodonInstancePayload struct {
	Operation string `json:"operation" validate:"omitempty,oneof=INSERT UPDATE DELETE"`
	Instance  string `json:"instance"`
}

// IdentityMappingPayload describes the current platform identities of one Twitter account.
// Empty or missing usernames mean the mapping was cleared.
type IdentityMappingPayload struct {
	Operation        string  `json:"operation" validate:"omitempty,oneof=INSERT UPDATE DELETE"`
	TwitterID        string  `json:"twitter_id" validate:"required"`
	BlueskyUsername  *string `json:"bluesky_username,omitempty"`
	MastodonID       *string `json:"mastodon_id,omitempty"`
	MastodonUsername *string `json:"mastodon_username,omitempty"`
	MastodonInstance *string `json:"mastodon_instance,omitempty"`
}

// Bluesky returns the username to cache, or "" when the mapping should be removed.
func (p IdentityMappingPayload) Bluesky() string {
	if p.Operation == OpDelete || p.BlueskyUsername == nil {
		return ""
	}
	return *p.BlueskyUsername
}

// Mastodon returns the mastodon identity to cache, or nil when it should be removed.
func (p IdentityMappingPayload) Mastodon() *MastodonIdentity {
	if p.Operation == OpDelete {
		return nil
	}
	if empty(p.MastodonID) || empty(p.MastodonUsername) || empty(p.MastodonInstance) {
		return nil
	}
	return &MastodonIdentity{
		ID:       *p.MastodonID,
		Username: *p.MastodonUsername,
		Instance: *p.MastodonInstance,
	}
}

// MastodonIdentity is the cached value of a twitter_to_mastodon key.
type MastodonIdentity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Instance string `json:"instance"`
}

type PublicLabelsPayload struct {
	Operation string `json:"operation" validate:"omitempty,oneof=INSERT UPDATE DELETE"`
}

type NodeConsentPayload struct {
	TwitterID string `json:"twitter_id" validate:"required"`
	Action    string `json:"action" validate:"required,oneof=add remove"`
}

// NodeType maps a consent action onto the node_type column value.
func (p NodeConsentPayload) NodeType() string {
	if p.Action == "add" {
		return NodeTypeMember
	}
	return NodeTypeGeneric
}

type NodeTypeChangePayload struct {
	CoordHash string     `json:"coord_hash" validate:"required"`
	NodeType  string     `json:"node_type" validate:"required,oneof=member generic"`
	ChangedAt *time.Time `json:"changed_at,omitempty"`
}

// NodeTypeChange is one record of the node-type change log polled by clients.
type NodeTypeChange struct {
	CoordHash string `json:"coord_hash"`
	NodeType  string `json:"node_type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func empty(s *string) bool {
	return s == nil || *s == ""
}
