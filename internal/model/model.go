// Package model defines the entities shared by the cache, the session store,
// and the sync engine: users, messages, contacts, groups, and the
// conversation target union that addresses both direct and group chats.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Conversation target
// ---------------------------------------------------------------------------

// TargetKind discriminates the two kinds of conversation target.
type TargetKind int

const (
	// TargetUser addresses a direct (one-to-one) conversation.
	TargetUser TargetKind = iota + 1
	// TargetGroup addresses a multi-party conversation.
	TargetGroup
)

// String returns the wire name of the kind.
func (k TargetKind) String() string {
	switch k {
	case TargetUser:
		return "user"
	case TargetGroup:
		return "group"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target identifies the conversation a message belongs to. It is a tagged
// union of a user identity and a group identity; both sides of the system
// (socket frames and REST fetches) resolve targets through the same Key
// derivation so a conversation is never split across two caches.
type Target struct {
	Kind TargetKind
	ID   int64
}

// UserTarget returns a direct-conversation target for the given user ID.
func UserTarget(id int64) Target { return Target{Kind: TargetUser, ID: id} }

// GroupTarget returns a group-conversation target for the given group ID.
func GroupTarget(id int64) Target { return Target{Kind: TargetGroup, ID: id} }

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool { return t.Kind == 0 }

// IsGroup reports whether the target addresses a group conversation.
func (t Target) IsGroup() bool { return t.Kind == TargetGroup }

// Key returns the canonical map key for the target. Frames arriving over the
// socket and rows read from the cache must produce identical keys.
func (t Target) Key() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// targetJSON is the wire representation of a Target.
type targetJSON struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// MarshalJSON encodes the target as {"kind":"user"|"group","id":N}.
func (t Target) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case TargetUser, TargetGroup:
		return json.Marshal(targetJSON{Kind: t.Kind.String(), ID: t.ID})
	default:
		return nil, fmt.Errorf("model: cannot marshal target with kind %d", int(t.Kind))
	}
}

// UnmarshalJSON decodes the wire representation, rejecting unknown kinds.
func (t *Target) UnmarshalJSON(data []byte) error {
	var w targetJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("model: failed to unmarshal target: %w", err)
	}
	switch w.Kind {
	case "user":
		t.Kind = TargetUser
	case "group":
		t.Kind = TargetGroup
	default:
		return fmt.Errorf("model: unknown target kind %q", w.Kind)
	}
	t.ID = w.ID
	return nil
}

// ---------------------------------------------------------------------------
// Users and presence
// ---------------------------------------------------------------------------

// Presence is a user's availability state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// Valid reports whether the presence value is one of the known states.
func (p Presence) Valid() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}

// User is a chat participant. Mutated by presence events and profile
// updates; never deleted while a contact or message still references it.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Status    Presence  `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// ContentKind is the payload kind of a message.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentFile  ContentKind = "file"
)

// Message is a single chat message. ID is server-assigned and unique within
// the message's conversation; a client-origin message carries only LocalID
// until the server confirms it, at which point the provisional entry is
// rebound to the server ID in one step.
type Message struct {
	ID        int64       `json:"id"`
	LocalID   string      `json:"local_id,omitempty"`
	SenderID  int64       `json:"sender_id"`
	Target    Target      `json:"target"`
	Body      string      `json:"body"`
	Kind      ContentKind `json:"content_kind"`
	Timestamp time.Time   `json:"timestamp"`
	Read      bool        `json:"is_read"`
	Pending   bool        `json:"-"`
}

// ---------------------------------------------------------------------------
// Contacts and groups
// ---------------------------------------------------------------------------

// Contact is an edge from the local user to a peer, with a denormalized
// snapshot of the peer for display.
type Contact struct {
	OwnerID int64     `json:"owner_id"`
	Peer    User      `json:"peer"`
	AddedAt time.Time `json:"added_at"`
}

// Group is a named multi-party conversation target.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupMember records a user's membership in a group.
type GroupMember struct {
	GroupID  int64     `json:"group_id"`
	UserID   int64     `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// AuthSession is the single signed-in identity. It is superseded, not
// appended, on refresh and erased on logout.
type AuthSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       int64     `json:"user_id"`
}

// Expired reports whether the access token has passed its expiry instant.
func (s AuthSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
