// Package protocol defines the frames exchanged with the chat server over the
// realtime socket. Every frame is a JSON envelope with a type discriminator,
// a kind-specific data payload, and a timestamp. The envelope captures the
// raw payload bytes so decoding into the concrete struct can be deferred
// until the type is known.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cereals/chat-client/internal/model"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Server -> Client frame types.
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypeUserStatus  = "user_status"
	TypePong        = "pong"
)

// Client -> Server frame types. Typing and ping are the only frames the
// client originates on the socket; everything else goes through REST.
const (
	TypePing = "ping"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the wire format shared by every frame: a type discriminator,
// the kind-specific payload, and a unix-millisecond timestamp.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// UnmarshalJSON validates that the type discriminator is present while
// leaving the data payload raw for deferred decoding.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if a.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	*e = Envelope(a)
	return nil
}

// Time returns the envelope timestamp as a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// MessageData is a chat message delivered by the server. LocalID is echoed
// back only on the sender's own confirmation frame so the client can
// reconcile its provisional entry instead of appending a duplicate.
type MessageData struct {
	ID       int64             `json:"id"`
	LocalID  string            `json:"local_id,omitempty"`
	SenderID int64             `json:"sender_id"`
	Target   model.Target      `json:"target"`
	Body     string            `json:"body"`
	Kind     model.ContentKind `json:"content_kind"`
	Ts       int64             `json:"ts"`
}

// Message converts the payload into the shared model type.
func (d MessageData) Message() model.Message {
	kind := d.Kind
	if kind == "" {
		kind = model.ContentText
	}
	return model.Message{
		ID:        d.ID,
		LocalID:   d.LocalID,
		SenderID:  d.SenderID,
		Target:    d.Target,
		Body:      d.Body,
		Kind:      kind,
		Timestamp: time.UnixMilli(d.Ts),
	}
}

// TypingData signals that a user started or stopped typing in a conversation.
type TypingData struct {
	UserID   int64        `json:"user_id"`
	Target   model.Target `json:"target"`
	IsTyping bool         `json:"is_typing"`
}

// ReadReceiptData signals that a message was read on another device or by
// the conversation peer.
type ReadReceiptData struct {
	MessageID int64        `json:"message_id"`
	Target    model.Target `json:"target"`
	ReaderID  int64        `json:"reader_id"`
}

// UserStatusData signals a presence change for a user.
type UserStatusData struct {
	UserID int64          `json:"user_id"`
	Status model.Presence `json:"status"`
}

// PongData is the server's reply to a client ping.
type PongData struct{}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// PingData is the heartbeat payload. It carries no fields; the envelope
// timestamp is the ping time.
type PingData struct{}

// ClientTypingData tells the server the local user's typing state.
type ClientTypingData struct {
	Target   model.Target `json:"target"`
	IsTyping bool         `json:"is_typing"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerFrame parses raw socket bytes into a typed server payload. It
// returns the frame type, the decoded struct, and any error encountered.
// Unknown types are an error so new server frames surface loudly instead of
// being silently dropped.
func ParseServerFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		payload interface{}
		err     error
	)

	switch env.Type {
	case TypeMessage:
		var d MessageData
		err = json.Unmarshal(env.Data, &d)
		payload = d
	case TypeTyping:
		var d TypingData
		err = json.Unmarshal(env.Data, &d)
		payload = d
	case TypeReadReceipt:
		var d ReadReceiptData
		err = json.Unmarshal(env.Data, &d)
		payload = d
	case TypeUserStatus:
		var d UserStatusData
		err = json.Unmarshal(env.Data, &d)
		payload = d
	case TypePong:
		payload = PongData{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, payload, nil
}

// NewClientFrame builds the JSON bytes for an outbound frame of the given
// type. The payload may be nil for frames that carry no data (ping).
func NewClientFrame(frameType string, payload interface{}) ([]byte, error) {
	env := Envelope{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", frameType, err)
		}
		env.Data = raw
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
