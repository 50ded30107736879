// Package event defines the wire contract between the messaging core and
// connected clients: tagged event types with typed payloads, dispatched from
// a single ingestion point so the gateway can match exhaustively.
package event

import (
	"time"

	"github.com/evently/messaging/internal/model"
)

type Type string

const (
	// Client -> server.
	TypeMessageSend    Type = "message:send"
	TypeMessageEdit    Type = "message:edit"
	TypeMessageDelete  Type = "message:delete"
	TypeMessageRead    Type = "message:read"
	TypeTypingStart    Type = "typing:start"
	TypeTypingStop     Type = "typing:stop"
	TypePresenceSet    Type = "presence:set"
	TypeReactionSend   Type = "reaction:send"
	TypeReactionRemove Type = "reaction:remove"
	TypeHeartbeat      Type = "heartbeat"

	// Server -> client.
	TypeMessageReceived  Type = "message:received"
	TypeMessageSent      Type = "message:sent"
	TypeMessageEdited    Type = "message:edited"
	TypeMessageDeleted   Type = "message:deleted"
	TypeMessageReadBy    Type = "message:read_by"
	TypeTyping           Type = "typing"
	TypePresenceUpdate   Type = "presence:update"
	TypeReactionReceived Type = "reaction:received"
	TypeReactionRemoved  Type = "reaction:removed"
	TypeError            Type = "error"
)

// Incoming is the envelope a client sends over the transport. Fields are
// populated per event type; the gateway validates what each type requires.
type Incoming struct {
	Type         Type               `json:"type"`
	ThreadID     string             `json:"thread_id,omitempty"`
	RecipientIDs []string           `json:"recipient_ids,omitempty"`
	Content      string             `json:"content,omitempty"`
	Attachments  []model.Attachment `json:"attachments,omitempty"`
	MessageID    string             `json:"message_id,omitempty"`
	Emoji        string             `json:"emoji,omitempty"`
	Status       string             `json:"status,omitempty"`
}

// Envelope is what the server pushes to a client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type Envelope struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// --- Typed payloads ---

// MessagePayload carries a full message for message:received / message:sent.
type MessagePayload struct {
	Message *model.Message `json:"message"`
}

// MessageEditedPayload is broadcast when a message is edited.
type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// MessageDeletedPayload is broadcast when a message is tombstoned.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

// ReadPayload is broadcast when a participant reads a thread.
type ReadPayload struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id"`
	ReadAt   time.Time `json:"read_at"`
}

// TypingPayload is broadcast while a participant is typing.
type TypingPayload struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Typing   bool   `json:"typing"`
}

// ReactionPayload is broadcast when a reaction is added or removed.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// PresencePayload is broadcast on presence transitions.
type PresencePayload struct {
	UserID string               `json:"user_id"`
	Status model.PresenceStatus `json:"status"`
	At     time.Time            `json:"at"`
}

// ErrorPayload is sent to the offending client only.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
