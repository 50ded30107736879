package model

import "time"

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Attachment is an opaque reference to an uploaded file.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadReceipt records when a recipient read a message.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// EditRevision preserves the pre-edit content of a message.
type EditRevision struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

// Message is persisted on send and soft-deleted as a redacted tombstone.
// Status advances sent -> delivered -> read and never regresses.
type Message struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"thread_id"`
	SenderID     string         `json:"sender_id"`
	RecipientIDs []string       `json:"recipient_ids,omitempty"`
	Content      string         `json:"content"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
	Reactions    []Reaction     `json:"reactions,omitempty"`
	Status       MessageStatus  `json:"status"`
	ReadBy       []ReadReceipt  `json:"read_by,omitempty"`
	EditedAt     *time.Time     `json:"edited_at,omitempty"`
	EditHistory  []EditRevision `json:"edit_history,omitempty"`
	IsDeleted    bool           `json:"is_deleted"`
	CreatedAt    time.Time      `json:"created_at"`
}
