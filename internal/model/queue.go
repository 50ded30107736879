package model

import (
	"encoding/json"
	"time"
)

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSending QueueStatus = "sending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// Queue entry kinds. Message entries are re-pushed over the transport;
// email/push entries re-run the failed notification channel.
const (
	QueueKindMessage = "message"
	QueueKindEmail   = "notification:email"
	QueueKindPush    = "notification:push"
)

// OfflineQueueEntry is a durable retry unit. Entries move
// pending -> sending -> sent, or back to pending with an increased attempt
// count, or to failed once attempts are exhausted. Failed entries stay
// around for inspection; they are never silently dropped.
type OfflineQueueEntry struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	Status       QueueStatus     `json:"status"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
