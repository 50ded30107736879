package model

import (
	"sort"
	"strings"
	"time"
)

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
	ThreadDeleted  ThreadStatus = "deleted"
)

// Thread is a persistent conversation container for a fixed participant set.
// Participants are immutable after creation; threads are soft-deleted via
// Status, never removed.
type Thread struct {
	ID             string               `json:"id"`
	ParticipantIDs []string             `json:"participant_ids"`
	LastMessageID  *string              `json:"last_message_id,omitempty"`
	LastMessageAt  *time.Time           `json:"last_message_at,omitempty"`
	UnreadCount    map[string]int       `json:"unread_count,omitempty"`
	Status         ThreadStatus         `json:"status"`
	PinnedAt       map[string]time.Time `json:"pinned_at,omitempty"`
	MutedUntil     map[string]time.Time `json:"muted_until,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// IsParticipant reports whether userID belongs to the thread.
func (t *Thread) IsParticipant(userID string) bool {
	for _, id := range t.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Recipients returns all participants except the given sender.
func (t *Thread) Recipients(senderID string) []string {
	out := make([]string, 0, len(t.ParticipantIDs))
	for _, id := range t.ParticipantIDs {
		if id != senderID {
			out = append(out, id)
		}
	}
	return out
}

// ParticipantKey builds the dedupe key for a participant set: the sorted
// id tuple joined with ":". Two threads with the same set share a key.
func ParticipantKey(ids []string) string {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ":")
}
