package model

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the derived online/away/offline state for a user.
// Status is online only while at least one live connection exists and the
// last heartbeat is within the TTL window; the sweep demotes stale users.
type PresenceRecord struct {
	UserID          string         `json:"user_id"`
	Status          PresenceStatus `json:"status"`
	LastHeartbeatAt time.Time      `json:"last_heartbeat_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
}

// PresenceEvent is emitted on every status transition.
type PresenceEvent struct {
	UserID    string         `json:"user_id"`
	OldStatus PresenceStatus `json:"old_status"`
	NewStatus PresenceStatus `json:"new_status"`
	At        time.Time      `json:"at"`
}
