// Package storage defines the presence backend contract.
// Implementations: redis.Client for multi-instance deployments,
// memory.Client for single-node and tests.
package storage

import (
	"context"
	"time"

	"github.com/evently/messaging/internal/model"
)

// PresenceBackend stores presence records. The state machine lives in the
// presence package; backends only persist and index by heartbeat recency.
type PresenceBackend interface {
	// Get returns the record for a user, or nil if the user was never seen.
	Get(ctx context.Context, userID string) (*model.PresenceRecord, error)
	// Set upserts a record.
	Set(ctx context.Context, rec *model.PresenceRecord) error
	// BulkGet returns records for the given users; missing users are absent
	// from the result map.
	BulkGet(ctx context.Context, userIDs []string) (map[string]*model.PresenceRecord, error)
	// Stale returns users whose last heartbeat is strictly before cutoff and
	// whose status is not already offline.
	Stale(ctx context.Context, cutoff time.Time) ([]string, error)
	// Idle returns users whose last activity is strictly before cutoff and
	// whose status is not already offline.
	Idle(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}
