// Package memory is the in-process presence backend used when no Redis is
// configured (single-node deployments and tests).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/evently/messaging/internal/model"
)

type Client struct {
	mu   sync.RWMutex
	recs map[string]model.PresenceRecord
}

func New() *Client {
	return &Client{recs: make(map[string]model.PresenceRecord)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.recs[userID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (c *Client) Set(ctx context.Context, rec *model.PresenceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs[rec.UserID] = *rec
	return nil
}

func (c *Client) BulkGet(ctx context.Context, userIDs []string) (map[string]*model.PresenceRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*model.PresenceRecord, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := c.recs[id]; ok {
			r := rec
			out[id] = &r
		}
	}
	return out, nil
}

func (c *Client) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stale []string
	for id, rec := range c.recs {
		if rec.Status != model.PresenceOffline && rec.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

func (c *Client) Idle(ctx context.Context, cutoff time.Time) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var idle []string
	for id, rec := range c.recs {
		if rec.Status != model.PresenceOffline && rec.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle, nil
}
