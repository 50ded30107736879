// Package redis is the distributed presence backend: records in per-user
// hashes, heartbeat recency in a sorted set so the sweep can range-scan
// stale users without touching every key.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evently/messaging/internal/model"
)

const (
	recKeyPrefix = "presence:user:"
	heartbeatZ   = "presence:heartbeats"
	activityZ    = "presence:activity"
	// Records expire on their own well after the sweep would have demoted
	// them, so a dead instance cannot leave users online forever.
	recordTTL = 24 * time.Hour
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient wraps an existing client (tests use this with miniredis).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	vals, err := c.cli.HGetAll(ctx, recKeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence redis get: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return parseRecord(userID, vals)
}

func (c *Client) Set(ctx context.Context, rec *model.PresenceRecord) error {
	key := recKeyPrefix + rec.UserID
	pipe := c.cli.Pipeline()
	pipe.HSet(ctx, key,
		"status", string(rec.Status),
		"heartbeat_at", rec.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
		"activity_at", rec.LastActivityAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, recordTTL)
	if rec.Status == model.PresenceOffline {
		// Offline users leave the sweep indexes; they re-enter on heartbeat.
		pipe.ZRem(ctx, heartbeatZ, rec.UserID)
		pipe.ZRem(ctx, activityZ, rec.UserID)
	} else {
		pipe.ZAdd(ctx, heartbeatZ, redis.Z{
			Score:  float64(rec.LastHeartbeatAt.UnixMilli()),
			Member: rec.UserID,
		})
		pipe.ZAdd(ctx, activityZ, redis.Z{
			Score:  float64(rec.LastActivityAt.UnixMilli()),
			Member: rec.UserID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence redis set: %w", err)
	}
	return nil
}

func (c *Client) BulkGet(ctx context.Context, userIDs []string) (map[string]*model.PresenceRecord, error) {
	pipe := c.cli.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, recKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence redis bulk get: %w", err)
	}
	out := make(map[string]*model.PresenceRecord, len(userIDs))
	for i, id := range userIDs {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		rec, err := parseRecord(id, vals)
		if err != nil {
			continue
		}
		out[id] = rec
	}
	return out, nil
}

func (c *Client) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := c.cli.ZRangeByScore(ctx, heartbeatZ, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence redis stale: %w", err)
	}
	return ids, nil
}

func (c *Client) Idle(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := c.cli.ZRangeByScore(ctx, activityZ, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence redis idle: %w", err)
	}
	return ids, nil
}

func parseRecord(userID string, vals map[string]string) (*model.PresenceRecord, error) {
	hb, err := time.Parse(time.RFC3339Nano, vals["heartbeat_at"])
	if err != nil {
		return nil, fmt.Errorf("presence redis parse heartbeat_at: %w", err)
	}
	act := hb
	if raw, ok := vals["activity_at"]; ok && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			act = t
		}
	}
	return &model.PresenceRecord{
		UserID:          userID,
		Status:          model.PresenceStatus(vals["status"]),
		LastHeartbeatAt: hb,
		LastActivityAt:  act,
	}, nil
}
