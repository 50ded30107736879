// Package presence tracks derived online/away/offline status per user.
// Status is eventually consistent and debounced: a disconnect alone never
// flips a user offline; only the periodic sweep does, once the heartbeat TTL
// has expired with zero live connections. That tolerates quick reconnects
// (page refresh, mobile network switches) without visible flicker.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
	"github.com/evently/messaging/internal/storage"
)

// ConnectionCounter answers "does this user hold a live connection".
// Implemented by the connection registry.
type ConnectionCounter interface {
	IsOnline(userID string) bool
}

// Config holds the presence timing knobs.
type Config struct {
	// TTL is the heartbeat window: a user with no heartbeat for TTL and no
	// connections goes offline on the next sweep.
	TTL time.Duration
	// AwayAfter demotes online users to away after this much inactivity.
	AwayAfter time.Duration
	// SweepEvery is the background sweep interval.
	SweepEvery time.Duration
	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = 75 * time.Second
	}
	if c.AwayAfter <= 0 {
		c.AwayAfter = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Store runs the per-user presence state machine over a pluggable backend.
type Store struct {
	backend storage.PresenceBackend
	conns   ConnectionCounter
	cfg     Config

	mu   sync.RWMutex
	subs []func(model.PresenceEvent)
}

func NewStore(backend storage.PresenceBackend, conns ConnectionCounter, cfg Config) *Store {
	cfg.norm()
	return &Store{backend: backend, conns: conns, cfg: cfg}
}

// Subscribe registers a callback for status transitions. Callbacks run on
// the transitioning goroutine and must not block.
func (s *Store) Subscribe(fn func(model.PresenceEvent)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) emit(ev model.PresenceEvent) {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Heartbeat refreshes the user's heartbeat timestamp. Idempotent: repeated
// calls leave the status unchanged except for the offline -> online edge.
func (s *Store) Heartbeat(ctx context.Context, userID string) error {
	now := s.cfg.Clock().UTC()
	rec, err := s.backend.Get(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &model.PresenceRecord{UserID: userID, Status: model.PresenceOffline}
	}
	old := rec.Status
	rec.LastHeartbeatAt = now
	if old == model.PresenceOffline {
		rec.Status = model.PresenceOnline
		rec.LastActivityAt = now
	}
	if err := s.backend.Set(ctx, rec); err != nil {
		return err
	}
	if old != rec.Status {
		s.emit(model.PresenceEvent{UserID: userID, OldStatus: old, NewStatus: rec.Status, At: now})
	}
	return nil
}

// Activity records user activity: refreshes heartbeat and activity time and
// pulls an away user back online.
func (s *Store) Activity(ctx context.Context, userID string) error {
	return s.setStatus(ctx, userID, model.PresenceOnline, true)
}

// MarkOnline is an explicit status override from the client.
func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	return s.setStatus(ctx, userID, model.PresenceOnline, true)
}

// MarkAway is an explicit status override from the client.
func (s *Store) MarkAway(ctx context.Context, userID string) error {
	return s.setStatus(ctx, userID, model.PresenceAway, false)
}

func (s *Store) setStatus(ctx context.Context, userID string, status model.PresenceStatus, activity bool) error {
	now := s.cfg.Clock().UTC()
	rec, err := s.backend.Get(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &model.PresenceRecord{UserID: userID, Status: model.PresenceOffline}
	}
	old := rec.Status
	rec.Status = status
	rec.LastHeartbeatAt = now
	if activity {
		rec.LastActivityAt = now
	}
	if err := s.backend.Set(ctx, rec); err != nil {
		return err
	}
	if old != status {
		s.emit(model.PresenceEvent{UserID: userID, OldStatus: old, NewStatus: status, At: now})
	}
	return nil
}

// Status returns the user's current derived status. Never-seen users are
// offline.
func (s *Store) Status(ctx context.Context, userID string) (model.PresenceStatus, error) {
	rec, err := s.backend.Get(ctx, userID)
	if err != nil {
		return model.PresenceOffline, err
	}
	if rec == nil {
		return model.PresenceOffline, nil
	}
	return rec.Status, nil
}

// BulkStatus is the batched lookup used when rendering thread lists, so one
// page render does not fan out into N status queries.
func (s *Store) BulkStatus(ctx context.Context, userIDs []string) (map[string]model.PresenceStatus, error) {
	recs, err := s.backend.BulkGet(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.PresenceStatus, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := recs[id]; ok {
			out[id] = rec.Status
		} else {
			out[id] = model.PresenceOffline
		}
	}
	return out, nil
}

// Sweep demotes users in one pass: online -> away after prolonged
// inactivity, online|away -> offline when the heartbeat TTL expired and no
// connection remains. Returns the number of transitions applied.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.cfg.Clock().UTC()
	transitions := 0

	// Offline pass: heartbeat stale AND zero registered connections.
	stale, err := s.backend.Stale(ctx, now.Add(-s.cfg.TTL))
	if err != nil {
		return 0, err
	}
	for _, userID := range stale {
		if s.conns != nil && s.conns.IsOnline(userID) {
			continue
		}
		rec, err := s.backend.Get(ctx, userID)
		if err != nil || rec == nil || rec.Status == model.PresenceOffline {
			continue
		}
		// Re-check under the fresh read: a heartbeat may have landed
		// between Stale and Get.
		if rec.LastHeartbeatAt.After(now.Add(-s.cfg.TTL)) {
			continue
		}
		old := rec.Status
		rec.Status = model.PresenceOffline
		if err := s.backend.Set(ctx, rec); err != nil {
			logger.Errorf("presence sweep set offline user=%s: %v", userID, err)
			continue
		}
		transitions++
		s.emit(model.PresenceEvent{UserID: userID, OldStatus: old, NewStatus: model.PresenceOffline, At: now})
	}

	// Away pass: still heartbeating but inactive too long.
	idle, err := s.backend.Idle(ctx, now.Add(-s.cfg.AwayAfter))
	if err != nil {
		return transitions, err
	}
	for _, userID := range idle {
		rec, err := s.backend.Get(ctx, userID)
		if err != nil || rec == nil || rec.Status != model.PresenceOnline {
			continue
		}
		rec.Status = model.PresenceAway
		if err := s.backend.Set(ctx, rec); err != nil {
			logger.Errorf("presence sweep set away user=%s: %v", userID, err)
			continue
		}
		transitions++
		s.emit(model.PresenceEvent{UserID: userID, OldStatus: model.PresenceOnline, NewStatus: model.PresenceAway, At: now})
	}
	return transitions, nil
}

// Run executes the periodic sweep until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				logger.Errorf("presence sweep: %v", err)
			} else if n > 0 {
				logger.Infof("presence sweep: %d transitions", n)
			}
		}
	}
}
