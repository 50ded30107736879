package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evently/messaging/internal/event"
	"github.com/evently/messaging/internal/model"
	"github.com/evently/messaging/internal/repository"
)

// memQueue is an in-memory QueueStore with the repository's claim
// semantics: ClaimDue flips pending -> sending so a claimed entry cannot
// be claimed twice.
type memQueue struct {
	mu      sync.Mutex
	entries map[string]*model.OfflineQueueEntry
	retries []retryCall
}

type retryCall struct {
	id       string
	attempts int
	next     time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{entries: make(map[string]*model.OfflineQueueEntry)}
}

func (q *memQueue) Enqueue(ctx context.Context, e *model.OfflineQueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *e
	q.entries[e.ID] = &cp
	return nil
}

func (q *memQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.OfflineQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*model.OfflineQueueEntry
	for _, e := range q.entries {
		if e.Status == model.QueuePending && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	// Same ordering contract as the SQL claim: retry time, then creation
	// time, so ties left by a backoff reset flush in creation order.
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]model.OfflineQueueEntry, 0, len(due))
	for _, e := range due {
		e.Status = model.QueueSending
		out = append(out, *e)
	}
	return out, nil
}

func (q *memQueue) MarkSent(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return repository.ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *memQueue) Retry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = model.QueuePending
	e.AttemptCount = attempts
	e.NextRetryAt = next
	e.LastError = lastErr
	q.retries = append(q.retries, retryCall{id: id, attempts: attempts, next: next})
	return nil
}

func (q *memQueue) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = model.QueueFailed
	e.AttemptCount = attempts
	e.LastError = lastErr
	return nil
}

func (q *memQueue) ResetBackoffFor(ctx context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.UserID == userID && e.Status == model.QueuePending {
			e.NextRetryAt = time.Time{}
		}
	}
	return nil
}

func (q *memQueue) HasPending(ctx context.Context, userID, kind string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.UserID == userID && e.Kind == kind &&
			(e.Status == model.QueuePending || e.Status == model.QueueSending) {
			return true, nil
		}
	}
	return false, nil
}

func (q *memQueue) byUser(userID string) []model.OfflineQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.OfflineQueueEntry
	for _, e := range q.entries {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// recordingSender captures envelopes pushed to one connection.
type recordingSender struct {
	mu   sync.Mutex
	envs []event.Envelope
	fail bool
}

func (s *recordingSender) Send(env event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errUnreachable
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSender) received() []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

// memNotifStore records in-app notifications and serves preferences.
type memNotifStore struct {
	mu      sync.Mutex
	created []model.Notification
	prefs   map[string]*model.NotificationPreference
}

func newMemNotifStore() *memNotifStore {
	return &memNotifStore{prefs: make(map[string]*model.NotificationPreference)}
}

func (s *memNotifStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, *n)
	return nil
}

func (s *memNotifStore) GetPreferences(ctx context.Context, userID string) (*model.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prefs[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return model.DefaultPreference(userID), nil
}

func (s *memNotifStore) notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Notification, len(s.created))
	copy(out, s.created)
	return out
}

// stubChannel is a ChannelSender that records sends and optionally fails.
type stubChannel struct {
	mu    sync.Mutex
	sends []string // userIDs
	err   error
}

func (c *stubChannel) Send(ctx context.Context, userID string, n *model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sends = append(c.sends, userID)
	return nil
}

func (c *stubChannel) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

// stubMutes serves per-thread mute deadlines.
type stubMutes struct {
	mu    sync.Mutex
	until map[string]*time.Time // threadID:userID
}

func (m *stubMutes) MutedUntil(ctx context.Context, threadID, userID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.until[threadID+":"+userID], nil
}

func (m *stubMutes) mute(threadID, userID string, until time.Time) {
	m.mu.Lock()
	if m.until == nil {
		m.until = make(map[string]*time.Time)
	}
	m.until[threadID+":"+userID] = &until
	m.mu.Unlock()
}

// stubMarker records delivered message/user pairs.
type stubMarker struct {
	mu     sync.Mutex
	marked []string // messageID:userID
}

func (m *stubMarker) MarkDelivered(ctx context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, messageID+":"+userID)
	return nil
}

func (m *stubMarker) deliveredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marked)
}
