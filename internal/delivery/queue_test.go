package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evently/messaging/internal/model"
)

type workerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *workerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *workerClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func queuedEntry(id, userID string) *model.OfflineQueueEntry {
	return &model.OfflineQueueEntry{
		ID:          id,
		UserID:      userID,
		Kind:        model.QueueKindMessage,
		Payload:     []byte(`{"type":"message:received","payload":{}}`),
		Status:      model.QueuePending,
		NextRetryAt: time.Time{},
		CreatedAt:   time.Now().UTC(),
	}
}

func TestProcessOnceDeliversAndRemoves(t *testing.T) {
	queue := newMemQueue()
	clock := &workerClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedEntry("e1", "bob")))

	delivered := 0
	w := NewWorker(queue, func(ctx context.Context, e *model.OfflineQueueEntry) error {
		delivered++
		return nil
	}, WorkerConfig{Clock: clock.Now})

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, delivered)
	require.Equal(t, 0, queue.count(), "delivered entries are removed")
}

func TestFailedDeliveryReschedulesWithBackoff(t *testing.T) {
	queue := newMemQueue()
	clock := &workerClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedEntry("e1", "bob")))

	w := NewWorker(queue, func(ctx context.Context, e *model.OfflineQueueEntry) error {
		return errUnreachable
	}, WorkerConfig{Clock: clock.Now})

	// Schedule: 2s, 4s, 8s, 16s between attempts; the 5th attempt fails
	// the entry for good.
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantDelays {
		n, err := w.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		queue.mu.Lock()
		call := queue.retries[len(queue.retries)-1]
		queue.mu.Unlock()
		require.Equal(t, i+1, call.attempts)
		require.Equal(t, clock.Now().Add(want), call.next)

		// Not due yet: nothing to claim until the backoff elapses.
		n, err = w.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, n)

		clock.Advance(want)
	}

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries := queue.byUser("bob")
	require.Len(t, entries, 1, "exhausted entries are kept for inspection")
	require.Equal(t, model.QueueFailed, entries[0].Status)
	require.Equal(t, 5, entries[0].AttemptCount)
	require.NotEmpty(t, entries[0].LastError)
}

func TestBackoffDelaysAreMonotonic(t *testing.T) {
	queue := newMemQueue()
	clock := &workerClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedEntry("e1", "bob")))

	w := NewWorker(queue, func(ctx context.Context, e *model.OfflineQueueEntry) error {
		return errUnreachable
	}, WorkerConfig{MaxAttempts: 10, Clock: clock.Now})

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		before := clock.Now()
		_, err := w.ProcessOnce(ctx)
		require.NoError(t, err)

		queue.mu.Lock()
		call := queue.retries[len(queue.retries)-1]
		queue.mu.Unlock()
		delays = append(delays, call.next.Sub(before))
		clock.Advance(call.next.Sub(before))
	}

	for i := 1; i < len(delays); i++ {
		require.GreaterOrEqual(t, delays[i], delays[i-1], "delay must never shrink between attempts")
	}
	// Past the schedule the last step repeats.
	require.Equal(t, 30*time.Second, delays[len(delays)-1])
	require.Equal(t, 30*time.Second, delays[len(delays)-2])
}

func TestExhaustionInvokesOnExhausted(t *testing.T) {
	queue := newMemQueue()
	clock := &workerClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedEntry("e1", "bob")))

	var exhausted []*model.OfflineQueueEntry
	w := NewWorker(queue, func(ctx context.Context, e *model.OfflineQueueEntry) error {
		return errors.New("provider down")
	}, WorkerConfig{
		MaxAttempts: 2,
		Clock:       clock.Now,
		OnExhausted: func(e *model.OfflineQueueEntry) { exhausted = append(exhausted, e) },
	})

	_, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = w.ProcessOnce(ctx)
	require.NoError(t, err)

	require.Len(t, exhausted, 1)
	require.Equal(t, "e1", exhausted[0].ID)
	require.Equal(t, model.QueueFailed, exhausted[0].Status)
	require.Equal(t, 2, exhausted[0].AttemptCount)
	require.Equal(t, "provider down", exhausted[0].LastError)
}

func TestClaimedEntryIsNotDoubleProcessed(t *testing.T) {
	queue := newMemQueue()
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, queuedEntry("e1", "bob")))

	// Claim without completing, as if another worker holds the entry.
	claimed, err := queue.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w := NewWorker(queue, func(ctx context.Context, e *model.OfflineQueueEntry) error {
		t.Fatal("entry processed twice")
		return nil
	}, WorkerConfig{})

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestClaimBatchLimit(t *testing.T) {
	queue := newMemQueue()
	clock := &workerClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, queue.Enqueue(ctx, queuedEntry(id, "bob")))
	}

	w := NewWorker(queue, func(ctx context.Context, e *model.OfflineQueueEntry) error {
		return nil
	}, WorkerConfig{ClaimBatch: 2, Clock: clock.Now})

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, queue.count())
}

func TestBackoffResetRedeliversInCreationOrder(t *testing.T) {
	queue := newMemQueue()
	clock := &workerClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	// Three entries with staggered retry times, queued oldest first.
	base := clock.Now()
	for i, id := range []string{"e1", "e2", "e3"} {
		e := queuedEntry(id, "bob")
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		e.NextRetryAt = base.Add(time.Duration(3-i) * time.Minute)
		require.NoError(t, queue.Enqueue(ctx, e))
	}

	// A reconnect collapses every retry time to the same instant. Creation
	// time is the remaining tiebreak, so the flush keeps arrival order.
	require.NoError(t, queue.ResetBackoffFor(ctx, "bob"))

	var order []string
	w := NewWorker(queue, func(ctx context.Context, e *model.OfflineQueueEntry) error {
		order = append(order, e.ID)
		return nil
	}, WorkerConfig{Clock: clock.Now})

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{"e1", "e2", "e3"}, order)
}
