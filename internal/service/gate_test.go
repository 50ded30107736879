package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendGateAllowsUpToQuota(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewSendGate(2, time.Minute, 10*time.Second, clock.Now)

	require.NoError(t, g.Allow("alice", "one"))
	require.NoError(t, g.Allow("alice", "two"))
	err := g.Allow("alice", "three")
	require.Error(t, err)
	require.True(t, IsRateLimit(err))
}

func TestDuplicateRejectionDoesNotConsumeQuota(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewSendGate(2, time.Minute, 10*time.Second, clock.Now)

	require.NoError(t, g.Allow("alice", "same"))
	for i := 0; i < 5; i++ {
		err := g.Allow("alice", "same")
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate")
	}

	// One slot was spent on the original send; the second is still free.
	require.NoError(t, g.Allow("alice", "fresh"))
	err := g.Allow("alice", "another")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit")
}

func TestQuotaRejectionDoesNotMarkContentAsSeen(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewSendGate(1, time.Minute, 10*time.Minute, clock.Now)

	require.NoError(t, g.Allow("alice", "first"))
	err := g.Allow("alice", "second")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit")

	// Once the window slides, the quota-rejected content sends fine; it was
	// never actually delivered, so it is not a duplicate.
	clock.Advance(61 * time.Second)
	require.NoError(t, g.Allow("alice", "second"))
}

func TestDuplicateAllowedAfterWindow(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewSendGate(100, time.Minute, 10*time.Second, clock.Now)

	require.NoError(t, g.Allow("alice", "same"))
	require.Error(t, g.Allow("alice", "same"))

	clock.Advance(11 * time.Second)
	require.NoError(t, g.Allow("alice", "same"))
}

func TestDuplicateWindowIsPerSender(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewSendGate(100, time.Minute, 10*time.Second, clock.Now)

	require.NoError(t, g.Allow("alice", "same"))
	require.NoError(t, g.Allow("bob", "same"), "another sender's content is not a duplicate")
}
