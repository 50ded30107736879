package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, rl.allow("1.2.3.4"))
	}
	require.False(t, rl.allow("1.2.3.4"))
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)

	require.True(t, rl.allow("1.2.3.4"))
	require.False(t, rl.allow("1.2.3.4"))
	require.True(t, rl.allow("5.6.7.8"))
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := newRateLimiter(2, 50*time.Millisecond)

	require.True(t, rl.allow("k"))
	require.True(t, rl.allow("k"))
	require.False(t, rl.allow("k"))

	time.Sleep(60 * time.Millisecond)
	require.True(t, rl.allow("k"))
}
