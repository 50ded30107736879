package service

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// rateLimiter is a sliding-window counter keyed by sender.
type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
	clock  func() time.Time
}

func newRateLimiter(max int, window time.Duration, clock func() time.Time) *rateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window, clock: clock}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	cutoff := now.Add(-r.window)
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// SendGate enforces the per-sender message rate limit and suppresses
// duplicate content within a short window. Enforcement is authoritative
// here; client-side checks are UX hints only.
type SendGate struct {
	limiter *rateLimiter

	mu        sync.Mutex
	recent    map[string]time.Time // senderID:contentHash -> last send
	dupWindow time.Duration
	clock     func() time.Time
}

func NewSendGate(maxPerWindow int, window, dupWindow time.Duration, clock func() time.Time) *SendGate {
	if clock == nil {
		clock = time.Now
	}
	return &SendGate{
		limiter:   newRateLimiter(maxPerWindow, window, clock),
		recent:    make(map[string]time.Time),
		dupWindow: dupWindow,
		clock:     clock,
	}
}

// Allow returns a rate-limit error when the sender exceeded the message
// quota or repeated the same content within the duplicate window.
// The duplicate check runs first and a rejection on either ground records
// nothing: suppressed duplicates must not burn quota for legitimate sends,
// and a quota rejection must not flag the content as already seen.
func (g *SendGate) Allow(senderID, content string) error {
	var key string
	now := g.clock()
	if g.dupWindow > 0 {
		h := fnv.New64a()
		h.Write([]byte(content))
		key = senderID + ":" + strconv.FormatUint(h.Sum64(), 16)

		g.mu.Lock()
		last, seen := g.recent[key]
		g.mu.Unlock()
		if seen && now.Sub(last) < g.dupWindow {
			return rateLimitf("duplicate message suppressed")
		}
	}

	if !g.limiter.allow(senderID) {
		return rateLimitf("message rate limit exceeded")
	}
	if g.dupWindow <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Opportunistic cleanup keeps the map from growing without bound.
	if len(g.recent) > 4096 {
		cutoff := now.Add(-g.dupWindow)
		for k, t := range g.recent {
			if t.Before(cutoff) {
				delete(g.recent, k)
			}
		}
	}
	g.recent[key] = now
	return nil
}
