// Package registry maps authenticated users to their live transport
// connections. It is shared mutable state touched by every connect and
// disconnect, so all access goes through one lock with O(1) lookups both by
// user and by connection id.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/evently/messaging/internal/event"
)

// ErrConnectionLimit is returned when the registry is full.
var ErrConnectionLimit = errors.New("registry: connection limit reached")

// Sender pushes one event to a single live connection. Implemented by the
// transport client; a full send buffer counts as a failed push.
type Sender interface {
	Send(env event.Envelope) error
}

// Connection is one live transport session. It belongs to exactly one user;
// a user may hold several (multi-device).
type Connection struct {
	ID          string
	UserID      string
	DeviceInfo  string
	ConnectedAt time.Time
	sender      Sender
}

// Send pushes an event down this connection.
func (c *Connection) Send(env event.Envelope) error {
	return c.sender.Send(env)
}

// Registry is the userID <-> connection set index.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]*Connection
	byConn   map[string]*Connection
	total    int
	maxConns int

	// onFirst fires when a user's connection count goes 0 -> 1.
	// Disconnects deliberately fire no hook: going offline is debounced by
	// the presence sweep to avoid flapping on quick reconnects.
	onFirst func(userID string)
}

func New(maxConns int) *Registry {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Registry{
		byUser:   make(map[string]map[string]*Connection),
		byConn:   make(map[string]*Connection),
		maxConns: maxConns,
	}
}

// OnFirstConnection sets the hook fired when a user becomes reachable.
// Must be called before the registry is shared.
func (r *Registry) OnFirstConnection(fn func(userID string)) {
	r.onFirst = fn
}

// Register adds a connection for a user. The caller has already
// authenticated the user; the registry trusts the identity.
func (r *Registry) Register(connID, userID, deviceInfo string, sender Sender) (*Connection, error) {
	c := &Connection{
		ID:          connID,
		UserID:      userID,
		DeviceInfo:  deviceInfo,
		ConnectedAt: time.Now().UTC(),
		sender:      sender,
	}

	r.mu.Lock()
	if r.total >= r.maxConns {
		r.mu.Unlock()
		return nil, ErrConnectionLimit
	}
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]*Connection)
		r.byUser[userID] = conns
	}
	first := len(conns) == 0
	conns[connID] = c
	r.byConn[connID] = c
	r.total++
	r.mu.Unlock()

	if first && r.onFirst != nil {
		r.onFirst(userID)
	}
	return c, nil
}

// Unregister removes a connection. Removing the user's last connection does
// NOT mark them offline; the presence sweep does that once the heartbeat TTL
// expires with no connections left.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if conns, ok := r.byUser[c.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	r.total--
}

// ConnectionsFor returns the user's live connections, oldest first, so
// delivery order is deterministic across calls.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	conns, ok := r.byUser[userID]
	if !ok || len(conns) == 0 {
		r.mu.RUnlock()
		return nil
	}
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
