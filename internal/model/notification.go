package model

import "time"

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// NotificationPreference gates out-of-band channels per user. The in-app
// channel can never be disabled.
type NotificationPreference struct {
	UserID       string `json:"user_id"`
	EmailEnabled bool   `json:"email_enabled"`
	PushEnabled  bool   `json:"push_enabled"`
}

// Enabled reports whether the given channel is enabled for the user.
func (p *NotificationPreference) Enabled(ch Channel) bool {
	switch ch {
	case ChannelInApp:
		return true
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelPush:
		return p.PushEnabled
	}
	return false
}

// DefaultPreference is used when a user has never saved preferences.
func DefaultPreference(userID string) *NotificationPreference {
	return &NotificationPreference{UserID: userID, EmailEnabled: true, PushEnabled: true}
}

// Notification is the in-app record created for every fanned-out alert.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	ThreadID  string            `json:"thread_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// PushSubscription is a browser Web Push subscription for one device.
type PushSubscription struct {
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}
