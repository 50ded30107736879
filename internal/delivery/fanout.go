package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
)

var errUnreachable = errors.New("delivery: recipient unreachable")

// NotificationStore persists in-app records and channel preferences.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *model.Notification) error
	GetPreferences(ctx context.Context, userID string) (*model.NotificationPreference, error)
}

// MuteChecker answers whether a user muted a thread. Muted threads skip
// out-of-band channels; the in-app record is still written.
type MuteChecker interface {
	MutedUntil(ctx context.Context, threadID, userID string) (*time.Time, error)
}

// ChannelSender delivers one notification over one out-of-band channel
// (email, Web Push). Providers are opaque: send, succeed or fail.
type ChannelSender interface {
	Send(ctx context.Context, userID string, n *model.Notification) error
}

// Fanout distributes one logical alert across the channels a user opted
// into. Channel attempts are independent: a failed email never blocks push
// or in-app, and failures are retried through the offline queue.
type Fanout struct {
	store   NotificationStore
	email   ChannelSender
	push    ChannelSender
	queue   QueueStore
	mutes   MuteChecker
	timeout time.Duration
	clock   func() time.Time
}

func NewFanout(store NotificationStore, email, push ChannelSender, queue QueueStore, mutes MuteChecker, timeout time.Duration) *Fanout {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fanout{
		store:   store,
		email:   email,
		push:    push,
		queue:   queue,
		mutes:   mutes,
		timeout: timeout,
		clock:   time.Now,
	}
}

// NotifyMessage builds and fans out the alert for an undeliverable message.
func (f *Fanout) NotifyMessage(ctx context.Context, userID string, m *model.Message) {
	body := m.Content
	if body == "" && len(m.Attachments) > 0 {
		body = "Attachment"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	f.Notify(ctx, userID, &model.Notification{
		Kind:      "message",
		Title:     "New message",
		Body:      body,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		Data:      map[string]string{"thread_id": m.ThreadID, "message_id": m.ID},
	})
}

// Notify writes the in-app record (always) and dispatches enabled
// out-of-band channels. Channel errors are absorbed here: partial delivery
// is an accepted outcome, logged for observability.
func (f *Fanout) Notify(ctx context.Context, userID string, n *model.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.UserID = userID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.clock().UTC()
	}

	if err := f.store.CreateNotification(ctx, n); err != nil {
		logger.Errorf("fanout in-app user=%s: %v", userID, err)
	}

	if f.muted(ctx, n.ThreadID, userID) {
		return
	}

	prefs, err := f.store.GetPreferences(ctx, userID)
	if err != nil {
		logger.Errorf("fanout preferences user=%s: %v", userID, err)
		prefs = model.DefaultPreference(userID)
	}

	if prefs.Enabled(model.ChannelEmail) && f.email != nil {
		f.trySend(ctx, model.ChannelEmail, model.QueueKindEmail, userID, n)
	}
	if prefs.Enabled(model.ChannelPush) && f.push != nil {
		f.trySend(ctx, model.ChannelPush, model.QueueKindPush, userID, n)
	}
}

// SendChannel runs one channel attempt; used for queue redelivery.
func (f *Fanout) SendChannel(ctx context.Context, ch model.Channel, userID string, n *model.Notification) error {
	sender := f.senderFor(ch)
	if sender == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return sender.Send(ctx, userID, n)
}

func (f *Fanout) senderFor(ch model.Channel) ChannelSender {
	switch ch {
	case model.ChannelEmail:
		return f.email
	case model.ChannelPush:
		return f.push
	}
	return nil
}

func (f *Fanout) trySend(ctx context.Context, ch model.Channel, queueKind, userID string, n *model.Notification) {
	if err := f.SendChannel(ctx, ch, userID, n); err != nil {
		logger.Errorf("fanout %s user=%s: %v", ch, userID, err)
		f.enqueueChannelRetry(ctx, queueKind, userID, n, err)
	}
}

func (f *Fanout) enqueueChannelRetry(ctx context.Context, kind, userID string, n *model.Notification, cause error) {
	if f.queue == nil {
		return
	}
	payload, err := encodeQueuedNotification(n)
	if err != nil {
		logger.Errorf("fanout queue encode user=%s: %v", userID, err)
		return
	}
	now := f.clock().UTC()
	entry := &model.OfflineQueueEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        kind,
		Payload:     payload,
		Status:      model.QueuePending,
		NextRetryAt: now,
		LastError:   cause.Error(),
		CreatedAt:   now,
	}
	if err := f.queue.Enqueue(ctx, entry); err != nil {
		logger.Errorf("fanout enqueue retry user=%s kind=%s: %v", userID, kind, err)
	}
}

func (f *Fanout) muted(ctx context.Context, threadID, userID string) bool {
	if threadID == "" || f.mutes == nil {
		return false
	}
	until, err := f.mutes.MutedUntil(ctx, threadID, userID)
	if err != nil {
		logger.Errorf("fanout mute check thread=%s user=%s: %v", threadID, userID, err)
		return false
	}
	return until != nil && until.After(f.clock())
}
