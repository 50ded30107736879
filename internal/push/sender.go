package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
)

// SubscriptionStore provides the per-user Web Push subscriptions.
type SubscriptionStore interface {
	Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
}

// Sender delivers notifications over Web Push to every registered device.
// A nil Sender or missing VAPID keys make Send a no-op.
type Sender struct {
	store SubscriptionStore
	opts  *webpush.Options
}

func NewSender(store SubscriptionStore, keys *VAPIDKeys, subscriber string) *Sender {
	s := &Sender{store: store}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             60,
		}
	}
	return s
}

// Enabled reports whether VAPID keys are configured.
func (s *Sender) Enabled() bool { return s != nil && s.opts != nil }

// Send pushes one notification to every subscription the user has.
// Gone subscriptions (404/410) are pruned. Succeeds if at least one device
// accepted the push; a user with no subscriptions is not an error.
func (s *Sender) Send(ctx context.Context, userID string, n *model.Notification) error {
	if !s.Enabled() {
		return nil
	}
	subs, err := s.store.Subscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("push subscriptions user=%s: %w", userID, err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"title": n.Title,
		"body":  n.Body,
		"data":  n.Data,
	})
	if err != nil {
		return fmt.Errorf("push payload: %w", err)
	}

	delivered := 0
	var lastErr error
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.opts)
		if err != nil {
			lastErr = err
			logger.Errorf("push send %s: %v", truncEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			if err := s.store.DeleteSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push prune %s: %v", truncEndpoint(sub.Endpoint), err)
			}
			continue
		}
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("push endpoint status %d", resp.StatusCode)
			continue
		}
		delivered++
	}
	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func truncEndpoint(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50]
	}
	return endpoint
}
