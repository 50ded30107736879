package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/evently/messaging/internal/event"
	"github.com/evently/messaging/internal/model"
)

// queuedEvent is the durable form of a transport envelope held in the
// offline queue. Payload stays raw JSON so redelivery does not depend on
// the concrete payload type.
type queuedEvent struct {
	Type      event.Type      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	MessageID string          `json:"message_id,omitempty"`
}

func encodeQueuedEvent(env event.Envelope, messageID string) (json.RawMessage, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("delivery encode payload: %w", err)
	}
	raw, err := json.Marshal(queuedEvent{Type: env.Type, Payload: payload, MessageID: messageID})
	if err != nil {
		return nil, fmt.Errorf("delivery encode event: %w", err)
	}
	return raw, nil
}

func decodeQueuedEvent(raw json.RawMessage) (*queuedEvent, error) {
	var qe queuedEvent
	if err := json.Unmarshal(raw, &qe); err != nil {
		return nil, fmt.Errorf("delivery decode event: %w", err)
	}
	return &qe, nil
}

func encodeQueuedNotification(n *model.Notification) (json.RawMessage, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("delivery encode notification: %w", err)
	}
	return raw, nil
}

func decodeQueuedNotification(raw json.RawMessage) (*model.Notification, error) {
	var n model.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("delivery decode notification: %w", err)
	}
	return &n, nil
}
