// Package delivery fans messages and events out to recipients: live push
// over the transport when a connection exists, otherwise the offline queue
// plus out-of-band notification channels. Per-recipient ordering matches
// creation order; cross-device ordering is best effort.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evently/messaging/internal/event"
	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
	"github.com/evently/messaging/internal/registry"
)

const (
	workerBuf         = 256
	workerIdleTimeout = time.Minute
)

// QueueStore is the durable retry queue. Implemented by the offline queue
// repository; tests use an in-memory double.
type QueueStore interface {
	Enqueue(ctx context.Context, e *model.OfflineQueueEntry) error
	// ClaimDue atomically claims due pending entries (status -> sending) so
	// concurrent workers never double-send.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.OfflineQueueEntry, error)
	MarkSent(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	// ResetBackoffFor pulls a user's pending entries forward so a reconnect
	// is flushed on the next worker cycle instead of waiting out backoff.
	ResetBackoffFor(ctx context.Context, userID string) error
	// HasPending reports whether the user still has unsent entries of the
	// given kind. The router consults it before a live push so new events
	// line up behind a queued backlog instead of overtaking it.
	HasPending(ctx context.Context, userID, kind string) (bool, error)
}

// DeliveryMarker advances a message's per-recipient status to delivered.
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, messageID, userID string) error
}

// Router owns the per-recipient dispatch workers.
type Router struct {
	reg     *registry.Registry
	queue   QueueStore
	fanout  *Fanout
	marker  DeliveryMarker
	timeout time.Duration

	mu      sync.Mutex
	workers map[string]chan job
	wg      sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

type job struct {
	recipientID string
	env         event.Envelope
	// message is set for durable first-time message delivery; it drives
	// delivered-marking and the offline notification fan-out.
	message *model.Message
	durable bool
}

func NewRouter(reg *registry.Registry, queue QueueStore, fanout *Fanout, marker DeliveryMarker, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		reg:     reg,
		queue:   queue,
		fanout:  fanout,
		marker:  marker,
		timeout: timeout,
		workers: make(map[string]chan job),
		done:    make(chan struct{}),
	}
}

// DeliverMessage routes a freshly persisted message to every recipient and
// mirrors it to the sender's other devices. Never blocks the caller.
func (r *Router) DeliverMessage(m *model.Message) {
	env := event.Envelope{Type: event.TypeMessageReceived, Payload: event.MessagePayload{Message: m}}
	for _, recipientID := range m.RecipientIDs {
		r.submit(job{recipientID: recipientID, env: env, message: m, durable: true})
	}
	// Multi-device sync for the sender: live-only, the ack already carried
	// the message to the sending device.
	r.submit(job{recipientID: m.SenderID, env: env, durable: false})
}

// DeliverEvent routes an event to the given recipients. Durable events
// (edits, deletions) fall back to the offline queue; ephemeral ones
// (typing, receipts, presence) are dropped for unreachable users.
func (r *Router) DeliverEvent(recipients []string, env event.Envelope, durable bool) {
	for _, recipientID := range recipients {
		r.submit(job{recipientID: recipientID, env: env, durable: durable})
	}
}

// OnUserConnected flushes the user's queued backlog on the next worker
// cycle.
func (r *Router) OnUserConnected(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.queue.ResetBackoffFor(ctx, userID); err != nil {
		logger.Errorf("delivery reset backoff user=%s: %v", userID, err)
	}
}

// submit hands a job to the recipient's ordered worker, spawning one if
// needed. The channel send happens under the lock so an idle worker cannot
// retire between lookup and send.
func (r *Router) submit(j job) {
	select {
	case <-r.done:
		return
	default:
	}

	r.mu.Lock()
	ch, ok := r.workers[j.recipientID]
	if !ok {
		ch = make(chan job, workerBuf)
		r.workers[j.recipientID] = ch
		r.wg.Add(1)
		go r.runWorker(j.recipientID, ch)
	}
	select {
	case ch <- j:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		// Backlogged recipient: durable work survives via the queue,
		// ephemeral events are droppable by contract.
		if j.durable {
			r.enqueueOffline(j, "delivery backlog full")
		}
	}
}

// runWorker drains one recipient's jobs in FIFO order, which is creation
// order, preserving per-connection message ordering within a thread. Idle
// workers retire after a minute.
func (r *Router) runWorker(userID string, ch chan job) {
	defer r.wg.Done()
	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case j := <-ch:
			r.deliver(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTimeout)
		case <-idle.C:
			r.mu.Lock()
			if len(ch) == 0 {
				delete(r.workers, userID)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			idle.Reset(workerIdleTimeout)
		case <-r.done:
			return
		}
	}
}

func (r *Router) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if j.durable {
		backlog, err := r.queue.HasPending(ctx, j.recipientID, model.QueueKindMessage)
		if err != nil {
			logger.Errorf("delivery backlog check user=%s: %v", j.recipientID, err)
		} else if backlog {
			// Older events for this recipient are still queued. Pushing the
			// new one live would invert arrival order on the very connection
			// the backlog is about to flush to, so it queues behind them and
			// the worker delivers both in order.
			r.enqueueOffline(j, "ordered behind queued backlog")
			if j.message != nil && r.fanout != nil && !r.reg.IsOnline(j.recipientID) {
				r.fanout.NotifyMessage(ctx, j.recipientID, j.message)
			}
			return
		}
	}

	delivered := false
	for _, c := range r.reg.ConnectionsFor(j.recipientID) {
		if err := c.Send(j.env); err != nil {
			logger.Errorf("delivery push conn=%s user=%s: %v", c.ID, j.recipientID, err)
			continue
		}
		delivered = true
	}

	if delivered {
		if j.message != nil && r.marker != nil {
			if err := r.marker.MarkDelivered(ctx, j.message.ID, j.recipientID); err != nil {
				logger.Errorf("delivery mark delivered msg=%s user=%s: %v", j.message.ID, j.recipientID, err)
			}
		}
		return
	}
	if !j.durable {
		return
	}

	r.enqueueOffline(j, "no live connection")
	if j.message != nil && r.fanout != nil {
		r.fanout.NotifyMessage(ctx, j.recipientID, j.message)
	}
}

func (r *Router) enqueueOffline(j job, reason string) {
	messageID := ""
	if j.message != nil {
		messageID = j.message.ID
	}
	payload, err := encodeQueuedEvent(j.env, messageID)
	if err != nil {
		logger.Errorf("delivery queue encode user=%s: %v", j.recipientID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	now := time.Now().UTC()
	entry := &model.OfflineQueueEntry{
		ID:          uuid.New().String(),
		UserID:      j.recipientID,
		Kind:        model.QueueKindMessage,
		Payload:     payload,
		Status:      model.QueuePending,
		NextRetryAt: now,
		LastError:   reason,
		CreatedAt:   now,
	}
	if err := r.queue.Enqueue(ctx, entry); err != nil {
		logger.Errorf("delivery enqueue user=%s: %v", j.recipientID, err)
	}
}

// RedeliverEntry is the queue worker's redelivery hook: messages are
// re-pushed over the transport, notification entries re-run their channel.
func (r *Router) RedeliverEntry(ctx context.Context, e *model.OfflineQueueEntry) error {
	switch e.Kind {
	case model.QueueKindMessage:
		qe, err := decodeQueuedEvent(e.Payload)
		if err != nil {
			return err
		}
		conns := r.reg.ConnectionsFor(e.UserID)
		if len(conns) == 0 {
			return errUnreachable
		}
		delivered := false
		for _, c := range conns {
			if err := c.Send(event.Envelope{Type: qe.Type, Payload: qe.Payload}); err == nil {
				delivered = true
			}
		}
		if !delivered {
			return errUnreachable
		}
		if qe.MessageID != "" && r.marker != nil {
			if err := r.marker.MarkDelivered(ctx, qe.MessageID, e.UserID); err != nil {
				logger.Errorf("delivery mark delivered msg=%s user=%s: %v", qe.MessageID, e.UserID, err)
			}
		}
		return nil
	case model.QueueKindEmail, model.QueueKindPush:
		n, err := decodeQueuedNotification(e.Payload)
		if err != nil {
			return err
		}
		ch := model.ChannelEmail
		if e.Kind == model.QueueKindPush {
			ch = model.ChannelPush
		}
		return r.fanout.SendChannel(ctx, ch, e.UserID, n)
	}
	return &unknownKindError{kind: e.Kind}
}

// Close stops all workers and waits for them to drain in-flight jobs.
func (r *Router) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

type unknownKindError struct{ kind string }

func (e *unknownKindError) Error() string { return "delivery: unknown queue kind " + e.kind }
