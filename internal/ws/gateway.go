// Package ws is the WebSocket transport: one Gateway accepting tagged
// client events and a Client per connection with read/write pumps.
package ws

import (
	"context"
	"time"

	"github.com/evently/messaging/internal/delivery"
	"github.com/evently/messaging/internal/event"
	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
	"github.com/evently/messaging/internal/presence"
	"github.com/evently/messaging/internal/registry"
	"github.com/evently/messaging/internal/service"
)

const handleTimeout = 5 * time.Second

// Gateway owns connection lifecycle and dispatches incoming events to the
// messaging core. All client set mutations run on the Run goroutine.
type Gateway struct {
	reg    *registry.Registry
	svc    *service.MessageService
	pres   *presence.Store
	router *delivery.Router

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// clients is touched only from Run; shutdown drains it.
	clients map[*Client]struct{}
}

func NewGateway(reg *registry.Registry, svc *service.MessageService, pres *presence.Store, router *delivery.Router) *Gateway {
	gw := &Gateway{
		reg:        reg,
		svc:        svc,
		pres:       pres,
		router:     router,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
	pres.Subscribe(gw.broadcastPresence)
	return gw
}

func (gw *Gateway) Run(ctx context.Context) {
	defer close(gw.done)
	for {
		select {
		case <-ctx.Done():
			gw.shutdown()
			return
		case c := <-gw.register:
			gw.addClient(c)
		case c := <-gw.unregister:
			gw.removeClient(c)
		}
	}
}

func (gw *Gateway) shutdown() {
	all := make([]*Client, 0, len(gw.clients))
	for c := range gw.clients {
		all = append(all, c)
	}
	gw.clients = make(map[*Client]struct{})

	for _, c := range all {
		gw.reg.Unregister(c.id)
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (gw *Gateway) addClient(c *Client) {
	if _, err := gw.reg.Register(c.id, c.userID, c.deviceInfo, c); err != nil {
		logger.Errorf("ws register user=%s: %v", c.userID, err)
		c.Close()
		return
	}
	gw.clients[c] = struct{}{}

	// Heartbeat and backlog flush hit the presence store and the queue.
	// Off the Run goroutine: a slow backend must not stall registration
	// of other connections.
	go gw.afterConnect(c.userID)
}

func (gw *Gateway) afterConnect(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := gw.pres.Heartbeat(ctx, userID); err != nil {
		logger.Errorf("ws connect heartbeat user=%s: %v", userID, err)
	}
	// Flush any queued backlog now that a connection exists.
	gw.router.OnUserConnected(userID)
}

func (gw *Gateway) removeClient(c *Client) {
	if _, ok := gw.clients[c]; !ok {
		return
	}
	delete(gw.clients, c)
	gw.reg.Unregister(c.id)
	// No presence transition here: the sweep demotes users whose heartbeats
	// stop, so a page reload never flaps online -> offline -> online.
	c.Close()
}

// Register hands a new client to the Run loop.
func (gw *Gateway) Register(c *Client) {
	select {
	case gw.register <- c:
	case <-gw.done:
		c.Close()
	}
}

// Unregister hands a disconnecting client to the Run loop.
func (gw *Gateway) Unregister(c *Client) {
	select {
	case gw.unregister <- c:
	case <-gw.done:
	}
}

// HandleEvent dispatches one incoming client event.
func (gw *Gateway) HandleEvent(ctx context.Context, c *Client, in event.Incoming) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if in.Type != event.TypeHeartbeat {
		if err := gw.pres.Activity(ctx, c.userID); err != nil {
			logger.Errorf("ws activity user=%s: %v", c.userID, err)
		}
	}

	switch in.Type {
	case event.TypeHeartbeat:
		if err := gw.pres.Heartbeat(ctx, c.userID); err != nil {
			logger.Errorf("ws heartbeat user=%s: %v", c.userID, err)
		}
	case event.TypeMessageSend:
		gw.handleSend(ctx, c, in)
	case event.TypeMessageEdit:
		if _, err := gw.svc.EditMessage(ctx, c.userID, in.MessageID, in.Content); err != nil {
			gw.sendError(c, err)
		}
	case event.TypeMessageDelete:
		if err := gw.svc.DeleteMessage(ctx, c.userID, in.MessageID); err != nil {
			gw.sendError(c, err)
		}
	case event.TypeMessageRead:
		if err := gw.svc.MarkRead(ctx, c.userID, in.ThreadID); err != nil {
			gw.sendError(c, err)
		}
	case event.TypeTypingStart, event.TypeTypingStop:
		typing := in.Type == event.TypeTypingStart
		if err := gw.svc.BroadcastTyping(ctx, c.userID, in.ThreadID, typing); err != nil {
			gw.sendError(c, err)
		}
	case event.TypeReactionSend:
		if err := gw.svc.AddReaction(ctx, c.userID, in.MessageID, in.Emoji); err != nil {
			gw.sendError(c, err)
		}
	case event.TypeReactionRemove:
		if err := gw.svc.RemoveReaction(ctx, c.userID, in.MessageID, in.Emoji); err != nil {
			gw.sendError(c, err)
		}
	case event.TypePresenceSet:
		gw.handlePresenceSet(ctx, c, in.Status)
	default:
		gw.sendEnvelope(c, event.Envelope{
			Type:    event.TypeError,
			Payload: event.ErrorPayload{Message: "unknown event type"},
		})
	}
}

func (gw *Gateway) handleSend(ctx context.Context, c *Client, in event.Incoming) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	m, err := gw.svc.SendMessage(ctx, c.userID, service.SendInput{
		ThreadID:     in.ThreadID,
		RecipientIDs: in.RecipientIDs,
		Content:      in.Content,
		Attachments:  in.Attachments,
	})
	if err != nil {
		gw.sendError(c, err)
		return
	}
	// Ack to the sending device; other devices get the routed copy.
	gw.sendEnvelope(c, event.Envelope{
		Type:    event.TypeMessageSent,
		Payload: event.MessagePayload{Message: m},
	})
}

func (gw *Gateway) handlePresenceSet(ctx context.Context, c *Client, status string) {
	var err error
	switch model.PresenceStatus(status) {
	case model.PresenceAway:
		err = gw.pres.MarkAway(ctx, c.userID)
	case model.PresenceOnline:
		err = gw.pres.MarkOnline(ctx, c.userID)
	default:
		gw.sendEnvelope(c, event.Envelope{
			Type:    event.TypeError,
			Payload: event.ErrorPayload{Message: "presence status must be online or away"},
		})
		return
	}
	if err != nil {
		gw.sendError(c, err)
	}
}

// broadcastPresence pushes a presence transition to everyone sharing a
// thread with the user. Live-only: presence is rebuilt on reconnect.
func (gw *Gateway) broadcastPresence(ev model.PresenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	threads, err := gw.svc.Threads(ctx, ev.UserID)
	if err != nil {
		logger.Errorf("ws presence broadcast user=%s: %v", ev.UserID, err)
		return
	}
	seen := make(map[string]struct{}, 16)
	var recipients []string
	for _, t := range threads {
		for _, uid := range t.ParticipantIDs {
			if uid == ev.UserID {
				continue
			}
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			recipients = append(recipients, uid)
		}
	}
	if len(recipients) == 0 {
		return
	}
	gw.router.DeliverEvent(recipients, event.Envelope{
		Type:    event.TypePresenceUpdate,
		Payload: event.PresencePayload{UserID: ev.UserID, Status: ev.NewStatus, At: ev.At},
	}, false)
}

func (gw *Gateway) sendError(c *Client, err error) {
	gw.sendEnvelope(c, event.Envelope{
		Type: event.TypeError,
		Payload: event.ErrorPayload{
			Kind:    string(service.KindOf(err)),
			Message: err.Error(),
		},
	})
}

func (gw *Gateway) sendEnvelope(c *Client, env event.Envelope) {
	if err := c.Send(env); err != nil {
		logger.Errorf("ws send user=%s: %v", c.userID, err)
	}
}
