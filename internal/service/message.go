// Package service implements thread and message semantics: membership,
// sanitization, rate limiting, edit windows, unread counters, and the
// hand-off to delivery. Validation and rate-limit failures surface to the
// sender; delivery failures never do.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/evently/messaging/internal/event"
	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
)

// ThreadStore persists threads and their per-participant counters.
type ThreadStore interface {
	GetOrCreate(ctx context.Context, participantIDs []string) (*model.Thread, bool, error)
	GetByID(ctx context.Context, id string) (*model.Thread, error)
	// RecordMessage atomically increments unread for every participant
	// except the sender and advances the thread's last-message marker.
	RecordMessage(ctx context.Context, threadID, senderID, messageID string, at time.Time) error
	ResetUnread(ctx context.Context, threadID, userID string) error
	SetPinned(ctx context.Context, threadID, userID string, pinned bool, at time.Time) error
	SetMuted(ctx context.Context, threadID, userID string, until *time.Time) error
	SetStatus(ctx context.Context, threadID string, status model.ThreadStatus) error
	ListForUser(ctx context.Context, userID string) ([]model.Thread, error)
}

// MessageStore persists messages, reactions, receipts and edit history.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	ListThread(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error)
	// ApplyEdit appends the pre-edit revision and replaces the content in
	// one transaction, preserving the audit trail.
	ApplyEdit(ctx context.Context, id string, prev model.EditRevision, content string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id string) error
	AddReaction(ctx context.Context, r model.Reaction) error
	RemoveReaction(ctx context.Context, r model.Reaction) error
	MarkThreadRead(ctx context.Context, threadID, userID string, at time.Time) error
	EditHistory(ctx context.Context, messageID string) ([]model.EditRevision, error)
}

// Router is the delivery hand-off. Implementations must not block the
// caller and must guarantee at-least-once for durable events.
type Router interface {
	DeliverMessage(m *model.Message)
	DeliverEvent(recipients []string, env event.Envelope, durable bool)
}

// SpamVerdict is the result of the external spam gate.
type SpamVerdict struct {
	IsSpam bool
	Score  float64
}

// SpamChecker is the pluggable moderation hook; nil disables the gate.
type SpamChecker interface {
	Check(ctx context.Context, senderID, content string) (SpamVerdict, error)
}

// Config holds messaging policy knobs.
type Config struct {
	EditWindow      time.Duration
	MaxContentLen   int
	MaxPerWindow    int
	RateWindow      time.Duration
	DuplicateWindow time.Duration
	Clock           func() time.Time
}

func (c *Config) norm() {
	if c.EditWindow <= 0 {
		c.EditWindow = 15 * time.Minute
	}
	if c.MaxContentLen <= 0 {
		c.MaxContentLen = 4096
	}
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = 30
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// MessageService is the thread/message core consumed by the REST wrapper
// and the transport gateway.
type MessageService struct {
	threads   ThreadStore
	messages  MessageStore
	router    Router
	spam      SpamChecker
	gate      *SendGate
	sanitizer *bluemonday.Policy
	cfg       Config
}

func NewMessageService(threads ThreadStore, messages MessageStore, router Router, spam SpamChecker, cfg Config) *MessageService {
	cfg.norm()
	return &MessageService{
		threads:   threads,
		messages:  messages,
		router:    router,
		spam:      spam,
		gate:      NewSendGate(cfg.MaxPerWindow, cfg.RateWindow, cfg.DuplicateWindow, cfg.Clock),
		sanitizer: bluemonday.StrictPolicy(),
		cfg:       cfg,
	}
}

// SendInput describes a message send. Either ThreadID targets an existing
// thread, or RecipientIDs starts (or reuses) the thread for that exact
// participant set.
type SendInput struct {
	ThreadID     string
	RecipientIDs []string
	Content      string
	Attachments  []model.Attachment
}

// SendMessage validates, persists and acknowledges a message, then hands it
// to the delivery router. The ack never waits for delivery: a recipient's
// flaky connection is not the sender's problem.
func (s *MessageService) SendMessage(ctx context.Context, senderID string, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("svc.SendMessage", time.Now())()

	thread, err := s.resolveThread(ctx, senderID, in)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(in.Content))
	if content == "" && len(in.Attachments) == 0 {
		return nil, validationf("message content empty")
	}
	if len(content) > s.cfg.MaxContentLen {
		return nil, validationf("message exceeds %d characters", s.cfg.MaxContentLen)
	}

	if err := s.gate.Allow(senderID, content); err != nil {
		return nil, err
	}
	if s.spam != nil {
		verdict, err := s.spam.Check(ctx, senderID, content)
		if err != nil {
			// The moderation hook is advisory infrastructure: when it is
			// down we accept the message rather than block all sends.
			logger.Errorf("spam check sender=%s: %v", senderID, err)
		} else if verdict.IsSpam {
			return nil, validationf("message rejected as spam (score %.2f)", verdict.Score)
		}
	}

	now := s.cfg.Clock().UTC()
	m := &model.Message{
		ID:           uuid.New().String(),
		ThreadID:     thread.ID,
		SenderID:     senderID,
		RecipientIDs: thread.Recipients(senderID),
		Content:      content,
		Attachments:  in.Attachments,
		Status:       model.MessageStatusSent,
		CreatedAt:    now,
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}
	if err := s.threads.RecordMessage(ctx, thread.ID, senderID, m.ID, now); err != nil {
		return nil, err
	}

	// Fire-and-forget, but at-least-once: the router falls back to the
	// offline queue on any push failure.
	s.router.DeliverMessage(m)
	return m, nil
}

func (s *MessageService) resolveThread(ctx context.Context, senderID string, in SendInput) (*model.Thread, error) {
	if in.ThreadID != "" {
		thread, err := s.threads.GetByID(ctx, in.ThreadID)
		if err != nil {
			return nil, err
		}
		if thread.Status == model.ThreadDeleted {
			return nil, validationf("thread is deleted")
		}
		if !thread.IsParticipant(senderID) {
			return nil, validationf("sender is not a thread participant")
		}
		return thread, nil
	}
	if len(in.RecipientIDs) == 0 {
		return nil, validationf("thread_id or recipient_ids required")
	}
	participants := append([]string{senderID}, in.RecipientIDs...)
	thread, created, err := s.threads.GetOrCreate(ctx, participants)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Infof("thread created id=%s participants=%d", thread.ID, len(thread.ParticipantIDs))
	}
	return thread, nil
}

// EditMessage applies an edit if the caller is the original sender and the
// edit window has not elapsed. The pre-edit content is appended to the edit
// history, and the edit is re-broadcast with the same at-least-once
// guarantee as a new message.
func (s *MessageService) EditMessage(ctx context.Context, userID, messageID, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("svc.EditMessage", time.Now())()

	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, validationf("only the sender may edit a message")
	}
	if m.IsDeleted {
		return nil, validationf("message is deleted")
	}
	now := s.cfg.Clock().UTC()
	if now.Sub(m.CreatedAt) > s.cfg.EditWindow {
		return nil, validationf("edit window of %s elapsed", s.cfg.EditWindow)
	}

	content = strings.TrimSpace(s.sanitizer.Sanitize(content))
	if content == "" {
		return nil, validationf("message content empty")
	}
	if len(content) > s.cfg.MaxContentLen {
		return nil, validationf("message exceeds %d characters", s.cfg.MaxContentLen)
	}

	prev := model.EditRevision{Content: m.Content, EditedAt: now}
	if err := s.messages.ApplyEdit(ctx, messageID, prev, content, now); err != nil {
		return nil, err
	}
	m.Content = content
	m.EditedAt = &now
	m.EditHistory = append(m.EditHistory, prev)

	recipients, err := s.participantsExcept(ctx, m.ThreadID, userID)
	if err == nil {
		s.router.DeliverEvent(recipients, event.Envelope{
			Type: event.TypeMessageEdited,
			Payload: event.MessageEditedPayload{
				MessageID: m.ID,
				ThreadID:  m.ThreadID,
				Content:   content,
				EditedAt:  now,
			},
		}, true)
	}
	return m, nil
}

// DeleteMessage tombstones a message: content is redacted, the row stays.
func (s *MessageService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != userID {
		return validationf("only the sender may delete a message")
	}
	if err := s.messages.SoftDelete(ctx, messageID); err != nil {
		return err
	}
	recipients, err := s.participantsExcept(ctx, m.ThreadID, userID)
	if err == nil {
		s.router.DeliverEvent(recipients, event.Envelope{
			Type:    event.TypeMessageDeleted,
			Payload: event.MessageDeletedPayload{MessageID: m.ID, ThreadID: m.ThreadID},
		}, true)
	}
	return nil
}

// AddReaction attaches an emoji reaction and broadcasts it live.
func (s *MessageService) AddReaction(ctx context.Context, userID, messageID, emoji string) error {
	if emoji == "" {
		return validationf("emoji required")
	}
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	thread, err := s.threads.GetByID(ctx, m.ThreadID)
	if err != nil {
		return err
	}
	if !thread.IsParticipant(userID) {
		return validationf("not a thread participant")
	}
	r := model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: s.cfg.Clock().UTC()}
	if err := s.messages.AddReaction(ctx, r); err != nil {
		return err
	}
	s.router.DeliverEvent(thread.Recipients(userID), event.Envelope{
		Type:    event.TypeReactionReceived,
		Payload: event.ReactionPayload{MessageID: messageID, ThreadID: m.ThreadID, UserID: userID, Emoji: emoji},
	}, false)
	return nil
}

// RemoveReaction detaches a reaction and broadcasts the removal live.
func (s *MessageService) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	r := model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	if err := s.messages.RemoveReaction(ctx, r); err != nil {
		return err
	}
	recipients, err := s.participantsExcept(ctx, m.ThreadID, userID)
	if err == nil {
		s.router.DeliverEvent(recipients, event.Envelope{
			Type:    event.TypeReactionRemoved,
			Payload: event.ReactionPayload{MessageID: messageID, ThreadID: m.ThreadID, UserID: userID, Emoji: emoji},
		}, false)
	}
	return nil
}

// MarkRead resets the caller's unread counter and stamps read receipts,
// then broadcasts the receipt to the other participants. Receipts are
// live-only: a missed receipt resolves on the next read.
func (s *MessageService) MarkRead(ctx context.Context, userID, threadID string) error {
	thread, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return err
	}
	if !thread.IsParticipant(userID) {
		return validationf("not a thread participant")
	}
	now := s.cfg.Clock().UTC()
	if err := s.messages.MarkThreadRead(ctx, threadID, userID, now); err != nil {
		return err
	}
	if err := s.threads.ResetUnread(ctx, threadID, userID); err != nil {
		return err
	}
	s.router.DeliverEvent(thread.Recipients(userID), event.Envelope{
		Type:    event.TypeMessageReadBy,
		Payload: event.ReadPayload{ThreadID: threadID, UserID: userID, ReadAt: now},
	}, false)
	return nil
}

// BroadcastTyping relays a typing indicator to the other participants.
// Typing is ephemeral: never persisted, never queued.
func (s *MessageService) BroadcastTyping(ctx context.Context, userID, threadID string, typing bool) error {
	recipients, err := s.participantsExcept(ctx, threadID, userID)
	if err != nil {
		return err
	}
	s.router.DeliverEvent(recipients, event.Envelope{
		Type:    event.TypeTyping,
		Payload: event.TypingPayload{ThreadID: threadID, UserID: userID, Typing: typing},
	}, false)
	return nil
}

// Thread returns a thread the caller participates in.
func (s *MessageService) Thread(ctx context.Context, userID, threadID string) (*model.Thread, error) {
	thread, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !thread.IsParticipant(userID) {
		return nil, validationf("not a thread participant")
	}
	return thread, nil
}

// Threads lists the caller's threads with unread counters.
func (s *MessageService) Threads(ctx context.Context, userID string) ([]model.Thread, error) {
	return s.threads.ListForUser(ctx, userID)
}

// ThreadMessages pages through a thread's history.
func (s *MessageService) ThreadMessages(ctx context.Context, userID, threadID string, limit, offset int) ([]model.Message, error) {
	if _, err := s.Thread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.messages.ListThread(ctx, threadID, limit, offset)
}

// OpenThread returns (creating if needed) the thread for a participant set.
func (s *MessageService) OpenThread(ctx context.Context, userID string, recipientIDs []string) (*model.Thread, error) {
	if len(recipientIDs) == 0 {
		return nil, validationf("recipient_ids required")
	}
	participants := append([]string{userID}, recipientIDs...)
	thread, _, err := s.threads.GetOrCreate(ctx, participants)
	return thread, err
}

// PinThread pins or unpins a thread for the caller only.
func (s *MessageService) PinThread(ctx context.Context, userID, threadID string, pinned bool) error {
	if _, err := s.Thread(ctx, userID, threadID); err != nil {
		return err
	}
	return s.threads.SetPinned(ctx, threadID, userID, pinned, s.cfg.Clock().UTC())
}

// MuteThread mutes the thread for the caller until the given time; nil
// unmutes. Muted threads skip out-of-band notification fan-out.
func (s *MessageService) MuteThread(ctx context.Context, userID, threadID string, until *time.Time) error {
	if _, err := s.Thread(ctx, userID, threadID); err != nil {
		return err
	}
	return s.threads.SetMuted(ctx, threadID, userID, until)
}

// ArchiveThread soft-archives a thread for all participants.
func (s *MessageService) ArchiveThread(ctx context.Context, userID, threadID string) error {
	if _, err := s.Thread(ctx, userID, threadID); err != nil {
		return err
	}
	return s.threads.SetStatus(ctx, threadID, model.ThreadArchived)
}

// MessageEditHistory returns a message's pre-edit revisions, oldest first.
// Visible to every thread participant, not just the sender.
func (s *MessageService) MessageEditHistory(ctx context.Context, userID, messageID string) ([]model.EditRevision, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	thread, err := s.threads.GetByID(ctx, m.ThreadID)
	if err != nil {
		return nil, err
	}
	if !thread.IsParticipant(userID) {
		return nil, validationf("not a thread participant")
	}
	return s.messages.EditHistory(ctx, messageID)
}

// ParticipantIDs exposes thread membership to the gateway.
func (s *MessageService) ParticipantIDs(ctx context.Context, threadID string) ([]string, error) {
	thread, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return thread.ParticipantIDs, nil
}

func (s *MessageService) participantsExcept(ctx context.Context, threadID, userID string) ([]string, error) {
	thread, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return thread.Recipients(userID), nil
}
