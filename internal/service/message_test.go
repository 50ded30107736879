package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/evently/messaging/internal/event"
	"github.com/evently/messaging/internal/model"
	"github.com/evently/messaging/internal/repository"
)

type fakeThreadStore struct {
	mu       sync.Mutex
	threads  map[string]*model.Thread
	byKey    map[string]string
	unread   map[string]map[string]int // threadID -> userID -> count
	recorded []string                  // message IDs passed to RecordMessage
}

func newFakeThreadStore() *fakeThreadStore {
	return &fakeThreadStore{
		threads: make(map[string]*model.Thread),
		byKey:   make(map[string]string),
		unread:  make(map[string]map[string]int),
	}
}

func (f *fakeThreadStore) seed(participants ...string) *model.Thread {
	t := &model.Thread{
		ID:             uuid.New().String(),
		ParticipantIDs: participants,
		Status:         model.ThreadActive,
		CreatedAt:      time.Now().UTC(),
	}
	f.mu.Lock()
	f.threads[t.ID] = t
	f.byKey[model.ParticipantKey(participants)] = t.ID
	f.unread[t.ID] = make(map[string]int)
	f.mu.Unlock()
	return t
}

func (f *fakeThreadStore) GetOrCreate(ctx context.Context, participantIDs []string) (*model.Thread, bool, error) {
	f.mu.Lock()
	key := model.ParticipantKey(participantIDs)
	if id, ok := f.byKey[key]; ok {
		t := f.threads[id]
		f.mu.Unlock()
		return t, false, nil
	}
	f.mu.Unlock()
	return f.seed(participantIDs...), true, nil
}

func (f *fakeThreadStore) GetByID(ctx context.Context, id string) (*model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (f *fakeThreadStore) RecordMessage(ctx context.Context, threadID, senderID, messageID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, p := range t.ParticipantIDs {
		if p != senderID {
			f.unread[threadID][p]++
		}
	}
	f.recorded = append(f.recorded, messageID)
	return nil
}

func (f *fakeThreadStore) ResetUnread(ctx context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.unread[threadID]; ok {
		m[userID] = 0
	}
	return nil
}

func (f *fakeThreadStore) SetPinned(ctx context.Context, threadID, userID string, pinned bool, at time.Time) error {
	return nil
}

func (f *fakeThreadStore) SetMuted(ctx context.Context, threadID, userID string, until *time.Time) error {
	return nil
}

func (f *fakeThreadStore) SetStatus(ctx context.Context, threadID string, status model.ThreadStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[threadID]
	if !ok {
		return repository.ErrNotFound
	}
	t.Status = status
	return nil
}

func (f *fakeThreadStore) ListForUser(ctx context.Context, userID string) ([]model.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Thread
	for _, t := range f.threads {
		if t.IsParticipant(userID) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeThreadStore) unreadFor(threadID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[threadID][userID]
}

type fakeMessageStore struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	edits    map[string][]model.EditRevision
	readAt   map[string]time.Time // threadID:userID
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		messages: make(map[string]*model.Message),
		edits:    make(map[string][]model.EditRevision),
		readAt:   make(map[string]time.Time),
	}
}

func (f *fakeMessageStore) Create(ctx context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.messages[m.ID] = &cp
	return nil
}

func (f *fakeMessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMessageStore) ListThread(ctx context.Context, threadID string, limit, offset int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeMessageStore) ApplyEdit(ctx context.Context, id string, prev model.EditRevision, content string, editedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok || m.IsDeleted {
		return repository.ErrNotFound
	}
	f.edits[id] = append(f.edits[id], prev)
	m.Content = content
	m.EditedAt = &editedAt
	return nil
}

func (f *fakeMessageStore) SoftDelete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.Content = ""
	m.Attachments = nil
	m.IsDeleted = true
	return nil
}

func (f *fakeMessageStore) AddReaction(ctx context.Context, r model.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[r.MessageID]
	if !ok {
		return repository.ErrNotFound
	}
	m.Reactions = append(m.Reactions, r)
	return nil
}

func (f *fakeMessageStore) RemoveReaction(ctx context.Context, r model.Reaction) error {
	return nil
}

func (f *fakeMessageStore) MarkThreadRead(ctx context.Context, threadID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readAt[threadID+":"+userID] = at
	return nil
}

func (f *fakeMessageStore) EditHistory(ctx context.Context, messageID string) ([]model.EditRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[messageID]; !ok {
		return nil, repository.ErrNotFound
	}
	return append([]model.EditRevision(nil), f.edits[messageID]...), nil
}

type routedEvent struct {
	recipients []string
	env        event.Envelope
	durable    bool
}

type fakeRouter struct {
	mu       sync.Mutex
	messages []*model.Message
	events   []routedEvent
}

func (f *fakeRouter) DeliverMessage(m *model.Message) {
	f.mu.Lock()
	f.messages = append(f.messages, m)
	f.mu.Unlock()
}

func (f *fakeRouter) DeliverEvent(recipients []string, env event.Envelope, durable bool) {
	f.mu.Lock()
	f.events = append(f.events, routedEvent{recipients: recipients, env: env, durable: durable})
	f.mu.Unlock()
}

func (f *fakeRouter) lastEvent(t *testing.T) routedEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.events)
	return f.events[len(f.events)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(cfg Config) (*MessageService, *fakeThreadStore, *fakeMessageStore, *fakeRouter, *testClock) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Clock = clock.Now
	threads := newFakeThreadStore()
	messages := newFakeMessageStore()
	router := &fakeRouter{}
	svc := NewMessageService(threads, messages, router, nil, cfg)
	return svc, threads, messages, router, clock
}

func TestSendMessagePersistsAndRoutes(t *testing.T) {
	svc, threads, messages, router, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")

	m, err := svc.SendMessage(context.Background(), "alice", SendInput{
		ThreadID: thread.ID,
		Content:  "hello bob",
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Equal(t, model.MessageStatusSent, m.Status)
	require.Equal(t, []string{"bob"}, m.RecipientIDs)

	stored, err := messages.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	require.Equal(t, "hello bob", stored.Content)

	require.Len(t, router.messages, 1)
	require.Equal(t, m.ID, router.messages[0].ID)
	require.Equal(t, []string{m.ID}, threads.recorded)
}

func TestSendMessageCreatesThreadFromRecipients(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})

	m, err := svc.SendMessage(context.Background(), "alice", SendInput{
		RecipientIDs: []string{"bob"},
		Content:      "first contact",
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.ThreadID)

	// A second send to the same participant set reuses the thread.
	m2, err := svc.SendMessage(context.Background(), "bob", SendInput{
		RecipientIDs: []string{"alice"},
		Content:      "reply",
	})
	require.NoError(t, err)
	require.Equal(t, m.ThreadID, m2.ThreadID)
	require.Len(t, threads.threads, 1)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	svc, threads, _, router, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")

	_, err := svc.SendMessage(context.Background(), "alice", SendInput{ThreadID: thread.ID, Content: "   "})
	require.Error(t, err)
	require.True(t, IsValidation(err))
	require.Empty(t, router.messages)
}

func TestSendMessageAllowsAttachmentOnlyMessage(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")

	m, err := svc.SendMessage(context.Background(), "alice", SendInput{
		ThreadID:    thread.ID,
		Attachments: []model.Attachment{{URL: "https://files.example/a.png", Name: "a.png"}},
	})
	require.NoError(t, err)
	require.Empty(t, m.Content)
	require.Len(t, m.Attachments, 1)
}

func TestSendMessageRejectsOversizedContent(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{MaxContentLen: 10})
	thread := threads.seed("alice", "bob")

	_, err := svc.SendMessage(context.Background(), "alice", SendInput{
		ThreadID: thread.ID,
		Content:  strings.Repeat("x", 11),
	})
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestSendMessageStripsHTML(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")

	m, err := svc.SendMessage(context.Background(), "alice", SendInput{
		ThreadID: thread.ID,
		Content:  `hello <script>alert("x")</script>bob`,
	})
	require.NoError(t, err)
	require.NotContains(t, m.Content, "<script>")
	require.Contains(t, m.Content, "hello")
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")

	_, err := svc.SendMessage(context.Background(), "mallory", SendInput{ThreadID: thread.ID, Content: "hi"})
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestSendMessageRateLimited(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{MaxPerWindow: 3, RateWindow: time.Minute})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "msg " + strings.Repeat("a", i+1)})
		require.NoError(t, err)
	}
	_, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "one too many"})
	require.Error(t, err)
	require.True(t, IsRateLimit(err))
}

func TestSendMessageSuppressesDuplicateWithinWindow(t *testing.T) {
	svc, threads, _, _, clock := newTestService(Config{DuplicateWindow: 10 * time.Second})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "same text"})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "same text"})
	require.Error(t, err)
	require.True(t, IsRateLimit(err))

	clock.Advance(11 * time.Second)
	_, err = svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "same text"})
	require.NoError(t, err)
}

func TestUnreadCountersUnderConcurrentSends(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{MaxPerWindow: 1000})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SendMessage(ctx, "alice", SendInput{
				ThreadID: thread.ID,
				Content:  "concurrent " + uuid.New().String(),
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 20, threads.unreadFor(thread.ID, "bob"))
	require.Equal(t, 0, threads.unreadFor(thread.ID, "alice"), "sender unread never increments")
}

func TestEditMessageWithinWindow(t *testing.T) {
	svc, threads, messages, router, clock := newTestService(Config{EditWindow: 15 * time.Minute})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "original"})
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	edited, err := svc.EditMessage(ctx, "alice", m.ID, "revised")
	require.NoError(t, err)
	require.Equal(t, "revised", edited.Content)
	require.NotNil(t, edited.EditedAt)
	require.Len(t, messages.edits[m.ID], 1)
	require.Equal(t, "original", messages.edits[m.ID][0].Content)

	last := router.lastEvent(t)
	require.Equal(t, event.TypeMessageEdited, last.env.Type)
	require.True(t, last.durable)
	require.Equal(t, []string{"bob"}, last.recipients)
}

func TestEditMessageAfterWindowRejected(t *testing.T) {
	svc, threads, _, _, clock := newTestService(Config{EditWindow: 15 * time.Minute})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "original"})
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)
	_, err = svc.EditMessage(ctx, "alice", m.ID, "too late")
	require.Error(t, err)
	require.True(t, IsValidation(err))

	stored, err := svc.messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "original", stored.Content)
}

func TestEditHistoryVisibleToParticipants(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "v1"})
	require.NoError(t, err)
	_, err = svc.EditMessage(ctx, "alice", m.ID, "v2")
	require.NoError(t, err)
	_, err = svc.EditMessage(ctx, "alice", m.ID, "v3")
	require.NoError(t, err)

	history, err := svc.MessageEditHistory(ctx, "bob", m.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "v1", history[0].Content)
	require.Equal(t, "v2", history[1].Content)

	_, err = svc.MessageEditHistory(ctx, "mallory", m.ID)
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestEditMessageByNonSenderRejected(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "mine"})
	require.NoError(t, err)

	_, err = svc.EditMessage(ctx, "bob", m.ID, "hijack")
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestDeleteMessageLeavesTombstone(t *testing.T) {
	svc, threads, messages, router, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "regret"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMessage(ctx, "alice", m.ID))

	stored, err := messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, stored.IsDeleted)
	require.Empty(t, stored.Content)

	last := router.lastEvent(t)
	require.Equal(t, event.TypeMessageDeleted, last.env.Type)
	require.True(t, last.durable)

	// A deleted message cannot be edited.
	_, err = svc.EditMessage(ctx, "alice", m.ID, "resurrect")
	require.Error(t, err)
}

func TestDeleteMessageByNonSenderRejected(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "mine"})
	require.NoError(t, err)

	err = svc.DeleteMessage(ctx, "bob", m.ID)
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestMarkReadResetsUnreadAndBroadcasts(t *testing.T) {
	svc, threads, _, router, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "ping"})
	require.NoError(t, err)
	require.Equal(t, 1, threads.unreadFor(thread.ID, "bob"))

	require.NoError(t, svc.MarkRead(ctx, "bob", thread.ID))
	require.Equal(t, 0, threads.unreadFor(thread.ID, "bob"))

	last := router.lastEvent(t)
	require.Equal(t, event.TypeMessageReadBy, last.env.Type)
	require.False(t, last.durable, "read receipts are live-only")
	require.Equal(t, []string{"alice"}, last.recipients)
}

func TestAddReactionBroadcastsLive(t *testing.T) {
	svc, threads, _, router, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")
	ctx := context.Background()

	m, err := svc.SendMessage(ctx, "alice", SendInput{ThreadID: thread.ID, Content: "funny"})
	require.NoError(t, err)

	require.NoError(t, svc.AddReaction(ctx, "bob", m.ID, "😂"))
	last := router.lastEvent(t)
	require.Equal(t, event.TypeReactionReceived, last.env.Type)
	require.False(t, last.durable)
	require.Equal(t, []string{"alice"}, last.recipients)

	require.Error(t, svc.AddReaction(ctx, "bob", m.ID, ""), "empty emoji rejected")
}

func TestBroadcastTypingIsEphemeral(t *testing.T) {
	svc, threads, _, router, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")

	require.NoError(t, svc.BroadcastTyping(context.Background(), "alice", thread.ID, true))
	last := router.lastEvent(t)
	require.Equal(t, event.TypeTyping, last.env.Type)
	require.False(t, last.durable)
}

func TestSendToDeletedThreadRejected(t *testing.T) {
	svc, threads, _, _, _ := newTestService(Config{})
	thread := threads.seed("alice", "bob")
	require.NoError(t, threads.SetStatus(context.Background(), thread.ID, model.ThreadDeleted))

	_, err := svc.SendMessage(context.Background(), "alice", SendInput{ThreadID: thread.ID, Content: "into the void"})
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestParticipantKeyIsOrderInsensitive(t *testing.T) {
	require.Equal(t,
		model.ParticipantKey([]string{"b", "a", "c"}),
		model.ParticipantKey([]string{"c", "a", "b", "a"}))
}
