package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/emis-edu/emis/services/message-service/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeConversations struct {
	mu       sync.Mutex
	convs    map[string]storage.Conversation
	previews []string
}

func (f *fakeConversations) Get(_ context.Context, id string) (storage.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return storage.Conversation{}, pgx.ErrNoRows
	}
	return conv, nil
}

func (f *fakeConversations) UpdateLastMessage(_ context.Context, _ string, preview string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews = append(f.previews, preview)
	return nil
}

type fakeMessages struct {
	mu        sync.Mutex
	seq       int
	inserted  []storage.Message
	byClient  map[string]string
	failures  map[string]int
	permanent map[string]error
	contents  map[string]string
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		byClient:  map[string]string{},
		failures:  map[string]int{},
		permanent: map[string]error{},
		contents:  map[string]string{},
	}
}

func (f *fakeMessages) Insert(_ context.Context, msg storage.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.permanent[msg.ClientMessageID]; ok {
		return "", err
	}
	if f.failures[msg.ClientMessageID] > 0 {
		f.failures[msg.ClientMessageID]--
		return "", errors.New("storage unavailable")
	}
	if id, ok := f.byClient[msg.ClientMessageID]; ok {
		return id, nil
	}
	f.seq++
	id := fmt.Sprintf("m-%d", f.seq)
	f.byClient[msg.ClientMessageID] = id
	f.inserted = append(f.inserted, msg)
	return id, nil
}

func (f *fakeMessages) GetContent(_ context.Context, messageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contents[messageID], nil
}

func (f *fakeMessages) insertedClientIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.inserted))
	for _, msg := range f.inserted {
		ids = append(ids, msg.ClientMessageID)
	}
	return ids
}

type fakeUnread struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeUnread) IncrementExcept(_ context.Context, conversationID, senderID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID+"/"+senderID)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	keys   []string
	events []eventbus.Event
}

func (f *fakePublisher) PublishKeyed(_ context.Context, key string, evt eventbus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) published() []eventbus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventbus.Event{}, f.events...)
}

type flusherFixture struct {
	flusher       *Flusher
	buffer        *Buffer
	conversations *fakeConversations
	messages      *fakeMessages
	unread        *fakeUnread
	publisher     *fakePublisher
}

func newFixture(cfg Config) *flusherFixture {
	conversations := &fakeConversations{convs: map[string]storage.Conversation{
		"conv-1": {
			ID:   "conv-1",
			Type: "class",
			Members: []storage.Member{
				{UserID: "teacher-1", UserName: "Ms. Rahman", UserType: "teacher"},
				{UserID: "student-1", UserName: "Arif", UserType: "student"},
				{UserID: "parent-1", UserName: "Mr. Karim", UserType: "parent"},
			},
		},
	}}
	messages := newFakeMessages()
	unread := &fakeUnread{}
	publisher := &fakePublisher{}
	buffer := NewBuffer()
	flusher := NewFlusher(slog.Default(), buffer, conversations, messages, unread, publisher, cfg)
	return &flusherFixture{
		flusher:       flusher,
		buffer:        buffer,
		conversations: conversations,
		messages:      messages,
		unread:        unread,
		publisher:     publisher,
	}
}

func sendReq(tempID, senderID string) contracts.SendMessageRequested {
	return contracts.SendMessageRequested{
		Envelope:           eventbus.NewEnvelope(),
		TemporaryMessageID: tempID,
		ConversationID:     "conv-1",
		SenderID:           senderID,
		SenderType:         "teacher",
		Content:            "body of " + tempID,
		RequestedAt:        time.Now().UTC(),
	}
}

func TestFlusher_SizeTriggerFlushesFullBatch(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 50, FlushInterval: time.Hour})

	for i := 1; i <= 51; i++ {
		require.NoError(t, fx.flusher.Handle(ctx, sendReq(fmt.Sprintf("t%02d", i), "teacher-1")))
	}

	ids := fx.messages.insertedClientIDs()
	require.Len(t, ids, 50, "a full batch flushes as soon as the threshold is reached")
	require.Equal(t, "t01", ids[0])
	require.Equal(t, "t50", ids[49])
	require.Equal(t, 1, fx.buffer.Len(), "the 51st entry waits for the next trigger")
}

func TestFlusher_OnlyOneFlushOwnerRuns(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 2, FlushInterval: time.Hour})

	fx.flusher.flushMu.Lock()
	require.NoError(t, fx.flusher.Handle(ctx, sendReq("t1", "teacher-1")))
	require.NoError(t, fx.flusher.Handle(ctx, sendReq("t2", "teacher-1")))
	require.Empty(t, fx.messages.insertedClientIDs(), "a held flush lock means the size trigger backs off")
	fx.flusher.flushMu.Unlock()

	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval))
	require.Equal(t, []string{"t1", "t2"}, fx.messages.insertedClientIDs())
}

func TestFlusher_SkipsEntryForMissingConversation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour})

	bad := sendReq("t-bad", "teacher-1")
	bad.ConversationID = "conv-unknown"
	fx.buffer.Enqueue(bad)
	fx.buffer.Enqueue(sendReq("t-good", "teacher-1"))

	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval))
	require.Equal(t, []string{"t-good"}, fx.messages.insertedClientIDs())
	require.Equal(t, 0, fx.buffer.Len())
}

func TestFlusher_SkipsEntryFromNonMember(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour})

	fx.buffer.Enqueue(sendReq("t1", "intruder-9"))
	fx.buffer.Enqueue(sendReq("t2", "student-1"))

	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval))
	require.Equal(t, []string{"t2"}, fx.messages.insertedClientIDs())
}

func TestFlusher_TransientErrorRequeuesTailInOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour})
	fx.messages.failures["t2"] = 1

	fx.buffer.Enqueue(sendReq("t1", "teacher-1"))
	fx.buffer.Enqueue(sendReq("t2", "teacher-1"))
	fx.buffer.Enqueue(sendReq("t3", "teacher-1"))

	err := fx.flusher.flushIfIdle(ctx, triggerInterval)
	require.Error(t, err)
	require.Equal(t, []string{"t1"}, fx.messages.insertedClientIDs(), "entries before the failure stay persisted")
	require.Equal(t, 2, fx.buffer.Len(), "failed entry and the tail go back to the buffer")

	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval))
	require.Equal(t, []string{"t1", "t2", "t3"}, fx.messages.insertedClientIDs(), "retry preserves arrival order")
}

func TestFlusher_PermanentFailureIsDroppedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour, MaxPersistAttempts: 3})
	fx.messages.failures["t-bad"] = 1000

	fx.buffer.Enqueue(sendReq("t-bad", "teacher-1"))
	fx.buffer.Enqueue(sendReq("t-ok", "teacher-1"))

	require.Error(t, fx.flusher.flushIfIdle(ctx, triggerInterval))
	require.Error(t, fx.flusher.flushIfIdle(ctx, triggerInterval))
	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval),
		"the third attempt drops the entry instead of failing the batch")

	require.Equal(t, []string{"t-ok"}, fx.messages.insertedClientIDs(),
		"an entry that never persists must not starve the ones behind it")
	require.Equal(t, 0, fx.buffer.Len())
}

func TestFlusher_NonRetryableInsertErrorSkipsImmediately(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour})
	fx.messages.permanent["t-bad"] = &pgconn.PgError{Code: "22P02", Message: "invalid input syntax"}

	fx.buffer.Enqueue(sendReq("t-bad", "teacher-1"))
	fx.buffer.Enqueue(sendReq("t-ok", "teacher-1"))

	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval),
		"a data error is not retried at all")
	require.Equal(t, []string{"t-ok"}, fx.messages.insertedClientIDs())
	require.Equal(t, 0, fx.buffer.Len())
}

func TestFlusher_PublishesMessageSentKeyedByConversation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour})
	fx.messages.contents["m-parent"] = "original question"
	fx.messages.byClient["seed-parent"] = "m-parent"

	req := sendReq("t1", "teacher-1")
	req.ReplyToMessageID = "m-parent"
	fx.buffer.Enqueue(req)

	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval))

	events := fx.publisher.published()
	require.Len(t, events, 1)
	sent, ok := events[0].(contracts.MessageSent)
	require.True(t, ok)
	require.Equal(t, "conv-1", fx.publisher.keys[0])
	require.Equal(t, "m-1", sent.MessageID)
	require.Equal(t, "Ms. Rahman", sent.SenderName)
	require.Equal(t, "original question", sent.Message.ReplyToContent)
	require.NotEmpty(t, sent.EventID())
}

func TestFlusher_IncrementsUnreadForRecipientsOnly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour})

	fx.buffer.Enqueue(sendReq("t1", "teacher-1"))
	require.NoError(t, fx.flusher.flushIfIdle(ctx, triggerInterval))

	fx.unread.mu.Lock()
	defer fx.unread.mu.Unlock()
	require.Equal(t, []string{"conv-1/teacher-1"}, fx.unread.calls)
}

func TestFlusher_HandleRejectsEntriesWithoutIdentifiers(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(Config{BatchSize: 10, FlushInterval: time.Hour})

	require.NoError(t, fx.flusher.Handle(ctx, contracts.SendMessageRequested{Envelope: eventbus.NewEnvelope()}))
	require.Equal(t, 0, fx.buffer.Len())
}

func TestFlusher_RunFlushesOnInterval(t *testing.T) {
	fx := newFixture(Config{BatchSize: 50, FlushInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.flusher.Run(ctx)
		close(done)
	}()

	fx.buffer.Enqueue(sendReq("t1", "teacher-1"))
	fx.buffer.Enqueue(sendReq("t2", "teacher-1"))

	require.Eventually(t, func() bool {
		return len(fx.messages.insertedClientIDs()) == 2
	}, 5*time.Second, 5*time.Millisecond, "ticker must drain a partial batch")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flusher did not stop")
	}
}

func TestFlusher_ShutdownDrainsBuffer(t *testing.T) {
	fx := newFixture(Config{BatchSize: 50, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.flusher.Run(ctx)
		close(done)
	}()

	fx.buffer.Enqueue(sendReq("t1", "teacher-1"))
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flusher did not stop")
	}
	require.Equal(t, []string{"t1"}, fx.messages.insertedClientIDs())
}
