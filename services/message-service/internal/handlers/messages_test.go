package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/emis-edu/emis/services/message-service/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	members map[string][]storage.Member
}

func (f *fakeResolver) ListMembers(_ context.Context, conversationID string) ([]storage.Member, error) {
	members, ok := f.members[conversationID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return members, nil
}

type fakePublisher struct {
	keys   []string
	events []eventbus.Event
	err    error
}

func (f *fakePublisher) PublishKeyed(_ context.Context, key string, evt eventbus.Event) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.events = append(f.events, evt)
	return nil
}

type fakeMessageStore struct {
	msgs []storage.Message
}

func (f *fakeMessageStore) List(_ context.Context, _ string, _ time.Time, _ int) ([]storage.Message, error) {
	return f.msgs, nil
}

type fakeUnreadStore struct {
	counts map[string]int64
	resets []string
}

func (f *fakeUnreadStore) Get(_ context.Context, _ string) (map[string]int64, error) {
	return f.counts, nil
}

func (f *fakeUnreadStore) Reset(_ context.Context, userID, conversationID string) error {
	f.resets = append(f.resets, userID+"/"+conversationID)
	return nil
}

type handlerFixture struct {
	handler   *MessageHandler
	publisher *fakePublisher
	unread    *fakeUnreadStore
	messages  *fakeMessageStore
}

func newHandlerFixture() *handlerFixture {
	resolver := &fakeResolver{members: map[string][]storage.Member{
		"conv-1": {
			{UserID: "teacher-1", UserName: "Ms. Rahman", UserType: "teacher"},
			{UserID: "student-1", UserName: "Arif", UserType: "student"},
		},
	}}
	publisher := &fakePublisher{}
	unreadStore := &fakeUnreadStore{counts: map[string]int64{"conv-1": 3}}
	messages := &fakeMessageStore{}
	return &handlerFixture{
		handler:   NewMessageHandler(messages, resolver, unreadStore, publisher, slog.Default()),
		publisher: publisher,
		unread:    unreadStore,
		messages:  messages,
	}
}

func postJSON(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestSend_AcceptsAndPublishesKeyedByConversation(t *testing.T) {
	fx := newHandlerFixture()

	rec := postJSON(t, fx.handler.Send, `{
		"conversation_id": "conv-1",
		"sender_id": "teacher-1",
		"sender_type": "teacher",
		"content": "homework posted",
		"client_message_id": "tmp-77"
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp sendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "tmp-77", resp.TemporaryMessageID)
	require.Equal(t, "accepted", resp.Status)

	require.Equal(t, []string{"conv-1"}, fx.publisher.keys)
	evt, ok := fx.publisher.events[0].(contracts.SendMessageRequested)
	require.True(t, ok)
	require.Equal(t, "tmp-77", evt.TemporaryMessageID)
	require.Equal(t, "homework posted", evt.Content)
	require.NotEmpty(t, evt.EventID())
	require.False(t, evt.RequestedAt.IsZero())
}

func TestSend_GeneratesTemporaryIDWhenClientOmitsIt(t *testing.T) {
	fx := newHandlerFixture()

	rec := postJSON(t, fx.handler.Send, `{
		"conversation_id": "conv-1",
		"sender_id": "student-1",
		"sender_type": "student",
		"content": "done"
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp sendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TemporaryMessageID)
}

func TestSend_UnknownConversationIs404(t *testing.T) {
	fx := newHandlerFixture()
	rec := postJSON(t, fx.handler.Send, `{
		"conversation_id": "conv-9",
		"sender_id": "teacher-1",
		"sender_type": "teacher",
		"content": "hello"
	}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, fx.publisher.events)
}

func TestSend_NonMemberIs403(t *testing.T) {
	fx := newHandlerFixture()
	rec := postJSON(t, fx.handler.Send, `{
		"conversation_id": "conv-1",
		"sender_id": "intruder-9",
		"sender_type": "parent",
		"content": "hello"
	}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, fx.publisher.events)
}

func TestSend_EmptyMessageIs400(t *testing.T) {
	fx := newHandlerFixture()
	rec := postJSON(t, fx.handler.Send, `{
		"conversation_id": "conv-1",
		"sender_id": "teacher-1",
		"sender_type": "teacher",
		"content": "   "
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSend_PublishFailureIs503(t *testing.T) {
	fx := newHandlerFixture()
	fx.publisher.err = context.DeadlineExceeded
	rec := postJSON(t, fx.handler.Send, `{
		"conversation_id": "conv-1",
		"sender_id": "teacher-1",
		"sender_type": "teacher",
		"content": "hello"
	}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestList_RequiresMembership(t *testing.T) {
	fx := newHandlerFixture()
	req := httptest.NewRequest(http.MethodGet, "/v1/messages?conversation_id=conv-1&user_id=intruder-9", nil)
	rec := httptest.NewRecorder()
	fx.handler.List(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestList_ReturnsMessages(t *testing.T) {
	fx := newHandlerFixture()
	fx.messages.msgs = []storage.Message{{
		ID:             "m-1",
		ConversationID: "conv-1",
		SenderID:       "teacher-1",
		SenderName:     "Ms. Rahman",
		SenderType:     "teacher",
		Content:        "homework posted",
		SentAt:         time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/messages?conversation_id=conv-1&user_id=student-1", nil)
	rec := httptest.NewRecorder()
	fx.handler.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []messageItem `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	require.Equal(t, "m-1", resp.Messages[0].MessageID)
	require.Equal(t, "2026-04-01T09:00:00Z", resp.Messages[0].SentAt)
}

func TestUnread_ReturnsCounts(t *testing.T) {
	fx := newHandlerFixture()
	req := httptest.NewRequest(http.MethodGet, "/v1/unread?user_id=student-1", nil)
	rec := httptest.NewRecorder()
	fx.handler.Unread(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Unread map[string]int64 `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(3), resp.Unread["conv-1"])
}

func TestMarkRead_ResetsCounter(t *testing.T) {
	fx := newHandlerFixture()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/read",
		strings.NewReader(`{"user_id":"student-1","conversation_id":"conv-1"}`))
	rec := httptest.NewRecorder()
	fx.handler.MarkRead(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"student-1/conv-1"}, fx.unread.resets)
}
