package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/emis-edu/emis/libs/httpx"
	"github.com/emis-edu/emis/services/message-service/internal/membership"
	"github.com/emis-edu/emis/services/message-service/internal/storage"
	"github.com/google/uuid"
)

type EventPublisher interface {
	PublishKeyed(ctx context.Context, key string, evt eventbus.Event) error
}

type MessageStore interface {
	List(ctx context.Context, conversationID string, before time.Time, limit int) ([]storage.Message, error)
}

type UnreadStore interface {
	Get(ctx context.Context, userID string) (map[string]int64, error)
	Reset(ctx context.Context, userID, conversationID string) error
}

type MessageHandler struct {
	messages   MessageStore
	membership membership.Resolver
	unread     UnreadStore
	publisher  EventPublisher
	logger     *slog.Logger
}

func NewMessageHandler(
	messages MessageStore,
	resolver membership.Resolver,
	counter UnreadStore,
	publisher EventPublisher,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		messages:   messages,
		membership: resolver,
		unread:     counter,
		publisher:  publisher,
		logger:     logger,
	}
}

func (h *MessageHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.Send(w, r)
		case http.MethodGet:
			h.List(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/unread", h.Unread)
	mux.HandleFunc("/v1/conversations/read", h.MarkRead)
}

type attachmentItem struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
}

type sendMessageRequest struct {
	ConversationID   string           `json:"conversation_id"`
	SenderID         string           `json:"sender_id"`
	SenderType       string           `json:"sender_type"`
	Content          string           `json:"content"`
	Attachments      []attachmentItem `json:"attachments"`
	ReplyToMessageID string           `json:"reply_to_message_id"`
	ClientMessageID  string           `json:"client_message_id"`
}

type sendMessageResponse struct {
	TemporaryMessageID string `json:"temporary_message_id"`
	Status             string `json:"status"`
}

type messageItem struct {
	MessageID        string           `json:"message_id"`
	ConversationID   string           `json:"conversation_id"`
	SenderID         string           `json:"sender_id"`
	SenderName       string           `json:"sender_name"`
	SenderType       string           `json:"sender_type"`
	Content          string           `json:"content"`
	Attachments      []attachmentItem `json:"attachments,omitempty"`
	ReplyToMessageID string           `json:"reply_to_message_id,omitempty"`
	SentAt           string           `json:"sent_at"`
}

// Send accepts a message for delivery. Nothing is written synchronously:
// the request is validated against conversation membership, published to
// the bus, and acknowledged with the temporary id the client can render
// optimistically.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.SenderID = strings.TrimSpace(req.SenderID)
	req.SenderType = strings.ToLower(strings.TrimSpace(req.SenderType))
	req.Content = strings.TrimSpace(req.Content)

	if req.ConversationID == "" || req.SenderID == "" || req.SenderType == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		http.Error(w, "message must carry content or attachments", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	members, err := h.membership.ListMembers(ctx, req.ConversationID)
	if storage.IsNotFound(err) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("membership lookup failed", "conversation_id", req.ConversationID, "err", err)
		http.Error(w, "membership lookup failed", http.StatusInternalServerError)
		return
	}
	if !membership.IsMember(members, req.SenderID) {
		http.Error(w, "sender is not a conversation member", http.StatusForbidden)
		return
	}

	tempID := strings.TrimSpace(req.ClientMessageID)
	if tempID == "" {
		tempID = uuid.NewString()
	}
	attachments := make([]contracts.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, contracts.Attachment{
			FileName: a.FileName,
			FileURL:  a.FileURL,
			FileType: a.FileType,
			FileSize: a.FileSize,
		})
	}

	evt := contracts.SendMessageRequested{
		Envelope:           eventbus.NewEnvelope(),
		TemporaryMessageID: tempID,
		ConversationID:     req.ConversationID,
		SenderID:           req.SenderID,
		SenderType:         req.SenderType,
		Content:            req.Content,
		Attachments:        attachments,
		ReplyToMessageID:   strings.TrimSpace(req.ReplyToMessageID),
		RequestedAt:        time.Now().UTC(),
		CorrelationID:      httpx.RequestIDFromContext(ctx),
	}
	// Keyed by conversation so one conversation's sends stay ordered on
	// a single partition.
	if err := h.publisher.PublishKeyed(ctx, req.ConversationID, evt); err != nil {
		h.logger.Error("send request publish failed", "conversation_id", req.ConversationID, "err", err)
		http.Error(w, "message intake unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(sendMessageResponse{
		TemporaryMessageID: tempID,
		Status:             "accepted",
	})
}

func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if conversationID == "" || userID == "" {
		http.Error(w, "conversation_id and user_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	members, err := h.membership.ListMembers(ctx, conversationID)
	if storage.IsNotFound(err) {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("membership lookup failed", "conversation_id", conversationID, "err", err)
		http.Error(w, "membership lookup failed", http.StatusInternalServerError)
		return
	}
	if !membership.IsMember(members, userID) {
		http.Error(w, "not a conversation member", http.StatusForbidden)
		return
	}

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid before timestamp", http.StatusBadRequest)
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	msgs, err := h.messages.List(ctx, conversationID, before, limit)
	if err != nil {
		h.logger.Error("message list failed", "conversation_id", conversationID, "err", err)
		http.Error(w, "message list failed", http.StatusInternalServerError)
		return
	}

	items := make([]messageItem, 0, len(msgs))
	for _, msg := range msgs {
		item := messageItem{
			MessageID:        msg.ID,
			ConversationID:   msg.ConversationID,
			SenderID:         msg.SenderID,
			SenderName:       msg.SenderName,
			SenderType:       msg.SenderType,
			Content:          msg.Content,
			ReplyToMessageID: msg.ReplyToMessageID,
			SentAt:           msg.SentAt.UTC().Format(time.RFC3339),
		}
		for _, a := range msg.Attachments {
			item.Attachments = append(item.Attachments, attachmentItem{
				FileName: a.FileName,
				FileURL:  a.FileURL,
				FileType: a.FileType,
				FileSize: a.FileSize,
			})
		}
		items = append(items, item)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"messages": items})
}

func (h *MessageHandler) Unread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	counts, err := h.unread.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("unread lookup failed", "user_id", userID, "err", err)
		http.Error(w, "unread lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"unread": counts})
}

type markReadRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ConversationID == "" {
		http.Error(w, "user_id and conversation_id are required", http.StatusBadRequest)
		return
	}
	if err := h.unread.Reset(r.Context(), req.UserID, req.ConversationID); err != nil {
		h.logger.Error("unread reset failed", "user_id", req.UserID, "err", err)
		http.Error(w, "unread reset failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
