// Package pipeline implements the write-behind path for chat messages.
// Intake only stages an entry in the buffer; a single flush owner later
// persists entries in arrival order, in batches, and announces each stored
// message on the bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/emis-edu/emis/services/message-service/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	triggerSize     = "size"
	triggerInterval = "interval"
	triggerShutdown = "shutdown"
)

// errSkipEntry marks an entry that can never be persisted. It is dropped
// with a log line instead of failing its batch.
var errSkipEntry = errors.New("entry not persistable")

// isNonRetryable reports whether a storage error can never succeed on a
// later attempt: malformed input data or constraint violations (SQLSTATE
// classes 22 and 23). Everything else is treated as transient.
func isNonRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	class := pgErr.Code[:2]
	return class == "22" || class == "23"
}

type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (storage.Conversation, error)
	UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error
}

type MessageStore interface {
	Insert(ctx context.Context, msg storage.Message) (string, error)
	GetContent(ctx context.Context, messageID string) (string, error)
}

type UnreadCounter interface {
	IncrementExcept(ctx context.Context, conversationID, senderID string, memberIDs []string) error
}

type EventPublisher interface {
	PublishKeyed(ctx context.Context, key string, evt eventbus.Event) error
}

type Config struct {
	BatchSize            int
	FlushInterval        time.Duration
	ConversationCacheTTL time.Duration
	MaxPersistAttempts   int // flush attempts per entry before it is dropped
}

func applyDefaults(cfg *Config) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.ConversationCacheTTL <= 0 {
		cfg.ConversationCacheTTL = 30 * time.Second
	}
	if cfg.MaxPersistAttempts <= 0 {
		cfg.MaxPersistAttempts = 5
	}
}

// Flusher owns the buffer drain. Flushing is guarded by a try-lock so the
// size trigger and the ticker can never run two drains at once; whichever
// loses the race simply leaves the work to the current owner.
type Flusher struct {
	buffer        *Buffer
	conversations ConversationStore
	messages      MessageStore
	unread        UnreadCounter
	publisher     EventPublisher
	logger        *slog.Logger
	cfg           Config

	flushMu   sync.Mutex
	lastFlush atomic.Int64 // unix nanos of the last completed flush
	cache     *ttlcache.Cache[string, storage.Conversation]

	// failures counts flush attempts per temporary message id, so one
	// entry that keeps failing cannot block the buffer forever. Only
	// touched by the flush owner, under flushMu.
	failures map[string]int
}

func NewFlusher(
	logger *slog.Logger,
	buffer *Buffer,
	conversations ConversationStore,
	messages MessageStore,
	unread UnreadCounter,
	publisher EventPublisher,
	cfg Config,
) *Flusher {
	applyDefaults(&cfg)
	registerMetrics()

	cache := ttlcache.New[string, storage.Conversation](
		ttlcache.WithTTL[string, storage.Conversation](cfg.ConversationCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, storage.Conversation](),
	)
	go cache.Start()

	f := &Flusher{
		buffer:        buffer,
		conversations: conversations,
		messages:      messages,
		unread:        unread,
		publisher:     publisher,
		logger:        logger,
		cfg:           cfg,
		cache:         cache,
		failures:      make(map[string]int),
	}
	f.lastFlush.Store(time.Now().UnixNano())
	return f
}

// Handle stages a send request in the buffer. It is the subscriber for the
// send-requested topic: returning nil acknowledges the event, so entries
// that can never be stored are rejected here rather than buffered.
func (f *Flusher) Handle(ctx context.Context, evt contracts.SendMessageRequested) error {
	if evt.ConversationID == "" || evt.SenderID == "" || evt.TemporaryMessageID == "" {
		f.logger.Warn("discarding send request with missing identifiers",
			"event_id", evt.EventID(), "conversation_id", evt.ConversationID)
		entriesSkipped.WithLabelValues("invalid").Inc()
		return nil
	}
	if evt.RequestedAt.IsZero() {
		evt.RequestedAt = evt.OccurredAt()
	}
	f.buffer.Enqueue(evt)

	if f.buffer.Len() >= f.cfg.BatchSize {
		return f.flushIfIdle(ctx, triggerSize)
	}
	return nil
}

// Run drives the interval trigger until ctx is canceled, then drains
// whatever is still buffered so a clean shutdown loses nothing.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()
	defer f.cache.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := f.flushIfIdle(drainCtx, triggerShutdown); err != nil {
				f.logger.Error("shutdown drain failed, buffered messages lost",
					"remaining", f.buffer.Len(), "err", err)
			}
			cancel()
			f.logger.Info("flusher stopped")
			return
		case <-ticker.C:
			if f.buffer.Len() == 0 {
				continue
			}
			// The size trigger already flushed recently; let entries
			// accumulate for the rest of the interval.
			if time.Since(time.Unix(0, f.lastFlush.Load())) < f.cfg.FlushInterval {
				continue
			}
			if err := f.flushIfIdle(ctx, triggerInterval); err != nil {
				f.logger.Error("interval flush failed", "err", err)
			}
		}
	}
}

// flushIfIdle drains the buffer if no other flush is running. A lost
// try-lock is success: the active owner will pick up the new entries.
func (f *Flusher) flushIfIdle(ctx context.Context, trigger string) error {
	if !f.flushMu.TryLock() {
		return nil
	}
	defer f.flushMu.Unlock()

	for {
		n, err := f.flushBatch(ctx, trigger)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if trigger == triggerSize && f.buffer.Len() < f.cfg.BatchSize {
			return nil
		}
		if f.buffer.Len() == 0 {
			return nil
		}
	}
}

// flushBatch takes one batch off the buffer and persists it in order. On a
// transient failure the unpersisted tail (failed entry included) goes back
// to the buffer front and the error is surfaced; already-persisted entries
// are never requeued.
func (f *Flusher) flushBatch(ctx context.Context, trigger string) (int, error) {
	batch := f.buffer.Dequeue(f.cfg.BatchSize)
	if len(batch) == 0 {
		return 0, nil
	}
	timer := prometheus.NewTimer(flushDuration)
	defer timer.ObserveDuration()

	for i, entry := range batch {
		err := f.persistOne(ctx, entry)
		if errors.Is(err, errSkipEntry) {
			f.logger.Warn("skipping unpersistable message",
				"temporary_message_id", entry.TemporaryMessageID,
				"conversation_id", entry.ConversationID, "err", err)
			entriesSkipped.WithLabelValues("unpersistable").Inc()
			delete(f.failures, entry.TemporaryMessageID)
			continue
		}
		if err != nil {
			f.failures[entry.TemporaryMessageID]++
			if f.failures[entry.TemporaryMessageID] >= f.cfg.MaxPersistAttempts {
				// An entry that fails every flush would pin the buffer
				// behind it indefinitely; after the attempt budget it is
				// dropped like a bad entry.
				delete(f.failures, entry.TemporaryMessageID)
				f.logger.Error("dropping message after repeated persist failures",
					"temporary_message_id", entry.TemporaryMessageID,
					"conversation_id", entry.ConversationID,
					"attempts", f.cfg.MaxPersistAttempts, "err", err)
				entriesSkipped.WithLabelValues("attempts_exhausted").Inc()
				continue
			}
			f.buffer.Requeue(batch[i:])
			flushFailures.Inc()
			return 0, fmt.Errorf("flush batch at entry %d/%d: %w", i+1, len(batch), err)
		}
		delete(f.failures, entry.TemporaryMessageID)
		entriesPersisted.Inc()
	}

	f.lastFlush.Store(time.Now().UnixNano())
	flushes.WithLabelValues(trigger).Inc()
	f.logger.Debug("batch flushed", "size", len(batch), "trigger", trigger)
	return len(batch), nil
}

func (f *Flusher) persistOne(ctx context.Context, entry contracts.SendMessageRequested) error {
	conv, err := f.conversation(ctx, entry.ConversationID)
	if storage.IsNotFound(err) {
		return fmt.Errorf("%w: conversation %s does not exist", errSkipEntry, entry.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	isMember := false
	senderName := ""
	for _, m := range conv.Members {
		if m.UserID == entry.SenderID {
			isMember = true
			senderName = m.UserName
			break
		}
	}
	if !isMember {
		return fmt.Errorf("%w: sender %s is not a member of conversation %s",
			errSkipEntry, entry.SenderID, entry.ConversationID)
	}
	if senderName == "" {
		// Membership rows created from assignment events may not carry a
		// display name yet.
		senderName = entry.SenderID
	}

	messageID, err := f.messages.Insert(ctx, storage.Message{
		ClientMessageID:  entry.TemporaryMessageID,
		ConversationID:   entry.ConversationID,
		SenderID:         entry.SenderID,
		SenderName:       senderName,
		SenderType:       entry.SenderType,
		Content:          entry.Content,
		Attachments:      entry.Attachments,
		ReplyToMessageID: entry.ReplyToMessageID,
		SentAt:           entry.RequestedAt,
	})
	if err != nil {
		if isNonRetryable(err) {
			return fmt.Errorf("%w: insert rejected: %v", errSkipEntry, err)
		}
		return fmt.Errorf("insert message: %w", err)
	}

	replyContent := ""
	if entry.ReplyToMessageID != "" {
		replyContent, err = f.messages.GetContent(ctx, entry.ReplyToMessageID)
		if err != nil {
			// Preview only; the reply link itself is already stored.
			f.logger.Warn("reply preview lookup failed", "message_id", messageID, "err", err)
			replyContent = ""
		}
	}

	if err := f.conversations.UpdateLastMessage(ctx, entry.ConversationID, entry.Content, entry.RequestedAt); err != nil {
		f.logger.Warn("conversation preview update failed", "conversation_id", entry.ConversationID, "err", err)
	}

	memberIDs := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		memberIDs = append(memberIDs, m.UserID)
	}
	// Counts are advisory. Failing the batch here would re-run the
	// increments on redelivery and overcount.
	if err := f.unread.IncrementExcept(ctx, entry.ConversationID, entry.SenderID, memberIDs); err != nil {
		f.logger.Warn("unread increment failed", "conversation_id", entry.ConversationID, "err", err)
	}

	sent := contracts.MessageSent{
		Envelope:         eventbus.NewEnvelope(),
		MessageID:        messageID,
		ConversationID:   entry.ConversationID,
		SenderID:         entry.SenderID,
		SenderName:       senderName,
		Content:          entry.Content,
		HasAttachment:    len(entry.Attachments) > 0,
		AttachmentCount:  len(entry.Attachments),
		ReplyToMessageID: entry.ReplyToMessageID,
		SentAt:           entry.RequestedAt,
		Message: contracts.MessagePayload{
			ID:               messageID,
			ConversationID:   entry.ConversationID,
			SenderID:         entry.SenderID,
			SenderName:       senderName,
			SenderType:       entry.SenderType,
			Content:          entry.Content,
			Attachments:      entry.Attachments,
			ReplyToMessageID: entry.ReplyToMessageID,
			ReplyToContent:   replyContent,
			SentAt:           entry.RequestedAt,
		},
	}
	// Keyed by conversation so every consumer sees one conversation's
	// messages in flush order.
	if err := f.publisher.PublishKeyed(ctx, entry.ConversationID, sent); err != nil {
		return fmt.Errorf("publish message.sent: %w", err)
	}
	return nil
}

func (f *Flusher) conversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	if item := f.cache.Get(conversationID); item != nil {
		return item.Value(), nil
	}
	conv, err := f.conversations.Get(ctx, conversationID)
	if err != nil {
		return storage.Conversation{}, err
	}
	f.cache.Set(conversationID, conv, ttlcache.DefaultTTL)
	return conv, nil
}
