package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Message struct {
	ID               string
	ClientMessageID  string
	ConversationID   string
	SenderID         string
	SenderName       string
	SenderType       string
	Content          string
	Attachments      []contracts.Attachment
	ReplyToMessageID string
	SentAt           time.Time
	CreatedAt        time.Time
}

type MessagesRepository struct {
	pool *db.Pool
}

func NewMessagesRepository(pool *db.Pool) *MessagesRepository {
	return &MessagesRepository{pool: pool}
}

// Insert stores a message and returns its storage id. The client message id
// (the temporary id assigned at send time) carries a unique constraint, so a
// redelivered event lands on the same row and gets the same id back instead
// of a duplicate.
func (r *MessagesRepository) Insert(ctx context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return "", err
	}

	var id string
	err = r.pool.QueryRow(ctx, `
		INSERT INTO messages
			(id, client_message_id, conversation_id, sender_id, sender_name, sender_type,
			content, attachments, reply_to_message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (client_message_id)
			DO UPDATE SET client_message_id = excluded.client_message_id
		RETURNING id
	`, msg.ID, msg.ClientMessageID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.SenderType,
		msg.Content, attachments, msg.ReplyToMessageID, msg.SentAt).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *MessagesRepository) List(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Minute)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, client_message_id, conversation_id, sender_id, sender_name, sender_type,
			content, attachments, COALESCE(reply_to_message_id::text, ''), sent_at, created_at
		FROM messages
		WHERE conversation_id = $1 AND sent_at < $2
		ORDER BY sent_at DESC
		LIMIT $3
	`, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var attachments []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.ClientMessageID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderName,
			&msg.SenderType,
			&msg.Content,
			&attachments,
			&msg.ReplyToMessageID,
			&msg.SentAt,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, msg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return msgs, nil
}

// GetContent returns the body of a single message, or "" when the message
// does not exist. Used to resolve reply previews without failing the batch
// when the parent message was deleted.
func (r *MessagesRepository) GetContent(ctx context.Context, messageID string) (string, error) {
	var content string
	err := r.pool.QueryRow(ctx, `SELECT content FROM messages WHERE id = $1`, messageID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return content, nil
}
