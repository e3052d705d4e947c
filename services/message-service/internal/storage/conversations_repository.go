package storage

import (
	"context"
	"errors"
	"time"

	"github.com/emis-edu/emis/libs/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Member struct {
	UserID   string
	UserName string
	UserType string // teacher | student | parent
	Role     string // member | admin
}

type Conversation struct {
	ID            string
	Type          string // direct | group | class
	Name          string
	ClassID       string
	StudentID     string // set for student-group conversations only
	Members       []Member
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

type ConversationsRepository struct {
	pool *db.Pool
}

func NewConversationsRepository(pool *db.Pool) *ConversationsRepository {
	return &ConversationsRepository{pool: pool}
}

func (r *ConversationsRepository) Get(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	var lastMessageAt *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id, type, COALESCE(name, ''), COALESCE(class_id::text, ''),
			COALESCE(student_id::text, ''), last_message_at, created_at
		FROM conversations
		WHERE id = $1
	`, conversationID).Scan(
		&conv.ID,
		&conv.Type,
		&conv.Name,
		&conv.ClassID,
		&conv.StudentID,
		&lastMessageAt,
		&conv.CreatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	conv.LastMessageAt = lastMessageAt

	rows, err := r.pool.Query(ctx, `
		SELECT user_id, user_name, user_type, role
		FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at ASC
	`, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.UserName, &m.UserType, &m.Role); err != nil {
			return Conversation{}, err
		}
		conv.Members = append(conv.Members, m)
	}
	if rows.Err() != nil {
		return Conversation{}, rows.Err()
	}
	return conv, nil
}

// UpdateLastMessage bumps the conversation preview shown in inbox lists.
// last_message_at only moves forward so a late flush of an old batch cannot
// roll the preview back.
func (r *ConversationsRepository) UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message_preview = $2,
			last_message_at = $3
		WHERE id = $1
			AND (last_message_at IS NULL OR last_message_at <= $3)
	`, conversationID, preview, at)
	return err
}

// FindStudentGroup returns the id of the group conversation already created
// for a student in a class, or "" when none exists yet.
func (r *ConversationsRepository) FindStudentGroup(ctx context.Context, studentID, classID string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT id
		FROM conversations
		WHERE type = 'group' AND student_id = $1 AND class_id = $2
	`, studentID, classID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateWithMembers creates a conversation and its member rows in one
// transaction. Member inserts are conflict-tolerant so a replayed event
// cannot fail on rows it already wrote.
func (r *ConversationsRepository) CreateWithMembers(ctx context.Context, conv Conversation) (string, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, type, name, class_id, student_id, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, '')::uuid, NULLIF($5, '')::uuid, now())
	`, conv.ID, conv.Type, conv.Name, conv.ClassID, conv.StudentID)
	if err != nil {
		return "", err
	}
	for _, m := range conv.Members {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, user_name, user_type, role, joined_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, conv.ID, m.UserID, m.UserName, m.UserType, m.Role)
		if err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return conv.ID, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
