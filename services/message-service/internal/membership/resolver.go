package membership

import (
	"context"

	"github.com/emis-edu/emis/services/message-service/internal/storage"
)

// Resolver answers "who belongs to this conversation". The storage-backed
// resolver is the default; a directory-service backed one can replace it
// when membership moves out of this service.
type Resolver interface {
	ListMembers(ctx context.Context, conversationID string) ([]storage.Member, error)
}

type storageResolver struct {
	conversations *storage.ConversationsRepository
}

func NewStorageResolver(conversations *storage.ConversationsRepository) Resolver {
	return &storageResolver{conversations: conversations}
}

func (r *storageResolver) ListMembers(ctx context.Context, conversationID string) ([]storage.Member, error) {
	conv, err := r.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Members, nil
}

// IsMember reports whether userID appears in the conversation's member list.
func IsMember(members []storage.Member, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
