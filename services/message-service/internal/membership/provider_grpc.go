//go:build protogen

package membership

import (
	"context"
	"log/slog"
	"time"

	"github.com/emis-edu/emis/libs/grpcx"
	directoryv1 "github.com/emis-edu/emis/protos/gen/directory/v1"
	"github.com/emis-edu/emis/services/message-service/internal/storage"
)

type grpcResolver struct {
	client directoryv1.DirectoryServiceClient
}

// NewDirectoryResolver resolves membership from the directory service. When
// the address is empty or the service is unreachable at startup the
// storage-backed resolver is used instead.
func NewDirectoryResolver(logger *slog.Logger, fallback Resolver, addr string) (Resolver, error) {
	if addr == "" {
		return fallback, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("directory resolver unavailable, using storage membership", "err", err)
		return fallback, nil
	}

	logger.Info("directory membership resolver enabled", "addr", addr)
	return &grpcResolver{client: directoryv1.NewDirectoryServiceClient(conn)}, nil
}

func (r *grpcResolver) ListMembers(ctx context.Context, conversationID string) ([]storage.Member, error) {
	resp, err := r.client.ListConversationMembers(ctx, &directoryv1.ConversationMembersRequest{ConversationId: conversationID})
	if err != nil {
		return nil, err
	}
	members := make([]storage.Member, 0, len(resp.GetMembers()))
	for _, m := range resp.GetMembers() {
		members = append(members, storage.Member{
			UserID:   m.GetUserId(),
			UserName: m.GetUserName(),
			UserType: m.GetUserType(),
			Role:     m.GetRole(),
		})
	}
	return members, nil
}
