// Package unread tracks per-user unread message counts in Redis. Counts are
// advisory UI state, not ledger data: a lost increment self-heals the next
// time the user opens the conversation.
package unread

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "emis:unread:"

type Counter struct {
	rdb *redis.Client
}

func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb}
}

// IncrementExcept bumps the unread count of every member except the sender.
// All increments for one message go out in a single pipeline round trip.
func (c *Counter) IncrementExcept(ctx context.Context, conversationID, senderID string, memberIDs []string) error {
	pipe := c.rdb.Pipeline()
	for _, memberID := range memberIDs {
		if memberID == senderID {
			continue
		}
		pipe.HIncrBy(ctx, keyPrefix+memberID, conversationID, 1)
	}
	if pipe.Len() == 0 {
		return nil
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the user's unread counts keyed by conversation id.
func (c *Counter) Get(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, keyPrefix+userID).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(raw))
	for conversationID, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[conversationID] = n
	}
	return counts, nil
}

// Reset clears the unread count for one conversation, called when the user
// opens it.
func (c *Counter) Reset(ctx context.Context, userID, conversationID string) error {
	return c.rdb.HDel(ctx, keyPrefix+userID, conversationID).Err()
}
