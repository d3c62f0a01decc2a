package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reply queues let an inbound webhook hand a message to a specific blocked
// flow without a correlation protocol: Deliver pushes onto a per-user
// durable list, WaitForReply blocks a worker on it.

const replyQueueTTL = 24 * time.Hour

func (s *Store) replyKey(user string) string {
	return s.key("replies:" + user)
}

// Deliver pushes a message into the user's reply queue and refreshes its
// expiry.
func (s *Store) Deliver(ctx context.Context, user, message string) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.replyKey(user), message)
	pipe.Expire(ctx, s.replyKey(user), replyQueueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deliver reply for %s: %w", user, err)
	}
	return nil
}

// WaitForReply blocks until a message arrives for the user or the timeout
// elapses. The second return is false on timeout. This is the inbound
// webhook handler's entry point; workers resuming a parked flow drain with
// PopReply instead so they never hold a connection open.
func (s *Store) WaitForReply(ctx context.Context, user string, timeout time.Duration) (string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, s.replyKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("wait for reply %s: %w", user, err)
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// PopReply drains one buffered reply without blocking.
func (s *Store) PopReply(ctx context.Context, user string) (string, bool, error) {
	res, err := s.client.LPop(ctx, s.replyKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res, true, nil
}

// PeekReply inspects the head of the queue without consuming it.
func (s *Store) PeekReply(ctx context.Context, user string) (string, bool, error) {
	res, err := s.client.LIndex(ctx, s.replyKey(user), 0).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res, true, nil
}
