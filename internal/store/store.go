// Package store implements the durable context store: JSON key/value state,
// a time-ordered sorted-set index, pub/sub log fan-out and per-user reply
// queues, all over one shared redis backend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store namespaces every key with an instance prefix so multiple logical
// stores (flow context, anti-ban counters) can share one physical backend.
type Store struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

// Get unmarshals the value at key into out. The second return is false when
// the key does not exist.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("store decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value as JSON. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	return n > 0, err
}

// Incr atomically increments a counter and, on first increment, applies the
// expiry. This is the primitive the rate limiters and burst counters rely
// on; no application-level locks are layered on top.
func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.key(key))
	pipe.ExpireNX(ctx, s.key(key), expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Sorted-set operations back the timeout index and the burst-detection
// windows. Scores are absolute epoch milliseconds.

func (s *Store) ZAdd(ctx context.Context, set, member string, score float64) error {
	return s.client.ZAdd(ctx, s.key(set), redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRangeByScore(ctx context.Context, set string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.key(set), &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (s *Store) ZRem(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, s.key(set), args...).Err()
}

func (s *Store) ZCount(ctx context.Context, set string, min, max float64) (int64, error) {
	return s.client.ZCount(ctx, s.key(set), formatScore(min), formatScore(max)).Result()
}

func (s *Store) ZRemRangeByScore(ctx context.Context, set string, min, max float64) error {
	return s.client.ZRemRangeByScore(ctx, s.key(set), formatScore(min), formatScore(max)).Err()
}

func formatScore(v float64) string {
	return fmt.Sprintf("%f", v)
}

// Publish fans a message out to live subscribers, fire-and-forget. Used for
// real-time execution log streaming.
func (s *Store) Publish(ctx context.Context, channel string, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.key(channel), raw).Err()
}

func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, s.key(channel))
}

// PushList appends to a bounded recent-event list, trimming to maxLen. The
// health monitor mirrors provider events through this for cross-process
// visibility.
func (s *Store) PushList(ctx context.Context, key string, value any, maxLen int64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key(key), raw)
	pipe.LTrim(ctx, s.key(key), 0, maxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, s.key(key), start, stop).Result()
}

// Get is the generic package-level accessor for callers that want a typed
// value back without declaring an out variable.
func Get[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var v T
	ok, err := s.Get(ctx, key, &v)
	return v, ok, err
}
