// Package queue implements the durable job dispatch layer: one redis-backed
// queue per concern, worker pools with backoff retries, dead-letter capture
// and a self-healer that requeues recognizably transient failures.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/zapflowhq/zapflow/internal/metrics"
)

const defaultMaxAttempts = 3

// Job is the envelope persisted in redis. Payload stays raw until a handler
// decodes it.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Decode unmarshals the job payload into T.
func Decode[T any](job *Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s job %s: %w", job.Name, job.ID, err)
	}
	return v, nil
}

// Queue is one named durable queue: a pending list, a delayed sorted set and
// a dead-letter list.
type Queue struct {
	client *redis.Client
	name   string
}

func New(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) pendingKey() string { return "q:" + q.name + ":pending" }
func (q *Queue) delayedKey() string { return "q:" + q.name + ":delayed" }
func (q *Queue) deadKey() string    { return "q:" + q.name + ":dead" }

// Enqueue pushes a job for immediate processing.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	return q.enqueue(ctx, name, payload, 0, defaultMaxAttempts)
}

// EnqueueIn schedules a job to run after the given delay.
func (q *Queue) EnqueueIn(ctx context.Context, delay time.Duration, name string, payload any) (string, error) {
	return q.enqueue(ctx, name, payload, delay, defaultMaxAttempts)
}

func (q *Queue) enqueue(ctx context.Context, name string, payload any, delay time.Duration, maxAttempts int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", name, err)
	}

	job := Job{
		ID:          xid.New().String(),
		Queue:       q.name,
		Name:        name,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score, Member: encoded}).Err(); err != nil {
			return "", fmt.Errorf("enqueue delayed %s: %w", name, err)
		}
		return job.ID, nil
	}

	if err := q.client.RPush(ctx, q.pendingKey(), encoded).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return job.ID, nil
}

// requeue puts an already-attempted job back, either immediately or delayed.
func (q *Queue) requeue(ctx context.Context, job *Job, delay time.Duration) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score, Member: encoded}).Err()
	}
	return q.client.RPush(ctx, q.pendingKey(), encoded).Err()
}

// promoteDue moves delayed jobs whose time has come onto the pending list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	for _, m := range members {
		// Remove first so two promoters cannot both push the same job.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), m).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.pendingKey(), m).Err(); err != nil {
			return err
		}
	}
	return nil
}

// pop blocks up to timeout for the next pending job.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BLPop(ctx, timeout, q.pendingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("corrupt job on %s: %w", q.name, err)
	}
	return &job, nil
}

// deadLetter parks a job that exhausted its attempts.
func (q *Queue) deadLetter(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	metrics.DeadLetteredTotal.WithLabelValues(q.name).Inc()
	return q.client.RPush(ctx, q.deadKey(), encoded).Err()
}

// Depth reports pending + delayed counts for observability.
func (q *Queue) Depth(ctx context.Context) (pending, delayed, dead int64, err error) {
	pending, err = q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return
	}
	delayed, err = q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return
	}
	dead, err = q.client.LLen(ctx, q.deadKey()).Result()
	return
}
