package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, name string) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, name), mr, client
}

type testPayload struct {
	Value string `json:"value"`
}

func TestEnqueuePop(t *testing.T) {
	q, _, _ := newTestQueue(t, "flows")
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "run-flow", testPayload{Value: "a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "run-flow", job.Name)
	assert.Equal(t, id, job.ID)

	payload, err := Decode[testPayload](job)
	require.NoError(t, err)
	assert.Equal(t, "a", payload.Value)
}

func TestDelayedJobPromotion(t *testing.T) {
	q, mr, _ := newTestQueue(t, "followups")
	ctx := context.Background()

	_, err := q.EnqueueIn(ctx, 30*time.Second, "scheduled-followup", testPayload{Value: "later"})
	require.NoError(t, err)

	require.NoError(t, q.promoteDue(ctx))
	pending, delayed, _, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "job must stay delayed before its time")
	assert.Equal(t, int64(1), delayed)

	mr.FastForward(31 * time.Second)

	require.NoError(t, q.promoteDue(ctx))
	pending, delayed, _, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.Zero(t, delayed)
}

func runPoolUntil(t *testing.T, p *Pool, cond func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestPoolProcessesJobs(t *testing.T) {
	q, _, _ := newTestQueue(t, "sends")
	ctx := context.Background()

	var processed atomic.Int32
	mux := NewMux().Handle("send-message", func(ctx context.Context, job *Job) error {
		processed.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "send-message", testPayload{Value: "x"})
		require.NoError(t, err)
	}

	p := NewPool(q, mux, 3)
	p.pollInterval = 20 * time.Millisecond
	runPoolUntil(t, p, func() bool { return processed.Load() == 5 })
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	q, _, _ := newTestQueue(t, "flows")
	ctx := context.Background()

	var attempts atomic.Int32
	mux := NewMux().Handle("run-flow", func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("boom")
	})

	_, err := q.Enqueue(ctx, "run-flow", testPayload{})
	require.NoError(t, err)

	p := NewPool(q, mux, 1)
	p.RetryBase = 5 * time.Millisecond
	p.pollInterval = 5 * time.Millisecond

	runPoolUntil(t, p, func() bool {
		_, _, dead, err := q.Depth(context.Background())
		return err == nil && dead == 1
	})

	assert.Equal(t, int32(defaultMaxAttempts), attempts.Load())
}

func TestUnknownJobNameDeadLetters(t *testing.T) {
	q, _, _ := newTestQueue(t, "flows")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "mystery-job", testPayload{})
	require.NoError(t, err)

	p := NewPool(q, NewMux(), 1)
	p.RetryBase = time.Millisecond
	p.pollInterval = 5 * time.Millisecond

	runPoolUntil(t, p, func() bool {
		_, _, dead, err := q.Depth(context.Background())
		return err == nil && dead == 1
	})
}

func TestSelfHealerRequeuesTransientFailures(t *testing.T) {
	q, _, client := newTestQueue(t, "sends")
	ctx := context.Background()

	deadJob := Job{
		ID: "j1", Queue: "sends", Name: "send-message",
		Payload: json.RawMessage(`{}`), Attempts: 3, MaxAttempts: 3,
		LastError: "upstream gateway timeout",
	}
	raw, _ := json.Marshal(deadJob)
	require.NoError(t, client.RPush(ctx, q.deadKey(), raw).Err())

	h := NewSelfHealer(client, []*Queue{q})
	h.SweepOnce(ctx)

	pending, _, dead, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "transient failure must be requeued")
	assert.Zero(t, dead)

	job, err := q.pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Zero(t, job.Attempts, "healed job gets a fresh attempt budget")
}

func TestSelfHealerLeavesPermanentFailures(t *testing.T) {
	q, _, client := newTestQueue(t, "sends")
	ctx := context.Background()

	deadJob := Job{
		ID: "j2", Queue: "sends", Name: "send-message",
		Payload: json.RawMessage(`{}`), Attempts: 3, MaxAttempts: 3,
		LastError: "invalid recipient phone number",
	}
	raw, _ := json.Marshal(deadJob)
	require.NoError(t, client.RPush(ctx, q.deadKey(), raw).Err())

	h := NewSelfHealer(client, []*Queue{q})
	h.SweepOnce(ctx)

	pending, _, dead, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, int64(1), dead, "permanent failure stays dead-lettered")
}

func TestIsTransientError(t *testing.T) {
	cases := map[string]bool{
		"read tcp: i/o timeout":        true,
		"Bad Gateway":                  true,
		"deadlock detected":            true,
		"429 Too Many Requests":        true,
		"invalid phone number":         false,
		"optin_required":               false,
		"":                             false,
	}
	for text, want := range cases {
		assert.Equal(t, want, isTransientError(text), text)
	}
}
