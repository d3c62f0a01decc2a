package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "test"), mr
}

func TestSetGetDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, s.Set(ctx, "k1", payload{Name: "ana", Count: 3}, 0))

	var got payload
	ok, err := s.Get(ctx, "k1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ana", got.Name)
	assert.Equal(t, 3, got.Count)

	require.NoError(t, s.Delete(ctx, "k1"))

	ok, err = s.Get(ctx, "k1", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newTestStore(t)

	var out string
	ok, err := s.Get(context.Background(), "nope", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	flowStore := New(client, "flowctx")
	banStore := New(client, "antiban")
	ctx := context.Background()

	require.NoError(t, flowStore.Set(ctx, "same", "flow-value", 0))
	require.NoError(t, banStore.Set(ctx, "same", "ban-value", 0))

	v, ok, err := Get[string](ctx, flowStore, "same")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "flow-value", v)
}

func TestIncrSetsExpiryOnce(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(61 * time.Second)

	n, err = s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "window should reset after expiry")
}

func TestTimeoutIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	now := float64(time.Now().UnixMilli())
	require.NoError(t, s.ZAdd(ctx, "timeouts", "user-a", now-1000))
	require.NoError(t, s.ZAdd(ctx, "timeouts", "user-b", now+60000))

	due, err := s.ZRangeByScore(ctx, "timeouts", 0, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "user-a", due[0])

	require.NoError(t, s.ZRem(ctx, "timeouts", "user-a"))

	count, err := s.ZCount(ctx, "timeouts", 0, now+120000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestReplyQueueDeliverAndPop(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.PopReply(ctx, "5511999990000")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Deliver(ctx, "5511999990000", "first"))
	require.NoError(t, s.Deliver(ctx, "5511999990000", "second"))

	msg, ok, err := s.PeekReply(ctx, "5511999990000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", msg, "peek must not consume")

	msg, ok, err = s.PopReply(ctx, "5511999990000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", msg)

	msg, ok, err = s.PopReply(ctx, "5511999990000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", msg)
}

func TestPushListBounded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, s.PushList(ctx, "events", i, 50))
	}

	items, err := s.ListRange(ctx, "events", 0, -1)
	require.NoError(t, err)
	assert.Len(t, items, 50)
	assert.Equal(t, "59", items[0], "newest event first")
}
