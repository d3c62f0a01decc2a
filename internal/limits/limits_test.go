package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/store"
)

type fakeBilling struct {
	active bool
	err    error
}

func (f fakeBilling) SubscriptionActive(ctx context.Context, workspaceID string) (bool, error) {
	return f.active, f.err
}

func newLimitsStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return store.New(client, "limits"), mr
}

func TestRateLimiterRejectsExactlyOverLimit(t *testing.T) {
	s, _ := newLimitsStore(t)
	rl := NewRateLimiter(s, false)
	rl.RecipientPerMinute = 1000 // isolate the workspace limit

	ws := &domain.Workspace{ID: "ws1", Plan: domain.PlanFree} // 5/min
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v := rl.Allow(ctx, ws, "5511999990000")
		require.True(t, v.Allowed, "send %d should pass", i+1)
	}

	v := rl.Allow(ctx, ws, "5511999990000")
	assert.False(t, v.Allowed)
	assert.Equal(t, "workspace_rate_exceeded", v.Reason)
}

func TestRateLimiterPerRecipient(t *testing.T) {
	s, _ := newLimitsStore(t)
	rl := NewRateLimiter(s, false)
	rl.RecipientPerMinute = 2

	ws := &domain.Workspace{ID: "ws1", Plan: domain.PlanEnterprise}
	ctx := context.Background()

	require.True(t, rl.Allow(ctx, ws, "u1").Allowed)
	require.True(t, rl.Allow(ctx, ws, "u1").Allowed)

	v := rl.Allow(ctx, ws, "u1")
	assert.False(t, v.Allowed)
	assert.Equal(t, "recipient_rate_exceeded", v.Reason)

	// A different recipient is unaffected.
	assert.True(t, rl.Allow(ctx, ws, "u2").Allowed)
}

func TestRateLimiterWindowRollover(t *testing.T) {
	s, mr := newLimitsStore(t)
	rl := NewRateLimiter(s, false)
	rl.RecipientPerMinute = 1

	ws := &domain.Workspace{ID: "ws1", Plan: domain.PlanStarter}
	ctx := context.Background()

	require.True(t, rl.Allow(ctx, ws, "u1").Allowed)
	require.False(t, rl.Allow(ctx, ws, "u1").Allowed)

	mr.FastForward(61 * time.Second)

	assert.True(t, rl.Allow(ctx, ws, "u1").Allowed)
}

func TestRateLimiterSkipFlag(t *testing.T) {
	s, _ := newLimitsStore(t)
	rl := NewRateLimiter(s, true)

	ws := &domain.Workspace{ID: "ws1", Plan: domain.PlanFree}
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow(context.Background(), ws, "u1").Allowed)
	}
}

func TestPlanLimitsSubscriptionGate(t *testing.T) {
	s, _ := newLimitsStore(t)
	pl := NewPlanLimits(s, fakeBilling{active: false})

	v := pl.CheckSend(context.Background(), &domain.Workspace{ID: "ws1", Plan: domain.PlanPro})
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.SkipSubscriptionPaused, v.Reason)
}

func TestPlanLimitsFailOpenOnBillingError(t *testing.T) {
	s, _ := newLimitsStore(t)
	pl := NewPlanLimits(s, fakeBilling{err: errors.New("billing down")})

	v := pl.CheckSend(context.Background(), &domain.Workspace{ID: "ws1", Plan: domain.PlanPro})
	assert.True(t, v.Allowed)
}

func TestPlanLimitsMonthlyQuota(t *testing.T) {
	s, _ := newLimitsStore(t)
	pl := NewPlanLimits(s, fakeBilling{active: true})

	ws := &domain.Workspace{ID: "ws1", Plan: domain.PlanFree} // 200/month
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		require.True(t, pl.CheckSend(ctx, ws).Allowed)
	}

	v := pl.CheckSend(ctx, ws)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.SkipPlanLimit, v.Reason)
}

func TestPlanLimitsFlowRuns(t *testing.T) {
	s, _ := newLimitsStore(t)
	pl := NewPlanLimits(s, fakeBilling{active: true})

	ws := &domain.Workspace{ID: "ws1", Plan: domain.PlanFree} // 5 runs/min
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, pl.CheckFlowRun(ctx, ws).Allowed)
	}
	assert.False(t, pl.CheckFlowRun(ctx, ws).Allowed)
}
