package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// fakeDriver succeeds or fails on demand and counts calls.
type fakeDriver struct {
	name    string
	fail    bool
	calls   int
	latency time.Duration
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) send() domain.SendResult {
	f.calls++
	if f.fail {
		return domain.FailResult(f.name, "gateway timeout")
	}
	return domain.OKResult(f.name, "msg-1")
}

func (f *fakeDriver) SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult {
	return f.send()
}

func (f *fakeDriver) SendMedia(ctx context.Context, ws *domain.Workspace, to, mediaType, url, caption string) domain.SendResult {
	return f.send()
}

func (f *fakeDriver) SendTemplate(ctx context.Context, ws *domain.Workspace, to, name, language string, components []domain.TemplateComponent) domain.SendResult {
	return f.send()
}

type fakeConversations struct {
	lastInbound time.Time
}

func (f fakeConversations) History(ctx context.Context, workspaceID, contactID string, limit int) ([]domain.ConversationMessage, error) {
	return nil, nil
}

func (f fakeConversations) LastInboundAt(ctx context.Context, workspaceID, phone string) (time.Time, error) {
	return f.lastInbound, nil
}

func (f fakeConversations) SaveOutbound(ctx context.Context, msg domain.ConversationMessage) error {
	return nil
}

func newTestRouter(convs domain.Conversations) *Router {
	return NewRouter(NewHealthMonitor(nil), NewWatchdog(), convs)
}

func TestExplicitRouting(t *testing.T) {
	r := newTestRouter(fakeConversations{})
	a := &fakeDriver{name: "a"}
	b := &fakeDriver{name: "b"}
	r.Register(a)
	r.Register(b)

	ws := &domain.Workspace{ID: "ws1", RoutingMode: domain.RoutingExplicit, PrimaryProvider: "b"}
	res := r.SendText(context.Background(), ws, "5511999990000", "oi")

	require.True(t, res.Success)
	assert.Equal(t, 0, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestExplicitRoutingMissingDriver(t *testing.T) {
	r := newTestRouter(fakeConversations{})
	ws := &domain.Workspace{ID: "ws1", RoutingMode: domain.RoutingExplicit, PrimaryProvider: "ghost"}

	res := r.SendText(context.Background(), ws, "u", "oi")
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrNoProviderConfig.Error(), res.Error)
}

func TestHybridFallsBackOnFailure(t *testing.T) {
	r := newTestRouter(fakeConversations{})
	primary := &fakeDriver{name: "primary", fail: true}
	fallback := &fakeDriver{name: "fallback"}
	r.Register(primary)
	r.Register(fallback)

	ws := &domain.Workspace{
		ID:               "ws1",
		RoutingMode:      domain.RoutingHybrid,
		PrimaryProvider:  "primary",
		FallbackProvider: "fallback",
	}

	res := r.SendText(context.Background(), ws, "u", "oi")
	require.True(t, res.Success)
	assert.Equal(t, "fallback", res.Provider)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestAutoRoutingPrefersHealthierDriver(t *testing.T) {
	r := newTestRouter(fakeConversations{})
	a := &fakeDriver{name: "a", fail: true}
	b := &fakeDriver{name: "b"}
	r.Register(a)
	r.Register(b)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.Health().Record(ctx, "a", false, 100*time.Millisecond)
		r.Health().Record(ctx, "b", true, 100*time.Millisecond)
	}

	ws := &domain.Workspace{ID: "ws1", RoutingMode: domain.RoutingAuto}
	res := r.SendText(ctx, ws, "u", "oi")

	require.True(t, res.Success)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, 0, a.calls, "unhealthy driver should not be tried first")
}

func TestAutoRoutingAllFail(t *testing.T) {
	r := newTestRouter(fakeConversations{})
	r.Register(&fakeDriver{name: "a", fail: true})
	r.Register(&fakeDriver{name: "b", fail: true})

	ws := &domain.Workspace{ID: "ws1", RoutingMode: domain.RoutingAuto}
	res := r.SendText(context.Background(), ws, "u", "oi")

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrAllProvidersFailed.Error(), res.Error)
}

func TestAutoRoutingNoDriversRegistered(t *testing.T) {
	r := newTestRouter(fakeConversations{})

	ws := &domain.Workspace{ID: "ws1", RoutingMode: domain.RoutingAuto}
	res := r.SendText(context.Background(), ws, "u", "oi")

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrNoProviderConfig.Error(), res.Error)
}

func TestAutoRoutingAllDriversSessionBlocked(t *testing.T) {
	r := newTestRouter(fakeConversations{lastInbound: time.Now().Add(-25 * time.Hour)})
	cloud := &fakeDriver{name: DriverCloudAPI}
	r.Register(cloud)

	ws := &domain.Workspace{
		ID:                   "ws1",
		RoutingMode:          domain.RoutingAuto,
		EnforceSessionWindow: true,
	}
	res := r.SendText(context.Background(), ws, "u", "oi")

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrSessionExpired.Error(), res.Error)
	assert.Equal(t, 0, cloud.calls)
}

func TestSessionWindowBlocksCloudAPI(t *testing.T) {
	// Last inbound message 25 hours ago: outside the compliance window.
	r := newTestRouter(fakeConversations{lastInbound: time.Now().Add(-25 * time.Hour)})
	cloud := &fakeDriver{name: DriverCloudAPI}
	r.Register(cloud)

	ws := &domain.Workspace{
		ID:                   "ws1",
		RoutingMode:          domain.RoutingExplicit,
		PrimaryProvider:      DriverCloudAPI,
		EnforceSessionWindow: true,
	}

	res := r.SendText(context.Background(), ws, "u", "oi")
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrSessionExpired.Error(), res.Error)
	assert.Equal(t, 0, cloud.calls, "driver must not be invoked outside the session window")
}

func TestSessionWindowAllowsRecentContact(t *testing.T) {
	r := newTestRouter(fakeConversations{lastInbound: time.Now().Add(-1 * time.Hour)})
	cloud := &fakeDriver{name: DriverCloudAPI}
	r.Register(cloud)

	ws := &domain.Workspace{
		ID:                   "ws1",
		RoutingMode:          domain.RoutingExplicit,
		PrimaryProvider:      DriverCloudAPI,
		EnforceSessionWindow: true,
	}

	res := r.SendText(context.Background(), ws, "u", "oi")
	assert.True(t, res.Success)
}

func TestWatchdogOpensCircuit(t *testing.T) {
	r := newTestRouter(fakeConversations{})
	d := &fakeDriver{name: "a", fail: true}
	r.Register(d)

	ws := &domain.Workspace{ID: "ws1", RoutingMode: domain.RoutingExplicit, PrimaryProvider: "a"}
	ctx := context.Background()

	for i := 0; i < watchdogThreshold; i++ {
		r.SendText(ctx, ws, "u", "oi")
	}
	require.Equal(t, watchdogThreshold, d.calls)

	res := r.SendText(ctx, ws, "u", "oi")
	assert.False(t, res.Success)
	assert.Equal(t, "instance circuit open", res.Error)
	assert.Equal(t, watchdogThreshold, d.calls, "open circuit must stop driver attempts")
}
