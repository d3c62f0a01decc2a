package autopilot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflowhq/zapflow/internal/ai"
	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/queue"
	"github.com/zapflowhq/zapflow/internal/store"
)

type fakeSender struct {
	sent       []string
	failReason string
}

func (f *fakeSender) SendText(_ context.Context, _ *domain.Workspace, _, message string) domain.SendResult {
	if f.failReason != "" {
		return domain.FailResult("fake", f.failReason)
	}
	f.sent = append(f.sent, message)
	return domain.OKResult("m1", "fake")
}

type fakeWorkspaces struct{ ws *domain.Workspace }

func (f *fakeWorkspaces) Get(context.Context, string) (*domain.Workspace, error) { return f.ws, nil }
func (f *fakeWorkspaces) ListIDs(context.Context) ([]string, error) {
	return []string{f.ws.ID}, nil
}

type fakeCRM struct{ contact *domain.Contact }

func (f *fakeCRM) GetOrCreateContact(context.Context, string, string) (*domain.Contact, error) {
	return f.contact, nil
}
func (f *fakeCRM) GetContact(context.Context, string, string) (*domain.Contact, error) {
	return f.contact, nil
}
func (f *fakeCRM) SaveContact(context.Context, *domain.Contact) error             { return nil }
func (f *fakeCRM) AddTag(context.Context, string, string, string) error           { return nil }
func (f *fakeCRM) RemoveTag(context.Context, string, string, string) error        { return nil }
func (f *fakeCRM) SetField(context.Context, string, string, string, any) error    { return nil }
func (f *fakeCRM) MoveDealStage(context.Context, string, string, string, string) error {
	return nil
}

type fakeConversations struct {
	lastInbound time.Time
	saved       []domain.ConversationMessage
}

func (f *fakeConversations) History(context.Context, string, string, int) ([]domain.ConversationMessage, error) {
	return nil, nil
}

func (f *fakeConversations) LastInboundAt(context.Context, string, string) (time.Time, error) {
	return f.lastInbound, nil
}

func (f *fakeConversations) SaveOutbound(_ context.Context, msg domain.ConversationMessage) error {
	f.saved = append(f.saved, msg)
	return nil
}

type fakeAudit struct{ decisions []*domain.AutopilotDecision }

func (f *fakeAudit) RecordDecision(_ context.Context, d *domain.AutopilotDecision) error {
	f.decisions = append(f.decisions, d)
	return nil
}

type fakeFallback struct {
	emails   []string
	chats    []string
	emailErr error
}

func (f *fakeFallback) SendEmail(_ context.Context, _, email, _, _ string) error {
	if f.emailErr != nil {
		return f.emailErr
	}
	f.emails = append(f.emails, email)
	return nil
}

func (f *fakeFallback) SendChatBot(_ context.Context, _, chatID, _ string) error {
	f.chats = append(f.chats, chatID)
	return nil
}

type fakeFinder struct{ contacts []*domain.Contact }

func (f *fakeFinder) ListSilentBuyingSignals(context.Context, string, time.Time, int) ([]*domain.Contact, error) {
	return f.contacts, nil
}

// scriptedModel returns canned responses in order.
type scriptedModel struct {
	responses []*ai.GenerateResponse
	calls     int
}

func (m *scriptedModel) Generate(context.Context, ai.GenerateRequest) (*ai.GenerateResponse, error) {
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return m.responses[idx], nil
}

type apHarness struct {
	engine    *Engine
	sender    *fakeSender
	audit     *fakeAudit
	convs     *fakeConversations
	fallback  *fakeFallback
	finder    *fakeFinder
	followups *queue.Queue
	ws        *domain.Workspace
	contact   *domain.Contact
	clock     time.Time
	model     *scriptedModel
}

func newAPHarness(t *testing.T) *apHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &apHarness{
		sender:   &fakeSender{},
		audit:    &fakeAudit{},
		convs:    &fakeConversations{lastInbound: time.Now().Add(-time.Hour)},
		fallback: &fakeFallback{},
		finder:   &fakeFinder{},
		ws:       &domain.Workspace{ID: "ws1", Plan: domain.PlanPro},
		contact:  &domain.Contact{ID: "c1", Phone: "5511999999999", Name: "Ana Souza", Email: "ana@example.com", OptIn: true},
		// Noon, safely inside the default 08-22 window.
		clock: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		model: &scriptedModel{},
	}
	h.followups = queue.New(client, domain.QueueFollowups)

	h.engine = NewEngine(Deps{
		Store:         store.New(client, "test"),
		Workspaces:    &fakeWorkspaces{ws: h.ws},
		CRM:           &fakeCRM{contact: h.contact},
		Pipeline:      h.sender,
		Conversations: h.convs,
		Finder:        h.finder,
		Audit:         h.audit,
		Fallback:      h.fallback,
		FollowupQueue: h.followups,
		ModelFactory:  func(*domain.Workspace) ai.LanguageModel { return h.model },
	}, Config{})
	h.engine.now = func() time.Time { return h.clock }
	return h
}

func TestDecideKeywordOfferExecutesAndSchedulesFollowup(t *testing.T) {
	h := newAPHarness(t)
	ctx := context.Background()

	d := h.engine.Decide(ctx, h.ws, h.contact, h.contact.Phone, "quanto custa o plano pro?")

	assert.Equal(t, domain.IntentPrice, d.Intent)
	assert.Equal(t, domain.ActionSendOffer, d.Action)
	assert.Equal(t, domain.DecisionExecuted, d.Status)
	require.Len(t, h.sender.sent, 1)
	assert.Contains(t, h.sender.sent[0], "Ana")

	// Follow-up parked on the delayed set.
	_, delayed, _, err := h.followups.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	require.Len(t, h.audit.decisions, 1)
	assert.Positive(t, h.audit.decisions[0].CreatedAt.Unix())
}

func TestDecideGreetingNoFollowup(t *testing.T) {
	h := newAPHarness(t)
	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "oi, tudo bem?")

	assert.Equal(t, domain.ActionGreet, d.Action)
	assert.Equal(t, domain.DecisionExecuted, d.Status)
	_, delayed, _, _ := h.followups.Depth(context.Background())
	assert.Zero(t, delayed)
}

func TestOptInGateSkipsWithoutSending(t *testing.T) {
	h := newAPHarness(t)
	h.ws.EnforceOptIn = true
	h.contact.OptIn = false

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "quanto custa?")

	assert.Equal(t, domain.DecisionSkipped, d.Status)
	assert.Equal(t, domain.SkipOptInRequired, d.SkipReason)
	assert.Empty(t, h.sender.sent)
}

func TestSessionWindowGate(t *testing.T) {
	h := newAPHarness(t)
	h.ws.EnforceSessionWindow = true
	h.convs.lastInbound = h.clock.Add(-30 * time.Hour)

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "quanto custa?")

	assert.Equal(t, domain.DecisionSkipped, d.Status)
	assert.Equal(t, domain.SkipSessionExpired, d.SkipReason)
	assert.Empty(t, h.sender.sent)
}

func TestDailyContactCap(t *testing.T) {
	h := newAPHarness(t)
	h.engine.cfg.DailyCapContact = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := h.engine.Decide(ctx, h.ws, h.contact, h.contact.Phone, "quanto custa?")
		assert.Equal(t, domain.DecisionExecuted, d.Status)
	}
	d := h.engine.Decide(ctx, h.ws, h.contact, h.contact.Phone, "quanto custa?")
	assert.Equal(t, domain.DecisionSkipped, d.Status)
	assert.Equal(t, domain.SkipDailyCapContact, d.SkipReason)
	assert.Len(t, h.sender.sent, 2)
}

func TestOutsideSendWindowReschedules(t *testing.T) {
	h := newAPHarness(t)
	h.clock = time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)
	ctx := context.Background()

	d := h.engine.Decide(ctx, h.ws, h.contact, h.contact.Phone, "quanto custa?")

	assert.Equal(t, domain.DecisionSkipped, d.Status)
	assert.Equal(t, domain.SkipOutsideSendWindow, d.SkipReason)
	assert.Contains(t, d.Reason, "rescheduled")
	assert.Empty(t, h.sender.sent)

	_, delayed, _, err := h.followups.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestNoMatchWithoutAIKeySkips(t *testing.T) {
	h := newAPHarness(t)
	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "xyzzy plugh")

	assert.Equal(t, domain.ActionNone, d.Action)
	assert.Equal(t, domain.DecisionSkipped, d.Status)
	assert.Equal(t, domain.SkipNoAction, d.SkipReason)
	assert.Empty(t, h.sender.sent)
}

func TestAIClassifierPath(t *testing.T) {
	h := newAPHarness(t)
	h.ws.AIKey = "sk-test"
	h.model.responses = []*ai.GenerateResponse{{
		Content: `{"intent":"schedule","action":"send_schedule","reason":"asked for a slot","confidence":0.7}`,
	}}

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "podemos conversar amanha de manha talvez")

	assert.Equal(t, domain.IntentSchedule, d.Intent)
	assert.Equal(t, domain.ActionSendSchedule, d.Action)
	assert.Equal(t, domain.DecisionExecuted, d.Status)
	assert.False(t, d.UsedAgent)
	assert.Len(t, h.sender.sent, 1)
}

func TestAIReplyActionUsesModelText(t *testing.T) {
	h := newAPHarness(t)
	h.ws.AIKey = "sk-test"
	h.model.responses = []*ai.GenerateResponse{{
		Content: `{"intent":"generic","action":"reply","reason":"direct answer","confidence":0.6,"message":"sim, entregamos em todo o brasil"}`,
	}}

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "voces entregam no interior")

	assert.Equal(t, domain.ActionReply, d.Action)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "sim, entregamos em todo o brasil", h.sender.sent[0])
}

func TestAgentPathMapsToolsToActions(t *testing.T) {
	h := newAPHarness(t)
	h.ws.AIKey = "sk-test"
	h.model.responses = []*ai.GenerateResponse{
		{ToolCalls: []ai.ToolCall{{ID: "t1", Name: "send_offer", Arguments: map[string]any{"product": "pro"}}}},
		{Content: "feito"},
	}

	// Negotiation keyword routes to the unified agent.
	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "consigo um desconto se fechar hoje")

	assert.True(t, d.UsedAgent)
	assert.Equal(t, domain.IntentPrice, d.Intent)
	assert.Equal(t, domain.ActionSendOffer, d.Action)
	assert.Equal(t, domain.DecisionExecuted, d.Status)
}

func TestChannelFallbackOnSendFailure(t *testing.T) {
	h := newAPHarness(t)
	h.sender.failReason = "all_providers_failed"

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "quanto custa?")

	assert.Equal(t, domain.DecisionExecuted, d.Status)
	assert.Contains(t, d.Reason, "email")
	assert.Equal(t, []string{"ana@example.com"}, h.fallback.emails)

	// Fallback delivery lands in the conversation store like any send.
	require.NotEmpty(t, h.convs.saved)
	assert.Equal(t, "email", h.convs.saved[len(h.convs.saved)-1].Channel)
}

func TestChannelFallbackChainsToChatBot(t *testing.T) {
	h := newAPHarness(t)
	h.sender.failReason = "all_providers_failed"
	h.fallback.emailErr = errors.New("bounce")
	h.contact.TelegramID = "tg-123"

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "quanto custa?")

	assert.Equal(t, domain.DecisionExecuted, d.Status)
	assert.Equal(t, []string{"tg-123"}, h.fallback.chats)
}

func TestSendFailureWithoutFallbackIsError(t *testing.T) {
	h := newAPHarness(t)
	h.sender.failReason = "all_providers_failed"
	h.contact.Email = ""
	h.contact.TelegramID = ""

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "quanto custa?")
	assert.Equal(t, domain.DecisionError, d.Status)
}

func TestPipelineDenialBecomesSkip(t *testing.T) {
	h := newAPHarness(t)
	h.sender.failReason = domain.SkipPlanLimit

	d := h.engine.Decide(context.Background(), h.ws, h.contact, h.contact.Phone, "quanto custa?")

	assert.Equal(t, domain.DecisionSkipped, d.Status)
	assert.Equal(t, domain.SkipPlanLimit, d.SkipReason)
	assert.Empty(t, h.fallback.emails)
}

func TestFollowupSkipsWhenContactReengaged(t *testing.T) {
	h := newAPHarness(t)
	ctx := context.Background()
	scheduledAt := h.clock.Add(-45 * time.Minute)
	h.convs.lastInbound = h.clock.Add(-10 * time.Minute)

	job := makeJob(t, domain.JobFollowupContact, domain.FollowupContactJob{
		WorkspaceID: "ws1",
		ContactID:   "c1",
		Phone:       h.contact.Phone,
		ScheduledAt: scheduledAt.UTC().Format(time.RFC3339),
	})
	require.NoError(t, h.engine.HandleFollowupContact(ctx, job))

	require.Len(t, h.audit.decisions, 1)
	assert.Equal(t, domain.DecisionSkipped, h.audit.decisions[0].Status)
	assert.Empty(t, h.sender.sent)
}

func TestFollowupSendsWhenStillSilent(t *testing.T) {
	h := newAPHarness(t)
	ctx := context.Background()
	h.convs.lastInbound = h.clock.Add(-3 * time.Hour)

	job := makeJob(t, domain.JobFollowupContact, domain.FollowupContactJob{
		WorkspaceID: "ws1",
		ContactID:   "c1",
		Phone:       h.contact.Phone,
		ScheduledAt: h.clock.Add(-45 * time.Minute).UTC().Format(time.RFC3339),
	})
	require.NoError(t, h.engine.HandleFollowupContact(ctx, job))

	require.Len(t, h.sender.sent, 1)
	require.Len(t, h.audit.decisions, 1)
	assert.Equal(t, domain.ActionLeadUnlocker, h.audit.decisions[0].Action)
	assert.Equal(t, domain.DecisionExecuted, h.audit.decisions[0].Status)
}

func TestCycleWorkspaceNudgesSilentBuyers(t *testing.T) {
	h := newAPHarness(t)
	ctx := context.Background()
	h.finder.contacts = []*domain.Contact{
		{ID: "c1", Phone: "5511888888888", Name: "Bia", OptIn: true},
		{ID: "c2", Phone: "5511777777777", Name: "Caio", OptIn: true},
	}

	job := makeJob(t, domain.JobCycleWorkspace, domain.CycleWorkspaceJob{WorkspaceID: "ws1"})
	require.NoError(t, h.engine.HandleCycleWorkspace(ctx, job))

	assert.Len(t, h.sender.sent, 2)
	require.Len(t, h.audit.decisions, 2)
	for _, d := range h.audit.decisions {
		assert.Equal(t, domain.ActionGhostCloser, d.Action)
		assert.Equal(t, domain.IntentBuying, d.Intent)
	}
}

func TestHandleScanEndToEnd(t *testing.T) {
	h := newAPHarness(t)
	job := makeJob(t, domain.JobScanMessage, domain.ScanMessageJob{
		WorkspaceID:    "ws1",
		ContactID:      "c1",
		Phone:          h.contact.Phone,
		MessageContent: "quero cancelar minha assinatura",
	})
	require.NoError(t, h.engine.HandleScan(context.Background(), job))

	require.Len(t, h.audit.decisions, 1)
	assert.Equal(t, domain.IntentChurn, h.audit.decisions[0].Intent)
	assert.Equal(t, domain.ActionWinback, h.audit.decisions[0].Action)
}
