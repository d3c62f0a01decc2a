package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/ai"
	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/metrics"
	"github.com/zapflowhq/zapflow/internal/queue"
	"github.com/zapflowhq/zapflow/internal/store"
)

const (
	sessionWindow      = 24 * time.Hour
	recentDecisionsMax = 200
	dailyCounterTTL    = 25 * time.Hour
)

// Config carries the env-tunable knobs. Zero values fall back to defaults.
type Config struct {
	DailyCapContact   int           // actions per contact per day, default 5
	DailyCapWorkspace int           // actions per workspace per day, default 1000
	SendWindowStart   int           // hour, default 8
	SendWindowEnd     int           // hour, default 22
	FollowupDelay     time.Duration // buying-signal follow-up, default 45m
	SilenceBefore     time.Duration // silence before cyclical re-engagement, default 6h
	CycleBatchLimit   int           // contacts per cycle-workspace job, default 100
}

func DefaultConfig() Config {
	return Config{
		DailyCapContact:   5,
		DailyCapWorkspace: 1000,
		SendWindowStart:   8,
		SendWindowEnd:     22,
		FollowupDelay:     45 * time.Minute,
		SilenceBefore:     6 * time.Hour,
		CycleBatchLimit:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DailyCapContact <= 0 {
		c.DailyCapContact = d.DailyCapContact
	}
	if c.DailyCapWorkspace <= 0 {
		c.DailyCapWorkspace = d.DailyCapWorkspace
	}
	if c.SendWindowStart <= 0 {
		c.SendWindowStart = d.SendWindowStart
	}
	if c.SendWindowEnd <= 0 {
		c.SendWindowEnd = d.SendWindowEnd
	}
	if c.FollowupDelay <= 0 {
		c.FollowupDelay = d.FollowupDelay
	}
	if c.SilenceBefore <= 0 {
		c.SilenceBefore = d.SilenceBefore
	}
	if c.CycleBatchLimit <= 0 {
		c.CycleBatchLimit = d.CycleBatchLimit
	}
	return c
}

// Sender is the slice of the send pipeline the autopilot uses.
type Sender interface {
	SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult
}

// Deps wires the engine to its collaborators. Store, Workspaces, CRM and
// Pipeline are required; the rest are optional capabilities.
type Deps struct {
	Store      *store.Store
	Workspaces domain.Workspaces
	CRM        domain.CRM
	Pipeline   Sender

	Conversations domain.Conversations
	Finder        domain.ContactFinder
	Audit         domain.AuditSink
	Fallback      domain.FallbackChannels
	KB            domain.KnowledgeBase

	// FollowupQueue receives the 45-minute buying-signal follow-ups and the
	// out-of-window reschedules. AutopilotQueue receives cycle-workspace
	// fan-out jobs.
	FollowupQueue  *queue.Queue
	AutopilotQueue *queue.Queue

	ModelFactory    func(ws *domain.Workspace) ai.LanguageModel
	EmbedderFactory func(ws *domain.Workspace) ai.Embedder
}

type Engine struct {
	deps Deps
	cfg  Config

	now func() time.Time
}

func NewEngine(deps Deps, cfg Config) *Engine {
	return &Engine{deps: deps, cfg: cfg.withDefaults(), now: time.Now}
}

// HandleScan is the worker handler for the event-driven path: one decision
// per inbound message. Decision outcomes are never retried; only infra
// failures before the decision exists bubble up to the queue.
func (e *Engine) HandleScan(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[domain.ScanMessageJob](job)
	if err != nil {
		return err
	}
	ws, err := e.deps.Workspaces.Get(ctx, payload.WorkspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", payload.WorkspaceID, err)
	}

	contact := e.lookupContact(ctx, ws, payload.ContactID, payload.Phone)
	e.Decide(ctx, ws, contact, payload.Phone, payload.MessageContent)
	return nil
}

// Decide runs the full decision pipeline for one inbound message and returns
// the audited decision.
func (e *Engine) Decide(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, phone, message string) *domain.AutopilotDecision {
	start := e.now()
	d := &domain.AutopilotDecision{
		ID:          xid.New().String(),
		WorkspaceID: ws.ID,
		Phone:       phone,
		CreatedAt:   start.UTC(),
	}
	if contact != nil {
		d.ContactID = contact.ID
	}

	match, replyText := e.classify(ctx, ws, contact, message, d)
	d.Intent = match.Intent
	d.Action = match.Action
	d.Reason = match.Reason
	d.Confidence = match.Confidence

	if d.Action == domain.ActionNone {
		d.Status = domain.DecisionSkipped
		d.SkipReason = domain.SkipNoAction
	} else {
		d.Message = replyText
		if d.Message == "" {
			d.Message = composeMessage(d.Action, contact)
		}
		e.executeAction(ctx, ws, contact, d)
	}

	d.LatencyMs = e.now().Sub(start).Milliseconds()
	e.record(ctx, d)
	return d
}

// classify runs rules first, then the AI paths. Without rules or an AI key
// the decision is a no-action skip.
func (e *Engine) classify(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, message string, d *domain.AutopilotDecision) (ruleMatch, string) {
	if match, ok := classifyRules(message); ok {
		return match, ""
	}
	if ws.AIKey == "" || e.deps.ModelFactory == nil {
		return ruleMatch{
			Intent: domain.IntentGeneric,
			Action: domain.ActionNone,
			Reason: "no rule matched, ai not configured",
		}, ""
	}

	if shouldUseAgent(message, contact) {
		d.UsedAgent = true
		match, reply, usedHistory := e.classifyAgent(ctx, ws, contact, message)
		d.UsedHistory = usedHistory
		return match, reply
	}

	match, reply, usedHistory, usedKB := e.classifyAI(ctx, ws, contact, message)
	d.UsedHistory = usedHistory
	d.UsedKB = usedKB
	return match, reply
}

// executeAction enforces the compliance gates, sends, and handles follow-up
// scheduling plus channel fallback. The decision is mutated in place.
func (e *Engine) executeAction(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, d *domain.AutopilotDecision) {
	if skip := e.gate(ctx, ws, contact, d.Phone); skip != "" {
		d.Status = domain.DecisionSkipped
		d.SkipReason = skip
		if skip == domain.SkipOutsideSendWindow {
			e.rescheduleToWindow(ctx, ws, contact, d)
		}
		return
	}

	res := e.deps.Pipeline.SendText(ctx, ws, d.Phone, d.Message)
	if res.Success {
		d.Status = domain.DecisionExecuted
		e.saveOutbound(ctx, ws, contact, d.Message, "whatsapp")
		e.scheduleFollowup(ctx, ws, contact, d)
		return
	}

	// Pipeline denials with a known skip reason are compliance outcomes.
	if isSkipReason(res.Error) {
		d.Status = domain.DecisionSkipped
		d.SkipReason = res.Error
		return
	}

	if channel := e.channelFallback(ctx, ws, contact, d.Message); channel != "" {
		d.Status = domain.DecisionExecuted
		d.Reason += " (delivered via " + channel + ")"
		return
	}

	d.Status = domain.DecisionError
	d.Reason += " (send failed: " + res.Error + ")"
}

// gate applies, in order: opt-in, the 24h session window, daily caps, the
// send-time window. Plan and subscription gates live in the pipeline itself.
// Cap counters fail open on store errors.
func (e *Engine) gate(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, phone string) string {
	if ws.EnforceOptIn && (contact == nil || !contact.OptIn) {
		return domain.SkipOptInRequired
	}

	if ws.EnforceSessionWindow && e.deps.Conversations != nil {
		last, err := e.deps.Conversations.LastInboundAt(ctx, ws.ID, phone)
		if err != nil {
			log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("session window lookup failed, failing open")
		} else if last.IsZero() || e.now().Sub(last) > sessionWindow {
			return domain.SkipSessionExpired
		}
	}

	day := e.now().UTC().Format("2006-01-02")
	contactID := phone
	if contact != nil {
		contactID = contact.ID
	}
	if n, err := e.deps.Store.Incr(ctx, "ap:day:"+ws.ID+":"+contactID+":"+day, dailyCounterTTL); err == nil && n > int64(e.cfg.DailyCapContact) {
		return domain.SkipDailyCapContact
	}
	if n, err := e.deps.Store.Incr(ctx, "ap:day:"+ws.ID+":"+day, dailyCounterTTL); err == nil && n > int64(e.cfg.DailyCapWorkspace) {
		return domain.SkipDailyCapWorkspace
	}

	if hour := e.now().Hour(); hour < e.cfg.SendWindowStart || hour >= e.cfg.SendWindowEnd {
		return domain.SkipOutsideSendWindow
	}
	return ""
}

var skipReasons = map[string]bool{
	domain.SkipOptInRequired:      true,
	domain.SkipSessionExpired:     true,
	domain.SkipDailyCapContact:    true,
	domain.SkipDailyCapWorkspace:  true,
	domain.SkipOutsideSendWindow:  true,
	domain.SkipPlanLimit:          true,
	domain.SkipSubscriptionPaused: true,
	"workspace_rate_exceeded":     true,
	"recipient_rate_exceeded":     true,
}

func isSkipReason(reason string) bool {
	return skipReasons[reason]
}

// rescheduleToWindow re-enqueues the message for the next send-window start.
func (e *Engine) rescheduleToWindow(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, d *domain.AutopilotDecision) {
	if e.deps.FollowupQueue == nil {
		return
	}

	now := e.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), e.cfg.SendWindowStart, 0, 0, 0, now.Location())
	if now.Hour() >= e.cfg.SendWindowStart {
		next = next.Add(24 * time.Hour)
	}

	contactID := ""
	if contact != nil {
		contactID = contact.ID
	}
	_, err := e.deps.FollowupQueue.EnqueueIn(ctx, next.Sub(now), domain.JobScheduledFollow, domain.ScheduledFollowupJob{
		WorkspaceID:  ws.ID,
		ContactID:    contactID,
		Phone:        d.Phone,
		Message:      d.Message,
		ScheduledFor: next.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("rescheduling outside-window send failed")
		return
	}
	d.Reason += " (rescheduled to " + next.Format("15:04") + ")"
}

// scheduleFollowup queues the buying-signal nudge for offer-type actions.
func (e *Engine) scheduleFollowup(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, d *domain.AutopilotDecision) {
	if e.deps.FollowupQueue == nil || contact == nil {
		return
	}
	if d.Action != domain.ActionSendOffer && d.Action != domain.ActionGhostCloser {
		return
	}
	_, err := e.deps.FollowupQueue.EnqueueIn(ctx, e.cfg.FollowupDelay, domain.JobFollowupContact, domain.FollowupContactJob{
		WorkspaceID: ws.ID,
		ContactID:   contact.ID,
		Phone:       d.Phone,
		ScheduledAt: e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("scheduling buying-signal follow-up failed")
	}
}

// channelFallback tries email, then the chat-bot channel. Returns the channel
// that delivered, or empty.
func (e *Engine) channelFallback(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, message string) string {
	if e.deps.Fallback == nil || contact == nil {
		return ""
	}
	if contact.Email != "" {
		if err := e.deps.Fallback.SendEmail(ctx, ws.ID, contact.Email, "Temos uma novidade pra voce", message); err == nil {
			e.saveOutbound(ctx, ws, contact, message, "email")
			return "email"
		}
	}
	if contact.TelegramID != "" {
		if err := e.deps.Fallback.SendChatBot(ctx, ws.ID, contact.TelegramID, message); err == nil {
			e.saveOutbound(ctx, ws, contact, message, "chatbot")
			return "chatbot"
		}
	}
	return ""
}

func (e *Engine) saveOutbound(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, body, channel string) {
	if e.deps.Conversations == nil || contact == nil {
		return
	}
	err := e.deps.Conversations.SaveOutbound(ctx, domain.ConversationMessage{
		WorkspaceID: ws.ID,
		ContactID:   contact.ID,
		Direction:   domain.DirectionOutbound,
		Body:        body,
		Channel:     channel,
		CreatedAt:   e.now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("saving autopilot outbound message failed")
	}
}

// record writes the decision to the audit sink, the recent-decisions list and
// the counters. Recording failures never fail the decision.
func (e *Engine) record(ctx context.Context, d *domain.AutopilotDecision) {
	metrics.AutopilotDecisionsTotal.WithLabelValues(string(d.Intent), string(d.Action), string(d.Status)).Inc()

	if e.deps.Audit != nil {
		if err := e.deps.Audit.RecordDecision(ctx, d); err != nil {
			log.Warn().Err(err).Str("decision_id", d.ID).Msg("audit sink write failed")
		}
	}
	if err := e.deps.Store.PushList(ctx, "ap:decisions:"+d.WorkspaceID, d, recentDecisionsMax); err != nil {
		log.Warn().Err(err).Msg("recent decisions push failed")
	}

	evt := log.Info()
	if d.Status == domain.DecisionError {
		evt = log.Warn()
	}
	evt.
		Str("workspace_id", d.WorkspaceID).
		Str("intent", string(d.Intent)).
		Str("action", string(d.Action)).
		Str("status", string(d.Status)).
		Str("skip_reason", d.SkipReason).
		Int64("latency_ms", d.LatencyMs).
		Bool("used_agent", d.UsedAgent).
		Msg("autopilot decision")
}

func (e *Engine) lookupContact(ctx context.Context, ws *domain.Workspace, contactID, phone string) *domain.Contact {
	if e.deps.CRM == nil {
		return nil
	}
	var (
		contact *domain.Contact
		err     error
	)
	if contactID != "" {
		contact, err = e.deps.CRM.GetContact(ctx, ws.ID, contactID)
	} else {
		contact, err = e.deps.CRM.GetOrCreateContact(ctx, ws.ID, phone)
	}
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("contact lookup failed, deciding without contact")
		return nil
	}
	return contact
}
