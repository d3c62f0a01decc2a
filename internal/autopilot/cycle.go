package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/queue"
)

// HandleCycleAll fans the hourly cron tick out into one cycle-workspace job
// per tenant, so a slow workspace cannot starve the others.
func (e *Engine) HandleCycleAll(ctx context.Context, _ *queue.Job) error {
	if e.deps.AutopilotQueue == nil {
		return nil
	}
	ids, err := e.deps.Workspaces.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing workspaces: %w", err)
	}

	for _, id := range ids {
		if _, err := e.deps.AutopilotQueue.Enqueue(ctx, domain.JobCycleWorkspace, domain.CycleWorkspaceJob{WorkspaceID: id}); err != nil {
			log.Warn().Err(err).Str("workspace_id", id).Msg("enqueueing workspace cycle failed")
		}
	}
	log.Info().Int("workspaces", len(ids)).Msg("autopilot cycle dispatched")
	return nil
}

// HandleCycleWorkspace re-engages contacts who showed buying intent and went
// silent, up to the batch limit.
func (e *Engine) HandleCycleWorkspace(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[domain.CycleWorkspaceJob](job)
	if err != nil {
		return err
	}
	if e.deps.Finder == nil {
		return nil
	}
	ws, err := e.deps.Workspaces.Get(ctx, payload.WorkspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", payload.WorkspaceID, err)
	}

	cutoff := e.now().Add(-e.cfg.SilenceBefore)
	contacts, err := e.deps.Finder.ListSilentBuyingSignals(ctx, ws.ID, cutoff, e.cfg.CycleBatchLimit)
	if err != nil {
		return fmt.Errorf("listing silent buying signals: %w", err)
	}

	for _, contact := range contacts {
		d := e.newDecision(ws, contact, contact.Phone, domain.IntentBuying, domain.ActionGhostCloser,
			"buying signal followed by silence")
		d.Message = composeMessage(d.Action, contact)
		e.executeAction(ctx, ws, contact, d)
		e.record(ctx, d)
	}
	return nil
}

// HandleFollowupContact runs the delayed buying-signal nudge. A contact who
// replied after the follow-up was scheduled has re-engaged on their own and
// is left alone.
func (e *Engine) HandleFollowupContact(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[domain.FollowupContactJob](job)
	if err != nil {
		return err
	}
	ws, err := e.deps.Workspaces.Get(ctx, payload.WorkspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", payload.WorkspaceID, err)
	}
	contact := e.lookupContact(ctx, ws, payload.ContactID, payload.Phone)

	d := e.newDecision(ws, contact, payload.Phone, domain.IntentBuying, domain.ActionLeadUnlocker,
		"scheduled buying-signal follow-up")

	if scheduledAt, perr := time.Parse(time.RFC3339, payload.ScheduledAt); perr == nil && e.deps.Conversations != nil {
		last, lerr := e.deps.Conversations.LastInboundAt(ctx, ws.ID, payload.Phone)
		if lerr == nil && last.After(scheduledAt) {
			d.Status = domain.DecisionSkipped
			d.SkipReason = domain.SkipNoAction
			d.Reason = "contact re-engaged before follow-up"
			e.record(ctx, d)
			return nil
		}
	}

	d.Message = composeMessage(d.Action, contact)
	e.executeAction(ctx, ws, contact, d)
	e.record(ctx, d)
	return nil
}

// HandleScheduledFollowup delivers a message that was pushed out of the send
// window. The gates run again, so it can bounce forward another day.
func (e *Engine) HandleScheduledFollowup(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[domain.ScheduledFollowupJob](job)
	if err != nil {
		return err
	}
	ws, err := e.deps.Workspaces.Get(ctx, payload.WorkspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", payload.WorkspaceID, err)
	}
	contact := e.lookupContact(ctx, ws, payload.ContactID, payload.Phone)

	d := e.newDecision(ws, contact, payload.Phone, domain.IntentGeneric, domain.ActionReply,
		"rescheduled send, originally outside window")
	d.Message = payload.Message
	e.executeAction(ctx, ws, contact, d)
	e.record(ctx, d)
	return nil
}

func (e *Engine) newDecision(ws *domain.Workspace, contact *domain.Contact, phone string, intent domain.Intent, action domain.AutopilotAction, reason string) *domain.AutopilotDecision {
	d := &domain.AutopilotDecision{
		ID:          xid.New().String(),
		WorkspaceID: ws.ID,
		Phone:       phone,
		Intent:      intent,
		Action:      action,
		Reason:      reason,
		Confidence:  1,
		CreatedAt:   e.now().UTC(),
	}
	if contact != nil {
		d.ContactID = contact.ID
	}
	return d
}
