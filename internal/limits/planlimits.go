package limits

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/store"
)

// PlanLimits enforces the monthly message quota, the flow-run-per-minute
// quota and the subscription-active gate.
type PlanLimits struct {
	store   *store.Store
	billing domain.Billing
}

func NewPlanLimits(s *store.Store, billing domain.Billing) *PlanLimits {
	return &PlanLimits{store: s, billing: billing}
}

func monthKey(prefix, workspaceID string) string {
	return prefix + ":" + workspaceID + ":" + time.Now().UTC().Format("2006-01")
}

// CheckSend verifies the subscription is active and consumes one unit of the
// monthly message quota.
func (p *PlanLimits) CheckSend(ctx context.Context, ws *domain.Workspace) Verdict {
	active, err := p.billing.SubscriptionActive(ctx, ws.ID)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("billing lookup failed, failing open")
	} else if !active {
		return deny(domain.SkipSubscriptionPaused)
	}

	count, err := p.store.Incr(ctx, monthKey("quota:msgs", ws.ID), 32*24*time.Hour)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("quota counter unavailable, failing open")
		return allow()
	}
	if count > int64(ws.Plan.MonthlyMessageQuota()) {
		return deny(domain.SkipPlanLimit)
	}

	return allow()
}

// CheckFlowRun consumes one unit of the flow-runs-per-minute quota.
func (p *PlanLimits) CheckFlowRun(ctx context.Context, ws *domain.Workspace) Verdict {
	count, err := p.store.Incr(ctx, "quota:runs:"+ws.ID, rateWindow)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("flow-run counter unavailable, failing open")
		return allow()
	}
	if count > int64(ws.Plan.FlowRunsPerMinute()) {
		return deny(domain.SkipPlanLimit)
	}
	return allow()
}
