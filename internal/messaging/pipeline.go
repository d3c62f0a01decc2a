package messaging

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/limits"
	"github.com/zapflowhq/zapflow/internal/metrics"
)

// Pipeline is the single path every outbound message takes: plan and rate
// gates first, then the anti-abuse guard, then the router. Flow nodes and
// the autopilot both send through here.
type Pipeline struct {
	limiter    *limits.RateLimiter
	planLimits *limits.PlanLimits
	guard      *Guard
	router     *Router
}

func NewPipeline(limiter *limits.RateLimiter, planLimits *limits.PlanLimits, guard *Guard, router *Router) *Pipeline {
	return &Pipeline{
		limiter:    limiter,
		planLimits: planLimits,
		guard:      guard,
		router:     router,
	}
}

func (p *Pipeline) Router() *Router { return p.router }

// gate runs the limiting layers. A denial is a policy rejection, surfaced as
// a failed SendResult with the reason code, never retried.
func (p *Pipeline) gate(ctx context.Context, ws *domain.Workspace, to string) (domain.SendResult, bool) {
	if v := p.planLimits.CheckSend(ctx, ws); !v.Allowed {
		return domain.FailResult("", v.Reason), false
	}
	if v := p.limiter.Allow(ctx, ws, to); !v.Allowed {
		return domain.FailResult("", v.Reason), false
	}
	return domain.SendResult{}, true
}

func (p *Pipeline) throttle(ctx context.Context, ws *domain.Workspace) {
	score := p.router.Health().Score(ws.PrimaryProvider)
	p.guard.Wait(ctx, ws, score)
}

func (p *Pipeline) record(ws *domain.Workspace, res domain.SendResult) domain.SendResult {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.SendsTotal.WithLabelValues(res.Provider, outcome).Inc()
	metrics.ProviderHealthScore.WithLabelValues(res.Provider).Set(p.router.Health().Score(res.Provider))

	evt := log.Info()
	if !res.Success {
		evt = log.Warn()
	}
	evt.
		Str("workspace_id", ws.ID).
		Str("provider", res.Provider).
		Bool("success", res.Success).
		Str("error", res.Error).
		Msg("send attempt finished")
	return res
}

func (p *Pipeline) SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult {
	if res, ok := p.gate(ctx, ws, to); !ok {
		return res
	}
	p.throttle(ctx, ws)
	return p.record(ws, p.router.SendText(ctx, ws, to, message))
}

func (p *Pipeline) SendMedia(ctx context.Context, ws *domain.Workspace, to, mediaType, url, caption string) domain.SendResult {
	if res, ok := p.gate(ctx, ws, to); !ok {
		return res
	}
	p.throttle(ctx, ws)
	return p.record(ws, p.router.SendMedia(ctx, ws, to, mediaType, url, caption))
}

func (p *Pipeline) SendTemplate(ctx context.Context, ws *domain.Workspace, to, name, language string, components []domain.TemplateComponent) domain.SendResult {
	if res, ok := p.gate(ctx, ws, to); !ok {
		return res
	}
	p.throttle(ctx, ws)
	return p.record(ws, p.router.SendTemplate(ctx, ws, to, name, language, components))
}
