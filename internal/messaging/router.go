package messaging

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
)

const sessionWindow = 24 * time.Hour

// Router selects a driver for each send according to the workspace's routing
// mode and performs fallback on failure. Every attempt feeds the health
// monitor, which in turn drives the auto-mode ranking.
type Router struct {
	drivers map[string]domain.Driver
	order   []string

	health        *HealthMonitor
	watchdog      *Watchdog
	conversations domain.Conversations

	now func() time.Time
}

func NewRouter(health *HealthMonitor, watchdog *Watchdog, conversations domain.Conversations) *Router {
	return &Router{
		drivers:       make(map[string]domain.Driver),
		health:        health,
		watchdog:      watchdog,
		conversations: conversations,
		now:           time.Now,
	}
}

func (r *Router) Register(d domain.Driver) {
	if _, exists := r.drivers[d.Name()]; !exists {
		r.order = append(r.order, d.Name())
	}
	r.drivers[d.Name()] = d
}

func (r *Router) Health() *HealthMonitor { return r.health }

type sendFn func(ctx context.Context, d domain.Driver) domain.SendResult

func (r *Router) SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult {
	return r.route(ctx, ws, to, func(ctx context.Context, d domain.Driver) domain.SendResult {
		return d.SendText(ctx, ws, to, message)
	})
}

func (r *Router) SendMedia(ctx context.Context, ws *domain.Workspace, to, mediaType, url, caption string) domain.SendResult {
	return r.route(ctx, ws, to, func(ctx context.Context, d domain.Driver) domain.SendResult {
		return d.SendMedia(ctx, ws, to, mediaType, url, caption)
	})
}

func (r *Router) SendTemplate(ctx context.Context, ws *domain.Workspace, to, name, language string, components []domain.TemplateComponent) domain.SendResult {
	return r.route(ctx, ws, to, func(ctx context.Context, d domain.Driver) domain.SendResult {
		return d.SendTemplate(ctx, ws, to, name, language, components)
	})
}

func (r *Router) route(ctx context.Context, ws *domain.Workspace, to string, send sendFn) domain.SendResult {
	switch ws.RoutingMode {
	case domain.RoutingHybrid:
		return r.routeHybrid(ctx, ws, to, send)
	case domain.RoutingAuto:
		return r.routeAuto(ctx, ws, to, send)
	default:
		return r.routeExplicit(ctx, ws, to, send)
	}
}

func (r *Router) routeExplicit(ctx context.Context, ws *domain.Workspace, to string, send sendFn) domain.SendResult {
	name := ws.PrimaryProvider
	d, ok := r.drivers[name]
	if !ok {
		return domain.FailResult(name, domain.ErrNoProviderConfig.Error())
	}
	if res, blocked := r.sessionBlocked(ctx, ws, d, to); blocked {
		return res
	}
	return r.attempt(ctx, ws, d, send)
}

func (r *Router) routeHybrid(ctx context.Context, ws *domain.Workspace, to string, send sendFn) domain.SendResult {
	primary, ok := r.drivers[ws.PrimaryProvider]
	if !ok {
		return domain.FailResult(ws.PrimaryProvider, domain.ErrNoProviderConfig.Error())
	}

	if res, blocked := r.sessionBlocked(ctx, ws, primary, to); blocked {
		return res
	}
	res := r.attempt(ctx, ws, primary, send)
	if res.Success {
		return res
	}

	fallback, ok := r.drivers[ws.FallbackProvider]
	if !ok {
		return res
	}
	log.Info().
		Str("workspace_id", ws.ID).
		Str("primary", primary.Name()).
		Str("fallback", fallback.Name()).
		Str("error", res.Error).
		Msg("primary provider failed, falling back")

	if fres, blocked := r.sessionBlocked(ctx, ws, fallback, to); blocked {
		return fres
	}
	return r.attempt(ctx, ws, fallback, send)
}

func (r *Router) routeAuto(ctx context.Context, ws *domain.Workspace, to string, send sendFn) domain.SendResult {
	var last domain.SendResult
	attempted := false

	for _, name := range r.health.Rank(r.order) {
		d := r.drivers[name]
		if _, blocked := r.sessionBlocked(ctx, ws, d, to); blocked {
			continue
		}
		attempted = true
		last = r.attempt(ctx, ws, d, send)
		if last.Success {
			return last
		}
	}

	if !attempted {
		if len(r.order) == 0 {
			return domain.FailResult("", domain.ErrNoProviderConfig.Error())
		}
		return domain.FailResult("", domain.ErrSessionExpired.Error())
	}
	last.Error = domain.ErrAllProvidersFailed.Error()
	return last
}

// attempt runs one driver send, gated by the per-instance watchdog, and
// records the outcome into the health window.
func (r *Router) attempt(ctx context.Context, ws *domain.Workspace, d domain.Driver, send sendFn) domain.SendResult {
	session := ws.ID + ":" + d.Name()
	if !r.watchdog.IsHealthy(session) {
		return domain.FailResult(d.Name(), "instance circuit open")
	}

	start := r.now()
	res := send(ctx, d)
	latency := r.now().Sub(start)

	r.health.Record(ctx, d.Name(), res.Success, latency)
	if !res.Success {
		r.watchdog.RecordError(session)
	}
	if res.Provider == "" {
		res.Provider = d.Name()
	}
	return res
}

// sessionBlocked enforces the 24-hour compliance window for drivers that
// require it. The session_expired result is non-retryable by design.
func (r *Router) sessionBlocked(ctx context.Context, ws *domain.Workspace, d domain.Driver, to string) (domain.SendResult, bool) {
	if d.Name() != DriverCloudAPI || !ws.EnforceSessionWindow {
		return domain.SendResult{}, false
	}

	lastInbound, err := r.conversations.LastInboundAt(ctx, ws.ID, to)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("session window lookup failed, allowing send")
		return domain.SendResult{}, false
	}
	if lastInbound.IsZero() || r.now().Sub(lastInbound) > sessionWindow {
		return domain.FailResult(d.Name(), domain.ErrSessionExpired.Error()), true
	}
	return domain.SendResult{}, false
}
