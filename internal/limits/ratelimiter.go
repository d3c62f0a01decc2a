// Package limits gates every send behind plan-tier rate limits and monthly
// quotas. All counters are fixed-window atomic increments in the shared
// store; both layers fail open when the counter store is unreachable,
// trading strict enforcement for availability.
package limits

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/store"
)

const (
	rateWindow = time.Minute

	// Per-recipient ceiling, independent of plan tier. A single contact
	// never legitimately receives more than this in a minute.
	defaultRecipientPerMinute = 5
)

type RateLimiter struct {
	store *store.Store

	// Skip disables enforcement outside production.
	Skip               bool
	RecipientPerMinute int
}

func NewRateLimiter(s *store.Store, skip bool) *RateLimiter {
	return &RateLimiter{
		store:              s,
		Skip:               skip,
		RecipientPerMinute: defaultRecipientPerMinute,
	}
}

// Verdict reports whether a send may proceed and, if not, why.
type Verdict struct {
	Allowed bool
	Reason  string
}

func allow() Verdict             { return Verdict{Allowed: true} }
func deny(reason string) Verdict { return Verdict{Reason: reason} }

// Allow consumes one send slot for the workspace and recipient. The counter
// increments happen before the check, so a denied send still burned a slot;
// callers are expected to back off, not hammer.
func (r *RateLimiter) Allow(ctx context.Context, ws *domain.Workspace, recipient string) Verdict {
	if r.Skip {
		return allow()
	}

	wsCount, err := r.store.Incr(ctx, "rate:ws:"+ws.ID, rateWindow)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("rate counter unavailable, failing open")
		return allow()
	}
	if wsCount > int64(ws.Plan.SendsPerMinute()) {
		return deny("workspace_rate_exceeded")
	}

	rcptCount, err := r.store.Incr(ctx, "rate:rcpt:"+ws.ID+":"+recipient, rateWindow)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("recipient rate counter unavailable, failing open")
		return allow()
	}
	if rcptCount > int64(r.RecipientPerMinute) {
		return deny("recipient_rate_exceeded")
	}

	return allow()
}
