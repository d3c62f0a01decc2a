package messaging

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/store"
)

const (
	defaultMinDelayMs = 800
	defaultMaxDelayMs = 2500

	burstWindow = 60 * time.Second
	// During warm-up (health score < 80) the burst ceiling tightens.
	burstLimitWarmup = 10
	burstLimitNormal = 40
	warmupScore      = 80

	burstSleepPerOver = 500 * time.Millisecond
	burstSleepCap     = 10 * time.Second
)

// Guard applies the anti-ban throttles before every outbound send: a
// humanized random delay, burst back-pressure and a night-window slowdown.
// All three only ever delay a message, never drop it.
type Guard struct {
	store *store.Store

	NightStartHour  int
	NightEndHour    int
	NightExtraDelay time.Duration

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

func NewGuard(s *store.Store) *Guard {
	return &Guard{
		store:           s,
		NightStartHour:  22,
		NightEndHour:    7,
		NightExtraDelay: 5 * time.Second,
		sleep:           sleepCtx,
		now:             time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Wait blocks for however long the throttles demand for this workspace.
// healthScore is the sending instance's current health; low scores put the
// workspace in warm-up and tighten the burst ceiling.
func (g *Guard) Wait(ctx context.Context, ws *domain.Workspace, healthScore float64) {
	g.sleep(ctx, g.humanDelay(ws))
	g.sleep(ctx, g.burstDelay(ctx, ws, healthScore))
	g.sleep(ctx, g.nightDelay())
}

func (g *Guard) humanDelay(ws *domain.Workspace) time.Duration {
	minMs, maxMs := ws.MinSendDelayMs, ws.MaxSendDelayMs
	if minMs <= 0 {
		minMs = defaultMinDelayMs
	}
	if maxMs <= minMs {
		maxMs = minMs + (defaultMaxDelayMs - defaultMinDelayMs)
	}
	return time.Duration(minMs+rand.IntN(maxMs-minMs)) * time.Millisecond
}

// burstDelay counts sends in the trailing 60s window through the shared
// sorted set, so bursts are detected across worker processes.
func (g *Guard) burstDelay(ctx context.Context, ws *domain.Workspace, healthScore float64) time.Duration {
	nowMs := float64(g.now().UnixMilli())
	windowStart := nowMs - float64(burstWindow.Milliseconds())
	set := "burst:" + ws.ID

	member := fmt.Sprintf("%d-%04d", g.now().UnixNano(), rand.IntN(10000))
	if err := g.store.ZAdd(ctx, set, member, nowMs); err != nil {
		log.Debug().Err(err).Str("workspace_id", ws.ID).Msg("burst counter unavailable")
		return 0
	}
	if err := g.store.ZRemRangeByScore(ctx, set, 0, windowStart); err != nil {
		log.Debug().Err(err).Msg("burst window trim failed")
	}

	count, err := g.store.ZCount(ctx, set, windowStart, nowMs)
	if err != nil {
		return 0
	}

	limit := int64(burstLimitNormal)
	if healthScore < warmupScore {
		limit = burstLimitWarmup
	}
	if count <= limit {
		return 0
	}

	over := time.Duration(count-limit) * burstSleepPerOver
	if over > burstSleepCap {
		over = burstSleepCap
	}
	log.Info().
		Str("workspace_id", ws.ID).
		Int64("sends_in_window", count).
		Int64("limit", limit).
		Dur("delay", over).
		Msg("burst protection engaged")
	return over
}

func (g *Guard) nightDelay() time.Duration {
	hour := g.now().Hour()
	inNight := false
	if g.NightStartHour > g.NightEndHour {
		inNight = hour >= g.NightStartHour || hour < g.NightEndHour
	} else {
		inNight = hour >= g.NightStartHour && hour < g.NightEndHour
	}
	if inNight {
		return g.NightExtraDelay
	}
	return 0
}
