// Package messaging is the outbound send pipeline: provider drivers, the
// health-ranked router, the per-instance watchdog and the anti-abuse guard.
package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/store"
)

const (
	healthWindowSize = 50
	// Latency EWMA smoothing factor.
	latencyAlpha = 0.3
)

type healthEvent struct {
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latencyMs"`
	At        time.Time `json:"at"`
}

type providerStats struct {
	events     []healthEvent // ring, newest last, capped at healthWindowSize
	avgLatency float64
	lastUpdate time.Time
}

// HealthMonitor keeps a rolling success/failure/latency window per provider
// and per-workspace instance connectivity status. The window cache is
// process-local; every event is also mirrored into a bounded list in the
// shared store for cross-process visibility.
type HealthMonitor struct {
	mu        sync.RWMutex
	providers map[string]*providerStats
	instances map[string]domain.InstanceStatus

	store *store.Store
}

func NewHealthMonitor(s *store.Store) *HealthMonitor {
	return &HealthMonitor{
		providers: make(map[string]*providerStats),
		instances: make(map[string]domain.InstanceStatus),
		store:     s,
	}
}

// Record adds one send outcome to the provider's rolling window.
func (h *HealthMonitor) Record(ctx context.Context, provider string, success bool, latency time.Duration) {
	evt := healthEvent{Success: success, LatencyMs: latency.Milliseconds(), At: time.Now().UTC()}

	h.mu.Lock()
	stats, ok := h.providers[provider]
	if !ok {
		stats = &providerStats{}
		h.providers[provider] = stats
	}
	stats.events = append(stats.events, evt)
	if len(stats.events) > healthWindowSize {
		stats.events = stats.events[len(stats.events)-healthWindowSize:]
	}
	if stats.avgLatency == 0 {
		stats.avgLatency = float64(evt.LatencyMs)
	} else {
		stats.avgLatency = latencyAlpha*float64(evt.LatencyMs) + (1-latencyAlpha)*stats.avgLatency
	}
	stats.lastUpdate = evt.At
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.PushList(ctx, "health:"+provider, evt, healthWindowSize); err != nil {
			log.Debug().Err(err).Str("provider", provider).Msg("health mirror push failed")
		}
	}
}

// Score returns the 0-100 rolling success rate. An unseen provider scores
// 100 so new drivers are not starved out of the auto ranking.
func (h *HealthMonitor) Score(provider string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats, ok := h.providers[provider]
	if !ok || len(stats.events) == 0 {
		return 100
	}
	var successes int
	for _, e := range stats.events {
		if e.Success {
			successes++
		}
	}
	return 100 * float64(successes) / float64(len(stats.events))
}

func (h *HealthMonitor) AvgLatency(provider string) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats, ok := h.providers[provider]
	if !ok {
		return 0
	}
	return time.Duration(stats.avgLatency) * time.Millisecond
}

// Rank orders the given providers by success rate, ties broken by lower
// average latency.
func (h *HealthMonitor) Rank(providers []string) []string {
	ranked := make([]string, len(providers))
	copy(ranked, providers)

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := h.Score(ranked[i]), h.Score(ranked[j])
		if si != sj {
			return si > sj
		}
		return h.AvgLatency(ranked[i]) < h.AvgLatency(ranked[j])
	})
	return ranked
}

// SetInstanceStatus updates a workspace instance's connectivity state and
// publishes a notification when it transitions to BANNED.
func (h *HealthMonitor) SetInstanceStatus(ctx context.Context, workspaceID string, status domain.InstanceStatus) {
	h.mu.Lock()
	prev := h.instances[workspaceID]
	h.instances[workspaceID] = status
	h.mu.Unlock()

	if status == domain.InstanceBanned && prev != domain.InstanceBanned {
		log.Warn().Str("workspace_id", workspaceID).Msg("instance transitioned to BANNED")
		if h.store != nil {
			if err := h.store.Publish(ctx, "instance-banned", map[string]string{"workspaceId": workspaceID}); err != nil {
				log.Debug().Err(err).Msg("banned notification publish failed")
			}
		}
	}
}

func (h *HealthMonitor) InstanceStatus(workspaceID string) domain.InstanceStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if s, ok := h.instances[workspaceID]; ok {
		return s
	}
	return domain.InstanceUnknown
}
