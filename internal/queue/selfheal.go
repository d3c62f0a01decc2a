package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/metrics"
)

// transientSignatures are the failure texts the healer treats as worth a
// fresh attempt budget.
var transientSignatures = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"gateway",
	"502",
	"503",
	"504",
	"deadlock",
	"rate limit",
	"too many requests",
}

func isTransientError(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range transientSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// SelfHealer periodically inspects dead-letter lists and requeues jobs whose
// last error looks transient. Persistently failing jobs stay dead-lettered
// and trigger a rate-limited operational alert.
type SelfHealer struct {
	client *redis.Client
	queues []*Queue

	Interval      time.Duration
	BatchLimit    int
	AlertURL      string
	AlertCooldown time.Duration

	httpClient *http.Client
}

func NewSelfHealer(client *redis.Client, queues []*Queue) *SelfHealer {
	return &SelfHealer{
		client:        client,
		queues:        queues,
		Interval:      5 * time.Minute,
		BatchLimit:    50,
		AlertCooldown: 15 * time.Minute,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *SelfHealer) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range h.queues {
				h.sweepQueue(ctx, q)
			}
		}
	}
}

// SweepOnce runs a single pass over every queue. Exposed for the CLI and
// tests.
func (h *SelfHealer) SweepOnce(ctx context.Context) {
	for _, q := range h.queues {
		h.sweepQueue(ctx, q)
	}
}

func (h *SelfHealer) sweepQueue(ctx context.Context, q *Queue) {
	for i := 0; i < h.BatchLimit; i++ {
		raw, err := h.client.LPop(ctx, q.deadKey()).Result()
		if errors.Is(err, redis.Nil) {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("queue", q.Name()).Msg("dead-letter read failed")
			return
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Error().Err(err).Str("queue", q.Name()).Msg("corrupt dead-lettered job dropped")
			continue
		}

		if isTransientError(job.LastError) {
			job.Attempts = 0
			job.LastError = ""
			if err := q.requeue(ctx, &job, 0); err != nil {
				log.Error().Err(err).Str("job_id", job.ID).Msg("healed job requeue failed")
				continue
			}
			metrics.HealedJobsTotal.WithLabelValues(q.Name()).Inc()
			log.Info().Str("queue", q.Name()).Str("job", job.Name).Str("job_id", job.ID).Msg("requeued transient dead-lettered job")
			continue
		}

		// Not healable: park it again and alert.
		if err := h.client.RPush(ctx, q.deadKey(), raw).Err(); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("dead-letter re-park failed")
		}
		h.alert(ctx, q, &job)
		// Everything behind this job is equally stuck this cycle.
		return
	}
}

// alert posts to the operational webhook, at most once per cooldown per
// queue to avoid alert storms.
func (h *SelfHealer) alert(ctx context.Context, q *Queue, job *Job) {
	if h.AlertURL == "" {
		return
	}

	ok, err := h.client.SetNX(ctx, "q:"+q.Name()+":alerted", "1", h.AlertCooldown).Result()
	if err != nil || !ok {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"queue":     q.Name(),
		"jobId":     job.ID,
		"jobName":   job.Name,
		"lastError": job.LastError,
		"attempts":  job.Attempts,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.AlertURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("dead-letter alert webhook failed")
		return
	}
	_ = resp.Body.Close()
}
