package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/metrics"
)

// Handler processes one job. A returned error triggers the queue-level retry
// policy; handlers are expected to absorb everything they can convert into a
// structured result themselves.
type Handler func(ctx context.Context, job *Job) error

// Mux routes jobs to handlers by job name.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

func (m *Mux) Handle(name string, h Handler) *Mux {
	m.handlers[name] = h
	return m
}

func (m *Mux) dispatch(ctx context.Context, job *Job) error {
	h, ok := m.handlers[job.Name]
	if !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}
	return h(ctx, job)
}

// Pool runs a fixed number of workers against one queue. Concurrency is
// queue-specific: send jobs run wide, anti-collision CRM work runs
// serialized.
type Pool struct {
	queue       *Queue
	mux         *Mux
	concurrency int

	// RetryBase is the first retry delay; attempt n waits RetryBase * 2^(n-1).
	RetryBase    time.Duration
	pollInterval time.Duration
}

func NewPool(q *Queue, mux *Mux, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		queue:        q,
		mux:          mux,
		concurrency:  concurrency,
		RetryBase:    time.Second,
		pollInterval: time.Second,
	}
}

// Run blocks until ctx is cancelled. One goroutine promotes delayed jobs,
// the rest pull from the pending list.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.promoteLoop(ctx)
	}()

	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workLoop(ctx, worker)
		}(i)
	}

	wg.Wait()
}

func (p *Pool) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.promoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("queue", p.queue.Name()).Msg("delayed job promotion failed")
			}
			p.reportDepth(ctx)
		}
	}
}

func (p *Pool) reportDepth(ctx context.Context) {
	pending, delayed, _, err := p.queue.Depth(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(p.queue.Name()).Set(float64(pending + delayed))
}

func (p *Pool) workLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.pop(ctx, p.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("queue", p.queue.Name()).Msg("queue pop failed")
			continue
		}
		if job == nil {
			continue
		}

		p.process(ctx, worker, job)
	}
}

func (p *Pool) process(ctx context.Context, worker int, job *Job) {
	logger := log.With().
		Str("queue", p.queue.Name()).
		Str("job", job.Name).
		Str("job_id", job.ID).
		Int("worker", worker).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("handler panicked, dead-lettering job")
			job.LastError = fmt.Sprintf("panic: %v", r)
			if err := p.queue.deadLetter(ctx, job); err != nil {
				logger.Error().Err(err).Msg("dead-letter write failed")
			}
		}
	}()

	job.Attempts++
	err := p.mux.dispatch(ctx, job)
	if err == nil {
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		logger.Error().Err(err).Int("attempts", job.Attempts).Msg("job exhausted retries, dead-lettering")
		if dlErr := p.queue.deadLetter(ctx, job); dlErr != nil {
			logger.Error().Err(dlErr).Msg("dead-letter write failed")
		}
		return
	}

	delay := p.RetryBase << (job.Attempts - 1)
	logger.Warn().Err(err).Int("attempt", job.Attempts).Dur("retry_in", delay).Msg("job failed, scheduling retry")
	if rqErr := p.queue.requeue(ctx, job, delay); rqErr != nil {
		logger.Error().Err(rqErr).Msg("retry requeue failed")
	}
}
