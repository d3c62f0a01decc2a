package flow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
)

const defaultSweepInterval = 5 * time.Second

// Sweeper fires wait-node timeouts. It scans the shared timeout index for
// due entries, flips the owning execution out of its waiting state and
// re-enqueues the run job. ZREM-before-resume keeps two sweepers from firing
// the same timeout twice.
type Sweeper struct {
	engine   *Engine
	Interval time.Duration
}

func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{engine: engine, Interval: defaultSweepInterval}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.SweepTimeouts(ctx); err != nil {
				log.Warn().Err(err).Msg("timeout sweep failed")
			}
		}
	}
}

// SweepTimeouts resumes every execution whose wait deadline has passed.
func (e *Engine) SweepTimeouts(ctx context.Context) error {
	now := float64(e.now().UnixMilli())
	members, err := e.deps.Store.ZRangeByScore(ctx, timeoutIndexKey, 0, now)
	if err != nil {
		return err
	}

	for _, stateKey := range members {
		if err := e.deps.Store.ZRem(ctx, timeoutIndexKey, stateKey); err != nil {
			log.Warn().Err(err).Str("key", stateKey).Msg("removing due timeout failed")
			continue
		}

		var state domain.ExecutionState
		ok, err := e.deps.Store.Get(ctx, stateKey, &state)
		if err != nil || !ok {
			// Execution finished or was resumed before the deadline fired.
			continue
		}
		if !state.WaitingForResponse {
			continue
		}
		if state.Variables == nil {
			state.Variables = make(map[string]any)
		}

		state.WaitingForResponse = false
		state.TimeoutAt = nil
		state.Status = domain.ExecutionStatusRunning
		state.Variables[varTimeoutTriggered] = true
		state.Variables[varPendingTimeout] = true
		state.AppendLog("wait timed out")

		if err := e.saveState(ctx, &state); err != nil {
			log.Warn().Err(err).Str("key", stateKey).Msg("persisting timed-out state failed")
			continue
		}
		if _, err := e.deps.FlowQueue.Enqueue(ctx, domain.JobRunFlow, domain.RunFlowJob{
			FlowID:      state.FlowID,
			User:        state.User,
			WorkspaceID: state.WorkspaceID,
			ExecutionID: state.ExecutionID,
		}); err != nil {
			log.Warn().Err(err).Str("key", stateKey).Msg("re-enqueueing timed-out run failed")
			continue
		}
		log.Info().
			Str("workspace_id", state.WorkspaceID).
			Str("flow_id", state.FlowID).
			Str("user", state.User).
			Msg("wait timeout fired")
	}
	return nil
}
