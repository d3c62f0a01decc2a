// Package flow implements the conversational flow interpreter: a resumable
// state machine that walks parsed flow graphs node by node, persisting the
// execution snapshot to the context store after every transition so any
// worker can pick the run back up.
package flow

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/ai"
	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/limits"
	"github.com/zapflowhq/zapflow/internal/metrics"
	"github.com/zapflowhq/zapflow/internal/queue"
	"github.com/zapflowhq/zapflow/internal/safehttp"
	"github.com/zapflowhq/zapflow/internal/store"
)

const (
	// defaultStepBudget bounds one run-loop invocation. Graph cycles are
	// legal (drip loops), so the guard is a step counter, not a cycle check.
	defaultStepBudget = 1000

	nodeMaxAttempts = 3
	nodeRetryBase   = time.Second

	timeoutIndexKey = "timeouts"
	stateTTL        = 72 * time.Hour

	// defaultWaitTimeout caps how long a wait node without an explicit
	// timeout parks. Every parked run must be reachable by the sweep.
	defaultWaitTimeout = 24 * time.Hour
)

// Well-known variable names. The double-underscore ones are internal
// bookkeeping, consumed by the interpreter and never meant for graphs.
const (
	varLastUserMessage  = "last_user_message"
	varTimeoutTriggered = "timeout_triggered"
	varPendingReply     = "__pending_reply"
	varPendingTimeout   = "__timeout_fired"
)

var nonDigits = regexp.MustCompile(`\D`)

// NormalizeUser reduces a phone identifier to digits so the same user maps to
// the same execution key regardless of formatting.
func NormalizeUser(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}

// Sender is the slice of the send pipeline the interpreter uses. The
// messaging.Pipeline satisfies it in production.
type Sender interface {
	SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult
	SendMedia(ctx context.Context, ws *domain.Workspace, to, mediaType, url, caption string) domain.SendResult
}

// Deps wires the interpreter to its collaborators. Store, Flows, Workspaces,
// Pipeline and FlowQueue are required; everything else degrades to a no-op or
// a node error when nil.
type Deps struct {
	Store      *store.Store
	Flows      domain.FlowSource
	Workspaces domain.Workspaces
	Pipeline   Sender
	FlowQueue  *queue.Queue

	Records    domain.ExecutionRecords
	PlanLimits *limits.PlanLimits
	CRM        domain.CRM
	Scorer     domain.LeadScorer
	Campaigns  domain.CampaignRunner

	Conversations domain.Conversations
	KB            domain.KnowledgeBase
	Memory        domain.SemanticMemory
	Voice         domain.VoiceSynthesizer
	HTTP          *safehttp.Client

	AutopilotQueue *queue.Queue

	// ModelFactory builds the language model for a workspace's AI settings.
	ModelFactory    func(ws *domain.Workspace) ai.LanguageModel
	EmbedderFactory func(ws *domain.Workspace) ai.Embedder
}

type Engine struct {
	deps       Deps
	StepBudget int

	// Injectable for tests; delay and retry backoff go through sleep.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps:       deps,
		StepBudget: defaultStepBudget,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		now: time.Now,
	}
}

// StartFlow seeds the execution state for a user and enqueues the run job.
func (e *Engine) StartFlow(ctx context.Context, ws *domain.Workspace, def *domain.FlowDefinition, user string, initialVars map[string]any, executionID string) error {
	state, err := e.seedState(ctx, ws, def, user, initialVars, executionID)
	if err != nil || state == nil {
		return err
	}
	_, err = e.deps.FlowQueue.Enqueue(ctx, domain.JobRunFlow, domain.RunFlowJob{
		FlowID:      def.ID,
		User:        state.User,
		WorkspaceID: ws.ID,
		ExecutionID: state.ExecutionID,
	})
	return err
}

// seedState builds and persists the initial execution state. If a live state
// with the same execution id already exists, its accumulated variables and
// log are merged in rather than overwritten, so re-dispatched start jobs
// resume instead of restarting. Returns nil when plan limits reject the run.
func (e *Engine) seedState(ctx context.Context, ws *domain.Workspace, def *domain.FlowDefinition, user string, initialVars map[string]any, executionID string) (*domain.ExecutionState, error) {
	user = NormalizeUser(user)

	if e.deps.PlanLimits != nil {
		if v := e.deps.PlanLimits.CheckFlowRun(ctx, ws); !v.Allowed {
			log.Warn().
				Str("workspace_id", ws.ID).
				Str("flow_id", def.ID).
				Str("reason", v.Reason).
				Msg("flow run rejected by plan limits")
			metrics.FlowRunsTotal.WithLabelValues("rejected").Inc()
			return nil, nil
		}
	}

	state := &domain.ExecutionState{
		User:        user,
		FlowID:      def.ID,
		WorkspaceID: ws.ID,
		NodeID:      def.StartNodeID,
		Variables:   make(map[string]any),
		ExecutionID: executionID,
		Status:      domain.ExecutionStatusRunning,
	}

	if contact := e.seedContact(ctx, ws, user, state.Variables); contact != nil {
		state.ContactID = contact.ID
	}

	if executionID != "" {
		if prev, ok := e.loadState(ctx, ws.ID, user); ok && prev.ExecutionID == executionID {
			for k, v := range prev.Variables {
				state.Variables[k] = v
			}
			state.Log = prev.Log
			state.NodeID = prev.NodeID
			state.ContactID = prev.ContactID
			state.CallStack = prev.CallStack
		}
	}
	for k, v := range initialVars {
		state.Variables[k] = v
	}

	if state.ExecutionID == "" && e.deps.Records != nil {
		rec, err := e.deps.Records.Create(ctx, ws.ID, def.ID, user)
		if err != nil {
			log.Warn().Err(err).Msg("creating execution record failed")
		} else {
			state.ExecutionID = rec.ID
		}
	}

	state.AppendLog("flow " + def.ID + " started")
	if err := e.saveState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// OnUserResponse resumes a waiting execution with an inbound message. When no
// execution is waiting this is a no-op, which makes duplicate webhook
// deliveries harmless.
func (e *Engine) OnUserResponse(ctx context.Context, workspaceID, user, message string) error {
	user = NormalizeUser(user)

	state, ok := e.loadState(ctx, workspaceID, user)
	if !ok {
		log.Debug().Str("user", user).Msg("reply with no live execution, ignoring")
		return nil
	}
	if !state.WaitingForResponse {
		log.Debug().Str("user", user).Str("flow_id", state.FlowID).Msg("reply while not waiting, ignoring")
		return nil
	}

	if err := e.deps.Store.ZRem(ctx, timeoutIndexKey, state.Key()); err != nil {
		log.Warn().Err(err).Msg("removing timeout index entry failed")
	}

	state.Variables[varLastUserMessage] = message
	state.Variables[varPendingReply] = message
	state.WaitingForResponse = false
	state.TimeoutAt = nil
	state.Status = domain.ExecutionStatusRunning
	state.AppendLog("user replied")
	if err := e.saveState(ctx, state); err != nil {
		return err
	}

	if _, err := e.deps.FlowQueue.Enqueue(ctx, domain.JobRunFlow, domain.RunFlowJob{
		FlowID:      state.FlowID,
		User:        user,
		WorkspaceID: state.WorkspaceID,
		ExecutionID: state.ExecutionID,
	}); err != nil {
		return err
	}

	e.afterReply(state, message)
	return nil
}

// afterReply fires the best-effort side channels: lead rescoring and the
// autopilot scan. Neither may ever break the resume path.
func (e *Engine) afterReply(state *domain.ExecutionState, message string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Any("panic", r).Msg("reply side-effects panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if e.deps.Scorer != nil && state.ContactID != "" {
			if err := e.deps.Scorer.Rescore(ctx, state.WorkspaceID, state.ContactID); err != nil {
				log.Warn().Err(err).Msg("lead rescore failed")
			}
		}
		if e.deps.AutopilotQueue != nil {
			_, err := e.deps.AutopilotQueue.Enqueue(ctx, domain.JobScanMessage, domain.ScanMessageJob{
				WorkspaceID:    state.WorkspaceID,
				ContactID:      state.ContactID,
				Phone:          state.User,
				MessageContent: message,
			})
			if err != nil {
				log.Warn().Err(err).Msg("enqueueing autopilot scan failed")
			}
		}
	}()
}

// HandleRun is the worker handler for run jobs. It reloads the flow, loads or
// seeds the execution state and drives the run loop until the flow waits,
// ends or fails.
func (e *Engine) HandleRun(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[domain.RunFlowJob](job)
	if err != nil {
		return err
	}
	ws, err := e.deps.Workspaces.Get(ctx, payload.WorkspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", payload.WorkspaceID, err)
	}

	def, err := e.resolveFlow(ctx, ws.ID, &payload)
	if err != nil {
		return err
	}

	user := NormalizeUser(payload.User)
	state, ok := e.loadState(ctx, ws.ID, user)
	if !ok {
		// Directly-enqueued run job without StartFlow; seed inline.
		state, err = e.seedState(ctx, ws, def, user, payload.InitialVars, payload.ExecutionID)
		if err != nil {
			return err
		}
		if state == nil {
			return nil
		}
	}

	return e.runLoop(ctx, ws, def, state)
}

// HandleResume is the worker handler for inbound-message jobs.
func (e *Engine) HandleResume(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[domain.ResumeFlowJob](job)
	if err != nil {
		return err
	}
	return e.OnUserResponse(ctx, payload.WorkspaceID, payload.User, payload.Message)
}

func (e *Engine) resolveFlow(ctx context.Context, workspaceID string, payload *domain.RunFlowJob) (*domain.FlowDefinition, error) {
	if payload.Flow != nil {
		return Parse(payload.Flow)
	}
	return e.loadFlow(ctx, workspaceID, payload.FlowID)
}

func (e *Engine) loadFlow(ctx context.Context, workspaceID, flowID string) (*domain.FlowDefinition, error) {
	graph, err := e.deps.Flows.GetGraph(ctx, workspaceID, flowID)
	if err != nil {
		return nil, fmt.Errorf("loading flow %s: %w", flowID, err)
	}
	if graph == nil {
		return nil, fmt.Errorf("flow %s: %w", flowID, domain.ErrFlowNotFound)
	}
	return Parse(graph)
}

// runLoop executes nodes until the flow waits for input, reaches an end, or
// fails. State is persisted after every node so a crash resumes at the next
// node, not the start.
func (e *Engine) runLoop(ctx context.Context, ws *domain.Workspace, def *domain.FlowDefinition, state *domain.ExecutionState) error {
	budget := e.StepBudget
	if budget <= 0 {
		budget = defaultStepBudget
	}

	for steps := 0; ; steps++ {
		if steps >= budget {
			state.AppendLog(fmt.Sprintf("aborted after %d steps", steps))
			e.failExecution(ctx, state, domain.ErrStepBudgetExceeded)
			return nil
		}

		node, ok := def.Node(state.NodeID)
		if !ok {
			e.failExecution(ctx, state, fmt.Errorf("node %s: %w", state.NodeID, domain.ErrNodeNotFound))
			return nil
		}

		out, err := e.executeWithRetry(ctx, ws, def, state, node)
		if err != nil {
			if node.OnError != "" {
				state.AppendLog(fmt.Sprintf("node %s failed, redirecting to %s: %v", node.ID, node.OnError, err))
				state.NodeID = node.OnError
				if err := e.saveState(ctx, state); err != nil {
					return err
				}
				continue
			}
			e.failExecution(ctx, state, fmt.Errorf("node %s: %w", node.ID, err))
			return nil
		}

		if out.newDef != nil {
			def = out.newDef
			state.FlowID = def.ID
		}

		switch out.kind {
		case outcomeWait:
			state.WaitingForResponse = true
			state.Status = domain.ExecutionStatusWaitingInput
			if out.timeout > 0 {
				deadline := e.now().Add(out.timeout)
				state.TimeoutAt = &deadline
				if err := e.deps.Store.ZAdd(ctx, timeoutIndexKey, state.Key(), float64(deadline.UnixMilli())); err != nil {
					log.Warn().Err(err).Msg("registering wait timeout failed")
				}
			}
			state.AppendLog("waiting for user at node " + node.ID)
			return e.saveState(ctx, state)

		case outcomeEnd:
			e.completeExecution(ctx, state)
			return nil

		default:
			if out.next == "" {
				e.completeExecution(ctx, state)
				return nil
			}
			state.NodeID = out.next
			if err := e.saveState(ctx, state); err != nil {
				return err
			}
		}
	}
}

// executeWithRetry gives each node up to nodeMaxAttempts tries with
// exponential backoff (1s, 2s, 4s). The retries live inside the run loop, on
// purpose: a node failure must not requeue the whole job and replay earlier
// nodes.
func (e *Engine) executeWithRetry(ctx context.Context, ws *domain.Workspace, def *domain.FlowDefinition, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= nodeMaxAttempts; attempt++ {
		out, err := e.executeNode(ctx, ws, def, state, node)
		if err == nil {
			return out, nil
		}
		lastErr = err
		state.AppendLog(fmt.Sprintf("node %s attempt %d failed: %v", node.ID, attempt, err))
		log.Warn().
			Err(err).
			Str("workspace_id", ws.ID).
			Str("flow_id", state.FlowID).
			Str("node_id", node.ID).
			Int("attempt", attempt).
			Msg("node execution failed")

		if attempt < nodeMaxAttempts {
			if serr := e.sleep(ctx, nodeRetryBase<<(attempt-1)); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

func (e *Engine) completeExecution(ctx context.Context, state *domain.ExecutionState) {
	state.Status = domain.ExecutionStatusCompleted
	state.WaitingForResponse = false
	state.AppendLog("flow completed")
	metrics.FlowRunsTotal.WithLabelValues("completed").Inc()

	e.finishRecord(ctx, state)
	e.publishLog(ctx, state, "completed")

	// The live key goes away; the audit record keeps the history.
	if err := e.deps.Store.Delete(ctx, state.Key()); err != nil {
		log.Warn().Err(err).Msg("deleting live execution state failed")
	}
	log.Info().
		Str("workspace_id", state.WorkspaceID).
		Str("flow_id", state.FlowID).
		Str("user", state.User).
		Msg("flow completed")
}

func (e *Engine) failExecution(ctx context.Context, state *domain.ExecutionState, cause error) {
	state.Status = domain.ExecutionStatusFailed
	state.WaitingForResponse = false
	state.AppendLog("flow failed: " + cause.Error())
	metrics.FlowRunsTotal.WithLabelValues("failed").Inc()

	e.finishRecord(ctx, state)
	e.publishLog(ctx, state, "failed")

	if err := e.deps.Store.Delete(ctx, state.Key()); err != nil {
		log.Warn().Err(err).Msg("deleting live execution state failed")
	}
	log.Error().
		Err(cause).
		Str("workspace_id", state.WorkspaceID).
		Str("flow_id", state.FlowID).
		Str("user", state.User).
		Str("node_id", state.NodeID).
		Msg("flow failed")
}

func (e *Engine) finishRecord(ctx context.Context, state *domain.ExecutionState) {
	if e.deps.Records == nil || state.ExecutionID == "" {
		return
	}
	rec, err := e.deps.Records.Get(ctx, state.ExecutionID)
	if err != nil || rec == nil {
		log.Warn().Err(err).Str("execution_id", state.ExecutionID).Msg("loading execution record failed")
		return
	}
	now := e.now().UTC()
	rec.Status = state.Status
	rec.Variables = state.Variables
	rec.Log = state.Log
	rec.FinishedAt = &now
	if err := e.deps.Records.Update(ctx, rec); err != nil {
		log.Warn().Err(err).Str("execution_id", state.ExecutionID).Msg("updating execution record failed")
	}
}

func (e *Engine) saveState(ctx context.Context, state *domain.ExecutionState) error {
	return e.deps.Store.Set(ctx, state.Key(), state, stateTTL)
}

func (e *Engine) loadState(ctx context.Context, workspaceID, user string) (*domain.ExecutionState, bool) {
	ctxKeys := []string{domain.LegacyExecutionKey(user)}
	if workspaceID != "" {
		ctxKeys = []string{domain.ExecutionKey(workspaceID, user), domain.LegacyExecutionKey(user)}
	}
	for _, key := range ctxKeys {
		var state domain.ExecutionState
		ok, err := e.deps.Store.Get(ctx, key, &state)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("loading execution state failed")
			continue
		}
		if ok {
			if state.Variables == nil {
				state.Variables = make(map[string]any)
			}
			return &state, true
		}
	}
	return nil, false
}

func (e *Engine) seedContact(ctx context.Context, ws *domain.Workspace, user string, vars map[string]any) *domain.Contact {
	if e.deps.CRM == nil {
		return nil
	}
	contact, err := e.deps.CRM.GetOrCreateContact(ctx, ws.ID, user)
	if err != nil {
		log.Warn().Err(err).Str("user", user).Msg("contact lookup failed, running without contact")
		return nil
	}
	vars["contact_id"] = contact.ID
	vars["contact_name"] = contact.Name
	vars["contact_phone"] = contact.Phone
	vars["contact_email"] = contact.Email
	for k, v := range contact.Fields {
		vars["contact."+k] = v
	}
	return contact
}

type logEvent struct {
	ExecutionID string `json:"executionId,omitempty"`
	FlowID      string `json:"flowId"`
	User        string `json:"user"`
	NodeID      string `json:"nodeId"`
	Status      string `json:"status"`
	Line        string `json:"line,omitempty"`
}

// publishLog streams terminal events to live subscribers, fire-and-forget.
func (e *Engine) publishLog(ctx context.Context, state *domain.ExecutionState, status string) {
	evt := logEvent{
		ExecutionID: state.ExecutionID,
		FlowID:      state.FlowID,
		User:        state.User,
		NodeID:      state.NodeID,
		Status:      status,
	}
	if len(state.Log) > 0 {
		evt.Line = state.Log[len(state.Log)-1]
	}
	if err := e.deps.Store.Publish(ctx, "execlog:"+state.User, evt); err != nil {
		log.Debug().Err(err).Msg("publishing execution log failed")
	}
}
