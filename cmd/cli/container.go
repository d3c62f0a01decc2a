package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/ai"
	"github.com/zapflowhq/zapflow/internal/autopilot"
	"github.com/zapflowhq/zapflow/internal/config"
	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/flow"
	"github.com/zapflowhq/zapflow/internal/limits"
	"github.com/zapflowhq/zapflow/internal/messaging"
	"github.com/zapflowhq/zapflow/internal/queue"
	"github.com/zapflowhq/zapflow/internal/safehttp"
	"github.com/zapflowhq/zapflow/internal/store"
)

// container wires the full worker stack from one config. Everything shares a
// single redis client.
type container struct {
	cfg    *config.Config
	client *redis.Client
	store  *store.Store

	workspaces *store.WorkspaceRepo
	contacts   *store.ContactRepo

	flowQueue      *queue.Queue
	sendQueue      *queue.Queue
	followupQueue  *queue.Queue
	autopilotQueue *queue.Queue

	pipeline   *messaging.Pipeline
	flowEngine *flow.Engine
	autopilotE *autopilot.Engine
	healer     *queue.SelfHealer
}

func buildContainer(cfg *config.Config) (*container, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	s := store.New(client, cfg.StorePrefix)

	workspaces := store.NewWorkspaceRepo(s)
	flows := store.NewFlowRepo(s)
	records := store.NewRecordRepo(s)
	contacts := store.NewContactRepo(s)
	conversations := store.NewConversationRepo(s)
	audit := store.NewAuditRepo(s)
	billing := store.NewBillingRepo(s)

	limiter := limits.NewRateLimiter(s, cfg.SkipRateLimits)
	planLimits := limits.NewPlanLimits(s, billing)

	health := messaging.NewHealthMonitor(s)
	watchdog := messaging.NewWatchdog()
	router := messaging.NewRouter(health, watchdog, conversations)
	router.Register(messaging.NewCloudAPIDriver(cfg.CloudAPIBaseURL))
	router.Register(messaging.NewWebSessionDriver(cfg.WebSessionBaseURL))
	if cfg.TurboBaseURL != "" {
		router.Register(messaging.NewTurboDriver(cfg.TurboBaseURL))
	}
	pipeline := messaging.NewPipeline(limiter, planLimits, messaging.NewGuard(s), router)

	flowQueue := queue.New(client, domain.QueueFlows)
	sendQueue := queue.New(client, domain.QueueSends)
	followupQueue := queue.New(client, domain.QueueFollowups)
	autopilotQueue := queue.New(client, domain.QueueAutopilot)

	modelFactory := func(ws *domain.Workspace) ai.LanguageModel {
		if ws.AIKey == "" {
			return nil
		}
		if strings.HasPrefix(ws.AIModel, "claude") {
			return ai.NewAnthropicProvider(ws.AIKey, ws.AIModel)
		}
		return ai.NewOpenAIProvider(ws.AIKey, ws.AIModel)
	}
	embedderFactory := func(ws *domain.Workspace) ai.Embedder {
		if ws.AIKey == "" || strings.HasPrefix(ws.AIModel, "claude") {
			return nil
		}
		return ai.NewOpenAIProvider(ws.AIKey, ws.AIModel)
	}

	flowEngine := flow.NewEngine(flow.Deps{
		Store:      s,
		Flows:      flows,
		Workspaces: workspaces,
		Pipeline:   pipeline,
		FlowQueue:  flowQueue,

		Records:    records,
		PlanLimits: planLimits,
		CRM:        contacts,
		Scorer:     contacts,

		Conversations:  conversations,
		HTTP:           safehttp.NewClient(),
		AutopilotQueue: autopilotQueue,

		ModelFactory:    modelFactory,
		EmbedderFactory: embedderFactory,
	})

	autopilotEngine := autopilot.NewEngine(autopilot.Deps{
		Store:      s,
		Workspaces: workspaces,
		CRM:        contacts,
		Pipeline:   pipeline,

		Conversations: conversations,
		Finder:        contacts,
		Audit:         audit,

		FollowupQueue:  followupQueue,
		AutopilotQueue: autopilotQueue,

		ModelFactory:    modelFactory,
		EmbedderFactory: embedderFactory,
	}, autopilot.Config{
		DailyCapContact:   cfg.DailyCapContact,
		DailyCapWorkspace: cfg.DailyCapWorkspace,
		SendWindowStart:   cfg.SendWindowStartHour,
		SendWindowEnd:     cfg.SendWindowEndHour,
		FollowupDelay:     time.Duration(cfg.FollowupDelayMinutes) * time.Minute,
		SilenceBefore:     time.Duration(cfg.SilenceBeforeHours) * time.Hour,
		CycleBatchLimit:   cfg.CycleBatchLimit,
	})

	// The healer also watches the queues fed by external services (campaign
	// dispatch, webhook delivery, voice synthesis, memory ingestion) so their
	// dead letters get the same treatment.
	healerQueues := []*queue.Queue{flowQueue, sendQueue, followupQueue, autopilotQueue}
	for _, name := range []string{domain.QueueCampaigns, domain.QueueWebhooks, domain.QueueVoice, domain.QueueMemory} {
		healerQueues = append(healerQueues, queue.New(client, name))
	}
	healer := queue.NewSelfHealer(client, healerQueues)
	if cfg.DeadLetterInterval > 0 {
		healer.Interval = cfg.DeadLetterInterval
	}
	if cfg.AlertCooldown > 0 {
		healer.AlertCooldown = cfg.AlertCooldown
	}
	healer.AlertURL = cfg.AlertWebhookURL

	return &container{
		cfg:    cfg,
		client: client,
		store:  s,

		workspaces: workspaces,
		contacts:   contacts,

		flowQueue:      flowQueue,
		sendQueue:      sendQueue,
		followupQueue:  followupQueue,
		autopilotQueue: autopilotQueue,

		pipeline:   pipeline,
		flowEngine: flowEngine,
		autopilotE: autopilotEngine,
		healer:     healer,
	}, nil
}

func (c *container) Close() {
	if err := c.client.Close(); err != nil {
		log.Warn().Err(err).Msg("closing redis client failed")
	}
}

func (c *container) queues() []*queue.Queue {
	return []*queue.Queue{c.flowQueue, c.sendQueue, c.followupQueue, c.autopilotQueue}
}

// mux maps every job name to its handler. All pools share it; the queue a job
// arrives on decides the concurrency it runs under.
func (c *container) mux() *queue.Mux {
	return queue.NewMux().
		Handle(domain.JobRunFlow, c.flowEngine.HandleRun).
		Handle(domain.JobResumeFlow, c.flowEngine.HandleResume).
		Handle(domain.JobSendMessage, c.handleSendMessage).
		Handle(domain.JobScanMessage, c.autopilotE.HandleScan).
		Handle(domain.JobCycleAll, c.autopilotE.HandleCycleAll).
		Handle(domain.JobCycleWorkspace, c.autopilotE.HandleCycleWorkspace).
		Handle(domain.JobFollowupContact, c.autopilotE.HandleFollowupContact).
		Handle(domain.JobScheduledFollow, c.autopilotE.HandleScheduledFollowup)
}

// sendDenials are pipeline verdicts retrying cannot change.
var sendDenials = map[string]bool{
	domain.SkipPlanLimit:          true,
	domain.SkipSubscriptionPaused: true,
	"workspace_rate_exceeded":     true,
	"recipient_rate_exceeded":     true,
}

func (c *container) handleSendMessage(ctx context.Context, job *queue.Job) error {
	payload, err := queue.Decode[domain.SendMessageJob](job)
	if err != nil {
		return err
	}
	ws, err := c.workspaces.Get(ctx, payload.WorkspaceID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", payload.WorkspaceID, err)
	}

	var res domain.SendResult
	switch {
	case payload.Template != "":
		res = c.pipeline.SendTemplate(ctx, ws, payload.To, payload.Template, "pt_BR", nil)
	case payload.MediaURL != "":
		res = c.pipeline.SendMedia(ctx, ws, payload.To, payload.MediaType, payload.MediaURL, payload.Caption)
	default:
		res = c.pipeline.SendText(ctx, ws, payload.To, payload.Message)
	}

	if res.Success {
		return nil
	}
	if sendDenials[res.Error] {
		log.Warn().
			Str("workspace_id", ws.ID).
			Str("to", payload.To).
			Str("reason", res.Error).
			Msg("send denied, not retrying")
		return nil
	}
	return fmt.Errorf("send to %s failed: %s", payload.To, res.Error)
}
