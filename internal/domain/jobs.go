package domain

// Queue names. Each queue has its own worker pool and retry policy.
const (
	QueueFlows     = "flows"
	QueueSends     = "sends"
	QueueFollowups = "followups"
	QueueAutopilot = "autopilot"
	QueueCampaigns = "campaigns"
	QueueWebhooks  = "webhooks"
	QueueVoice     = "voice"
	QueueMemory    = "memory"
)

// Job names within queues.
const (
	JobRunFlow         = "run-flow"
	JobResumeFlow      = "resume-flow"
	JobSendMessage     = "send-message"
	JobScheduledFollow = "scheduled-followup"
	JobScanMessage     = "scan-message"
	JobCycleAll        = "cycle-all"
	JobCycleWorkspace  = "cycle-workspace"
	JobFollowupContact = "followup-contact"
)

type RunFlowJob struct {
	FlowID      string         `json:"flowId,omitempty"`
	Flow        *FlowGraph     `json:"flow,omitempty"`
	User        string         `json:"user"`
	WorkspaceID string         `json:"workspaceId"`
	InitialVars map[string]any `json:"initialVars,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
}

type ResumeFlowJob struct {
	User        string `json:"user"`
	Message     string `json:"message"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type SendMessageJob struct {
	WorkspaceID string `json:"workspaceId"`
	To          string `json:"to"`
	Message     string `json:"message,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	MediaType   string `json:"mediaType,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Template    string `json:"template,omitempty"`
}

type ScheduledFollowupJob struct {
	WorkspaceID  string `json:"workspaceId"`
	ContactID    string `json:"contactId"`
	Phone        string `json:"phone"`
	Message      string `json:"message"`
	ScheduledFor string `json:"scheduledFor"`
}

type ScanMessageJob struct {
	WorkspaceID    string `json:"workspaceId"`
	ContactID      string `json:"contactId"`
	Phone          string `json:"phone"`
	MessageContent string `json:"messageContent"`
}

type CycleAllJob struct{}

type CycleWorkspaceJob struct {
	WorkspaceID string `json:"workspaceId"`
}

type FollowupContactJob struct {
	WorkspaceID string `json:"workspaceId"`
	ContactID   string `json:"contactId"`
	Phone       string `json:"phone"`
	ScheduledAt string `json:"scheduledAt"`
}
