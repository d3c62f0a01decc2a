package domain

import (
	"context"
	"time"
)

// Intent is the classifier's vocabulary for an inbound message.
type Intent string

const (
	IntentPrice     Intent = "price"
	IntentSchedule  Intent = "schedule"
	IntentComplaint Intent = "complaint"
	IntentChurn     Intent = "churn"
	IntentGreeting  Intent = "greeting"
	IntentGeneric   Intent = "generic"
	IntentBuying    Intent = "buying_signal"
)

// AutopilotAction is the closed set of actions the engine may execute.
type AutopilotAction string

const (
	ActionSendOffer    AutopilotAction = "send_offer"
	ActionSendSchedule AutopilotAction = "send_schedule"
	ActionDeescalate   AutopilotAction = "deescalate"
	ActionWinback      AutopilotAction = "winback"
	ActionGreet        AutopilotAction = "greet"
	ActionReply        AutopilotAction = "reply"
	ActionGhostCloser  AutopilotAction = "ghost_closer"
	ActionLeadUnlocker AutopilotAction = "lead_unlocker"
	ActionNone         AutopilotAction = "none"
)

type DecisionStatus string

const (
	DecisionExecuted DecisionStatus = "executed"
	DecisionError    DecisionStatus = "error"
	DecisionSkipped  DecisionStatus = "skipped"
)

// Skip reason codes. These are compliance outcomes, not errors, and are
// never retried.
const (
	SkipOptInRequired      = "optin_required"
	SkipSessionExpired     = "session_expired"
	SkipDailyCapContact    = "daily_cap_contact"
	SkipDailyCapWorkspace  = "daily_cap_workspace"
	SkipOutsideSendWindow  = "outside_send_window"
	SkipPlanLimit          = "plan_limit"
	SkipSubscriptionPaused = "subscription_inactive"
	SkipNoAction           = "no_action"
)

// AutopilotDecision is the audit entry for one decision attempt, written
// regardless of whether the send succeeded.
type AutopilotDecision struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	ContactID   string          `json:"contactId"`
	Phone       string          `json:"phone"`
	Intent      Intent          `json:"intent"`
	Action      AutopilotAction `json:"action"`
	Reason      string          `json:"reason"`
	Confidence  float64         `json:"confidence"`
	Status      DecisionStatus  `json:"status"`
	SkipReason  string          `json:"skipReason,omitempty"`
	Message     string          `json:"message,omitempty"`

	LatencyMs   int64     `json:"latencyMs"`
	UsedHistory bool      `json:"usedHistory"`
	UsedKB      bool      `json:"usedKb"`
	UsedAgent   bool      `json:"usedAgent"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AuditSink receives every decision for durable audit storage.
type AuditSink interface {
	RecordDecision(ctx context.Context, d *AutopilotDecision) error
}
