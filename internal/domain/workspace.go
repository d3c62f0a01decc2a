package domain

import "context"

type Plan string

const (
	PlanFree       Plan = "FREE"
	PlanStarter    Plan = "STARTER"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

// SendsPerMinute is the workspace-wide plan ceiling enforced by the rate
// limiter's fixed 60-second windows.
func (p Plan) SendsPerMinute() int {
	switch p {
	case PlanStarter:
		return 60
	case PlanPro:
		return 600
	case PlanEnterprise:
		return 3000
	default:
		return 5
	}
}

func (p Plan) MonthlyMessageQuota() int {
	switch p {
	case PlanStarter:
		return 5000
	case PlanPro:
		return 50000
	case PlanEnterprise:
		return 500000
	default:
		return 200
	}
}

func (p Plan) FlowRunsPerMinute() int {
	switch p {
	case PlanStarter:
		return 30
	case PlanPro:
		return 120
	case PlanEnterprise:
		return 600
	default:
		return 5
	}
}

// RoutingMode selects how the provider router picks a driver for a workspace.
type RoutingMode string

const (
	RoutingExplicit RoutingMode = "explicit"
	RoutingHybrid   RoutingMode = "hybrid"
	RoutingAuto     RoutingMode = "auto"
)

// Workspace carries the per-tenant configuration the core needs. The full
// tenant record lives with the CRM collaborator; this is the slice the send
// pipeline and autopilot read.
type Workspace struct {
	ID   string `json:"id"`
	Plan Plan   `json:"plan"`

	RoutingMode      RoutingMode `json:"routingMode"`
	PrimaryProvider  string      `json:"primaryProvider,omitempty"`
	FallbackProvider string      `json:"fallbackProvider,omitempty"`

	// Anti-abuse tuning. Zero values fall back to guard defaults.
	MinSendDelayMs int `json:"minSendDelayMs,omitempty"`
	MaxSendDelayMs int `json:"maxSendDelayMs,omitempty"`

	EnforceOptIn         bool `json:"enforceOptIn"`
	EnforceSessionWindow bool `json:"enforceSessionWindow"`

	AIKey   string `json:"aiKey,omitempty"`
	AIModel string `json:"aiModel,omitempty"`

	// Providers holds per-driver credentials, keyed by driver name.
	Providers map[string]ProviderCredential `json:"providers,omitempty"`
}

// ProviderCredential is what a driver needs to send on behalf of one
// workspace.
type ProviderCredential struct {
	Token         string `json:"token,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	InstanceID    string `json:"instanceId,omitempty"`
}

func (w *Workspace) Credential(driver string) (ProviderCredential, bool) {
	c, ok := w.Providers[driver]
	return c, ok
}

type Workspaces interface {
	Get(ctx context.Context, id string) (*Workspace, error)
	// ListIDs feeds the autopilot's hourly cycle over all tenants.
	ListIDs(ctx context.Context) ([]string, error)
}
