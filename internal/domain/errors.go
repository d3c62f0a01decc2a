package domain

import "errors"

var (
	ErrFlowNotFound       = errors.New("flow not found")
	ErrWorkspaceNotFound  = errors.New("workspace not found")
	ErrContactNotFound    = errors.New("contact not found")
	ErrNodeNotFound       = errors.New("node not found in flow graph")
	ErrExecutionNotFound  = errors.New("execution state not found")
	ErrAllProvidersFailed = errors.New("all_providers_failed")
	ErrSessionExpired     = errors.New("session_expired")
	ErrStepBudgetExceeded = errors.New("step budget exceeded for single invocation")
	ErrNoProviderConfig   = errors.New("workspace has no provider configured")
	ErrBlockedURL         = errors.New("url blocked by ssrf protection")
)
