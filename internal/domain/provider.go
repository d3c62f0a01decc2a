package domain

import "context"

// SendResult is the uniform driver result. Ordinary delivery failures come
// back as Error text, never as a Go error; drivers only return errors for
// programmer or configuration mistakes.
type SendResult struct {
	Success   bool   `json:"success,omitempty"`
	MessageID string `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

func OKResult(provider, messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID, Provider: provider}
}

func FailResult(provider, errText string) SendResult {
	return SendResult{Error: errText, Provider: provider}
}

// TemplateComponent mirrors the template-message component arrays of
// cloud-API style providers.
type TemplateComponent struct {
	Type       string         `json:"type"`
	Parameters []map[string]any `json:"parameters,omitempty"`
}

// Driver is the uniform contract every messaging backend adapter implements.
type Driver interface {
	Name() string
	SendText(ctx context.Context, ws *Workspace, to, message string) SendResult
	SendMedia(ctx context.Context, ws *Workspace, to, mediaType, url, caption string) SendResult
	SendTemplate(ctx context.Context, ws *Workspace, to, name, language string, components []TemplateComponent) SendResult
}

// InstanceStatus is the connectivity state of one workspace's sending
// instance on a self-hosted provider.
type InstanceStatus string

const (
	InstanceConnected    InstanceStatus = "CONNECTED"
	InstanceDisconnected InstanceStatus = "DISCONNECTED"
	InstanceBanned       InstanceStatus = "BANNED"
	InstanceQRCode       InstanceStatus = "QRCODE"
	InstanceUnknown      InstanceStatus = "UNKNOWN"
)
