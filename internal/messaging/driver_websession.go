package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// WebSessionDriver adapts a self-hosted web-session backend where each
// workspace owns one connected phone instance. Templates are not a native
// concept there, so they degrade to plain text.
type WebSessionDriver struct {
	baseURL string
	client  *http.Client
}

func NewWebSessionDriver(baseURL string) *WebSessionDriver {
	return &WebSessionDriver{baseURL: baseURL, client: newDriverClient()}
}

func (d *WebSessionDriver) Name() string { return DriverWebSession }

type webSessionResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (d *WebSessionDriver) post(ctx context.Context, ws *domain.Workspace, path string, payload map[string]any) domain.SendResult {
	cred, ok := ws.Credential(DriverWebSession)
	if !ok || cred.InstanceID == "" {
		return domain.FailResult(DriverWebSession, "missing web session instance")
	}

	url := fmt.Sprintf("%s/instances/%s/%s", d.baseURL, cred.InstanceID, path)
	status, body, err := postJSON(ctx, d.client, url, map[string]string{"apikey": cred.Token}, payload)
	if err != nil {
		return domain.FailResult(DriverWebSession, err.Error())
	}

	var resp webSessionResponse
	_ = json.Unmarshal(body, &resp)

	if status < 200 || status >= 300 {
		if resp.Error != "" {
			return domain.FailResult(DriverWebSession, resp.Error)
		}
		return domain.FailResult(DriverWebSession, httpFailure(DriverWebSession, status, body))
	}
	return domain.OKResult(DriverWebSession, resp.ID)
}

func (d *WebSessionDriver) SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult {
	return d.post(ctx, ws, "send-text", map[string]any{"number": to, "text": message})
}

func (d *WebSessionDriver) SendMedia(ctx context.Context, ws *domain.Workspace, to, mediaType, url, caption string) domain.SendResult {
	return d.post(ctx, ws, "send-media", map[string]any{
		"number":    to,
		"mediaType": mediaType,
		"url":       url,
		"caption":   caption,
	})
}

func (d *WebSessionDriver) SendTemplate(ctx context.Context, ws *domain.Workspace, to, name, language string, components []domain.TemplateComponent) domain.SendResult {
	// No template support on web sessions; send the template name as text so
	// the message still reaches the contact.
	return d.SendText(ctx, ws, to, name)
}
