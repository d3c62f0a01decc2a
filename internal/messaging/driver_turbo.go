package messaging

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// TurboDriver adapts the alternative high-throughput gateway.
type TurboDriver struct {
	baseURL string
	client  *http.Client
}

func NewTurboDriver(baseURL string) *TurboDriver {
	return &TurboDriver{baseURL: baseURL, client: newDriverClient()}
}

func (d *TurboDriver) Name() string { return DriverTurbo }

type turboResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

func (d *TurboDriver) post(ctx context.Context, ws *domain.Workspace, payload map[string]any) domain.SendResult {
	cred, ok := ws.Credential(DriverTurbo)
	if !ok || cred.Token == "" {
		return domain.FailResult(DriverTurbo, "missing turbo credentials")
	}

	status, body, err := postJSON(ctx, d.client, d.baseURL+"/v1/messages", map[string]string{
		"Authorization": "Bearer " + cred.Token,
	}, payload)
	if err != nil {
		return domain.FailResult(DriverTurbo, err.Error())
	}

	var resp turboResponse
	_ = json.Unmarshal(body, &resp)

	if status < 200 || status >= 300 {
		if resp.Error != "" {
			return domain.FailResult(DriverTurbo, resp.Error)
		}
		return domain.FailResult(DriverTurbo, httpFailure(DriverTurbo, status, body))
	}
	return domain.OKResult(DriverTurbo, resp.MessageID)
}

func (d *TurboDriver) SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult {
	return d.post(ctx, ws, map[string]any{"to": to, "type": "text", "body": message})
}

func (d *TurboDriver) SendMedia(ctx context.Context, ws *domain.Workspace, to, mediaType, url, caption string) domain.SendResult {
	return d.post(ctx, ws, map[string]any{
		"to": to, "type": mediaType, "url": url, "caption": caption,
	})
}

func (d *TurboDriver) SendTemplate(ctx context.Context, ws *domain.Workspace, to, name, language string, components []domain.TemplateComponent) domain.SendResult {
	return d.post(ctx, ws, map[string]any{
		"to": to, "type": "template", "template": name, "language": language, "components": components,
	})
}
