package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// CloudAPIDriver adapts the official cloud-API style backend. Sends to
// contacts outside the 24-hour session window are rejected upstream by the
// router before this driver is reached.
type CloudAPIDriver struct {
	baseURL string
	client  *http.Client
}

func NewCloudAPIDriver(baseURL string) *CloudAPIDriver {
	return &CloudAPIDriver{baseURL: baseURL, client: newDriverClient()}
}

func (d *CloudAPIDriver) Name() string { return DriverCloudAPI }

type cloudAPIResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (d *CloudAPIDriver) send(ctx context.Context, ws *domain.Workspace, payload map[string]any) domain.SendResult {
	cred, ok := ws.Credential(DriverCloudAPI)
	if !ok || cred.Token == "" || cred.PhoneNumberID == "" {
		return domain.FailResult(DriverCloudAPI, "missing cloud api credentials")
	}

	payload["messaging_product"] = "whatsapp"

	url := fmt.Sprintf("%s/%s/messages", d.baseURL, cred.PhoneNumberID)
	status, body, err := postJSON(ctx, d.client, url, map[string]string{
		"Authorization": "Bearer " + cred.Token,
	}, payload)
	if err != nil {
		return domain.FailResult(DriverCloudAPI, err.Error())
	}

	var resp cloudAPIResponse
	_ = json.Unmarshal(body, &resp)

	if status < 200 || status >= 300 {
		if resp.Error.Message != "" {
			return domain.FailResult(DriverCloudAPI, resp.Error.Message)
		}
		return domain.FailResult(DriverCloudAPI, httpFailure(DriverCloudAPI, status, body))
	}
	if len(resp.Messages) == 0 {
		return domain.FailResult(DriverCloudAPI, "cloud api returned no message id")
	}
	return domain.OKResult(DriverCloudAPI, resp.Messages[0].ID)
}

func (d *CloudAPIDriver) SendText(ctx context.Context, ws *domain.Workspace, to, message string) domain.SendResult {
	return d.send(ctx, ws, map[string]any{
		"to":   to,
		"type": "text",
		"text": map[string]any{"body": message},
	})
}

func (d *CloudAPIDriver) SendMedia(ctx context.Context, ws *domain.Workspace, to, mediaType, url, caption string) domain.SendResult {
	media := map[string]any{"link": url}
	if caption != "" {
		media["caption"] = caption
	}
	return d.send(ctx, ws, map[string]any{
		"to":      to,
		"type":    mediaType,
		mediaType: media,
	})
}

func (d *CloudAPIDriver) SendTemplate(ctx context.Context, ws *domain.Workspace, to, name, language string, components []domain.TemplateComponent) domain.SendResult {
	return d.send(ctx, ws, map[string]any{
		"to":   to,
		"type": "template",
		"template": map[string]any{
			"name":       name,
			"language":   map[string]any{"code": language},
			"components": components,
		},
	})
}
