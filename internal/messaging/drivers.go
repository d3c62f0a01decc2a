package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Driver names as stored in workspace routing configuration.
const (
	DriverCloudAPI   = "cloudapi"
	DriverWebSession = "websession"
	DriverTurbo      = "turbo"
)

const driverTimeout = 30 * time.Second

func newDriverClient() *http.Client {
	return &http.Client{Timeout: driverTimeout}
}

// postJSON issues the request and returns status plus body. Transport-level
// failures come back as errors; callers convert them into SendResult.Error.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func httpFailure(provider string, status int, body []byte) string {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("%s http %d: %s", provider, status, msg)
}
