package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"boundary-soar/internal/playbook"
)

// WebhookAdapter forwards actions to an HTTP integration endpoint. The
// endpoint receives {"capability", "parameters"} and answers with a Result.
type WebhookAdapter struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter(name, url string, headers map[string]string, timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAdapter{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the adapter name.
func (w *WebhookAdapter) Name() string {
	return w.name
}

type webhookRequest struct {
	Capability playbook.Capability    `json:"capability"`
	Parameters map[string]interface{} `json:"parameters"`
	SentAt     time.Time              `json:"sent_at"`
}

// Execute posts the action to the endpoint.
func (w *WebhookAdapter) Execute(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*Result, error) {
	body, err := json.Marshal(webhookRequest{
		Capability: capability,
		Parameters: params,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook %s returned status %d: %s", w.name, resp.StatusCode, string(data))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &Result{Success: true}, nil
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("webhook %s returned invalid result: %w", w.name, err)
	}
	return &result, nil
}
