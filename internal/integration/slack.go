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

// SlackAdapter delivers notify actions to a Slack incoming webhook.
type SlackAdapter struct {
	webhookURL     string
	defaultChannel string
	username       string
	client         *http.Client
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(webhookURL, defaultChannel, username string) *SlackAdapter {
	if username == "" {
		username = "boundary-soar"
	}
	return &SlackAdapter{
		webhookURL:     webhookURL,
		defaultChannel: defaultChannel,
		username:       username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Execute posts the notification.
func (s *SlackAdapter) Execute(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*Result, error) {
	if capability != playbook.CapabilityNotify {
		return nil, fmt.Errorf("slack adapter cannot perform %s", capability)
	}

	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = s.defaultChannel
	}
	message, _ := params["message"].(string)
	if message == "" {
		message = "Security playbook notification"
	}

	payload := map[string]interface{}{
		"channel":  channel,
		"username": s.username,
		"attachments": []map[string]interface{}{
			{
				"color":  "#FFA500",
				"title":  "Playbook notification",
				"text":   message,
				"fields": s.buildFields(params),
				"ts":     time.Now().Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(body))
	}

	return &Result{
		Success: true,
		Payload: map[string]interface{}{"delivered": true, "channel": channel},
	}, nil
}

func (s *SlackAdapter) buildFields(params map[string]interface{}) []map[string]interface{} {
	var fields []map[string]interface{}
	if recipients, ok := params["recipients"]; ok {
		fields = append(fields, map[string]interface{}{
			"title": "Recipients",
			"value": fmt.Sprint(recipients),
			"short": false,
		})
	}
	if severity, ok := params["severity"]; ok {
		fields = append(fields, map[string]interface{}{
			"title": "Severity",
			"value": fmt.Sprint(severity),
			"short": true,
		})
	}
	return fields
}
