// Package api provides the HTTP client the console uses to talk to the
// SOAR service.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client handles API communication with the SOAR backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Progress mirrors an execution's progress counters.
type Progress struct {
	TotalActions     int `json:"total_actions"`
	CompletedActions int `json:"completed_actions"`
	FailedActions    int `json:"failed_actions"`
	PendingApprovals int `json:"pending_approvals"`
}

// Execution is the subset of an execution the console shows.
type Execution struct {
	ID           string    `json:"execution_id"`
	PlaybookID   string    `json:"playbook_id"`
	PlaybookName string    `json:"playbook_name"`
	Status       string    `json:"status"`
	Error        string    `json:"error"`
	CreatedAt    time.Time `json:"created_at"`
	Progress     Progress  `json:"progress"`
}

// Approval is a pending or resolved approval request.
type Approval struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	PlaybookID    string    `json:"playbook_id"`
	ActionID      string    `json:"action_id"`
	Capability    string    `json:"capability"`
	RequiredLevel string    `json:"required_level"`
	Summary       string    `json:"summary"`
	Status        string    `json:"status"`
	RequestedAt   time.Time `json:"requested_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Playbook is the subset of a playbook the console shows.
type Playbook struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Priority    int      `json:"priority"`
	AutoExecute bool     `json:"auto_execute"`
	Tags        []string `json:"tags"`
	Actions     []struct {
		ID string `json:"id"`
	} `json:"actions"`
}

// Stats is the engine summary served by /stats.
type Stats struct {
	Executions       map[string]int `json:"executions"`
	TotalExecutions  int            `json:"total_executions"`
	ActiveExecutions int            `json:"active_executions"`
	PendingApprovals int            `json:"pending_approvals"`
	Playbooks        int            `json:"playbooks"`
	Capabilities     []string       `json:"capabilities"`
	FailurePolicy    string         `json:"failure_policy"`
}

// APIError is an error reply from the service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetStats fetches the engine summary.
func (c *Client) GetStats() (*Stats, error) {
	var s Stats
	if err := c.do(http.MethodGet, "/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListExecutions fetches the most recent executions, optionally filtered by
// status.
func (c *Client) ListExecutions(status string, limit int) ([]Execution, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Executions []Execution `json:"executions"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// ListApprovals fetches approval requests with the given status.
func (c *Client) ListApprovals(status string) ([]Approval, error) {
	path := "/approvals"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Approvals []Approval `json:"approvals"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// Resolve records a decision on an approval request and returns its final
// status.
func (c *Client) Resolve(requestID, approver string, approved bool, notes string) (string, error) {
	body := map[string]interface{}{
		"approver": approver,
		"approved": approved,
		"notes":    notes,
	}
	var resp struct {
		Result string `json:"result"`
	}
	if err := c.do(http.MethodPost, "/approvals/"+url.PathEscape(requestID), body, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// ListPlaybooks fetches the registered playbooks.
func (c *Client) ListPlaybooks() ([]Playbook, error) {
	var resp struct {
		Playbooks []Playbook `json:"playbooks"`
	}
	if err := c.do(http.MethodGet, "/playbooks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Playbooks, nil
}
