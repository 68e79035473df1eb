package soar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T) (*Engine, *http.ServeMux) {
	t.Helper()
	reg := prometheus.NewRegistry()
	eng, _ := newTestEngine(t, engineOptions{metrics: NewMetrics(reg)})
	mustRegister(t, eng, scenarioPlaybook())

	mux := http.NewServeMux()
	NewHandler(eng, reg, testLogger()).RegisterRoutes(mux)
	return eng, mux
}

func doRequest(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHandlerTriggerAndApprove(t *testing.T) {
	eng, mux := newTestServer(t)

	rr := doRequest(t, mux, http.MethodPost, "/playbooks/trigger",
		`{"event":{"event_type":"malware_detected","severity":"high"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d, body %s", rr.Code, rr.Body.String())
	}
	var trig TriggerResponse
	decodeBody(t, rr, &trig)
	if trig.ExecutionID == "" || trig.PlaybookID != "scenario" {
		t.Fatalf("trigger response = %+v", trig)
	}

	paused := waitForStatus(t, eng, trig.ExecutionID, StatusPaused)
	reqID := paused.PendingApprovals[0].ID

	rr = doRequest(t, mux, http.MethodGet, "/executions/"+trig.ExecutionID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get execution status = %d", rr.Code)
	}
	var view struct {
		ExecutionID string                   `json:"execution_id"`
		PlaybookID  string                   `json:"playbook_id"`
		Status      Status                   `json:"status"`
		Progress    Progress                 `json:"progress"`
		Executed    []map[string]interface{} `json:"executed_actions"`
		Queue       []map[string]interface{} `json:"approval_queue"`
	}
	decodeBody(t, rr, &view)
	if view.ExecutionID != trig.ExecutionID || view.Status != StatusPaused {
		t.Errorf("view = %+v", view)
	}
	if view.Progress.PendingApprovals != 1 || view.Progress.TotalActions != 3 {
		t.Errorf("progress = %+v", view.Progress)
	}
	if len(view.Executed) != 2 || len(view.Queue) != 1 {
		t.Errorf("executed=%d queue=%d", len(view.Executed), len(view.Queue))
	}

	rr = doRequest(t, mux, http.MethodGet, "/approvals?status=pending", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), reqID) {
		t.Errorf("pending approvals = %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, mux, http.MethodPost, "/approvals/"+reqID, `{"approver":"alice","approved":true,"notes":"ok"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", rr.Code, rr.Body.String())
	}
	var ack ApprovalDecisionResponse
	decodeBody(t, rr, &ack)
	if ack.Status != "processed" || !ack.Approved {
		t.Errorf("ack = %+v", ack)
	}

	waitForStatus(t, eng, trig.ExecutionID, StatusCompleted)

	rr = doRequest(t, mux, http.MethodPost, "/approvals/"+reqID, `{"approver":"alice","approved":false}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("second decision status = %d, want 409", rr.Code)
	}
}

func TestHandlerErrors(t *testing.T) {
	eng, mux := newTestServer(t)

	exec := mustTrigger(t, eng, matchingEvent(), "")
	paused := waitForStatus(t, eng, exec.ID, StatusPaused)
	reqID := paused.PendingApprovals[0].ID

	manager := newPlaybook("manager-only", act("Z", "manager"))
	manager.Conditions = nil
	mustRegister(t, eng, manager)
	forced := mustTrigger(t, eng, matchingEvent(), "manager-only")
	managerReq := waitForStatus(t, eng, forced.ID, StatusPaused).PendingApprovals[0].ID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"no match", "POST", "/playbooks/trigger", `{"event":{"event_type":"dns_query"}}`, 404, "NO_MATCH"},
		{"unknown forced playbook", "POST", "/playbooks/trigger", `{"event":{"event_type":"x"},"playbook_id":"nope"}`, 404, "NOT_FOUND"},
		{"missing event type", "POST", "/playbooks/trigger", `{"event":{"severity":"high"}}`, 400, "INVALID_EVENT"},
		{"missing event", "POST", "/playbooks/trigger", `{}`, 400, "INVALID_REQUEST"},
		{"bad json", "POST", "/playbooks/trigger", `{`, 400, "INVALID_REQUEST"},
		{"unknown execution", "GET", "/executions/nope", "", 404, "NOT_FOUND"},
		{"unknown approval", "POST", "/approvals/nope", `{"approver":"alice","approved":true}`, 404, "NOT_FOUND"},
		{"unknown approver", "POST", "/approvals/" + reqID, `{"approver":"mallory","approved":true}`, 400, "UNKNOWN_APPROVER"},
		{"insufficient level", "POST", "/approvals/" + managerReq, `{"approver":"alice","approved":true}`, 403, "INSUFFICIENT_LEVEL"},
		{"decision without approved", "POST", "/approvals/" + reqID, `{"approver":"alice"}`, 400, "INVALID_REQUEST"},
		{"start running execution", "POST", "/executions/" + exec.ID + "/start", "", 409, "INVALID_STATE"},
		{"bad limit", "GET", "/executions?limit=zero", "", 400, "INVALID_REQUEST"},
		{"bad approval status", "GET", "/approvals?status=maybe", "", 400, "INVALID_REQUEST"},
		{"unknown playbook", "GET", "/playbooks/nope", "", 404, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, mux, tt.method, tt.path, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.status, rr.Body.String())
			}
			var er ErrorResponse
			decodeBody(t, rr, &er)
			if er.Code != tt.code || er.Error == "" {
				t.Errorf("error body = %+v, want code %s", er, tt.code)
			}
		})
	}
}

func TestHandlerRegisterPlaybook(t *testing.T) {
	_, mux := newTestServer(t)

	valid := `{"id":"phish","name":"Phishing","priority":40,"auto_execute":true,
		"conditions":[{"event_type":"phishing_reported"}],
		"actions":[{"id":"analyze","capability":"analyze"},
		           {"id":"block","capability":"block","parameters":{"indicator":"{{event.sender}}"},"depends_on":["analyze"]}]}`
	rr := doRequest(t, mux, http.MethodPost, "/playbooks", valid)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rr.Code, rr.Body.String())
	}

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"duplicate id", valid, 409, "DUPLICATE_PLAYBOOK"},
		{"cycle", `{"id":"loop","name":"Loop","actions":[
			{"id":"a","capability":"analyze","depends_on":["b"]},
			{"id":"b","capability":"analyze","depends_on":["a"]}]}`, 400, "CYCLIC_DEPENDENCY"},
		{"unknown dependency", `{"id":"dangling","name":"Dangling","actions":[
			{"id":"a","capability":"analyze","depends_on":["ghost"]}]}`, 400, "INVALID_PLAYBOOK"},
		{"missing parameter", `{"id":"noparam","name":"No param","actions":[
			{"id":"a","capability":"contain"}]}`, 400, "INVALID_PLAYBOOK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, mux, http.MethodPost, "/playbooks", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.status, rr.Body.String())
			}
			var er ErrorResponse
			decodeBody(t, rr, &er)
			if er.Code != tt.code {
				t.Errorf("code = %s, want %s", er.Code, tt.code)
			}
		})
	}

	rr = doRequest(t, mux, http.MethodGet, "/playbooks/phish", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"phishing_reported"`) {
		t.Errorf("get playbook = %d %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, mux, http.MethodGet, "/playbooks?tag=block", "")
	if !strings.Contains(rr.Body.String(), `"phish"`) || strings.Contains(rr.Body.String(), `"scenario"`) {
		t.Errorf("tag filter = %s", rr.Body.String())
	}
}

func TestHandlerOperationalEndpoints(t *testing.T) {
	eng, mux := newTestServer(t)
	exec := mustTrigger(t, eng, matchingEvent(), "")
	waitForStatus(t, eng, exec.ID, StatusPaused)

	rr := doRequest(t, mux, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "healthy") {
		t.Errorf("health = %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, mux, http.MethodGet, "/stats", "")
	var stats Stats
	decodeBody(t, rr, &stats)
	if stats.ActiveExecutions != 1 || stats.PendingApprovals != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rr = doRequest(t, mux, http.MethodGet, "/executions?status=paused&limit=5", "")
	if !strings.Contains(rr.Body.String(), exec.ID) {
		t.Errorf("list executions = %s", rr.Body.String())
	}

	rr = doRequest(t, mux, http.MethodPost, "/executions/"+exec.ID+"/cancel", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"cancelled"`) {
		t.Errorf("cancel = %d %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, mux, http.MethodGet, "/metrics", "")
	body := rr.Body.String()
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	for _, name := range []string{"soar_active_executions", "soar_executions_total", "soar_approvals_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

type historySource map[string]*Execution

func (s historySource) Fetch(_ context.Context, id string) (*Execution, error) {
	if e, ok := s[id]; ok {
		return e, nil
	}
	return nil, errors.New("not archived")
}

func TestHandlerGetExecutionFallsBackToHistory(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng, _ := newTestEngine(t, engineOptions{metrics: NewMetrics(reg)})
	archived := &Execution{ID: "old-1", PlaybookID: "scenario", Status: StatusCompleted, TotalActions: 3}

	mux := http.NewServeMux()
	NewHandler(eng, reg, testLogger()).
		WithHistory(historySource{}, historySource{"old-1": archived}).
		RegisterRoutes(mux)

	rr := doRequest(t, mux, http.MethodGet, "/executions/old-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var view struct {
		ExecutionID string `json:"execution_id"`
		Status      Status `json:"status"`
	}
	decodeBody(t, rr, &view)
	if view.ExecutionID != "old-1" || view.Status != StatusCompleted {
		t.Errorf("view = %+v", view)
	}

	if rr := doRequest(t, mux, http.MethodGet, "/executions/never", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rr.Code)
	}
}
