// Package soar runs security playbooks: it turns a triggering event into an
// execution and drives that execution's action graph to a terminal state,
// interleaving automatic dispatch with human approvals.
package soar

import (
	"time"

	"boundary-soar/internal/approval"
	"boundary-soar/internal/playbook"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActionOutcome is the state of one executed-log entry.
type ActionOutcome string

const (
	OutcomeRunning   ActionOutcome = "running"
	OutcomeSucceeded ActionOutcome = "succeeded"
	OutcomeFailed    ActionOutcome = "failed"
)

// ActionRecord is one executed-log entry. Retries update the same entry.
type ActionRecord struct {
	ActionID          string                 `json:"action_id"`
	Capability        playbook.Capability    `json:"capability"`
	Attempts          int                    `json:"attempt_count"`
	Outcome           ActionOutcome          `json:"outcome"`
	Result            map[string]interface{} `json:"result,omitempty"`
	Error             string                 `json:"error,omitempty"`
	ApprovalRequestID string                 `json:"approval_request_id,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
	CompletedAt       time.Time              `json:"completed_at,omitempty"`
}

// Terminal reports whether the action has a final result.
func (r *ActionRecord) Terminal() bool {
	return r.Outcome != OutcomeRunning
}

// Progress summarizes how far an execution has come.
type Progress struct {
	TotalActions     int `json:"total_actions"`
	CompletedActions int `json:"completed_actions"`
	FailedActions    int `json:"failed_actions"`
	PendingApprovals int `json:"pending_approvals"`
}

// Execution is one run of a playbook for a triggering event.
type Execution struct {
	ID               string                 `json:"execution_id"`
	PlaybookID       string                 `json:"playbook_id"`
	PlaybookName     string                 `json:"playbook_name,omitempty"`
	Event            playbook.Event         `json:"event"`
	Status           Status                 `json:"status"`
	Error            string                 `json:"error,omitempty"`
	TotalActions     int                    `json:"total_actions"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        time.Time              `json:"started_at,omitempty"`
	CompletedAt      time.Time              `json:"completed_at,omitempty"`
	Executed         []ActionRecord         `json:"executed_actions"`
	PendingApprovals []approval.Request     `json:"approval_queue"`
	Variables        map[string]interface{} `json:"variables,omitempty"`
}

// Progress computes the execution's progress counters.
func (e *Execution) Progress() Progress {
	p := Progress{
		TotalActions:     e.TotalActions,
		PendingApprovals: len(e.PendingApprovals),
	}
	for _, r := range e.Executed {
		switch r.Outcome {
		case OutcomeSucceeded:
			p.CompletedActions++
		case OutcomeFailed:
			p.FailedActions++
		}
	}
	return p
}

// Record returns the executed-log entry for an action.
func (e *Execution) Record(actionID string) (*ActionRecord, bool) {
	for i := range e.Executed {
		if e.Executed[i].ActionID == actionID {
			return &e.Executed[i], true
		}
	}
	return nil, false
}

// Duration returns the run time so far, or the total run time once terminal.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	if e.CompletedAt.IsZero() {
		return time.Since(e.StartedAt)
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Event = playbook.Event(cloneMap(e.Event))
	cp.Variables = cloneMap(e.Variables)
	cp.Executed = make([]ActionRecord, len(e.Executed))
	for i, r := range e.Executed {
		r.Result = cloneMap(r.Result)
		cp.Executed[i] = r
	}
	cp.PendingApprovals = append([]approval.Request(nil), e.PendingApprovals...)
	return &cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(val)
		case playbook.Event:
			out[k] = cloneMap(val)
		case []interface{}:
			out[k] = append([]interface{}(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}
