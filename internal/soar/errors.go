package soar

import (
	"errors"
	"fmt"
	"strings"

	"boundary-soar/internal/approval"
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionExists    = errors.New("execution already exists")
	ErrNoMatchingPlaybook = errors.New("no matching playbook")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrInvalidTransition  = errors.New("invalid execution state transition")
	ErrCapacityExceeded   = errors.New("too many active executions")
	ErrEngineStopped      = errors.New("engine stopped")
)

// DeadlockError reports an execution that cannot make further progress
// while some actions remain unresolved.
type DeadlockError struct {
	ExecutionID string
	Blocked     []string
	Failed      []string
}

func (e *DeadlockError) Error() string {
	msg := fmt.Sprintf("deadlock: execution %s cannot progress; blocked actions: %s",
		e.ExecutionID, strings.Join(e.Blocked, ", "))
	if len(e.Failed) > 0 {
		msg += fmt.Sprintf(" (failed dependencies: %s)", strings.Join(e.Failed, ", "))
	}
	return msg
}

// ApprovalDeniedError marks an action whose approval was refused. It is
// terminal for that action only.
type ApprovalDeniedError struct {
	ActionID  string
	RequestID string
	Status    approval.Status
	Approver  string
}

func (e *ApprovalDeniedError) Error() string {
	switch e.Status {
	case approval.StatusExpired:
		return "denied: approval expired"
	case approval.StatusCancelled:
		return "denied: execution cancelled"
	}
	if e.Approver != "" {
		return fmt.Sprintf("denied by %s", e.Approver)
	}
	return "denied"
}

// FailedActionsError reports failed actions under the strict failure policy.
type FailedActionsError struct {
	Actions []string
}

func (e *FailedActionsError) Error() string {
	return fmt.Sprintf("%d action(s) failed: %s", len(e.Actions), strings.Join(e.Actions, ", "))
}

// IsDeadlock reports whether err is a DeadlockError.
func IsDeadlock(err error) bool {
	var e *DeadlockError
	return errors.As(err, &e)
}

// IsApprovalDenied reports whether err is an ApprovalDeniedError.
func IsApprovalDenied(err error) bool {
	var e *ApprovalDeniedError
	return errors.As(err, &e)
}
