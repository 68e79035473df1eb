package integration

import (
	"errors"
	"fmt"
	"time"

	"boundary-soar/internal/playbook"
)

// ErrNoResult is returned when an adapter reports neither a result nor an error.
var ErrNoResult = errors.New("adapter returned no result")

// NoAdapterError reports a capability without a registered integration.
// It is never retried.
type NoAdapterError struct {
	Capability playbook.Capability
}

func (e *NoAdapterError) Error() string {
	return fmt.Sprintf("no adapter for capability %q", e.Capability)
}

// TimeoutError reports an action that exhausted its timeout budget.
type TimeoutError struct {
	ActionID string
	Timeout  time.Duration
	Attempt  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action %s timed out after %s (attempt %d)", e.ActionID, e.Timeout, e.Attempt)
}

// CriteriaNotMetError reports a nominally successful result that failed
// success criteria verification.
type CriteriaNotMetError struct {
	ActionID  string
	Criterion string
	Expected  interface{}
	Actual    interface{}
	Missing   bool
}

func (e *CriteriaNotMetError) Error() string {
	if e.Missing {
		return fmt.Sprintf("action %s: success criterion %s=%v not met: field missing from result", e.ActionID, e.Criterion, e.Expected)
	}
	return fmt.Sprintf("action %s: success criterion %s=%v not met: got %v", e.ActionID, e.Criterion, e.Expected, e.Actual)
}

// AdapterError is a failure reported by the integration itself.
type AdapterError struct {
	Capability playbook.Capability
	Message    string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s adapter failed: %s", e.Capability, e.Message)
}

// IsNoAdapter reports whether err is a NoAdapterError.
func IsNoAdapter(err error) bool {
	var e *NoAdapterError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsCriteriaNotMet reports whether err is a CriteriaNotMetError.
func IsCriteriaNotMet(err error) bool {
	var e *CriteriaNotMetError
	return errors.As(err, &e)
}
