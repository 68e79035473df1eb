package playbook

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPlaybookNotFound is returned when a playbook id is not registered.
	ErrPlaybookNotFound = errors.New("playbook not found")
	// ErrPlaybookExists is returned when registering an id that is taken.
	ErrPlaybookExists = errors.New("playbook already registered")
	// ErrInvalidPlaybook wraps structural validation failures.
	ErrInvalidPlaybook = errors.New("invalid playbook")
)

// CyclicDependencyError reports a dependency cycle among a playbook's actions.
type CyclicDependencyError struct {
	PlaybookID string
	Cycle      []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("playbook %s: cyclic dependency: %s", e.PlaybookID, strings.Join(e.Cycle, " -> "))
}

// ValidationError describes why a playbook was rejected at registration.
type ValidationError struct {
	PlaybookID string
	ActionID   string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("playbook %s: action %s: %s", e.PlaybookID, e.ActionID, e.Reason)
	}
	return fmt.Sprintf("playbook %s: %s", e.PlaybookID, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPlaybook
}

// IsCyclicDependency reports whether err is a CyclicDependencyError.
func IsCyclicDependency(err error) bool {
	var ce *CyclicDependencyError
	return errors.As(err, &ce)
}

// IsValidation reports whether err rejected a playbook definition.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPlaybook) || IsCyclicDependency(err)
}

func isExists(err error) bool {
	return errors.Is(err, ErrPlaybookExists)
}
