// Package errors turns internal errors into messages that are safe to
// return from the SOAR API.
package errors

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	urlPattern      = regexp.MustCompile(`https?://[^\s"']+`)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+){2,}|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Driver and credential details never reach API clients.
	internalErrorPattern = regexp.MustCompile(`(?i)(clickhouse|code: \d+, message:|redis:|kafka|s3:|operation error|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// ProductionMode enables sanitization. Development mode returns errors
// unchanged.
var ProductionMode = false

// SetProductionMode sets ProductionMode. Call once during startup.
func SetProductionMode(production bool) {
	ProductionMode = production
}

// IsProduction reports whether sanitization is enabled.
func IsProduction() bool {
	return ProductionMode
}

// SanitizeError returns err with sensitive details removed.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !ProductionMode {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString strips integration endpoints, file paths, addresses and
// backend error text from s.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	if internalErrorPattern.MatchString(s) {
		return "backend operation failed"
	}
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error"
	}

	// Keep only the host of integration URLs.
	s = urlPattern.ReplaceAllStringFunc(s, func(match string) string {
		u, err := url.Parse(match)
		if err != nil || u.Host == "" {
			return "[url]"
		}
		return "[" + u.Hostname() + "]"
	})

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})
	return s
}

// WrapSanitized wraps err with message and sanitizes the result.
func WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// userFacing lists message fragments of errors that describe the caller's
// own input and pass through unchanged.
var userFacing = []string{
	"not found",
	"already exists",
	"already resolved",
	"already running",
	"unknown approver",
	"approver level insufficient",
	"invalid playbook",
	"cyclic dependency",
	"invalid event",
	"no matching playbook",
	"invalid execution state transition",
	"too many active executions",
	"invalid request",
	"engine stopped",
}

// SafeErrorMessage returns a message for err that is safe to show API
// clients.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.Contains(lower, safe) {
			return msg
		}
	}
	return SanitizeString(msg)
}
