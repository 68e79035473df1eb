// Package logging builds the service logger and redacts sensitive values
// (credentials in action parameters, approval notes, adapter headers).
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains parameter and header names whose values are
// never logged.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"cookie":        true,
	"x-api-key":     true,
	"bot_token":     true,
	"webhook_url":   true,
	"session_id":    true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field name names a secret.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// MaskAPIKey masks a key, keeping its first and last four characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// SensitivePatterns match secrets embedded in free text.
var SensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
	regexp.MustCompile(`https://hooks\.slack\.com/services/[A-Za-z0-9/]+`),
}

// MaskSensitivePatterns masks secrets found in a free-text string.
func MaskSensitivePatterns(s string) string {
	for _, pattern := range SensitivePatterns {
		s = pattern.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// SafeLogValue returns a loggable version of a value based on its field name.
func SafeLogValue(fieldName string, value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if !IsSensitiveField(fieldName) {
		if s, ok := value.(string); ok {
			return MaskSensitivePatterns(s)
		}
		return value
	}

	if v, ok := value.([]string); ok {
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	}
	return MaskedValue
}

// RedactParameters returns a copy of params safe to attach to a log record.
// Nested maps are redacted recursively.
func RedactParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if nested, ok := v.(map[string]interface{}); ok && !IsSensitiveField(k) {
			out[k] = RedactParameters(nested)
			continue
		}
		out[k] = SafeLogValue(k, v)
	}
	return out
}
