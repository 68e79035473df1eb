package errors

import (
	"errors"
	"strings"
	"testing"
)

func withProduction(t *testing.T, on bool) {
	t.Helper()
	original := ProductionMode
	ProductionMode = on
	t.Cleanup(func() { ProductionMode = original })
}

func TestSanitizeString_Production(t *testing.T) {
	withProduction(t, true)

	tests := []struct {
		name        string
		input       string
		contains    string
		notContains string
	}{
		{
			name:        "webhook url reduced to host",
			input:       "post to https://edr.example.com/api/v2/isolate failed",
			contains:    "[edr.example.com]",
			notContains: "isolate",
		},
		{
			name:        "file path reduced to base name",
			input:       "read /etc/boundary-soar/playbooks/malware.yaml: permission denied",
			contains:    "malware.yaml",
			notContains: "/etc/boundary-soar",
		},
		{
			name:        "ip masked",
			input:       "adapter dial 10.20.30.40:443 refused",
			contains:    "10.20.x.x",
			notContains: "10.20.30.40",
		},
		{
			name:        "clickhouse error hidden",
			input:       "code: 60, message: Table soar.executions doesn't exist",
			contains:    "backend operation failed",
			notContains: "soar.executions",
		},
		{
			name:        "credential hidden",
			input:       "auth failed with api_key=sk-123",
			contains:    "backend operation failed",
			notContains: "sk-123",
		},
		{
			name:     "stack trace hidden",
			input:    "panic\ngoroutine 1 [running]:\nmain.main()",
			contains: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeString(tt.input)
			if tt.contains != "" && !strings.Contains(got, tt.contains) {
				t.Errorf("SanitizeString(%q) = %q, want it to contain %q", tt.input, got, tt.contains)
			}
			if tt.notContains != "" && strings.Contains(got, tt.notContains) {
				t.Errorf("SanitizeString(%q) = %q, must not contain %q", tt.input, got, tt.notContains)
			}
		})
	}
}

func TestSanitizeError_Development(t *testing.T) {
	withProduction(t, false)

	in := errors.New("post to https://edr.example.com/api/isolate failed")
	if got := SanitizeError(in); got.Error() != in.Error() {
		t.Errorf("development mode changed error: %q", got)
	}
	if SanitizeError(nil) != nil {
		t.Error("SanitizeError(nil) should be nil")
	}
}

func TestWrapSanitized(t *testing.T) {
	withProduction(t, true)

	err := WrapSanitized(errors.New("dial 192.168.1.7:9000"), "archive report")
	if !strings.Contains(err.Error(), "archive report") {
		t.Errorf("missing context: %q", err)
	}
	if strings.Contains(err.Error(), "192.168.1.7") {
		t.Errorf("address leaked: %q", err)
	}
	if WrapSanitized(nil, "x") != nil {
		t.Error("WrapSanitized(nil) should be nil")
	}
}

func TestSafeErrorMessage(t *testing.T) {
	withProduction(t, true)

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("execution not found: abc"), "execution not found: abc"},
		{errors.New("approval request already resolved: r1 is approved"), "approval request already resolved: r1 is approved"},
		{errors.New("approver level insufficient: bob holds analyst, manager required"), "approver level insufficient: bob holds analyst, manager required"},
		{errors.New("redis: connection pool timeout"), "backend operation failed"},
	}
	for _, tt := range tests {
		if got := SafeErrorMessage(tt.err); got != tt.want {
			t.Errorf("SafeErrorMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
