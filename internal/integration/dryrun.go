package integration

import (
	"context"
	"log/slog"

	"boundary-soar/internal/logging"
	"boundary-soar/internal/playbook"
)

// DryRunAdapter logs the action and reports the effect it would have had.
// It stands in for integrations that are not configured.
type DryRunAdapter struct {
	logger *slog.Logger
}

// NewDryRunAdapter creates a dry-run adapter.
func NewDryRunAdapter(logger *slog.Logger) *DryRunAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunAdapter{logger: logger.With("adapter", "dry_run")}
}

// Execute logs the call and returns a simulated payload.
func (d *DryRunAdapter) Execute(ctx context.Context, capability playbook.Capability, params map[string]interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.logger.Info("dry-run action",
		"capability", capability,
		"parameters", logging.RedactParameters(params),
	)

	payload := map[string]interface{}{
		"dry_run":    true,
		"capability": string(capability),
	}
	switch capability {
	case playbook.CapabilityContain:
		payload["isolated"] = true
	case playbook.CapabilityQuarantine:
		payload["quarantined"] = true
	case playbook.CapabilityBlock:
		payload["blocked"] = true
	case playbook.CapabilityEradicate:
		payload["removed"] = true
	case playbook.CapabilityRecover:
		payload["restored"] = true
	case playbook.CapabilityNotify:
		payload["delivered"] = true
	}
	for _, key := range []string{"target", "indicator", "channel"} {
		if v, ok := params[key]; ok {
			payload[key] = v
		}
	}
	return &Result{Success: true, Payload: payload}, nil
}
