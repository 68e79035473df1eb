package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds how long audit rows are kept.
type RetentionConfig struct {
	ExecutionsTTL time.Duration `yaml:"executions_ttl"`
	ActionLogTTL  time.Duration `yaml:"action_log_ttl"`
}

// DefaultRetentionConfig keeps a year of execution history.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ExecutionsTTL: 365 * 24 * time.Hour,
		ActionLogTTL:  180 * 24 * time.Hour,
	}
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

// RetentionManager applies TTL policies to the audit tables.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(client *ClickHouseClient, cfg RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, config: cfg, logger: logger.With("component", "retention")}
}

func (r *RetentionManager) policies() []tablePolicy {
	return []tablePolicy{
		{"executions", "created_at", r.config.ExecutionsTTL},
		{"action_log", "started_at", r.config.ActionLogTTL},
	}
}

// ApplyTTLs sets the configured TTL on each audit table. Run after
// migrations. A failing table is logged and skipped.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.policies() {
		stmt, ok := ttlStatement(p)
		if !ok {
			continue
		}
		if err := r.client.Exec(ctx, stmt); err != nil {
			r.logger.Warn("failed to apply TTL policy", "table", p.table, "error", err)
			continue
		}
		r.logger.Info("applied retention policy", "table", p.table, "ttl", p.ttl)
	}
	return nil
}

// ttlStatement renders the ALTER for a policy, rounding up to whole days.
func ttlStatement(p tablePolicy) (string, bool) {
	if p.ttl <= 0 {
		return "", false
	}
	days := int((p.ttl + 24*time.Hour - 1) / (24 * time.Hour))
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeIdentifier(p.table), sanitizeIdentifier(p.column), days), true
}
