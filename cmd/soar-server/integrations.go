package main

import (
	"log/slog"
	"sort"

	"boundary-soar/internal/config"
	"boundary-soar/internal/integration"
	"boundary-soar/internal/kafka"
	"boundary-soar/internal/playbook"
)

// buildRouter binds capabilities to adapters. Later bindings replace
// earlier ones: webhooks, then Slack, then the command bus, then dry-run.
func buildRouter(cfg config.IntegrationsConfig, producer *kafka.Producer, logger *slog.Logger) *integration.Router {
	router := integration.NewRouter(integration.RouterConfig{
		DefaultTimeout: cfg.DefaultTimeout,
		RetryBackoff:   cfg.RetryBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, logger)

	names := make([]string, 0, len(cfg.Webhooks))
	for name := range cfg.Webhooks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hook := cfg.Webhooks[name]
		router.Register(playbook.Capability(name), integration.NewWebhookAdapter(name, hook.URL, hook.Headers, hook.Timeout))
	}

	if cfg.Slack.WebhookURL != "" {
		router.Register(playbook.CapabilityNotify, integration.NewSlackAdapter(cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Slack.Username))
	}

	if producer != nil {
		bus := integration.NewCommandBusAdapter(producer)
		for _, c := range cfg.CommandBus.Capabilities {
			router.Register(playbook.Capability(c), bus)
		}
	}

	if len(cfg.DryRun) > 0 {
		dry := integration.NewDryRunAdapter(logger)
		for _, c := range cfg.DryRun {
			router.Register(playbook.Capability(c), dry)
		}
	}

	if len(router.Capabilities()) == 0 {
		logger.Warn("no integrations configured; every action will fail with no adapter")
	}
	return router
}
