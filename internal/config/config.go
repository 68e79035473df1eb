// Package config loads the SOAR service configuration.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"boundary-soar/internal/cache"
	"boundary-soar/internal/encryption"
	"boundary-soar/internal/kafka"
	"boundary-soar/internal/middleware"
	"boundary-soar/internal/playbook"
	"boundary-soar/internal/secrets"
	"boundary-soar/internal/storage"
	"boundary-soar/internal/storage/s3"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the SOAR service.
type Config struct {
	Server          ServerConfig                     `yaml:"server"`
	Logging         LoggingConfig                    `yaml:"logging"`
	Engine          EngineConfig                     `yaml:"engine"`
	Approvals       ApprovalsConfig                  `yaml:"approvals"`
	Integrations    IntegrationsConfig               `yaml:"integrations"`
	Playbooks       PlaybooksConfig                  `yaml:"playbooks"`
	Kafka           KafkaConfig                      `yaml:"kafka"`
	Storage         StorageConfig                    `yaml:"storage"`
	Archive         ArchiveConfig                    `yaml:"archive"`
	Cache           CacheConfig                      `yaml:"cache"`
	RateLimit       middleware.RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders middleware.SecurityHeadersConfig `yaml:"security_headers"`
	Secrets         secrets.Config                   `yaml:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Production hides internal error detail from API responses.
	Production bool `yaml:"production"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig holds execution engine configuration.
type EngineConfig struct {
	MaxConcurrentExecutions int    `yaml:"max_concurrent_executions"`
	MaxConcurrentActions    int    `yaml:"max_concurrent_actions"`
	FailurePolicy           string `yaml:"failure_policy"` // relaxed or strict
	// Terminal executions older than PurgeAfter are dropped from memory
	// every PurgeInterval. Zero disables purging.
	PurgeAfter    time.Duration `yaml:"purge_after"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// ApprovalsConfig holds the approver directory and expiry settings.
type ApprovalsConfig struct {
	// Approvers maps approver names to analyst, manager or ciso.
	Approvers     map[string]string `yaml:"approvers"`
	DefaultExpiry time.Duration     `yaml:"default_expiry"`
	SweepInterval time.Duration     `yaml:"sweep_interval"`
}

// IntegrationsConfig binds capabilities to adapters.
type IntegrationsConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// Webhooks maps a capability to the endpoint that performs it.
	Webhooks   map[string]WebhookConfig `yaml:"webhooks"`
	Slack      SlackConfig              `yaml:"slack"`
	CommandBus CommandBusConfig         `yaml:"command_bus"`
	// DryRun lists capabilities answered by the dry-run adapter.
	DryRun []string `yaml:"dry_run"`
}

// WebhookConfig configures one webhook adapter.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout"`
}

// SlackConfig configures the notify adapter.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// CommandBusConfig publishes actions of the listed capabilities to the
// Kafka commands topic.
type CommandBusConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Capabilities []string `yaml:"capabilities"`
}

// PlaybooksConfig holds playbook loading configuration.
type PlaybooksConfig struct {
	Dir          string `yaml:"dir"`
	LoadBuiltIns bool   `yaml:"load_builtins"`
}

// KafkaConfig enables the trigger consumer and command producer.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// StorageConfig holds the ClickHouse audit trail configuration.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	AuditWriter storage.AuditWriterConfig `yaml:"audit_writer"`
	Retention   storage.RetentionConfig   `yaml:"retention"`
}

// ArchiveConfig holds the S3 report archive configuration.
type ArchiveConfig struct {
	Enabled    bool                    `yaml:"enabled"`
	S3         s3.Config               `yaml:"s3"`
	Archiver   s3.ReportArchiverConfig `yaml:"archiver"`
	Encryption encryption.Config       `yaml:"encryption"`
}

// CacheConfig holds the Redis snapshot cache configuration.
type CacheConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Redis     cache.RedisConfig    `yaml:"redis"`
	Snapshots cache.SnapshotConfig `yaml:"snapshots"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 1000,
			MaxConcurrentActions:    0, // unbounded within an execution
			FailurePolicy:           "relaxed",
			PurgeAfter:              24 * time.Hour,
			PurgeInterval:           time.Hour,
		},
		Approvals: ApprovalsConfig{
			Approvers:     map[string]string{},
			DefaultExpiry: 4 * time.Hour,
			SweepInterval: 30 * time.Second,
		},
		Integrations: IntegrationsConfig{
			DefaultTimeout: 5 * time.Minute,
			RetryBackoff:   time.Second,
			MaxBackoff:     30 * time.Second,
			Webhooks:       map[string]WebhookConfig{},
			Slack: SlackConfig{
				Channel:  "#soc-alerts",
				Username: "boundary-soar",
			},
		},
		Playbooks: PlaybooksConfig{
			Dir:          "configs/playbooks",
			LoadBuiltIns: true,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Config:  kafka.DefaultConfig(),
		},
		Storage: StorageConfig{
			Enabled:     false, // disabled for development without ClickHouse
			ClickHouse:  storage.DefaultClickHouseConfig(),
			AuditWriter: storage.DefaultAuditWriterConfig(),
			Retention:   storage.DefaultRetentionConfig(),
		},
		Archive: ArchiveConfig{
			Enabled:    false,
			S3:         s3.DefaultConfig(),
			Archiver:   s3.DefaultReportArchiverConfig(),
			Encryption: encryption.DefaultConfig(),
		},
		Cache: CacheConfig{
			Enabled:   false,
			Redis:     cache.DefaultRedisConfig(),
			Snapshots: cache.DefaultSnapshotConfig(),
		},
		RateLimit:       middleware.DefaultRateLimitConfig(),
		SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
		Secrets:         secrets.DefaultConfig(),
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("SOAR_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields defaults.
// Environment overrides are applied in both cases.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SOAR_HTTP_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = n
		}
	}
	if level := os.Getenv("SOAR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if os.Getenv("SOAR_PRODUCTION") == "true" {
		c.Server.Production = true
	}
	if policy := os.Getenv("SOAR_FAILURE_POLICY"); policy != "" {
		c.Engine.FailurePolicy = policy
	}
	if dir := os.Getenv("SOAR_PLAYBOOK_DIR"); dir != "" {
		c.Playbooks.Dir = dir
	}

	// Kafka
	if brokers := os.Getenv("SOAR_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if pass := os.Getenv("SOAR_KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	// ClickHouse
	if hosts := os.Getenv("SOAR_CLICKHOUSE_HOSTS"); hosts != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(hosts, ",")
		c.Storage.Enabled = true
	}
	if user := os.Getenv("SOAR_CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("SOAR_CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Redis
	if addr := os.Getenv("SOAR_REDIS_ADDR"); addr != "" {
		c.Cache.Redis.Addr = addr
		c.Cache.Enabled = true
	}
	if pass := os.Getenv("SOAR_REDIS_PASSWORD"); pass != "" {
		c.Cache.Redis.Password = pass
	}

	// S3
	if bucket := os.Getenv("SOAR_S3_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
		c.Archive.Enabled = true
	}
	if region := os.Getenv("SOAR_S3_REGION"); region != "" {
		c.Archive.S3.Region = region
	}

	// Integrations
	if url := os.Getenv("SOAR_SLACK_WEBHOOK_URL"); url != "" {
		c.Integrations.Slack.WebhookURL = url
	}

	// Rate limit
	if enabled := os.Getenv("SOAR_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	if rps := os.Getenv("SOAR_RATELIMIT_RPS"); rps != "" {
		if n, err := strconv.Atoi(rps); err == nil {
			c.RateLimit.RequestsPerIP = n
		}
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if p := c.Engine.FailurePolicy; p != "relaxed" && p != "strict" {
		return fmt.Errorf("invalid engine.failure_policy: %q", p)
	}
	if c.Engine.MaxConcurrentExecutions < 0 || c.Engine.MaxConcurrentActions < 0 {
		return fmt.Errorf("engine concurrency limits must not be negative")
	}
	if c.Approvals.SweepInterval <= 0 {
		return fmt.Errorf("approvals.sweep_interval must be positive")
	}

	for name, level := range c.Approvals.Approvers {
		l := playbook.ApprovalLevel(level)
		if !l.Valid() || l.Automatic() {
			return fmt.Errorf("approver %q: invalid level %q", name, level)
		}
	}

	for capability, hook := range c.Integrations.Webhooks {
		if !playbook.Capability(capability).Valid() {
			return fmt.Errorf("integrations.webhooks: unknown capability %q", capability)
		}
		if hook.URL == "" {
			return fmt.Errorf("integrations.webhooks.%s: url is required", capability)
		}
	}
	for _, capability := range c.Integrations.DryRun {
		if !playbook.Capability(capability).Valid() {
			return fmt.Errorf("integrations.dry_run: unknown capability %q", capability)
		}
	}
	if c.Integrations.CommandBus.Enabled {
		if !c.Kafka.Enabled {
			return fmt.Errorf("integrations.command_bus requires kafka to be enabled")
		}
		for _, capability := range c.Integrations.CommandBus.Capabilities {
			if !playbook.Capability(capability).Valid() {
				return fmt.Errorf("integrations.command_bus: unknown capability %q", capability)
			}
		}
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}
	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage.clickhouse.hosts must not be empty")
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if c.Archive.Encryption.Enabled && c.Archive.Encryption.Key == "" {
			return fmt.Errorf("archive.encryption.key is required when encryption is enabled")
		}
	}
	if c.Cache.Enabled && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr must not be empty")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerIP <= 0 || c.RateLimit.WindowSize <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_ip and window_size")
	}
	return nil
}

// ApproverLevels returns the approver directory as approval levels.
func (a ApprovalsConfig) ApproverLevels() map[string]playbook.ApprovalLevel {
	out := make(map[string]playbook.ApprovalLevel, len(a.Approvers))
	for name, level := range a.Approvers {
		out[name] = playbook.ApprovalLevel(level)
	}
	return out
}

// SecretResolver turns a credential reference such as "env:NAME" or
// "file:name" into its value. Literals come back unchanged.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets replaces credential references in place. Fields of
// disabled sections are left untouched.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	fields := []struct {
		name    string
		enabled bool
		ref     *string
	}{
		{"kafka.sasl_password", c.Kafka.Enabled, &c.Kafka.SASLPassword},
		{"storage.clickhouse.password", c.Storage.Enabled, &c.Storage.ClickHouse.Password},
		{"cache.redis.password", c.Cache.Enabled, &c.Cache.Redis.Password},
		{"archive.s3.secret_access_key", c.Archive.Enabled, &c.Archive.S3.SecretAccessKey},
		{"archive.s3.session_token", c.Archive.Enabled, &c.Archive.S3.SessionToken},
		{"archive.encryption.key", c.Archive.Enabled && c.Archive.Encryption.Enabled, &c.Archive.Encryption.Key},
		{"integrations.slack.webhook_url", true, &c.Integrations.Slack.WebhookURL},
	}
	for _, f := range fields {
		if !f.enabled || *f.ref == "" {
			continue
		}
		v, err := r.Resolve(ctx, *f.ref)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ref = v
	}

	if c.Archive.Enabled && c.Archive.Encryption.Enabled {
		for version, ref := range c.Archive.Encryption.PreviousKeys {
			v, err := r.Resolve(ctx, ref)
			if err != nil {
				return fmt.Errorf("archive.encryption.previous_keys.%d: %w", version, err)
			}
			c.Archive.Encryption.PreviousKeys[version] = v
		}
	}

	for capability, wh := range c.Integrations.Webhooks {
		url, err := r.Resolve(ctx, wh.URL)
		if err != nil {
			return fmt.Errorf("integrations.webhooks.%s.url: %w", capability, err)
		}
		wh.URL = url
		if len(wh.Headers) > 0 {
			headers := make(map[string]string, len(wh.Headers))
			for k, ref := range wh.Headers {
				v, err := r.Resolve(ctx, ref)
				if err != nil {
					return fmt.Errorf("integrations.webhooks.%s.headers.%s: %w", capability, k, err)
				}
				headers[k] = v
			}
			wh.Headers = headers
		}
		c.Integrations.Webhooks[capability] = wh
	}
	return nil
}
