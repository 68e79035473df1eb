// Package secrets resolves credential references in the service
// configuration against environment variables and mounted secret files.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSecretNotFound is returned when a provider has no value for a key.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned when a reference names a provider that is
	// not enabled.
	ErrNoProvider = errors.New("no secret provider configured")
)

// Secret is a retrieved secret value.
type Secret struct {
	Value  string
	Source string
}

// Provider looks secrets up by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (*Secret, error)
}

// Config configures the secrets manager.
type Config struct {
	EnableEnv  bool          `yaml:"enable_env"`
	EnableFile bool          `yaml:"enable_file"`
	FileDir    string        `yaml:"file_dir"`
	EnvPrefix  string        `yaml:"env_prefix"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default secrets configuration.
func DefaultConfig() Config {
	return Config{
		EnableEnv: true,
		FileDir:   "/run/secrets",
		EnvPrefix: "SOAR_",
		CacheTTL:  5 * time.Minute,
	}
}

// Manager resolves references through the enabled providers.
type Manager struct {
	providers map[string]Provider
	cache     map[string]cachedSecret
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

// NewManager creates a manager with the providers enabled in cfg.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		providers: make(map[string]Provider),
		cache:     make(map[string]cachedSecret),
		cacheTTL:  cfg.CacheTTL,
		now:       time.Now,
		logger:    logger.With("component", "secrets"),
	}

	if cfg.EnableEnv {
		m.Register(NewEnvProvider(cfg.EnvPrefix))
	}
	if cfg.EnableFile {
		if cfg.FileDir == "" {
			return nil, errors.New("secrets: file provider requires file_dir")
		}
		m.Register(NewFileProvider(cfg.FileDir))
	}
	if len(m.providers) == 0 {
		return nil, ErrNoProvider
	}
	return m, nil
}

// Register adds or replaces a provider under its name.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
	m.logger.Info("secret provider initialized", "provider", p.Name())
}

// ParseRef splits a reference into provider and key. Values without a
// known provider prefix are literals and come back with provider "".
//
//	"env:KAFKA_PASSWORD"  -> ("env", "KAFKA_PASSWORD")
//	"file:redis_password" -> ("file", "redis_password")
//	"https://hooks..."    -> ("", "https://hooks...")
func ParseRef(ref string) (provider, key string) {
	name, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return "", ref
	}
	switch name {
	case "env", "file":
		return name, rest
	}
	return "", ref
}

// Resolve returns the value a reference points to. Literal values are
// returned unchanged.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	provider, key := ParseRef(ref)
	if provider == "" {
		return ref, nil
	}
	return m.Get(ctx, provider, key)
}

// Get fetches a key from one provider. Values are cached for the
// configured TTL.
func (m *Manager) Get(ctx context.Context, provider, key string) (string, error) {
	p, ok := m.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoProvider, provider)
	}

	cacheKey := provider + ":" + key
	if v, ok := m.fromCache(cacheKey); ok {
		return v, nil
	}

	s, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("secret %s:%s: %w", provider, key, err)
	}
	m.logger.Debug("secret retrieved", "provider", provider, "key", key)

	if m.cacheTTL > 0 {
		m.cacheMu.Lock()
		m.cache[cacheKey] = cachedSecret{value: s.Value, fetchedAt: m.now()}
		m.cacheMu.Unlock()
	}
	return s.Value, nil
}

func (m *Manager) fromCache(key string) (string, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	c, ok := m.cache[key]
	if !ok || m.now().Sub(c.fetchedAt) > m.cacheTTL {
		return "", false
	}
	return c.value, true
}

// ClearCache drops all cached values.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	m.cache = make(map[string]cachedSecret)
	m.cacheMu.Unlock()
	m.logger.Debug("secret cache cleared")
}
