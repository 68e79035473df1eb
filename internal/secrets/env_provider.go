package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment provider. Keys are looked up with
// the prefix first, then as given.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: strings.ToUpper(prefix)}
}

// Name returns "env".
func (e *EnvProvider) Name() string {
	return "env"
}

// Get reads the variable for key.
func (e *EnvProvider) Get(_ context.Context, key string) (*Secret, error) {
	envKey := normalizeEnvKey(key, e.prefix)
	if v := os.Getenv(envKey); v != "" {
		return &Secret{Value: v, Source: "env:" + envKey}, nil
	}
	if v := os.Getenv(key); v != "" {
		return &Secret{Value: v, Source: "env:" + key}, nil
	}
	return nil, ErrSecretNotFound
}

// normalizeEnvKey converts a key to environment variable form:
//
//	"kafka.sasl-password" -> "SOAR_KAFKA_SASL_PASSWORD"
//	"SOAR_REDIS_PASSWORD" -> "SOAR_REDIS_PASSWORD"
func normalizeEnvKey(key, prefix string) string {
	k := strings.ToUpper(key)
	k = strings.ReplaceAll(k, ".", "_")
	k = strings.ReplaceAll(k, "-", "_")
	if prefix != "" && !strings.HasPrefix(k, prefix) {
		k = prefix + k
	}
	return k
}
