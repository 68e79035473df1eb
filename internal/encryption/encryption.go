// Package encryption seals archived execution reports with AES-256-GCM.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidCiphertext is returned when sealed data is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrUnknownKeyVersion is returned when sealed data names a key
	// version the engine does not hold.
	ErrUnknownKeyVersion = errors.New("unknown key version")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// magic prefixes sealed payloads so unsealed reports written before
// encryption was enabled can still be read.
var magic = []byte("SEAL")

// Config holds encryption configuration. Keys may be secret references
// and are resolved before the engine is built.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Key        string `yaml:"key"`
	KeyVersion int    `yaml:"key_version"`

	// PreviousKeys keeps retired keys readable, by version.
	PreviousKeys map[int]string `yaml:"previous_keys,omitempty"`
}

// DefaultConfig returns encryption disabled.
func DefaultConfig() Config {
	return Config{KeyVersion: 1}
}

// Engine seals and opens payloads.
type Engine struct {
	mu         sync.RWMutex
	enabled    bool
	key        []byte
	keyVersion int
	oldKeys    map[int][]byte
	logger     *slog.Logger
}

// NewEngine creates an engine. A disabled engine passes data through.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		enabled: cfg.Enabled,
		oldKeys: make(map[int][]byte),
		logger:  logger.With("component", "encryption"),
	}
	if !cfg.Enabled {
		return e, nil
	}

	if cfg.Key == "" {
		return nil, fmt.Errorf("%w: key is required when encryption is enabled", ErrInvalidKey)
	}
	if cfg.KeyVersion < 1 || cfg.KeyVersion > 255 {
		return nil, fmt.Errorf("%w: key_version must be 1-255, got %d", ErrInvalidKey, cfg.KeyVersion)
	}
	e.key = deriveKey(cfg.Key)
	e.keyVersion = cfg.KeyVersion

	for v, k := range cfg.PreviousKeys {
		if v == cfg.KeyVersion || v < 1 || v > 255 || k == "" {
			return nil, fmt.Errorf("%w: previous key version %d", ErrInvalidKey, v)
		}
		e.oldKeys[v] = deriveKey(k)
	}

	e.logger.Info("encryption engine initialized",
		"key_version", e.keyVersion,
		"previous_keys", len(e.oldKeys),
		"algorithm", "AES-256-GCM")
	return e, nil
}

// deriveKey derives a 32-byte key from the configured secret.
func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Enabled returns whether sealing is on.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Seal encrypts plaintext. The result is laid out as
// [magic][version:1][nonce][ciphertext+tag].
func (e *Engine) Seal(plaintext []byte) ([]byte, error) {
	if !e.enabled {
		return plaintext, nil
	}

	e.mu.RLock()
	key, version := e.key, e.keyVersion
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, byte(version))
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// IsSealed reports whether data carries the sealed-payload prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// Open decrypts sealed data. Data without the sealed prefix is returned
// unchanged.
func (e *Engine) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if !e.enabled {
		return nil, fmt.Errorf("%w: sealed payload but encryption is disabled", ErrInvalidKey)
	}

	body := data[len(magic):]
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}
	version := int(body[0])

	e.mu.RLock()
	key := e.key
	if version != e.keyVersion {
		key = e.oldKeys[version]
	}
	e.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(body) < 1+ns+gcm.Overhead() {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}
	plaintext, err := gcm.Open(nil, body[1:1+ns], body[1+ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCM(block)
}

// RotateKey makes newKey current and keeps the previous key for Open.
func (e *Engine) RotateKey(newKey string, newVersion int) error {
	if !e.enabled {
		return fmt.Errorf("encryption is not enabled")
	}
	if newKey == "" {
		return fmt.Errorf("%w: new key is required", ErrInvalidKey)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if newVersion <= e.keyVersion || newVersion > 255 {
		return fmt.Errorf("new version (%d) must be greater than current version (%d) and at most 255", newVersion, e.keyVersion)
	}

	e.oldKeys[e.keyVersion] = e.key
	old := e.keyVersion
	e.key = deriveKey(newKey)
	e.keyVersion = newVersion

	e.logger.Info("encryption key rotated",
		"old_version", old,
		"new_version", newVersion,
		"old_keys_retained", len(e.oldKeys))
	return nil
}

// KeyVersion returns the current key version.
func (e *Engine) KeyVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keyVersion
}

// OldKeyVersions lists the retired versions still readable, ascending.
func (e *Engine) OldKeyVersions() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	versions := make([]int, 0, len(e.oldKeys))
	for v := range e.oldKeys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}
