package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets from files in a directory, the layout used by
// Docker and Kubernetes secret mounts.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a provider rooted at baseDir.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

// Name returns "file".
func (f *FileProvider) Name() string {
	return "file"
}

// Get reads the file for key. Trailing newlines are trimmed.
func (f *FileProvider) Get(_ context.Context, key string) (*Secret, error) {
	path := filepath.Join(f.baseDir, keyToFilename(key))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	return &Secret{
		Value:  strings.TrimRight(string(data), "\r\n"),
		Source: "file:" + path,
	}, nil
}

// keyToFilename flattens a key to a single lower-case file name so a
// reference cannot escape the base directory.
//
//	"clickhouse/password" -> "clickhouse_password"
func keyToFilename(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ".", "_", "-", "_").Replace(key)
	return strings.ToLower(name)
}
