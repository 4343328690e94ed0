// Package blob is content-addressed storage for captured evidence payloads.
// Blobs are keyed by their SHA-256 digest, so writes are idempotent and a
// stored payload can always be checked against the hash an artifact or
// packet recorded for it.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/trailproof/core/pkg/canonicalize"
)

// Store is the contract for content-addressed blob storage.
type Store interface {
	// Put persists data and returns its content hash ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether a blob with the given hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)
}

// rawHex strips the "sha256:" prefix, rejecting malformed hashes.
func rawHex(hash string) (string, error) {
	if !strings.HasPrefix(hash, canonicalize.HashPrefix) {
		return "", fmt.Errorf("invalid content hash format: %s", hash)
	}
	return strings.TrimPrefix(hash, canonicalize.HashPrefix), nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a blob store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonicalize.HashBytes(data)
	path := s.path(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write to temp, then rename, so readers never see a partial blob.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := rawHex(hash); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := rawHex(hash); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat blob %s: %w", hash, err)
}

func (s *FileStore) path(hash string) string {
	hex := strings.TrimPrefix(hash, canonicalize.HashPrefix)
	return filepath.Join(s.baseDir, hex+".blob")
}
