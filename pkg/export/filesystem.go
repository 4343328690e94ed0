package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemDestination writes bundles into a local directory tree, one
// directory per packet. Used for local runs and as the drop point for
// auditor portals that ingest from a shared volume.
type FilesystemDestination struct {
	baseDir string
}

func NewFilesystemDestination(baseDir string) (*FilesystemDestination, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure export dir: %w", err)
	}
	return &FilesystemDestination{baseDir: baseDir}, nil
}

func (d *FilesystemDestination) Name() string { return "filesystem" }

// Upload stages the bundle in a temp directory and renames it into place, so
// a partially written bundle is never visible under the final path.
func (d *FilesystemDestination) Upload(_ context.Context, b Bundle) (string, error) {
	finalDir := filepath.Join(d.baseDir, b.OrgID, b.PacketID)
	stagingDir := finalDir + ".staging"

	if err := os.RemoveAll(stagingDir); err != nil {
		return "", fmt.Errorf("failed to clear staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}

	if err := writeFile(filepath.Join(stagingDir, ManifestFileName), b.Manifest); err != nil {
		return "", err
	}
	for _, blob := range b.Blobs {
		if err := writeFile(filepath.Join(stagingDir, filepath.FromSlash(blob.Path)), blob.Data); err != nil {
			return "", err
		}
	}

	if err := os.RemoveAll(finalDir); err != nil {
		return "", fmt.Errorf("failed to clear export dir: %w", err)
	}
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return "file://" + finalDir, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
