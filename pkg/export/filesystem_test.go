package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testBundle() Bundle {
	return Bundle{
		PacketID:     "pkt-1",
		OrgID:        "org-1",
		ManifestHash: "sha256:abc",
		Manifest:     json.RawMessage(`{"packet_id":"pkt-1"}`),
		Blobs: []Blob{
			{Path: "CC7.1/evidence/github/art-1.json", ContentHash: "sha256:a1", Data: []byte(`{"title":"PR"}`)},
			{Path: "CC7.2/evidence/jira/art-2.json", ContentHash: "sha256:a2", Data: []byte(`{"title":"ticket"}`)},
		},
	}
}

func TestFilesystemUploadLayout(t *testing.T) {
	base := t.TempDir()
	dest, err := NewFilesystemDestination(base)
	require.NoError(t, err)

	ref, err := dest.Upload(context.Background(), testBundle())
	require.NoError(t, err)

	root := filepath.Join(base, "org-1", "pkt-1")
	require.Equal(t, "file://"+root, ref)

	manifest, err := os.ReadFile(filepath.Join(root, ManifestFileName))
	require.NoError(t, err)
	require.JSONEq(t, `{"packet_id":"pkt-1"}`, string(manifest))

	blob, err := os.ReadFile(filepath.Join(root, "CC7.1", "evidence", "github", "art-1.json"))
	require.NoError(t, err)
	require.Equal(t, `{"title":"PR"}`, string(blob))

	_, err = os.Stat(root + ".staging")
	require.True(t, os.IsNotExist(err), "staging dir is renamed away")
}

func TestFilesystemUploadReplacesExisting(t *testing.T) {
	base := t.TempDir()
	dest, err := NewFilesystemDestination(base)
	require.NoError(t, err)

	b := testBundle()
	_, err = dest.Upload(context.Background(), b)
	require.NoError(t, err)

	// Second upload of the same packet drops the stale blob set.
	b.Blobs = b.Blobs[:1]
	_, err = dest.Upload(context.Background(), b)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(base, "org-1", "pkt-1", "CC7.2"))
	require.True(t, os.IsNotExist(err))
}

func TestNewFilesystemDestinationCreatesBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "exports")
	_, err := NewFilesystemDestination(base)
	require.NoError(t, err)
	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
