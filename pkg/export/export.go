// Package export delivers assembled packets to external destinations. A
// bundle is laid out per control, with the manifest at the root, so an
// auditor can verify each payload against its recorded content hash without
// any access to the pipeline.
package export

import (
	"context"
	"encoding/json"
)

// Blob is one exported evidence payload.
type Blob struct {
	// Path is the bundle-relative location, e.g.
	// "CC7.1/evidence/github/<artifact-id>.json".
	Path        string
	ContentHash string
	Data        []byte
}

// Bundle is the complete export payload for one packet. Manifest holds the
// exact bytes frozen at assembly time.
type Bundle struct {
	PacketID     string
	OrgID        string
	ManifestHash string
	Manifest     json.RawMessage
	Blobs        []Blob
}

// Destination writes a bundle somewhere external and returns an opaque
// reference to the delivered location. Upload must be atomic from the
// caller's point of view: either the whole bundle lands or an error comes
// back and nothing is treated as delivered.
type Destination interface {
	Name() string
	Upload(ctx context.Context, b Bundle) (string, error)
}

// ManifestFileName is the manifest's location inside every bundle.
const ManifestFileName = "manifest.json"
