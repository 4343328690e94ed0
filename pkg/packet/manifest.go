package packet

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/trailproof/core/pkg/canonicalize"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/merkle"
)

// ManifestVersion identifies the manifest layout.
const ManifestVersion = "1.0"

// Manifest is the complete, verifiable inventory of a packet. It records
// each requested control's coverage status explicitly: a packet never
// silently claims completeness it cannot support.
type Manifest struct {
	Version     string             `json:"manifest_version"`
	PacketID    string             `json:"packet_id"`
	OrgID       string             `json:"org_id"`
	Period      contracts.Interval `json:"audit_period"`
	GeneratedAt time.Time          `json:"generated_at"`
	GeneratedBy string             `json:"generated_by"`
	Coverage    []ControlCoverage  `json:"coverage"`
	Items       []ManifestItem     `json:"evidence_items"`
	// MerkleRoot commits to the ordered (artifact_id, content_hash,
	// control_id) tuples; it is the packet's manifest_hash.
	MerkleRoot string `json:"merkle_root"`
	// Signature is the hex ed25519 signature over MerkleRoot, when a
	// signing key is configured.
	Signature string `json:"signature,omitempty"`
}

// ControlCoverage records what the gap detector said about one requested
// control at assembly time, gaps included.
type ControlCoverage struct {
	ControlID string                   `json:"control_id"`
	Status    contracts.CoverageStatus `json:"status"`
	Gaps      []contracts.Interval     `json:"gaps,omitempty"`
}

// ManifestItem is one selected artifact with its provenance.
type ManifestItem struct {
	Order        int                    `json:"order"`
	ArtifactID   string                 `json:"artifact_id"`
	ControlID    string                 `json:"control_id"`
	ContentHash  string                 `json:"content_hash"`
	Title        string                 `json:"title"`
	SourceSystem contracts.SourceSystem `json:"source_system"`
	SourceURL    string                 `json:"source_url"`
	CapturedAt   time.Time              `json:"captured_at"`
	PeriodStart  time.Time              `json:"period_start"`
	PeriodEnd    time.Time              `json:"period_end"`
}

// fingerprint builds the merkle tree over the ordered items and returns the
// prefixed manifest hash.
func fingerprint(items []ManifestItem) (*merkle.Tree, string, error) {
	keys := make([]string, len(items))
	values := make([][]byte, len(items))
	for i, item := range items {
		keys[i] = item.ArtifactID + "/" + item.ControlID
		leaf, err := canonicalize.Canonical(map[string]any{
			"artifact_id":  item.ArtifactID,
			"content_hash": item.ContentHash,
			"control_id":   item.ControlID,
		})
		if err != nil {
			return nil, "", err
		}
		values[i] = leaf
	}
	tree := merkle.Build(keys, values)
	return tree, canonicalize.HashPrefix + tree.Root, nil
}

// Fingerprint returns the prefixed manifest hash for an ordered item list.
// External verifiers use it to recompute a root from manifest contents.
func Fingerprint(items []ManifestItem) (string, error) {
	_, root, err := fingerprint(items)
	return root, err
}

// VerifyManifest recomputes the merkle root over the manifest's items and
// checks it against the recorded root. This is what an external party runs
// against an exported bundle.
func VerifyManifest(m *Manifest) error {
	_, root, err := fingerprint(m.Items)
	if err != nil {
		return fmt.Errorf("failed to recompute manifest root: %w", err)
	}
	if root != m.MerkleRoot {
		return fmt.Errorf("manifest root mismatch: recorded %s, recomputed %s", m.MerkleRoot, root)
	}
	return nil
}

func sign(key ed25519.PrivateKey, manifestHash string) string {
	if key == nil {
		return ""
	}
	return hex.EncodeToString(ed25519.Sign(key, []byte(manifestHash)))
}

// VerifySignature checks a manifest signature against a public key.
func VerifySignature(pub ed25519.PublicKey, manifestHash, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(manifestHash), sig)
}
