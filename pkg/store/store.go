// Package store persists the evidence pipeline's entities. All queries are
// organization-scoped. The approval table is insert-only by construction:
// no update or delete statement for it exists anywhere in this package.
package store

import (
	"context"
	"time"

	"github.com/trailproof/core/pkg/contracts"
)

// ArtifactStore persists evidence artifacts.
type ArtifactStore interface {
	Insert(ctx context.Context, a *contracts.EvidenceArtifact) error
	Update(ctx context.Context, a *contracts.EvidenceArtifact) error
	Get(ctx context.Context, orgID, id string) (*contracts.EvidenceArtifact, error)
	// GetBySource looks up by the unique (org, source_system, source_object_id)
	// triple. Returns contracts.ErrNotFound when absent.
	GetBySource(ctx context.Context, orgID string, system contracts.SourceSystem, objectID string) (*contracts.EvidenceArtifact, error)
	// ListForControl returns non-superseded artifacts that carry at least one
	// non-superseded mapping to controlID and whose content period overlaps
	// [start, end].
	ListForControl(ctx context.Context, orgID, controlID string, start, end time.Time) ([]*contracts.EvidenceArtifact, error)
}

// MappingStore persists control mappings. Mappings are never mutated in
// place; corrections insert a new record and supersede the old one.
type MappingStore interface {
	InsertMapping(ctx context.Context, m *contracts.ControlMapping) error
	ListMappingsByArtifact(ctx context.Context, orgID, artifactID string) ([]*contracts.ControlMapping, error)
	// MarkNeedsReview flags all live mappings of an artifact after its
	// content changed. The mappings are retained for the audit trail.
	MarkNeedsReview(ctx context.Context, orgID, artifactID string) error
	SupersedeMapping(ctx context.Context, orgID, mappingID string) error
}

// ApprovalStore is the append-only ledger. AppendApproval assigns a
// per-artifact monotonic sequence so current-status reads are deterministic
// regardless of the write order observed by different readers.
type ApprovalStore interface {
	// AppendApproval inserts one record. An append that loses a race for
	// its sequence slot to another writer returns an error wrapping
	// ErrDuplicateSequence; the caller re-reads NextSequence and retries.
	AppendApproval(ctx context.Context, r *contracts.ApprovalRecord) error
	// ListApprovalsByArtifact returns records newest-first (sequence
	// descending, record ID as tie-break).
	ListApprovalsByArtifact(ctx context.Context, orgID, artifactID string) ([]*contracts.ApprovalRecord, error)
	NextSequence(ctx context.Context, orgID, artifactID string) (uint64, error)
}

// ControlStore holds the control catalog.
type ControlStore interface {
	PutControl(ctx context.Context, c *contracts.Control) error
	GetControl(ctx context.Context, id string) (*contracts.Control, error)
	ListControls(ctx context.Context) ([]*contracts.Control, error)
}

// PacketStore persists assembled packets and their frozen items.
type PacketStore interface {
	InsertPacket(ctx context.Context, p *contracts.Packet, items []*contracts.PacketItem) error
	GetPacket(ctx context.Context, orgID, id string) (*contracts.Packet, error)
	PacketItems(ctx context.Context, packetID string) ([]*contracts.PacketItem, error)
	MarkExported(ctx context.Context, orgID, id, exportRef string, at time.Time) error
}

// SyncJobStore tracks background ingestion jobs.
type SyncJobStore interface {
	InsertSyncJob(ctx context.Context, j *contracts.SyncJob) error
	UpdateSyncJob(ctx context.Context, j *contracts.SyncJob) error
	GetSyncJob(ctx context.Context, orgID, id string) (*contracts.SyncJob, error)
}
