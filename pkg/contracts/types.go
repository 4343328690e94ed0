// Package contracts defines the shared data model of the evidence pipeline.
// Every entity is organization-scoped; nothing in this package crosses an
// organization boundary.
package contracts

import (
	"encoding/json"
	"time"
)

// SourceSystem identifies the external system an artifact was collected from.
type SourceSystem string

const (
	SourceGitHub      SourceSystem = "github"
	SourceJira        SourceSystem = "jira"
	SourceGoogleDrive SourceSystem = "google_drive"
)

// ArtifactType classifies the shape of the evidence.
type ArtifactType string

const (
	ArtifactPullRequest ArtifactType = "pull_request"
	ArtifactCommit      ArtifactType = "commit"
	ArtifactCodeReview  ArtifactType = "code_review"
	ArtifactIssue       ArtifactType = "jira_issue"
	ArtifactDocument    ArtifactType = "document"
	ArtifactPolicy      ArtifactType = "policy"
)

// ApprovalStatus of an artifact. Derived from the approval ledger; never a
// mutable write target.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// EvidenceArtifact is a normalized unit of evidence derived from one external
// record. The (OrgID, SourceSystem, SourceObjectID) triple is unique; re-syncs
// of the same external record update in place rather than duplicate.
type EvidenceArtifact struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	SyncJobID      string       `json:"sync_job_id,omitempty"`
	SourceSystem   SourceSystem `json:"source_system"`
	SourceObjectID string       `json:"source_object_id"`
	SourceURL      string       `json:"source_url"`
	ArtifactType   ArtifactType `json:"artifact_type"`
	Title          string       `json:"title"`

	// ContentHash is the SHA-256 digest ("sha256:<hex>") of the canonical
	// content fields. Identical content always yields an identical hash.
	ContentHash string `json:"content_hash"`

	// CapturedAt is when the record was ingested. PeriodStart/PeriodEnd is
	// the interval the content pertains to (e.g. a PR's merge date), which
	// the gap detector uses; it is distinct from CapturedAt.
	CapturedAt  time.Time `json:"captured_at"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	// RawPayload is the opaque normalized content blob kept for narrative
	// and audit display. Volatile source metadata is excluded from hashing.
	RawPayload map[string]any `json:"raw_payload,omitempty"`

	// Superseded marks an artifact replaced by a newer capture. Artifacts
	// are never hard-deleted.
	Superseded bool `json:"superseded"`
}

// MappingSource records how a control mapping was created.
type MappingSource string

const (
	MappingAuto   MappingSource = "auto"
	MappingManual MappingSource = "manual"
)

// ControlMapping links one artifact to one control. Mappings are append-only:
// corrections create a new record and supersede the old one.
type ControlMapping struct {
	ID         string        `json:"id"`
	OrgID      string        `json:"org_id"`
	ArtifactID string        `json:"artifact_id"`
	ControlID  string        `json:"control_id"`
	Source     MappingSource `json:"source"`
	Confidence float64       `json:"confidence"`
	Rationale  string        `json:"rationale,omitempty"`
	CreatedBy  string        `json:"created_by"`
	CreatedAt  time.Time     `json:"created_at"`
	Superseded bool          `json:"superseded"`

	// NeedsReview is set when the artifact's content changed after the
	// mapping was created. The mapping is retained, not deleted.
	NeedsReview bool `json:"needs_review"`
}

// Decision is a human approval or rejection.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRecord is an immutable ledger event. No update or delete API exists
// anywhere in the system. SignatureHash binds the decision to the artifact's
// content hash at decision time; if the content later changes the signature
// goes stale and the artifact reverts to pending.
type ApprovalRecord struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	ArtifactID string    `json:"artifact_id"`
	Sequence   uint64    `json:"sequence"`
	Decision   Decision  `json:"decision"`
	ActorID    string    `json:"actor_id"`
	DecidedAt  time.Time `json:"decided_at"`
	Notes      string    `json:"notes,omitempty"`

	// BoundContentHash is the artifact content hash the decision was made
	// against. SignatureHash = sha256(bound_hash || decision || actor || decided_at).
	BoundContentHash string `json:"bound_content_hash"`
	SignatureHash    string `json:"signature_hash"`
}

// Granularity is the sub-interval size a control requires evidence at.
type Granularity string

const (
	GranularityDaily     Granularity = "daily"
	GranularityWeekly    Granularity = "weekly"
	GranularityMonthly   Granularity = "monthly"
	GranularityQuarterly Granularity = "quarterly"
)

// Control is a catalog entity. Controls are opaque identifiers with metadata;
// the framework (SOC 2, ISO 27001, ...) is pluggable.
type Control struct {
	ID          string      `json:"id"` // e.g. "CC7.1"
	Framework   string      `json:"framework"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Granularity Granularity `json:"required_period_granularity"`
}

// CoverageStatus summarizes evidence coverage for one control over a period.
type CoverageStatus string

const (
	CoverageComplete CoverageStatus = "complete"
	CoveragePartial  CoverageStatus = "partial"
	CoverageMissing  CoverageStatus = "missing"
)

// Interval is a half-open-ish calendar interval [Start, End].
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CoverageReport is the gap detector's answer for one control and period.
// Gaps and pending approvals are first-class states, not errors.
type CoverageReport struct {
	OrgID       string         `json:"org_id"`
	ControlID   string         `json:"control_id"`
	Period      Interval       `json:"period"`
	Granularity Granularity    `json:"granularity"`
	Status      CoverageStatus `json:"status"`
	Covered     []Interval     `json:"covered"`
	Gaps        []Interval     `json:"gaps"`
}

// PacketStatus of an evidence packet.
type PacketStatus string

const (
	PacketDraft    PacketStatus = "draft"
	PacketExported PacketStatus = "exported"
)

// Packet is a frozen, verifiable bundle of approved evidence for export.
type Packet struct {
	ID           string       `json:"id"`
	OrgID        string       `json:"org_id"`
	PeriodStart  time.Time    `json:"period_start"`
	PeriodEnd    time.Time    `json:"period_end"`
	ControlIDs   []string     `json:"control_ids"`
	Status       PacketStatus `json:"status"`
	ManifestHash string       `json:"manifest_hash"`
	// Manifest is the serialized manifest frozen at assembly time, so the
	// exported bytes are exactly what was assembled, not a re-derivation.
	Manifest   json.RawMessage `json:"manifest,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExportedAt time.Time       `json:"exported_at,omitempty"`
	ExportRef  string          `json:"export_ref,omitempty"`
}

// PacketItem joins a packet to one selected artifact, capturing the content
// hash at selection time. Later artifact mutation cannot silently alter an
// assembled packet; re-assembly is required.
type PacketItem struct {
	ID          string `json:"id"`
	PacketID    string `json:"packet_id"`
	ArtifactID  string `json:"artifact_id"`
	ControlID   string `json:"control_id"`
	ContentHash string `json:"content_hash"`
	Order       int    `json:"order"`
}

// SyncJobState tracks background ingestion work.
type SyncJobState string

const (
	SyncPending   SyncJobState = "PENDING"
	SyncRunning   SyncJobState = "RUNNING"
	SyncCompleted SyncJobState = "COMPLETED"
	SyncFailed    SyncJobState = "FAILED"
)

// SyncJob is the handle returned by submit-sync-request. Callers poll it;
// nothing downstream of ingestion assumes synchronous completion.
type SyncJob struct {
	ID           string       `json:"id"`
	OrgID        string       `json:"org_id"`
	SourceSystem SourceSystem `json:"source_system"`
	State        SyncJobState `json:"state"`
	Cursor       string       `json:"cursor,omitempty"`
	Attempts     int          `json:"attempts"`
	Error        string       `json:"error,omitempty"`
	SubmittedAt  time.Time    `json:"submitted_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	RecordsSeen  int          `json:"records_seen"`
}
